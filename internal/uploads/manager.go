// Package uploads runs ingestion jobs in the background for the HTTP API.
package uploads

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/lead-ingest/internal/ingest"
	"github.com/sells-group/lead-ingest/internal/model"
)

var (
	// ErrProjectBusy is returned when the project already has a running job.
	ErrProjectBusy = eris.New("uploads: project already has a running upload")
	// ErrAtCapacity is returned when every worker slot is taken.
	ErrAtCapacity = eris.New("uploads: too many concurrent uploads")
	// ErrNotFound is returned for an unknown job id.
	ErrNotFound = eris.New("uploads: job not found")
	// ErrClosed is returned by Start after Shutdown.
	ErrClosed = eris.New("uploads: manager is shut down")
)

// defaultRetention is how long finished jobs stay queryable in memory.
const defaultRetention = time.Hour

// Runner executes one upload to completion.
type Runner interface {
	Run(ctx context.Context, req ingest.Request) (*model.Summary, error)
}

// Status is a point-in-time view of a job.
type Status struct {
	ID         string         `json:"id"`
	ProjectID  string         `json:"project_id"`
	FileName   string         `json:"file_name,omitempty"`
	Progress   model.Progress `json:"progress"`
	Summary    *model.Summary `json:"summary,omitempty"`
	Error      string         `json:"error,omitempty"`
	Done       bool           `json:"done"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at,omitempty"`
}

type job struct {
	id        string
	projectID string
	fileName  string
	canceller *ingest.Canceller
	done      chan struct{}
	started   time.Time

	mu       sync.RWMutex
	progress model.Progress
	summary  *model.Summary
	err      error
	finished time.Time
}

func (j *job) status() Status {
	j.mu.RLock()
	defer j.mu.RUnlock()
	s := Status{
		ID:         j.id,
		ProjectID:  j.projectID,
		FileName:   j.fileName,
		Progress:   j.progress,
		Summary:    j.summary,
		StartedAt:  j.started,
		FinishedAt: j.finished,
	}
	if j.err != nil {
		s.Error = j.err.Error()
	}
	select {
	case <-j.done:
		s.Done = true
	default:
	}
	return s
}

func (j *job) OnProgress(p model.Progress) {
	j.mu.Lock()
	j.progress = p
	j.mu.Unlock()
}

// Manager runs uploads on a bounded errgroup, allowing at most one running
// job per project.
type Manager struct {
	runner    Runner
	observers []ingest.Observer
	retention time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	g      errgroup.Group

	mu     sync.Mutex
	jobs   map[string]*job
	active map[string]string // project id -> running job id
	closed bool
}

// NewManager creates a Manager running up to maxConcurrent jobs at once.
// observers receive progress of every job in addition to the manager itself.
func NewManager(runner Runner, maxConcurrent int, observers ...ingest.Observer) *Manager {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		runner:    runner,
		observers: observers,
		retention: defaultRetention,
		ctx:       ctx,
		cancel:    cancel,
		jobs:      make(map[string]*job),
		active:    make(map[string]string),
	}
	m.g.SetLimit(maxConcurrent)
	return m
}

// Start schedules req and returns its job id without waiting for it.
func (m *Manager) Start(req ingest.Request) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return "", ErrClosed
	}
	if running, ok := m.active[req.ProjectID]; ok {
		return "", eris.Wrapf(ErrProjectBusy, "project %s (job %s)", req.ProjectID, running)
	}
	m.pruneLocked(time.Now())

	if req.JobID == "" {
		req.JobID = uuid.NewString()
	}
	j := &job{
		id:        req.JobID,
		projectID: req.ProjectID,
		fileName:  req.FileName,
		canceller: &ingest.Canceller{},
		done:      make(chan struct{}),
		started:   time.Now().UTC(),
		progress: model.Progress{
			JobID:     req.JobID,
			ProjectID: req.ProjectID,
			State:     model.JobIdle,
		},
	}
	req.Canceller = j.canceller
	req.Observers = append(append([]ingest.Observer{j}, m.observers...), req.Observers...)

	if !m.g.TryGo(func() error {
		m.execute(j, req)
		return nil
	}) {
		return "", ErrAtCapacity
	}
	m.jobs[j.id] = j
	m.active[j.projectID] = j.id
	return j.id, nil
}

func (m *Manager) execute(j *job, req ingest.Request) {
	log := zap.L().With(zap.String("job_id", j.id), zap.String("project_id", j.projectID))
	defer func() {
		if r := recover(); r != nil {
			log.Error("uploads: job panicked", zap.Any("panic", r))
			m.complete(j, nil, eris.Errorf("uploads: job panicked: %v", r))
		}
	}()

	summary, err := m.runner.Run(m.ctx, req)
	if err != nil {
		log.Warn("uploads: job failed", zap.Error(err))
	}
	m.complete(j, summary, err)
}

func (m *Manager) complete(j *job, summary *model.Summary, err error) {
	j.mu.Lock()
	if j.summary == nil && j.err == nil {
		j.summary = summary
		j.err = err
		j.finished = time.Now().UTC()
		if err != nil {
			j.progress.State = model.JobFailed
		}
	}
	j.mu.Unlock()

	m.mu.Lock()
	if m.active[j.projectID] == j.id {
		delete(m.active, j.projectID)
	}
	m.mu.Unlock()

	select {
	case <-j.done:
	default:
		close(j.done)
	}
}

// pruneLocked drops finished jobs older than the retention window.
func (m *Manager) pruneLocked(now time.Time) {
	for id, j := range m.jobs {
		j.mu.RLock()
		expired := !j.finished.IsZero() && now.Sub(j.finished) > m.retention
		j.mu.RUnlock()
		if expired {
			delete(m.jobs, id)
		}
	}
}

func (m *Manager) lookup(id string) (*job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "job %s", id)
	}
	return j, nil
}

// Get returns the current status of a job.
func (m *Manager) Get(id string) (Status, error) {
	j, err := m.lookup(id)
	if err != nil {
		return Status{}, err
	}
	return j.status(), nil
}

// Cancel requests cancellation; the job stops at its next batch boundary.
// Cancelling a finished job is a no-op.
func (m *Manager) Cancel(id string) error {
	j, err := m.lookup(id)
	if err != nil {
		return err
	}
	j.canceller.RequestCancel()
	return nil
}

// Wait blocks until the job finishes or ctx is done.
func (m *Manager) Wait(ctx context.Context, id string) (Status, error) {
	j, err := m.lookup(id)
	if err != nil {
		return Status{}, err
	}
	select {
	case <-j.done:
		return j.status(), nil
	case <-ctx.Done():
		return j.status(), ctx.Err()
	}
}

// List returns all known jobs, newest first.
func (m *Manager) List() []Status {
	m.mu.Lock()
	jobs := make([]*job, 0, len(m.jobs))
	for _, j := range m.jobs {
		jobs = append(jobs, j)
	}
	m.mu.Unlock()

	out := make([]Status, len(jobs))
	for i, j := range jobs {
		out[i] = j.status()
	}
	sort.Slice(out, func(a, b int) bool { return out[a].StartedAt.After(out[b].StartedAt) })
	return out
}

// Running returns the number of jobs that have not finished.
func (m *Manager) Running() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Shutdown stops accepting jobs, asks running ones to cancel and waits for
// them to finish or ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	for _, id := range m.active {
		m.jobs[id].canceller.RequestCancel()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.g.Wait() //nolint:errcheck
		close(done)
	}()

	select {
	case <-done:
		m.cancel()
		return nil
	case <-ctx.Done():
		m.cancel()
		<-done
		return eris.Wrap(ctx.Err(), "uploads: shutdown")
	}
}
