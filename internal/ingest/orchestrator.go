package ingest

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-ingest/internal/model"
	"github.com/sells-group/lead-ingest/internal/resilience"
)

// ErrCancelled marks a job that stopped at a batch boundary on request.
var ErrCancelled = eris.New("upload cancelled")

// DefaultMaxReportedErrors caps the row errors returned in a Summary.
const DefaultMaxReportedErrors = 100

// finalizeTimeout bounds reconciliation and bookkeeping once the insert loop
// is over; they run even when the caller's context is already done.
const finalizeTimeout = 30 * time.Second

// Store is what the orchestrator needs from persistence.
type Store interface {
	LeadInserter
	CounterStore
}

// Recorder persists upload history. Stores implementing it get every job
// recorded when it starts and when it finishes.
type Recorder interface {
	CreateUpload(ctx context.Context, rec model.UploadRecord) error
	FinishUpload(ctx context.Context, rec model.UploadRecord) error
}

// FailureSink receives rows that failed their single-row insert.
type FailureSink interface {
	EnqueueFailures(ctx context.Context, entries []resilience.DLQEntry) error
}

// ReconcileError is the non-fatal failure of the counter update.
type ReconcileError struct {
	ProjectID string
	Success   int
	Err       error
}

func (e *ReconcileError) Error() string {
	return fmt.Sprintf("failed to update available leads for project %s (+%d): %v", e.ProjectID, e.Success, e.Err)
}

func (e *ReconcileError) Unwrap() error { return e.Err }

// OrchestratorConfig tunes an Orchestrator. Zero values select defaults.
type OrchestratorConfig struct {
	// SplitSize is the sub-batch size after a failed bulk insert. Default: 10.
	SplitSize int

	// Yield is the pause between batches of uploads above the medium
	// threshold. Default: DefaultYield.
	Yield time.Duration

	// Scheduler, when set, paces every batch boundary regardless of volume.
	Scheduler Scheduler

	// MaxReportedErrors caps Summary.Errors. Default: 100.
	MaxReportedErrors int

	ReconcileMode ReconcileMode
	Retry         resilience.RetryConfig
	Breaker       *resilience.CircuitBreaker

	// DeadLetter enqueues failed rows when the store is a FailureSink.
	DeadLetter    bool
	MaxDLQRetries int

	// LogStep is the progress percentage between log lines. Default: 10.
	LogStep float64
}

// Request is one upload submitted for ingestion.
type Request struct {
	// JobID is generated when empty.
	JobID     string
	ProjectID string
	FileName  string
	Contents  []byte
	// Format defaults to DetectFormat(FileName).
	Format       Format
	UploadUserID string
	Canceller    *Canceller
	Observers    []Observer
	// DryRun parses and validates without touching the store.
	DryRun bool
}

// Orchestrator runs the upload pipeline: parse, validate, insert batch by
// batch, then reconcile the project counter.
type Orchestrator struct {
	store      Store
	cfg        OrchestratorConfig
	parser     Parser
	reconciler *Reconciler
}

// NewOrchestrator creates an Orchestrator over store.
func NewOrchestrator(store Store, cfg OrchestratorConfig) *Orchestrator {
	if cfg.SplitSize <= 0 {
		cfg.SplitSize = DefaultSplitSize
	}
	if cfg.Yield <= 0 {
		cfg.Yield = DefaultYield
	}
	if cfg.MaxReportedErrors <= 0 {
		cfg.MaxReportedErrors = DefaultMaxReportedErrors
	}
	if cfg.MaxDLQRetries <= 0 {
		cfg.MaxDLQRetries = 3
	}
	return &Orchestrator{
		store:      store,
		cfg:        cfg,
		reconciler: NewReconciler(store, cfg.ReconcileMode, cfg.Retry),
	}
}

// run is the state of one job while it executes.
type run struct {
	o        *Orchestrator
	req      Request
	job      *model.UploadJob
	reporter *Reporter
	log      *zap.Logger
	failed   []FailedLead
	skipped  int
	warnings []string
	recon    bool
}

// Run executes req to completion. Row-level failures and a failed counter
// update are reported in the Summary; an error is returned only when the
// file cannot be read at all.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*model.Summary, error) {
	if req.JobID == "" {
		req.JobID = uuid.NewString()
	}
	if req.Format == "" {
		req.Format = DetectFormat(req.FileName)
	}

	observers := append([]Observer{NewLogObserver(o.cfg.LogStep)}, req.Observers...)
	r := &run{
		o:   o,
		req: req,
		job: &model.UploadJob{
			ID:        req.JobID,
			ProjectID: req.ProjectID,
			FileName:  req.FileName,
			State:     model.JobIdle,
			StartedAt: time.Now().UTC(),
		},
		reporter: NewReporter(observers...),
		log: zap.L().With(
			zap.String("job_id", req.JobID),
			zap.String("project_id", req.ProjectID),
		),
	}
	r.record(ctx, true)

	r.transition(model.JobParsing)
	rows, err := o.parser.Parse(req.Contents, req.Format)
	if err != nil {
		r.transition(model.JobFailed)
		r.warnings = append(r.warnings, err.Error())
		r.record(ctx, false)
		return nil, eris.Wrapf(err, "ingest: parse %q", req.FileName)
	}
	r.job.TotalRows = len(rows)

	r.transition(model.JobValidating)
	leads := r.validate(rows)

	if req.DryRun {
		r.transition(model.JobDone)
		return r.finish(ctx), nil
	}

	if len(leads) > 0 {
		r.transition(model.JobInserting)
		r.insert(ctx, leads)
	}

	if r.job.Cancelled {
		r.transition(model.JobCancelled)
	}
	r.deadLetter(ctx)
	r.reconcile(ctx)

	r.transition(model.JobDone)
	return r.finish(ctx), nil
}

func (r *run) transition(s model.JobState) {
	r.job.State = s
	r.reporter.Report(r.job.Progress())
}

// validate normalizes every row before anything is inserted. Rejected rows
// count as processed and failed.
func (r *run) validate(rows []RawRow) []model.Lead {
	n := Normalizer{UploadUserID: r.req.UploadUserID}
	leads := make([]model.Lead, 0, len(rows))
	var rejected model.BatchResult
	for _, row := range rows {
		lead, err := n.Normalize(row, row.Line, r.req.ProjectID)
		if err != nil {
			var verr *ValidationError
			if !errors.As(err, &verr) {
				verr = &ValidationError{Row: row.Line, Reason: err.Error()}
			}
			rejected.Add(model.BatchResult{Attempted: 1, Failed: 1, Errors: []model.RowError{verr.RowError()}})
			continue
		}
		leads = append(leads, lead)
	}
	if rejected.Failed > 0 {
		r.job.Fold(rejected)
		r.log.Info("ingest: rows rejected by validation", zap.Int("rows", rejected.Failed))
	}
	return leads
}

// insert runs the batch loop. A cancel request is observed only before a
// batch starts, so a batch in flight settles every row. If ctx itself ends
// mid-batch, the unsettled rows are counted as skipped.
func (r *run) insert(ctx context.Context, leads []model.Lead) {
	total := len(leads)
	r.job.BatchSize = BatchSize(total)
	exec := NewExecutor(r.o.store, ExecutorConfig{
		Timeout:   InsertTimeout(total),
		SplitSize: r.o.cfg.SplitSize,
		Breaker:   r.o.cfg.Breaker,
	})
	sched := r.scheduler(total)

	onSettle := func(out Outcome) {
		if n := len(out.Abandoned); n > 0 {
			r.job.Cancelled = true
			r.skipped += n
			return
		}
		r.job.Fold(out.Result)
		r.failed = append(r.failed, out.Failed...)
		r.reporter.Report(r.job.Progress())
	}

	batches := Plan(leads)
	for i, b := range batches {
		if i > 0 {
			if err := sched.Yield(ctx); err != nil {
				r.log.Warn("ingest: yield interrupted", zap.Error(err))
			}
		}
		if r.req.Canceller.IsCancelled() || ctx.Err() != nil {
			r.job.Cancelled = true
			r.skipped += total - b.Offset
			r.log.Info("ingest: cancelled at batch boundary",
				zap.Int("batch", b.Index),
				zap.Int("skipped", r.skipped),
			)
			return
		}
		exec.Execute(ctx, b, onSettle)
	}
}

func (r *run) scheduler(total int) Scheduler {
	if r.o.cfg.Scheduler != nil {
		return r.o.cfg.Scheduler
	}
	if NeedsYield(total) {
		return SleepScheduler{Delay: r.o.cfg.Yield}
	}
	return NoopScheduler{}
}

// reconcile adds the confirmed inserts to the project counter exactly once.
func (r *run) reconcile(ctx context.Context) {
	if r.job.Succeeded <= 0 {
		return
	}
	r.transition(model.JobReconciling)

	fctx, cancel := finalizeContext(ctx)
	defer cancel()
	value, err := r.o.reconciler.Reconcile(fctx, r.job.ProjectID, r.job.Succeeded)
	if err != nil {
		rerr := &ReconcileError{ProjectID: r.job.ProjectID, Success: r.job.Succeeded, Err: err}
		r.log.Error("ingest: reconciliation failed", zap.Error(err))
		r.warnings = append(r.warnings, rerr.Error())
		return
	}
	r.recon = true
	r.log.Info("ingest: project counter reconciled",
		zap.Int("added", r.job.Succeeded),
		zap.Int("available_leads", value),
	)
}

func (r *run) deadLetter(ctx context.Context) {
	sink, ok := r.o.store.(FailureSink)
	if !r.o.cfg.DeadLetter || !ok || len(r.failed) == 0 {
		return
	}
	now := time.Now().UTC()
	entries := make([]resilience.DLQEntry, 0, len(r.failed))
	for _, f := range r.failed {
		entries = append(entries, resilience.DLQEntry{
			ID:           uuid.NewString(),
			UploadID:     r.job.ID,
			ProjectID:    r.job.ProjectID,
			Lead:         f.Lead,
			Error:        rowMessage(f.Err),
			ErrorType:    resilience.ClassifyError(f.Err),
			MaxRetries:   r.o.cfg.MaxDLQRetries,
			CreatedAt:    now,
			LastFailedAt: now,
		})
	}

	fctx, cancel := finalizeContext(ctx)
	defer cancel()
	if err := sink.EnqueueFailures(fctx, entries); err != nil {
		r.log.Warn("ingest: dead-letter enqueue failed", zap.Int("rows", len(entries)), zap.Error(err))
		r.warnings = append(r.warnings, fmt.Sprintf("failed rows were not saved for retry: %v", err))
		return
	}
	r.log.Info("ingest: failed rows dead-lettered", zap.Int("rows", len(entries)))
}

// finish builds the Summary and records it.
func (r *run) finish(ctx context.Context) *model.Summary {
	errs := slices.Clone(r.job.Errors)
	slices.SortStableFunc(errs, func(a, b model.RowError) int { return a.Row - b.Row })

	s := &model.Summary{
		JobID:      r.job.ID,
		ProjectID:  r.job.ProjectID,
		State:      r.job.State,
		Total:      r.job.TotalRows,
		Success:    r.job.Succeeded,
		Failed:     r.job.Failed,
		Skipped:    r.skipped,
		Cancelled:  r.job.Cancelled,
		Warnings:   r.warnings,
		Reconciled: r.recon,
		StartedAt:  r.job.StartedAt,
		FinishedAt: time.Now().UTC(),
	}
	if limit := r.o.cfg.MaxReportedErrors; len(errs) > limit {
		s.ErrorsTruncated = len(errs) - limit
		errs = errs[:limit]
	}
	if r.job.Cancelled {
		errs = append(errs, model.RowError{
			Error: fmt.Sprintf("%s by user: %d remaining rows were not processed", ErrCancelled, r.skipped),
		})
	}
	if errs == nil {
		errs = []model.RowError{}
	}
	s.Errors = errs

	r.log.Info("ingest: upload finished",
		zap.Int("total", s.Total),
		zap.Int("success", s.Success),
		zap.Int("failed", s.Failed),
		zap.Int("skipped", s.Skipped),
		zap.Bool("cancelled", s.Cancelled),
	)
	r.recordSummary(ctx, s)
	return s
}

func (r *run) record(ctx context.Context, start bool) {
	rec, ok := r.o.store.(Recorder)
	if !ok || r.req.DryRun {
		return
	}
	fctx, cancel := finalizeContext(ctx)
	defer cancel()

	entry := r.uploadRecord()
	var err error
	if start {
		err = rec.CreateUpload(fctx, entry)
	} else {
		entry.FinishedAt = time.Now().UTC()
		err = rec.FinishUpload(fctx, entry)
	}
	if err != nil {
		r.log.Warn("ingest: upload history not recorded", zap.Bool("start", start), zap.Error(err))
	}
}

func (r *run) recordSummary(ctx context.Context, s *model.Summary) {
	rec, ok := r.o.store.(Recorder)
	if !ok || r.req.DryRun {
		return
	}
	fctx, cancel := finalizeContext(ctx)
	defer cancel()

	entry := r.uploadRecord()
	entry.Summary = s
	entry.FinishedAt = s.FinishedAt
	if err := rec.FinishUpload(fctx, entry); err != nil {
		r.log.Warn("ingest: upload history not recorded", zap.Error(err))
	}
}

func (r *run) uploadRecord() model.UploadRecord {
	return model.UploadRecord{
		ID:        r.job.ID,
		ProjectID: r.job.ProjectID,
		FileName:  r.job.FileName,
		State:     r.job.State,
		Total:     r.job.TotalRows,
		Success:   r.job.Succeeded,
		Failed:    r.job.Failed,
		CreatedAt: r.job.StartedAt,
	}
}

func finalizeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
}
