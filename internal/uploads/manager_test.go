package uploads

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/sells-group/lead-ingest/internal/ingest"
	"github.com/sells-group/lead-ingest/internal/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeRunner reports one Inserting snapshot, then blocks until released or
// cancelled.
type fakeRunner struct {
	release chan struct{}
	started chan string
	err     error
	panics  bool
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{release: make(chan struct{}), started: make(chan string, 16)}
}

func (f *fakeRunner) Run(ctx context.Context, req ingest.Request) (*model.Summary, error) {
	for _, o := range req.Observers {
		o.OnProgress(model.Progress{JobID: req.JobID, ProjectID: req.ProjectID, State: model.JobInserting, Total: 10, Processed: 5})
	}
	f.started <- req.JobID
	if f.panics {
		panic("boom")
	}

	cancelled := false
	tick := time.NewTicker(time.Millisecond)
	defer tick.Stop()
loop:
	for {
		select {
		case <-f.release:
			break loop
		case <-ctx.Done():
			cancelled = true
			break loop
		case <-tick.C:
			if req.Canceller.IsCancelled() {
				cancelled = true
				break loop
			}
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	state := model.JobDone
	for _, o := range req.Observers {
		o.OnProgress(model.Progress{JobID: req.JobID, ProjectID: req.ProjectID, State: state, Total: 10, Processed: 10})
	}
	return &model.Summary{JobID: req.JobID, ProjectID: req.ProjectID, State: state, Total: 10, Success: 10, Cancelled: cancelled}, nil
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func shutdown(t *testing.T, m *Manager) {
	t.Helper()
	require.NoError(t, m.Shutdown(waitCtx(t)))
}

func TestManager_StartWaitGet(t *testing.T) {
	r := newFakeRunner()
	m := NewManager(r, 2)
	defer shutdown(t, m)

	id, err := m.Start(ingest.Request{ProjectID: "p1", FileName: "a.csv"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	<-r.started

	st, err := m.Get(id)
	require.NoError(t, err)
	assert.False(t, st.Done)
	assert.Equal(t, model.JobInserting, st.Progress.State)
	assert.Equal(t, 5, st.Progress.Processed)
	assert.Equal(t, 1, m.Running())

	close(r.release)
	st, err = m.Wait(waitCtx(t), id)
	require.NoError(t, err)
	assert.True(t, st.Done)
	require.NotNil(t, st.Summary)
	assert.Equal(t, 10, st.Summary.Success)
	assert.Equal(t, model.JobDone, st.Progress.State)
	assert.False(t, st.FinishedAt.IsZero())
	assert.Zero(t, m.Running())
}

func TestManager_ProjectBusy(t *testing.T) {
	r := newFakeRunner()
	m := NewManager(r, 4)
	defer shutdown(t, m)

	id, err := m.Start(ingest.Request{ProjectID: "p1"})
	require.NoError(t, err)
	<-r.started

	_, err = m.Start(ingest.Request{ProjectID: "p1"})
	assert.ErrorIs(t, err, ErrProjectBusy)

	_, err = m.Start(ingest.Request{ProjectID: "p2"})
	require.NoError(t, err)
	<-r.started

	close(r.release)
	_, err = m.Wait(waitCtx(t), id)
	require.NoError(t, err)

	// project is free again once its job finished
	id3, err := m.Start(ingest.Request{ProjectID: "p1"})
	require.NoError(t, err)
	_, err = m.Wait(waitCtx(t), id3)
	require.NoError(t, err)
}

func TestManager_AtCapacity(t *testing.T) {
	r := newFakeRunner()
	m := NewManager(r, 1)
	defer shutdown(t, m)

	_, err := m.Start(ingest.Request{ProjectID: "p1"})
	require.NoError(t, err)
	<-r.started

	_, err = m.Start(ingest.Request{ProjectID: "p2"})
	assert.ErrorIs(t, err, ErrAtCapacity)

	close(r.release)
}

func TestManager_Cancel(t *testing.T) {
	r := newFakeRunner()
	m := NewManager(r, 1)
	defer shutdown(t, m)

	id, err := m.Start(ingest.Request{ProjectID: "p1"})
	require.NoError(t, err)
	<-r.started

	require.NoError(t, m.Cancel(id))
	st, err := m.Wait(waitCtx(t), id)
	require.NoError(t, err)
	require.NotNil(t, st.Summary)
	assert.True(t, st.Summary.Cancelled)

	// cancelling a finished job is a no-op
	assert.NoError(t, m.Cancel(id))
}

func TestManager_UnknownJob(t *testing.T) {
	m := NewManager(newFakeRunner(), 1)
	defer shutdown(t, m)

	_, err := m.Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, m.Cancel("nope"), ErrNotFound)
	_, err = m.Wait(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManager_RunnerError(t *testing.T) {
	r := newFakeRunner()
	r.err = errors.New("ingest: parse \"x.csv\": unreadable")
	m := NewManager(r, 1)
	defer shutdown(t, m)

	id, err := m.Start(ingest.Request{ProjectID: "p1"})
	require.NoError(t, err)
	close(r.release)

	st, err := m.Wait(waitCtx(t), id)
	require.NoError(t, err)
	assert.Nil(t, st.Summary)
	assert.Contains(t, st.Error, "unreadable")
	assert.Equal(t, model.JobFailed, st.Progress.State)
}

func TestManager_RunnerPanic(t *testing.T) {
	r := newFakeRunner()
	r.panics = true
	m := NewManager(r, 1)
	defer shutdown(t, m)

	id, err := m.Start(ingest.Request{ProjectID: "p1"})
	require.NoError(t, err)

	st, err := m.Wait(waitCtx(t), id)
	require.NoError(t, err)
	assert.Contains(t, st.Error, "panicked")
	assert.Zero(t, m.Running())
}

func TestManager_SharedObservers(t *testing.T) {
	var mu sync.Mutex
	var seen []model.JobState
	obs := ingest.ObserverFunc(func(p model.Progress) {
		mu.Lock()
		seen = append(seen, p.State)
		mu.Unlock()
	})

	r := newFakeRunner()
	close(r.release)
	m := NewManager(r, 1, obs)
	defer shutdown(t, m)

	id, err := m.Start(ingest.Request{ProjectID: "p1"})
	require.NoError(t, err)
	_, err = m.Wait(waitCtx(t), id)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []model.JobState{model.JobInserting, model.JobDone}, seen)
}

func TestManager_ListNewestFirst(t *testing.T) {
	r := newFakeRunner()
	close(r.release)
	m := NewManager(r, 2)
	defer shutdown(t, m)

	first, err := m.Start(ingest.Request{ProjectID: "p1"})
	require.NoError(t, err)
	_, err = m.Wait(waitCtx(t), first)
	require.NoError(t, err)

	time.Sleep(2 * time.Millisecond)
	second, err := m.Start(ingest.Request{ProjectID: "p2"})
	require.NoError(t, err)
	_, err = m.Wait(waitCtx(t), second)
	require.NoError(t, err)

	list := m.List()
	require.Len(t, list, 2)
	assert.Equal(t, second, list[0].ID)
	assert.Equal(t, first, list[1].ID)
}

func TestManager_Prune(t *testing.T) {
	r := newFakeRunner()
	close(r.release)
	m := NewManager(r, 1)
	m.retention = time.Millisecond
	defer shutdown(t, m)

	id, err := m.Start(ingest.Request{ProjectID: "p1"})
	require.NoError(t, err)
	_, err = m.Wait(waitCtx(t), id)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	id2, err := m.Start(ingest.Request{ProjectID: "p2"})
	require.NoError(t, err)
	_, err = m.Wait(waitCtx(t), id2)
	require.NoError(t, err)

	_, err = m.Get(id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManager_ShutdownCancelsRunning(t *testing.T) {
	r := newFakeRunner()
	m := NewManager(r, 2)

	id, err := m.Start(ingest.Request{ProjectID: "p1"})
	require.NoError(t, err)
	<-r.started

	require.NoError(t, m.Shutdown(waitCtx(t)))

	st, err := m.Get(id)
	require.NoError(t, err)
	assert.True(t, st.Done)
	require.NotNil(t, st.Summary)
	assert.True(t, st.Summary.Cancelled)

	_, err = m.Start(ingest.Request{ProjectID: "p2"})
	assert.ErrorIs(t, err, ErrClosed)
}
