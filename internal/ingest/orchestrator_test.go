package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/lead-ingest/internal/model"
	"github.com/sells-group/lead-ingest/internal/resilience"
)

var ignoreTimes = cmpopts.IgnoreFields(model.Summary{}, "JobID", "StartedAt", "FinishedAt")

// leadsCSV renders n valid rows; row i uses phoneFor(i).
func leadsCSV(n int) []byte {
	var b strings.Builder
	b.WriteString("client_name,client_phone,source\n")
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "Lead %d,%s,fb\n", i, phoneFor(i))
	}
	return []byte(b.String())
}

type countingScheduler struct{ n int }

func (s *countingScheduler) Yield(context.Context) error {
	s.n++
	return nil
}

func newTestOrchestrator(st Store, cfg OrchestratorConfig) *Orchestrator {
	if cfg.ReconcileMode == "" {
		cfg.ReconcileMode = ReconcileReadWrite
	}
	cfg.Retry = fastRetry()
	return NewOrchestrator(st, cfg)
}

func TestRun_ThreeRowScenario(t *testing.T) {
	csv := "client_name,client_phone,source\n" +
		"Ahmed,01000000001,facebook\n" +
		",01000000002,ig\n" +
		"Sara,bad-phone-but-present,FB\n"
	st := newFakeStore()

	sum, err := newTestOrchestrator(st, OrchestratorConfig{}).Run(context.Background(), Request{
		ProjectID: "p1",
		FileName:  "leads.csv",
		Contents:  []byte(csv),
	})
	require.NoError(t, err)

	want := &model.Summary{
		ProjectID:  "p1",
		State:      model.JobDone,
		Total:      3,
		Success:    2,
		Failed:     1,
		Errors:     []model.RowError{{Row: 3, Error: ReasonMissingRequired}},
		Reconciled: true,
	}
	if diff := cmp.Diff(want, sum, ignoreTimes); diff != "" {
		t.Errorf("summary mismatch (-want +got):\n%s", diff)
	}

	require.Len(t, st.inserted, 2)
	assert.Equal(t, model.SourceFacebook, st.inserted[0].Source)
	assert.Equal(t, model.SourceFacebook, st.inserted[1].Source)
	assert.Equal(t, 2, st.inserted[0].Row)
	assert.Equal(t, 4, st.inserted[1].Row)
	assert.Equal(t, 2, st.counters["p1"])
}

func TestRun_ReconcilesCounter(t *testing.T) {
	st := newFakeStore()
	st.counters["p1"] = 100

	sum, err := newTestOrchestrator(st, OrchestratorConfig{}).Run(context.Background(), Request{
		ProjectID: "p1",
		Contents:  leadsCSV(40),
	})
	require.NoError(t, err)
	assert.Equal(t, 40, sum.Success)
	assert.True(t, sum.Reconciled)
	assert.Equal(t, 140, st.counters["p1"])
}

func TestRun_ReconcileFailureIsWarning(t *testing.T) {
	st := newFakeStore()
	st.counters["p1"] = 100
	st.writeErr = errors.New("permission denied for table projects")

	sum, err := newTestOrchestrator(st, OrchestratorConfig{}).Run(context.Background(), Request{
		ProjectID: "p1",
		Contents:  leadsCSV(40),
	})
	require.NoError(t, err)
	assert.Equal(t, model.JobDone, sum.State)
	assert.Equal(t, 40, sum.Success)
	assert.False(t, sum.Reconciled)
	require.Len(t, sum.Warnings, 1)
	assert.Contains(t, sum.Warnings[0], "permission denied")
	assert.Empty(t, sum.Errors)
	assert.Equal(t, 100, st.counters["p1"])
}

func TestRun_NoSuccessSkipsReconcile(t *testing.T) {
	st := newFakeStore()
	st.readErr = errors.New("must not be read")

	sum, err := newTestOrchestrator(st, OrchestratorConfig{}).Run(context.Background(), Request{
		ProjectID: "p1",
		Contents:  []byte("name,phone\n,1\nBob,\n"),
	})
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Success)
	assert.Equal(t, 2, sum.Failed)
	assert.False(t, sum.Reconciled)
	assert.Empty(t, sum.Warnings)
	assert.Empty(t, st.calls)
}

func TestRun_CancelMidUpload(t *testing.T) {
	st := newFakeStore()
	c := &Canceller{}
	st.onInsert = func(int) { c.RequestCancel() }

	sum, err := newTestOrchestrator(st, OrchestratorConfig{}).Run(context.Background(), Request{
		ProjectID: "p1",
		Contents:  leadsCSV(250),
		Canceller: c,
	})
	require.NoError(t, err)

	assert.Equal(t, []int{100}, st.calls)
	assert.True(t, sum.Cancelled)
	assert.Equal(t, model.JobDone, sum.State)
	assert.Equal(t, 100, sum.Success)
	assert.Equal(t, 0, sum.Failed)
	assert.Equal(t, 150, sum.Skipped)
	require.Len(t, sum.Errors, 1)
	assert.Equal(t, 0, sum.Errors[0].Row)
	assert.Contains(t, sum.Errors[0].Error, "150 remaining rows")
	assert.True(t, sum.Reconciled)
	assert.Equal(t, 100, st.counters["p1"])
}

func TestRun_CancelBeforeFirstBatch(t *testing.T) {
	st := newFakeStore()
	c := &Canceller{}
	c.RequestCancel()

	sum, err := newTestOrchestrator(st, OrchestratorConfig{}).Run(context.Background(), Request{
		ProjectID: "p1",
		Contents:  leadsCSV(5),
		Canceller: c,
	})
	require.NoError(t, err)
	assert.Empty(t, st.calls)
	assert.True(t, sum.Cancelled)
	assert.Equal(t, 5, sum.Skipped)
	assert.False(t, sum.Reconciled)
	_, touched := st.counters["p1"]
	assert.False(t, touched)
}

func TestRun_ContextCancelStopsAtBoundary(t *testing.T) {
	st := newFakeStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	st.onInsert = func(int) { cancel() }

	sum, err := newTestOrchestrator(st, OrchestratorConfig{}).Run(ctx, Request{
		ProjectID: "p1",
		Contents:  leadsCSV(150),
	})
	require.NoError(t, err)
	assert.Equal(t, []int{100}, st.calls)
	assert.True(t, sum.Cancelled)
	assert.Equal(t, 50, sum.Skipped)
	assert.True(t, sum.Reconciled)
	assert.Equal(t, 100, st.counters["p1"])
}

func TestRun_ContextEndMidBatchSkipsRows(t *testing.T) {
	st := recordingStore{newFakeStore()}
	st.failBulkOver = 10
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	st.onInsert = func(int) { cancel() }

	sum, err := newTestOrchestrator(st, OrchestratorConfig{DeadLetter: true}).Run(ctx, Request{
		ProjectID: "p1",
		Contents:  leadsCSV(150),
	})
	require.NoError(t, err)

	assert.Equal(t, []int{100, 10}, st.calls)
	assert.True(t, sum.Cancelled)
	assert.Equal(t, 10, sum.Success)
	assert.Zero(t, sum.Failed)
	assert.Equal(t, 140, sum.Skipped)
	require.Len(t, sum.Errors, 1)
	assert.Contains(t, sum.Errors[0].Error, "140 remaining rows")
	assert.Empty(t, st.dlq, "unsettled rows are not dead-lettered")
	assert.Equal(t, 10, st.counters["p1"])
}

func TestRun_ProgressInvariants(t *testing.T) {
	leads := leadsN(230)
	st := newFakeStore(leads[5].ClientPhone, leads[150].ClientPhone)

	var snaps []model.Progress
	obs := ObserverFunc(func(p model.Progress) { snaps = append(snaps, p) })

	sum, err := newTestOrchestrator(st, OrchestratorConfig{}).Run(context.Background(), Request{
		ProjectID: "p1",
		Contents:  leadsCSV(230),
		Observers: []Observer{obs},
	})
	require.NoError(t, err)
	assert.Equal(t, 228, sum.Success)
	assert.Equal(t, 2, sum.Failed)
	assert.Len(t, sum.Errors, sum.Failed)

	var states []model.JobState
	last := -1
	for _, p := range snaps {
		assert.Equal(t, p.Processed, p.Succeeded+p.Failed)
		assert.LessOrEqual(t, p.Processed, 230)
		assert.GreaterOrEqual(t, p.Processed, last)
		last = p.Processed
		if len(states) == 0 || states[len(states)-1] != p.State {
			states = append(states, p.State)
		}
	}
	assert.Equal(t, []model.JobState{
		model.JobParsing,
		model.JobValidating,
		model.JobInserting,
		model.JobReconciling,
		model.JobDone,
	}, states)
	assert.Equal(t, 230, snaps[len(snaps)-1].Processed)
}

func TestRun_ErrorsSortedAndCapped(t *testing.T) {
	csv := "name,phone\nA,\nB,\nC,1\nD,\nE,\nF,\n"
	st := newFakeStore()

	sum, err := newTestOrchestrator(st, OrchestratorConfig{MaxReportedErrors: 2}).Run(context.Background(), Request{
		ProjectID: "p1",
		Contents:  []byte(csv),
	})
	require.NoError(t, err)
	assert.Equal(t, 5, sum.Failed)
	assert.Equal(t, 3, sum.ErrorsTruncated)
	assert.Equal(t, []model.RowError{
		{Row: 2, Error: ReasonMissingRequired},
		{Row: 3, Error: ReasonMissingRequired},
	}, sum.Errors)
}

func TestRun_ValidationAndStoreErrorsInRowOrder(t *testing.T) {
	st := newFakeStore(phoneFor(0))
	csv := "name,phone\nA," + phoneFor(0) + "\nB,\nC," + phoneFor(2) + "\n"

	sum, err := newTestOrchestrator(st, OrchestratorConfig{}).Run(context.Background(), Request{
		ProjectID: "p1",
		Contents:  []byte(csv),
	})
	require.NoError(t, err)
	require.Len(t, sum.Errors, 2)
	assert.Equal(t, 2, sum.Errors[0].Row)
	assert.Equal(t, errConstraint.Error(), sum.Errors[0].Error)
	assert.Equal(t, 3, sum.Errors[1].Row)
	assert.Equal(t, ReasonMissingRequired, sum.Errors[1].Error)
}

func TestRun_DryRun(t *testing.T) {
	st := recordingStore{newFakeStore()}

	sum, err := newTestOrchestrator(st, OrchestratorConfig{}).Run(context.Background(), Request{
		ProjectID: "p1",
		Contents:  []byte("name,phone\nA,1\n,2\n"),
		DryRun:    true,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 0, sum.Success)
	assert.Empty(t, st.calls)
	assert.Empty(t, st.uploads)
}

func TestRun_ParseFailure(t *testing.T) {
	st := recordingStore{newFakeStore()}

	sum, err := newTestOrchestrator(st, OrchestratorConfig{}).Run(context.Background(), Request{
		JobID:     "job-1",
		ProjectID: "p1",
		FileName:  "leads.csv",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEmptyFile)
	assert.Nil(t, sum)
	assert.Equal(t, model.JobFailed, st.uploads["job-1"].State)
}

func TestRun_RecordsHistoryAndDeadLetters(t *testing.T) {
	leads := leadsN(12)
	st := recordingStore{newFakeStore(leads[4].ClientPhone)}

	sum, err := newTestOrchestrator(st, OrchestratorConfig{DeadLetter: true}).Run(context.Background(), Request{
		JobID:        "job-1",
		ProjectID:    "p1",
		FileName:     "leads.csv",
		Contents:     leadsCSV(12),
		UploadUserID: "u-9",
	})
	require.NoError(t, err)
	assert.Equal(t, 11, sum.Success)

	rec := st.uploads["job-1"]
	assert.Equal(t, model.JobDone, rec.State)
	assert.Equal(t, 11, rec.Success)
	assert.Equal(t, "leads.csv", rec.FileName)
	require.NotNil(t, rec.Summary)
	assert.Equal(t, sum, rec.Summary)

	require.Len(t, st.dlq, 1)
	entry := st.dlq[0]
	assert.Equal(t, "job-1", entry.UploadID)
	assert.Equal(t, "p1", entry.ProjectID)
	assert.Equal(t, leads[4].Row, entry.Lead.Row)
	assert.Equal(t, "u-9", entry.Lead.UploadUserID)
	assert.Equal(t, resilience.ErrorPermanent, entry.ErrorType)
	assert.Equal(t, errConstraint.Error(), entry.Error)
	assert.Equal(t, 3, entry.MaxRetries)
}

func TestRun_DeadLetterFailureIsWarning(t *testing.T) {
	st := recordingStore{newFakeStore(phoneFor(0))}
	st.enqueueFn = func([]resilience.DLQEntry) error { return errors.New("disk full") }

	sum, err := newTestOrchestrator(st, OrchestratorConfig{DeadLetter: true}).Run(context.Background(), Request{
		ProjectID: "p1",
		Contents:  leadsCSV(3),
	})
	require.NoError(t, err)
	require.Len(t, sum.Warnings, 1)
	assert.Contains(t, sum.Warnings[0], "disk full")
}

func TestRun_SchedulerBetweenBatches(t *testing.T) {
	st := newFakeStore()
	sched := &countingScheduler{}

	_, err := newTestOrchestrator(st, OrchestratorConfig{Scheduler: sched}).Run(context.Background(), Request{
		ProjectID: "p1",
		Contents:  leadsCSV(350),
	})
	require.NoError(t, err)
	assert.Equal(t, 3, sched.n)
	assert.Equal(t, []int{100, 100, 100, 50}, st.calls)
}

func TestRun_SmallUploadDoesNotYield(t *testing.T) {
	o := newTestOrchestrator(newFakeStore(), OrchestratorConfig{})
	r := &run{o: o}
	assert.Equal(t, NoopScheduler{}, r.scheduler(10000))
	assert.Equal(t, SleepScheduler{Delay: DefaultYield}, r.scheduler(10001))
}

func TestRun_XLSXUpload(t *testing.T) {
	data := createTestXLSX(t, [][]string{
		{"Name", "Phone", "Platform"},
		{"Alice", "0100", "whats app"},
		{"", "0101", ""},
	})
	st := newFakeStore()

	sum, err := newTestOrchestrator(st, OrchestratorConfig{}).Run(context.Background(), Request{
		ProjectID: "p1",
		FileName:  "leads.xlsx",
		Contents:  data,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Success)
	assert.Equal(t, []model.RowError{{Row: 3, Error: ReasonMissingRequired}}, sum.Errors)
	assert.Equal(t, model.SourceWhatsApp, st.inserted[0].Source)
}
