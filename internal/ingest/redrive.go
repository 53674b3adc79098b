package ingest

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/sells-group/lead-ingest/internal/model"
	"github.com/sells-group/lead-ingest/internal/resilience"
)

// FailureQueue updates dead-lettered rows after a retry.
type FailureQueue interface {
	IncrementFailureRetry(ctx context.Context, id string, lastErr string) error
	RemoveFailure(ctx context.Context, id string) error
}

// RedriveStore is what a Redriver needs from persistence.
type RedriveStore interface {
	Store
	FailureQueue
}

// RedriveResult summarises one redrive pass.
type RedriveResult struct {
	Attempted int `json:"attempted"`
	Recovered int `json:"recovered"`
	Failed    int `json:"failed"`
	// Exhausted counts entries skipped because their retry budget is spent.
	Exhausted int `json:"exhausted"`
	// Abandoned counts entries left queued because ctx ended before they
	// were tried.
	Abandoned int `json:"abandoned,omitempty"`
	// Reconciled maps project id to the leads added to its counter.
	Reconciled map[string]int `json:"reconciled,omitempty"`
	Warnings   []string       `json:"warnings,omitempty"`
}

// Redriver re-inserts dead-lettered rows through the executor funnel and
// reconciles the counter of every project that gained leads.
type Redriver struct {
	store      RedriveStore
	splitSize  int
	breaker    *resilience.CircuitBreaker
	reconciler *Reconciler
}

// NewRedriver creates a Redriver using the insert and reconcile settings of cfg.
func NewRedriver(store RedriveStore, cfg OrchestratorConfig) *Redriver {
	return &Redriver{
		store:      store,
		splitSize:  cfg.SplitSize,
		breaker:    cfg.Breaker,
		reconciler: NewReconciler(store, cfg.ReconcileMode, cfg.Retry),
	}
}

// Redrive retries entries grouped by upload. Recovered rows leave the queue;
// rows that fail again have their retry count bumped. Bookkeeping and
// reconciliation failures are reported as warnings.
func (d *Redriver) Redrive(ctx context.Context, entries []resilience.DLQEntry) (*RedriveResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res := &RedriveResult{Reconciled: map[string]int{}}

	var order []string
	groups := map[string][]resilience.DLQEntry{}
	for _, e := range entries {
		if !e.CanRetry() {
			res.Exhausted++
			continue
		}
		if _, ok := groups[e.UploadID]; !ok {
			order = append(order, e.UploadID)
		}
		groups[e.UploadID] = append(groups[e.UploadID], e)
	}

	var projects []string
	recovered := map[string]int{}
	for i, uploadID := range order {
		group := groups[uploadID]
		log := zap.L().With(zap.String("upload_id", uploadID), zap.Int("rows", len(group)))

		leads := make([]model.Lead, len(group))
		for j, e := range group {
			leads[j] = e.Lead
		}
		exec := NewExecutor(d.store, ExecutorConfig{
			Timeout:   InsertTimeout(len(leads)),
			SplitSize: d.splitSize,
			Breaker:   d.breaker,
		})
		failed := map[int]error{}
		abandoned := map[int]bool{}
		exec.Execute(ctx, Batch{Index: i, Leads: leads}, func(o Outcome) {
			for _, f := range o.Failed {
				failed[f.Lead.Row] = f.Err
			}
			for _, l := range o.Abandoned {
				abandoned[l.Row] = true
			}
		})

		for _, e := range group {
			if abandoned[e.Lead.Row] {
				res.Abandoned++
				continue
			}
			res.Attempted++
			if err, ok := failed[e.Lead.Row]; ok {
				res.Failed++
				if qerr := d.store.IncrementFailureRetry(ctx, e.ID, rowMessage(err)); qerr != nil {
					res.Warnings = append(res.Warnings, fmt.Sprintf("row %d of upload %s: retry count not updated: %v", e.Lead.Row, uploadID, qerr))
				}
				continue
			}
			res.Recovered++
			if recovered[e.ProjectID] == 0 {
				projects = append(projects, e.ProjectID)
			}
			recovered[e.ProjectID]++
			if qerr := d.store.RemoveFailure(ctx, e.ID); qerr != nil {
				res.Warnings = append(res.Warnings, fmt.Sprintf("row %d of upload %s: inserted but still queued: %v", e.Lead.Row, uploadID, qerr))
			}
		}
		log.Info("ingest: redrive group done", zap.Int("failed", len(failed)))
	}

	fctx, cancel := finalizeContext(ctx)
	defer cancel()
	for _, projectID := range projects {
		n := recovered[projectID]
		if _, err := d.reconciler.Reconcile(fctx, projectID, n); err != nil {
			rerr := &ReconcileError{ProjectID: projectID, Success: n, Err: err}
			zap.L().Error("ingest: redrive reconciliation failed", zap.String("project_id", projectID), zap.Error(err))
			res.Warnings = append(res.Warnings, rerr.Error())
			continue
		}
		res.Reconciled[projectID] = n
	}
	return res, nil
}
