package ingest

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-ingest/internal/resilience"
)

// CounterStore reads and writes a project's cached available-lead counter.
type CounterStore interface {
	ReadAvailableLeads(ctx context.Context, projectID string) (int, error)
	WriteAvailableLeads(ctx context.Context, projectID string, value int) error
}

// CounterIncrementer is implemented by stores that can bump the counter in a
// single statement.
type CounterIncrementer interface {
	IncrementAvailableLeads(ctx context.Context, projectID string, delta int) (int, error)
}

// ReconcileMode selects how the counter is updated.
type ReconcileMode string

const (
	// ReconcileAtomic increments server-side; concurrent uploads cannot lose
	// updates.
	ReconcileAtomic ReconcileMode = "atomic"
	// ReconcileReadWrite reads the counter and writes back current+delta.
	// Two concurrent uploads to one project can lose an increment.
	ReconcileReadWrite ReconcileMode = "read_write"
)

// Reconciler adds confirmed inserts to a project's available-lead counter.
type Reconciler struct {
	store CounterStore
	mode  ReconcileMode
	retry resilience.RetryConfig
	// once retries the increment only on errors proving it was not applied.
	once resilience.RetryConfig
}

// NewReconciler creates a Reconciler. Transient store errors are retried
// according to retry, except that an increment is repeated only when the
// store proves the first attempt had no effect.
func NewReconciler(store CounterStore, mode ReconcileMode, retry resilience.RetryConfig) *Reconciler {
	if mode == "" {
		mode = ReconcileAtomic
	}
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger("store", "reconcile")
	}
	once := retry
	once.ShouldRetry = resilience.NotApplied
	return &Reconciler{store: store, mode: mode, retry: retry, once: once}
}

// Reconcile adds successCount to the counter of projectID and returns the new
// value. It does nothing when successCount is not positive.
func (r *Reconciler) Reconcile(ctx context.Context, projectID string, successCount int) (int, error) {
	if successCount <= 0 {
		return 0, nil
	}

	if r.mode == ReconcileAtomic {
		if inc, ok := r.store.(CounterIncrementer); ok {
			v, err := resilience.DoVal(ctx, r.once, func(ctx context.Context) (int, error) {
				return inc.IncrementAvailableLeads(ctx, projectID, successCount)
			})
			return v, eris.Wrapf(err, "reconcile: increment project %s", projectID)
		}
		zap.L().Warn("reconcile: store has no atomic increment, using read-then-write",
			zap.String("project_id", projectID),
		)
	}

	current, err := resilience.DoVal(ctx, r.retry, func(ctx context.Context) (int, error) {
		return r.store.ReadAvailableLeads(ctx, projectID)
	})
	if err != nil {
		return 0, eris.Wrapf(err, "reconcile: read project %s", projectID)
	}
	// The write sets an absolute value, so repeating it cannot count twice.
	next := current + successCount
	err = resilience.Do(ctx, r.retry, func(ctx context.Context) error {
		return r.store.WriteAvailableLeads(ctx, projectID, next)
	})
	if err != nil {
		return 0, eris.Wrapf(err, "reconcile: update project %s", projectID)
	}
	return next, nil
}
