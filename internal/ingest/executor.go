package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-ingest/internal/model"
	"github.com/sells-group/lead-ingest/internal/resilience"
)

// DefaultSplitSize is the sub-batch size used after a bulk insert fails.
const DefaultSplitSize = 10

// ErrStoreTimeout marks an insert call that exceeded its tier timeout.
var ErrStoreTimeout = eris.New("store insert timed out")

// LeadInserter is the store capability the executor needs. Implementations
// must insert all leads or none, and must honor ctx cancellation.
type LeadInserter interface {
	InsertLeads(ctx context.Context, leads []model.Lead) error
}

// Tier is one insert granularity of the retry funnel.
type Tier int

const (
	// TierBulk inserts the whole batch in one call.
	TierBulk Tier = iota
	// TierSplit inserts fixed-size sub-batches of a failed bulk batch.
	TierSplit
	// TierSingle inserts the rows of a failed sub-batch one at a time.
	TierSingle
)

func (t Tier) String() string {
	switch t {
	case TierBulk:
		return "bulk"
	case TierSplit:
		return "split"
	case TierSingle:
		return "single"
	default:
		return "unknown"
	}
}

// FailedLead is a lead whose single-row insert failed.
type FailedLead struct {
	Lead model.Lead
	Err  error
}

// Outcome is a settled slice of a batch: the whole batch, a sub-batch or one
// row. Failed lines up with Result.Errors. Abandoned holds rows never settled
// because ctx ended mid-batch; they are neither succeeded nor failed.
type Outcome struct {
	Tier      Tier
	Result    model.BatchResult
	Failed    []FailedLead
	Abandoned []model.Lead
}

// ExecutorConfig tunes an Executor.
type ExecutorConfig struct {
	// Timeout bounds every insert call. Required.
	Timeout time.Duration
	// SplitSize is the sub-batch size for TierSplit. Default: 10.
	SplitSize int
	// Breaker optionally short-circuits inserts while the store is down.
	Breaker *resilience.CircuitBreaker
}

// Executor inserts batches through the bulk → split → single funnel so that
// one bad row never costs the rest of its batch.
type Executor struct {
	store LeadInserter
	cfg   ExecutorConfig
}

// NewExecutor creates an Executor writing to store.
func NewExecutor(store LeadInserter, cfg ExecutorConfig) *Executor {
	if cfg.SplitSize <= 0 {
		cfg.SplitSize = DefaultSplitSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = InsertTimeout(0)
	}
	return &Executor{store: store, cfg: cfg}
}

// Execute inserts b and returns its aggregate result. onSettle, if non-nil,
// is called once for every slice of b whose outcome is final, in row order.
func (e *Executor) Execute(ctx context.Context, b Batch, onSettle func(Outcome)) model.BatchResult {
	var total model.BatchResult
	a := &attempt{
		exec: e,
		log:  zap.L().With(zap.Int("batch", b.Index), zap.Int("offset", b.Offset)),
		settle: func(o Outcome) {
			total.Add(o.Result)
			if onSettle != nil {
				onSettle(o)
			}
		},
	}
	a.bulk(ctx, b.Leads)
	return total
}

// attempt carries one batch through the tier state machine.
type attempt struct {
	exec   *Executor
	log    *zap.Logger
	settle func(Outcome)
}

// bulk is the entry state. Success is terminal; failure transitions to split,
// or straight to single when the batch is no larger than one sub-batch.
func (a *attempt) bulk(ctx context.Context, leads []model.Lead) {
	if len(leads) == 0 {
		return
	}
	err := a.exec.insert(ctx, leads)
	if err == nil {
		a.settle(succeeded(TierBulk, leads))
		return
	}
	if a.stopped(ctx, TierBulk, leads) {
		return
	}

	a.log.Warn("executor: bulk insert failed, escalating",
		zap.Int("rows", len(leads)),
		zap.Error(err),
	)
	if len(leads) <= a.exec.cfg.SplitSize {
		a.single(ctx, leads)
		return
	}
	a.split(ctx, leads)
}

// split inserts fixed-size sub-batches; each failed sub-batch transitions to
// single on its own.
func (a *attempt) split(ctx context.Context, leads []model.Lead) {
	size := a.exec.cfg.SplitSize
	for off := 0; off < len(leads); off += size {
		if a.stopped(ctx, TierSplit, leads[off:]) {
			return
		}
		chunk := leads[off:min(off+size, len(leads))]
		err := a.exec.insert(ctx, chunk)
		if err == nil {
			a.settle(succeeded(TierSplit, chunk))
			continue
		}
		if a.stopped(ctx, TierSplit, leads[off:]) {
			return
		}
		a.log.Warn("executor: sub-batch insert failed, inserting rows individually",
			zap.Int("first_row", chunk[0].Row),
			zap.Int("rows", len(chunk)),
			zap.Error(err),
		)
		a.single(ctx, chunk)
	}
}

// single is the last tier: every row settles as succeeded or failed.
func (a *attempt) single(ctx context.Context, leads []model.Lead) {
	for i, l := range leads {
		if a.stopped(ctx, TierSingle, leads[i:]) {
			return
		}
		err := a.exec.insert(ctx, []model.Lead{l})
		if err == nil {
			a.settle(succeeded(TierSingle, []model.Lead{l}))
			continue
		}
		if a.stopped(ctx, TierSingle, leads[i:]) {
			return
		}
		a.log.Debug("executor: row insert failed", zap.Int("row", l.Row), zap.Error(err))
		a.settle(Outcome{
			Tier: TierSingle,
			Result: model.BatchResult{
				Attempted: 1,
				Failed:    1,
				Errors:    []model.RowError{{Row: l.Row, Error: rowMessage(err)}},
			},
			Failed: []FailedLead{{Lead: l, Err: err}},
		})
	}
}

// stopped settles rest as abandoned once ctx has ended. A failure against a
// dead context says nothing about the rows, so they must not escalate into
// row errors.
func (a *attempt) stopped(ctx context.Context, t Tier, rest []model.Lead) bool {
	if ctx.Err() == nil || len(rest) == 0 {
		return false
	}
	a.log.Info("executor: context ended mid-batch, abandoning rows",
		zap.Stringer("tier", t),
		zap.Int("first_row", rest[0].Row),
		zap.Int("rows", len(rest)),
	)
	a.settle(Outcome{Tier: t, Abandoned: rest})
	return true
}

func succeeded(t Tier, leads []model.Lead) Outcome {
	return Outcome{
		Tier:   t,
		Result: model.BatchResult{Attempted: len(leads), Succeeded: len(leads)},
	}
}

// insert makes one store call bounded by the configured timeout.
func (e *Executor) insert(ctx context.Context, leads []model.Lead) error {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	call := func(ctx context.Context) error {
		return e.store.InsertLeads(ctx, leads)
	}

	var err error
	if e.cfg.Breaker != nil {
		err = e.cfg.Breaker.Execute(callCtx, call)
	} else {
		err = call(callCtx)
	}
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return eris.Wrapf(ErrStoreTimeout, "insert %d leads: exceeded %s", len(leads), e.cfg.Timeout)
	}
	return err
}

// BreakerTrips reports whether err means the store itself is unhealthy, as
// opposed to a row the store rejected. Use it as the breaker's ShouldTrip so
// bad data never opens the circuit.
func BreakerTrips(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || resilience.IsTransient(err)
}

// rowMessage renders a store error for the caller-facing summary.
func rowMessage(err error) string {
	if errors.Is(err, ErrStoreTimeout) {
		return ErrStoreTimeout.Error()
	}
	if cause := eris.Cause(err); cause != nil {
		return cause.Error()
	}
	return fmt.Sprint(err)
}
