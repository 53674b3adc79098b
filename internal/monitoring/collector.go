// Package monitoring summarises recent uploads and raises webhook alerts.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-ingest/internal/model"
	"github.com/sells-group/lead-ingest/internal/resilience"
	"github.com/sells-group/lead-ingest/internal/store"
)

// historyLimit bounds the uploads read per collection.
const historyLimit = 10000

// MetricsSnapshot holds a point-in-time view of upload health.
type MetricsSnapshot struct {
	// Job metrics (within lookback window).
	UploadsTotal     int `json:"uploads_total"`
	UploadsDone      int `json:"uploads_done"`
	UploadsFailed    int `json:"uploads_failed"`
	UploadsCancelled int `json:"uploads_cancelled"`
	UploadsRunning   int `json:"uploads_running"`

	// Row metrics over finished jobs.
	RowsTotal      int     `json:"rows_total"`
	RowsSucceeded  int     `json:"rows_succeeded"`
	RowsFailed     int     `json:"rows_failed"`
	RowsSkipped    int     `json:"rows_skipped"`
	RowFailureRate float64 `json:"row_failure_rate"`

	// ReconcileWarnings counts jobs whose inserted leads never reached the
	// project counter.
	ReconcileWarnings int      `json:"reconcile_warnings"`
	DriftedProjects   []string `json:"drifted_projects,omitempty"`

	// DLQDepth is the number of dead-lettered rows.
	DLQDepth int `json:"dlq_depth"`

	// ActiveJobs is the number of jobs running in this process.
	ActiveJobs int `json:"active_jobs"`

	// Breaker is the store circuit breaker, when one is configured.
	Breaker *resilience.BreakerSnapshot `json:"breaker,omitempty"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// HistoryReader is the slice of store.Store the collector reads.
type HistoryReader interface {
	ListUploads(ctx context.Context, filter store.UploadFilter) ([]model.UploadRecord, error)
	CountFailures(ctx context.Context) (int, error)
}

// ActiveCounter reports in-process running jobs.
type ActiveCounter interface {
	Running() int
}

// BreakerReporter exposes a circuit breaker's state.
type BreakerReporter interface {
	Snapshot() resilience.BreakerSnapshot
}

// Collector gathers metrics from upload history.
type Collector struct {
	store   HistoryReader
	active  ActiveCounter
	breaker BreakerReporter
}

// CollectorOption configures a Collector.
type CollectorOption func(*Collector)

// WithBreaker adds the store breaker's state to every snapshot.
func WithBreaker(b BreakerReporter) CollectorOption {
	return func(c *Collector) { c.breaker = b }
}

// NewCollector creates a new metrics collector. active may be nil.
func NewCollector(st HistoryReader, active ActiveCounter, opts ...CollectorOption) *Collector {
	c := &Collector{store: st, active: active}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Collect gathers a snapshot of upload metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := time.Now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}

	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)
	uploads, err := c.store.ListUploads(ctx, store.UploadFilter{
		CreatedAfter: cutoff,
		Limit:        historyLimit,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list uploads")
	}

	drifted := make(map[string]bool)
	snap.UploadsTotal = len(uploads)
	for _, u := range uploads {
		switch u.State {
		case model.JobDone:
			snap.UploadsDone++
		case model.JobFailed:
			snap.UploadsFailed++
		default:
			snap.UploadsRunning++
		}
		if !u.State.Terminal() {
			continue
		}

		snap.RowsTotal += u.Total
		snap.RowsSucceeded += u.Success
		snap.RowsFailed += u.Failed

		if s := u.Summary; s != nil {
			if s.Cancelled {
				snap.UploadsCancelled++
			}
			snap.RowsSkipped += s.Skipped
			if s.Success > 0 && !s.Reconciled {
				snap.ReconcileWarnings++
				if !drifted[u.ProjectID] {
					drifted[u.ProjectID] = true
					snap.DriftedProjects = append(snap.DriftedProjects, u.ProjectID)
				}
			}
		}
	}

	if processed := snap.RowsSucceeded + snap.RowsFailed; processed > 0 {
		snap.RowFailureRate = float64(snap.RowsFailed) / float64(processed)
	}

	dlqCount, err := c.store.CountFailures(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count failed rows")
	}
	snap.DLQDepth = dlqCount

	if c.active != nil {
		snap.ActiveJobs = c.active.Running()
	}
	if c.breaker != nil {
		b := c.breaker.Snapshot()
		snap.Breaker = &b
	}

	return snap, nil
}
