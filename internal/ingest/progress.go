package ingest

import (
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/sells-group/lead-ingest/internal/model"
)

// Observer receives progress snapshots.
type Observer interface {
	OnProgress(p model.Progress)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(p model.Progress)

// OnProgress calls f(p).
func (f ObserverFunc) OnProgress(p model.Progress) { f(p) }

// Reporter fans progress snapshots out to observers. Processed never goes
// backwards in a published snapshot.
type Reporter struct {
	observers []Observer
	last      int
}

// NewReporter creates a Reporter notifying observers in order.
func NewReporter(observers ...Observer) *Reporter {
	var obs []Observer
	for _, o := range observers {
		if o != nil {
			obs = append(obs, o)
		}
	}
	return &Reporter{observers: obs, last: -1}
}

// Report publishes p.
func (r *Reporter) Report(p model.Progress) {
	if p.Processed < r.last {
		p.Processed = r.last
	}
	r.last = p.Processed
	for _, o := range r.observers {
		o.OnProgress(p)
	}
}

// LogObserver logs progress at every step percentage crossed, plus state
// changes.
type LogObserver struct {
	step  float64
	next  float64
	state model.JobState
}

// NewLogObserver logs every step percent (10 when step <= 0).
func NewLogObserver(step float64) *LogObserver {
	if step <= 0 {
		step = 10
	}
	return &LogObserver{step: step}
}

// OnProgress implements Observer.
func (l *LogObserver) OnProgress(p model.Progress) {
	if p.State == l.state && p.Percentage < l.next {
		return
	}
	l.state = p.State
	for l.next <= p.Percentage {
		l.next += l.step
	}
	zap.L().Info("upload progress",
		zap.String("job_id", p.JobID),
		zap.String("state", string(p.State)),
		zap.Int("processed", p.Processed),
		zap.Int("total", p.Total),
		zap.Int("succeeded", p.Succeeded),
		zap.Int("failed", p.Failed),
		zap.Float64("percentage", p.Percentage),
	)
}

// Canceller is a cooperative cancellation flag. The orchestrator checks it
// only between batches; a batch already in flight always completes.
type Canceller struct {
	requested atomic.Bool
}

// RequestCancel asks the job to stop at the next batch boundary.
func (c *Canceller) RequestCancel() {
	c.requested.Store(true)
}

// IsCancelled reports whether cancellation was requested.
func (c *Canceller) IsCancelled() bool {
	return c != nil && c.requested.Load()
}
