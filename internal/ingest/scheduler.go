package ingest

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// Scheduler paces the batch loop of large uploads.
type Scheduler interface {
	// Yield blocks until the next batch may start or ctx is done.
	Yield(ctx context.Context) error
}

// SleepScheduler pauses for a fixed delay.
type SleepScheduler struct {
	Delay time.Duration
}

// Yield implements Scheduler.
func (s SleepScheduler) Yield(ctx context.Context) error {
	if s.Delay <= 0 {
		return nil
	}
	timer := time.NewTimer(s.Delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return eris.Wrap(ctx.Err(), "scheduler: yield")
	case <-timer.C:
		return nil
	}
}

// NoopScheduler never waits. Uploads below the yield threshold use it.
type NoopScheduler struct{}

// Yield implements Scheduler.
func (NoopScheduler) Yield(context.Context) error { return nil }

// LimiterScheduler admits at most a fixed number of batches per second.
type LimiterScheduler struct {
	limiter *rate.Limiter
}

// NewLimiterScheduler allows perSecond batches per second with no burst.
func NewLimiterScheduler(perSecond float64) *LimiterScheduler {
	return &LimiterScheduler{limiter: rate.NewLimiter(rate.Limit(perSecond), 1)}
}

// Yield implements Scheduler.
func (s *LimiterScheduler) Yield(ctx context.Context) error {
	return eris.Wrap(s.limiter.Wait(ctx), "scheduler: wait")
}
