package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-ingest/internal/config"
	"github.com/sells-group/lead-ingest/internal/ingest"
	"github.com/sells-group/lead-ingest/internal/notify"
	"github.com/sells-group/lead-ingest/internal/resilience"
	"github.com/sells-group/lead-ingest/internal/store"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "leads.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// openStore validates cfg for mode, connects and applies the schema.
func openStore(ctx context.Context, mode string) (store.Store, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}
	return st, nil
}

// orchestratorConfig maps the upload, retry and breaker settings onto the
// pipeline.
func orchestratorConfig(c *config.Config) ingest.OrchestratorConfig {
	oc := ingest.OrchestratorConfig{
		SplitSize:         c.Upload.SplitSize,
		Yield:             time.Duration(c.Upload.YieldMs) * time.Millisecond,
		MaxReportedErrors: c.Upload.MaxReportedErrors,
		ReconcileMode:     ingest.ReconcileMode(c.Upload.ReconcileMode),
		Retry:             resilience.RetrySettings(c.Retry.MaxAttempts, c.Retry.InitialBackoffMs, c.Retry.MaxBackoffMs),
		DeadLetter:        c.Upload.DeadLetter,
		MaxDLQRetries:     c.Upload.MaxDLQRetries,
		LogStep:           float64(c.Upload.LogStepPct),
	}
	if c.Upload.BatchesPerSec > 0 {
		oc.Scheduler = ingest.NewLimiterScheduler(float64(c.Upload.BatchesPerSec))
	}
	if c.Upload.BreakerThreshold > 0 {
		bc := resilience.BreakerSettings(c.Upload.BreakerThreshold, c.Upload.BreakerResetSecs)
		bc.ShouldTrip = ingest.BreakerTrips
		bc.OnStateChange = resilience.BreakerLogger("store")
		oc.Breaker = resilience.NewCircuitBreaker(bc)
	}
	return oc
}

// progressPublisher connects to Redis when configured; it returns nil otherwise.
func progressPublisher(ctx context.Context, c *config.Config) (*notify.RedisPublisher, error) {
	if c.Redis.URL == "" {
		return nil, nil
	}
	return notify.Dial(ctx, c.Redis.URL, c.Redis.ChannelPrefix, time.Duration(c.Redis.TTLSecs)*time.Second)
}
