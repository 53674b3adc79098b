package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/lead-ingest/internal/config"
)

// Checker runs periodic alert checks in the background.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig

	// lastSent holds the message of the last delivered alert per type, so an
	// unchanged condition inside the lookback window is reported once.
	lastSent map[AlertType]string
}

// NewChecker creates a background alert checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
		lastSent:  make(map[AlertType]string),
	}
}

// Run starts the periodic check loop. It blocks until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting alert checker",
		zap.Duration("interval", interval),
		zap.Int("lookback_hours", c.cfg.LookbackWindowHours),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("alert checker stopped")
			return
		case <-ticker.C:
			c.Check(ctx, log)
		}
	}
}

// Check collects one snapshot and sends alerts that changed since the last
// delivery. It returns the number of alerts sent.
func (c *Checker) Check(ctx context.Context, log *zap.Logger) int {
	snap, err := c.collector.Collect(ctx, c.cfg.LookbackWindowHours)
	if err != nil {
		log.Error("monitoring: failed to collect metrics", zap.Error(err))
		return 0
	}

	triggered := c.alerter.Evaluate(snap)
	active := make(map[AlertType]bool, len(triggered))
	var fresh []Alert
	for _, a := range triggered {
		active[a.Type] = true
		if c.lastSent[a.Type] != a.Message {
			fresh = append(fresh, a)
		}
	}
	// Conditions that cleared may alert again later.
	for t := range c.lastSent {
		if !active[t] {
			delete(c.lastSent, t)
		}
	}
	if len(fresh) == 0 {
		log.Debug("monitoring: no new alerts", zap.Int("active", len(triggered)))
		return 0
	}

	sent := c.alerter.SendAlerts(ctx, fresh)
	if sent == len(fresh) {
		for _, a := range fresh {
			c.lastSent[a.Type] = a.Message
		}
	}
	log.Info("monitoring: alert check complete",
		zap.Int("alerts_triggered", len(triggered)),
		zap.Int("alerts_sent", sent),
	)
	return sent
}
