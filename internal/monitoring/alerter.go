package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-ingest/internal/config"
	"github.com/sells-group/lead-ingest/internal/resilience"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertRowFailureRate AlertType = "row_failure_rate"
	AlertUploadFailure  AlertType = "upload_failure"
	AlertCounterDrift   AlertType = "counter_drift"
	AlertStoreDown      AlertType = "store_unavailable"
)

// minRowsForRate keeps a handful of bad rows in a tiny upload from paging anyone.
const minRowsForRate = 50

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
	retry  resilience.RetryConfig
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	retry := resilience.DefaultRetryConfig()
	retry.OnRetry = resilience.RetryLogger("webhook", "send_alert")
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		retry:  retry,
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	processed := snap.RowsSucceeded + snap.RowsFailed
	if processed >= minRowsForRate && snap.RowFailureRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertRowFailureRate,
			Severity: "medium",
			Message: fmt.Sprintf(
				"Lead row failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d processed in last %dh)",
				snap.RowFailureRate*100, a.cfg.FailureRateThreshold*100,
				snap.RowsFailed, processed, snap.LookbackHours,
			),
			Details: map[string]any{
				"failure_rate": snap.RowFailureRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       snap.RowsFailed,
				"processed":    processed,
				"dlq_depth":    snap.DLQDepth,
			},
			Timestamp: now,
		})
	}

	if snap.UploadsFailed > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertUploadFailure,
			Severity: "medium",
			Message: fmt.Sprintf(
				"%d upload(s) could not be read in last %dh",
				snap.UploadsFailed, snap.LookbackHours,
			),
			Details: map[string]any{
				"failed_count":  snap.UploadsFailed,
				"total_uploads": snap.UploadsTotal,
			},
			Timestamp: now,
		})
	}

	if snap.ReconcileWarnings > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertCounterDrift,
			Severity: "high",
			Message: fmt.Sprintf(
				"available_leads not updated after %d upload(s) in last %dh; projects: %s",
				snap.ReconcileWarnings, snap.LookbackHours, strings.Join(snap.DriftedProjects, ", "),
			),
			Details: map[string]any{
				"uploads":  snap.ReconcileWarnings,
				"projects": snap.DriftedProjects,
			},
			Timestamp: now,
		})
	}

	if b := snap.Breaker; b != nil && b.State != resilience.CircuitClosed {
		alerts = append(alerts, Alert{
			Type:     AlertStoreDown,
			Severity: "critical",
			Message: fmt.Sprintf(
				"lead store circuit is %s since %s; inserts are failing fast",
				b.State, b.OpenedAt.Format(time.RFC3339),
			),
			Details: map[string]any{
				"state":                b.State.String(),
				"consecutive_failures": b.ConsecutiveFailures,
				"rejected":             b.Rejected,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		err := resilience.Do(ctx, a.retry, func(ctx context.Context) error {
			return a.sendWebhook(ctx, alert)
		})
		if err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		err := eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return resilience.NewTransientError(err, resp.StatusCode)
		}
		return err
	}
	return nil
}
