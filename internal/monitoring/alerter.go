package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/websets/internal/config"
	"github.com/sells-group/websets/internal/resilience"
)

// minSample is the number of finished jobs (or rows) needed before a rate
// alert can fire.
const minSample = 5

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertJobFailureRate AlertType = "job_failure_rate"
	AlertRowFailureRate AlertType = "row_failure_rate"
	AlertCostOverrun    AlertType = "cost_overrun"
)

// Alert is a single threshold breach, posted to the webhook as JSON.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// rule inspects a snapshot and reports a breach. ok is false when the rule
// is disabled or the snapshot is within bounds.
type rule struct {
	typ      AlertType
	severity string
	check    func(cfg config.MonitoringConfig, snap *MetricsSnapshot) (msg string, details map[string]any, ok bool)
}

var rules = []rule{
	{typ: AlertJobFailureRate, severity: "high", check: jobFailureRate},
	{typ: AlertRowFailureRate, severity: "medium", check: rowFailureRate},
	{typ: AlertCostOverrun, severity: "high", check: costOverrun},
}

func jobFailureRate(cfg config.MonitoringConfig, snap *MetricsSnapshot) (string, map[string]any, bool) {
	finished := snap.JobsCompleted + snap.JobsFailed
	if finished < minSample || snap.JobFailRate <= cfg.FailureRateThreshold {
		return "", nil, false
	}
	msg := fmt.Sprintf(
		"Enrichment job failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %dh)",
		snap.JobFailRate*100, cfg.FailureRateThreshold*100, snap.JobsFailed, finished, snap.LookbackHours,
	)
	return msg, map[string]any{
		"failure_rate":           snap.JobFailRate,
		"threshold":              cfg.FailureRateThreshold,
		"failed":                 snap.JobsFailed,
		"finished":               finished,
		"orchestration_failures": snap.OrchestrationFailures,
	}, true
}

func rowFailureRate(cfg config.MonitoringConfig, snap *MetricsSnapshot) (string, map[string]any, bool) {
	if cfg.RowFailureRateThreshold <= 0 || snap.RowsProcessed < minSample || snap.RowFailRate <= cfg.RowFailureRateThreshold {
		return "", nil, false
	}
	msg := fmt.Sprintf(
		"Row failure rate %.1f%% exceeds threshold %.1f%% (%d of %d rows in last %dh)",
		snap.RowFailRate*100, cfg.RowFailureRateThreshold*100, snap.RowFailures, snap.RowsProcessed, snap.LookbackHours,
	)
	return msg, map[string]any{
		"failure_rate":   snap.RowFailRate,
		"threshold":      cfg.RowFailureRateThreshold,
		"row_failures":   snap.RowFailures,
		"rows_processed": snap.RowsProcessed,
	}, true
}

func costOverrun(cfg config.MonitoringConfig, snap *MetricsSnapshot) (string, map[string]any, bool) {
	if cfg.CostThresholdUSD <= 0 || snap.CostUSD <= cfg.CostThresholdUSD {
		return "", nil, false
	}
	msg := fmt.Sprintf("Provider cost $%.2f exceeds threshold $%.2f in last %dh",
		snap.CostUSD, cfg.CostThresholdUSD, snap.LookbackHours)
	return msg, map[string]any{
		"cost_usd":      snap.CostUSD,
		"threshold_usd": cfg.CostThresholdUSD,
		"jobs_total":    snap.JobsTotal,
	}, true
}

// Alerter turns snapshots into alerts and delivers them to a webhook.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
	retry  resilience.RetryConfig
}

// NewAlerter creates an Alerter for the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		retry:  resilience.DefaultRetryConfig().Attempts(cfg.WebhookAttempts),
	}
}

// Evaluate returns one alert per breached rule, in rule order.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()
	for _, r := range rules {
		msg, details, ok := r.check(a.cfg, snap)
		if !ok {
			continue
		}
		alerts = append(alerts, Alert{
			Type:      r.typ,
			Severity:  r.severity,
			Message:   msg,
			Details:   details,
			Timestamp: now,
		})
	}
	return alerts
}

// SendAlerts posts each alert to the webhook and returns how many were
// delivered. Nothing is sent when no webhook is configured.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	return len(a.deliver(ctx, alerts))
}

// deliver returns the alerts that reached the webhook.
func (a *Alerter) deliver(ctx context.Context, alerts []Alert) []Alert {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return nil
	}

	var sent []Alert
	for _, alert := range alerts {
		err := resilience.Do(ctx, a.retry, func(ctx context.Context) error {
			return a.post(ctx, alert)
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
		sent = append(sent, alert)
	}
	return sent
}

// post makes one webhook attempt. Server-side failures come back as
// transient so the caller retries them.
func (a *Alerter) post(ctx context.Context, alert Alert) error {
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

	if resp.StatusCode < 400 {
		return nil
	}
	statusErr := eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	if resilience.IsTransientHTTPStatus(resp.StatusCode) {
		return resilience.NewTransientError(statusErr, resp.StatusCode)
	}
	return statusErr
}
