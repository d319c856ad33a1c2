package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/websets/internal/config"
	"github.com/sells-group/websets/internal/resilience"
)

func fastRetry() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2,
	}
}

func TestAlerter_Evaluate_NoAlerts(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		FailureRateThreshold:    0.10,
		RowFailureRateThreshold: 0.25,
		CostThresholdUSD:        500.0,
	})

	snap := &MetricsSnapshot{
		JobsTotal:     100,
		JobsCompleted: 95,
		JobsFailed:    5,
		JobFailRate:   0.05,
		RowsProcessed: 1000,
		RowFailures:   20,
		RowFailRate:   0.02,
		CostUSD:       100.0,
		LookbackHours: 24,
	}

	alerts := a.Evaluate(snap)
	assert.Empty(t, alerts)
}

func TestAlerter_Evaluate_JobFailureRate(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		FailureRateThreshold: 0.10,
		CostThresholdUSD:     500.0,
	})

	snap := &MetricsSnapshot{
		JobsTotal:     20,
		JobsCompleted: 12,
		JobsFailed:    8,
		JobFailRate:   0.4,
		CostUSD:       50.0,
		LookbackHours: 24,
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertJobFailureRate, alerts[0].Type)
	assert.Equal(t, "high", alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "40.0%")
}

func TestAlerter_Evaluate_RowFailureRate(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		FailureRateThreshold:    0.10,
		RowFailureRateThreshold: 0.25,
	})

	snap := &MetricsSnapshot{
		RowsProcessed: 40,
		RowFailures:   20,
		RowFailRate:   0.5,
		LookbackHours: 24,
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertRowFailureRate, alerts[0].Type)
	assert.Equal(t, "medium", alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "20 of 40 rows")
}

func TestAlerter_Evaluate_RowFailureRateDisabled(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{FailureRateThreshold: 0.10})

	alerts := a.Evaluate(&MetricsSnapshot{RowsProcessed: 40, RowFailures: 40, RowFailRate: 1})
	assert.Empty(t, alerts)
}

func TestAlerter_Evaluate_CostOverrun(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		FailureRateThreshold: 0.10,
		CostThresholdUSD:     100.0,
	})

	snap := &MetricsSnapshot{
		JobsTotal:     50,
		JobsCompleted: 48,
		JobsFailed:    2,
		JobFailRate:   0.04,
		CostUSD:       250.0,
		LookbackHours: 24,
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertCostOverrun, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "$250.00")
}

func TestAlerter_Evaluate_MultipleAlerts(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		FailureRateThreshold:    0.10,
		RowFailureRateThreshold: 0.25,
		CostThresholdUSD:        100.0,
	})

	snap := &MetricsSnapshot{
		JobsTotal:     20,
		JobsCompleted: 10,
		JobsFailed:    10,
		JobFailRate:   0.5,
		RowsProcessed: 100,
		RowFailures:   60,
		RowFailRate:   0.6,
		CostUSD:       300.0,
		LookbackHours: 24,
	}

	alerts := a.Evaluate(snap)
	assert.Len(t, alerts, 3)

	types := make(map[AlertType]bool)
	for _, a := range alerts {
		types[a.Type] = true
	}
	assert.True(t, types[AlertJobFailureRate])
	assert.True(t, types[AlertRowFailureRate])
	assert.True(t, types[AlertCostOverrun])
}

func TestAlerter_Evaluate_MinimumJobsRequired(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		FailureRateThreshold: 0.10,
		CostThresholdUSD:     500.0,
	})

	// Only 3 finished jobs, below the minimum for a failure rate alert.
	snap := &MetricsSnapshot{
		JobsTotal:     3,
		JobsCompleted: 1,
		JobsFailed:    2,
		JobFailRate:   0.666,
		LookbackHours: 24,
	}

	alerts := a.Evaluate(snap)
	assert.Empty(t, alerts)
}

func TestAlerter_SendAlerts_Webhook(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var alert Alert
		err := json.NewDecoder(r.Body).Decode(&alert)
		require.NoError(t, err)
		assert.NotEmpty(t, alert.Type)
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{
		WebhookURL: ts.URL,
	})

	alerts := []Alert{
		{Type: AlertJobFailureRate, Severity: "high", Message: "test alert 1"},
		{Type: AlertCostOverrun, Severity: "high", Message: "test alert 2"},
	}

	sent := a.SendAlerts(context.Background(), alerts)
	assert.Equal(t, 2, sent)
	assert.Equal(t, int32(2), received.Load())
}

func TestAlerter_SendAlerts_EmptyURL(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		WebhookURL: "",
	})

	sent := a.SendAlerts(context.Background(), []Alert{
		{Type: AlertJobFailureRate, Message: "test"},
	})
	assert.Equal(t, 0, sent)
}

func TestAlerter_SendAlerts_EmptyAlerts(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		WebhookURL: "http://example.com",
	})

	sent := a.SendAlerts(context.Background(), nil)
	assert.Equal(t, 0, sent)
}

func TestAlerter_SendAlerts_WebhookError(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: ts.URL})
	a.retry = fastRetry()

	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertJobFailureRate, Message: "test"}})
	assert.Equal(t, 0, sent)
	assert.Equal(t, int32(3), calls.Load())
}

func TestAlerter_SendAlerts_RecoversFromServerError(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: ts.URL})
	a.retry = fastRetry()

	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertCostOverrun, Message: "test"}})
	assert.Equal(t, 1, sent)
	assert.Equal(t, int32(2), calls.Load())
}

func TestAlerter_SendAlerts_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: ts.URL})
	a.retry = fastRetry()

	assert.Equal(t, 0, a.SendAlerts(context.Background(), []Alert{{Type: AlertJobFailureRate}}))
	assert.Equal(t, int32(1), calls.Load())
}

func TestNewAlerter_WebhookAttempts(t *testing.T) {
	assert.Equal(t, 3, NewAlerter(config.MonitoringConfig{}).retry.MaxAttempts)
	assert.Equal(t, 1, NewAlerter(config.MonitoringConfig{WebhookAttempts: 1}).retry.MaxAttempts)
}

func TestAlerter_Evaluate_ZeroCostThreshold(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		CostThresholdUSD: 0, // disabled
	})

	alerts := a.Evaluate(&MetricsSnapshot{CostUSD: 999.0, LookbackHours: 24})
	assert.Empty(t, alerts)
}
