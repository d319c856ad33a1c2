// Package monitoring collects enrichment job health and raises webhook
// alerts when failure or cost thresholds are breached.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/websets/internal/enrich"
	"github.com/sells-group/websets/internal/model"
	"github.com/sells-group/websets/internal/store"
)

const maxJobsScanned = 10000

// MetricsSnapshot holds a point-in-time view of enrichment health.
type MetricsSnapshot struct {
	// Job metrics (within lookback window).
	JobsTotal             int     `json:"jobs_total"`
	JobsCompleted         int     `json:"jobs_completed"`
	JobsFailed            int     `json:"jobs_failed"`
	JobsCanceled          int     `json:"jobs_canceled"`
	JobsActive            int     `json:"jobs_active"`
	JobFailRate           float64 `json:"job_fail_rate"`
	CostUSD               float64 `json:"cost_usd"`
	RowsProcessed         int     `json:"rows_processed"`
	RowFailures           int     `json:"row_failures"`
	RowFailRate           float64 `json:"row_fail_rate"`
	OrchestrationFailures int     `json:"orchestration_failures"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// JobLister abstracts the store method needed by the collector.
type JobLister interface {
	ListEnrichmentJobs(ctx context.Context, filter store.JobFilter) ([]model.EnrichmentJob, error)
}

// Collector gathers metrics from the job store.
type Collector struct {
	jobs    JobLister
	nowFunc func() time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector(jobs JobLister) *Collector {
	return &Collector{jobs: jobs, nowFunc: time.Now}
}

// Collect gathers a snapshot of job metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.nowFunc().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	jobs, err := c.jobs.ListEnrichmentJobs(ctx, store.JobFilter{Limit: maxJobsScanned})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list jobs")
	}

	for _, j := range jobs {
		if j.CreatedAt.Before(cutoff) {
			continue
		}
		snap.JobsTotal++
		switch j.Status {
		case model.JobStatusCompleted:
			snap.JobsCompleted++
		case model.JobStatusFailed:
			snap.JobsFailed++
		case model.JobStatusCanceled:
			snap.JobsCanceled++
		default:
			snap.JobsActive++
		}
		snap.CostUSD += j.CostUSD
		snap.RowsProcessed += j.CompletedRows
		for _, f := range j.Failures {
			if f.Class == enrich.ClassOrchestration {
				snap.OrchestrationFailures++
				continue
			}
			snap.RowFailures++
		}
	}

	if finished := snap.JobsCompleted + snap.JobsFailed; finished > 0 {
		snap.JobFailRate = float64(snap.JobsFailed) / float64(finished)
	}
	if snap.RowsProcessed > 0 {
		snap.RowFailRate = float64(snap.RowFailures) / float64(snap.RowsProcessed)
	}

	return snap, nil
}
