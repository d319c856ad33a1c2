package model

import "time"

// JobStatus represents the state of an asynchronous job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCanceled  JobStatus = "canceled"
)

// Terminal reports whether no further transitions can happen.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCanceled
}

// RowFailure records why a single row of an enrichment job did not produce a value.
type RowFailure struct {
	Row     int    `json:"row"`
	Class   string `json:"class"`
	Message string `json:"message"`
}

// EnrichmentJob tracks an enrichment request across its rows.
type EnrichmentJob struct {
	ID               string       `json:"id"`
	WebsetID         string       `json:"webset_id"`
	ColumnID         string       `json:"column_id"`
	Rows             []int        `json:"rows"`
	Prompt           string       `json:"prompt,omitempty"`
	Status           JobStatus    `json:"status"`
	Progress         int          `json:"progress"`
	TotalRows        int          `json:"total_rows"`
	CompletedRows    int          `json:"completed_rows"`
	LLMProviderID    string       `json:"llm_provider_id,omitempty"`
	SearchProviderID string       `json:"search_provider_id,omitempty"`
	Failures         []RowFailure `json:"failures,omitempty"`
	CostUSD          float64      `json:"cost_usd"`
	Error            string       `json:"error,omitempty"`
	CancelRequested  bool         `json:"cancel_requested,omitempty"`
	CreatedBy        string       `json:"created_by,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
	StartedAt        *time.Time   `json:"started_at,omitempty"`
	CompletedAt      *time.Time   `json:"completed_at,omitempty"`
}

// RecordRow marks one row as done and recomputes progress.
func (j *EnrichmentJob) RecordRow(failure *RowFailure) {
	if j.CompletedRows >= j.TotalRows {
		return
	}
	j.CompletedRows++
	if failure != nil {
		j.Failures = append(j.Failures, *failure)
	}
	if j.TotalRows > 0 {
		j.Progress = 100 * j.CompletedRows / j.TotalRows
	}
}

// ExportFormat is the artifact format of an export job.
type ExportFormat string

const (
	ExportCSV  ExportFormat = "csv"
	ExportJSON ExportFormat = "json"
	ExportXLSX ExportFormat = "xlsx"
)

// ExportJob tracks an asynchronous export of a webset.
type ExportJob struct {
	ID          string       `json:"id"`
	WebsetID    string       `json:"webset_id"`
	Version     int          `json:"version,omitempty"`
	Format      ExportFormat `json:"format"`
	FileName    string       `json:"file_name"`
	Status      JobStatus    `json:"status"`
	ExportURL   string       `json:"export_url,omitempty"`
	Error       string       `json:"error,omitempty"`
	RequestedBy string       `json:"requested_by,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
}
