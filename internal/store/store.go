// Package store persists websets, versions, cells, jobs and rate limit
// counters. Version commits are compare-and-set on the webset's current
// version inside a single transaction.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/sells-group/websets/internal/model"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when a version commit lost the race for the
	// webset's current version.
	ErrConflict = errors.New("store: version conflict")
)

// VersionCommit is one atomic advance of a webset's version pointer. The
// webset's columns and row count are taken from the version snapshot.
type VersionCommit struct {
	WebsetID        string
	ExpectedVersion int
	Version         model.WebsetVersion
	Cells           []model.Cell
}

// JobFilter specifies criteria for listing enrichment jobs.
type JobFilter struct {
	WebsetID string          `json:"webset_id,omitempty"`
	Status   model.JobStatus `json:"status,omitempty"`
	Limit    int             `json:"limit,omitempty"`
}

// Store defines the persistence interface for the webset engine.
type Store interface {
	// Websets
	CreateWebset(ctx context.Context, ws *model.Webset, initial *model.WebsetVersion) error
	GetWebset(ctx context.Context, id string) (*model.Webset, error)
	ListWebsets(ctx context.Context, limit int) ([]model.Webset, error)
	UpdateWebsetStatus(ctx context.Context, id string, status model.WebsetStatus) error

	// Versions and cells
	CommitVersion(ctx context.Context, c VersionCommit) error
	GetVersion(ctx context.Context, websetID string, version int) (*model.WebsetVersion, error)
	GetVersionByID(ctx context.Context, versionID string) (*model.WebsetVersion, error)
	ListVersions(ctx context.Context, websetID string) ([]model.WebsetVersion, error)
	GetCell(ctx context.Context, cellID string) (*model.Cell, error)

	// Enrichment jobs
	CreateEnrichmentJob(ctx context.Context, job *model.EnrichmentJob) error
	UpdateEnrichmentJob(ctx context.Context, job *model.EnrichmentJob) error
	GetEnrichmentJob(ctx context.Context, id string) (*model.EnrichmentJob, error)
	ListEnrichmentJobs(ctx context.Context, filter JobFilter) ([]model.EnrichmentJob, error)

	// Export jobs
	CreateExportJob(ctx context.Context, job *model.ExportJob) error
	UpdateExportJob(ctx context.Context, job *model.ExportJob) error
	GetExportJob(ctx context.Context, id string) (*model.ExportJob, error)

	// Rate limits
	AcquireRateLimit(ctx context.Context, key model.RateLimitKey, maxRequests int, window time.Duration, now time.Time) (*model.RateLimit, bool, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

func validateCommit(c VersionCommit) error {
	if c.WebsetID == "" {
		return model.Invalid("webset_id", "is required")
	}
	if c.Version.Version != c.ExpectedVersion+1 {
		return model.Invalid("version", "must be %d, got %d", c.ExpectedVersion+1, c.Version.Version)
	}
	if c.Version.ID == "" {
		return model.Invalid("version_id", "is required")
	}
	for _, cell := range c.Cells {
		if cell.VersionID != c.Version.ID {
			return model.Invalid("cells", "cell %s does not belong to version %s", cell.ID, c.Version.ID)
		}
	}
	return nil
}

const defaultListLimit = 100

func listLimit(n int) int {
	if n <= 0 {
		return defaultListLimit
	}
	return n
}
