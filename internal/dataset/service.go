// Package dataset owns websets and their append-only version history. Every
// change to cells, columns or row count commits a new numbered version whose
// snapshot is the full dataset state.
package dataset

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/websets/internal/model"
	"github.com/sells-group/websets/internal/resilience"
	"github.com/sells-group/websets/internal/store"
)

// ErrConflictExhausted is returned when a commit kept losing the version race
// past the retry budget.
var ErrConflictExhausted = errors.New("dataset: version conflict retries exhausted")

// Store is the persistence the dataset service needs.
type Store interface {
	CreateWebset(ctx context.Context, ws *model.Webset, initial *model.WebsetVersion) error
	GetWebset(ctx context.Context, id string) (*model.Webset, error)
	ListWebsets(ctx context.Context, limit int) ([]model.Webset, error)
	UpdateWebsetStatus(ctx context.Context, id string, status model.WebsetStatus) error
	CommitVersion(ctx context.Context, c store.VersionCommit) error
	GetVersion(ctx context.Context, websetID string, version int) (*model.WebsetVersion, error)
	GetVersionByID(ctx context.Context, versionID string) (*model.WebsetVersion, error)
	ListVersions(ctx context.Context, websetID string) ([]model.WebsetVersion, error)
	GetCell(ctx context.Context, cellID string) (*model.Cell, error)
}

// Service implements webset reads and versioned writes.
type Service struct {
	store           Store
	conflictRetries int
	conflictBackoff resilience.RetryConfig
	nowFunc         func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithConflictRetries sets how many times a commit is retried after losing
// the version race.
func WithConflictRetries(n int) Option {
	return func(s *Service) {
		if n >= 0 {
			s.conflictRetries = n
		}
	}
}

// WithClock overrides the time source (for tests).
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.nowFunc = now }
}

// New creates a dataset service.
func New(st Store, opts ...Option) *Service {
	s := &Service{
		store:           st,
		conflictRetries: 5,
		conflictBackoff: resilience.RetryConfig{
			InitialBackoff: 5 * time.Millisecond,
			MaxBackoff:     200 * time.Millisecond,
			Multiplier:     2,
			JitterFraction: 0.5,
		},
		nowFunc: time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// NewWebset describes a webset to create.
type NewWebset struct {
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	Columns     []model.Column     `json:"columns"`
	RowCount    int                `json:"row_count"`
	Status      model.WebsetStatus `json:"status,omitempty"`
	CreatedBy   string             `json:"-"`
}

// CreateWebset validates the definition and commits version 1 with an empty
// snapshot.
func (s *Service) CreateWebset(ctx context.Context, in NewWebset) (*model.Webset, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, model.Invalid("name", "is required")
	}
	if in.RowCount < 0 {
		return nil, model.Invalid("row_count", "must not be negative")
	}
	status := in.Status
	if status == "" {
		status = model.WebsetStatusDraft
	}
	if !status.Valid() {
		return nil, model.Invalid("status", "unknown status %q", status)
	}
	cols, err := normalizeColumns(in.Columns)
	if err != nil {
		return nil, err
	}

	now := s.nowFunc().UTC()
	ws := &model.Webset{
		ID:             uuid.New().String(),
		Name:           name,
		Description:    in.Description,
		Columns:        cols,
		Status:         status,
		CurrentVersion: 1,
		RowCount:       in.RowCount,
		CreatedBy:      in.CreatedBy,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	v1 := &model.WebsetVersion{
		ID:                uuid.New().String(),
		WebsetID:          ws.ID,
		Version:           1,
		Snapshot:          model.Snapshot{Columns: cols, RowCount: in.RowCount, Cells: []model.SnapshotCell{}},
		ChangedBy:         in.CreatedBy,
		ChangeDescription: "created",
		CreatedAt:         now,
	}
	if err := s.store.CreateWebset(ctx, ws, v1); err != nil {
		return nil, eris.Wrap(err, "dataset: create webset")
	}

	zap.L().Info("dataset: webset created",
		zap.String("webset_id", ws.ID),
		zap.Int("columns", len(cols)),
		zap.Int("rows", in.RowCount),
	)
	return ws, nil
}

// GetWebset returns a webset by id.
func (s *Service) GetWebset(ctx context.Context, id string) (*model.Webset, error) {
	ws, err := s.store.GetWebset(ctx, id)
	if err != nil {
		return nil, eris.Wrapf(err, "dataset: get webset %s", id)
	}
	return ws, nil
}

// ListWebsets returns websets, newest first.
func (s *Service) ListWebsets(ctx context.Context, limit int) ([]model.Webset, error) {
	out, err := s.store.ListWebsets(ctx, limit)
	return out, eris.Wrap(err, "dataset: list websets")
}

// SetStatus moves a webset between draft, active and archived. Archived
// websets reject writes.
func (s *Service) SetStatus(ctx context.Context, id string, status model.WebsetStatus) error {
	if !status.Valid() {
		return model.Invalid("status", "unknown status %q", status)
	}
	return eris.Wrapf(s.store.UpdateWebsetStatus(ctx, id, status), "dataset: set status %s", id)
}

// CellWrite is a single-cell change.
type CellWrite struct {
	WebsetID          string
	Row               int
	Column            string // column id or name
	Value             any
	Confidence        *float64
	Metadata          map[string]any
	Citations         []model.Citation
	ChangedBy         string
	ChangeDescription string
}

// WriteCell applies one cell change on top of the current version and
// commits it as the next version.
func (s *Service) WriteCell(ctx context.Context, w CellWrite) (*model.WebsetVersion, error) {
	if w.Confidence != nil && (*w.Confidence < 0 || *w.Confidence > 1) {
		return nil, model.Invalid("confidence", "must be within [0, 1], got %v", *w.Confidence)
	}

	return s.commit(ctx, w.WebsetID, w.ChangedBy, w.ChangeDescription,
		func(snap *model.Snapshot, versionID string, now time.Time) ([]model.Cell, error) {
			if w.Row < 0 || w.Row >= snap.RowCount {
				return nil, model.Invalid("row", "%d is outside [0, %d)", w.Row, snap.RowCount)
			}
			col, ok := findColumn(snap.Columns, w.Column)
			if !ok {
				return nil, model.Invalid("column", "unknown column %q", w.Column)
			}
			value, err := Coerce(col, w.Value)
			if err != nil {
				return nil, err
			}

			cell := model.Cell{
				ID:         uuid.New().String(),
				WebsetID:   w.WebsetID,
				Row:        w.Row,
				ColumnID:   col.ID,
				Value:      value,
				Confidence: w.Confidence,
				Metadata:   w.Metadata,
				VersionID:  versionID,
				CreatedAt:  now,
			}
			for _, c := range w.Citations {
				if strings.TrimSpace(c.URL) == "" {
					continue
				}
				c.ID = uuid.New().String()
				c.CellID = cell.ID
				cell.Citations = append(cell.Citations, c)
			}

			snap.Set(model.SnapshotCell{
				Row:        cell.Row,
				ColumnID:   cell.ColumnID,
				CellID:     cell.ID,
				Value:      cell.Value,
				Confidence: cell.Confidence,
			})
			return []model.Cell{cell}, nil
		})
}

// Restore commits a new version whose snapshot equals the target version's.
// Later versions are kept.
func (s *Service) Restore(ctx context.Context, websetID, versionID, changedBy string) (*model.WebsetVersion, error) {
	target, err := s.store.GetVersionByID(ctx, versionID)
	if err != nil {
		return nil, eris.Wrapf(err, "dataset: restore %s", versionID)
	}
	if target.WebsetID != websetID {
		return nil, model.Invalid("version_id", "version %s does not belong to webset %s", versionID, websetID)
	}

	desc := fmt.Sprintf("restore of version %d", target.Version)
	return s.commit(ctx, websetID, changedBy, desc,
		func(snap *model.Snapshot, _ string, _ time.Time) ([]model.Cell, error) {
			*snap = target.Snapshot.Clone()
			return nil, nil
		})
}

// RestoreVersion restores by version number.
func (s *Service) RestoreVersion(ctx context.Context, websetID string, version int, changedBy string) (*model.WebsetVersion, error) {
	target, err := s.GetVersion(ctx, websetID, version)
	if err != nil {
		return nil, err
	}
	return s.Restore(ctx, websetID, target.ID, changedBy)
}

// AddColumn appends a column definition as a new version.
func (s *Service) AddColumn(ctx context.Context, websetID string, col model.Column, changedBy string) (*model.WebsetVersion, error) {
	return s.commit(ctx, websetID, changedBy, fmt.Sprintf("add column %s", strings.TrimSpace(col.Name)),
		func(snap *model.Snapshot, _ string, _ time.Time) ([]model.Cell, error) {
			cols, err := normalizeColumns(append(append([]model.Column{}, snap.Columns...), col))
			if err != nil {
				return nil, err
			}
			snap.Columns = cols
			return nil, nil
		})
}

// AddRows grows the row count by n as a new version.
func (s *Service) AddRows(ctx context.Context, websetID string, n int, changedBy string) (*model.WebsetVersion, error) {
	if n <= 0 {
		return nil, model.Invalid("rows", "must add at least one row")
	}
	return s.commit(ctx, websetID, changedBy, fmt.Sprintf("add %d rows", n),
		func(snap *model.Snapshot, _ string, _ time.Time) ([]model.Cell, error) {
			snap.RowCount += n
			return nil, nil
		})
}

// ListVersions returns the version history, newest first.
func (s *Service) ListVersions(ctx context.Context, websetID string) ([]model.WebsetVersion, error) {
	if _, err := s.store.GetWebset(ctx, websetID); err != nil {
		return nil, eris.Wrapf(err, "dataset: list versions %s", websetID)
	}
	out, err := s.store.ListVersions(ctx, websetID)
	return out, eris.Wrapf(err, "dataset: list versions %s", websetID)
}

// GetVersion returns one version by number.
func (s *Service) GetVersion(ctx context.Context, websetID string, version int) (*model.WebsetVersion, error) {
	v, err := s.store.GetVersion(ctx, websetID, version)
	if err != nil {
		return nil, eris.Wrapf(err, "dataset: get version %s@%d", websetID, version)
	}
	return v, nil
}

// GetSnapshot returns the version at number version, or the current version
// when version is 0.
func (s *Service) GetSnapshot(ctx context.Context, websetID string, version int) (*model.WebsetVersion, error) {
	if version == 0 {
		ws, err := s.GetWebset(ctx, websetID)
		if err != nil {
			return nil, err
		}
		version = ws.CurrentVersion
	}
	return s.GetVersion(ctx, websetID, version)
}

// GetCell returns the current cell at (row, column) with its citations.
func (s *Service) GetCell(ctx context.Context, websetID string, row int, column string) (*model.Cell, error) {
	v, err := s.GetSnapshot(ctx, websetID, 0)
	if err != nil {
		return nil, err
	}
	col, ok := findColumn(v.Snapshot.Columns, column)
	if !ok {
		return nil, model.Invalid("column", "unknown column %q", column)
	}
	sc, ok := v.Snapshot.Lookup(row, col.ID)
	if !ok {
		return nil, eris.Wrapf(store.ErrNotFound, "dataset: cell (%d, %s) of %s", row, col.Name, websetID)
	}
	cell, err := s.store.GetCell(ctx, sc.CellID)
	if err != nil {
		return nil, eris.Wrapf(err, "dataset: get cell %s", sc.CellID)
	}
	return cell, nil
}

type mutation func(snap *model.Snapshot, versionID string, now time.Time) ([]model.Cell, error)

// commit reads the current version, applies mutate to a copy of its snapshot
// and commits the result as the next version. A lost race re-reads and
// retries up to the conflict budget.
func (s *Service) commit(ctx context.Context, websetID, changedBy, desc string, mutate mutation) (*model.WebsetVersion, error) {
	for attempt := 0; ; attempt++ {
		ws, err := s.store.GetWebset(ctx, websetID)
		if err != nil {
			return nil, eris.Wrapf(err, "dataset: load webset %s", websetID)
		}
		if ws.Status == model.WebsetStatusArchived {
			return nil, model.Invalid("webset", "%s is archived", websetID)
		}
		prev, err := s.store.GetVersion(ctx, websetID, ws.CurrentVersion)
		if err != nil {
			return nil, eris.Wrapf(err, "dataset: load version %d of %s", ws.CurrentVersion, websetID)
		}

		now := s.nowFunc().UTC()
		snap := prev.Snapshot.Clone()
		next := model.WebsetVersion{
			ID:                uuid.New().String(),
			WebsetID:          websetID,
			Version:           prev.Version + 1,
			ChangedBy:         changedBy,
			ChangeDescription: desc,
			CreatedAt:         now,
		}
		cells, err := mutate(&snap, next.ID, now)
		if err != nil {
			return nil, err
		}
		next.Snapshot = snap

		err = s.store.CommitVersion(ctx, store.VersionCommit{
			WebsetID:        websetID,
			ExpectedVersion: prev.Version,
			Version:         next,
			Cells:           cells,
		})
		if err == nil {
			zap.L().Debug("dataset: version committed",
				zap.String("webset_id", websetID),
				zap.Int("version", next.Version),
				zap.String("change", desc),
			)
			return &next, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return nil, eris.Wrapf(err, "dataset: commit version %d of %s", next.Version, websetID)
		}
		if attempt >= s.conflictRetries {
			return nil, eris.Wrapf(ErrConflictExhausted, "dataset: webset %s after %d attempts", websetID, attempt+1)
		}

		zap.L().Debug("dataset: version conflict, retrying",
			zap.String("webset_id", websetID),
			zap.Int("expected_version", prev.Version),
			zap.Int("attempt", attempt+1),
		)
		if err := resilience.Sleep(ctx, resilience.Backoff(attempt, s.conflictBackoff)); err != nil {
			return nil, eris.Wrap(err, "dataset: commit canceled")
		}
	}
}
