package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/websets/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
// A single connection serializes writers, so transactions never interleave.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS websets (
	id              TEXT PRIMARY KEY,
	name            TEXT NOT NULL,
	description     TEXT NOT NULL DEFAULT '',
	columns         TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'draft',
	current_version INTEGER NOT NULL,
	row_count       INTEGER NOT NULL DEFAULT 0,
	created_by      TEXT NOT NULL DEFAULT '',
	created_at      DATETIME NOT NULL,
	updated_at      DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS webset_versions (
	id                 TEXT PRIMARY KEY,
	webset_id          TEXT NOT NULL REFERENCES websets(id),
	version            INTEGER NOT NULL,
	snapshot           TEXT NOT NULL,
	changed_by         TEXT NOT NULL DEFAULT '',
	change_description TEXT NOT NULL DEFAULT '',
	created_at         DATETIME NOT NULL,
	UNIQUE (webset_id, version)
);

CREATE TABLE IF NOT EXISTS webset_cells (
	id         TEXT PRIMARY KEY,
	webset_id  TEXT NOT NULL REFERENCES websets(id),
	row_index  INTEGER NOT NULL,
	column_id  TEXT NOT NULL,
	value      TEXT,
	confidence REAL,
	metadata   TEXT,
	version_id TEXT NOT NULL REFERENCES webset_versions(id),
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS citations (
	id       TEXT PRIMARY KEY,
	cell_id  TEXT NOT NULL REFERENCES webset_cells(id),
	url      TEXT NOT NULL,
	title    TEXT NOT NULL DEFAULT '',
	snippet  TEXT NOT NULL DEFAULT '',
	provider TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS enrichment_jobs (
	id         TEXT PRIMARY KEY,
	webset_id  TEXT NOT NULL,
	status     TEXT NOT NULL,
	data       TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS export_jobs (
	id         TEXT PRIMARY KEY,
	webset_id  TEXT NOT NULL,
	status     TEXT NOT NULL,
	data       TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS rate_limits (
	id            TEXT PRIMARY KEY,
	scope         TEXT NOT NULL,
	user_id       TEXT NOT NULL DEFAULT '',
	endpoint      TEXT NOT NULL,
	max_requests  INTEGER NOT NULL,
	window_ms     INTEGER NOT NULL,
	current_count INTEGER NOT NULL DEFAULT 0,
	window_start  INTEGER NOT NULL DEFAULT 0,
	UNIQUE (scope, user_id, endpoint)
);

CREATE INDEX IF NOT EXISTS idx_webset_versions_webset ON webset_versions(webset_id, version DESC);
CREATE INDEX IF NOT EXISTS idx_webset_cells_webset ON webset_cells(webset_id, row_index, column_id);
CREATE INDEX IF NOT EXISTS idx_citations_cell ON citations(cell_id);
CREATE INDEX IF NOT EXISTS idx_enrichment_jobs_webset ON enrichment_jobs(webset_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_enrichment_jobs_status ON enrichment_jobs(status);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Websets ---

func (s *SQLiteStore) CreateWebset(ctx context.Context, ws *model.Webset, initial *model.WebsetVersion) error {
	if initial.Version != ws.CurrentVersion {
		return model.Invalid("version", "initial version %d does not match current version %d", initial.Version, ws.CurrentVersion)
	}
	columnsJSON, err := json.Marshal(ws.Columns)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal columns")
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO websets (id, name, description, columns, status, current_version, row_count, created_by, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ws.ID, ws.Name, ws.Description, string(columnsJSON), string(ws.Status),
			ws.CurrentVersion, ws.RowCount, ws.CreatedBy, ws.CreatedAt, ws.UpdatedAt,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert webset %s", ws.ID)
		}
		return insertVersionSQLite(ctx, tx, initial)
	})
}

const websetColumns = `id, name, description, columns, status, current_version, row_count, created_by, created_at, updated_at`

func (s *SQLiteStore) GetWebset(ctx context.Context, id string) (*model.Webset, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+websetColumns+` FROM websets WHERE id = ?`, id)
	ws, err := scanWebset(row)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get webset %s", id)
	}
	return ws, nil
}

func (s *SQLiteStore) ListWebsets(ctx context.Context, limit int) ([]model.Webset, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+websetColumns+` FROM websets ORDER BY created_at DESC LIMIT ?`, listLimit(limit))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list websets")
	}
	defer rows.Close()

	var out []model.Webset
	for rows.Next() {
		ws, err := scanWebset(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: list websets")
		}
		out = append(out, *ws)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list websets iterate")
}

func (s *SQLiteStore) UpdateWebsetStatus(ctx context.Context, id string, status model.WebsetStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE websets SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update webset status %s", id)
	}
	return checkRowsAffected(res, "webset", id)
}

// --- Versions ---

func (s *SQLiteStore) CommitVersion(ctx context.Context, c VersionCommit) error {
	if err := validateCommit(c); err != nil {
		return err
	}
	columnsJSON, err := json.Marshal(c.Version.Snapshot.Columns)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal columns")
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE websets SET current_version = ?, columns = ?, row_count = ?, updated_at = ?
			 WHERE id = ? AND current_version = ?`,
			c.Version.Version, string(columnsJSON), c.Version.Snapshot.RowCount, c.Version.CreatedAt,
			c.WebsetID, c.ExpectedVersion,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: advance webset %s", c.WebsetID)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return eris.Wrap(err, "sqlite: rows affected")
		}
		if n == 0 {
			var exists int
			err := tx.QueryRowContext(ctx, `SELECT 1 FROM websets WHERE id = ?`, c.WebsetID).Scan(&exists)
			if errors.Is(err, sql.ErrNoRows) {
				return eris.Wrapf(ErrNotFound, "sqlite: webset %s", c.WebsetID)
			}
			if err != nil {
				return eris.Wrapf(err, "sqlite: check webset %s", c.WebsetID)
			}
			return eris.Wrapf(ErrConflict, "sqlite: webset %s moved past version %d", c.WebsetID, c.ExpectedVersion)
		}

		if err := insertVersionSQLite(ctx, tx, &c.Version); err != nil {
			return err
		}
		for i := range c.Cells {
			if err := insertCellSQLite(ctx, tx, &c.Cells[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

const versionColumns = `id, webset_id, version, snapshot, changed_by, change_description, created_at`

func (s *SQLiteStore) GetVersion(ctx context.Context, websetID string, version int) (*model.WebsetVersion, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+versionColumns+` FROM webset_versions WHERE webset_id = ? AND version = ?`,
		websetID, version,
	)
	v, err := scanVersion(row)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get version %s@%d", websetID, version)
	}
	return v, nil
}

func (s *SQLiteStore) GetVersionByID(ctx context.Context, versionID string) (*model.WebsetVersion, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+versionColumns+` FROM webset_versions WHERE id = ?`, versionID)
	v, err := scanVersion(row)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get version %s", versionID)
	}
	return v, nil
}

func (s *SQLiteStore) ListVersions(ctx context.Context, websetID string) ([]model.WebsetVersion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+versionColumns+` FROM webset_versions WHERE webset_id = ? ORDER BY version DESC`, websetID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list versions")
	}
	defer rows.Close()

	var out []model.WebsetVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: list versions")
		}
		out = append(out, *v)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list versions iterate")
}

// --- Cells ---

func (s *SQLiteStore) GetCell(ctx context.Context, cellID string) (*model.Cell, error) {
	var (
		c          model.Cell
		valueJSON  sql.NullString
		confidence sql.NullFloat64
		metaJSON   sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, webset_id, row_index, column_id, value, confidence, metadata, version_id, created_at
		 FROM webset_cells WHERE id = ?`, cellID,
	).Scan(&c.ID, &c.WebsetID, &c.Row, &c.ColumnID, &valueJSON, &confidence, &metaJSON, &c.VersionID, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: cell %s", cellID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get cell %s", cellID)
	}
	if err := decodeCell(&c, nullString(valueJSON), nullString(metaJSON)); err != nil {
		return nil, eris.Wrap(err, "sqlite: decode cell")
	}
	if confidence.Valid {
		c.Confidence = &confidence.Float64
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, cell_id, url, title, snippet, provider FROM citations WHERE cell_id = ? ORDER BY rowid`, cellID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list citations")
	}
	defer rows.Close()
	for rows.Next() {
		var ct model.Citation
		if err := rows.Scan(&ct.ID, &ct.CellID, &ct.URL, &ct.Title, &ct.Snippet, &ct.Provider); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan citation")
		}
		c.Citations = append(c.Citations, ct)
	}
	return &c, eris.Wrap(rows.Err(), "sqlite: list citations iterate")
}

// --- Enrichment jobs ---

func (s *SQLiteStore) CreateEnrichmentJob(ctx context.Context, job *model.EnrichmentJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal enrichment job")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO enrichment_jobs (id, webset_id, status, data, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		job.ID, job.WebsetID, string(job.Status), string(data), job.CreatedAt, job.UpdatedAt,
	)
	return eris.Wrapf(err, "sqlite: insert enrichment job %s", job.ID)
}

func (s *SQLiteStore) UpdateEnrichmentJob(ctx context.Context, job *model.EnrichmentJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal enrichment job")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE enrichment_jobs SET status = ?, data = ?, updated_at = ? WHERE id = ?`,
		string(job.Status), string(data), job.UpdatedAt, job.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update enrichment job %s", job.ID)
	}
	return checkRowsAffected(res, "enrichment job", job.ID)
}

func (s *SQLiteStore) GetEnrichmentJob(ctx context.Context, id string) (*model.EnrichmentJob, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM enrichment_jobs WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: enrichment job %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get enrichment job %s", id)
	}
	var job model.EnrichmentJob
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal enrichment job")
	}
	return &job, nil
}

func (s *SQLiteStore) ListEnrichmentJobs(ctx context.Context, filter JobFilter) ([]model.EnrichmentJob, error) {
	query := `SELECT data FROM enrichment_jobs WHERE 1=1`
	var args []any
	if filter.WebsetID != "" {
		query += ` AND webset_id = ?`
		args = append(args, filter.WebsetID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, listLimit(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list enrichment jobs")
	}
	defer rows.Close()

	var out []model.EnrichmentJob
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan enrichment job")
		}
		var job model.EnrichmentJob
		if err := json.Unmarshal([]byte(data), &job); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal enrichment job")
		}
		out = append(out, job)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list enrichment jobs iterate")
}

// --- Export jobs ---

func (s *SQLiteStore) CreateExportJob(ctx context.Context, job *model.ExportJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal export job")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO export_jobs (id, webset_id, status, data, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		job.ID, job.WebsetID, string(job.Status), string(data), job.CreatedAt, job.UpdatedAt,
	)
	return eris.Wrapf(err, "sqlite: insert export job %s", job.ID)
}

func (s *SQLiteStore) UpdateExportJob(ctx context.Context, job *model.ExportJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal export job")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE export_jobs SET status = ?, data = ?, updated_at = ? WHERE id = ?`,
		string(job.Status), string(data), job.UpdatedAt, job.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update export job %s", job.ID)
	}
	return checkRowsAffected(res, "export job", job.ID)
}

func (s *SQLiteStore) GetExportJob(ctx context.Context, id string) (*model.ExportJob, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM export_jobs WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: export job %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get export job %s", id)
	}
	var job model.ExportJob
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal export job")
	}
	return &job, nil
}

// --- Rate limits ---

func (s *SQLiteStore) AcquireRateLimit(ctx context.Context, key model.RateLimitKey, maxRequests int, window time.Duration, now time.Time) (*model.RateLimit, bool, error) {
	var (
		rl      model.RateLimit
		granted bool
	)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var startMs int64
		err := tx.QueryRowContext(ctx,
			`SELECT id, current_count, window_start FROM rate_limits WHERE scope = ? AND user_id = ? AND endpoint = ?`,
			string(key.Scope), key.UserID, key.Endpoint,
		).Scan(&rl.ID, &rl.CurrentCount, &startMs)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			rl.ID = uuid.New().String()
			_, err = tx.ExecContext(ctx,
				`INSERT INTO rate_limits (id, scope, user_id, endpoint, max_requests, window_ms) VALUES (?, ?, ?, ?, ?, ?)`,
				rl.ID, string(key.Scope), key.UserID, key.Endpoint, maxRequests, window.Milliseconds(),
			)
			if err != nil {
				return eris.Wrapf(err, "sqlite: insert rate limit %s", key)
			}
		case err != nil:
			return eris.Wrapf(err, "sqlite: get rate limit %s", key)
		default:
			rl.WindowStart = fromMillis(startMs)
		}

		rl.Scope, rl.UserID, rl.Endpoint = key.Scope, key.UserID, key.Endpoint
		rl.MaxRequests = maxRequests
		rl.WindowMs = window.Milliseconds()
		granted = rl.Admit(now)

		_, err = tx.ExecContext(ctx,
			`UPDATE rate_limits SET max_requests = ?, window_ms = ?, current_count = ?, window_start = ? WHERE id = ?`,
			rl.MaxRequests, rl.WindowMs, rl.CurrentCount, toMillis(rl.WindowStart), rl.ID,
		)
		return eris.Wrapf(err, "sqlite: update rate limit %s", key)
	})
	if err != nil {
		return nil, false, err
	}
	return &rl, granted, nil
}

// helpers

func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit")
}

func insertVersionSQLite(ctx context.Context, tx *sql.Tx, v *model.WebsetVersion) error {
	snapshotJSON, err := json.Marshal(v.Snapshot)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal snapshot")
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO webset_versions (`+versionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.WebsetID, v.Version, string(snapshotJSON), v.ChangedBy, v.ChangeDescription, v.CreatedAt,
	)
	if isUniqueViolation(err) {
		return eris.Wrapf(ErrConflict, "sqlite: version %d of %s exists", v.Version, v.WebsetID)
	}
	return eris.Wrapf(err, "sqlite: insert version %s", v.ID)
}

func insertCellSQLite(ctx context.Context, tx *sql.Tx, c *model.Cell) error {
	valueJSON, metaJSON, err := encodeCell(c)
	if err != nil {
		return eris.Wrap(err, "sqlite: encode cell")
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO webset_cells (id, webset_id, row_index, column_id, value, confidence, metadata, version_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.WebsetID, c.Row, c.ColumnID, string(valueJSON), c.Confidence, nullableText(metaJSON), c.VersionID, c.CreatedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: insert cell %s", c.ID)
	}
	for _, ct := range c.Citations {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO citations (id, cell_id, url, title, snippet, provider) VALUES (?, ?, ?, ?, ?, ?)`,
			ct.ID, c.ID, ct.URL, ct.Title, ct.Snippet, ct.Provider,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert citation for cell %s", c.ID)
		}
	}
	return nil
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanWebset(row scannable) (*model.Webset, error) {
	var (
		ws          model.Webset
		columnsJSON string
	)
	err := row.Scan(&ws.ID, &ws.Name, &ws.Description, &columnsJSON, &ws.Status,
		&ws.CurrentVersion, &ws.RowCount, &ws.CreatedBy, &ws.CreatedAt, &ws.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(columnsJSON), &ws.Columns); err != nil {
		return nil, eris.Wrap(err, "unmarshal columns")
	}
	return &ws, nil
}

func scanVersion(row scannable) (*model.WebsetVersion, error) {
	var (
		v            model.WebsetVersion
		snapshotJSON string
	)
	err := row.Scan(&v.ID, &v.WebsetID, &v.Version, &snapshotJSON, &v.ChangedBy, &v.ChangeDescription, &v.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(snapshotJSON), &v.Snapshot); err != nil {
		return nil, eris.Wrap(err, "unmarshal snapshot")
	}
	return &v, nil
}

func nullString(ns sql.NullString) []byte {
	if !ns.Valid {
		return nil
	}
	return []byte(ns.String)
}
