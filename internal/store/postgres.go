package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/websets/internal/db"
	"github.com/sells-group/websets/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS websets (
	id              TEXT PRIMARY KEY,
	name            TEXT NOT NULL,
	description     TEXT NOT NULL DEFAULT '',
	columns         JSONB NOT NULL,
	status          TEXT NOT NULL DEFAULT 'draft',
	current_version INTEGER NOT NULL,
	row_count       INTEGER NOT NULL DEFAULT 0,
	created_by      TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS webset_versions (
	id                 TEXT PRIMARY KEY,
	webset_id          TEXT NOT NULL REFERENCES websets(id),
	version            INTEGER NOT NULL,
	snapshot           JSONB NOT NULL,
	changed_by         TEXT NOT NULL DEFAULT '',
	change_description TEXT NOT NULL DEFAULT '',
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (webset_id, version)
);

CREATE TABLE IF NOT EXISTS webset_cells (
	id         TEXT PRIMARY KEY,
	webset_id  TEXT NOT NULL REFERENCES websets(id),
	row_index  INTEGER NOT NULL,
	column_id  TEXT NOT NULL,
	value      JSONB,
	confidence DOUBLE PRECISION,
	metadata   JSONB,
	version_id TEXT NOT NULL REFERENCES webset_versions(id),
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
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
	data       JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS export_jobs (
	id         TEXT PRIMARY KEY,
	webset_id  TEXT NOT NULL,
	status     TEXT NOT NULL,
	data       JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS rate_limits (
	id            TEXT PRIMARY KEY,
	scope         TEXT NOT NULL,
	user_id       TEXT NOT NULL DEFAULT '',
	endpoint      TEXT NOT NULL,
	max_requests  INTEGER NOT NULL,
	window_ms     BIGINT NOT NULL,
	current_count INTEGER NOT NULL DEFAULT 0,
	window_start  TIMESTAMPTZ,
	UNIQUE (scope, user_id, endpoint)
);

CREATE INDEX IF NOT EXISTS idx_webset_versions_webset ON webset_versions(webset_id, version DESC);
CREATE INDEX IF NOT EXISTS idx_webset_cells_webset ON webset_cells(webset_id, row_index, column_id);
CREATE INDEX IF NOT EXISTS idx_citations_cell ON citations(cell_id);
CREATE INDEX IF NOT EXISTS idx_enrichment_jobs_webset ON enrichment_jobs(webset_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_enrichment_jobs_status ON enrichment_jobs(status);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Websets ---

func (s *PostgresStore) CreateWebset(ctx context.Context, ws *model.Webset, initial *model.WebsetVersion) error {
	if initial.Version != ws.CurrentVersion {
		return model.Invalid("version", "initial version %d does not match current version %d", initial.Version, ws.CurrentVersion)
	}
	columnsJSON, err := json.Marshal(ws.Columns)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal columns")
	}

	return db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO websets (id, name, description, columns, status, current_version, row_count, created_by, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			ws.ID, ws.Name, ws.Description, columnsJSON, string(ws.Status),
			ws.CurrentVersion, ws.RowCount, ws.CreatedBy, ws.CreatedAt, ws.UpdatedAt,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: insert webset %s", ws.ID)
		}
		return insertVersionPostgres(ctx, tx, initial)
	})
}

func (s *PostgresStore) GetWebset(ctx context.Context, id string) (*model.Webset, error) {
	ws, err := scanWebsetPostgres(s.pool.QueryRow(ctx,
		`SELECT `+websetColumns+` FROM websets WHERE id = $1`, id))
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get webset %s", id)
	}
	return ws, nil
}

func (s *PostgresStore) ListWebsets(ctx context.Context, limit int) ([]model.Webset, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+websetColumns+` FROM websets ORDER BY created_at DESC LIMIT $1`, listLimit(limit))
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list websets")
	}
	defer rows.Close()

	var out []model.Webset
	for rows.Next() {
		ws, err := scanWebsetPostgres(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: list websets")
		}
		out = append(out, *ws)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list websets iterate")
}

func (s *PostgresStore) UpdateWebsetStatus(ctx context.Context, id string, status model.WebsetStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE websets SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update webset status %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: webset %s", id)
	}
	return nil
}

// --- Versions ---

func (s *PostgresStore) CommitVersion(ctx context.Context, c VersionCommit) error {
	if err := validateCommit(c); err != nil {
		return err
	}
	columnsJSON, err := json.Marshal(c.Version.Snapshot.Columns)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal columns")
	}

	return db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		// The row lock taken here orders concurrent commits on one webset; a
		// loser re-evaluates the predicate after the winner commits and matches
		// nothing.
		tag, err := tx.Exec(ctx,
			`UPDATE websets SET current_version = $1, columns = $2, row_count = $3, updated_at = $4
			 WHERE id = $5 AND current_version = $6`,
			c.Version.Version, columnsJSON, c.Version.Snapshot.RowCount, c.Version.CreatedAt,
			c.WebsetID, c.ExpectedVersion,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: advance webset %s", c.WebsetID)
		}
		if tag.RowsAffected() == 0 {
			var exists int
			err := tx.QueryRow(ctx, `SELECT 1 FROM websets WHERE id = $1`, c.WebsetID).Scan(&exists)
			if errors.Is(err, pgx.ErrNoRows) {
				return eris.Wrapf(ErrNotFound, "postgres: webset %s", c.WebsetID)
			}
			if err != nil {
				return eris.Wrapf(err, "postgres: check webset %s", c.WebsetID)
			}
			return eris.Wrapf(ErrConflict, "postgres: webset %s moved past version %d", c.WebsetID, c.ExpectedVersion)
		}

		if err := insertVersionPostgres(ctx, tx, &c.Version); err != nil {
			return err
		}

		var citations []model.Citation
		for i := range c.Cells {
			cell := &c.Cells[i]
			valueJSON, metaJSON, err := encodeCell(cell)
			if err != nil {
				return eris.Wrap(err, "postgres: encode cell")
			}
			_, err = tx.Exec(ctx,
				`INSERT INTO webset_cells (id, webset_id, row_index, column_id, value, confidence, metadata, version_id, created_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
				cell.ID, cell.WebsetID, cell.Row, cell.ColumnID, valueJSON, cell.Confidence, metaJSON, cell.VersionID, cell.CreatedAt,
			)
			if err != nil {
				return eris.Wrapf(err, "postgres: insert cell %s", cell.ID)
			}
			for _, ct := range cell.Citations {
				ct.CellID = cell.ID
				citations = append(citations, ct)
			}
		}
		return db.CopyEach(ctx, tx, "citations", citationColumns, citations, citationRow)
	})
}

var citationColumns = []string{"id", "cell_id", "url", "title", "snippet", "provider"}

func citationRow(ct model.Citation) []any {
	return []any{ct.ID, ct.CellID, ct.URL, ct.Title, ct.Snippet, ct.Provider}
}

func (s *PostgresStore) GetVersion(ctx context.Context, websetID string, version int) (*model.WebsetVersion, error) {
	v, err := scanVersionPostgres(s.pool.QueryRow(ctx,
		`SELECT `+versionColumns+` FROM webset_versions WHERE webset_id = $1 AND version = $2`, websetID, version))
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get version %s@%d", websetID, version)
	}
	return v, nil
}

func (s *PostgresStore) GetVersionByID(ctx context.Context, versionID string) (*model.WebsetVersion, error) {
	v, err := scanVersionPostgres(s.pool.QueryRow(ctx,
		`SELECT `+versionColumns+` FROM webset_versions WHERE id = $1`, versionID))
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get version %s", versionID)
	}
	return v, nil
}

func (s *PostgresStore) ListVersions(ctx context.Context, websetID string) ([]model.WebsetVersion, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+versionColumns+` FROM webset_versions WHERE webset_id = $1 ORDER BY version DESC`, websetID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list versions")
	}
	defer rows.Close()

	var out []model.WebsetVersion
	for rows.Next() {
		v, err := scanVersionPostgres(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: list versions")
		}
		out = append(out, *v)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list versions iterate")
}

// --- Cells ---

func (s *PostgresStore) GetCell(ctx context.Context, cellID string) (*model.Cell, error) {
	var (
		c                   model.Cell
		valueJSON, metaJSON []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, webset_id, row_index, column_id, value, confidence, metadata, version_id, created_at
		 FROM webset_cells WHERE id = $1`, cellID,
	).Scan(&c.ID, &c.WebsetID, &c.Row, &c.ColumnID, &valueJSON, &c.Confidence, &metaJSON, &c.VersionID, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: cell %s", cellID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get cell %s", cellID)
	}
	if err := decodeCell(&c, valueJSON, metaJSON); err != nil {
		return nil, eris.Wrap(err, "postgres: decode cell")
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, cell_id, url, title, snippet, provider FROM citations WHERE cell_id = $1 ORDER BY id`, cellID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list citations")
	}
	defer rows.Close()
	for rows.Next() {
		var ct model.Citation
		if err := rows.Scan(&ct.ID, &ct.CellID, &ct.URL, &ct.Title, &ct.Snippet, &ct.Provider); err != nil {
			return nil, eris.Wrap(err, "postgres: scan citation")
		}
		c.Citations = append(c.Citations, ct)
	}
	return &c, eris.Wrap(rows.Err(), "postgres: list citations iterate")
}

// --- Jobs ---

func (s *PostgresStore) CreateEnrichmentJob(ctx context.Context, job *model.EnrichmentJob) error {
	return s.insertJob(ctx, "enrichment_jobs", job.ID, job.WebsetID, job.Status, job.CreatedAt, job.UpdatedAt, job)
}

func (s *PostgresStore) UpdateEnrichmentJob(ctx context.Context, job *model.EnrichmentJob) error {
	return s.updateJob(ctx, "enrichment_jobs", job.ID, job.Status, job.UpdatedAt, job)
}

func (s *PostgresStore) GetEnrichmentJob(ctx context.Context, id string) (*model.EnrichmentJob, error) {
	var job model.EnrichmentJob
	if err := s.getJob(ctx, "enrichment_jobs", id, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *PostgresStore) ListEnrichmentJobs(ctx context.Context, filter JobFilter) ([]model.EnrichmentJob, error) {
	query := `SELECT data FROM enrichment_jobs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.WebsetID != "" {
		query += fmt.Sprintf(` AND webset_id = $%d`, argIdx)
		args = append(args, filter.WebsetID)
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, argIdx)
	args = append(args, listLimit(filter.Limit))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list enrichment jobs")
	}
	defer rows.Close()

	var out []model.EnrichmentJob
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "postgres: scan enrichment job")
		}
		var job model.EnrichmentJob
		if err := json.Unmarshal(data, &job); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal enrichment job")
		}
		out = append(out, job)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list enrichment jobs iterate")
}

func (s *PostgresStore) CreateExportJob(ctx context.Context, job *model.ExportJob) error {
	return s.insertJob(ctx, "export_jobs", job.ID, job.WebsetID, job.Status, job.CreatedAt, job.UpdatedAt, job)
}

func (s *PostgresStore) UpdateExportJob(ctx context.Context, job *model.ExportJob) error {
	return s.updateJob(ctx, "export_jobs", job.ID, job.Status, job.UpdatedAt, job)
}

func (s *PostgresStore) GetExportJob(ctx context.Context, id string) (*model.ExportJob, error) {
	var job model.ExportJob
	if err := s.getJob(ctx, "export_jobs", id, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *PostgresStore) insertJob(ctx context.Context, table, id, websetID string, status model.JobStatus, created, updated time.Time, job any) error {
	data, err := json.Marshal(job)
	if err != nil {
		return eris.Wrapf(err, "postgres: marshal %s row", table)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO `+table+` (id, webset_id, status, data, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		id, websetID, string(status), data, created, updated,
	)
	return eris.Wrapf(err, "postgres: insert %s %s", table, id)
}

func (s *PostgresStore) updateJob(ctx context.Context, table, id string, status model.JobStatus, updated time.Time, job any) error {
	data, err := json.Marshal(job)
	if err != nil {
		return eris.Wrapf(err, "postgres: marshal %s row", table)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+table+` SET status = $1, data = $2, updated_at = $3 WHERE id = $4`,
		string(status), data, updated, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update %s %s", table, id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: %s %s", table, id)
	}
	return nil
}

func (s *PostgresStore) getJob(ctx context.Context, table, id string, dest any) error {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM `+table+` WHERE id = $1`, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return eris.Wrapf(ErrNotFound, "postgres: %s %s", table, id)
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: get %s %s", table, id)
	}
	return eris.Wrapf(json.Unmarshal(data, dest), "postgres: unmarshal %s %s", table, id)
}

// --- Rate limits ---

func (s *PostgresStore) AcquireRateLimit(ctx context.Context, key model.RateLimitKey, maxRequests int, window time.Duration, now time.Time) (*model.RateLimit, bool, error) {
	var (
		rl      model.RateLimit
		granted bool
	)
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO rate_limits (id, scope, user_id, endpoint, max_requests, window_ms)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (scope, user_id, endpoint) DO NOTHING`,
			uuid.New().String(), string(key.Scope), key.UserID, key.Endpoint, maxRequests, window.Milliseconds(),
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: ensure rate limit %s", key)
		}

		var start *time.Time
		err = tx.QueryRow(ctx,
			`SELECT id, current_count, window_start FROM rate_limits
			 WHERE scope = $1 AND user_id = $2 AND endpoint = $3 FOR UPDATE`,
			string(key.Scope), key.UserID, key.Endpoint,
		).Scan(&rl.ID, &rl.CurrentCount, &start)
		if err != nil {
			return eris.Wrapf(err, "postgres: lock rate limit %s", key)
		}
		if start != nil {
			rl.WindowStart = start.UTC()
		}

		rl.Scope, rl.UserID, rl.Endpoint = key.Scope, key.UserID, key.Endpoint
		rl.MaxRequests = maxRequests
		rl.WindowMs = window.Milliseconds()
		granted = rl.Admit(now)

		_, err = tx.Exec(ctx,
			`UPDATE rate_limits SET max_requests = $1, window_ms = $2, current_count = $3, window_start = $4 WHERE id = $5`,
			rl.MaxRequests, rl.WindowMs, rl.CurrentCount, rl.WindowStart, rl.ID,
		)
		return eris.Wrapf(err, "postgres: update rate limit %s", key)
	})
	if err != nil {
		return nil, false, err
	}
	return &rl, granted, nil
}

// helpers

func insertVersionPostgres(ctx context.Context, tx pgx.Tx, v *model.WebsetVersion) error {
	snapshotJSON, err := json.Marshal(v.Snapshot)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal snapshot")
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO webset_versions (`+versionColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		v.ID, v.WebsetID, v.Version, snapshotJSON, v.ChangedBy, v.ChangeDescription, v.CreatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return eris.Wrapf(ErrConflict, "postgres: version %d of %s exists", v.Version, v.WebsetID)
	}
	return eris.Wrapf(err, "postgres: insert version %s", v.ID)
}

func scanWebsetPostgres(row pgx.Row) (*model.Webset, error) {
	var (
		ws          model.Webset
		columnsJSON []byte
		status      string
	)
	err := row.Scan(&ws.ID, &ws.Name, &ws.Description, &columnsJSON, &status,
		&ws.CurrentVersion, &ws.RowCount, &ws.CreatedBy, &ws.CreatedAt, &ws.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	ws.Status = model.WebsetStatus(status)
	if err := json.Unmarshal(columnsJSON, &ws.Columns); err != nil {
		return nil, eris.Wrap(err, "unmarshal columns")
	}
	return &ws, nil
}

func scanVersionPostgres(row pgx.Row) (*model.WebsetVersion, error) {
	var (
		v            model.WebsetVersion
		snapshotJSON []byte
	)
	err := row.Scan(&v.ID, &v.WebsetID, &v.Version, &snapshotJSON, &v.ChangedBy, &v.ChangeDescription, &v.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(snapshotJSON, &v.Snapshot); err != nil {
		return nil, eris.Wrap(err, "unmarshal snapshot")
	}
	return &v, nil
}
