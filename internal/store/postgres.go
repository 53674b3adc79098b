package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-ingest/internal/db"
	"github.com/sells-group/lead-ingest/internal/model"
	"github.com/sells-group/lead-ingest/internal/resilience"
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

var postgresMigration = fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS projects (
	id              TEXT PRIMARY KEY,
	name            TEXT NOT NULL,
	region          TEXT,
	available_leads INTEGER NOT NULL DEFAULT 0,
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS leads (
	id               TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	project_id       TEXT NOT NULL REFERENCES projects(id),
	client_name      TEXT NOT NULL CHECK (client_name <> ''),
	client_phone     TEXT NOT NULL CHECK (client_phone <> ''),
	client_phone2    TEXT,
	client_phone3    TEXT,
	client_email     TEXT,
	client_job_title TEXT,
	company_name     TEXT,
	source           TEXT CHECK (source IN (%s)),
	stage            TEXT NOT NULL DEFAULT 'New Lead',
	is_sold          BOOLEAN NOT NULL DEFAULT false,
	budget           NUMERIC,
	feedback         TEXT,
	upload_user_id   TEXT,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_leads_project_id ON leads(project_id);
CREATE INDEX IF NOT EXISTS idx_leads_project_unsold ON leads(project_id) WHERE NOT is_sold;

CREATE TABLE IF NOT EXISTS uploads (
	id          TEXT PRIMARY KEY,
	project_id  TEXT NOT NULL,
	file_name   TEXT NOT NULL DEFAULT '',
	state       TEXT NOT NULL,
	total       INTEGER NOT NULL DEFAULT 0,
	success     INTEGER NOT NULL DEFAULT 0,
	failed      INTEGER NOT NULL DEFAULT 0,
	summary     JSONB,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	finished_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_uploads_project_id ON uploads(project_id);
CREATE INDEX IF NOT EXISTS idx_uploads_created_at ON uploads(created_at DESC);

CREATE TABLE IF NOT EXISTS failed_rows (
	id             TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	upload_id      TEXT NOT NULL,
	project_id     TEXT NOT NULL,
	lead           JSONB NOT NULL,
	error          TEXT NOT NULL,
	error_type     TEXT NOT NULL DEFAULT 'permanent',
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 3,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_failed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_failed_rows_upload_id ON failed_rows(upload_id);
CREATE INDEX IF NOT EXISTS idx_failed_rows_error_type ON failed_rows(error_type);
`, sourceCheck())

// Ping checks connectivity.
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

// --- Leads ---

func (s *PostgresStore) InsertLeads(ctx context.Context, leads []model.Lead) error {
	rows := make([][]any, len(leads))
	for i, l := range leads {
		rows[i] = l.Values()
	}
	_, err := db.CopyFrom(ctx, s.pool, "leads", model.LeadColumns, rows)
	return eris.Wrapf(err, "postgres: insert %d leads", len(leads))
}

func (s *PostgresStore) CountLeads(ctx context.Context, projectID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM leads WHERE project_id = $1`, projectID).Scan(&n)
	return n, eris.Wrapf(err, "postgres: count leads %s", projectID)
}

// --- Project counters ---

func (s *PostgresStore) ReadAvailableLeads(ctx context.Context, projectID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT available_leads FROM projects WHERE id = $1`, projectID).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, eris.Wrapf(ErrNotFound, "postgres: project %s", projectID)
	}
	return n, eris.Wrapf(err, "postgres: read available leads %s", projectID)
}

func (s *PostgresStore) WriteAvailableLeads(ctx context.Context, projectID string, value int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE projects SET available_leads = $1, updated_at = now() WHERE id = $2`,
		value, projectID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: write available leads %s", projectID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: project %s", projectID)
	}
	return nil
}

func (s *PostgresStore) IncrementAvailableLeads(ctx context.Context, projectID string, delta int) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`UPDATE projects SET available_leads = available_leads + $1, updated_at = now()
		 WHERE id = $2 RETURNING available_leads`,
		delta, projectID,
	).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, eris.Wrapf(ErrNotFound, "postgres: project %s", projectID)
	}
	return n, eris.Wrapf(err, "postgres: increment available leads %s", projectID)
}

// --- Projects ---

func (s *PostgresStore) UpsertProjects(ctx context.Context, projects []model.Project) (int64, error) {
	now := time.Now().UTC()
	rows := make([][]any, len(projects))
	for i, p := range projects {
		rows[i] = []any{p.ID, p.Name, nullString(p.Region), p.AvailableLeads, now}
	}
	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "projects",
		Columns:      []string{"id", "name", "region", "available_leads", "updated_at"},
		ConflictKeys: []string{"id"},
		UpdateCols:   []string{"name", "region", "updated_at"},
	}, rows)
	return n, eris.Wrap(err, "postgres: upsert projects")
}

func (s *PostgresStore) GetProject(ctx context.Context, id string) (*model.Project, error) {
	p, err := scanProject(s.pool.QueryRow(ctx,
		`SELECT id, name, region, available_leads, updated_at FROM projects WHERE id = $1`, id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: project %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get project %s", id)
	}
	return p, nil
}

func (s *PostgresStore) ListProjects(ctx context.Context) ([]model.Project, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, region, available_leads, updated_at FROM projects ORDER BY name, id`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list projects")
	}
	defer rows.Close()

	var out []model.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan project")
		}
		out = append(out, *p)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list projects iterate")
}

func scanProject(row pgx.Row) (*model.Project, error) {
	var p model.Project
	var region *string
	if err := row.Scan(&p.ID, &p.Name, &region, &p.AvailableLeads, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if region != nil {
		p.Region = *region
	}
	return &p, nil
}

// --- Upload history ---

const upsertUploadSQL = `INSERT INTO uploads
	 (id, project_id, file_name, state, total, success, failed, summary, created_at, finished_at)
	 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	 ON CONFLICT (id) DO UPDATE SET
	   state = $4, total = $5, success = $6, failed = $7, summary = $8, finished_at = $10`

func (s *PostgresStore) CreateUpload(ctx context.Context, rec model.UploadRecord) error {
	return eris.Wrapf(s.saveUpload(ctx, rec), "postgres: create upload %s", rec.ID)
}

func (s *PostgresStore) FinishUpload(ctx context.Context, rec model.UploadRecord) error {
	if rec.FinishedAt.IsZero() {
		rec.FinishedAt = time.Now().UTC()
	}
	return eris.Wrapf(s.saveUpload(ctx, rec), "postgres: finish upload %s", rec.ID)
}

func (s *PostgresStore) saveUpload(ctx context.Context, rec model.UploadRecord) error {
	summaryJSON, err := marshalSummary(rec.Summary)
	if err != nil {
		return err
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err = s.pool.Exec(ctx, upsertUploadSQL,
		rec.ID, rec.ProjectID, rec.FileName, string(rec.State),
		rec.Total, rec.Success, rec.Failed, summaryJSON,
		rec.CreatedAt, nullTime(rec.FinishedAt),
	)
	return err
}

const selectUploadSQL = `SELECT id, project_id, file_name, state, total, success, failed, summary, created_at, finished_at FROM uploads`

func (s *PostgresStore) GetUpload(ctx context.Context, id string) (*model.UploadRecord, error) {
	rec, err := scanUpload(s.pool.QueryRow(ctx, selectUploadSQL+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: upload %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get upload %s", id)
	}
	return rec, nil
}

func (s *PostgresStore) ListUploads(ctx context.Context, filter UploadFilter) ([]model.UploadRecord, error) {
	query := selectUploadSQL + ` WHERE true`
	args := []any{}
	argIdx := 1

	if filter.ProjectID != "" {
		query += fmt.Sprintf(` AND project_id = $%d`, argIdx)
		args = append(args, filter.ProjectID)
		argIdx++
	}
	if filter.State != "" {
		query += fmt.Sprintf(` AND state = $%d`, argIdx)
		args = append(args, string(filter.State))
		argIdx++
	}
	if !filter.CreatedAfter.IsZero() {
		query += fmt.Sprintf(` AND created_at > $%d`, argIdx)
		args = append(args, filter.CreatedAfter)
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list uploads")
	}
	defer rows.Close()

	var out []model.UploadRecord
	for rows.Next() {
		rec, err := scanUpload(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan upload")
		}
		out = append(out, *rec)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list uploads iterate")
}

func scanUpload(row pgx.Row) (*model.UploadRecord, error) {
	var rec model.UploadRecord
	var state string
	var summaryJSON []byte
	var finishedAt *time.Time
	if err := row.Scan(&rec.ID, &rec.ProjectID, &rec.FileName, &state,
		&rec.Total, &rec.Success, &rec.Failed, &summaryJSON, &rec.CreatedAt, &finishedAt); err != nil {
		return nil, err
	}
	rec.State = model.JobState(state)
	if finishedAt != nil {
		rec.FinishedAt = *finishedAt
	}
	if len(summaryJSON) > 0 {
		rec.Summary = &model.Summary{}
		if err := json.Unmarshal(summaryJSON, rec.Summary); err != nil {
			return nil, eris.Wrap(err, "unmarshal summary")
		}
	}
	return &rec, nil
}

// --- Failed rows ---

var failedRowColumns = []string{
	"id", "upload_id", "project_id", "lead", "error", "error_type",
	"retry_count", "max_retries", "created_at", "last_failed_at",
}

func (s *PostgresStore) EnqueueFailures(ctx context.Context, entries []resilience.DLQEntry) error {
	rows := make([][]any, 0, len(entries))
	for _, e := range entries {
		leadJSON, err := json.Marshal(e.Lead)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal failed lead")
		}
		if e.ID == "" {
			e.ID = uuid.New().String()
		}
		rows = append(rows, []any{
			e.ID, e.UploadID, e.ProjectID, leadJSON, e.Error, e.ErrorType,
			e.RetryCount, e.MaxRetries, e.CreatedAt, e.LastFailedAt,
		})
	}
	_, err := db.CopyFrom(ctx, s.pool, "failed_rows", failedRowColumns, rows)
	return eris.Wrap(err, "postgres: enqueue failures")
}

func (s *PostgresStore) ListFailures(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT id, upload_id, project_id, lead, error, error_type, retry_count, max_retries, created_at, last_failed_at
		FROM failed_rows WHERE true`
	args := []any{}
	argIdx := 1

	if filter.UploadID != "" {
		query += fmt.Sprintf(` AND upload_id = $%d`, argIdx)
		args = append(args, filter.UploadID)
		argIdx++
	}
	if filter.ErrorType != "" {
		query += fmt.Sprintf(` AND error_type = $%d`, argIdx)
		args = append(args, filter.ErrorType)
		argIdx++
	}
	query += ` ORDER BY created_at, (lead->>'row')::int, id`

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list failures")
	}
	defer rows.Close()

	var entries []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		var leadJSON []byte
		if err := rows.Scan(&e.ID, &e.UploadID, &e.ProjectID, &leadJSON, &e.Error, &e.ErrorType,
			&e.RetryCount, &e.MaxRetries, &e.CreatedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan failure")
		}
		if err := json.Unmarshal(leadJSON, &e.Lead); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal failed lead")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: list failures iterate")
}

func (s *PostgresStore) IncrementFailureRetry(ctx context.Context, id string, lastErr string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE failed_rows SET retry_count = retry_count + 1, error = $1, last_failed_at = now() WHERE id = $2`,
		lastErr, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: increment failure retry %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: failed row %s", id)
	}
	return nil
}

func (s *PostgresStore) RemoveFailure(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM failed_rows WHERE id = $1`, id)
	return eris.Wrapf(err, "postgres: remove failure %s", id)
}

func (s *PostgresStore) CountFailures(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM failed_rows`).Scan(&n)
	return n, eris.Wrap(err, "postgres: count failures")
}

// --- helpers ---

func marshalSummary(s *model.Summary) ([]byte, error) {
	if s == nil {
		return nil, nil
	}
	b, err := json.Marshal(s)
	return b, eris.Wrap(err, "marshal summary")
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
