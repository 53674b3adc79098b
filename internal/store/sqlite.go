package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/lead-ingest/internal/model"
	"github.com/sells-group/lead-ingest/internal/resilience"
)

// sqliteTime is fixed-width so stored timestamps sort lexically.
const sqliteTime = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// One writer at a time; lead inserts hold a transaction per call.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

var sqliteMigration = fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS projects (
	id              TEXT PRIMARY KEY,
	name            TEXT NOT NULL,
	region          TEXT,
	available_leads INTEGER NOT NULL DEFAULT 0,
	updated_at      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS leads (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
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
	is_sold          INTEGER NOT NULL DEFAULT 0,
	budget           REAL,
	feedback         TEXT,
	upload_user_id   TEXT,
	created_at       TEXT NOT NULL DEFAULT (strftime('%%Y-%%m-%%dT%%H:%%M:%%fZ', 'now'))
);

CREATE INDEX IF NOT EXISTS idx_leads_project_id ON leads(project_id);

CREATE TABLE IF NOT EXISTS uploads (
	id          TEXT PRIMARY KEY,
	project_id  TEXT NOT NULL,
	file_name   TEXT NOT NULL DEFAULT '',
	state       TEXT NOT NULL,
	total       INTEGER NOT NULL DEFAULT 0,
	success     INTEGER NOT NULL DEFAULT 0,
	failed      INTEGER NOT NULL DEFAULT 0,
	summary     TEXT,
	created_at  TEXT NOT NULL,
	finished_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_uploads_project_id ON uploads(project_id);
CREATE INDEX IF NOT EXISTS idx_uploads_created_at ON uploads(created_at);

CREATE TABLE IF NOT EXISTS failed_rows (
	id             TEXT PRIMARY KEY,
	upload_id      TEXT NOT NULL,
	project_id     TEXT NOT NULL,
	lead           TEXT NOT NULL,
	lead_row       INTEGER NOT NULL DEFAULT 0,
	error          TEXT NOT NULL,
	error_type     TEXT NOT NULL DEFAULT 'permanent',
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 3,
	created_at     TEXT NOT NULL,
	last_failed_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_failed_rows_upload_id ON failed_rows(upload_id);
`, sourceCheck())

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Leads ---

func (s *SQLiteStore) InsertLeads(ctx context.Context, leads []model.Lead) error {
	if len(leads) == 0 {
		return nil
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, insertLeadSQL)
		if err != nil {
			return err
		}
		defer stmt.Close() //nolint:errcheck

		for _, l := range leads {
			if _, err := stmt.ExecContext(ctx, l.Values()...); err != nil {
				return err
			}
		}
		return nil
	})
	return eris.Wrapf(err, "sqlite: insert %d leads", len(leads))
}

var insertLeadSQL = fmt.Sprintf(
	`INSERT INTO leads (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	strings.Join(model.LeadColumns, ", "),
)

func (s *SQLiteStore) CountLeads(ctx context.Context, projectID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM leads WHERE project_id = ?`, projectID).Scan(&n)
	return n, eris.Wrapf(err, "sqlite: count leads %s", projectID)
}

// --- Project counters ---

func (s *SQLiteStore) ReadAvailableLeads(ctx context.Context, projectID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT available_leads FROM projects WHERE id = ?`, projectID).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, eris.Wrapf(ErrNotFound, "sqlite: project %s", projectID)
	}
	return n, eris.Wrapf(err, "sqlite: read available leads %s", projectID)
}

func (s *SQLiteStore) WriteAvailableLeads(ctx context.Context, projectID string, value int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE projects SET available_leads = ?, updated_at = ? WHERE id = ?`,
		value, formatTime(time.Now()), projectID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: write available leads %s", projectID)
	}
	return checkRowsAffected(res, "project", projectID)
}

func (s *SQLiteStore) IncrementAvailableLeads(ctx context.Context, projectID string, delta int) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`UPDATE projects SET available_leads = available_leads + ?, updated_at = ?
		 WHERE id = ? RETURNING available_leads`,
		delta, formatTime(time.Now()), projectID,
	).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, eris.Wrapf(ErrNotFound, "sqlite: project %s", projectID)
	}
	return n, eris.Wrapf(err, "sqlite: increment available leads %s", projectID)
}

// --- Projects ---

func (s *SQLiteStore) UpsertProjects(ctx context.Context, projects []model.Project) (int64, error) {
	if len(projects) == 0 {
		return 0, nil
	}
	now := formatTime(time.Now())
	var n int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, p := range projects {
			res, err := tx.ExecContext(ctx,
				`INSERT INTO projects (id, name, region, available_leads, updated_at) VALUES (?, ?, ?, ?, ?)
				 ON CONFLICT (id) DO UPDATE SET name = excluded.name, region = excluded.region, updated_at = excluded.updated_at`,
				p.ID, p.Name, nullString(p.Region), p.AvailableLeads, now,
			)
			if err != nil {
				return eris.Wrapf(err, "project %s", p.ID)
			}
			affected, _ := res.RowsAffected()
			n += affected
		}
		return nil
	})
	return n, eris.Wrap(err, "sqlite: upsert projects")
}

func (s *SQLiteStore) GetProject(ctx context.Context, id string) (*model.Project, error) {
	p, err := scanSQLiteProject(s.db.QueryRowContext(ctx,
		`SELECT id, name, region, available_leads, updated_at FROM projects WHERE id = ?`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: project %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get project %s", id)
	}
	return p, nil
}

func (s *SQLiteStore) ListProjects(ctx context.Context) ([]model.Project, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, region, available_leads, updated_at FROM projects ORDER BY name, id`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list projects")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Project
	for rows.Next() {
		p, err := scanSQLiteProject(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan project")
		}
		out = append(out, *p)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list projects iterate")
}

func scanSQLiteProject(row scannable) (*model.Project, error) {
	var p model.Project
	var region sql.NullString
	var updated string
	if err := row.Scan(&p.ID, &p.Name, &region, &p.AvailableLeads, &updated); err != nil {
		return nil, err
	}
	p.Region = region.String
	p.UpdatedAt = parseTime(updated)
	return &p, nil
}

// --- Upload history ---

func (s *SQLiteStore) CreateUpload(ctx context.Context, rec model.UploadRecord) error {
	return eris.Wrapf(s.saveUpload(ctx, rec), "sqlite: create upload %s", rec.ID)
}

func (s *SQLiteStore) FinishUpload(ctx context.Context, rec model.UploadRecord) error {
	if rec.FinishedAt.IsZero() {
		rec.FinishedAt = time.Now().UTC()
	}
	return eris.Wrapf(s.saveUpload(ctx, rec), "sqlite: finish upload %s", rec.ID)
}

func (s *SQLiteStore) saveUpload(ctx context.Context, rec model.UploadRecord) error {
	summaryJSON, err := marshalSummary(rec.Summary)
	if err != nil {
		return err
	}
	var summary any
	if summaryJSON != nil {
		summary = string(summaryJSON)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	var finished any
	if !rec.FinishedAt.IsZero() {
		finished = formatTime(rec.FinishedAt)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO uploads (id, project_id, file_name, state, total, success, failed, summary, created_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   state = excluded.state, total = excluded.total, success = excluded.success,
		   failed = excluded.failed, summary = excluded.summary, finished_at = excluded.finished_at`,
		rec.ID, rec.ProjectID, rec.FileName, string(rec.State),
		rec.Total, rec.Success, rec.Failed, summary,
		formatTime(rec.CreatedAt), finished,
	)
	return err
}

const sqliteSelectUpload = `SELECT id, project_id, file_name, state, total, success, failed, summary, created_at, finished_at FROM uploads`

func (s *SQLiteStore) GetUpload(ctx context.Context, id string) (*model.UploadRecord, error) {
	rec, err := scanSQLiteUpload(s.db.QueryRowContext(ctx, sqliteSelectUpload+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: upload %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get upload %s", id)
	}
	return rec, nil
}

func (s *SQLiteStore) ListUploads(ctx context.Context, filter UploadFilter) ([]model.UploadRecord, error) {
	query := sqliteSelectUpload + ` WHERE 1=1`
	args := []any{}

	if filter.ProjectID != "" {
		query += ` AND project_id = ?`
		args = append(args, filter.ProjectID)
	}
	if filter.State != "" {
		query += ` AND state = ?`
		args = append(args, string(filter.State))
	}
	if !filter.CreatedAfter.IsZero() {
		query += ` AND created_at > ?`
		args = append(args, formatTime(filter.CreatedAfter))
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, max(filter.Offset, 0))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list uploads")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.UploadRecord
	for rows.Next() {
		rec, err := scanSQLiteUpload(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan upload")
		}
		out = append(out, *rec)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list uploads iterate")
}

func scanSQLiteUpload(row scannable) (*model.UploadRecord, error) {
	var rec model.UploadRecord
	var state, created string
	var summary, finished sql.NullString
	if err := row.Scan(&rec.ID, &rec.ProjectID, &rec.FileName, &state,
		&rec.Total, &rec.Success, &rec.Failed, &summary, &created, &finished); err != nil {
		return nil, err
	}
	rec.State = model.JobState(state)
	rec.CreatedAt = parseTime(created)
	if finished.Valid {
		rec.FinishedAt = parseTime(finished.String)
	}
	if summary.Valid && summary.String != "" {
		rec.Summary = &model.Summary{}
		if err := json.Unmarshal([]byte(summary.String), rec.Summary); err != nil {
			return nil, eris.Wrap(err, "unmarshal summary")
		}
	}
	return &rec, nil
}

// --- Failed rows ---

func (s *SQLiteStore) EnqueueFailures(ctx context.Context, entries []resilience.DLQEntry) error {
	if len(entries) == 0 {
		return nil
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, e := range entries {
			leadJSON, err := json.Marshal(e.Lead)
			if err != nil {
				return eris.Wrap(err, "marshal failed lead")
			}
			if e.ID == "" {
				e.ID = uuid.New().String()
			}
			_, err = tx.ExecContext(ctx,
				`INSERT INTO failed_rows
				 (id, upload_id, project_id, lead, lead_row, error, error_type, retry_count, max_retries, created_at, last_failed_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				e.ID, e.UploadID, e.ProjectID, string(leadJSON), e.Lead.Row, e.Error, e.ErrorType,
				e.RetryCount, e.MaxRetries, formatTime(e.CreatedAt), formatTime(e.LastFailedAt),
			)
			if err != nil {
				return err
			}
		}
		return nil
	})
	return eris.Wrap(err, "sqlite: enqueue failures")
}

func (s *SQLiteStore) ListFailures(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT id, upload_id, project_id, lead, error, error_type, retry_count, max_retries, created_at, last_failed_at
		FROM failed_rows WHERE 1=1`
	args := []any{}

	if filter.UploadID != "" {
		query += ` AND upload_id = ?`
		args = append(args, filter.UploadID)
	}
	if filter.ErrorType != "" {
		query += ` AND error_type = ?`
		args = append(args, filter.ErrorType)
	}
	query += ` ORDER BY created_at, lead_row, id LIMIT ?`
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list failures")
	}
	defer rows.Close() //nolint:errcheck

	var entries []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		var leadJSON, created, lastFailed string
		if err := rows.Scan(&e.ID, &e.UploadID, &e.ProjectID, &leadJSON, &e.Error, &e.ErrorType,
			&e.RetryCount, &e.MaxRetries, &created, &lastFailed); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan failure")
		}
		if err := json.Unmarshal([]byte(leadJSON), &e.Lead); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal failed lead")
		}
		e.CreatedAt = parseTime(created)
		e.LastFailedAt = parseTime(lastFailed)
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: list failures iterate")
}

func (s *SQLiteStore) IncrementFailureRetry(ctx context.Context, id string, lastErr string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE failed_rows SET retry_count = retry_count + 1, error = ?, last_failed_at = ? WHERE id = ?`,
		lastErr, formatTime(time.Now()), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: increment failure retry %s", id)
	}
	return checkRowsAffected(res, "failed row", id)
}

func (s *SQLiteStore) RemoveFailure(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM failed_rows WHERE id = ?`, id)
	return eris.Wrapf(err, "sqlite: remove failure %s", id)
}

func (s *SQLiteStore) CountFailures(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM failed_rows`).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count failures")
}

// --- helpers ---

func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "begin tx")
	}
	if err := fn(tx); err != nil {
		tx.Rollback() //nolint:errcheck
		return err
	}
	return eris.Wrap(tx.Commit(), "commit tx")
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

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTime)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(sqliteTime, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}
