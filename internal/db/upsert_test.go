package db

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var projectUpsert = UpsertConfig{
	Table:        "projects",
	Columns:      []string{"id", "name", "region"},
	ConflictKeys: []string{"id"},
}

func TestBulkUpsert_EmptyRowsSkipsPool(t *testing.T) {
	n, err := BulkUpsert(context.Background(), nil, projectUpsert, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestUpsertConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     UpsertConfig
		wantErr string
	}{
		{name: "ok", cfg: projectUpsert},
		{name: "no columns", cfg: UpsertConfig{Table: "projects", ConflictKeys: []string{"id"}}, wantErr: "no columns specified"},
		{name: "no keys", cfg: UpsertConfig{Table: "projects", Columns: []string{"id"}}, wantErr: "no conflict keys specified"},
		{
			name:    "key not a column",
			cfg:     UpsertConfig{Table: "projects", Columns: []string{"name"}, ConflictKeys: []string{"id"}},
			wantErr: `conflict key "id" is not a column`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestUpsertConfig_MergeSQL(t *testing.T) {
	tests := []struct {
		name   string
		update []string
		want   string
	}{
		{
			name: "default updates non-key columns",
			want: `INSERT INTO "projects" ("id", "name", "region") SELECT "id", "name", "region" FROM "_stage_projects" ` +
				`ON CONFLICT ("id") DO UPDATE SET "name" = EXCLUDED."name", "region" = EXCLUDED."region"`,
		},
		{
			name:   "explicit update columns",
			update: []string{"name"},
			want: `INSERT INTO "projects" ("id", "name", "region") SELECT "id", "name", "region" FROM "_stage_projects" ` +
				`ON CONFLICT ("id") DO UPDATE SET "name" = EXCLUDED."name"`,
		},
		{
			name:   "insert only",
			update: []string{},
			want: `INSERT INTO "projects" ("id", "name", "region") SELECT "id", "name", "region" FROM "_stage_projects" ` +
				`ON CONFLICT ("id") DO NOTHING`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := projectUpsert
			cfg.UpdateCols = tt.update
			assert.Equal(t, tt.want, cfg.mergeSQL())
		})
	}
}

func TestUpsertConfig_SchemaQualified(t *testing.T) {
	cfg := UpsertConfig{Table: "crm.projects", Columns: []string{"id"}, ConflictKeys: []string{"id"}}
	assert.Equal(t, pgx.Identifier{"_stage_crm_projects"}, cfg.stagingTable())
	assert.Contains(t, cfg.mergeSQL(), `INSERT INTO "crm"."projects"`)
	assert.Contains(t, cfg.mergeSQL(), "DO NOTHING")
}

func TestBulkUpsert_Success(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_stage_projects" \(LIKE "projects" INCLUDING DEFAULTS\) ON COMMIT DROP`).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_stage_projects"}, projectUpsert.Columns).WillReturnResult(2)
	mock.ExpectExec(`INSERT INTO "projects" .* ON CONFLICT \("id"\) DO UPDATE SET`).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	n, err := BulkUpsert(context.Background(), mock, projectUpsert,
		[][]any{{"p1", "Palm Hills", "west"}, {"p2", "Mivida", "east"}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkUpsert_FailuresRollBack(t *testing.T) {
	tests := []struct {
		name    string
		expect  func(m pgxmock.PgxPoolIface)
		wantErr string
	}{
		{
			name: "copy",
			expect: func(m pgxmock.PgxPoolIface) {
				m.ExpectExec(`CREATE TEMP TABLE`).WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
				m.ExpectCopyFrom(pgx.Identifier{"_stage_projects"}, projectUpsert.Columns).
					WillReturnError(errors.New("disk full"))
			},
			wantErr: "COPY staged rows for projects",
		},
		{
			name: "merge",
			expect: func(m pgxmock.PgxPoolIface) {
				m.ExpectExec(`CREATE TEMP TABLE`).WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
				m.ExpectCopyFrom(pgx.Identifier{"_stage_projects"}, projectUpsert.Columns).WillReturnResult(1)
				m.ExpectExec(`INSERT INTO "projects"`).WillReturnError(errors.New("deadlock detected"))
			},
			wantErr: "merge into projects",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock, err := pgxmock.NewPool()
			require.NoError(t, err)
			defer mock.Close()

			mock.ExpectBegin()
			tt.expect(mock)
			mock.ExpectRollback()

			_, err = BulkUpsert(context.Background(), mock, projectUpsert, [][]any{{"p1", "A", nil}})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestColumnList(t *testing.T) {
	assert.Equal(t, `"id", "name", "available_leads"`, columnList([]string{"id", "name", "available_leads"}))
}
