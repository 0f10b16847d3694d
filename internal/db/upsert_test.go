package db

import (
	"context"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBulkUpsert_EmptyRows(t *testing.T) {
	n, err := BulkUpsert(context.Background(), nil, UpsertConfig{
		Table:        "company_mappings",
		Columns:      []string{"lookup_key", "key_class"},
		ConflictKeys: []string{"lookup_key", "key_class"},
	}, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestBulkUpsert_NoColumns(t *testing.T) {
	_, err := BulkUpsert(context.Background(), nil, UpsertConfig{
		Table:        "company_mappings",
		ConflictKeys: []string{"lookup_key"},
	}, [][]any{{"a", "b"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no columns specified")
}

func TestBulkUpsert_NoConflictKeys(t *testing.T) {
	_, err := BulkUpsert(context.Background(), nil, UpsertConfig{
		Table:   "company_mappings",
		Columns: []string{"lookup_key", "key_class"},
	}, [][]any{{"a", "b"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no conflict keys specified")
}

func TestBulkUpsert_DoNothing(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	cols := []string{"lookup_key", "key_class", "company_id"}
	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_tmp_stage_company_mappings"`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_stage_company_mappings"}, cols).WillReturnResult(2)
	mock.ExpectExec(`INSERT INTO "company_mappings" .* ON CONFLICT \("lookup_key", "key_class"\) DO NOTHING`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	n, err := BulkUpsert(context.Background(), mock, UpsertConfig{
		Table:        "company_mappings",
		Columns:      cols,
		ConflictKeys: []string{"lookup_key", "key_class"},
		DoNothing:    true,
	}, [][]any{{"P1", "plan_code", "C1"}, {"P2", "plan_code", "C2"}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkUpsert_CopyError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	cols := []string{"normalized_name"}
	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_stage_company_backlog"}, cols).WillReturnError(fmt.Errorf("permission denied"))
	mock.ExpectRollback()

	_, err = BulkUpsert(context.Background(), mock, UpsertConfig{
		Table:        "company_backlog",
		Columns:      cols,
		ConflictKeys: cols,
		DoNothing:    true,
	}, [][]any{{"ACME"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COPY into temp table for company_backlog")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertSQL(t *testing.T) {
	tests := []struct {
		name string
		cfg  UpsertConfig
		want string
	}{
		{
			name: "update_all_non_key",
			cfg: UpsertConfig{
				Table:        "t",
				Columns:      []string{"k", "v"},
				ConflictKeys: []string{"k"},
			},
			want: `INSERT INTO "t" ("k", "v") SELECT "k", "v" FROM tmp ON CONFLICT ("k") DO UPDATE SET "v" = EXCLUDED."v"`,
		},
		{
			name: "partial_index_do_nothing",
			cfg: UpsertConfig{
				Table:         "company_backlog",
				Columns:       []string{"normalized_name", "status"},
				ConflictKeys:  []string{"normalized_name"},
				ConflictWhere: "status IN ('pending','processing')",
				DoNothing:     true,
			},
			want: `INSERT INTO "company_backlog" ("normalized_name", "status") SELECT "normalized_name", "status" FROM tmp ON CONFLICT ("normalized_name") WHERE status IN ('pending','processing') DO NOTHING`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, UpsertSQL(tt.cfg, "tmp"))
		})
	}
}

func TestSanitizeTable(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"simple", `"simple"`},
		{"warehouse.annuity_plans", `"warehouse"."annuity_plans"`},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, SanitizeTable(tt.input))
		})
	}
}

func TestQuoteAndJoin(t *testing.T) {
	result := quoteAndJoin([]string{"id", "name", "value"})
	assert.Equal(t, `"id", "name", "value"`, result)
}
