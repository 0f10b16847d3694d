package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// UpsertConfig defines the parameters for a bulk upsert operation.
type UpsertConfig struct {
	Table        string   // target table (e.g., "company_mappings")
	Columns      []string // all columns being inserted
	ConflictKeys []string // columns forming the unique constraint
	// ConflictWhere is the predicate of a partial unique index, without the
	// WHERE keyword (e.g., "status IN ('pending','processing')").
	ConflictWhere string
	// DoNothing skips conflicting rows instead of updating them.
	DoNothing  bool
	UpdateCols []string // columns to update on conflict; nil = all non-conflict columns
}

// Stage creates a transaction-scoped temp table shaped like target and COPYs
// rows into it. It returns the sanitized temp table name.
func Stage(ctx context.Context, tx Querier, target string, columns []string, rows [][]any) (string, error) {
	tempTable := fmt.Sprintf("_tmp_stage_%s", strings.ReplaceAll(target, ".", "_"))
	createSQL := fmt.Sprintf(
		"CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP",
		pgx.Identifier{tempTable}.Sanitize(),
		sanitizeTable(target),
	)
	if _, err := tx.Exec(ctx, createSQL); err != nil {
		return "", eris.Wrapf(err, "db: stage: create temp table for %s", target)
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{tempTable}, columns, pgx.CopyFromRows(rows)); err != nil {
		return "", eris.Wrapf(err, "db: stage: COPY into temp table for %s", target)
	}
	return pgx.Identifier{tempTable}.Sanitize(), nil
}

// BulkUpsert performs a bulk upsert via a temp table and INSERT ... ON CONFLICT.
//  1. Stages rows into a temp table with COPY
//  2. INSERT INTO target SELECT ... FROM temp ON CONFLICT (keys) DO UPDATE/NOTHING
//  3. Commits, dropping the temp table
func BulkUpsert(ctx context.Context, pool Pool, cfg UpsertConfig, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	if len(cfg.Columns) == 0 {
		return 0, eris.New("db: upsert: no columns specified")
	}
	if len(cfg.ConflictKeys) == 0 {
		return 0, eris.New("db: upsert: no conflict keys specified")
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "db: upsert: begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	temp, err := Stage(ctx, tx, cfg.Table, cfg.Columns, rows)
	if err != nil {
		return 0, err
	}

	tag, err := tx.Exec(ctx, UpsertSQL(cfg, temp))
	if err != nil {
		return 0, eris.Wrapf(err, "db: upsert: INSERT ON CONFLICT for %s", cfg.Table)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "db: upsert: commit tx")
	}

	return tag.RowsAffected(), nil
}

// UpsertSQL renders the INSERT ... SELECT ... ON CONFLICT statement that moves
// rows from a staged table into cfg.Table.
func UpsertSQL(cfg UpsertConfig, from string) string {
	colList := quoteAndJoin(cfg.Columns)
	conflict := "(" + quoteAndJoin(cfg.ConflictKeys) + ")"
	if cfg.ConflictWhere != "" {
		conflict += " WHERE " + cfg.ConflictWhere
	}

	action := "DO NOTHING"
	if !cfg.DoNothing {
		updateCols := cfg.UpdateCols
		if updateCols == nil {
			conflictSet := make(map[string]bool, len(cfg.ConflictKeys))
			for _, k := range cfg.ConflictKeys {
				conflictSet[k] = true
			}
			for _, c := range cfg.Columns {
				if !conflictSet[c] {
					updateCols = append(updateCols, c)
				}
			}
		}
		setClauses := make([]string, 0, len(updateCols))
		for _, col := range updateCols {
			setClauses = append(setClauses, fmt.Sprintf("%s = EXCLUDED.%s", pgx.Identifier{col}.Sanitize(), pgx.Identifier{col}.Sanitize()))
		}
		action = "DO UPDATE SET " + strings.Join(setClauses, ", ")
	}

	return fmt.Sprintf(
		"INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT %s %s",
		sanitizeTable(cfg.Table),
		colList,
		colList,
		from,
		conflict,
		action,
	)
}

// sanitizeTable handles schema-qualified table names like "warehouse.annuity_plans".
func sanitizeTable(table string) string {
	parts := strings.SplitN(table, ".", 2)
	if len(parts) == 2 {
		return pgx.Identifier{parts[0], parts[1]}.Sanitize()
	}
	return pgx.Identifier{table}.Sanitize()
}

// SanitizeTable is the exported form of sanitizeTable for callers that build
// their own statements against configured table names.
func SanitizeTable(table string) string {
	return sanitizeTable(table)
}

// quoteAndJoin quotes each column name and joins with commas.
func quoteAndJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
