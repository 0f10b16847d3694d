package backlog

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/idresolve/internal/db"
	"github.com/sells-group/idresolve/internal/model"
)

// PostgresQueue implements Queue on the company_backlog table.
type PostgresQueue struct {
	pool db.Pool
}

// NewPostgresQueue creates a PostgresQueue.
func NewPostgresQueue(pool db.Pool) *PostgresQueue {
	return &PostgresQueue{pool: pool}
}

// Enqueue stages entries and inserts them against the partial unique index
// on active names.
func (q *PostgresQueue) Enqueue(ctx context.Context, entries []model.BacklogEntry) (int, error) {
	entries = dedupe(entries)
	rows := make([][]any, len(entries))
	for i, e := range entries {
		rows[i] = []any{e.RawName, e.NormalizedName, e.PlaceholderID, string(model.BacklogPending)}
	}

	n, err := db.BulkUpsert(ctx, q.pool, db.UpsertConfig{
		Table:         "company_backlog",
		Columns:       []string{"raw_name", "normalized_name", "placeholder_id", "status"},
		ConflictKeys:  []string{"normalized_name"},
		ConflictWhere: "status IN ('pending', 'processing')",
		DoNothing:     true,
	}, rows)
	if err != nil {
		return 0, eris.Wrap(err, "backlog: enqueue")
	}
	return int(n), nil
}

// Claim locks pending rows with FOR UPDATE SKIP LOCKED so concurrent workers
// never claim the same entry.
func (q *PostgresQueue) Claim(ctx context.Context, limit int, skip ...int64) ([]model.BacklogEntry, error) {
	if limit <= 0 {
		return nil, nil
	}
	if skip == nil {
		skip = []int64{}
	}

	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "backlog: begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
		UPDATE company_backlog
		SET status = 'processing', attempts = attempts + 1, updated_at = now()
		WHERE id IN (
			SELECT id FROM company_backlog
			WHERE status = 'pending' AND id <> ALL($2::bigint[])
			ORDER BY created_at, id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, raw_name, normalized_name, placeholder_id, attempts, created_at`,
		limit, skip,
	)
	if err != nil {
		return nil, eris.Wrap(err, "backlog: claim rows")
	}

	var claimed []model.BacklogEntry
	for rows.Next() {
		e := model.BacklogEntry{Status: model.BacklogProcessing}
		if err := rows.Scan(&e.ID, &e.RawName, &e.NormalizedName, &e.PlaceholderID, &e.Attempts, &e.CreatedAt); err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "backlog: scan row")
		}
		claimed = append(claimed, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "backlog: iterate rows")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "backlog: commit claim")
	}
	return claimed, nil
}

// MarkDone records a resolution.
func (q *PostgresQueue) MarkDone(ctx context.Context, id int64, companyID string) error {
	_, err := q.pool.Exec(ctx, `
		UPDATE company_backlog
		SET status = 'done', resolved_company_id = $2, last_error = NULL, updated_at = now()
		WHERE id = $1`,
		id, companyID,
	)
	return eris.Wrapf(err, "backlog: mark done %d", id)
}

// MarkRetry returns an entry to pending.
func (q *PostgresQueue) MarkRetry(ctx context.Context, id int64, lastError string) error {
	_, err := q.pool.Exec(ctx, `
		UPDATE company_backlog
		SET status = 'pending', last_error = $2, updated_at = now()
		WHERE id = $1`,
		id, lastError,
	)
	return eris.Wrapf(err, "backlog: mark retry %d", id)
}

// MarkFailed gives up on an entry.
func (q *PostgresQueue) MarkFailed(ctx context.Context, id int64, lastError string) error {
	_, err := q.pool.Exec(ctx, `
		UPDATE company_backlog
		SET status = 'failed', last_error = $2, updated_at = now()
		WHERE id = $1`,
		id, lastError,
	)
	return eris.Wrapf(err, "backlog: mark failed %d", id)
}

// Release undoes a claim.
func (q *PostgresQueue) Release(ctx context.Context, id int64) error {
	_, err := q.pool.Exec(ctx, `
		UPDATE company_backlog
		SET status = 'pending', attempts = GREATEST(attempts - 1, 0), updated_at = now()
		WHERE id = $1 AND status = 'processing'`,
		id,
	)
	return eris.Wrapf(err, "backlog: release %d", id)
}

// Counts groups entries by status.
func (q *PostgresQueue) Counts(ctx context.Context) (map[model.BacklogStatus]int, error) {
	rows, err := q.pool.Query(ctx, `SELECT status, COUNT(*) FROM company_backlog GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "backlog: counts")
	}
	defer rows.Close()

	out := make(map[model.BacklogStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "backlog: scan count")
		}
		out[model.BacklogStatus(status)] = n
	}
	return out, eris.Wrap(rows.Err(), "backlog: iterate counts")
}
