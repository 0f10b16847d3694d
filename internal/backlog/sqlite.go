package backlog

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/idresolve/internal/model"
)

// SQLiteQueue implements Queue on SQLite. SQLite serializes writers, so a
// transactional select-then-update is a safe claim.
type SQLiteQueue struct {
	db *sql.DB
}

// NewSQLiteQueue wraps an open database. Call Migrate before use.
func NewSQLiteQueue(db *sql.DB) *SQLiteQueue {
	return &SQLiteQueue{db: db}
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS company_backlog (
	id                  INTEGER PRIMARY KEY AUTOINCREMENT,
	raw_name            TEXT NOT NULL,
	normalized_name     TEXT NOT NULL,
	placeholder_id      TEXT NOT NULL,
	status              TEXT NOT NULL DEFAULT 'pending',
	attempts            INTEGER NOT NULL DEFAULT 0,
	last_error          TEXT,
	resolved_company_id TEXT,
	created_at          DATETIME NOT NULL,
	updated_at          DATETIME NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_company_backlog_active
	ON company_backlog(normalized_name)
	WHERE status IN ('pending', 'processing');
CREATE INDEX IF NOT EXISTS idx_company_backlog_status ON company_backlog(status, created_at);
`

// Migrate creates the backlog table.
func (q *SQLiteQueue) Migrate(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate backlog")
}

// Enqueue inserts entries, ignoring names that already have an active entry.
func (q *SQLiteQueue) Enqueue(ctx context.Context, entries []model.BacklogEntry) (int, error) {
	entries = dedupe(entries)
	if len(entries) == 0 {
		return 0, nil
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "backlog: begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	added := 0
	for _, e := range entries {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO company_backlog (raw_name, normalized_name, placeholder_id, status, created_at, updated_at)
			VALUES (?, ?, ?, 'pending', ?, ?)
			ON CONFLICT (normalized_name) WHERE status IN ('pending', 'processing') DO NOTHING`,
			e.RawName, e.NormalizedName, e.PlaceholderID, now, now,
		)
		if err != nil {
			return 0, eris.Wrap(err, "backlog: enqueue")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, eris.Wrap(err, "backlog: rows affected")
		}
		added += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "backlog: commit enqueue")
	}
	return added, nil
}

// Claim moves the oldest pending entries to processing.
func (q *SQLiteQueue) Claim(ctx context.Context, limit int, skip ...int64) ([]model.BacklogEntry, error) {
	if limit <= 0 {
		return nil, nil
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "backlog: begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	query := `SELECT id, raw_name, normalized_name, placeholder_id, attempts, created_at
		FROM company_backlog
		WHERE status = 'pending'`
	args := make([]any, 0, len(skip)+1)
	if len(skip) > 0 {
		query += ` AND id NOT IN (?` + strings.Repeat(", ?", len(skip)-1) + `)`
		for _, id := range skip {
			args = append(args, id)
		}
	}
	query += ` ORDER BY created_at, id LIMIT ?`
	args = append(args, limit)

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "backlog: claim rows")
	}

	var claimed []model.BacklogEntry
	for rows.Next() {
		e := model.BacklogEntry{Status: model.BacklogProcessing}
		if err := rows.Scan(&e.ID, &e.RawName, &e.NormalizedName, &e.PlaceholderID, &e.Attempts, &e.CreatedAt); err != nil {
			_ = rows.Close()
			return nil, eris.Wrap(err, "backlog: scan row")
		}
		e.Attempts++
		claimed = append(claimed, e)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "backlog: iterate rows")
	}

	now := time.Now().UTC()
	for _, e := range claimed {
		if _, err := tx.ExecContext(ctx,
			`UPDATE company_backlog SET status = 'processing', attempts = attempts + 1, updated_at = ? WHERE id = ?`,
			now, e.ID,
		); err != nil {
			return nil, eris.Wrap(err, "backlog: mark processing")
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "backlog: commit claim")
	}
	return claimed, nil
}

// MarkDone records a resolution.
func (q *SQLiteQueue) MarkDone(ctx context.Context, id int64, companyID string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE company_backlog SET status = 'done', resolved_company_id = ?, last_error = NULL, updated_at = ? WHERE id = ?`,
		companyID, time.Now().UTC(), id,
	)
	return eris.Wrapf(err, "backlog: mark done %d", id)
}

// MarkRetry returns an entry to pending.
func (q *SQLiteQueue) MarkRetry(ctx context.Context, id int64, lastError string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE company_backlog SET status = 'pending', last_error = ?, updated_at = ? WHERE id = ?`,
		lastError, time.Now().UTC(), id,
	)
	return eris.Wrapf(err, "backlog: mark retry %d", id)
}

// MarkFailed gives up on an entry.
func (q *SQLiteQueue) MarkFailed(ctx context.Context, id int64, lastError string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE company_backlog SET status = 'failed', last_error = ?, updated_at = ? WHERE id = ?`,
		lastError, time.Now().UTC(), id,
	)
	return eris.Wrapf(err, "backlog: mark failed %d", id)
}

// Release undoes a claim.
func (q *SQLiteQueue) Release(ctx context.Context, id int64) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE company_backlog SET status = 'pending', attempts = MAX(attempts - 1, 0), updated_at = ?
		WHERE id = ? AND status = 'processing'`,
		time.Now().UTC(), id,
	)
	return eris.Wrapf(err, "backlog: release %d", id)
}

// Counts groups entries by status.
func (q *SQLiteQueue) Counts(ctx context.Context) (map[model.BacklogStatus]int, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM company_backlog GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "backlog: counts")
	}
	defer rows.Close() //nolint:errcheck

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

// Get returns one entry by normalized name, most recent first. Used by
// tests and operators.
func (q *SQLiteQueue) Get(ctx context.Context, normalizedName string) (*model.BacklogEntry, error) {
	e := model.BacklogEntry{NormalizedName: normalizedName}
	var status string
	var lastErr, resolved sql.NullString
	err := q.db.QueryRowContext(ctx, `
		SELECT id, raw_name, placeholder_id, status, attempts, last_error, resolved_company_id, created_at, updated_at
		FROM company_backlog WHERE normalized_name = ?
		ORDER BY id DESC LIMIT 1`,
		normalizedName,
	).Scan(&e.ID, &e.RawName, &e.PlaceholderID, &status, &e.Attempts, &lastErr, &resolved, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "backlog: get")
	}
	e.Status = model.BacklogStatus(status)
	e.LastError = lastErr.String
	e.ResolvedCompanyID = resolved.String
	return &e, nil
}
