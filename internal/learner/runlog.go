package learner

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/idresolve/internal/db"
)

// Run statuses recorded in company_learning_runs.
const (
	StatusRunning  = "running"
	StatusComplete = "complete"
	StatusSkipped  = "skipped"
	StatusFailed   = "failed"
)

// RunEntry is one row of company_learning_runs.
type RunEntry struct {
	ID          string     `json:"id"`
	Source      string     `json:"source"`
	Status      string     `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Watermark   *time.Time `json:"watermark,omitempty"`
	RowsScanned int64      `json:"rows_scanned"`
	Learned     int64      `json:"learned"`
	Error       string     `json:"error,omitempty"`
}

// RunLog records learner runs and the per-source watermark.
type RunLog interface {
	// LastWatermark returns the watermark of the latest complete run, or
	// nil when the source has never completed.
	LastWatermark(ctx context.Context, source string) (*time.Time, error)
	Start(ctx context.Context, source string) (string, error)
	Complete(ctx context.Context, runID string, watermark *time.Time, scanned, learned int64) error
	Skip(ctx context.Context, runID string, scanned int64) error
	Fail(ctx context.Context, runID, errMsg string) error
}

// PostgresRunLog implements RunLog on company_learning_runs.
type PostgresRunLog struct {
	pool db.Pool
}

// NewPostgresRunLog creates a PostgresRunLog.
func NewPostgresRunLog(pool db.Pool) *PostgresRunLog {
	return &PostgresRunLog{pool: pool}
}

// LastWatermark implements RunLog.
func (l *PostgresRunLog) LastWatermark(ctx context.Context, source string) (*time.Time, error) {
	var wm time.Time
	err := l.pool.QueryRow(ctx,
		`SELECT watermark FROM company_learning_runs
		 WHERE source_name = $1 AND status = 'complete' AND watermark IS NOT NULL
		 ORDER BY started_at DESC LIMIT 1`,
		source,
	).Scan(&wm)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "learner: last watermark for %s", source)
	}
	return &wm, nil
}

// Start records a running entry and returns its id.
func (l *PostgresRunLog) Start(ctx context.Context, source string) (string, error) {
	id := uuid.NewString()
	_, err := l.pool.Exec(ctx,
		`INSERT INTO company_learning_runs (id, source_name, status, started_at)
		 VALUES ($1, $2, 'running', now())`,
		id, source,
	)
	if err != nil {
		return "", eris.Wrapf(err, "learner: start run for %s", source)
	}
	return id, nil
}

// Complete marks a run complete and advances the watermark.
func (l *PostgresRunLog) Complete(ctx context.Context, runID string, watermark *time.Time, scanned, learned int64) error {
	_, err := l.pool.Exec(ctx,
		`UPDATE company_learning_runs
		 SET status = 'complete', completed_at = now(), watermark = $2, rows_scanned = $3, learned = $4
		 WHERE id = $1`,
		runID, watermark, scanned, learned,
	)
	return eris.Wrapf(err, "learner: complete run %s", runID)
}

// Skip marks a run skipped. The watermark does not move, so new rows keep
// accumulating toward the threshold.
func (l *PostgresRunLog) Skip(ctx context.Context, runID string, scanned int64) error {
	_, err := l.pool.Exec(ctx,
		`UPDATE company_learning_runs
		 SET status = 'skipped', completed_at = now(), rows_scanned = $2
		 WHERE id = $1`,
		runID, scanned,
	)
	return eris.Wrapf(err, "learner: skip run %s", runID)
}

// Fail marks a run failed.
func (l *PostgresRunLog) Fail(ctx context.Context, runID, errMsg string) error {
	_, err := l.pool.Exec(ctx,
		`UPDATE company_learning_runs
		 SET status = 'failed', completed_at = now(), error = $2
		 WHERE id = $1`,
		runID, errMsg,
	)
	return eris.Wrapf(err, "learner: fail run %s", runID)
}

// Recent lists the latest runs, newest first.
func (l *PostgresRunLog) Recent(ctx context.Context, limit int) ([]RunEntry, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT id, source_name, status, started_at, completed_at, watermark, rows_scanned, learned, error
		 FROM company_learning_runs ORDER BY started_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "learner: list runs")
	}
	defer rows.Close()

	var out []RunEntry
	for rows.Next() {
		var e RunEntry
		var errStr *string
		if err := rows.Scan(&e.ID, &e.Source, &e.Status, &e.StartedAt, &e.CompletedAt, &e.Watermark,
			&e.RowsScanned, &e.Learned, &errStr); err != nil {
			return nil, eris.Wrap(err, "learner: scan run")
		}
		if errStr != nil {
			e.Error = *errStr
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
