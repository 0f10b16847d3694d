package mapping

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/idresolve/internal/model"
)

// sqliteLookupChunk keeps IN lists under SQLite's bound-parameter limit.
const sqliteLookupChunk = 500

// SQLiteStore implements Store on an embedded SQLite database, for local
// runs and tests.
type SQLiteStore struct {
	db  *sql.DB
	log *zap.Logger
}

// NewSQLiteStore wraps an open database. Call Migrate before use.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{
		db:  db,
		log: zap.L().With(zap.String("component", "mapping.sqlite")),
	}
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS company_mappings (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	lookup_key    TEXT NOT NULL,
	key_class     TEXT NOT NULL,
	company_id    TEXT NOT NULL,
	confidence    REAL NOT NULL,
	source        TEXT NOT NULL,
	source_domain TEXT,
	hit_count     INTEGER NOT NULL DEFAULT 0,
	last_hit_at   DATETIME,
	created_at    DATETIME NOT NULL,
	updated_at    DATETIME NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_company_mappings_key ON company_mappings(lookup_key, key_class);
CREATE INDEX IF NOT EXISTS idx_company_mappings_class_key ON company_mappings(key_class, lookup_key);

CREATE TABLE IF NOT EXISTS company_mapping_conflicts (
	id                  INTEGER PRIMARY KEY AUTOINCREMENT,
	lookup_key          TEXT NOT NULL,
	key_class           TEXT NOT NULL,
	existing_company_id TEXT NOT NULL,
	new_company_id      TEXT NOT NULL,
	source              TEXT NOT NULL,
	source_domain       TEXT,
	observed_at         DATETIME NOT NULL,
	reviewed            INTEGER NOT NULL DEFAULT 0
);
`

// Migrate creates the mapping tables.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate mappings")
}

// LookupBatch queries keys in chunks and keeps the best entry per key.
func (s *SQLiteStore) LookupBatch(ctx context.Context, kc model.KeyClass, keys []string) (map[string]model.MatchResult, error) {
	keys = uniqueKeys(keys)
	var entries []model.MappingEntry

	for start := 0; start < len(keys); start += sqliteLookupChunk {
		end := min(start+sqliteLookupChunk, len(keys))
		chunk := keys[start:end]

		args := make([]any, 0, len(chunk)+1)
		args = append(args, string(kc))
		for _, k := range chunk {
			args = append(args, k)
		}

		rows, err := s.db.QueryContext(ctx,
			`SELECT lookup_key, company_id, confidence, source, updated_at
			FROM company_mappings
			WHERE key_class = ? AND lookup_key IN (`+placeholders(len(chunk))+`)`,
			args...,
		)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: lookup batch %s", kc)
		}
		for rows.Next() {
			var e model.MappingEntry
			var source string
			if err := rows.Scan(&e.LookupKey, &e.CompanyID, &e.Confidence, &source, &e.UpdatedAt); err != nil {
				_ = rows.Close()
				return nil, eris.Wrap(err, "sqlite: scan lookup row")
			}
			e.Source = model.Source(source)
			entries = append(entries, e)
		}
		err = rows.Err()
		_ = rows.Close()
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: iterate lookup rows")
		}
	}

	return model.PickBest(entries), nil
}

// InsertBatch inserts entries with new keys.
func (s *SQLiteStore) InsertBatch(ctx context.Context, entries []model.MappingEntry) (int, error) {
	deduped, _, _ := prepare(entries)
	if len(deduped) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	inserted := 0
	for _, e := range deduped {
		n, err := insertIgnore(ctx, tx, e, now)
		if err != nil {
			return 0, err
		}
		inserted += n
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit")
	}
	return inserted, nil
}

// InsertBatchWithConflictCheck classifies each entry against the stored row
// inside one transaction.
func (s *SQLiteStore) InsertBatchWithConflictCheck(ctx context.Context, entries []model.MappingEntry) (model.InsertReport, error) {
	var report model.InsertReport
	deduped, batchConflicts, _ := prepare(entries)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return report, eris.Wrap(err, "sqlite: begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	var conflicts []model.Conflict
	raised := 0
	for _, e := range deduped {
		var existingID string
		var existingConf float64
		err := tx.QueryRowContext(ctx,
			`SELECT company_id, confidence FROM company_mappings WHERE lookup_key = ? AND key_class = ?`,
			e.LookupKey, string(e.KeyClass),
		).Scan(&existingID, &existingConf)

		switch {
		case errors.Is(err, sql.ErrNoRows):
			n, err := insertIgnore(ctx, tx, e, now)
			if err != nil {
				return report, err
			}
			report.Inserted += n
		case err != nil:
			return report, eris.Wrap(err, "sqlite: read existing mapping")
		case existingID == e.CompanyID:
			if e.Confidence > existingConf {
				if _, err := tx.ExecContext(ctx,
					`UPDATE company_mappings SET confidence = ?, updated_at = ? WHERE lookup_key = ? AND key_class = ?`,
					e.Confidence, now, e.LookupKey, string(e.KeyClass),
				); err != nil {
					return report, eris.Wrap(err, "sqlite: raise confidence")
				}
				raised++
			}
		default:
			conflicts = append(conflicts, model.Conflict{
				LookupKey:         e.LookupKey,
				KeyClass:          e.KeyClass,
				ExistingCompanyID: existingID,
				NewCompanyID:      e.CompanyID,
				Source:            e.Source,
			})
		}
	}

	conflicts = append(conflicts, batchConflicts...)
	for _, c := range conflicts {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO company_mapping_conflicts
				(lookup_key, key_class, existing_company_id, new_company_id, source, observed_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			c.LookupKey, string(c.KeyClass), c.ExistingCompanyID, c.NewCompanyID, string(c.Source), now,
		); err != nil {
			return report, eris.Wrap(err, "sqlite: record conflict")
		}
	}

	if err := tx.Commit(); err != nil {
		return report, eris.Wrap(err, "sqlite: commit")
	}

	report.Skipped = len(entries) - report.Inserted
	report.Conflicts = conflicts

	s.log.Info("backflow batch written",
		zap.Int("entries", len(entries)),
		zap.Int("inserted", report.Inserted),
		zap.Int("confidence_raised", raised),
		zap.Int("conflicts", len(conflicts)),
	)
	return report, nil
}

// RecordHits updates hit tracking for one key class.
func (s *SQLiteStore) RecordHits(ctx context.Context, kc model.KeyClass, keys []string) error {
	keys = uniqueKeys(keys)
	now := time.Now().UTC()
	for start := 0; start < len(keys); start += sqliteLookupChunk {
		end := min(start+sqliteLookupChunk, len(keys))
		chunk := keys[start:end]

		args := make([]any, 0, len(chunk)+2)
		args = append(args, now, string(kc))
		for _, k := range chunk {
			args = append(args, k)
		}
		if _, err := s.db.ExecContext(ctx,
			`UPDATE company_mappings SET hit_count = hit_count + 1, last_hit_at = ?
			WHERE key_class = ? AND lookup_key IN (`+placeholders(len(chunk))+`)`,
			args...,
		); err != nil {
			return eris.Wrapf(err, "sqlite: record hits %s", kc)
		}
	}
	return nil
}

// Get returns the stored entry for a key, for inspection and tests.
func (s *SQLiteStore) Get(ctx context.Context, kc model.KeyClass, key string) (*model.MappingEntry, error) {
	e := model.MappingEntry{LookupKey: key, KeyClass: kc}
	var source string
	var domain sql.NullString
	var lastHit sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, company_id, confidence, source, source_domain, hit_count, last_hit_at, created_at, updated_at
		FROM company_mappings WHERE lookup_key = ? AND key_class = ?`,
		key, string(kc),
	).Scan(&e.ID, &e.CompanyID, &e.Confidence, &source, &domain, &e.HitCount, &lastHit, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get mapping")
	}
	e.Source = model.Source(source)
	e.SourceDomain = domain.String
	if lastHit.Valid {
		e.LastHitAt = &lastHit.Time
	}
	return &e, nil
}

// Count returns the number of stored mappings.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM company_mappings`).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count mappings")
}

// ConflictCount returns the number of logged conflicts.
func (s *SQLiteStore) ConflictCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM company_mapping_conflicts`).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count conflicts")
}

func insertIgnore(ctx context.Context, tx *sql.Tx, e model.MappingEntry, now time.Time) (int, error) {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO company_mappings
			(lookup_key, key_class, company_id, confidence, source, source_domain, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (lookup_key, key_class) DO NOTHING`,
		e.LookupKey, string(e.KeyClass), e.CompanyID, e.Confidence, string(e.Source), nilIfEmpty(e.SourceDomain), now, now,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: insert mapping")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: rows affected")
	}
	return int(n), nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}
