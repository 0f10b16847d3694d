package mapping

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/idresolve/internal/db"
	"github.com/sells-group/idresolve/internal/model"
)

const mappingTable = "company_mappings"

// PostgresStore implements Store using pgx.
type PostgresStore struct {
	pool db.Pool
	log  *zap.Logger
}

// NewPostgresStore creates a PostgresStore.
func NewPostgresStore(pool db.Pool) *PostgresStore {
	return &PostgresStore{
		pool: pool,
		log:  zap.L().With(zap.String("component", "mapping.postgres")),
	}
}

// LookupBatch returns the best entry per key: highest confidence, then most
// recently updated.
func (s *PostgresStore) LookupBatch(ctx context.Context, kc model.KeyClass, keys []string) (map[string]model.MatchResult, error) {
	keys = uniqueKeys(keys)
	out := make(map[string]model.MatchResult, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT ON (lookup_key)
			lookup_key, company_id, confidence, source, updated_at
		FROM company_mappings
		WHERE key_class = $1 AND lookup_key = ANY($2)
		ORDER BY lookup_key, confidence DESC, updated_at DESC`,
		string(kc), keys,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "mapping: lookup batch %s", kc)
	}
	defer rows.Close()

	for rows.Next() {
		var key, source string
		var m model.MatchResult
		if err := rows.Scan(&key, &m.CompanyID, &m.Confidence, &source, &m.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "mapping: scan lookup row")
		}
		m.Source = model.Source(source)
		out[key] = m
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "mapping: iterate lookup rows")
	}

	s.log.Debug("lookup batch",
		zap.String("key_class", string(kc)),
		zap.Int("keys", len(keys)),
		zap.Int("hits", len(out)),
	)
	return out, nil
}

// InsertBatch stages entries and inserts the ones with new keys.
func (s *PostgresStore) InsertBatch(ctx context.Context, entries []model.MappingEntry) (int, error) {
	deduped, _, _ := prepare(entries)
	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        mappingTable,
		Columns:      insertColumns,
		ConflictKeys: []string{"lookup_key", "key_class"},
		DoNothing:    true,
	}, entryRows(deduped))
	if err != nil {
		return 0, eris.Wrap(err, "mapping: insert batch")
	}
	return int(n), nil
}

// InsertBatchWithConflictCheck runs the staged insert, confidence raise and
// conflict classification in one transaction. Conflicts are read after the
// insert, so a disagreeing row committed by a concurrent writer between
// staging and insert is still reported rather than silently skipped.
func (s *PostgresStore) InsertBatchWithConflictCheck(ctx context.Context, entries []model.MappingEntry) (model.InsertReport, error) {
	var report model.InsertReport
	deduped, batchConflicts, _ := prepare(entries)
	if len(deduped) == 0 {
		report.Skipped = len(entries)
		report.Conflicts = batchConflicts
		return report, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return report, eris.Wrap(err, "mapping: begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	stage, err := db.Stage(ctx, tx, mappingTable, insertColumns, entryRows(deduped))
	if err != nil {
		return report, eris.Wrap(err, "mapping: stage entries")
	}

	tag, err := tx.Exec(ctx, db.UpsertSQL(db.UpsertConfig{
		Table:        mappingTable,
		Columns:      insertColumns,
		ConflictKeys: []string{"lookup_key", "key_class"},
		DoNothing:    true,
	}, stage))
	if err != nil {
		return report, eris.Wrap(err, "mapping: insert staged entries")
	}

	raised, err := tx.Exec(ctx, `
		UPDATE company_mappings m
		SET confidence = s.confidence, updated_at = now()
		FROM `+stage+` s
		WHERE m.lookup_key = s.lookup_key
		  AND m.key_class = s.key_class
		  AND m.company_id = s.company_id
		  AND s.confidence > m.confidence`)
	if err != nil {
		return report, eris.Wrap(err, "mapping: raise confidence")
	}

	conflicts, err := recordStoredConflicts(ctx, tx, stage)
	if err != nil {
		return report, err
	}

	if len(batchConflicts) > 0 {
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"company_mapping_conflicts"}, conflictColumns,
			pgx.CopyFromRows(conflictRows(batchConflicts))); err != nil {
			return report, eris.Wrap(err, "mapping: record batch conflicts")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return report, eris.Wrap(err, "mapping: commit")
	}

	report.Inserted = int(tag.RowsAffected())
	report.Skipped = len(entries) - report.Inserted
	report.Conflicts = append(conflicts, batchConflicts...)

	s.log.Info("backflow batch written",
		zap.Int("entries", len(entries)),
		zap.Int("inserted", report.Inserted),
		zap.Int64("confidence_raised", raised.RowsAffected()),
		zap.Int("conflicts", len(report.Conflicts)),
	)
	return report, nil
}

// recordStoredConflicts copies staged entries that disagree with stored
// ones into the conflict log and returns them.
func recordStoredConflicts(ctx context.Context, tx pgx.Tx, stage string) ([]model.Conflict, error) {
	rows, err := tx.Query(ctx, `
		INSERT INTO company_mapping_conflicts
			(lookup_key, key_class, existing_company_id, new_company_id, source, source_domain)
		SELECT s.lookup_key, s.key_class, m.company_id, s.company_id, s.source, s.source_domain
		FROM `+stage+` s
		JOIN company_mappings m ON m.lookup_key = s.lookup_key AND m.key_class = s.key_class
		WHERE m.company_id <> s.company_id
		RETURNING lookup_key, key_class, existing_company_id, new_company_id, source`)
	if err != nil {
		return nil, eris.Wrap(err, "mapping: record conflicts")
	}
	defer rows.Close()

	var conflicts []model.Conflict
	for rows.Next() {
		var c model.Conflict
		var kc, source string
		if err := rows.Scan(&c.LookupKey, &kc, &c.ExistingCompanyID, &c.NewCompanyID, &source); err != nil {
			return nil, eris.Wrap(err, "mapping: scan conflict")
		}
		c.KeyClass = model.KeyClass(kc)
		c.Source = model.Source(source)
		conflicts = append(conflicts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "mapping: iterate conflicts")
	}
	return conflicts, nil
}

// RecordHits updates hit tracking for one key class in one statement.
func (s *PostgresStore) RecordHits(ctx context.Context, kc model.KeyClass, keys []string) error {
	keys = uniqueKeys(keys)
	if len(keys) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE company_mappings
		SET hit_count = hit_count + 1, last_hit_at = now()
		WHERE key_class = $1 AND lookup_key = ANY($2)`,
		string(kc), keys,
	)
	return eris.Wrapf(err, "mapping: record hits %s", kc)
}

func entryRows(entries []model.MappingEntry) [][]any {
	rows := make([][]any, len(entries))
	for i, e := range entries {
		rows[i] = []any{
			e.LookupKey, string(e.KeyClass), e.CompanyID, e.Confidence, string(e.Source), nilIfEmpty(e.SourceDomain),
		}
	}
	return rows
}

func conflictRows(conflicts []model.Conflict) [][]any {
	rows := make([][]any, len(conflicts))
	for i, c := range conflicts {
		rows[i] = []any{
			c.LookupKey, string(c.KeyClass), c.ExistingCompanyID, c.NewCompanyID, string(c.Source), nil,
		}
	}
	return rows
}
