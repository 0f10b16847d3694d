// Package mapping persists the key -> company id cache consulted by tier 2
// and filled by backflow and domain learning.
//
// Stores never log lookup keys or company ids; only counts.
package mapping

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/idresolve/internal/model"
)

// Store is the mapping cache.
type Store interface {
	// LookupBatch resolves many keys of one class in a single round trip.
	// Absent keys are absent from the result.
	LookupBatch(ctx context.Context, kc model.KeyClass, keys []string) (map[string]model.MatchResult, error)

	// InsertBatch inserts entries whose (lookup_key, key_class) is new and
	// returns the number inserted. Existing keys are left untouched.
	InsertBatch(ctx context.Context, entries []model.MappingEntry) (int, error)

	// InsertBatchWithConflictCheck inserts new keys, raises the confidence
	// of identical existing entries, and reports (and logs to the conflict
	// table) entries whose company id disagrees with the stored one. It runs
	// in one transaction.
	InsertBatchWithConflictCheck(ctx context.Context, entries []model.MappingEntry) (model.InsertReport, error)

	// RecordHits bumps hit_count and last_hit_at for matched keys.
	RecordHits(ctx context.Context, kc model.KeyClass, keys []string) error
}

// Columns staged for inserts, in order.
var insertColumns = []string{
	"lookup_key", "key_class", "company_id", "confidence", "source", "source_domain",
}

var conflictColumns = []string{
	"lookup_key", "key_class", "existing_company_id", "new_company_id", "source", "source_domain",
}

// prepare drops invalid entries and collapses duplicates. Dropped entries
// are counted as skipped by callers.
func prepare(entries []model.MappingEntry) ([]model.MappingEntry, []model.Conflict, int) {
	valid := make([]model.MappingEntry, 0, len(entries))
	invalid := 0
	for _, e := range entries {
		if e.LookupKey == "" || e.CompanyID == "" || !e.KeyClass.Valid() || !e.Source.Valid() ||
			e.Confidence < 0 || e.Confidence > 1 {
			invalid++
			continue
		}
		valid = append(valid, e)
	}
	if invalid > 0 {
		zap.L().Warn("mapping: dropped invalid entries", zap.Int("count", invalid))
	}
	deduped, conflicts := model.DedupeEntries(valid)
	return deduped, conflicts, invalid
}

func uniqueKeys(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
