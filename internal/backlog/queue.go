// Package backlog is the durable queue of placeholder-id rows waiting for a
// real company id, plus the worker that drains it.
package backlog

import (
	"context"

	"github.com/sells-group/idresolve/internal/model"
)

// Queue persists backlog entries. At most one pending or processing entry
// exists per normalized name.
type Queue interface {
	// Enqueue adds pending entries, skipping names that already have an
	// active entry. It returns the number added.
	Enqueue(ctx context.Context, entries []model.BacklogEntry) (int, error)

	// Claim moves up to limit pending entries to processing, incrementing
	// their attempts, oldest first. Entries whose id is in skip are left
	// alone.
	Claim(ctx context.Context, limit int, skip ...int64) ([]model.BacklogEntry, error)

	// MarkDone records the resolved company id.
	MarkDone(ctx context.Context, id int64, companyID string) error

	// MarkRetry returns a processing entry to pending with an error note.
	MarkRetry(ctx context.Context, id int64, lastError string) error

	// MarkFailed gives up on an entry.
	MarkFailed(ctx context.Context, id int64, lastError string) error

	// Release returns a claimed entry to pending without counting the
	// attempt.
	Release(ctx context.Context, id int64) error

	// Counts returns the number of entries per status.
	Counts(ctx context.Context) (map[model.BacklogStatus]int, error)
}

// dedupe keeps the first entry per normalized name and drops entries with
// no name.
func dedupe(entries []model.BacklogEntry) []model.BacklogEntry {
	seen := make(map[string]struct{}, len(entries))
	out := make([]model.BacklogEntry, 0, len(entries))
	for _, e := range entries {
		if e.NormalizedName == "" || e.PlaceholderID == "" {
			continue
		}
		if _, ok := seen[e.NormalizedName]; ok {
			continue
		}
		seen[e.NormalizedName] = struct{}{}
		out = append(out, e)
	}
	return out
}
