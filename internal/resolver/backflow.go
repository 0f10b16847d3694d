package resolver

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/idresolve/internal/mapping"
	"github.com/sells-group/idresolve/internal/model"
)

// BackflowWriter feeds ids confirmed by tiers 2-4 back into the mapping
// store under every other key the row carries.
type BackflowWriter struct {
	store  mapping.Store
	domain string
}

// NewBackflowWriter creates a BackflowWriter tagging entries with domain.
func NewBackflowWriter(store mapping.Store, domain string) *BackflowWriter {
	return &BackflowWriter{store: store, domain: domain}
}

// Entries derives the mapping entries a batch contributes. Static hits,
// placeholders, hardcode keys, empty names and external results below the
// cache floor contribute nothing. For tier-2 hits the key that matched is
// already stored and is left out.
func (w *BackflowWriter) Entries(b *Batch) []model.MappingEntry {
	var out []model.MappingEntry
	for _, rec := range b.Records {
		var source model.Source
		switch rec.Tier {
		case model.TierMappingStore, model.TierExistingColumn:
			source = model.SourceBackflow
		case model.TierExternal:
			if b.notCacheable[rec] {
				continue
			}
			source = model.SourceExternalAPI
		default:
			continue
		}
		if rec.IsPlaceholder || rec.CompanyID == "" {
			continue
		}

		for _, kc := range model.BackflowClasses {
			if rec.Tier == model.TierMappingStore && kc == rec.MatchedClass {
				continue
			}
			key, ok := rec.LookupKey(kc)
			if !ok {
				continue
			}
			out = append(out, model.MappingEntry{
				LookupKey:    key,
				KeyClass:     kc,
				CompanyID:    rec.CompanyID,
				Confidence:   rec.Confidence,
				Source:       source,
				SourceDomain: w.domain,
			})
		}
	}
	return out
}

// Write stores the batch's entries in a single conflict-checked
// transaction. Conflicting entries never replace stored ones.
func (w *BackflowWriter) Write(ctx context.Context, b *Batch) (model.InsertReport, error) {
	entries := w.Entries(b)
	if len(entries) == 0 {
		return model.InsertReport{}, nil
	}
	report, err := w.store.InsertBatchWithConflictCheck(ctx, entries)
	if err != nil {
		return model.InsertReport{}, eris.Wrap(err, "resolver: backflow")
	}
	return report, nil
}
