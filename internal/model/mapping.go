package model

import (
	"sort"
	"time"
)

// MappingEntry is one key -> company id association in the mapping store.
// (LookupKey, KeyClass) is unique.
type MappingEntry struct {
	ID           int64      `json:"id,omitempty"`
	LookupKey    string     `json:"lookup_key"`
	KeyClass     KeyClass   `json:"key_class"`
	CompanyID    string     `json:"company_id"`
	Confidence   float64    `json:"confidence"`
	Source       Source     `json:"source"`
	SourceDomain string     `json:"source_domain,omitempty"`
	HitCount     int        `json:"hit_count"`
	LastHitAt    *time.Time `json:"last_hit_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// MatchResult is the winning mapping entry for a looked-up key.
type MatchResult struct {
	CompanyID  string    `json:"company_id"`
	Confidence float64   `json:"confidence"`
	Source     Source    `json:"source"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Match converts an entry to a MatchResult.
func (e MappingEntry) Match() MatchResult {
	return MatchResult{
		CompanyID:  e.CompanyID,
		Confidence: e.Confidence,
		Source:     e.Source,
		UpdatedAt:  e.UpdatedAt,
	}
}

// Conflict is a write whose key matches an existing entry but whose company
// id disagrees. The existing entry stays authoritative.
type Conflict struct {
	LookupKey         string   `json:"lookup_key"`
	KeyClass          KeyClass `json:"key_class"`
	ExistingCompanyID string   `json:"existing_company_id"`
	NewCompanyID      string   `json:"new_company_id"`
	Source            Source   `json:"source,omitempty"`
}

// InsertReport is the outcome of a conflict-checked batch insert.
type InsertReport struct {
	Inserted  int        `json:"inserted"`
	Skipped   int        `json:"skipped"`
	Conflicts []Conflict `json:"conflicts,omitempty"`
}

// Add folds another report into r.
func (r *InsertReport) Add(other InsertReport) {
	r.Inserted += other.Inserted
	r.Skipped += other.Skipped
	r.Conflicts = append(r.Conflicts, other.Conflicts...)
}

// PickBest returns the highest-confidence, then most recently updated, entry
// per lookup key. Stores apply it when a read returns duplicates.
func PickBest(entries []MappingEntry) map[string]MatchResult {
	sorted := make([]MappingEntry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Confidence != sorted[j].Confidence {
			return sorted[i].Confidence > sorted[j].Confidence
		}
		return sorted[i].UpdatedAt.After(sorted[j].UpdatedAt)
	})

	out := make(map[string]MatchResult, len(sorted))
	for _, e := range sorted {
		if _, ok := out[e.LookupKey]; ok {
			continue
		}
		out[e.LookupKey] = e.Match()
	}
	return out
}

// DedupeEntries collapses a batch to one entry per (LookupKey, KeyClass).
// The first entry for a key wins; later entries with a different company id
// are reported as conflicts against it. Identical repeats keep the highest
// confidence.
func DedupeEntries(entries []MappingEntry) ([]MappingEntry, []Conflict) {
	type key struct {
		lookup string
		class  KeyClass
	}
	index := make(map[key]int, len(entries))
	out := make([]MappingEntry, 0, len(entries))
	var conflicts []Conflict

	for _, e := range entries {
		k := key{e.LookupKey, e.KeyClass}
		i, seen := index[k]
		if !seen {
			index[k] = len(out)
			out = append(out, e)
			continue
		}
		if out[i].CompanyID != e.CompanyID {
			conflicts = append(conflicts, Conflict{
				LookupKey:         e.LookupKey,
				KeyClass:          e.KeyClass,
				ExistingCompanyID: out[i].CompanyID,
				NewCompanyID:      e.CompanyID,
				Source:            e.Source,
			})
			continue
		}
		if e.Confidence > out[i].Confidence {
			out[i].Confidence = e.Confidence
		}
	}
	return out, conflicts
}
