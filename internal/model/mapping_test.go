package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPickBest(t *testing.T) {
	t.Parallel()

	older := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := older.Add(time.Hour)

	got := PickBest([]MappingEntry{
		{LookupKey: "a", CompanyID: "C1", Confidence: 0.8, UpdatedAt: newer},
		{LookupKey: "a", CompanyID: "C2", Confidence: 0.95, UpdatedAt: older},
		{LookupKey: "b", CompanyID: "C3", Confidence: 0.9, UpdatedAt: older},
		{LookupKey: "b", CompanyID: "C4", Confidence: 0.9, UpdatedAt: newer},
	})

	require.Len(t, got, 2)
	assert.Equal(t, "C2", got["a"].CompanyID)
	assert.Equal(t, "C4", got["b"].CompanyID)
}

func TestDedupeEntries(t *testing.T) {
	t.Parallel()

	entries := []MappingEntry{
		{LookupKey: "P1", KeyClass: KeyPlanCode, CompanyID: "C1", Confidence: 0.9},
		{LookupKey: "P1", KeyClass: KeyPlanCode, CompanyID: "C1", Confidence: 0.95},
		{LookupKey: "P1", KeyClass: KeyPlanCode, CompanyID: "C2", Confidence: 1.0, Source: SourceBackflow},
		{LookupKey: "P1", KeyClass: KeyAccountNumber, CompanyID: "C2", Confidence: 0.9},
	}

	out, conflicts := DedupeEntries(entries)
	require.Len(t, out, 2)
	assert.Equal(t, "C1", out[0].CompanyID)
	assert.InDelta(t, 0.95, out[0].Confidence, 1e-9)
	assert.Equal(t, KeyAccountNumber, out[1].KeyClass)

	require.Len(t, conflicts, 1)
	assert.Equal(t, Conflict{
		LookupKey:         "P1",
		KeyClass:          KeyPlanCode,
		ExistingCompanyID: "C1",
		NewCompanyID:      "C2",
		Source:            SourceBackflow,
	}, conflicts[0])
}

func TestInsertReport_Add(t *testing.T) {
	t.Parallel()

	r := InsertReport{Inserted: 1}
	r.Add(InsertReport{Inserted: 2, Skipped: 3, Conflicts: []Conflict{{LookupKey: "x"}}})
	assert.Equal(t, 3, r.Inserted)
	assert.Equal(t, 3, r.Skipped)
	assert.Len(t, r.Conflicts, 1)
}
