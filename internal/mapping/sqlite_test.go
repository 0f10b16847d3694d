package mapping

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/idresolve/internal/db"
	"github.com/sells-group/idresolve/internal/model"
)

func newSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	conn, err := db.OpenSQLite(filepath.Join(t.TempDir(), "mappings.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	s := NewSQLiteStore(conn)
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func entry(key string, kc model.KeyClass, id string, conf float64) model.MappingEntry {
	return model.MappingEntry{LookupKey: key, KeyClass: kc, CompanyID: id, Confidence: conf, Source: model.SourceBackflow}
}

func TestSQLiteInsertAndLookup(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)

	n, err := s.InsertBatch(ctx, []model.MappingEntry{
		entry("P1", model.KeyPlanCode, "C1", 0.9),
		entry("P2", model.KeyPlanCode, "C2", 0.95),
		entry("P1", model.KeyAccountNumber, "C9", 0.9),
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	got, err := s.LookupBatch(ctx, model.KeyPlanCode, []string{"P1", "P2", "P3"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "C1", got["P1"].CompanyID)
	assert.InDelta(t, 0.95, got["P2"].Confidence, 1e-9)
	assert.Equal(t, model.SourceBackflow, got["P2"].Source)
	assert.False(t, got["P2"].UpdatedAt.IsZero())
}

func TestSQLiteInsertBatch_Idempotent(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)
	batch := []model.MappingEntry{entry("P1", model.KeyPlanCode, "C1", 0.9)}

	n, err := s.InsertBatch(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.InsertBatch(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSQLiteConflictCheck_NeverOverwrites(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)

	_, err := s.InsertBatch(ctx, []model.MappingEntry{entry("ABC Corp", model.KeyCustomerName, "12345", 0.9)})
	require.NoError(t, err)

	report, err := s.InsertBatchWithConflictCheck(ctx, []model.MappingEntry{
		entry("ABC Corp", model.KeyCustomerName, "99999", 1.0),
		entry("XYZ Ltd", model.KeyCustomerName, "55555", 0.9),
	})
	require.NoError(t, err)

	assert.Equal(t, 1, report.Inserted)
	assert.Equal(t, 1, report.Skipped)
	require.Len(t, report.Conflicts, 1)
	assert.Equal(t, model.Conflict{
		LookupKey:         "ABC Corp",
		KeyClass:          model.KeyCustomerName,
		ExistingCompanyID: "12345",
		NewCompanyID:      "99999",
		Source:            model.SourceBackflow,
	}, report.Conflicts[0])

	got, err := s.Get(ctx, model.KeyCustomerName, "ABC Corp")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "12345", got.CompanyID)
	assert.InDelta(t, 0.9, got.Confidence, 1e-9)

	logged, err := s.ConflictCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, logged)
}

func TestSQLiteConflictCheck_RaisesNeverLowers(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)

	_, err := s.InsertBatch(ctx, []model.MappingEntry{entry("P1", model.KeyPlanCode, "C1", 0.85)})
	require.NoError(t, err)

	report, err := s.InsertBatchWithConflictCheck(ctx, []model.MappingEntry{entry("P1", model.KeyPlanCode, "C1", 0.95)})
	require.NoError(t, err)
	assert.Equal(t, 0, report.Inserted)
	assert.Empty(t, report.Conflicts)

	got, err := s.Get(ctx, model.KeyPlanCode, "P1")
	require.NoError(t, err)
	assert.InDelta(t, 0.95, got.Confidence, 1e-9)

	_, err = s.InsertBatchWithConflictCheck(ctx, []model.MappingEntry{entry("P1", model.KeyPlanCode, "C1", 0.5)})
	require.NoError(t, err)
	got, err = s.Get(ctx, model.KeyPlanCode, "P1")
	require.NoError(t, err)
	assert.InDelta(t, 0.95, got.Confidence, 1e-9)
}

func TestSQLiteConflictCheck_WithinBatch(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)

	report, err := s.InsertBatchWithConflictCheck(ctx, []model.MappingEntry{
		entry("A1", model.KeyAccountNumber, "C1", 0.9),
		entry("A1", model.KeyAccountNumber, "C2", 0.9),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Inserted)
	require.Len(t, report.Conflicts, 1)
	assert.Equal(t, "C1", report.Conflicts[0].ExistingCompanyID)

	got, err := s.Get(ctx, model.KeyAccountNumber, "A1")
	require.NoError(t, err)
	assert.Equal(t, "C1", got.CompanyID)
}

func TestSQLiteRecordHits(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)

	_, err := s.InsertBatch(ctx, []model.MappingEntry{entry("P1", model.KeyPlanCode, "C1", 0.9)})
	require.NoError(t, err)

	require.NoError(t, s.RecordHits(ctx, model.KeyPlanCode, []string{"P1", "P1", "missing"}))
	require.NoError(t, s.RecordHits(ctx, model.KeyPlanCode, []string{"P1"}))

	got, err := s.Get(ctx, model.KeyPlanCode, "P1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.HitCount)
	require.NotNil(t, got.LastHitAt)
}

func TestSQLiteLookupBatch_Chunked(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)

	const total = 1200
	entries := make([]model.MappingEntry, 0, total)
	keys := make([]string, 0, total)
	for i := 0; i < total; i++ {
		key := fmt.Sprintf("P%04d", i)
		keys = append(keys, key)
		entries = append(entries, entry(key, model.KeyPlanCode, fmt.Sprintf("C%d", i), 0.9))
	}
	n, err := s.InsertBatch(ctx, entries)
	require.NoError(t, err)
	assert.Equal(t, total, n)

	got, err := s.LookupBatch(ctx, model.KeyPlanCode, keys)
	require.NoError(t, err)
	assert.Len(t, got, total)
	assert.Equal(t, "C1199", got["P1199"].CompanyID)
}

func TestSQLiteGet_Missing(t *testing.T) {
	s := newSQLiteStore(t)
	got, err := s.Get(context.Background(), model.KeyPlanCode, "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, "", placeholders(0))
	assert.Equal(t, "?", placeholders(1))
	assert.Equal(t, "?, ?, ?", placeholders(3))
}
