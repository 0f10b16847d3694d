package backlog

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/idresolve/internal/db"
	"github.com/sells-group/idresolve/internal/mapping"
	"github.com/sells-group/idresolve/internal/model"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newSQLite(t *testing.T) (*SQLiteQueue, *mapping.SQLiteStore) {
	t.Helper()
	conn, err := db.OpenSQLite(filepath.Join(t.TempDir(), "idresolve.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	q := NewSQLiteQueue(conn)
	require.NoError(t, q.Migrate(context.Background()))
	s := mapping.NewSQLiteStore(conn)
	require.NoError(t, s.Migrate(context.Background()))
	return q, s
}

func pending(name, placeholder string) model.BacklogEntry {
	return model.BacklogEntry{RawName: " " + name + " ", NormalizedName: name, PlaceholderID: placeholder}
}

func TestSQLiteEnqueue_OneActivePerName(t *testing.T) {
	ctx := context.Background()
	q, _ := newSQLite(t)

	n, err := q.Enqueue(ctx, []model.BacklogEntry{
		pending("ABC Corp", "TMPAAAA"),
		pending("ABC Corp", "TMPAAAA"),
		pending("XYZ Ltd", "TMPBBBB"),
		{NormalizedName: "", PlaceholderID: "TMPCCCC"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = q.Enqueue(ctx, []model.BacklogEntry{pending("ABC Corp", "TMPAAAA")})
	require.NoError(t, err)
	assert.Equal(t, 0, n, "active entry already exists")

	got, err := q.Get(ctx, "ABC Corp")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.BacklogPending, got.Status)
	assert.Equal(t, "TMPAAAA", got.PlaceholderID)
	assert.Equal(t, " ABC Corp ", got.RawName)
}

func TestSQLiteEnqueue_AfterDoneAllowsNewEntry(t *testing.T) {
	ctx := context.Background()
	q, _ := newSQLite(t)

	_, err := q.Enqueue(ctx, []model.BacklogEntry{pending("ABC Corp", "TMPAAAA")})
	require.NoError(t, err)

	claimed, err := q.Claim(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, q.MarkDone(ctx, claimed[0].ID, "12345"))

	n, err := q.Enqueue(ctx, []model.BacklogEntry{pending("ABC Corp", "TMPAAAA")})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[model.BacklogDone])
	assert.Equal(t, 1, counts[model.BacklogPending])
}

func TestSQLiteClaim_Lifecycle(t *testing.T) {
	ctx := context.Background()
	q, _ := newSQLite(t)

	_, err := q.Enqueue(ctx, []model.BacklogEntry{pending("A", "TMP1"), pending("B", "TMP2"), pending("C", "TMP3")})
	require.NoError(t, err)

	claimed, err := q.Claim(ctx, 2)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, "A", claimed[0].NormalizedName)
	assert.Equal(t, 1, claimed[0].Attempts)
	assert.Equal(t, model.BacklogProcessing, claimed[0].Status)

	require.NoError(t, q.MarkRetry(ctx, claimed[0].ID, "no match"))
	require.NoError(t, q.MarkFailed(ctx, claimed[1].ID, "gave up"))

	a, err := q.Get(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, model.BacklogPending, a.Status)
	assert.Equal(t, "no match", a.LastError)
	assert.Equal(t, 1, a.Attempts)

	b, err := q.Get(ctx, "B")
	require.NoError(t, err)
	assert.Equal(t, model.BacklogFailed, b.Status)

	claimed, err = q.Claim(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2, "A returned to pending, C never claimed")

	require.NoError(t, q.Release(ctx, claimed[0].ID))
	released, err := q.Get(ctx, claimed[0].NormalizedName)
	require.NoError(t, err)
	assert.Equal(t, model.BacklogPending, released.Status)
	assert.Equal(t, claimed[0].Attempts-1, released.Attempts)
}

func TestSQLiteClaim_Skip(t *testing.T) {
	ctx := context.Background()
	q, _ := newSQLite(t)

	_, err := q.Enqueue(ctx, []model.BacklogEntry{pending("A", "TMP1"), pending("B", "TMP2"), pending("C", "TMP3")})
	require.NoError(t, err)

	first, err := q.Claim(ctx, 1)
	require.NoError(t, err)
	require.Len(t, first, 1)
	require.NoError(t, q.MarkRetry(ctx, first[0].ID, "no match"))

	claimed, err := q.Claim(ctx, 10, first[0].ID)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, "B", claimed[0].NormalizedName)
	assert.Equal(t, "C", claimed[1].NormalizedName)

	a, err := q.Get(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, model.BacklogPending, a.Status)
	assert.Equal(t, 1, a.Attempts)
}

func TestSQLiteClaim_ZeroLimit(t *testing.T) {
	q, _ := newSQLite(t)
	claimed, err := q.Claim(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}
