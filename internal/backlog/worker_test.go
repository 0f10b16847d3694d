package backlog

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/idresolve/internal/lookup"
	"github.com/sells-group/idresolve/internal/model"
)

// fakeLookup answers from a fixed table and spends one unit of budget per
// call.
type fakeLookup struct {
	mu      sync.Mutex
	answers map[string]lookup.Candidate
	budget  int
	calls   []string
}

func (f *fakeLookup) Lookup(_ context.Context, name string) (lookup.Candidate, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.budget <= 0 {
		return lookup.Candidate{}, false
	}
	f.budget--
	f.calls = append(f.calls, name)
	c, ok := f.answers[name]
	return c, ok
}

func (f *fakeLookup) Available() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.budget > 0
}

func TestWorker_ProcessBatch(t *testing.T) {
	ctx := context.Background()
	q, store := newSQLite(t)

	_, err := q.Enqueue(ctx, []model.BacklogEntry{
		pending("ABC Corp", "TMP1"),
		pending("Low Conf", "TMP2"),
		pending("Unknown", "TMP3"),
	})
	require.NoError(t, err)

	lk := &fakeLookup{budget: 10, answers: map[string]lookup.Candidate{
		"ABC Corp": {CompanyID: "12345", Confidence: 1.0, Cacheable: true},
		"Low Conf": {CompanyID: "777", Confidence: 0.6, Cacheable: false},
	}}
	w := NewWorker(q, lk, store, WorkerConfig{BatchSize: 10, MaxAttempts: 2})

	res, err := w.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Claimed: 3, Resolved: 2, Retried: 1, Learned: 1}, res)

	abc, err := q.Get(ctx, "ABC Corp")
	require.NoError(t, err)
	assert.Equal(t, model.BacklogDone, abc.Status)
	assert.Equal(t, "12345", abc.ResolvedCompanyID)

	m, err := store.Get(ctx, model.KeyCustomerName, "ABC Corp")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, model.SourceExternalAPI, m.Source)

	low, err := store.Get(ctx, model.KeyCustomerName, "Low Conf")
	require.NoError(t, err)
	assert.Nil(t, low, "below the cache floor")

	res, err = w.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Claimed: 1, Failed: 1}, res)

	unknown, err := q.Get(ctx, "Unknown")
	require.NoError(t, err)
	assert.Equal(t, model.BacklogFailed, unknown.Status)
	assert.Contains(t, unknown.LastError, "2 attempts")
}

func TestWorker_BudgetExhaustedReleases(t *testing.T) {
	ctx := context.Background()
	q, store := newSQLite(t)

	_, err := q.Enqueue(ctx, []model.BacklogEntry{pending("A", "TMP1"), pending("B", "TMP2"), pending("C", "TMP3")})
	require.NoError(t, err)

	lk := &fakeLookup{budget: 1, answers: map[string]lookup.Candidate{}}
	w := NewWorker(q, lk, store, WorkerConfig{BatchSize: 10, MaxAttempts: 5})

	res, err := w.Drain(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Claimed)
	assert.Equal(t, 1, res.Retried)
	assert.Equal(t, 2, res.Released)
	assert.Len(t, lk.calls, 1)

	b, err := q.Get(ctx, "B")
	require.NoError(t, err)
	assert.Equal(t, model.BacklogPending, b.Status)
	assert.Equal(t, 0, b.Attempts)

	res, err = w.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, BatchResult{}, res, "no budget, nothing claimed")
}

func TestWorker_DrainRespectsLimit(t *testing.T) {
	ctx := context.Background()
	q, store := newSQLite(t)

	_, err := q.Enqueue(ctx, []model.BacklogEntry{pending("A", "TMP1"), pending("B", "TMP2"), pending("C", "TMP3")})
	require.NoError(t, err)

	lk := &fakeLookup{budget: 10, answers: map[string]lookup.Candidate{
		"A": {CompanyID: "1", Confidence: 1, Cacheable: true},
		"B": {CompanyID: "2", Confidence: 1, Cacheable: true},
		"C": {CompanyID: "3", Confidence: 1, Cacheable: true},
	}}
	w := NewWorker(q, lk, store, WorkerConfig{BatchSize: 1, MaxAttempts: 5})

	res, err := w.Drain(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Claimed)
	assert.Equal(t, 2, res.Resolved)
	assert.Equal(t, 2, res.Learned)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[model.BacklogPending])
}

func TestWorker_DrainLooksUpEachNameOnce(t *testing.T) {
	ctx := context.Background()
	q, store := newSQLite(t)

	_, err := q.Enqueue(ctx, []model.BacklogEntry{
		pending("Unknown", "TMP0"),
		pending("A", "TMP1"), pending("B", "TMP2"), pending("C", "TMP3"), pending("D", "TMP4"),
	})
	require.NoError(t, err)

	lk := &fakeLookup{budget: 100, answers: map[string]lookup.Candidate{
		"A": {CompanyID: "1", Confidence: 1, Cacheable: true},
		"B": {CompanyID: "2", Confidence: 1, Cacheable: true},
		"C": {CompanyID: "3", Confidence: 1, Cacheable: true},
		"D": {CompanyID: "4", Confidence: 1, Cacheable: true},
	}}
	w := NewWorker(q, lk, store, WorkerConfig{BatchSize: 2, MaxAttempts: 5})

	res, err := w.Drain(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Claimed: 5, Resolved: 4, Retried: 1, Learned: 4}, res)
	assert.Equal(t, []string{"Unknown", "A", "B", "C", "D"}, lk.calls)

	unknown, err := q.Get(ctx, "Unknown")
	require.NoError(t, err)
	assert.Equal(t, model.BacklogPending, unknown.Status)
	assert.Equal(t, 1, unknown.Attempts)

	// The next drain tries it again.
	res, err = w.Drain(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Claimed: 1, Retried: 1}, res)

	unknown, err = q.Get(ctx, "Unknown")
	require.NoError(t, err)
	assert.Equal(t, 2, unknown.Attempts)
}
