package lookup

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/idresolve/internal/resilience"
	"github.com/sells-group/idresolve/pkg/companysearch"
	"github.com/sells-group/idresolve/pkg/companysearch/mocks"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func testConfig(budget int) Config {
	return Config{
		Budget:             budget,
		Timeout:            time.Second,
		MinCacheConfidence: 0.80,
		Confidence:         DefaultConfidenceTable(),
		Retry: resilience.RetryConfig{
			RateLimitRetries:   3,
			UnavailableRetries: 1,
			InitialBackoff:     time.Millisecond,
			MaxBackoff:         2 * time.Millisecond,
		},
		Breaker: resilience.CircuitBreakerConfig{FailureThreshold: 100},
	}
}

func match(id string, kind companysearch.MatchKind) *companysearch.SearchResponse {
	return &companysearch.SearchResponse{Matches: []companysearch.Match{{CompanyID: id, MatchKind: kind}}}
}

func TestLookup_ConfidenceByMatchKind(t *testing.T) {
	tests := []struct {
		kind      companysearch.MatchKind
		wantConf  float64
		cacheable bool
	}{
		{companysearch.MatchExact, 1.0, true},
		{companysearch.MatchFuzzy, 0.80, true},
		{companysearch.MatchPhonetic, 0.60, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			search := mocks.NewMockClient(t)
			search.On("Search", mock.Anything, "ABC Corp").Return(match("12345", tt.kind), nil).Once()

			c := New(search, testConfig(5))
			cand, ok := c.Lookup(context.Background(), "ABC Corp")
			require.True(t, ok)
			assert.Equal(t, "12345", cand.CompanyID)
			assert.InDelta(t, tt.wantConf, cand.Confidence, 1e-9)
			assert.Equal(t, tt.cacheable, cand.Cacheable)
			assert.Equal(t, 1, c.Stats().Used)
		})
	}
}

func TestLookup_UnknownKindIsMiss(t *testing.T) {
	search := mocks.NewMockClient(t)
	search.On("Search", mock.Anything, "x").Return(match("1", "semantic"), nil).Once()

	_, ok := New(search, testConfig(1)).Lookup(context.Background(), "x")
	assert.False(t, ok)
}

func TestLookup_NoMatch(t *testing.T) {
	search := mocks.NewMockClient(t)
	search.On("Search", mock.Anything, "x").Return(nil, nil).Once()

	_, ok := New(search, testConfig(1)).Lookup(context.Background(), "x")
	assert.False(t, ok)
}

func TestLookup_ZeroBudgetNoIO(t *testing.T) {
	search := mocks.NewMockClient(t)

	c := New(search, testConfig(0))
	_, ok := c.Lookup(context.Background(), "ABC Corp")
	assert.False(t, ok)
	search.AssertNotCalled(t, "Search", mock.Anything, mock.Anything)
	assert.Equal(t, Stats{Budget: 0, Used: 0}, c.Stats())
}

func TestLookup_EmptyNameNoIO(t *testing.T) {
	search := mocks.NewMockClient(t)
	c := New(search, testConfig(3))
	_, ok := c.Lookup(context.Background(), "")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Stats().Used)
}

func TestLookup_BudgetEnforcedUnderConcurrency(t *testing.T) {
	var calls atomic.Int64
	search := mocks.NewMockClient(t)
	search.On("Search", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { calls.Add(1) }).
		Return(match("1", companysearch.MatchExact), nil).
		Maybe()

	const budget = 7
	c := New(search, testConfig(budget))

	var wg sync.WaitGroup
	var hits atomic.Int64
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := c.Lookup(context.Background(), "ABC Corp"); ok {
				hits.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(budget), calls.Load())
	assert.Equal(t, int64(budget), hits.Load())
	assert.Equal(t, Stats{Budget: budget, Used: budget}, c.Stats())
	assert.False(t, c.Available())
}

func TestLookup_AuthFailureDisablesRun(t *testing.T) {
	search := mocks.NewMockClient(t)
	search.On("Search", mock.Anything, mock.Anything).
		Return(nil, eris.Wrap(companysearch.ErrUnauthorized, "status 401")).
		Once()

	c := New(search, testConfig(10))
	_, ok := c.Lookup(context.Background(), "a")
	assert.False(t, ok)
	_, ok = c.Lookup(context.Background(), "b")
	assert.False(t, ok)

	stats := c.Stats()
	assert.True(t, stats.Disabled)
	assert.Equal(t, 1, stats.Used)

	c.Reset(10)
	assert.False(t, c.Stats().Disabled)
	assert.True(t, c.Available())
}

func TestLookup_RateLimitRetriedThenMiss(t *testing.T) {
	search := mocks.NewMockClient(t)
	search.On("Search", mock.Anything, "x").
		Return(nil, resilience.NewTransientError(errors.New("429"), 429)).
		Times(4)

	c := New(search, testConfig(5))
	_, ok := c.Lookup(context.Background(), "x")
	assert.False(t, ok)
	assert.Equal(t, 4, c.Stats().Used, "every attempt is a request")
}

func TestLookup_RetriesStopAtBudget(t *testing.T) {
	search := mocks.NewMockClient(t)
	search.On("Search", mock.Anything, "x").
		Return(nil, resilience.NewTransientError(errors.New("429"), 429)).
		Times(2)

	c := New(search, testConfig(2))
	_, ok := c.Lookup(context.Background(), "x")
	assert.False(t, ok)
	assert.Equal(t, Stats{Budget: 2, Used: 2}, c.Stats())
	assert.False(t, c.Available())

	_, ok = c.Lookup(context.Background(), "y")
	assert.False(t, ok)
}

func TestLookup_NotImplementedRetriedOnce(t *testing.T) {
	search := mocks.NewMockClient(t)
	search.On("Search", mock.Anything, "x").
		Return(nil, resilience.NewTransientError(errors.New("501"), 501)).
		Times(2)

	c := New(search, testConfig(5))
	_, ok := c.Lookup(context.Background(), "x")
	assert.False(t, ok)
	assert.Equal(t, 2, c.Stats().Used)
}

func TestLookup_ServerErrorRetriedOnce(t *testing.T) {
	search := mocks.NewMockClient(t)
	search.On("Search", mock.Anything, "x").
		Return(nil, resilience.NewTransientError(errors.New("503"), 503)).
		Once()
	search.On("Search", mock.Anything, "x").
		Return(match("77", companysearch.MatchExact), nil).
		Once()

	c := New(search, testConfig(5))
	cand, ok := c.Lookup(context.Background(), "x")
	require.True(t, ok)
	assert.Equal(t, "77", cand.CompanyID)
	assert.Equal(t, 2, c.Stats().Used)
}

func TestLookup_PermanentErrorNotRetried(t *testing.T) {
	search := mocks.NewMockClient(t)
	search.On("Search", mock.Anything, "x").Return(nil, errors.New("status 400")).Once()

	_, ok := New(search, testConfig(5)).Lookup(context.Background(), "x")
	assert.False(t, ok)
}

func TestLookup_CircuitOpenSkipsCalls(t *testing.T) {
	search := mocks.NewMockClient(t)
	search.On("Search", mock.Anything, mock.Anything).
		Return(nil, resilience.NewTransientError(errors.New("503"), 503)).
		Times(2)

	cfg := testConfig(10)
	cfg.Retry.UnavailableRetries = 0
	cfg.Breaker = resilience.CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Hour}
	c := New(search, cfg)

	for i := 0; i < 5; i++ {
		_, ok := c.Lookup(context.Background(), "x")
		assert.False(t, ok)
	}
}

func TestLookup_PerCallTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := testConfig(1)
	cfg.Timeout = 20 * time.Millisecond
	cfg.Retry.UnavailableRetries = 0
	c := New(companysearch.NewClient("tok", companysearch.WithBaseURL(srv.URL)), cfg)

	start := time.Now()
	_, ok := c.Lookup(context.Background(), "x")
	assert.False(t, ok)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestLookup_ThroughHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"matches":[{"company_id":"C-1","match_kind":"fuzzy","score":0.8}]}`))
	}))
	defer srv.Close()

	c := New(companysearch.NewClient("tok", companysearch.WithBaseURL(srv.URL)), testConfig(2))
	cand, ok := c.Lookup(context.Background(), "ABC Corp")
	require.True(t, ok)
	assert.Equal(t, "C-1", cand.CompanyID)
	assert.True(t, cand.Cacheable)
}

func TestPacer(t *testing.T) {
	p := newPacer(8)
	p.onRateLimited()
	assert.InDelta(t, 4.0, float64(p.limit()), 1e-9)
	p.onRateLimited()
	p.onRateLimited()
	assert.InDelta(t, 2.0, float64(p.limit()), 1e-9, "floor is a quarter of the target")

	for i := 0; i < 20; i++ {
		p.onSuccess()
	}
	assert.InDelta(t, 8.0, float64(p.limit()), 1e-9, "recovers to target, never above")

	unpaced := newPacer(0)
	unpaced.onRateLimited()
	require.NoError(t, unpaced.wait(context.Background()))
}
