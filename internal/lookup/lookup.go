// Package lookup wraps the company search API with the run budget, match
// confidence scoring, retries and failure handling used by the resolver.
// Lookup never returns an error: every failure path is a miss.
package lookup

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/idresolve/internal/resilience"
	"github.com/sells-group/idresolve/pkg/companysearch"
)

// ConfidenceTable maps match kinds to confidence scores.
type ConfidenceTable struct {
	Exact    float64
	Fuzzy    float64
	Phonetic float64
}

// DefaultConfidenceTable returns the standard scores.
func DefaultConfidenceTable() ConfidenceTable {
	return ConfidenceTable{Exact: 1.0, Fuzzy: 0.80, Phonetic: 0.60}
}

func (t ConfidenceTable) score(kind companysearch.MatchKind) float64 {
	switch kind {
	case companysearch.MatchExact:
		return t.Exact
	case companysearch.MatchFuzzy:
		return t.Fuzzy
	case companysearch.MatchPhonetic:
		return t.Phonetic
	default:
		return 0
	}
}

// Config controls a Client.
type Config struct {
	// Budget is the number of search requests allowed per run. Every
	// attempt counts, retries included. Zero disables network calls.
	Budget int

	// Timeout bounds each HTTP attempt.
	Timeout time.Duration

	// RatePerSec paces requests; zero means unpaced.
	RatePerSec float64

	// MinCacheConfidence is the floor below which a candidate is used for
	// the current row but not written to the mapping store.
	MinCacheConfidence float64

	Confidence ConfidenceTable
	Retry      resilience.RetryConfig
	Breaker    resilience.CircuitBreakerConfig
}

// Candidate is a resolved company from the search service.
type Candidate struct {
	CompanyID  string
	Confidence float64
	MatchKind  companysearch.MatchKind
	// Cacheable is false when Confidence is below MinCacheConfidence.
	Cacheable bool
}

// Stats reports budget consumption for a run.
type Stats struct {
	Budget   int  `json:"budget"`
	Used     int  `json:"used"`
	Disabled bool `json:"disabled"`
}

// Client is a budgeted company search client. Safe for concurrent use.
type Client struct {
	search  companysearch.Client
	cfg     Config
	breaker *resilience.CircuitBreaker
	pacer   *pacer
	log     *zap.Logger

	budget    atomic.Int64
	remaining atomic.Int64
	disabled  atomic.Bool
	authOnce  *sync.Once
	mu        sync.Mutex
}

// New creates a Client with cfg.Budget lookups available.
func New(search companysearch.Client, cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Confidence == (ConfidenceTable{}) {
		cfg.Confidence = DefaultConfidenceTable()
	}

	log := zap.L().With(zap.String("component", "lookup"))
	breakerCfg := cfg.Breaker
	if breakerCfg.OnStateChange == nil {
		breakerCfg.OnStateChange = func(from, to resilience.CircuitState) {
			log.Warn("lookup: circuit breaker state change",
				zap.Stringer("from", from),
				zap.Stringer("to", to),
			)
		}
	}

	c := &Client{
		search:  search,
		cfg:     cfg,
		breaker: resilience.NewCircuitBreaker(breakerCfg),
		pacer:   newPacer(cfg.RatePerSec),
		log:     log,
	}
	c.Reset(cfg.Budget)
	return c
}

// Reset starts a new run: restores the budget and re-enables the client
// after an authentication failure.
func (c *Client) Reset(budget int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if budget < 0 {
		budget = 0
	}
	c.budget.Store(int64(budget))
	c.remaining.Store(int64(budget))
	c.disabled.Store(false)
	c.authOnce = &sync.Once{}
}

// Stats returns the current run's consumption.
func (c *Client) Stats() Stats {
	budget := c.budget.Load()
	remaining := c.remaining.Load()
	if remaining < 0 {
		remaining = 0
	}
	return Stats{
		Budget:   int(budget),
		Used:     int(budget - remaining),
		Disabled: c.disabled.Load(),
	}
}

// Available reports whether another lookup could reach the network.
func (c *Client) Available() bool {
	return !c.disabled.Load() && c.remaining.Load() > 0
}

// errBudgetSpent stops a retry loop when no request may be sent.
var errBudgetSpent = eris.New("lookup: budget spent")

// reserve takes one unit of budget. The counter may go negative under
// contention; every caller that sees a negative result is refused.
func (c *Client) reserve() bool {
	return c.remaining.Add(-1) >= 0
}

// Lookup searches for a normalized company name. It returns false on a
// miss, an exhausted budget, a disabled client, or any service failure.
func (c *Client) Lookup(ctx context.Context, name string) (Candidate, bool) {
	if name == "" || !c.Available() {
		return Candidate{}, false
	}

	retry := c.cfg.Retry
	onRetry := retry.OnRetry
	retry.OnRetry = func(attempt int, class resilience.ErrorClass, err error) {
		if class == resilience.ClassRateLimited {
			c.pacer.onRateLimited()
		}
		if onRetry != nil {
			onRetry(attempt, class, err)
		}
	}

	resp, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (*companysearch.SearchResponse, error) {
		if err := c.pacer.wait(ctx); err != nil {
			return nil, err
		}
		return resilience.ExecuteVal(ctx, c.breaker, func(ctx context.Context) (*companysearch.SearchResponse, error) {
			if !c.reserve() {
				return nil, errBudgetSpent
			}
			callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
			defer cancel()
			return c.search.Search(callCtx, name)
		})
	})
	if err != nil {
		c.handleError(err)
		return Candidate{}, false
	}
	c.pacer.onSuccess()

	best := resp.Best()
	if best == nil || best.CompanyID == "" {
		return Candidate{}, false
	}

	conf := c.cfg.Confidence.score(best.MatchKind)
	if conf <= 0 {
		c.log.Debug("lookup: ignoring match of unknown kind", zap.String("match_kind", string(best.MatchKind)))
		return Candidate{}, false
	}

	return Candidate{
		CompanyID:  best.CompanyID,
		Confidence: conf,
		MatchKind:  best.MatchKind,
		Cacheable:  conf >= c.cfg.MinCacheConfidence,
	}, true
}

func (c *Client) handleError(err error) {
	switch {
	case errors.Is(err, companysearch.ErrUnauthorized):
		c.disabled.Store(true)
		c.mu.Lock()
		once := c.authOnce
		c.mu.Unlock()
		once.Do(func() {
			c.log.Error("lookup: credential rejected, external lookups disabled for this run", zap.Error(err))
		})
	case errors.Is(err, resilience.ErrCircuitOpen):
		c.log.Debug("lookup: circuit open, skipping call")
	case errors.Is(err, errBudgetSpent):
		c.log.Debug("lookup: budget spent before retry")
	default:
		c.log.Warn("lookup: search failed, treating as miss",
			zap.Stringer("class", resilience.Classify(err)),
			zap.Error(err),
		)
	}
}
