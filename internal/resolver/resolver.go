// Package resolver attaches a company id to every row of a batch by running
// an ordered cascade of strategies: static overrides, the mapping store,
// the row's own company_id column, the external search service, and finally
// a deterministic placeholder. Confirmed ids flow back into the mapping
// store once per run.
package resolver

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/idresolve/internal/backlog"
	"github.com/sells-group/idresolve/internal/lookup"
	"github.com/sells-group/idresolve/internal/mapping"
	"github.com/sells-group/idresolve/internal/model"
	"github.com/sells-group/idresolve/internal/normalize"
	"github.com/sells-group/idresolve/internal/overrides"
	"github.com/sells-group/idresolve/internal/placeholder"
)

// EmptyNamePolicy selects the placeholder seed for rows without a usable
// customer name.
type EmptyNamePolicy string

const (
	// EmptyNameShared seeds every nameless row with the same sentinel, so
	// they share one placeholder id.
	EmptyNameShared EmptyNamePolicy = "shared"
	// EmptyNameRowFallback seeds from the first of plan_code,
	// account_number, account_name that is present.
	EmptyNameRowFallback EmptyNamePolicy = "row_fallback"
)

// ExternalLookup is the budgeted search used by tier 4.
type ExternalLookup interface {
	Lookup(ctx context.Context, name string) (lookup.Candidate, bool)
	Available() bool
	Reset(budget int)
	Stats() lookup.Stats
}

// Config tunes a Resolver.
type Config struct {
	// Domain is recorded as source_domain on backflowed entries.
	Domain string
	// BatchTimeout bounds tiers 2-4. Rows still unresolved when it fires go
	// straight to a placeholder. Zero disables the timeout.
	BatchTimeout time.Duration
	// Workers caps concurrent external lookups.
	Workers int
	// ExistingColumnConfidence is the confidence given to ids taken from
	// the row's company_id column.
	ExistingColumnConfidence float64
	EmptyNamePolicy          EmptyNamePolicy
	// ExternalBudget is restored on the external client at the start of
	// every run.
	ExternalBudget int
}

// Deps are the collaborators of a Resolver. Only Placeholders is required;
// a nil Store disables tier 2 and backflow, a nil External disables tier 4
// and a nil Backlog skips enqueueing.
type Deps struct {
	Overrides    *overrides.Table
	Store        mapping.Store
	External     ExternalLookup
	Placeholders *placeholder.Generator
	Backlog      backlog.Queue
	// StoreErr is why the store could not be opened. With a nil Store it
	// turns tier 2 into an error outcome and counts one store error per run.
	StoreErr error
}

// Result is the outcome of one run. Records are in input order and every
// record carries a company id.
type Result struct {
	Records   []*model.ResolutionRecord `json:"records"`
	Conflicts []model.Conflict          `json:"conflicts,omitempty"`
	Summary   Summary                   `json:"summary"`
}

// Resolver runs the cascade. It is safe to reuse across runs but not to run
// concurrently with itself when an ExternalLookup is configured, since each
// run resets the lookup budget.
type Resolver struct {
	cfg        Config
	storeErr   error
	strategies []Strategy
	backflow   *BackflowWriter
	external   ExternalLookup
	log        *zap.Logger
}

// New builds a Resolver with the five tiers in order.
func New(deps Deps, cfg Config) (*Resolver, error) {
	if deps.Placeholders == nil {
		return nil, eris.New("resolver: placeholder generator is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.ExistingColumnConfidence <= 0 {
		cfg.ExistingColumnConfidence = 0.9
	}
	switch cfg.EmptyNamePolicy {
	case "":
		cfg.EmptyNamePolicy = EmptyNameShared
	case EmptyNameShared, EmptyNameRowFallback:
	default:
		return nil, eris.Errorf("resolver: unknown empty name policy %q", cfg.EmptyNamePolicy)
	}

	log := zap.L().With(zap.String("component", "resolver"))
	r := &Resolver{
		cfg:      cfg,
		storeErr: deps.StoreErr,
		external: deps.External,
		log:      log,
		strategies: []Strategy{
			&staticStrategy{table: deps.Overrides},
			&mappingStrategy{store: deps.Store, unavailable: deps.Store == nil && deps.StoreErr != nil, log: log},
			&existingColumnStrategy{gen: deps.Placeholders, confidence: cfg.ExistingColumnConfidence},
			&externalStrategy{lookup: deps.External, workers: cfg.Workers},
			&placeholderStrategy{gen: deps.Placeholders, queue: deps.Backlog, policy: cfg.EmptyNamePolicy, log: log},
		},
	}
	if deps.Store != nil {
		r.backflow = NewBackflowWriter(deps.Store, cfg.Domain)
	}
	return r, nil
}

// Strategies returns the cascade in evaluation order.
func (r *Resolver) Strategies() []Strategy {
	return r.strategies
}

// Resolve assigns a company id to every row. It only fails when ctx is
// already done on entry; tier failures degrade to placeholders.
func (r *Resolver) Resolve(ctx context.Context, rows []model.Row) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "resolver: resolve")
	}

	start := time.Now()
	b := newBatch(uuid.NewString(), rows)
	log := r.log.With(zap.String("run_id", b.RunID))
	if r.storeErr != nil {
		b.storeErrors++
		log.Warn("resolver: store unavailable, running without mapping store", zap.Error(r.storeErr))
	}

	if r.external != nil {
		r.external.Reset(r.cfg.ExternalBudget)
	}

	softCtx := ctx
	cancel := func() {}
	if r.cfg.BatchTimeout > 0 {
		softCtx, cancel = context.WithTimeout(ctx, r.cfg.BatchTimeout)
	}
	defer cancel()

	for _, s := range r.strategies {
		pending := b.Unresolved()
		if len(pending) == 0 {
			break
		}
		tierCtx := softCtx
		if s.Tier() == model.TierPlaceholder {
			tierCtx = ctx
		} else if softCtx.Err() != nil {
			b.timedOut = true
			for _, rec := range pending {
				rec.Attempt(s.Tier(), "", model.OutcomeSkipped, "batch timeout")
			}
			continue
		}
		s.Apply(tierCtx, b)
	}
	if softCtx.Err() != nil && ctx.Err() == nil {
		b.timedOut = true
	}

	res := &Result{Records: b.Records}
	var report model.InsertReport
	if r.backflow != nil {
		var err error
		report, err = r.backflow.Write(ctx, b)
		if err != nil {
			b.storeErrors++
			log.Warn("resolver: backflow failed, mappings not written", zap.Error(err))
		}
		res.Conflicts = report.Conflicts
	}

	res.Summary = r.summarize(b, report, time.Since(start))
	res.Summary.Log(log)
	return res, nil
}

func (r *Resolver) summarize(b *Batch, report model.InsertReport, elapsed time.Duration) Summary {
	s := newSummary(b.RunID, r.cfg.Domain)
	s.Rows = len(b.Records)
	for _, rec := range b.Records {
		s.ByTier[rec.Tier.String()]++
		if rec.IsPlaceholder {
			s.Placeholders++
		}
	}
	s.BacklogEnqueued = b.enqueued
	s.BackflowInserted = report.Inserted
	s.BackflowSkipped = report.Skipped
	s.Conflicts = len(report.Conflicts)
	s.StoreErrors = b.storeErrors
	s.TimedOut = b.timedOut
	if r.external != nil {
		st := r.external.Stats()
		s.ExternalUsed = st.Used
		s.ExternalBudget = st.Budget
		s.ExternalDisabled = st.Disabled
	}
	s.Duration = elapsed
	return s
}

// newRecord prepares a row for the cascade.
func newRecord(row model.Row) *model.ResolutionRecord {
	return &model.ResolutionRecord{
		Row:            row,
		NormalizedName: normalize.Name(model.Deref(row.CustomerName)),
	}
}
