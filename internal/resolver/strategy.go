package resolver

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/idresolve/internal/backlog"
	"github.com/sells-group/idresolve/internal/lookup"
	"github.com/sells-group/idresolve/internal/mapping"
	"github.com/sells-group/idresolve/internal/model"
	"github.com/sells-group/idresolve/internal/overrides"
	"github.com/sells-group/idresolve/internal/placeholder"
)

// Strategy is one tier of the cascade. Apply sees the whole batch and
// assigns ids to the records it can resolve; records it cannot resolve get
// a miss, skip or error entry in their path.
type Strategy interface {
	Tier() model.Tier
	Apply(ctx context.Context, b *Batch)
}

// Batch is the state of one run shared by the strategies.
type Batch struct {
	RunID   string
	Records []*model.ResolutionRecord

	// notCacheable marks tier-4 records whose confidence is below the
	// cache floor.
	notCacheable map[*model.ResolutionRecord]bool
	backlog      []model.BacklogEntry
	enqueued     int
	storeErrors  int
	timedOut     bool
}

func newBatch(runID string, rows []model.Row) *Batch {
	b := &Batch{
		RunID:        runID,
		Records:      make([]*model.ResolutionRecord, len(rows)),
		notCacheable: make(map[*model.ResolutionRecord]bool),
	}
	for i, row := range rows {
		b.Records[i] = newRecord(row)
	}
	return b
}

// Unresolved returns the records without an id, in input order.
func (b *Batch) Unresolved() []*model.ResolutionRecord {
	var out []*model.ResolutionRecord
	for _, rec := range b.Records {
		if !rec.Resolved() {
			out = append(out, rec)
		}
	}
	return out
}

// staticStrategy consults the override tables across all key classes.
type staticStrategy struct {
	table *overrides.Table
}

func (s *staticStrategy) Tier() model.Tier { return model.TierStatic }

func (s *staticStrategy) Apply(_ context.Context, b *Batch) {
	for _, rec := range b.Unresolved() {
		for _, kc := range model.KeyClasses {
			key, ok := rec.LookupKey(kc)
			if !ok {
				continue
			}
			if id, ok := s.table.Lookup(kc, key); ok {
				rec.Assign(model.TierStatic, kc, id, 1.0)
				break
			}
		}
		if !rec.Resolved() {
			rec.Attempt(model.TierStatic, "", model.OutcomeMiss, "")
		}
	}
}

// mappingStrategy queries the mapping store once per key class for every
// distinct key among the still-unresolved records.
type mappingStrategy struct {
	store       mapping.Store
	unavailable bool
	log         *zap.Logger
}

func (s *mappingStrategy) Tier() model.Tier { return model.TierMappingStore }

func (s *mappingStrategy) Apply(ctx context.Context, b *Batch) {
	if s.store == nil {
		outcome, reason := model.OutcomeSkipped, "no store"
		if s.unavailable {
			outcome, reason = model.OutcomeError, "store unavailable"
		}
		for _, rec := range b.Unresolved() {
			rec.Attempt(model.TierMappingStore, "", outcome, reason)
		}
		return
	}

	failed := false
	for _, kc := range model.KeyClasses {
		pending := b.Unresolved()
		if len(pending) == 0 {
			return
		}

		byKey := make(map[string][]*model.ResolutionRecord)
		var keys []string
		for _, rec := range pending {
			key, ok := rec.LookupKey(kc)
			if !ok {
				continue
			}
			if _, seen := byKey[key]; !seen {
				keys = append(keys, key)
			}
			byKey[key] = append(byKey[key], rec)
		}
		if len(keys) == 0 {
			continue
		}

		matches, err := s.store.LookupBatch(ctx, kc, keys)
		if err != nil {
			failed = true
			b.storeErrors++
			s.log.Warn("resolver: mapping lookup failed, treating as miss",
				zap.String("key_class", string(kc)),
				zap.Int("keys", len(keys)),
				zap.Error(err),
			)
			continue
		}

		hits := make([]string, 0, len(matches))
		for key, m := range matches {
			for _, rec := range byKey[key] {
				rec.Assign(model.TierMappingStore, kc, m.CompanyID, m.Confidence)
			}
			hits = append(hits, key)
		}
		if len(hits) > 0 {
			if err := s.store.RecordHits(ctx, kc, hits); err != nil {
				s.log.Debug("resolver: record hits failed", zap.Error(err))
			}
		}
	}

	for _, rec := range b.Unresolved() {
		if failed {
			rec.Attempt(model.TierMappingStore, "", model.OutcomeError, "store unavailable")
		} else {
			rec.Attempt(model.TierMappingStore, "", model.OutcomeMiss, "")
		}
	}
}

// existingColumnStrategy accepts a real id already present on the row.
type existingColumnStrategy struct {
	gen        *placeholder.Generator
	confidence float64
}

func (s *existingColumnStrategy) Tier() model.Tier { return model.TierExistingColumn }

func (s *existingColumnStrategy) Apply(_ context.Context, b *Batch) {
	for _, rec := range b.Unresolved() {
		id := model.Deref(rec.Row.CompanyID)
		switch {
		case id == "":
			rec.Attempt(model.TierExistingColumn, "", model.OutcomeMiss, "no existing id")
		case s.gen.IsPlaceholder(id):
			rec.Attempt(model.TierExistingColumn, "", model.OutcomeMiss, "placeholder id")
		default:
			rec.Assign(model.TierExistingColumn, "", id, s.confidence)
		}
	}
}

// externalStrategy searches the normalized customer name, one call per
// distinct name, with bounded parallelism.
type externalStrategy struct {
	lookup  ExternalLookup
	workers int
}

func (s *externalStrategy) Tier() model.Tier { return model.TierExternal }

func (s *externalStrategy) Apply(ctx context.Context, b *Batch) {
	pending := b.Unresolved()
	if s.lookup == nil || !s.lookup.Available() {
		for _, rec := range pending {
			rec.Attempt(model.TierExternal, model.KeyCustomerName, model.OutcomeSkipped, "unavailable")
		}
		return
	}

	byName := make(map[string][]*model.ResolutionRecord)
	var names []string
	for _, rec := range pending {
		if rec.NormalizedName == "" {
			rec.Attempt(model.TierExternal, model.KeyCustomerName, model.OutcomeSkipped, "no name")
			continue
		}
		if _, seen := byName[rec.NormalizedName]; !seen {
			names = append(names, rec.NormalizedName)
		}
		byName[rec.NormalizedName] = append(byName[rec.NormalizedName], rec)
	}

	type answer struct {
		cand    lookup.Candidate
		hit     bool
		skipped bool
	}
	answers := make([]answer, len(names))

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i, name := range names {
		g.Go(func() error {
			if gctx.Err() != nil || !s.lookup.Available() {
				mu.Lock()
				answers[i].skipped = true
				mu.Unlock()
				return nil
			}
			cand, ok := s.lookup.Lookup(gctx, name)
			mu.Lock()
			answers[i] = answer{cand: cand, hit: ok}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	for i, name := range names {
		a := answers[i]
		for _, rec := range byName[name] {
			switch {
			case a.hit:
				rec.Assign(model.TierExternal, model.KeyCustomerName, a.cand.CompanyID, a.cand.Confidence)
				if !a.cand.Cacheable {
					b.notCacheable[rec] = true
				}
			case a.skipped && ctx.Err() != nil:
				rec.Attempt(model.TierExternal, model.KeyCustomerName, model.OutcomeSkipped, "batch timeout")
			case a.skipped:
				rec.Attempt(model.TierExternal, model.KeyCustomerName, model.OutcomeSkipped, "unavailable")
			default:
				rec.Attempt(model.TierExternal, model.KeyCustomerName, model.OutcomeMiss, "")
			}
		}
	}
}

// placeholderStrategy gives every remaining record a deterministic
// placeholder and queues named records for deferred resolution.
type placeholderStrategy struct {
	gen    *placeholder.Generator
	queue  backlog.Queue
	policy EmptyNamePolicy
	log    *zap.Logger
}

func (s *placeholderStrategy) Tier() model.Tier { return model.TierPlaceholder }

func (s *placeholderStrategy) Apply(ctx context.Context, b *Batch) {
	for _, rec := range b.Unresolved() {
		id := s.gen.Generate(s.seed(rec))
		rec.Assign(model.TierPlaceholder, "", id, 0)
		rec.IsPlaceholder = true

		// Nameless rows cannot be searched later, so they are not queued.
		if rec.NormalizedName != "" {
			b.backlog = append(b.backlog, model.BacklogEntry{
				RawName:        model.Deref(rec.Row.CustomerName),
				NormalizedName: rec.NormalizedName,
				PlaceholderID:  id,
				Status:         model.BacklogPending,
			})
		}
	}

	if s.queue == nil || len(b.backlog) == 0 {
		return
	}
	n, err := s.queue.Enqueue(ctx, b.backlog)
	if err != nil {
		b.storeErrors++
		s.log.Warn("resolver: backlog enqueue failed", zap.Int("entries", len(b.backlog)), zap.Error(err))
		return
	}
	b.enqueued = n
}

func (s *placeholderStrategy) seed(rec *model.ResolutionRecord) string {
	if rec.NormalizedName != "" {
		return rec.NormalizedName
	}
	if s.policy == EmptyNameRowFallback {
		for _, kc := range []model.KeyClass{model.KeyPlanCode, model.KeyAccountNumber, model.KeyAccountName} {
			if v, ok := rec.Row.RawKey(kc); ok {
				return string(kc) + ":" + v
			}
		}
	}
	return placeholder.EmptySeed
}
