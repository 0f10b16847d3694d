// Package learner mines already-loaded warehouse rows for (key, company id)
// associations and feeds them into the mapping store. It runs as a separate
// batch job, never inside the resolution path.
package learner

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/idresolve/internal/mapping"
	"github.com/sells-group/idresolve/internal/model"
	"github.com/sells-group/idresolve/internal/normalize"
	"github.com/sells-group/idresolve/internal/placeholder"
)

// Config tunes a Learner.
type Config struct {
	// Confidence is assigned to learned entries. It must stay below the
	// confidence of static and exact external hits.
	Confidence float64
	// MinNewRows is the number of rows updated since the last complete run
	// required before a source is mined again.
	MinNewRows int64
	// PlaceholderPrefix marks synthetic ids that must never be learned.
	PlaceholderPrefix string
	// Parallelism caps how many sources are mined at once.
	Parallelism int
	Sources     []Source
}

// SourceReport is the outcome of mining one source.
type SourceReport struct {
	Source       string `json:"source"`
	RunID        string `json:"run_id"`
	NewRows      int64  `json:"new_rows"`
	Skipped      bool   `json:"skipped"`
	Keys         int    `json:"keys"`
	Ambiguous    int    `json:"ambiguous"`
	Placeholders int64  `json:"placeholders"`
	Inserted     int    `json:"inserted"`
	Conflicts    int    `json:"conflicts"`
}

// Learner mines warehouse sources into the mapping store.
type Learner struct {
	wh    Warehouse
	runs  RunLog
	store mapping.Store
	cfg   Config
	log   *zap.Logger
}

// New validates cfg and creates a Learner.
func New(wh Warehouse, runs RunLog, store mapping.Store, cfg Config) (*Learner, error) {
	if cfg.Confidence <= 0 || cfg.Confidence >= 1 {
		return nil, eris.Errorf("learner: confidence %.2f must be in (0, 1)", cfg.Confidence)
	}
	if cfg.PlaceholderPrefix == "" {
		cfg.PlaceholderPrefix = placeholder.DefaultPrefix
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 2
	}
	for _, src := range cfg.Sources {
		if err := src.Validate(); err != nil {
			return nil, err
		}
	}
	return &Learner{
		wh:    wh,
		runs:  runs,
		store: store,
		cfg:   cfg,
		log:   zap.L().With(zap.String("component", "learner")),
	}, nil
}

// Run mines every configured source. A failing source does not stop the
// others; the first error is returned after all finish.
func (l *Learner) Run(ctx context.Context) ([]SourceReport, error) {
	reports := make([]SourceReport, len(l.cfg.Sources))

	var g errgroup.Group
	g.SetLimit(l.cfg.Parallelism)
	for i, src := range l.cfg.Sources {
		g.Go(func() error {
			rep, err := l.RunSource(ctx, src)
			reports[i] = rep
			return err
		})
	}
	return reports, g.Wait()
}

// RunSource mines one source when enough rows changed since its last
// complete run.
func (l *Learner) RunSource(ctx context.Context, src Source) (SourceReport, error) {
	rep := SourceReport{Source: src.Name}
	log := l.log.With(zap.String("source", src.Name))

	since, err := l.runs.LastWatermark(ctx, src.Name)
	if err != nil {
		return rep, err
	}
	runID, err := l.runs.Start(ctx, src.Name)
	if err != nil {
		return rep, err
	}
	rep.RunID = runID

	fail := func(err error) (SourceReport, error) {
		if ferr := l.runs.Fail(ctx, runID, err.Error()); ferr != nil {
			log.Warn("learner: record failure", zap.Error(ferr))
		}
		return rep, err
	}

	newRows, latest, err := l.wh.NewRows(ctx, src, since)
	if err != nil {
		return fail(err)
	}
	rep.NewRows = newRows
	if newRows < l.cfg.MinNewRows {
		rep.Skipped = true
		log.Info("learner: not enough new rows, skipping",
			zap.Int64("new_rows", newRows),
			zap.Int64("min_new_rows", l.cfg.MinNewRows),
		)
		return rep, l.runs.Skip(ctx, runID, newRows)
	}

	var entries []model.MappingEntry
	for _, kc := range model.BackflowClasses {
		col, ok := src.Column(kc)
		if !ok {
			continue
		}
		pairs, err := l.wh.Pairs(ctx, src, col)
		if err != nil {
			return fail(err)
		}
		learned, stats := l.vote(kc, pairs)
		rep.Keys += len(learned)
		rep.Ambiguous += stats.ambiguous
		rep.Placeholders += stats.placeholders
		for key, id := range learned {
			entries = append(entries, model.MappingEntry{
				LookupKey:    key,
				KeyClass:     kc,
				CompanyID:    id,
				Confidence:   l.cfg.Confidence,
				Source:       model.SourceDomainLearning,
				SourceDomain: src.Name,
			})
		}
	}

	if len(entries) > 0 {
		report, err := l.store.InsertBatchWithConflictCheck(ctx, entries)
		if err != nil {
			return fail(err)
		}
		rep.Inserted = report.Inserted
		rep.Conflicts = len(report.Conflicts)
	}

	if err := l.runs.Complete(ctx, runID, latest, newRows, int64(rep.Inserted)); err != nil {
		return rep, err
	}

	log.Info("learner: source mined",
		zap.Int64("new_rows", rep.NewRows),
		zap.Int("keys", rep.Keys),
		zap.Int("ambiguous", rep.Ambiguous),
		zap.Int64("placeholder_rows", rep.Placeholders),
		zap.Int("inserted", rep.Inserted),
		zap.Int("conflicts", rep.Conflicts),
	)
	return rep, nil
}

type voteStats struct {
	ambiguous    int
	placeholders int64
}

// vote folds pairs into one company id per lookup key. Customer names are
// normalized first, so raw spellings of one name pool their votes. A key is
// learned only when its top id holds a strict majority of the rows.
func (l *Learner) vote(kc model.KeyClass, pairs []Pair) (map[string]string, voteStats) {
	var stats voteStats
	tally := make(map[string]map[string]int64)
	for _, p := range pairs {
		if p.CompanyID == "" || placeholder.IsPlaceholder(p.CompanyID, l.cfg.PlaceholderPrefix) {
			stats.placeholders += p.Rows
			continue
		}
		key := p.Key
		if kc.Normalized() {
			key = normalize.Name(key)
		}
		if key == "" {
			continue
		}
		if tally[key] == nil {
			tally[key] = make(map[string]int64)
		}
		tally[key][p.CompanyID] += p.Rows
	}

	out := make(map[string]string, len(tally))
	for key, ids := range tally {
		var total, top int64
		var winner string
		for id, n := range ids {
			total += n
			if n > top || (n == top && id < winner) {
				top, winner = n, id
			}
		}
		if top*2 <= total {
			stats.ambiguous++
			continue
		}
		out[key] = winner
	}
	return out, stats
}
