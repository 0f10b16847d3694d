package backlog

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/idresolve/internal/lookup"
	"github.com/sells-group/idresolve/internal/mapping"
	"github.com/sells-group/idresolve/internal/model"
)

// Lookuper is the budgeted external search used by the worker.
type Lookuper interface {
	Lookup(ctx context.Context, name string) (lookup.Candidate, bool)
	Available() bool
}

// WorkerConfig controls a Worker.
type WorkerConfig struct {
	BatchSize   int
	MaxAttempts int
}

// BatchResult counts what one ProcessBatch call did.
type BatchResult struct {
	Claimed  int `json:"claimed"`
	Resolved int `json:"resolved"`
	Retried  int `json:"retried"`
	Failed   int `json:"failed"`
	Released int `json:"released"`
	Learned  int `json:"learned"`
}

func (r *BatchResult) add(o BatchResult) {
	r.Claimed += o.Claimed
	r.Resolved += o.Resolved
	r.Retried += o.Retried
	r.Failed += o.Failed
	r.Released += o.Released
	r.Learned += o.Learned
}

// Worker resolves backlog entries through the external lookup and writes
// cacheable results into the mapping store.
type Worker struct {
	queue  Queue
	lookup Lookuper
	store  mapping.Store
	cfg    WorkerConfig
	log    *zap.Logger
}

// NewWorker creates a Worker.
func NewWorker(queue Queue, lk Lookuper, store mapping.Store, cfg WorkerConfig) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	return &Worker{
		queue:  queue,
		lookup: lk,
		store:  store,
		cfg:    cfg,
		log:    zap.L().With(zap.String("component", "backlog.worker")),
	}
}

// ProcessBatch claims up to BatchSize pending entries and resolves them.
// It claims nothing once the lookup budget is spent.
func (w *Worker) ProcessBatch(ctx context.Context) (BatchResult, error) {
	res, _, err := w.processBatch(ctx, w.cfg.BatchSize, nil)
	return res, err
}

// processBatch claims up to size entries not in skip. It also returns the
// ids it put back to pending after a miss.
func (w *Worker) processBatch(ctx context.Context, size int, skip []int64) (BatchResult, []int64, error) {
	var res BatchResult
	if !w.lookup.Available() {
		return res, nil, nil
	}

	claimed, err := w.queue.Claim(ctx, size, skip...)
	if err != nil {
		return res, nil, err
	}
	res.Claimed = len(claimed)

	var learned []model.MappingEntry
	var retried []int64
	for _, e := range claimed {
		if !w.lookup.Available() {
			if err := w.queue.Release(ctx, e.ID); err != nil {
				return res, retried, err
			}
			res.Released++
			continue
		}

		cand, ok := w.lookup.Lookup(ctx, e.NormalizedName)
		switch {
		case ok:
			if err := w.queue.MarkDone(ctx, e.ID, cand.CompanyID); err != nil {
				return res, retried, err
			}
			res.Resolved++
			if cand.Cacheable {
				learned = append(learned, model.MappingEntry{
					LookupKey:  e.NormalizedName,
					KeyClass:   model.KeyCustomerName,
					CompanyID:  cand.CompanyID,
					Confidence: cand.Confidence,
					Source:     model.SourceExternalAPI,
				})
			}
		case e.Attempts >= w.cfg.MaxAttempts:
			if err := w.queue.MarkFailed(ctx, e.ID, fmt.Sprintf("no match after %d attempts", e.Attempts)); err != nil {
				return res, retried, err
			}
			res.Failed++
		default:
			if err := w.queue.MarkRetry(ctx, e.ID, "no match"); err != nil {
				return res, retried, err
			}
			retried = append(retried, e.ID)
			res.Retried++
		}
	}

	if len(learned) > 0 {
		report, err := w.store.InsertBatchWithConflictCheck(ctx, learned)
		if err != nil {
			return res, retried, eris.Wrap(err, "backlog: write resolved mappings")
		}
		res.Learned = report.Inserted
		if len(report.Conflicts) > 0 {
			w.log.Warn("backlog: resolved names conflict with stored mappings",
				zap.Int("conflicts", len(report.Conflicts)),
			)
		}
	}

	w.log.Info("backlog batch processed",
		zap.Int("claimed", res.Claimed),
		zap.Int("resolved", res.Resolved),
		zap.Int("retried", res.Retried),
		zap.Int("failed", res.Failed),
		zap.Int("released", res.Released),
	)
	return res, retried, nil
}

// Drain runs batches until the queue yields nothing, the budget is spent,
// limit entries were claimed (0 = no limit), or ctx is done. An entry that
// misses is not claimed again within the same drain, so each name costs at
// most one lookup per drain.
func (w *Worker) Drain(ctx context.Context, limit int) (BatchResult, error) {
	var total BatchResult
	var attempted []int64
	for ctx.Err() == nil {
		size := w.cfg.BatchSize
		if limit > 0 {
			if total.Claimed >= limit {
				break
			}
			size = min(size, limit-total.Claimed)
		}
		res, retried, err := w.processBatch(ctx, size, attempted)
		total.add(res)
		attempted = append(attempted, retried...)
		if err != nil {
			return total, err
		}
		if res.Claimed == 0 || res.Released > 0 {
			break
		}
	}
	return total, nil
}
