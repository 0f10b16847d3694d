package resolver

import (
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/idresolve/internal/model"
)

// Summary reports what one run did. It holds counts only.
type Summary struct {
	RunID            string         `json:"run_id"`
	Domain           string         `json:"domain,omitempty"`
	Rows             int            `json:"rows"`
	ByTier           map[string]int `json:"by_tier"`
	Placeholders     int            `json:"placeholders"`
	BacklogEnqueued  int            `json:"backlog_enqueued"`
	BackflowInserted int            `json:"backflow_inserted"`
	BackflowSkipped  int            `json:"backflow_skipped"`
	Conflicts        int            `json:"conflicts"`
	StoreErrors      int            `json:"store_errors"`
	ExternalUsed     int            `json:"external_used"`
	ExternalBudget   int            `json:"external_budget"`
	ExternalDisabled bool           `json:"external_disabled"`
	TimedOut         bool           `json:"timed_out"`
	Duration         time.Duration  `json:"duration_ns"`
}

func newSummary(runID, domain string) Summary {
	byTier := make(map[string]int, 5)
	for _, t := range []model.Tier{
		model.TierStatic, model.TierMappingStore, model.TierExistingColumn, model.TierExternal, model.TierPlaceholder,
	} {
		byTier[t.String()] = 0
	}
	return Summary{RunID: runID, Domain: domain, ByTier: byTier}
}

// Hits returns the number of rows resolved by tier t.
func (s Summary) Hits(t model.Tier) int {
	return s.ByTier[t.String()]
}

// Log writes the summary at info level.
func (s Summary) Log(log *zap.Logger) {
	log.Info("resolver: run complete",
		zap.String("domain", s.Domain),
		zap.Int("rows", s.Rows),
		zap.Int("static", s.Hits(model.TierStatic)),
		zap.Int("mapping_store", s.Hits(model.TierMappingStore)),
		zap.Int("existing_column", s.Hits(model.TierExistingColumn)),
		zap.Int("external", s.Hits(model.TierExternal)),
		zap.Int("placeholders", s.Placeholders),
		zap.Int("backlog_enqueued", s.BacklogEnqueued),
		zap.Int("backflow_inserted", s.BackflowInserted),
		zap.Int("conflicts", s.Conflicts),
		zap.Int("store_errors", s.StoreErrors),
		zap.Int("external_used", s.ExternalUsed),
		zap.Int("external_budget", s.ExternalBudget),
		zap.Bool("external_disabled", s.ExternalDisabled),
		zap.Bool("timed_out", s.TimedOut),
		zap.Duration("duration", s.Duration),
	)
}
