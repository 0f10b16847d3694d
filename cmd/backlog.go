package main

import (
	"encoding/json"
	"io"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/idresolve/internal/backlog"
	"github.com/sells-group/idresolve/internal/model"
)

var (
	backlogLimit  int
	backlogBudget int
)

var backlogCmd = &cobra.Command{
	Use:   "backlog",
	Short: "Inspect and process deferred resolutions",
}

var backlogProcessCmd = &cobra.Command{
	Use:   "process",
	Short: "Resolve pending backlog entries through the external service",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate(); err != nil {
			return err
		}
		if backlogBudget >= 0 {
			cfg.External.Budget = backlogBudget
		}

		lk := initLookup(cfg.External)
		if lk == nil {
			return eris.New("backlog process: external lookup is disabled")
		}

		env, err := initStore(ctx, cfg.Store)
		if err != nil {
			return err
		}
		defer env.Close()

		w := backlog.NewWorker(env.Queue, lk, env.Store, backlog.WorkerConfig{
			BatchSize:   cfg.Backlog.BatchSize,
			MaxAttempts: cfg.Backlog.MaxAttempts,
		})
		res, err := w.Drain(ctx, backlogLimit)
		if err != nil {
			return eris.Wrap(err, "backlog process")
		}

		stats := lk.Stats()
		zap.L().Info("backlog processed",
			zap.Int("claimed", res.Claimed),
			zap.Int("resolved", res.Resolved),
			zap.Int("retried", res.Retried),
			zap.Int("failed", res.Failed),
			zap.Int("released", res.Released),
			zap.Int("learned", res.Learned),
			zap.Int("external_used", stats.Used),
		)

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	},
}

var backlogStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show backlog entry counts by status",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initStore(ctx, cfg.Store)
		if err != nil {
			return err
		}
		defer env.Close()

		counts, err := env.Queue.Counts(ctx)
		if err != nil {
			return err
		}
		return writeCounts(cmd.OutOrStdout(), counts)
	},
}

func init() {
	backlogProcessCmd.Flags().IntVar(&backlogLimit, "limit", 0, "max entries to claim (0 = until the queue or budget is exhausted)")
	backlogProcessCmd.Flags().IntVar(&backlogBudget, "budget", -1, "external lookup budget (-1 uses config)")
	backlogCmd.AddCommand(backlogProcessCmd, backlogStatusCmd)
	rootCmd.AddCommand(backlogCmd)
}

// writeCounts prints every status, including empty ones.
func writeCounts(w io.Writer, counts map[model.BacklogStatus]int) error {
	out := make(map[model.BacklogStatus]int, 4)
	for _, s := range []model.BacklogStatus{model.BacklogPending, model.BacklogProcessing, model.BacklogDone, model.BacklogFailed} {
		out[s] = counts[s]
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
