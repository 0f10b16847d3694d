package main

import (
	"encoding/json"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/idresolve/internal/learner"
)

var (
	learnSchedule     string
	learnSource       string
	learnHistoryLimit int
)

var learnCmd = &cobra.Command{
	Use:   "learn",
	Short: "Learn key mappings from warehouse tables",
	Long:  "Mines the configured warehouse sources for majority (key, company id) pairs and records them as domain_learning mappings. With --schedule it runs on a cron schedule until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate(); err != nil {
			return err
		}

		env, err := initStore(ctx, cfg.Store)
		if err != nil {
			return err
		}
		defer env.Close()

		l, err := newLearner(env)
		if err != nil {
			return err
		}

		schedule := learnSchedule
		if schedule == "" {
			schedule = cfg.Learner.Schedule
		}
		if schedule != "" {
			s, err := learner.NewScheduler(l, schedule)
			if err != nil {
				return err
			}
			return s.Run(ctx)
		}

		var reports []learner.SourceReport
		if learnSource != "" {
			src, ok := findSource(cfg.Learner.Sources, learnSource)
			if !ok {
				return eris.Errorf("learn: unknown source %q", learnSource)
			}
			rep, err := l.RunSource(ctx, src)
			reports = append(reports, rep)
			if err != nil {
				return err
			}
		} else {
			reports, err = l.Run(ctx)
			if err != nil {
				return err
			}
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(reports)
	},
}

var learnHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent learning runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initStore(ctx, cfg.Store)
		if err != nil {
			return err
		}
		defer env.Close()

		runs, ok := env.RunLog.(*learner.PostgresRunLog)
		if !ok {
			return eris.New("learn history: requires the postgres store driver")
		}
		entries, err := runs.Recent(ctx, learnHistoryLimit)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	},
}

func init() {
	learnCmd.Flags().StringVar(&learnSchedule, "schedule", "", "cron schedule, e.g. \"0 3 * * *\" (default runs once)")
	learnCmd.Flags().StringVar(&learnSource, "source", "", "mine only the named source")
	learnHistoryCmd.Flags().IntVar(&learnHistoryLimit, "limit", 20, "number of runs to show")
	learnCmd.AddCommand(learnHistoryCmd)
	rootCmd.AddCommand(learnCmd)
}

// newLearner wires a Learner. The warehouse lives in postgres, so sqlite
// stores cannot learn.
func newLearner(env *storeEnv) (*learner.Learner, error) {
	if env.Warehouse == nil || env.RunLog == nil {
		return nil, eris.New("learn: requires the postgres store driver")
	}
	if len(cfg.Learner.Sources) == 0 {
		zap.L().Warn("learn: no sources configured")
	}
	return learner.New(env.Warehouse, env.RunLog, env.Store, learnerConfig(cfg))
}

func findSource(sources []learner.Source, name string) (learner.Source, bool) {
	for _, s := range sources {
		if s.Name == name {
			return s, true
		}
	}
	return learner.Source{}, false
}
