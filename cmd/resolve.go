package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/idresolve/internal/overrides"
	"github.com/sells-group/idresolve/internal/placeholder"
	"github.com/sells-group/idresolve/internal/resolver"
	"github.com/sells-group/idresolve/internal/rowsource"
)

var (
	resolveInput  string
	resolveOutput string
	resolveDomain string
	resolveBudget int
)

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Resolve a batch of rows to company ids",
	Long:  "Reads rows from a .jsonl or .xlsx file, resolves every row and writes one JSON line per row. The run summary is printed to stderr.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if resolveDomain != "" {
			cfg.Resolver.Domain = resolveDomain
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		rows, err := rowsource.ReadFile(ctx, resolveInput)
		if err != nil {
			return eris.Wrap(err, "read input")
		}

		env, storeErr := openResolveStore(ctx)
		if env != nil {
			defer env.Close()
		}

		r, err := newResolver(env, storeErr)
		if err != nil {
			return err
		}

		res, err := r.Resolve(ctx, rows)
		if err != nil {
			return eris.Wrap(err, "resolve")
		}

		out := cmd.OutOrStdout()
		if resolveOutput != "" && resolveOutput != "-" {
			f, err := os.Create(resolveOutput)
			if err != nil {
				return eris.Wrap(err, "create output")
			}
			defer f.Close() //nolint:errcheck
			out = f
		}
		if err := writeResult(out, cmd.ErrOrStderr(), res); err != nil {
			return err
		}

		zap.L().Info("resolve complete",
			zap.Int("rows", len(rows)),
			zap.Int("placeholders", res.Summary.Placeholders),
		)
		return nil
	},
}

func init() {
	resolveCmd.Flags().StringVar(&resolveInput, "input", "", "input file (.jsonl, .ndjson or .xlsx)")
	resolveCmd.Flags().StringVar(&resolveOutput, "output", "", "output JSONL file (default stdout)")
	resolveCmd.Flags().StringVar(&resolveDomain, "domain", "", "source domain recorded on learned mappings")
	resolveCmd.Flags().IntVar(&resolveBudget, "budget", -1, "external lookup budget for this run (-1 uses config)")
	_ = resolveCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(resolveCmd)
}

// openResolveStore opens and migrates the store. On failure it returns a nil
// env and the cause: resolution runs without the mapping store and backlog
// rather than aborting.
func openResolveStore(ctx context.Context) (*storeEnv, error) {
	env, err := initStore(ctx, cfg.Store)
	if err != nil {
		zap.L().Warn("store unavailable, resolving without mapping store",
			zap.String("driver", cfg.Store.Driver), zap.Error(err))
		return nil, err
	}
	if err := env.Migrate(ctx); err != nil {
		env.Close()
		zap.L().Warn("store migration failed, resolving without mapping store",
			zap.String("driver", cfg.Store.Driver), zap.Error(err))
		return nil, eris.Wrap(err, "migrate store")
	}
	return env, nil
}

// newResolver wires the resolver from config. A nil env runs the cascade
// without tier 2, backflow and the backlog; storeErr is reported in the
// run summary.
func newResolver(env *storeEnv, storeErr error) (*resolver.Resolver, error) {
	table, err := overrides.Load(cfg.Overrides.Dir)
	if err != nil {
		return nil, eris.Wrap(err, "load overrides")
	}

	gen, err := placeholder.New(cfg.Placeholder.Salt, cfg.Placeholder.Prefix)
	if err != nil {
		return nil, err
	}

	deps := resolver.Deps{
		Overrides:    table,
		Placeholders: gen,
		StoreErr:     storeErr,
	}
	if env != nil {
		deps.Store = env.Store
		deps.Backlog = env.Queue
	}
	if lk := initLookup(cfg.External); lk != nil {
		deps.External = lk
	}
	return resolver.New(deps, resolverConfig(cfg, resolveBudget))
}

// writeResult writes one JSON line per record to out and the indented
// summary to summaryOut.
func writeResult(out, summaryOut io.Writer, res *resolver.Result) error {
	if err := rowsource.WriteJSONL(out, res.Records); err != nil {
		return eris.Wrap(err, "write output")
	}
	enc := json.NewEncoder(summaryOut)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res.Summary); err != nil {
		return eris.Wrap(err, "write summary")
	}
	return nil
}

