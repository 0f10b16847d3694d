package main

import (
	"context"
	"database/sql"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/idresolve/internal/backlog"
	"github.com/sells-group/idresolve/internal/config"
	"github.com/sells-group/idresolve/internal/db"
	"github.com/sells-group/idresolve/internal/learner"
	"github.com/sells-group/idresolve/internal/lookup"
	"github.com/sells-group/idresolve/internal/mapping"
	"github.com/sells-group/idresolve/internal/resilience"
	"github.com/sells-group/idresolve/internal/resolver"
	"github.com/sells-group/idresolve/pkg/companysearch"
)

// storeEnv holds the persistence layer for one driver. Warehouse and RunLog
// are nil on sqlite.
type storeEnv struct {
	Store     mapping.Store
	Queue     backlog.Queue
	Warehouse learner.Warehouse
	RunLog    learner.RunLog

	pool   *pgxpool.Pool
	sqlite *sql.DB
}

// Close releases the underlying connections.
func (e *storeEnv) Close() {
	if e.pool != nil {
		e.pool.Close()
	}
	if e.sqlite != nil {
		_ = e.sqlite.Close()
	}
}

// Migrate applies the schema for the configured driver.
func (e *storeEnv) Migrate(ctx context.Context) error {
	if e.pool != nil {
		return db.Migrate(ctx, e.pool)
	}
	if err := e.Store.(*mapping.SQLiteStore).Migrate(ctx); err != nil {
		return err
	}
	return e.Queue.(*backlog.SQLiteQueue).Migrate(ctx)
}

// initStore opens the configured backend. Callers should defer env.Close().
func initStore(ctx context.Context, sc config.StoreConfig) (*storeEnv, error) {
	switch sc.Driver {
	case "sqlite":
		sdb, err := db.OpenSQLite(sc.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return &storeEnv{
			Store:  mapping.NewSQLiteStore(sdb),
			Queue:  backlog.NewSQLiteQueue(sdb),
			sqlite: sdb,
		}, nil
	case "postgres":
		pool, err := db.Connect(ctx, sc.DatabaseURL, db.PoolConfig{
			MaxConns: sc.MaxConns,
			MinConns: sc.MinConns,
		})
		if err != nil {
			return nil, err
		}
		return &storeEnv{
			Store:     mapping.NewPostgresStore(pool),
			Queue:     backlog.NewPostgresQueue(pool),
			Warehouse: learner.NewPostgresWarehouse(pool),
			RunLog:    learner.NewPostgresRunLog(pool),
			pool:      pool,
		}, nil
	default:
		return nil, eris.Errorf("unsupported store driver: %s", sc.Driver)
	}
}

// lookupConfig translates the external section into a lookup.Config.
func lookupConfig(ec config.ExternalConfig) lookup.Config {
	retry := resilience.DefaultRetryConfig()
	retry.RateLimitRetries = ec.RateLimitRetries
	retry.UnavailableRetries = ec.ServerErrorRetries
	return lookup.Config{
		Budget:             ec.Budget,
		Timeout:            time.Duration(ec.TimeoutSecs) * time.Second,
		RatePerSec:         ec.RatePerSec,
		MinCacheConfidence: ec.MinCacheConfidence,
		Confidence: lookup.ConfidenceTable{
			Exact:    ec.Confidence.Exact,
			Fuzzy:    ec.Confidence.Fuzzy,
			Phonetic: ec.Confidence.Phonetic,
		},
		Retry: retry,
		Breaker: resilience.CircuitBreakerConfig{
			FailureThreshold: ec.BreakerFailures,
			ResetTimeout:     time.Duration(ec.BreakerResetSecs) * time.Second,
		},
	}
}

// initLookup builds the budgeted external client, or nil when the
// external service is disabled.
func initLookup(ec config.ExternalConfig) *lookup.Client {
	if !ec.Enabled {
		zap.L().Debug("external lookup disabled")
		return nil
	}
	search := companysearch.NewClient(ec.Token,
		companysearch.WithBaseURL(ec.BaseURL),
		companysearch.WithTimeout(time.Duration(ec.TimeoutSecs)*time.Second),
	)
	return lookup.New(search, lookupConfig(ec))
}

// resolverConfig translates the resolver section. budget replaces the
// configured external budget when non-negative.
func resolverConfig(c *config.Config, budget int) resolver.Config {
	if budget < 0 {
		budget = c.External.Budget
	}
	return resolver.Config{
		Domain:                   c.Resolver.Domain,
		BatchTimeout:             time.Duration(c.Resolver.BatchTimeoutSecs) * time.Second,
		Workers:                  c.Resolver.Workers,
		ExistingColumnConfidence: c.Resolver.ExistingColumnConfidence,
		EmptyNamePolicy:          resolver.EmptyNamePolicy(c.Resolver.EmptyNamePolicy),
		ExternalBudget:           budget,
	}
}

// learnerConfig translates the learner section.
func learnerConfig(c *config.Config) learner.Config {
	return learner.Config{
		Confidence:        c.Learner.Confidence,
		MinNewRows:        c.Learner.MinNewRows,
		PlaceholderPrefix: c.Placeholder.Prefix,
		Sources:           c.Learner.Sources,
	}
}
