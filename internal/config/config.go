// Package config loads idresolve settings from config.yaml and IDRESOLVE_*
// environment variables, and initializes the global logger.
package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/idresolve/internal/learner"
	"github.com/sells-group/idresolve/pkg/companysearch"
)

// Config holds the full application configuration.
type Config struct {
	Store       StoreConfig       `yaml:"store" mapstructure:"store"`
	Log         LogConfig         `yaml:"log" mapstructure:"log"`
	Overrides   OverridesConfig   `yaml:"overrides" mapstructure:"overrides"`
	Resolver    ResolverConfig    `yaml:"resolver" mapstructure:"resolver"`
	External    ExternalConfig    `yaml:"external" mapstructure:"external"`
	Placeholder PlaceholderConfig `yaml:"placeholder" mapstructure:"placeholder"`
	Backlog     BacklogConfig     `yaml:"backlog" mapstructure:"backlog"`
	Learner     LearnerConfig     `yaml:"learner" mapstructure:"learner"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// OverridesConfig locates the static override tables.
type OverridesConfig struct {
	Dir string `yaml:"dir" mapstructure:"dir"`
}

// ResolverConfig tunes the resolution cascade.
type ResolverConfig struct {
	Domain                   string  `yaml:"domain" mapstructure:"domain"`
	BatchTimeoutSecs         int     `yaml:"batch_timeout_secs" mapstructure:"batch_timeout_secs"`
	Workers                  int     `yaml:"workers" mapstructure:"workers"`
	ExistingColumnConfidence float64 `yaml:"existing_column_confidence" mapstructure:"existing_column_confidence"`
	EmptyNamePolicy          string  `yaml:"empty_name_policy" mapstructure:"empty_name_policy"`
}

// ConfidenceConfig maps match kinds to confidence.
type ConfidenceConfig struct {
	Exact    float64 `yaml:"exact" mapstructure:"exact"`
	Fuzzy    float64 `yaml:"fuzzy" mapstructure:"fuzzy"`
	Phonetic float64 `yaml:"phonetic" mapstructure:"phonetic"`
}

// ExternalConfig configures the company search service.
type ExternalConfig struct {
	Enabled            bool             `yaml:"enabled" mapstructure:"enabled"`
	BaseURL            string           `yaml:"base_url" mapstructure:"base_url"`
	Token              string           `yaml:"token" mapstructure:"token"`
	Budget             int              `yaml:"budget" mapstructure:"budget"`
	TimeoutSecs        int              `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RatePerSec         float64          `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	MinCacheConfidence float64          `yaml:"min_cache_confidence" mapstructure:"min_cache_confidence"`
	Confidence         ConfidenceConfig `yaml:"confidence" mapstructure:"confidence"`
	RateLimitRetries   int              `yaml:"rate_limit_retries" mapstructure:"rate_limit_retries"`
	ServerErrorRetries int              `yaml:"server_error_retries" mapstructure:"server_error_retries"`
	BreakerFailures    int              `yaml:"breaker_failures" mapstructure:"breaker_failures"`
	BreakerResetSecs   int              `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
}

// PlaceholderConfig configures synthetic ids.
type PlaceholderConfig struct {
	Salt   string `yaml:"salt" mapstructure:"salt"`
	Prefix string `yaml:"prefix" mapstructure:"prefix"`
}

// BacklogConfig configures the deferred resolution worker.
type BacklogConfig struct {
	BatchSize   int `yaml:"batch_size" mapstructure:"batch_size"`
	MaxAttempts int `yaml:"max_attempts" mapstructure:"max_attempts"`
}

// LearnerConfig configures domain learning.
type LearnerConfig struct {
	Confidence float64          `yaml:"confidence" mapstructure:"confidence"`
	MinNewRows int64            `yaml:"min_new_rows" mapstructure:"min_new_rows"`
	Schedule   string           `yaml:"schedule" mapstructure:"schedule"`
	Sources    []learner.Source `yaml:"sources" mapstructure:"sources"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("IDRESOLVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults. Keys without a useful default are still registered so
	// AutomaticEnv can bind them during Unmarshal.
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("overrides.dir", "./overrides")
	v.SetDefault("resolver.domain", "")
	v.SetDefault("resolver.batch_timeout_secs", 120)
	v.SetDefault("resolver.workers", 8)
	v.SetDefault("resolver.existing_column_confidence", 0.90)
	v.SetDefault("resolver.empty_name_policy", "shared")
	v.SetDefault("external.enabled", false)
	v.SetDefault("external.base_url", "")
	v.SetDefault("external.token", "")
	v.SetDefault("external.budget", 0)
	v.SetDefault("external.timeout_secs", 10)
	v.SetDefault("external.rate_per_sec", 5)
	v.SetDefault("external.min_cache_confidence", 0.80)
	v.SetDefault("external.confidence.exact", 1.0)
	v.SetDefault("external.confidence.fuzzy", 0.80)
	v.SetDefault("external.confidence.phonetic", 0.60)
	v.SetDefault("external.rate_limit_retries", 3)
	v.SetDefault("external.server_error_retries", 1)
	v.SetDefault("external.breaker_failures", 5)
	v.SetDefault("external.breaker_reset_secs", 60)
	v.SetDefault("placeholder.salt", "")
	v.SetDefault("placeholder.prefix", "TMP")
	v.SetDefault("backlog.batch_size", 100)
	v.SetDefault("backlog.max_attempts", 5)
	v.SetDefault("learner.confidence", 0.90)
	v.SetDefault("learner.min_new_rows", 500)
	v.SetDefault("learner.schedule", "")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks settings that must be right before any row is touched.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "postgres", "sqlite":
	default:
		return eris.Errorf("config: store.driver must be postgres or sqlite, got %q", c.Store.Driver)
	}
	if c.Store.DatabaseURL == "" {
		return eris.New("config: store.database_url is required")
	}
	if c.Placeholder.Salt == "" {
		return eris.New("config: placeholder.salt is required")
	}

	switch c.Resolver.EmptyNamePolicy {
	case "shared", "row_fallback":
	default:
		return eris.Errorf("config: resolver.empty_name_policy must be shared or row_fallback, got %q", c.Resolver.EmptyNamePolicy)
	}
	if c.Resolver.Workers < 1 || c.Resolver.Workers > 64 {
		return eris.Errorf("config: resolver.workers must be between 1 and 64, got %d", c.Resolver.Workers)
	}
	if err := unitInterval("resolver.existing_column_confidence", c.Resolver.ExistingColumnConfidence); err != nil {
		return err
	}

	if c.External.Enabled {
		if err := companysearch.ValidateCredentials(c.External.Token, c.External.BaseURL); err != nil {
			return eris.Wrap(err, "config: external")
		}
	}
	if c.External.Budget < 0 {
		return eris.New("config: external.budget must not be negative")
	}
	for name, v := range map[string]float64{
		"external.confidence.exact":     c.External.Confidence.Exact,
		"external.confidence.fuzzy":     c.External.Confidence.Fuzzy,
		"external.confidence.phonetic":  c.External.Confidence.Phonetic,
		"external.min_cache_confidence": c.External.MinCacheConfidence,
	} {
		if err := unitInterval(name, v); err != nil {
			return err
		}
	}

	if c.Learner.Confidence <= 0 || c.Learner.Confidence >= 1 {
		return eris.Errorf("config: learner.confidence must be in (0, 1), got %.2f", c.Learner.Confidence)
	}
	if c.Learner.Confidence >= c.External.Confidence.Exact {
		return eris.Errorf("config: learner.confidence %.2f must be below external.confidence.exact %.2f",
			c.Learner.Confidence, c.External.Confidence.Exact)
	}
	for _, src := range c.Learner.Sources {
		if err := src.Validate(); err != nil {
			return eris.Wrap(err, "config: learner.sources")
		}
	}
	return nil
}

func unitInterval(name string, v float64) error {
	if v < 0 || v > 1 {
		return eris.Errorf("config: %s must be in [0, 1], got %.2f", name, v)
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
