// Package resilience provides retry and circuit breaker helpers for calls to
// the external identity-search service.
package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// RetryConfig controls retries with exponential backoff and jitter. Each
// error class carries its own retry allowance, counted independently.
type RetryConfig struct {
	// RateLimitRetries is the number of retries after 429 responses.
	RateLimitRetries int

	// UnavailableRetries is the number of retries after 5xx or timeouts.
	UnavailableRetries int

	// InitialBackoff is the delay before the first retry. Default: 500ms.
	InitialBackoff time.Duration

	// MaxBackoff caps a single delay. Default: 10s.
	MaxBackoff time.Duration

	// Multiplier scales the delay after each retry. Default: 2.0.
	Multiplier float64

	// JitterFraction adds ±fraction random jitter to each delay.
	JitterFraction float64

	// OnRetry is called before each retry sleep.
	OnRetry func(attempt int, class ErrorClass, err error)
}

// DefaultRetryConfig matches the external lookup defaults: three retries on
// rate limiting, one on server errors.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		RateLimitRetries:   3,
		UnavailableRetries: 1,
		InitialBackoff:     500 * time.Millisecond,
		MaxBackoff:         10 * time.Second,
		Multiplier:         2.0,
		JitterFraction:     0.25,
	}
}

func (c RetryConfig) allowance(class ErrorClass) int {
	switch class {
	case ClassRateLimited:
		return c.RateLimitRetries
	case ClassUnavailable:
		return c.UnavailableRetries
	default:
		return 0
	}
}

// Do runs fn until it succeeds, returns a permanent error, exhausts the
// allowance for its error class, or ctx is done.
func Do(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	_, err := DoVal(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoVal is Do for functions that return a value.
func DoVal[T any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	cfg = applyDefaults(cfg)

	var zero T
	used := make(map[ErrorClass]int, 2)
	for attempt := 1; ; attempt++ {
		val, err := fn(ctx)
		if err == nil {
			return val, nil
		}
		if ctx.Err() != nil {
			return zero, err
		}

		class := Classify(err)
		if used[class] >= cfg.allowance(class) {
			return zero, err
		}
		used[class]++

		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, class, err)
		}

		timer := time.NewTimer(computeBackoff(used[class]-1, cfg))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, err
		case <-timer.C:
		}
	}
}

func applyDefaults(cfg RetryConfig) RetryConfig {
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 10 * time.Second
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.JitterFraction < 0 {
		cfg.JitterFraction = 0
	}
	return cfg
}

func computeBackoff(retry int, cfg RetryConfig) time.Duration {
	delay := float64(cfg.InitialBackoff) * math.Pow(cfg.Multiplier, float64(retry))
	if delay > float64(cfg.MaxBackoff) {
		delay = float64(cfg.MaxBackoff)
	}

	if cfg.JitterFraction > 0 {
		spread := delay * cfg.JitterFraction
		delay += (rand.Float64()*2 - 1) * spread
	}

	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// RetryLogger returns an OnRetry callback that logs each retry. Errors from
// the search service never carry the queried name.
func RetryLogger(operation string) func(int, ErrorClass, error) {
	return func(attempt int, class ErrorClass, err error) {
		zap.L().Warn("resilience: retrying",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Stringer("class", class),
			zap.Error(err),
		)
	}
}
