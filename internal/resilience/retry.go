package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

// RetryConfig bounds a retry sequence.
type RetryConfig struct {
	// Attempts is the total number of tries, including the first.
	Attempts int

	// Delay is the initial backoff interval.
	Delay time.Duration

	// Backoff is the multiplier applied to the interval each attempt.
	Backoff float64

	// Retryable decides whether an error is worth retrying.
	// Defaults to IsTransient.
	Retryable func(error) bool
}

// DefaultRetry is the standard tuning: 3 attempts, 1s initial delay, ×2.
func DefaultRetry() RetryConfig {
	return RetryConfig{
		Attempts: 3,
		Delay:    time.Second,
		Backoff:  2.0,
	}
}

// Retry runs fn up to cfg.Attempts times with exponential backoff between
// attempts. Non-retryable errors abort immediately. Context cancellation
// stops the wait, not any in-flight remote work.
//
// Retry composes with Breaker.Call; the design default is
// breaker.Call(ctx, func(ctx) { return Retry(ctx, cfg, fn) }) so one
// exhausted retry sequence counts as a single breaker failure.
func Retry(ctx context.Context, cfg RetryConfig, fn func(context.Context) error) error {
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}
	if cfg.Delay <= 0 {
		cfg.Delay = time.Second
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 2.0
	}
	retryable := cfg.Retryable
	if retryable == nil {
		retryable = IsTransient
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.Delay
	bo.Multiplier = cfg.Backoff
	bo.RandomizationFactor = 0
	bo.MaxInterval = cfg.Delay * 32
	bo.MaxElapsedTime = 0

	attempt := 0
	operation := func() error {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return backoff.Permanent(err)
		}
		if attempt < cfg.Attempts {
			log.Debug().
				Err(err).
				Int("attempt", attempt).
				Int("max_attempts", cfg.Attempts).
				Msg("Retrying after transient failure")
		}
		return err
	}

	return backoff.Retry(operation,
		backoff.WithContext(backoff.WithMaxRetries(bo, uint64(cfg.Attempts-1)), ctx))
}
