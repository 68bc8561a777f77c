package resilience

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

// ChainStep is one interchangeable provider in a fallback chain.
type ChainStep struct {
	Name    string
	Breaker *Breaker
	Call    func(ctx context.Context) (string, error)
}

// Chain tries interchangeable providers in order. Each step runs its call
// through its own breaker with the chain's retry policy; a CircuitOpenError
// or an exhausted retry sequence falls through to the next step.
type Chain struct {
	steps []ChainStep
	retry RetryConfig
}

// NewChain creates a fallback chain over the given steps.
func NewChain(retry RetryConfig, steps ...ChainStep) *Chain {
	return &Chain{steps: steps, retry: retry}
}

// Do attempts each provider in order and returns the first success.
// Once every provider is exhausted it returns an error wrapping
// ErrUnavailable, never a raw provider error.
func (c *Chain) Do(ctx context.Context) (string, error) {
	var lastErr error

	for _, step := range c.steps {
		var result string
		err := step.Breaker.Call(ctx, func(ctx context.Context) error {
			return Retry(ctx, c.retry, func(ctx context.Context) error {
				out, callErr := step.Call(ctx)
				if callErr != nil {
					return callErr
				}
				result = out
				return nil
			})
		})
		if err == nil {
			return result, nil
		}

		lastErr = err
		log.Warn().
			Str("provider", step.Name).
			Err(err).
			Msg("Provider failed, trying next in chain")
	}

	if lastErr == nil {
		return "", fmt.Errorf("%w: no providers configured", ErrUnavailable)
	}
	return "", fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}
