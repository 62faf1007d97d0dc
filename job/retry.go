package job

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// retryConfig drives bounded exponential backoff for store writes.
type retryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

func (c retryConfig) backOff(ctx context.Context) backoff.BackOff {
	attempts := c.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.InitialDelay
	eb.RandomizationFactor = 0
	eb.Multiplier = 2
	eb.MaxElapsedTime = 0
	if c.MaxDelay > 0 {
		eb.MaxInterval = c.MaxDelay
	}
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(attempts-1)), ctx)
}

// withRetry calls fn until it succeeds or the attempts run out, returning the
// last error.
func withRetry(ctx context.Context, cfg retryConfig, fn func(context.Context) error) error {
	return backoff.Retry(func() error { return fn(ctx) }, cfg.backOff(ctx))
}
