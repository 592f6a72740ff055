package async

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/arome3/vigil/pkg/store"
)

// Retry defaults: two retries on top of the initial attempt, starting at a
// 500 ms backoff that doubles per attempt with uniform jitter.
const (
	DefaultMaxRetries  = 2
	DefaultBackoffBase = 500 * time.Millisecond
)

// RetryConfig customizes Retry behavior.
type RetryConfig struct {
	MaxRetries  uint64
	BackoffBase time.Duration
	// Retryable classifies errors; nil uses store.IsRetryable (transport
	// status 429 or any 5xx).
	Retryable func(error) bool
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.Retryable == nil {
		c.Retryable = store.IsRetryable
	}
	return c
}

// Retry runs fn, retrying on retryable errors with exponential backoff and
// jitter. Non-retryable errors and exhausted retries surface the original
// error unchanged.
func Retry[T any](ctx context.Context, cfg RetryConfig, fn func(context.Context) (T, error)) (T, error) {
	cfg = cfg.withDefaults()
	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = DefaultMaxRetries
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = cfg.BackoffBase
	exp.Multiplier = 2
	exp.RandomizationFactor = 0.5
	exp.MaxInterval = 30 * time.Second
	exp.Reset()

	policy := backoff.WithContext(backoff.WithMaxRetries(exp, maxRetries), ctx)

	var value T
	operation := func() error {
		v, err := fn(ctx)
		if err != nil {
			if !cfg.Retryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		value = v
		return nil
	}

	if err := backoff.Retry(operation, policy); err != nil {
		var zero T
		// backoff.Permanent unwraps to the original error; exhausted retries
		// surface the last attempt's error directly.
		return zero, err
	}
	return value, nil
}
