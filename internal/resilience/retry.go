// Package resilience provides retry policies for upstream provider calls.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrRetryBudgetExhausted wraps the last error once every attempt has failed.
var ErrRetryBudgetExhausted = errors.New("retry budget exhausted")

// RetryConfig controls exponential-backoff retries. The zero value is not
// usable; call DefaultRetryConfig for the standard upstream policy.
type RetryConfig struct {
	// Name labels log lines, e.g. "elevenlabs connect".
	Name string

	// Attempts is the total number of tries including the first.
	Attempts int

	// InitialBackoff is the delay before the second attempt. Each subsequent
	// delay doubles.
	InitialBackoff time.Duration

	// Retryable reports whether an error is worth another attempt. A nil
	// Retryable retries every error.
	Retryable func(error) bool
}

// DefaultRetryConfig is the standard upstream policy: three attempts with
// exponential backoff starting at one second.
func DefaultRetryConfig(name string) RetryConfig {
	return RetryConfig{
		Name:           name,
		Attempts:       3,
		InitialBackoff: time.Second,
	}
}

// Retry runs fn until it succeeds, the attempt budget is exhausted, a
// non-retryable error occurs, or ctx is cancelled. Non-retryable errors and
// context cancellation are returned unwrapped so callers can inspect them.
func Retry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}
	backoff := cfg.InitialBackoff

	var lastErr error
	for attempt := 1; attempt <= cfg.Attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if cfg.Retryable != nil && !cfg.Retryable(err) {
			return err
		}
		if attempt == cfg.Attempts {
			break
		}

		slog.Warn("retrying after failure",
			"name", cfg.Name, "attempt", attempt, "backoff", backoff, "err", err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}
	return fmt.Errorf("%w: %v", ErrRetryBudgetExhausted, lastErr)
}

// RetryResult is Retry for functions that produce a value. Package-level
// because Go does not support method-level type parameters.
func RetryResult[R any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) (R, error)) (R, error) {
	var result R
	err := Retry(ctx, cfg, func(ctx context.Context) error {
		var innerErr error
		result, innerErr = fn(ctx)
		return innerErr
	})
	if err != nil {
		var zero R
		return zero, err
	}
	return result, nil
}
