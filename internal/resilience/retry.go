package resilience

import (
	"context"
	"math"
	"time"
)

// RetryPolicy retries idempotent calls with exponential backoff.
type RetryPolicy struct {
	MaxAttempts   int           `mapstructure:"max_attempts"`
	InitialDelay  time.Duration `mapstructure:"initial_delay"`
	MaxDelay      time.Duration `mapstructure:"max_delay"`
	BackoffFactor float64       `mapstructure:"backoff_factor"`

	// Retryable decides whether an error is worth another attempt. Nil
	// retries every error.
	Retryable func(error) bool `mapstructure:"-" json:"-"`
}

// DefaultRetryPolicy returns the default policy for broker reads.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:   3,
		InitialDelay:  200 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
	}
}

// Backoff returns the delay before the given zero-based retry.
func (r RetryPolicy) Backoff(attempt int) time.Duration {
	d := float64(r.InitialDelay) * math.Pow(r.BackoffFactor, float64(attempt))
	if r.MaxDelay > 0 && d > float64(r.MaxDelay) {
		d = float64(r.MaxDelay)
	}
	return time.Duration(d)
}

// Do runs fn until it succeeds, returns a non-retryable error, exhausts
// MaxAttempts or ctx ends.
func (r RetryPolicy) Do(ctx context.Context, fn func(context.Context) error) error {
	_, err := Retry(ctx, r, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Retry runs fn under policy r and returns its value.
func Retry[T any](ctx context.Context, r RetryPolicy, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	attempts := max(r.MaxAttempts, 1)

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, lastErr
			}
			return zero, err
		}

		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if r.Retryable != nil && !r.Retryable(err) {
			return zero, err
		}
		if attempt == attempts-1 {
			break
		}

		timer := time.NewTimer(r.Backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, lastErr
		case <-timer.C:
		}
	}
	return zero, lastErr
}
