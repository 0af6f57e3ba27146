// SPDX-License-Identifier: MIT

package resilience

import (
	"context"
	"math/rand"
	"time"

	"github.com/mediacurator/curator/internal/errdef"
)

// RetryPolicy describes capped exponential backoff with jitter.
type RetryPolicy struct {
	InitialDelay   time.Duration
	Multiplier     float64
	MaxDelay       time.Duration
	MaxAttempts    int
	JitterFraction float64
}

// DefaultRetryPolicy matches the provider defaults: 3 attempts, 500 ms
// initial delay doubling up to 10 s, ±25% jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialDelay:   500 * time.Millisecond,
		Multiplier:     2,
		MaxDelay:       10 * time.Second,
		MaxAttempts:    3,
		JitterFraction: 0.25,
	}
}

// RetryOption configures a Retry call.
type RetryOption func(*retryConfig)

type retryConfig struct {
	retryable func(error) bool
	onRetry   func(err error, attempt int, delay time.Duration)
	sleep     func(ctx context.Context, d time.Duration) error
}

// WithClassifier overrides the retryable-error classifier
// (default errdef.Retryable).
func WithClassifier(fn func(error) bool) RetryOption {
	return func(c *retryConfig) { c.retryable = fn }
}

// WithOnRetry registers a callback invoked before each backoff sleep.
func WithOnRetry(fn func(err error, attempt int, delay time.Duration)) RetryOption {
	return func(c *retryConfig) { c.onRetry = fn }
}

// withSleep overrides the sleep function; used in tests.
func withSleep(fn func(ctx context.Context, d time.Duration) error) RetryOption {
	return func(c *retryConfig) { c.sleep = fn }
}

func ctxSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Delay computes the backoff before the given retry (attempt starts at 1),
// without jitter.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := p.InitialDelay
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * p.Multiplier)
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

func (p RetryPolicy) jittered(d time.Duration) time.Duration {
	if p.JitterFraction <= 0 {
		return d
	}
	spread := p.JitterFraction * float64(d)
	j := time.Duration((rand.Float64()*2 - 1) * spread)
	out := d + j
	if out < 0 {
		return 0
	}
	return out
}

// Retry invokes op until it succeeds, returns a non-retryable error, or the
// attempt budget is exhausted. A RATE_LIMIT retry-after hint overrides the
// computed backoff when longer.
func Retry(ctx context.Context, policy RetryPolicy, op func(ctx context.Context) error, opts ...RetryOption) error {
	cfg := retryConfig{
		retryable: errdef.Retryable,
		sleep:     ctxSleep,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !cfg.retryable(lastErr) {
			return lastErr
		}
		if attempt == policy.MaxAttempts {
			break
		}

		delay := policy.jittered(policy.Delay(attempt))
		if hint := errdef.RetryAfterOf(lastErr); hint > delay {
			delay = hint
		}
		if cfg.onRetry != nil {
			cfg.onRetry(lastErr, attempt, delay)
		}
		if err := cfg.sleep(ctx, delay); err != nil {
			return err
		}
	}
	return lastErr
}
