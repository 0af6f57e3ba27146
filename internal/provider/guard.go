// SPDX-License-Identifier: MIT

package provider

import (
	"context"
	"errors"
	"time"

	"github.com/mediacurator/curator/internal/config"
	"github.com/mediacurator/curator/internal/errdef"
	"github.com/mediacurator/curator/internal/log"
	"github.com/mediacurator/curator/internal/metrics"
	"github.com/mediacurator/curator/internal/ratelimit"
	"github.com/mediacurator/curator/internal/resilience"
)

// Guard composes the protection stack around every provider call: the
// circuit breaker outermost counting one failure per logical call, retries
// inside it, then the rate limiter gating the actual request. An open
// breaker fails the call fast instead of burning backoff against it. One
// Guard exists per provider.
type Guard struct {
	name    string
	limiter *ratelimit.Limiter
	breaker *resilience.CircuitBreaker
	policy  resilience.RetryPolicy
}

// GuardConfig tunes a provider's guard stack.
type GuardConfig struct {
	SustainedRPS   float64
	WindowSeconds  int
	Burst          int
	MaxFailures    int
	ResetTimeout   time.Duration
	RequestTimeout time.Duration
	Retry          resilience.RetryPolicy
}

// NewGuard builds the stack for one provider. Zero values take the
// provider-layer defaults (breaker threshold 5, reset 5 min, default
// retry policy).
func NewGuard(name string, cfg GuardConfig) *Guard {
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = resilience.DefaultRetryPolicy()
	}
	return &Guard{
		name: name,
		limiter: ratelimit.New(ratelimit.Config{
			Name:              name,
			RequestsPerSecond: cfg.SustainedRPS,
			WindowSeconds:     cfg.WindowSeconds,
			BurstCapacity:     cfg.Burst,
		}),
		breaker: resilience.NewCircuitBreaker(name, cfg.MaxFailures, cfg.ResetTimeout),
		policy:  cfg.Retry,
	}
}

// GuardFromCapabilities builds a guard from the provider's own declaration.
func GuardFromCapabilities(caps Capabilities, maxFailures int, reset time.Duration, retry resilience.RetryPolicy) *Guard {
	return NewGuard(caps.Name, GuardConfig{
		SustainedRPS:  caps.SustainedRPS,
		WindowSeconds: caps.WindowSeconds,
		Burst:         caps.Burst,
		MaxFailures:   maxFailures,
		ResetTimeout:  reset,
		Retry:         retry,
	})
}

// GuardFromPerformance builds a guard from the provider's declaration with
// the environment tuning applied on top: a per-provider RPS override, the
// retry attempt count and the breaker thresholds.
func GuardFromPerformance(caps Capabilities, perf config.Performance) *Guard {
	rps := caps.SustainedRPS
	if override, ok := perf.ProviderRPS[caps.Name]; ok && override > 0 {
		rps = override
	}
	retry := resilience.DefaultRetryPolicy()
	if perf.ProviderMaxRetries > 0 {
		retry.MaxAttempts = perf.ProviderMaxRetries
	}
	return NewGuard(caps.Name, GuardConfig{
		SustainedRPS:   rps,
		WindowSeconds:  caps.WindowSeconds,
		Burst:          caps.Burst,
		MaxFailures:    perf.MaxConsecutiveFailures,
		ResetTimeout:   perf.CircuitResetDelay,
		RequestTimeout: perf.ProviderRequestTimeout,
		Retry:          retry,
	})
}

// Do runs op through the guard stack. An open breaker surfaces as
// PROVIDER_UNAVAILABLE; everything else is whatever the adapter classified.
// The breaker wraps the whole retry loop so a logical call that exhausts
// its attempts counts as one failure, not one per attempt.
func (g *Guard) Do(ctx context.Context, class ratelimit.Class, op func(ctx context.Context) error) error {
	err := g.breaker.Execute(func() error {
		return resilience.Retry(ctx, g.policy, func(ctx context.Context) error {
			return g.limiter.Execute(ctx, class, op)
		}, resilience.WithOnRetry(func(err error, attempt int, delay time.Duration) {
			logger := log.WithComponent("provider")
			logger.Warn().
				Str("provider", g.name).Int("attempt", attempt).Dur("backoff", delay).
				Err(err).Msg("provider call retried")
		}))
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		err = errdef.Wrap(errdef.CodeProviderUnavailable, err, "%s suppressed", g.name).
			WithProvider(g.name)
	}

	code := "ok"
	if err != nil {
		if c := errdef.CodeOf(err); c != "" {
			code = string(c)
		} else {
			code = "unclassified"
		}
	}
	metrics.ProviderRequestsTotal.WithLabelValues(g.name, code).Inc()
	return err
}

// Snapshot exposes the limiter state for the operator surface.
func (g *Guard) Snapshot() ratelimit.Snapshot { return g.limiter.Snapshot() }

// Janitor prunes the limiter's request window on the given interval until
// ctx is cancelled. Run as a goroutine per guard.
func (g *Guard) Janitor(ctx context.Context, every time.Duration) {
	g.limiter.Janitor(ctx, every)
}

// BreakerState exposes the breaker state for health reporting.
func (g *Guard) BreakerState() resilience.State { return g.breaker.State() }
