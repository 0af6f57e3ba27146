// SPDX-License-Identifier: MIT

// Package ratelimit implements the per-provider request gate: a sliding
// window over request timestamps with a sustained ceiling and a separate
// burst ceiling for interactive traffic.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/mediacurator/curator/internal/metrics"
)

// Class categorizes a request for burst accounting. Webhook and user
// requests may consume burst capacity; background work is held to the
// sustained ceiling.
type Class string

const (
	ClassWebhook    Class = "webhook"
	ClassUser       Class = "user"
	ClassBackground Class = "background"
)

// Config holds the two ceilings of a limiter.
type Config struct {
	Name              string
	RequestsPerSecond float64
	WindowSeconds     int
	BurstCapacity     int
}

// Snapshot is the observable limiter state.
type Snapshot struct {
	InWindow  int
	Remaining int
	Max       int
	RPS       float64
	Burst     int
}

// clock abstracts time for tests.
type clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Limiter is a sliding-window token bucket. It never drops work: Execute
// blocks cooperatively until a slot frees up or the context is done.
type Limiter struct {
	mu     sync.Mutex
	cfg    Config
	window time.Duration
	stamps []time.Time
	clock  clock
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock injects a clock for deterministic tests.
func WithClock(c clock) Option {
	return func(l *Limiter) { l.clock = c }
}

// New creates a limiter. Zero or negative config values fall back to a
// 1 rps / 1 s / burst 1 floor.
func New(cfg Config, opts ...Option) *Limiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 1
	}
	if cfg.WindowSeconds <= 0 {
		cfg.WindowSeconds = 1
	}
	sustained := l0Ceiling(cfg)
	if cfg.BurstCapacity < sustained {
		cfg.BurstCapacity = sustained
	}
	l := &Limiter{
		cfg:    cfg,
		window: time.Duration(cfg.WindowSeconds) * time.Second,
		clock:  realClock{},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func l0Ceiling(cfg Config) int {
	n := int(cfg.RequestsPerSecond * float64(cfg.WindowSeconds))
	if n < 1 {
		n = 1
	}
	return n
}

func (l *Limiter) ceiling(class Class) int {
	if class == ClassBackground {
		return l0Ceiling(l.cfg)
	}
	return l.cfg.BurstCapacity
}

// prune drops timestamps that left the window. Caller holds l.mu.
func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.stamps) && !l.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.stamps = append(l.stamps[:0], l.stamps[i:]...)
	}
}

// TryAcquire takes a slot if one is free, returning false otherwise along
// with the duration until the next slot frees.
func (l *Limiter) TryAcquire(class Class) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	l.prune(now)

	max := l.ceiling(class)
	if len(l.stamps) < max {
		l.stamps = append(l.stamps, now)
		return true, 0
	}

	// The slot frees when the (len-max+1)-th oldest stamp ages out.
	idx := len(l.stamps) - max
	wait := l.stamps[idx].Add(l.window).Sub(now)
	if wait <= 0 {
		wait = time.Millisecond
	}
	return false, wait
}

// Execute blocks until a slot is available, then runs fn. The wait is
// cooperative: it suspends on a timer and honors ctx cancellation.
func (l *Limiter) Execute(ctx context.Context, class Class, fn func(context.Context) error) error {
	start := l.clock.Now()
	for {
		ok, wait := l.TryAcquire(class)
		if ok {
			metrics.RateLimitWait.WithLabelValues(l.cfg.Name, string(class)).
				Observe(l.clock.Now().Sub(start).Seconds())
			return fn(ctx)
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// Janitor prunes aged-out timestamps on the given interval until ctx is
// cancelled. Acquire paths prune on their own; the janitor keeps an idle
// limiter's window from holding stale stamps between requests.
func (l *Limiter) Janitor(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.mu.Lock()
			l.prune(l.clock.Now())
			l.mu.Unlock()
		}
	}
}

// Snapshot returns the observable limiter state for the background ceiling.
func (l *Limiter) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.prune(l.clock.Now())
	max := l0Ceiling(l.cfg)
	remaining := max - len(l.stamps)
	if remaining < 0 {
		remaining = 0
	}
	return Snapshot{
		InWindow:  len(l.stamps),
		Remaining: remaining,
		Max:       max,
		RPS:       l.cfg.RequestsPerSecond,
		Burst:     l.cfg.BurstCapacity,
	}
}
