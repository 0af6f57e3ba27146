// SPDX-License-Identifier: MIT

// Package metrics provides Prometheus metrics for the enrichment pipeline.
// No high-cardinality labels: job ids, entity ids and paths never appear
// as label values.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsTotal counts terminal job outcomes by type.
	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "curator",
		Name:      "jobs_total",
		Help:      "Total number of terminal jobs, by type and outcome.",
	}, []string{"type", "outcome"})

	// JobRetriesTotal counts retried job attempts by type.
	JobRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "curator",
		Name:      "job_retries_total",
		Help:      "Total number of job retries, by type.",
	}, []string{"type"})

	// QueueDepth tracks active queue rows by status.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "curator",
		Name:      "queue_depth",
		Help:      "Current number of queued jobs, by status.",
	}, []string{"status"})

	// JobDuration observes handler wall time by type.
	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "curator",
		Name:      "job_duration_seconds",
		Help:      "Job handler execution time, by type.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
	}, []string{"type"})

	// ProviderRequestsTotal counts provider calls by provider and result code.
	ProviderRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "curator",
		Name:      "provider_requests_total",
		Help:      "Total provider requests, by provider and taxonomy code (ok for success).",
	}, []string{"provider", "code"})

	// CircuitBreakerState exposes the current breaker state (0 closed, 1 half-open, 2 open).
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "curator",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state by name (0=closed, 1=half-open, 2=open).",
	}, []string{"name"})

	// CircuitBreakerTrips counts breaker trips by name and cause.
	CircuitBreakerTrips = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "curator",
		Name:      "circuit_breaker_trips_total",
		Help:      "Total circuit breaker trips, by name and cause.",
	}, []string{"name", "cause"})

	// RateLimitWait observes time spent waiting for a limiter slot.
	RateLimitWait = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "curator",
		Name:      "ratelimit_wait_seconds",
		Help:      "Time spent waiting on a rate limiter slot, by limiter and class.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
	}, []string{"limiter", "class"})

	// CacheOpsTotal counts asset cache operations by op and result.
	CacheOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "curator",
		Name:      "asset_cache_ops_total",
		Help:      "Total asset cache operations, by op (add, ref, unref, sweep) and result.",
	}, []string{"op", "result"})

	// CacheBytes tracks bytes stored in the content-addressed cache.
	CacheBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "curator",
		Name:      "asset_cache_bytes",
		Help:      "Bytes currently stored in the asset cache.",
	})

	// BusDroppedTotal counts events dropped due to subscriber lag.
	BusDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "curator",
		Name:      "bus_dropped_total",
		Help:      "Total bus events dropped on slow subscribers, by topic.",
	}, []string{"topic"})

	// ScanDirectoriesTotal counts directory-scan results by outcome.
	ScanDirectoriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "curator",
		Name:      "scan_directories_total",
		Help:      "Total scanned directories, by outcome (discovered, updated, skipped, error).",
	}, []string{"outcome"})

	// EnrichCyclesTotal counts bulk enrichment cycles by stop reason.
	EnrichCyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "curator",
		Name:      "enrich_cycles_total",
		Help:      "Total bulk enrichment cycles, by stop reason (completed when none).",
	}, []string{"reason"})
)

// breaker state encoding used by SetBreakerState.
const (
	BreakerClosed   = 0
	BreakerHalfOpen = 1
	BreakerOpen     = 2
)

// SetBreakerState maps a breaker state string to its gauge encoding.
func SetBreakerState(name, state string) {
	v := float64(BreakerClosed)
	switch state {
	case "half-open":
		v = BreakerHalfOpen
	case "open":
		v = BreakerOpen
	}
	CircuitBreakerState.WithLabelValues(name).Set(v)
}
