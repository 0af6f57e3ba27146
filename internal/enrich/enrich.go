// SPDX-License-Identifier: MIT

// Package enrich schedules metadata enrichment: it selects the entities due
// for a refresh, runs bulk cycles under a single-flight latch and hosts the
// job handlers that chain the enrichment pipeline (enrich → fetch assets →
// select → publish).
package enrich

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/mediacurator/curator/internal/config"
	"github.com/mediacurator/curator/internal/errdef"
	"github.com/mediacurator/curator/internal/log"
	"github.com/mediacurator/curator/internal/metrics"
	"github.com/mediacurator/curator/internal/orchestrator"
	"github.com/mediacurator/curator/internal/queue"
	"github.com/mediacurator/curator/internal/ratelimit"
	"github.com/mediacurator/curator/internal/store"
)

// CycleStats summarizes one bulk enrichment cycle.
type CycleStats struct {
	Processed  int
	Stopped    bool
	StopReason string
	StartTime  time.Time
	EndTime    time.Time
}

// ErrCycleRunning is returned when a bulk cycle is requested while one is
// already in flight.
var ErrCycleRunning = errdef.New(errdef.CodeConstraint, "bulk enrichment cycle already running")

// Enricher selects and enriches entities on a schedule.
type Enricher struct {
	store *store.Store
	queue queue.Enqueuer
	orch  *orchestrator.Orchestrator

	staleAfter time.Duration
	batchLimit int

	// inFlight is the single-cycle latch; a second bulk request while one
	// runs is refused, not queued.
	inFlight atomic.Bool
}

// New wires an enricher from the performance config.
func New(st *store.Store, q queue.Enqueuer, orch *orchestrator.Orchestrator, perf config.Performance) *Enricher {
	staleAfter := perf.EnrichStaleAfter
	if staleAfter <= 0 {
		staleAfter = 30 * 24 * time.Hour
	}
	batch := perf.EnrichBatchLimit
	if batch <= 0 {
		batch = 50
	}
	return &Enricher{
		store:      st,
		queue:      q,
		orch:       orch,
		staleAfter: staleAfter,
		batchLimit: batch,
	}
}

// EnqueueDue selects entities needing enrichment (discovered, explicitly
// prioritized, or stale) and enqueues one enrich-metadata job each, capped
// per cycle. Returns the number queued.
func (e *Enricher) EnqueueDue(ctx context.Context) (int, error) {
	staleBefore := time.Now().Add(-e.staleAfter)
	cands, err := e.store.EnrichmentCandidates(ctx, store.EntityMovie, staleBefore, e.batchLimit)
	if err != nil {
		return 0, err
	}
	queued := 0
	for _, entity := range cands {
		priority := queue.PriorityLow
		if entity.EnrichmentPriority > 0 {
			priority = queue.PriorityNormal
		}
		_, err := e.queue.Enqueue(ctx, &queue.Job{
			Type:     queue.TypeEnrichMetadata,
			Priority: priority,
			Payload: map[string]any{
				payloadEntityType: string(entity.Ref.Type),
				payloadEntityID:   entity.Ref.ID,
			},
		})
		if err != nil {
			return queued, err
		}
		queued++
	}
	if queued > 0 {
		logger := log.WithComponentFromContext(ctx, "enrich")
		logger.Info().
			Int("queued", queued).Msg("enrichment batch queued")
	}
	return queued, nil
}

// RunBulkCycle enriches every monitored entity synchronously with the
// completeness floor enforced. Only one cycle runs at a time. The cycle
// stops early when a provider signals a hard rate limit with no data, since
// the remaining entities would only hammer an exhausted quota.
func (e *Enricher) RunBulkCycle(ctx context.Context) (CycleStats, error) {
	if !e.inFlight.CompareAndSwap(false, true) {
		return CycleStats{}, ErrCycleRunning
	}
	defer e.inFlight.Store(false)

	stats := CycleStats{StartTime: time.Now()}
	defer func() { stats.EndTime = time.Now() }()
	logger := log.WithComponentFromContext(ctx, "enrich")

	refs, err := e.store.MonitoredEntities(ctx, store.EntityMovie)
	if err != nil {
		return stats, err
	}

	for _, ref := range refs {
		if ctx.Err() != nil {
			stats.Stopped = true
			stats.StopReason = "cancelled"
			break
		}
		res, err := e.orch.Enrich(ctx, orchestrator.EnrichRequest{
			Entity:          ref,
			RequireComplete: true,
			Class:           ratelimit.ClassBackground,
		})
		if err != nil {
			if errdef.IsCode(err, errdef.CodeRateLimit) && res != nil && !res.Updated {
				stats.Stopped = true
				stats.StopReason = stopReasonRateLimited(res)
				logger.Warn().Str("reason", stats.StopReason).
					Int("processed", stats.Processed).Msg("bulk cycle stopped early")
				break
			}
			logger.Warn().Int64("entity_id", ref.ID).Err(err).Msg("bulk enrich entity failed")
			continue
		}
		stats.Processed++
	}

	metrics.EnrichCyclesTotal.WithLabelValues(cycleOutcome(stats)).Inc()
	logger.Info().Int("processed", stats.Processed).
		Bool("stopped", stats.Stopped).Msg("bulk cycle finished")
	return stats, nil
}

func stopReasonRateLimited(res *orchestrator.EnrichResult) string {
	if len(res.RateLimited) > 0 {
		return "rate_limited:" + res.RateLimited[0]
	}
	return "rate_limited"
}

func cycleOutcome(stats CycleStats) string {
	if stats.Stopped {
		return stats.StopReason
	}
	return "completed"
}
