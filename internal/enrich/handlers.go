// SPDX-License-Identifier: MIT

package enrich

import (
	"context"
	"strconv"

	"github.com/mediacurator/curator/internal/assetcache"
	"github.com/mediacurator/curator/internal/errdef"
	"github.com/mediacurator/curator/internal/log"
	"github.com/mediacurator/curator/internal/orchestrator"
	"github.com/mediacurator/curator/internal/queue"
	"github.com/mediacurator/curator/internal/ratelimit"
	"github.com/mediacurator/curator/internal/store"
)

// Payload keys shared by the pipeline job types.
const (
	payloadEntityType = "entity_type"
	payloadEntityID   = "entity_id"
	payloadLibraryID  = "library_id"
)

// DefaultAssetTypes are fetched and selected when a job names none.
var DefaultAssetTypes = []string{"poster", "fanart", "banner", "thumb"}

// Handlers hosts the enrichment pipeline job handlers. Each stage chains
// the next so one discovered entity flows enrich → fetch-provider-assets →
// select-assets → publish without a coordinator.
type Handlers struct {
	store    *store.Store
	queue    queue.Enqueuer
	jobs     queue.Store
	orch     *orchestrator.Orchestrator
	fetcher  *orchestrator.AssetFetcher
	enricher *Enricher
	cache    *assetcache.Cache
	history  queue.RetentionPolicy
}

// NewHandlers wires the pipeline handlers.
func NewHandlers(
	st *store.Store,
	jobs queue.Store,
	orch *orchestrator.Orchestrator,
	fetcher *orchestrator.AssetFetcher,
	enricher *Enricher,
	cache *assetcache.Cache,
	history queue.RetentionPolicy,
) *Handlers {
	return &Handlers{
		store:    st,
		queue:    jobs,
		jobs:     jobs,
		orch:     orch,
		fetcher:  fetcher,
		enricher: enricher,
		cache:    cache,
		history:  history,
	}
}

// HandleEnrichMetadata runs one enrichment and chains the asset fetch when
// anything changed.
func (h *Handlers) HandleEnrichMetadata(ctx context.Context, job *queue.Job) error {
	ref, err := entityRefFromPayload(job.Payload)
	if err != nil {
		return err
	}
	res, err := h.orch.Enrich(ctx, orchestrator.EnrichRequest{
		Entity: ref,
		Class:  ratelimit.ClassBackground,
	})
	if err != nil {
		return err
	}
	if !res.Updated {
		return nil
	}
	_, err = h.queue.Enqueue(ctx, &queue.Job{
		Type:     queue.TypeFetchProviderAssets,
		Priority: queue.PriorityLow,
		Payload:  refPayload(ref),
	})
	return err
}

// HandleFetchProviderAssets collects artwork candidates from every capable
// provider and chains selection.
func (h *Handlers) HandleFetchProviderAssets(ctx context.Context, job *queue.Job) error {
	ref, err := entityRefFromPayload(job.Payload)
	if err != nil {
		return err
	}
	n, err := h.fetcher.CollectCandidates(ctx, ref, DefaultAssetTypes)
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	_, err = h.queue.Enqueue(ctx, &queue.Job{
		Type:     queue.TypeSelectAssets,
		Priority: queue.PriorityLow,
		Payload:  refPayload(ref),
	})
	return err
}

// HandleSelectAssets scores candidates per type, downloads the winners into
// the cache and chains the publish stage.
func (h *Handlers) HandleSelectAssets(ctx context.Context, job *queue.Job) error {
	ref, err := entityRefFromPayload(job.Payload)
	if err != nil {
		return err
	}
	selected := 0
	for _, assetType := range DefaultAssetTypes {
		picked, err := h.orch.SelectAssets(ctx, ref, assetType)
		if err != nil {
			return err
		}
		selected += len(picked)
	}
	if selected > 0 {
		if _, err := h.fetcher.DownloadSelected(ctx, ref, DefaultAssetTypes); err != nil {
			return err
		}
	}
	_, err = h.queue.Enqueue(ctx, &queue.Job{
		Type:     queue.TypePublish,
		Priority: queue.PriorityLow,
		Payload:  refPayload(ref),
	})
	return err
}

// HandlePublish marks the entity published. Rendering player-native outputs
// is out of scope; this stage exists so the lifecycle completes and the
// job.state event stream shows it.
func (h *Handlers) HandlePublish(ctx context.Context, job *queue.Job) error {
	ref, err := entityRefFromPayload(job.Payload)
	if err != nil {
		return err
	}
	if err := h.store.SetState(ctx, ref, store.StatePublished, false); err != nil {
		return err
	}
	logger := log.WithComponentFromContext(ctx, "publish")
	logger.Info().
		Str("entity_type", string(ref.Type)).Int64("entity_id", ref.ID).
		Msg("entity published")
	return nil
}

// HandleCacheAsset ingests one library file into the content-addressed
// cache and records the image row with both paths.
func (h *Handlers) HandleCacheAsset(ctx context.Context, job *queue.Job) error {
	ref, err := entityRefFromPayload(job.Payload)
	if err != nil {
		return err
	}
	path, _ := job.Payload["path"].(string)
	assetType, _ := job.Payload["asset_type"].(string)
	if path == "" || assetType == "" {
		return errdef.New(errdef.CodeValidation, "cache-asset payload incomplete")
	}

	asset, err := h.cache.AddFile(ctx, path)
	if err != nil {
		return err
	}
	out, err := h.store.UpsertImage(ctx, &store.ImageRow{
		Entity:       ref,
		AssetType:    assetType,
		LibraryPath:  path,
		CachePath:    h.cache.Path(asset.ContentHash, asset.Ext),
		CacheAssetID: asset.ID,
	})
	if err != nil {
		return err
	}
	return h.cache.SettleLink(ctx, asset.ID, out.PrevAssetID, out.Inserted)
}

// HandleBulkEnrich runs a bulk cycle; a cycle already in flight makes this
// job a no-op rather than a failure.
func (h *Handlers) HandleBulkEnrich(ctx context.Context, job *queue.Job) error {
	_, err := h.enricher.RunBulkCycle(ctx)
	if errdef.IsCode(err, errdef.CodeConstraint) {
		return nil
	}
	return err
}

// HandleScheduledProviderUpdate queues the next enrichment batch.
func (h *Handlers) HandleScheduledProviderUpdate(ctx context.Context, job *queue.Job) error {
	_, err := h.enricher.EnqueueDue(ctx)
	return err
}

// HandleScheduledCleanup prunes job history by retention class and sweeps
// unreferenced cache assets.
func (h *Handlers) HandleScheduledCleanup(ctx context.Context, job *queue.Job) error {
	removed, err := h.jobs.CleanupHistory(ctx, h.history)
	if err != nil {
		return err
	}
	swept, err := h.cache.CleanupOrphans(ctx, false)
	if err != nil {
		return err
	}
	logger := log.WithComponentFromContext(ctx, "cleanup")
	logger.Info().
		Int("history_removed", removed).Int("assets_swept", swept.Deleted).
		Int64("freed_bytes", swept.FreedBytes).Int("sweep_errors", swept.Errors).
		Msg("scheduled cleanup done")
	return nil
}

// HandleWebhookReceived reacts to an external notification by scheduling a
// library scan.
func (h *Handlers) HandleWebhookReceived(ctx context.Context, job *queue.Job) error {
	libraryID, ok := payloadInt(job.Payload, payloadLibraryID)
	if !ok {
		return errdef.New(errdef.CodeValidation, "webhook payload missing library_id")
	}
	_, err := h.queue.Enqueue(ctx, &queue.Job{
		Type:     queue.TypeScanLibrary,
		Priority: queue.PriorityHigh,
		Payload:  map[string]any{payloadLibraryID: libraryID},
	})
	return err
}

func refPayload(ref store.EntityRef) map[string]any {
	return map[string]any{
		payloadEntityType: string(ref.Type),
		payloadEntityID:   ref.ID,
	}
}

func entityRefFromPayload(payload map[string]any) (store.EntityRef, error) {
	t, _ := payload[payloadEntityType].(string)
	id, ok := payloadInt(payload, payloadEntityID)
	if t == "" || !ok {
		return store.EntityRef{}, errdef.New(errdef.CodeValidation, "payload missing entity reference")
	}
	return store.EntityRef{Type: store.EntityType(t), ID: id}, nil
}

func payloadInt(payload map[string]any, key string) (int64, bool) {
	switch v := payload[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	}
	return 0, false
}
