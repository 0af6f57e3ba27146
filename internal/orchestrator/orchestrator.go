// SPDX-License-Identifier: MIT

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/mediacurator/curator/internal/config"
	"github.com/mediacurator/curator/internal/errdef"
	"github.com/mediacurator/curator/internal/log"
	"github.com/mediacurator/curator/internal/provider"
	"github.com/mediacurator/curator/internal/ratelimit"
	"github.com/mediacurator/curator/internal/store"
)

// EnrichRequest names what to fetch for one entity.
type EnrichRequest struct {
	Entity store.EntityRef
	// Fields to resolve; empty means DefaultFields.
	Fields []string
	// RequireComplete applies the completeness floor strictly (bulk cycles).
	RequireComplete bool
	// Class is the rate-limit class; zero value means background.
	Class ratelimit.Class
}

// EnrichResult reports what a fetch actually did.
type EnrichResult struct {
	// Updated is true when any field was written.
	Updated bool
	// Fields holds the merged values that were written.
	Fields map[string]string
	// SkippedLockedFields lists provider-offered fields kept unchanged.
	SkippedLockedFields []string
	// RateLimited names providers that refused with RATE_LIMIT.
	RateLimited []string
	// Failed maps provider name to its terminal error string.
	Failed map[string]string
	// Partial is true when at least one capable provider produced nothing.
	Partial bool
	// Completeness is the merged fraction of requested fields resolved.
	Completeness float64
	// NotModified is true when change detection skipped the refetch.
	NotModified bool
}

// Orchestrator fans a metadata request out to every capable provider and
// merges the responses into the entity row.
type Orchestrator struct {
	store    *store.Store
	registry *provider.Registry
	profile  Profile
	cache    *provider.ResponseCache // optional

	minCompleteness float64
	rejectPartial   bool

	// sf collapses concurrent identical provider fetches (two workers
	// enriching the same entity hit the upstream once).
	sf singleflight.Group
}

// New wires an orchestrator.
func New(st *store.Store, reg *provider.Registry, profile Profile, cache *provider.ResponseCache, perf config.Performance) *Orchestrator {
	min := perf.MinCompleteness
	if min <= 0 {
		min = 0.6
	}
	return &Orchestrator{
		store:           st,
		registry:        reg,
		profile:         profile,
		cache:           cache,
		minCompleteness: min,
		rejectPartial:   perf.RejectPartialMetadata,
	}
}

// Enrich fetches, merges and persists metadata for one entity. Partial
// provider failures are tolerated: any value that did arrive is written
// unless the completeness policy rejects the whole record.
func (o *Orchestrator) Enrich(ctx context.Context, req EnrichRequest) (*EnrichResult, error) {
	entity, err := o.store.GetEntity(ctx, req.Entity)
	if err != nil {
		return nil, err
	}
	if entity == nil {
		return nil, errdef.New(errdef.CodeNotFound, "%s %d", req.Entity.Type, req.Entity.ID)
	}

	fields := req.Fields
	if len(fields) == 0 {
		fields = DefaultFields
	}
	class := req.Class
	if class == "" {
		class = ratelimit.ClassBackground
	}

	capable, caps, err := o.capableProviders(ctx, req.Entity.Type)
	if err != nil {
		return nil, err
	}
	if len(capable) == 0 {
		return nil, errdef.New(errdef.CodeValidation, "no enabled provider serves %s", req.Entity.Type)
	}

	responses, rateLimited, failed := o.fanOut(ctx, entity, fields, class, capable)

	result := &EnrichResult{
		RateLimited: rateLimited,
		Failed:      failed,
	}
	if len(responses) == 0 {
		if len(rateLimited) > 0 {
			return result, errdef.New(errdef.CodeRateLimit,
				"all providers rate limited for %s %d", req.Entity.Type, req.Entity.ID)
		}
		return result, errdef.New(errdef.CodeProviderUnavailable,
			"no provider produced data for %s %d", req.Entity.Type, req.Entity.ID)
	}

	// Change detection: when every responding provider says not-modified,
	// skip the merge entirely.
	allUnmodified := true
	for _, resp := range responses {
		if !resp.NotModified {
			allUnmodified = false
			break
		}
	}
	if allUnmodified {
		result.NotModified = true
		return result, o.store.TouchScraped(ctx, req.Entity)
	}

	merged, err := o.merge(ctx, req.Entity, fields, responses, caps)
	if err != nil {
		return nil, err
	}
	result.SkippedLockedFields = merged.SkippedLockedFields
	result.Partial = len(rateLimited) > 0 || len(failed) > 0
	result.Completeness = completeness(fields, merged)

	if result.Completeness < o.minCompleteness && (req.RequireComplete || o.rejectPartial) {
		return result, errdef.New(errdef.CodeProviderInvalidResponse,
			"merged record %.0f%% complete, below the %.0f%% floor",
			result.Completeness*100, o.minCompleteness*100)
	}

	if len(merged.Fields) == 0 && len(merged.ExternalIDs) == 0 {
		return result, o.store.TouchScraped(ctx, req.Entity)
	}

	if err := o.apply(ctx, req.Entity, entity.Version, merged); err != nil {
		return nil, err
	}
	result.Updated = true
	result.Fields = merged.Fields

	if entity.State == store.StateDiscovered {
		if err := o.store.SetState(ctx, req.Entity, store.StateEnriched, false); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// apply persists the merge under the optimistic version check, retrying
// exactly once on conflict after re-reading the row.
func (o *Orchestrator) apply(ctx context.Context, ref store.EntityRef, version int64, merged *mergeResult) error {
	err := o.store.ApplyMetadata(ctx, ref, version, merged.Fields, merged.ExternalIDs)
	if !errors.Is(err, store.ErrVersionConflict) {
		return err
	}

	fresh, gerr := o.store.GetEntity(ctx, ref)
	if gerr != nil {
		return gerr
	}
	if fresh == nil {
		return errdef.New(errdef.CodeNotFound, "%s %d", ref.Type, ref.ID)
	}
	return o.store.ApplyMetadata(ctx, ref, fresh.Version, merged.Fields, merged.ExternalIDs)
}

// capableProviders returns the enabled providers serving this entity type
// plus their capabilities keyed by name.
func (o *Orchestrator) capableProviders(ctx context.Context, t store.EntityType) ([]*provider.Guarded, map[string]provider.Capabilities, error) {
	enabled, err := o.registry.Enabled(ctx)
	if err != nil {
		return nil, nil, err
	}
	var capable []*provider.Guarded
	caps := map[string]provider.Capabilities{}
	for _, g := range enabled {
		c := g.Adapter.Capabilities()
		if !c.SupportsEntity(t) {
			continue
		}
		capable = append(capable, g)
		caps[c.Name] = c
	}
	return capable, caps, nil
}

// fanOut queries every capable provider concurrently. Per-provider errors
// never abort the group; they are collected for the caller.
func (o *Orchestrator) fanOut(
	ctx context.Context,
	entity *store.Entity,
	fields []string,
	class ratelimit.Class,
	capable []*provider.Guarded,
) (map[string]*provider.MetadataResponse, []string, map[string]string) {
	var mu sync.Mutex
	responses := map[string]*provider.MetadataResponse{}
	failed := map[string]string{}
	var rateLimited []string

	extIDs := map[string]string{}
	if entity.IMDBID != "" {
		extIDs["imdb"] = entity.IMDBID
	}
	if entity.TMDBID != "" {
		extIDs["tmdb"] = entity.TMDBID
	}
	if entity.TVDBID != "" {
		extIDs["tvdb"] = entity.TVDBID
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, guarded := range capable {
		guarded := guarded
		name := guarded.Adapter.Capabilities().Name
		g.Go(func() error {
			resp, err := o.fetchOne(gctx, guarded, entity, fields, extIDs, class)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if errdef.IsCode(err, errdef.CodeRateLimit) {
					rateLimited = append(rateLimited, name)
				} else {
					failed[name] = err.Error()
				}
				logger := log.WithComponentFromContext(gctx, "orchestrator")
				logger.Warn().
					Str("provider", name).Err(err).Msg("provider fetch failed")
				return nil // partial tolerance: never abort the group
			}
			responses[name] = resp
			return nil
		})
	}
	_ = g.Wait()
	sort.Strings(rateLimited)
	return responses, rateLimited, failed
}

// fetchOne runs a single provider fetch behind singleflight and the
// response cache.
func (o *Orchestrator) fetchOne(
	ctx context.Context,
	guarded *provider.Guarded,
	entity *store.Entity,
	fields []string,
	extIDs map[string]string,
	class ratelimit.Class,
) (*provider.MetadataResponse, error) {
	caps := guarded.Adapter.Capabilities()
	cacheID := externalIDFor(caps.Name, extIDs, entity)

	if o.cache != nil && caps.Name != provider.LocalName {
		if resp, ok := o.cache.GetMetadata(caps.Name, cacheID); ok {
			return resp, nil
		}
	}

	key := fmt.Sprintf("%s/%s/%d", caps.Name, entity.Ref.Type, entity.Ref.ID)
	v, err, _ := o.sf.Do(key, func() (any, error) {
		req := provider.MetadataRequest{
			Entity:      entity.Ref,
			Path:        entity.Path,
			Title:       entity.Title,
			Year:        entity.Year,
			ExternalIDs: extIDs,
			Fields:      fields,
		}
		if caps.SupportsChangeDetection && entity.LastScrapedAt != nil {
			req.Since = entity.LastScrapedAt
		}
		return guarded.GetMetadata(ctx, class, req)
	})
	if err != nil {
		return nil, err
	}
	resp := v.(*provider.MetadataResponse)
	if o.cache != nil && caps.Name != provider.LocalName && !resp.NotModified {
		o.cache.PutMetadata(caps.Name, cacheID, resp)
	}
	return resp, nil
}

// externalIDFor picks the cache key id a provider would use, falling back
// to a title/year surrogate before any id is known.
func externalIDFor(providerName string, extIDs map[string]string, entity *store.Entity) string {
	if id, ok := extIDs[providerName]; ok && id != "" {
		return id
	}
	for _, k := range []string{"imdb", "tmdb", "tvdb"} {
		if id := extIDs[k]; id != "" {
			return k + ":" + id
		}
	}
	return fmt.Sprintf("title:%s (%d)", entity.Title, entity.Year)
}

func completeness(requested []string, merged *mergeResult) float64 {
	if len(requested) == 0 {
		return 1
	}
	n := 0
	for _, f := range requested {
		if _, ok := merged.Fields[f]; ok {
			n++
		}
	}
	// Locked fields count as resolved: the data exists, it is just pinned.
	for _, f := range merged.SkippedLockedFields {
		for _, r := range requested {
			if f == r {
				n++
				break
			}
		}
	}
	return float64(n) / float64(len(requested))
}
