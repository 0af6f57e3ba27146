// SPDX-License-Identifier: MIT

package orchestrator

import (
	"context"
	"io"
	"mime"
	"net/http"
	"path"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/mediacurator/curator/internal/assetcache"
	"github.com/mediacurator/curator/internal/config"
	"github.com/mediacurator/curator/internal/errdef"
	"github.com/mediacurator/curator/internal/hash"
	"github.com/mediacurator/curator/internal/log"
	"github.com/mediacurator/curator/internal/provider"
	"github.com/mediacurator/curator/internal/ratelimit"
	"github.com/mediacurator/curator/internal/store"
)

// AssetFetcher collects candidates from providers and downloads selected
// winners into the content-addressed cache.
type AssetFetcher struct {
	store    *store.Store
	registry *provider.Registry
	cache    *assetcache.Cache
	client   *http.Client

	// sem bounds concurrent downloads; throttle smooths the byte rate so
	// artwork fetches never saturate the link.
	sem      *semaphore.Weighted
	throttle *rate.Limiter
	maxBytes int64
}

// NewAssetFetcher wires the downloader from the performance config.
func NewAssetFetcher(st *store.Store, reg *provider.Registry, cache *assetcache.Cache, client *http.Client, perf config.Performance) *AssetFetcher {
	maxDL := perf.AssetMaxConcurrentDL
	if maxDL <= 0 {
		maxDL = 5
	}
	maxBytes := perf.AssetMaxBytes
	if maxBytes <= 0 {
		maxBytes = 50 << 20
	}
	if client == nil {
		client = &http.Client{Timeout: perf.ProviderRequestTimeout}
	}
	return &AssetFetcher{
		store:    st,
		registry: reg,
		cache:    cache,
		client:   client,
		sem:      semaphore.NewWeighted(int64(maxDL)),
		throttle: rate.NewLimiter(rate.Limit(maxDL*4), maxDL*8), // requests, not bytes
		maxBytes: maxBytes,
	}
}

// CollectCandidates asks every capable provider for artwork proposals and
// stores them for later selection. Provider failures are tolerated.
func (f *AssetFetcher) CollectCandidates(ctx context.Context, ref store.EntityRef, assetTypes []string) (int, error) {
	entity, err := f.store.GetEntity(ctx, ref)
	if err != nil {
		return 0, err
	}
	if entity == nil {
		return 0, errdef.New(errdef.CodeNotFound, "%s %d", ref.Type, ref.ID)
	}

	enabled, err := f.registry.Enabled(ctx)
	if err != nil {
		return 0, err
	}

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

	var mu sync.Mutex
	var all []*store.Candidate

	g, gctx := errgroup.WithContext(ctx)
	for _, guarded := range enabled {
		caps := guarded.Adapter.Capabilities()
		wanted := intersect(assetTypes, caps.AssetTypes)
		if len(wanted) == 0 {
			continue
		}
		guarded := guarded
		g.Go(func() error {
			assets, err := guarded.GetAssets(gctx, ratelimit.ClassBackground, provider.AssetRequest{
				Entity:      ref,
				Path:        entity.Path,
				ExternalIDs: extIDs,
				AssetTypes:  wanted,
			})
			if err != nil {
				logger := log.WithComponentFromContext(gctx, "orchestrator")
				logger.Warn().
					Str("provider", caps.Name).Err(err).Msg("asset fetch failed")
				return nil
			}
			mu.Lock()
			for _, a := range assets {
				all = append(all, &store.Candidate{
					Entity:    ref,
					AssetType: a.Type,
					URL:       a.URL,
					Width:     a.Width,
					Height:    a.Height,
					Language:  a.Language,
					Score:     a.Score,
					Votes:     a.Votes,
					PHash:     a.PHash,
					Provider:  caps.Name,
				})
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if err := f.store.PutCandidates(ctx, all); err != nil {
		return 0, err
	}
	return len(all), nil
}

// DownloadSelected fetches the selected candidates for the asset types into
// the cache and records image rows carrying both paths. Already-cached
// content deduplicates by hash.
func (f *AssetFetcher) DownloadSelected(ctx context.Context, ref store.EntityRef, assetTypes []string) (int, error) {
	downloaded := 0
	for _, assetType := range assetTypes {
		cands, err := f.store.Candidates(ctx, ref, assetType)
		if err != nil {
			return downloaded, err
		}
		sort.SliceStable(cands, func(i, j int) bool { return cands[i].ID < cands[j].ID })
		for _, c := range cands {
			if !c.Selected {
				continue
			}
			if err := f.downloadOne(ctx, ref, c); err != nil {
				logger := log.WithComponentFromContext(ctx, "orchestrator")
				logger.Warn().
					Str("asset_type", assetType).Str("url", c.URL).Err(err).
					Msg("asset download failed")
				continue
			}
			downloaded++
		}
	}
	return downloaded, nil
}

func (f *AssetFetcher) downloadOne(ctx context.Context, ref store.EntityRef, c *store.Candidate) error {
	if err := f.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer f.sem.Release(1)
	if err := f.throttle.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		return errdef.Wrap(errdef.CodeValidation, err, "asset url %s", c.URL)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return errdef.Wrap(errdef.CodeNetwork, err, "asset download").WithProvider(c.Provider)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return errdef.FromHTTPStatus(c.Provider, resp.StatusCode)
	}
	if resp.ContentLength > f.maxBytes {
		return errdef.New(errdef.CodeValidation, "asset exceeds %d bytes", f.maxBytes)
	}

	// Cap the read even when Content-Length lied.
	limited := io.LimitReader(resp.Body, f.maxBytes+1)
	asset, err := f.cache.Add(ctx, limited, extFor(c.URL, resp.Header.Get("Content-Type")))
	if err != nil {
		return err
	}
	if asset.SizeBytes > f.maxBytes {
		_ = f.cache.Unref(ctx, asset.ID)
		return errdef.New(errdef.CodeValidation, "asset exceeds %d bytes", f.maxBytes)
	}

	cachePath := f.cache.Path(asset.ContentHash, asset.Ext)
	// Providers rarely ship a perceptual hash; compute it from the cached
	// bytes so the near-duplicate filter has one next cycle. Non-image
	// content simply does not decode.
	if phash, perr := hash.PerceptualHashFile(cachePath); perr == nil && phash != "" {
		if err := f.store.SetCandidatePHash(ctx, c.ID, phash); err != nil {
			return err
		}
	}

	out, err := f.store.UpsertImage(ctx, &store.ImageRow{
		Entity:    ref,
		AssetType: c.AssetType,
		// Provider downloads have no library copy; the source URL keys the
		// row so several selections of one type stay distinct.
		LibraryPath:  c.URL,
		CachePath:    cachePath,
		CacheAssetID: asset.ID,
		Width:        c.Width,
		Height:       c.Height,
	})
	if err != nil {
		return err
	}
	return f.cache.SettleLink(ctx, asset.ID, out.PrevAssetID, out.Inserted)
}

// extFor infers the file extension from the URL path, falling back to the
// response content type.
func extFor(url, contentType string) string {
	if ext := path.Ext(strings.SplitN(url, "?", 2)[0]); ext != "" && len(ext) <= 5 {
		return ext
	}
	if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}

func intersect(want, have []string) []string {
	if len(want) == 0 {
		return have
	}
	var out []string
	for _, w := range want {
		for _, h := range have {
			if w == h {
				out = append(out, w)
				break
			}
		}
	}
	return out
}
