// SPDX-License-Identifier: MIT

package discovery

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/mediacurator/curator/internal/assetcache"
	"github.com/mediacurator/curator/internal/log"
	"github.com/mediacurator/curator/internal/store"
)

// Result counts what one directory pass ingested.
type Result struct {
	Images    int
	Trailers  int
	Subtitles int
	Errors    int
}

// Service discovers and ingests the assets surrounding a media file.
type Service struct {
	store *store.Store
	cache *assetcache.Cache
}

// New wires a discovery service over the store and the asset cache.
func New(st *store.Store, cache *assetcache.Cache) *Service {
	return &Service{store: st, cache: cache}
}

// Discover walks the directory holding mediaPath, classifies every sibling
// file and ingests the recognized ones. The original stays in the library
// for player-native scans; the cache holds the durable copy, and each row
// records both paths. Per-file failures are counted, not fatal.
func (s *Service) Discover(ctx context.Context, ref store.EntityRef, mediaPath string) (Result, error) {
	var res Result
	dir := filepath.Dir(mediaPath)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return res, err
	}

	mediaBase := strings.TrimSuffix(filepath.Base(mediaPath), filepath.Ext(mediaPath))
	logger := log.WithComponentFromContext(ctx, "discovery")

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		path := filepath.Join(dir, name)
		if path == mediaPath {
			continue
		}
		ext := strings.ToLower(filepath.Ext(name))
		base := strings.TrimSuffix(name, filepath.Ext(name))

		var ingestErr error
		switch {
		case isImageExt(ext):
			assetType, ok := ClassifyImage(base, mediaBase)
			if !ok {
				continue
			}
			if ingestErr = s.ingestImage(ctx, ref, assetType, path); ingestErr == nil {
				res.Images++
			}
		case IsVideo(ext):
			quality, ok := ClassifyTrailer(base, mediaBase)
			if !ok {
				continue
			}
			if ingestErr = s.ingestTrailer(ctx, ref, path, quality); ingestErr == nil {
				res.Trailers++
			}
		case isSubtitleExt(ext):
			info, ok := ClassifySubtitle(base, mediaBase)
			if !ok {
				continue
			}
			if ingestErr = s.ingestSubtitle(ctx, ref, path, info); ingestErr == nil {
				res.Subtitles++
			}
		}
		if ingestErr != nil {
			res.Errors++
			logger.Warn().Str("path", path).Err(ingestErr).Msg("asset ingest failed")
		}
	}
	return res, nil
}

func (s *Service) ingestImage(ctx context.Context, ref store.EntityRef, assetType, path string) error {
	asset, err := s.cache.AddFile(ctx, path)
	if err != nil {
		return err
	}
	out, err := s.store.UpsertImage(ctx, &store.ImageRow{
		Entity:       ref,
		AssetType:    assetType,
		LibraryPath:  path,
		CachePath:    s.cache.Path(asset.ContentHash, asset.Ext),
		CacheAssetID: asset.ID,
	})
	if err != nil {
		return err
	}
	return s.cache.SettleLink(ctx, asset.ID, out.PrevAssetID, out.Inserted)
}

func (s *Service) ingestTrailer(ctx context.Context, ref store.EntityRef, path, quality string) error {
	asset, err := s.cache.AddFile(ctx, path)
	if err != nil {
		return err
	}
	out, err := s.store.UpsertTrailer(ctx, &store.TrailerRow{
		Entity:       ref,
		LibraryPath:  path,
		CachePath:    s.cache.Path(asset.ContentHash, asset.Ext),
		CacheAssetID: asset.ID,
		Quality:      quality,
	})
	if err != nil {
		return err
	}
	return s.cache.SettleLink(ctx, asset.ID, out.PrevAssetID, out.Inserted)
}

func (s *Service) ingestSubtitle(ctx context.Context, ref store.EntityRef, path string, info SubtitleInfo) error {
	asset, err := s.cache.AddFile(ctx, path)
	if err != nil {
		return err
	}
	out, err := s.store.UpsertSubtitle(ctx, &store.SubtitleRow{
		Entity:       ref,
		LibraryPath:  path,
		CachePath:    s.cache.Path(asset.ContentHash, asset.Ext),
		CacheAssetID: asset.ID,
		Language:     info.Language,
		Forced:       info.Forced,
		SDH:          info.SDH,
	})
	if err != nil {
		return err
	}
	return s.cache.SettleLink(ctx, asset.ID, out.PrevAssetID, out.Inserted)
}

func isImageExt(ext string) bool {
	_, ok := imageExts[ext]
	return ok
}

func isSubtitleExt(ext string) bool {
	_, ok := subtitleExts[ext]
	return ok
}
