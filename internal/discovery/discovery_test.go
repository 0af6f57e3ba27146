// SPDX-License-Identifier: MIT

package discovery

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediacurator/curator/internal/assetcache"
	"github.com/mediacurator/curator/internal/store"
)

func TestClassifyImage(t *testing.T) {
	media := "Heat (1995)"
	cases := []struct {
		base string
		want string
		ok   bool
	}{
		{"poster", ImagePoster, true},
		{"folder", ImagePoster, true},
		{"cover", ImagePoster, true},
		{"fanart", ImageFanart, true},
		{"backdrop", ImageFanart, true},
		{"fanart3", ImageFanart, true},
		{"banner", ImageBanner, true},
		{"clearlogo", ImageClearLogo, true},
		{"logo", ImageClearLogo, true},
		{"clearart", ImageClearArt, true},
		{"discart", ImageDiscArt, true},
		{"disc", ImageDiscArt, true},
		{"landscape", ImageLandscape, true},
		{"keyart", ImageKeyArt, true},
		{"thumb", ImageThumb, true},
		{"characterart", ImageCharacterArt, true},
		{"Heat (1995)-poster", ImagePoster, true},
		{"Heat (1995)-fanart2", ImageFanart, true},
		{"Heat (1995).thumb", ImageThumb, true},
		{"screenshot", "", false},
		{"Heat (1995)", "", false},
	}
	for _, tc := range cases {
		got, ok := ClassifyImage(tc.base, media)
		assert.Equal(t, tc.ok, ok, tc.base)
		assert.Equal(t, tc.want, got, tc.base)
	}
}

func TestClassifyTrailer(t *testing.T) {
	q, ok := ClassifyTrailer("Heat (1995)-trailer", "Heat (1995)")
	require.True(t, ok)
	assert.Empty(t, q)

	q, ok = ClassifyTrailer("trailer.1080p", "Heat (1995)")
	require.True(t, ok)
	assert.Equal(t, "1080p", q)

	q, ok = ClassifyTrailer("Heat (1995)-Trailer.2160p", "Heat (1995)")
	require.True(t, ok)
	assert.Equal(t, "2160p", q)

	_, ok = ClassifyTrailer("Heat (1995)", "Heat (1995)")
	assert.False(t, ok)
}

func TestClassifySubtitle(t *testing.T) {
	info, ok := ClassifySubtitle("Heat (1995).en.forced", "Heat (1995)")
	require.True(t, ok)
	assert.Equal(t, "eng", info.Language)
	assert.True(t, info.Forced)
	assert.False(t, info.SDH)

	info, ok = ClassifySubtitle("Heat (1995).german.sdh", "Heat (1995)")
	require.True(t, ok)
	assert.Equal(t, "deu", info.Language)
	assert.True(t, info.SDH)

	info, ok = ClassifySubtitle("Heat (1995)", "Heat (1995)")
	require.True(t, ok)
	assert.Equal(t, "und", info.Language)

	_, ok = ClassifySubtitle("Other Movie.en", "Heat (1995)")
	assert.False(t, ok)
}

func TestNormalizeLanguage(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"en", "eng", true},
		{"eng", "eng", true},
		{"english", "eng", true},
		{"de", "deu", true},
		{"ja", "jpn", true},
		{"forced", "", false},
		{"x", "", false},
	}
	for _, tc := range cases {
		got, ok := NormalizeLanguage(tc.in)
		assert.Equal(t, tc.ok, ok, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}

func TestDiscoverIngestsSiblings(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "curator.db"), 2)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	cache, err := assetcache.New(filepath.Join(t.TempDir(), "assets"), s.DB())
	require.NoError(t, err)

	libID, err := s.UpsertLibrary(ctx, &store.Library{Name: "films", Path: "/films", Kind: "movie"})
	require.NoError(t, err)

	dir := t.TempDir()
	media := filepath.Join(dir, "Heat (1995).mkv")
	files := map[string]string{
		"Heat (1995).mkv":          "video-bytes",
		"Heat (1995)-poster.jpg":   "poster-bytes",
		"fanart.jpg":               "fanart-bytes",
		"Heat (1995)-trailer.mp4":  "trailer-bytes",
		"Heat (1995).en.forced.srt": "subtitle-bytes",
		"notes.txt":                "ignored",
	}
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}

	up, err := s.UpsertEntity(ctx, &store.Entity{
		Ref:       store.EntityRef{Type: store.EntityMovie},
		LibraryID: libID,
		Path:      media,
		Title:     "Heat",
		Year:      1995,
	})
	require.NoError(t, err)

	d := New(s, cache)
	res, err := d.Discover(ctx, up.Ref, media)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Images)
	assert.Equal(t, 1, res.Trailers)
	assert.Equal(t, 1, res.Subtitles)
	assert.Zero(t, res.Errors)

	images, err := s.Images(ctx, up.Ref)
	require.NoError(t, err)
	require.Len(t, images, 2)
	for _, img := range images {
		assert.NotEmpty(t, img.LibraryPath)
		assert.FileExists(t, img.LibraryPath)
		assert.FileExists(t, img.CachePath)
	}

	// A second pass re-ingests without growing the cache.
	before, err := cache.Stats(ctx)
	require.NoError(t, err)
	_, err = d.Discover(ctx, up.Ref, media)
	require.NoError(t, err)
	after, err := cache.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, before.Assets, after.Assets)
}

func TestRescanKeepsRefCountAtLinkCount(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "curator.db"), 2)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	cache, err := assetcache.New(filepath.Join(t.TempDir(), "assets"), s.DB())
	require.NoError(t, err)

	libID, err := s.UpsertLibrary(ctx, &store.Library{Name: "films", Path: "/films", Kind: "movie"})
	require.NoError(t, err)

	dir := t.TempDir()
	media := filepath.Join(dir, "Heat (1995).mkv")
	poster := filepath.Join(dir, "poster.jpg")
	require.NoError(t, os.WriteFile(media, []byte("video-bytes"), 0o644))
	require.NoError(t, os.WriteFile(poster, []byte("poster-bytes"), 0o644))

	up, err := s.UpsertEntity(ctx, &store.Entity{
		Ref:       store.EntityRef{Type: store.EntityMovie},
		LibraryID: libID,
		Path:      media,
		Title:     "Heat",
		Year:      1995,
	})
	require.NoError(t, err)

	d := New(s, cache)
	for i := 0; i < 3; i++ {
		_, err := d.Discover(ctx, up.Ref, media)
		require.NoError(t, err)
	}

	images, err := s.Images(ctx, up.Ref)
	require.NoError(t, err)
	require.Len(t, images, 1)

	// One image row references the asset, so exactly one reference is held
	// no matter how many rescans ran; a later unlink must orphan it.
	asset, err := cache.Get(ctx, images[0].CacheAssetID)
	require.NoError(t, err)
	require.NotNil(t, asset)
	assert.Equal(t, 1, asset.RefCount)
}
