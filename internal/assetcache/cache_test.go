// SPDX-License-Identifier: MIT

package assetcache

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediacurator/curator/internal/store"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "curator.db"), 2)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	c, err := New(filepath.Join(dir, "cache"), s.DB())
	require.NoError(t, err)
	return c
}

func TestAddAndShardedPath(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	a, err := c.Add(ctx, strings.NewReader("poster bytes"), ".jpg")
	require.NoError(t, err)
	assert.Len(t, a.ContentHash, 64)
	assert.Equal(t, ".jpg", a.Ext)
	assert.Equal(t, int64(len("poster bytes")), a.SizeBytes)
	assert.Equal(t, 1, a.RefCount)

	path := c.Path(a.ContentHash, a.Ext)
	assert.Equal(t, filepath.Join(c.Root(), a.ContentHash[:2], a.ContentHash[2:4], a.ContentHash+".jpg"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "poster bytes", string(data))
}

func TestAddDeduplicatesIdenticalContent(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	first, err := c.Add(ctx, strings.NewReader("same artwork"), ".jpg")
	require.NoError(t, err)
	assert.False(t, first.Deduplicated)

	// Same bytes from a different source: one file, refcount 2.
	second, err := c.Add(ctx, strings.NewReader("same artwork"), ".jpg")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 2, second.RefCount)
	assert.True(t, second.Deduplicated)
	assert.False(t, second.LastAccessedAt.Before(first.CreatedAt))

	// The dedup hit persists on the row.
	got, err := c.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.False(t, got.LastAccessedAt.Before(got.CreatedAt))

	st, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Assets)
	assert.Equal(t, int64(len("same artwork")), st.TotalBytes)
}

func TestUnrefClampsAndOrphanSweep(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	a, err := c.Add(ctx, strings.NewReader("short-lived"), ".png")
	require.NoError(t, err)

	require.NoError(t, c.Unref(ctx, a.ID))
	require.NoError(t, c.Unref(ctx, a.ID)) // clamps at zero

	got, err := c.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.RefCount)

	// Unref alone never deletes the file.
	_, err = os.Stat(c.Path(a.ContentHash, a.Ext))
	require.NoError(t, err)

	swept, err := c.CleanupOrphans(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, swept.Deleted)
	assert.Equal(t, int64(len("short-lived")), swept.FreedBytes)
	assert.Zero(t, swept.Errors)

	_, err = os.Stat(c.Path(a.ContentHash, a.Ext))
	assert.True(t, os.IsNotExist(err))
	got, err = c.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCleanupDryRunDeletesNothing(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	a, err := c.Add(ctx, strings.NewReader("candidate"), ".png")
	require.NoError(t, err)
	require.NoError(t, c.Unref(ctx, a.ID))

	swept, err := c.CleanupOrphans(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 1, swept.Deleted)
	assert.Equal(t, int64(len("candidate")), swept.FreedBytes)

	// File and row both survive a dry run.
	_, err = os.Stat(c.Path(a.ContentHash, a.Ext))
	require.NoError(t, err)
	got, err := c.Get(ctx, a.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestCleanupKeepsReferencedAssets(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	keep, err := c.Add(ctx, strings.NewReader("keep me"), ".jpg")
	require.NoError(t, err)
	drop, err := c.Add(ctx, strings.NewReader("drop me"), ".jpg")
	require.NoError(t, err)
	require.NoError(t, c.Unref(ctx, drop.ID))

	swept, err := c.CleanupOrphans(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, swept.Deleted)

	got, err := c.Get(ctx, keep.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 1, got.RefCount)
}

func TestSettleLinkBalancesRefCount(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	a, err := c.Add(ctx, strings.NewReader("poster"), ".jpg")
	require.NoError(t, err)

	// New link row: the reference stands.
	require.NoError(t, c.SettleLink(ctx, a.ID, 0, true))
	got, err := c.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RefCount)

	// Refreshed row pointing at the same asset: the duplicate comes back.
	dup, err := c.Add(ctx, strings.NewReader("poster"), ".jpg")
	require.NoError(t, err)
	require.NoError(t, c.SettleLink(ctx, dup.ID, dup.ID, false))
	got, err = c.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RefCount)

	// Row repointed: the displaced asset loses its reference.
	b, err := c.Add(ctx, strings.NewReader("replacement"), ".jpg")
	require.NoError(t, err)
	require.NoError(t, c.SettleLink(ctx, b.ID, a.ID, false))
	got, err = c.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.RefCount)
	got, err = c.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RefCount)
}

func TestVerifyIntegrity(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	valid, err := c.Add(ctx, strings.NewReader("pristine"), ".jpg")
	require.NoError(t, err)
	missing, err := c.Add(ctx, strings.NewReader("will vanish"), ".jpg")
	require.NoError(t, err)
	corrupt, err := c.Add(ctx, strings.NewReader("will rot"), ".jpg")
	require.NoError(t, err)

	require.NoError(t, os.Remove(c.Path(missing.ContentHash, missing.Ext)))
	require.NoError(t, os.WriteFile(c.Path(corrupt.ContentHash, corrupt.Ext), []byte("bitrot"), 0o644))

	results, err := c.VerifyIntegrity(ctx)
	require.NoError(t, err)
	require.Len(t, results, 3)

	byID := map[int64]string{}
	for _, r := range results {
		byID[r.Asset.ID] = r.Status
	}
	assert.Equal(t, "valid", byID[valid.ID])
	assert.Equal(t, "missing", byID[missing.ID])
	assert.Equal(t, "corrupted", byID[corrupt.ID])
}

func TestAddFile(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	src := filepath.Join(t.TempDir(), "fanart.jpg")
	require.NoError(t, os.WriteFile(src, []byte("fanart bytes"), 0o644))

	a, err := c.AddFile(ctx, src)
	require.NoError(t, err)
	assert.Equal(t, ".jpg", a.Ext)

	_, err = c.AddFile(ctx, filepath.Join(t.TempDir(), "nope.jpg"))
	assert.Error(t, err)
}

func TestNormalizeExt(t *testing.T) {
	assert.Equal(t, ".jpg", normalizeExt("JPG"))
	assert.Equal(t, ".jpg", normalizeExt(".jpg"))
	assert.Equal(t, ".bin", normalizeExt(""))
}
