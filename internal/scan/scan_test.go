// SPDX-License-Identifier: MIT

package scan

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediacurator/curator/internal/assetcache"
	"github.com/mediacurator/curator/internal/discovery"
	"github.com/mediacurator/curator/internal/queue"
	"github.com/mediacurator/curator/internal/store"
)

type scanEnv struct {
	store   *store.Store
	jobs    *queue.MemoryStore
	service *Service
	libID   int64
	root    string
}

func newScanEnv(t *testing.T, autoEnrich bool) *scanEnv {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "curator.db"), 2)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	root := t.TempDir()
	libID, err := s.UpsertLibrary(ctx, &store.Library{
		Name: "films", Path: root, Kind: "movie", AutoEnrich: autoEnrich,
	})
	require.NoError(t, err)

	cache, err := assetcache.New(filepath.Join(t.TempDir(), "assets"), s.DB())
	require.NoError(t, err)

	jobs := queue.NewMemoryStore()
	svc := New(s, jobs, discovery.New(s, cache), nil)
	return &scanEnv{store: s, jobs: jobs, service: svc, libID: libID, root: root}
}

func (e *scanEnv) addMovieDir(t *testing.T, name string, extras ...string) {
	t.Helper()
	dir := filepath.Join(e.root, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".mkv"), []byte("main feature bytes"), 0o644))
	for _, extra := range extras {
		require.NoError(t, os.WriteFile(filepath.Join(dir, extra), []byte(extra), 0o644))
	}
}

// drain claims and runs directory-scan jobs through the handler, stopping
// after max jobs (or when the queue is empty). Jobs of other types stay
// claimed so chained enqueues remain observable.
func (e *scanEnv) drain(t *testing.T, max int) int {
	t.Helper()
	ctx := context.Background()
	ran := 0
	for ran < max {
		job, err := e.jobs.PickNext(ctx)
		require.NoError(t, err)
		if job == nil {
			break
		}
		if job.Type != queue.TypeDirectoryScan {
			continue
		}
		require.NoError(t, e.service.HandleDirectoryScan(ctx, job))
		require.NoError(t, e.jobs.Complete(ctx, job.ID))
		ran++
	}
	return ran
}

func TestParseTitleYear(t *testing.T) {
	cases := []struct {
		in    string
		title string
		year  int
	}{
		{"Heat (1995)", "Heat", 1995},
		{"Heat [1995]", "Heat", 1995},
		{"Heat.1995.Remastered", "Heat.1995.Remastered", 0},
		{"Heat", "Heat", 0},
		{"(1984)", "(1984)", 1984},
	}
	for _, tc := range cases {
		title, year := ParseTitleYear(tc.in)
		assert.Equal(t, tc.title, title, tc.in)
		assert.Equal(t, tc.year, year, tc.in)
	}
}

func TestScanDiscoverEnrichChain(t *testing.T) {
	env := newScanEnv(t, true)
	ctx := context.Background()

	env.addMovieDir(t, "Heat (1995)", "Heat (1995)-poster.jpg", "Heat (1995).en.srt")
	env.addMovieDir(t, "Alien (1979)")

	scanID, err := env.service.Start(ctx, env.libID)
	require.NoError(t, err)
	assert.Equal(t, 2, env.drain(t, 10))

	sj, err := env.store.GetScanJob(ctx, scanID)
	require.NoError(t, err)
	assert.Equal(t, store.ScanCompleted, sj.Status)
	assert.Equal(t, 2, sj.ProcessedDirs)
	assert.Equal(t, 2, sj.Discovered)
	assert.Equal(t, 2, sj.Queued)
	assert.Zero(t, sj.Errored)
	assert.NotNil(t, sj.FinishedAt)

	// Auto-enrich chained one job per entity.
	enrich, err := env.jobs.List(ctx, queue.ListFilter{Type: queue.TypeEnrichMetadata})
	require.NoError(t, err)
	assert.Len(t, enrich, 2)
}

func TestScanIsIdempotent(t *testing.T) {
	env := newScanEnv(t, false)
	ctx := context.Background()
	env.addMovieDir(t, "Heat (1995)", "poster.jpg")

	_, err := env.service.Start(ctx, env.libID)
	require.NoError(t, err)
	env.drain(t, 10)

	scanID, err := env.service.Start(ctx, env.libID)
	require.NoError(t, err)
	env.drain(t, 10)

	sj, err := env.store.GetScanJob(ctx, scanID)
	require.NoError(t, err)
	assert.Equal(t, 1, sj.Updated)
	assert.Zero(t, sj.Discovered)
}

func TestQuickHashThresholdSwitchesHashMode(t *testing.T) {
	env := newScanEnv(t, false)
	ctx := context.Background()
	env.addMovieDir(t, "Heat (1995)")

	// Threshold below the file size: the scan records a sampled quick hash.
	env.service.SetQuickHashThreshold(4)

	_, err := env.service.Start(ctx, env.libID)
	require.NoError(t, err)
	env.drain(t, 10)

	movies, err := env.store.MonitoredEntities(ctx, store.EntityMovie)
	require.NoError(t, err)
	require.Len(t, movies, 1)
	entity, err := env.store.GetEntity(ctx, movies[0])
	require.NoError(t, err)
	require.NotNil(t, entity)
	assert.True(t, strings.HasPrefix(entity.FileHash, "quick:"), entity.FileHash)
}

func TestScanSkipsDirectoriesWithoutVideo(t *testing.T) {
	env := newScanEnv(t, false)
	ctx := context.Background()

	dir := filepath.Join(env.root, "extras")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "readme.txt"), []byte("x"), 0o644))

	scanID, err := env.service.Start(ctx, env.libID)
	require.NoError(t, err)
	env.drain(t, 10)

	sj, err := env.store.GetScanJob(ctx, scanID)
	require.NoError(t, err)
	assert.Equal(t, store.ScanCompleted, sj.Status)
	assert.Equal(t, 1, sj.ProcessedDirs)
	assert.Zero(t, sj.Discovered)
}

func TestScanEmptyRootCompletesImmediately(t *testing.T) {
	env := newScanEnv(t, false)
	ctx := context.Background()

	scanID, err := env.service.Start(ctx, env.libID)
	require.NoError(t, err)

	sj, err := env.store.GetScanJob(ctx, scanID)
	require.NoError(t, err)
	assert.Equal(t, store.ScanCompleted, sj.Status)
	assert.Zero(t, sj.TotalDirs)

	stats, err := env.jobs.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.TotalActive)
}

func TestScanPicksLargestVideoIgnoringTrailer(t *testing.T) {
	env := newScanEnv(t, false)
	ctx := context.Background()

	dir := filepath.Join(env.root, "Heat (1995)")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sample.mkv"), []byte("tiny"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Heat (1995).mkv"), make([]byte, 4096), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Heat (1995)-trailer.mkv"), make([]byte, 8192), 0o644))

	_, err := env.service.Start(ctx, env.libID)
	require.NoError(t, err)
	env.drain(t, 10)

	movies, err := env.store.MonitoredEntities(ctx, store.EntityMovie)
	require.NoError(t, err)
	require.Len(t, movies, 1)
	entity, err := env.store.GetEntity(ctx, movies[0])
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "Heat (1995).mkv"), entity.Path)
	assert.Equal(t, "Heat", entity.Title)
	assert.Equal(t, 1995, entity.Year)
	assert.NotEmpty(t, entity.FileHash)
}

func TestScanCancellation(t *testing.T) {
	env := newScanEnv(t, false)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		env.addMovieDir(t, fmt.Sprintf("Movie %02d (200%d)", i, i%10))
	}

	scanID, err := env.service.Start(ctx, env.libID)
	require.NoError(t, err)

	// Three directories processed, then the cancel lands.
	assert.Equal(t, 3, env.drain(t, 3))
	cancelled, err := env.service.Cancel(ctx, scanID)
	require.NoError(t, err)
	assert.True(t, cancelled)

	// Already-queued jobs short-circuit without touching counts.
	env.drain(t, 20)

	sj, err := env.store.GetScanJob(ctx, scanID)
	require.NoError(t, err)
	assert.Equal(t, store.ScanCancelled, sj.Status)
	assert.Equal(t, 3, sj.ProcessedDirs)
	assert.Equal(t, 3, sj.Discovered)
	assert.NotNil(t, sj.FinishedAt)

	// A second cancel is a no-op.
	again, err := env.service.Cancel(ctx, scanID)
	require.NoError(t, err)
	assert.False(t, again)
}
