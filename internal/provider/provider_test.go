// SPDX-License-Identifier: MIT

package provider

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediacurator/curator/internal/config"
	"github.com/mediacurator/curator/internal/errdef"
	"github.com/mediacurator/curator/internal/ratelimit"
	"github.com/mediacurator/curator/internal/resilience"
	"github.com/mediacurator/curator/internal/store"
)

// fastRetry avoids real backoff sleeps in tests.
func fastRetry(attempts int) resilience.RetryPolicy {
	return resilience.RetryPolicy{
		InitialDelay: time.Millisecond,
		Multiplier:   1,
		MaxDelay:     time.Millisecond,
		MaxAttempts:  attempts,
	}
}

func TestGuardRetriesRetryableErrors(t *testing.T) {
	g := NewGuard("fake", GuardConfig{
		SustainedRPS:  1000,
		WindowSeconds: 1,
		Retry:         fastRetry(3),
	})

	calls := 0
	err := g.Do(context.Background(), ratelimit.ClassBackground, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errdef.New(errdef.CodeProviderServer, "502").WithProvider("fake")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestGuardDoesNotRetryTerminalErrors(t *testing.T) {
	g := NewGuard("fake", GuardConfig{
		SustainedRPS:  1000,
		WindowSeconds: 1,
		Retry:         fastRetry(3),
	})

	calls := 0
	err := g.Do(context.Background(), ratelimit.ClassBackground, func(ctx context.Context) error {
		calls++
		return errdef.New(errdef.CodeAuth, "bad key").WithProvider("fake")
	})
	assert.True(t, errdef.IsCode(err, errdef.CodeAuth))
	assert.Equal(t, 1, calls)
}

func TestGuardOpenBreakerIsProviderUnavailable(t *testing.T) {
	g := NewGuard("flaky", GuardConfig{
		SustainedRPS:  1000,
		WindowSeconds: 1,
		MaxFailures:   2,
		ResetTimeout:  time.Hour,
		Retry:         fastRetry(1),
	})

	boom := func(ctx context.Context) error {
		return errdef.New(errdef.CodeNetwork, "timeout").WithProvider("flaky")
	}
	ctx := context.Background()
	require.Error(t, g.Do(ctx, ratelimit.ClassBackground, boom))
	require.Error(t, g.Do(ctx, ratelimit.ClassBackground, boom))

	// Breaker tripped: calls fail fast without reaching the adapter.
	calls := 0
	err := g.Do(ctx, ratelimit.ClassBackground, func(ctx context.Context) error {
		calls++
		return nil
	})
	assert.True(t, errdef.IsCode(err, errdef.CodeProviderUnavailable))
	assert.Equal(t, "flaky", errdef.ProviderOf(err))
	assert.Equal(t, 0, calls)
	assert.Equal(t, resilience.StateOpen, g.BreakerState())
}

func TestGuardBreakerCountsLogicalCalls(t *testing.T) {
	// Exhausted retries within one call are one breaker failure, so two
	// failing calls against a threshold of five leave the breaker closed.
	g := NewGuard("flaky", GuardConfig{
		SustainedRPS:  1000,
		WindowSeconds: 1,
		MaxFailures:   5,
		ResetTimeout:  time.Hour,
		Retry:         fastRetry(3),
	})

	calls := 0
	boom := func(ctx context.Context) error {
		calls++
		return errdef.New(errdef.CodeNetwork, "timeout").WithProvider("flaky")
	}
	ctx := context.Background()
	require.Error(t, g.Do(ctx, ratelimit.ClassBackground, boom))
	require.Error(t, g.Do(ctx, ratelimit.ClassBackground, boom))

	assert.Equal(t, 6, calls)
	assert.Equal(t, resilience.StateClosed, g.BreakerState())

	// A fresh call still reaches the adapter.
	err := g.Do(ctx, ratelimit.ClassBackground, func(ctx context.Context) error { return nil })
	require.NoError(t, err)
}

func TestGuardFromPerformanceAppliesOverrides(t *testing.T) {
	perf := config.Performance{
		MaxConsecutiveFailures: 2,
		CircuitResetDelay:      time.Hour,
		ProviderMaxRetries:     1,
		ProviderRPS:            map[string]float64{"tmdb": 4},
	}
	g := GuardFromPerformance(Capabilities{
		Name: "tmdb", SustainedRPS: 50, WindowSeconds: 10,
	}, perf)

	// The environment RPS wins over the declared one: 4 rps over a 10 s
	// window allows 40 background slots.
	assert.Equal(t, 40, g.Snapshot().Max)
	assert.InDelta(t, 4.0, g.Snapshot().RPS, 1e-9)

	// One attempt per call and a threshold of two: the breaker opens after
	// two failing calls.
	boom := func(ctx context.Context) error {
		return errdef.New(errdef.CodeNetwork, "timeout").WithProvider("tmdb")
	}
	ctx := context.Background()
	require.Error(t, g.Do(ctx, ratelimit.ClassBackground, boom))
	require.Error(t, g.Do(ctx, ratelimit.ClassBackground, boom))
	assert.Equal(t, resilience.StateOpen, g.BreakerState())
}

func TestLocalProviderReadsNFO(t *testing.T) {
	dir := t.TempDir()
	media := filepath.Join(dir, "Heat (1995).mkv")
	require.NoError(t, os.WriteFile(media, []byte("x"), 0o644))
	nfo := `<?xml version="1.0" encoding="UTF-8"?>
<movie>
  <title>Heat</title>
  <year>1995</year>
  <plot>A thief and a detective circle each other.</plot>
  <mpaa>R</mpaa>
  <studio>N/A</studio>
  <genre>Crime</genre>
  <genre>Thriller</genre>
  <uniqueid type="imdb">tt0113277</uniqueid>
  <uniqueid type="tmdb">949</uniqueid>
</movie>`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "movie.nfo"), []byte(nfo), 0o644))

	p := NewLocalProvider()
	resp, err := p.GetMetadata(context.Background(), MetadataRequest{
		Entity: store.EntityRef{Type: store.EntityMovie, ID: 1},
		Path:   media,
	})
	require.NoError(t, err)
	assert.Equal(t, "Heat", resp.Fields["title"])
	assert.Equal(t, "1995", resp.Fields["year"])
	assert.Equal(t, "Crime, Thriller", resp.Fields["genres"])
	assert.Equal(t, "R", resp.Fields["content_rating"])
	assert.Equal(t, "tt0113277", resp.ExternalIDs["imdb"])
	assert.Equal(t, "949", resp.ExternalIDs["tmdb"])

	// N/A sentinel becomes an absent field, never an empty value.
	_, present := resp.Fields["studio"]
	assert.False(t, present)
}

func TestLocalProviderMissingSidecarIsEmpty(t *testing.T) {
	dir := t.TempDir()
	media := filepath.Join(dir, "Alien (1979).mkv")
	require.NoError(t, os.WriteFile(media, []byte("x"), 0o644))

	p := NewLocalProvider()
	resp, err := p.GetMetadata(context.Background(), MetadataRequest{Path: media})
	require.NoError(t, err)
	assert.Empty(t, resp.Fields)
}

func TestLocalProviderMalformedNFO(t *testing.T) {
	dir := t.TempDir()
	media := filepath.Join(dir, "Ran (1985).mkv")
	require.NoError(t, os.WriteFile(media, []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "movie.nfo"), []byte("<movie><title>"), 0o644))

	p := NewLocalProvider()
	_, err := p.GetMetadata(context.Background(), MetadataRequest{Path: media})
	assert.True(t, errdef.IsCode(err, errdef.CodeProviderInvalidResponse))
}

func TestMetadataResponseCompleteness(t *testing.T) {
	resp := &MetadataResponse{Fields: map[string]string{"title": "Heat", "plot": "..."}}
	assert.InDelta(t, 0.5, resp.Completeness([]string{"title", "plot", "tagline", "genres"}), 1e-9)
	assert.Equal(t, 1.0, resp.Completeness(nil))
}

func TestRegistryEnabledFiltersByConfig(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "curator.db"), 2)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	reg := NewRegistry(s, nil)
	reg.Register(NewLocalProvider(), LocalGuard(config.LoadPerformance()))
	reg.Register(&stubAdapter{name: "tmdb"}, NewGuard("tmdb", GuardConfig{SustainedRPS: 4, WindowSeconds: 10}))
	reg.Register(&stubAdapter{name: "fanart"}, NewGuard("fanart", GuardConfig{SustainedRPS: 2, WindowSeconds: 10}))

	require.NoError(t, s.UpsertProviderConfig(ctx, &store.ProviderConfigRow{Name: "tmdb", Enabled: true}))
	require.NoError(t, s.UpsertProviderConfig(ctx, &store.ProviderConfigRow{Name: "fanart", Enabled: false}))

	enabled, err := reg.Enabled(ctx)
	require.NoError(t, err)
	var names []string
	for _, g := range enabled {
		names = append(names, g.Adapter.Capabilities().Name)
	}
	// Local needs no config row; fanart is disabled.
	assert.Equal(t, []string{"local", "tmdb"}, names)
}

func TestRegistryTestPersistsOutcome(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "curator.db"), 2)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	reg := NewRegistry(s, nil)
	reg.Register(&stubAdapter{name: "tmdb", testOK: true}, NewGuard("tmdb", GuardConfig{SustainedRPS: 4, WindowSeconds: 10}))

	res, err := reg.Test(ctx, "tmdb")
	require.NoError(t, err)
	assert.True(t, res.OK)

	row, err := s.GetProviderConfig(ctx, "tmdb")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, "success", row.LastTestStatus)

	_, err = reg.Test(ctx, "nope")
	assert.True(t, errdef.IsCode(err, errdef.CodeNotFound))
}

func TestResponseCacheRoundTripAndMiss(t *testing.T) {
	c, err := OpenResponseCache(t.TempDir(), time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	_, ok := c.GetMetadata("tmdb", "949")
	assert.False(t, ok)

	c.PutMetadata("tmdb", "949", &MetadataResponse{
		Fields:      map[string]string{"title": "Heat"},
		ExternalIDs: map[string]string{"imdb": "tt0113277"},
	})

	got, ok := c.GetMetadata("tmdb", "949")
	require.True(t, ok)
	assert.Equal(t, "Heat", got.Fields["title"])

	c.Invalidate("tmdb", "949")
	_, ok = c.GetMetadata("tmdb", "949")
	assert.False(t, ok)
}

// stubAdapter is a minimal adapter for registry tests.
type stubAdapter struct {
	name   string
	testOK bool
}

func (s *stubAdapter) Capabilities() Capabilities {
	return Capabilities{
		Name:        s.name,
		Auth:        AuthAPIKey,
		EntityTypes: []store.EntityType{store.EntityMovie},
	}
}

func (s *stubAdapter) Search(context.Context, SearchRequest) ([]SearchResult, error) {
	return nil, nil
}

func (s *stubAdapter) GetMetadata(context.Context, MetadataRequest) (*MetadataResponse, error) {
	return &MetadataResponse{Fields: map[string]string{}}, nil
}

func (s *stubAdapter) GetAssets(context.Context, AssetRequest) ([]Asset, error) {
	return nil, nil
}

func (s *stubAdapter) TestConnection(context.Context) TestResult {
	return TestResult{OK: s.testOK}
}
