// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadPerformanceDefaults(t *testing.T) {
	p := LoadPerformance()

	assert.Equal(t, 5, p.Workers)
	assert.Equal(t, time.Second, p.PollInterval)
	assert.Equal(t, 5, p.MaxConsecutiveFailures)
	assert.Equal(t, time.Minute, p.CircuitResetDelay)
	assert.Equal(t, 10*time.Second, p.ProviderRequestTimeout)
	assert.Equal(t, 3, p.ProviderMaxRetries)
	assert.Equal(t, float64(4), p.ProviderRPS["tmdb"])
	assert.Equal(t, float64(2), p.ProviderRPS["fanart"])
	assert.Equal(t, int64(52428800), p.AssetMaxBytes)
	assert.Equal(t, 5, p.AssetMaxConcurrentDL)
	assert.Equal(t, 5, p.DBPoolSize)
}

func TestLoadPerformanceEnvOverride(t *testing.T) {
	t.Setenv("CURATOR_WORKERS", "12")
	t.Setenv("CURATOR_POLL_INTERVAL_MS", "250")
	t.Setenv("CURATOR_TMDB_RPS", "2.5")

	p := LoadPerformance()
	assert.Equal(t, 12, p.Workers)
	assert.Equal(t, 250*time.Millisecond, p.PollInterval)
	assert.Equal(t, 2.5, p.ProviderRPS["tmdb"])
}

func TestParseIntInvalid(t *testing.T) {
	t.Setenv("CURATOR_TEST_INT", "not-a-number")
	assert.Equal(t, 7, ParseInt("CURATOR_TEST_INT", 7))
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "curator.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
dataDir: /var/lib/curator
libraries:
  - name: Movies
    path: /mnt/movies
    kind: movie
    autoEnrich: true
providers:
  tmdb:
    enabled: true
    apiKey: secret
profile:
  plot: [tmdb, omdb, local]
  poster: [fanart, tmdb]
`)
	f, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/curator", f.DataDir)
	assert.Equal(t, ":8480", f.Listen)
	require.Len(t, f.Libraries, 1)
	assert.True(t, f.Libraries[0].AutoEnrich)
	assert.Equal(t, []string{"tmdb", "omdb", "local"}, f.Profile["plot"])
	assert.True(t, f.Providers["tmdb"].Enabled)
}

func TestLoadFileRejectsUnknownKind(t *testing.T) {
	path := writeConfig(t, `
dataDir: /tmp/x
libraries:
  - path: /mnt/books
    kind: books
`)
	_, err := LoadFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown kind")
}

func TestLoadFileRejectsDuplicatePaths(t *testing.T) {
	path := writeConfig(t, `
dataDir: /tmp/x
libraries:
  - path: /mnt/movies
    kind: movie
  - path: /mnt/movies
    kind: tv
`)
	_, err := LoadFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate path")
}
