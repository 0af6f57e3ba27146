// SPDX-License-Identifier: MIT

// Package config provides configuration management for curator.
//
// Two layers exist: Performance tuning comes from the environment and is
// loaded exactly once at process start; libraries, providers and the
// priority profile come from a YAML file. Neither is mutated after Load.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Performance holds process-wide tuning knobs, loaded from environment.
// Loaded once at bootstrap and passed by handle; there is no global.
type Performance struct {
	Workers                 int
	PollInterval            time.Duration
	MaxConsecutiveFailures  int
	CircuitResetDelay       time.Duration
	RateLimiterCleanup      time.Duration
	ProviderRequestTimeout  time.Duration
	ProviderMaxRetries      int
	ProviderRPS             map[string]float64
	AssetMaxConcurrentDL    int
	AssetMaxBytes           int64
	ImageProcessingTimeout  time.Duration
	DBPoolSize              int
	DBQueryTimeout          time.Duration
	HistoryCompletedDays    int
	HistoryFailedDays       int
	EnrichStaleAfter        time.Duration
	EnrichBatchLimit        int
	MinCompleteness         float64
	RejectPartialMetadata   bool
	JobTimeout              time.Duration
	ShutdownDrainTimeout    time.Duration
	QuickHashThresholdBytes int64
}

// LoadPerformance reads the performance configuration from the environment,
// applying the documented defaults.
func LoadPerformance() Performance {
	return Performance{
		Workers:                ParseInt("CURATOR_WORKERS", 5),
		PollInterval:           ParseMillis("CURATOR_POLL_INTERVAL_MS", time.Second),
		MaxConsecutiveFailures: ParseInt("CURATOR_MAX_CONSECUTIVE_FAILURES", 5),
		CircuitResetDelay:      ParseMillis("CURATOR_CIRCUIT_RESET_DELAY_MS", time.Minute),
		RateLimiterCleanup:     ParseMillis("CURATOR_RATELIMITER_CLEANUP_MS", time.Minute),
		ProviderRequestTimeout: ParseMillis("CURATOR_PROVIDER_REQUEST_TIMEOUT_MS", 10*time.Second),
		ProviderMaxRetries:     ParseInt("CURATOR_PROVIDER_MAX_RETRIES", 3),
		ProviderRPS: map[string]float64{
			"tmdb":   ParseFloat("CURATOR_TMDB_RPS", 4),
			"tvdb":   ParseFloat("CURATOR_TVDB_RPS", 4),
			"fanart": ParseFloat("CURATOR_FANART_RPS", 2),
			"omdb":   ParseFloat("CURATOR_OMDB_RPS", 1),
		},
		AssetMaxConcurrentDL:    ParseInt("CURATOR_ASSET_MAX_CONCURRENT_DOWNLOADS", 5),
		AssetMaxBytes:           ParseInt64("CURATOR_ASSET_MAX_BYTES", 52428800),
		ImageProcessingTimeout:  ParseMillis("CURATOR_IMAGE_PROCESSING_TIMEOUT_MS", 30*time.Second),
		DBPoolSize:              ParseInt("CURATOR_DB_POOL_SIZE", 5),
		DBQueryTimeout:          ParseMillis("CURATOR_DB_QUERY_TIMEOUT_MS", 30*time.Second),
		HistoryCompletedDays:    ParseInt("CURATOR_HISTORY_COMPLETED_DAYS", 7),
		HistoryFailedDays:       ParseInt("CURATOR_HISTORY_FAILED_DAYS", 30),
		EnrichStaleAfter:        ParseMillis("CURATOR_ENRICH_STALE_AFTER_MS", 30*24*time.Hour),
		EnrichBatchLimit:        ParseInt("CURATOR_ENRICH_BATCH_LIMIT", 50),
		MinCompleteness:         ParseFloat("CURATOR_MIN_COMPLETENESS", 0.6),
		RejectPartialMetadata:   ParseInt("CURATOR_REJECT_PARTIAL_METADATA", 0) != 0,
		JobTimeout:              ParseMillis("CURATOR_JOB_TIMEOUT_MS", 5*time.Minute),
		ShutdownDrainTimeout:    ParseMillis("CURATOR_SHUTDOWN_DRAIN_MS", 30*time.Second),
		QuickHashThresholdBytes: ParseInt64("CURATOR_QUICK_HASH_THRESHOLD_BYTES", 1<<30),
	}
}

// LibraryConfig describes one configured library root.
type LibraryConfig struct {
	Name       string `yaml:"name"`
	Path       string `yaml:"path"`
	Kind       string `yaml:"kind"` // movie | tv | music
	AutoEnrich bool   `yaml:"autoEnrich"`
	Publish    bool   `yaml:"publish"`
}

// ProviderFileConfig carries per-provider settings from the config file.
type ProviderFileConfig struct {
	Enabled    bool     `yaml:"enabled"`
	APIKey     string   `yaml:"apiKey,omitempty"`
	AssetTypes []string `yaml:"assetTypes,omitempty"`
	RPS        float64  `yaml:"rps,omitempty"`
	Burst      int      `yaml:"burst,omitempty"`
}

// File is the YAML configuration structure (curator.yml).
type File struct {
	DataDir   string                        `yaml:"dataDir"`
	LogLevel  string                        `yaml:"logLevel,omitempty"`
	Listen    string                        `yaml:"listen,omitempty"`
	Libraries []LibraryConfig               `yaml:"libraries"`
	Providers map[string]ProviderFileConfig `yaml:"providers,omitempty"`
	// Profile maps metadata fields and asset types to ordered provider lists.
	Profile map[string][]string `yaml:"profile,omitempty"`
}

// LoadFile parses the YAML config at path and validates it.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *File) validate() error {
	if f.DataDir == "" {
		return fmt.Errorf("config: dataDir is required")
	}
	if f.Listen == "" {
		f.Listen = ":8480"
	}
	seen := make(map[string]struct{}, len(f.Libraries))
	for i, lib := range f.Libraries {
		if lib.Path == "" {
			return fmt.Errorf("config: libraries[%d]: path is required", i)
		}
		switch lib.Kind {
		case "movie", "tv", "music":
		default:
			return fmt.Errorf("config: libraries[%d]: unknown kind %q", i, lib.Kind)
		}
		if _, dup := seen[lib.Path]; dup {
			return fmt.Errorf("config: libraries[%d]: duplicate path %q", i, lib.Path)
		}
		seen[lib.Path] = struct{}{}
	}
	return nil
}
