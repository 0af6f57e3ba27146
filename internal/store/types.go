// SPDX-License-Identifier: MIT

package store

import "time"

// EntityType names the entity tables.
type EntityType string

const (
	EntityMovie   EntityType = "movie"
	EntitySeries  EntityType = "series"
	EntitySeason  EntityType = "season"
	EntityEpisode EntityType = "episode"
)

func (t EntityType) table() string {
	switch t {
	case EntityMovie:
		return "movies"
	case EntitySeries:
		return "series"
	case EntitySeason:
		return "seasons"
	case EntityEpisode:
		return "episodes"
	}
	return ""
}

// EntityRef identifies an entity across tables.
type EntityRef struct {
	Type EntityType
	ID   int64
}

// EntityState is the lifecycle state of an entity. Transitions are
// monotonic (discovered → enriched → published) except for the explicit
// reset back to discovered and the error state, which is reachable from
// anywhere.
type EntityState string

const (
	StateDiscovered EntityState = "discovered"
	StateEnriched   EntityState = "enriched"
	StatePublished  EntityState = "published"
	StateError      EntityState = "error"
)

var stateRank = map[EntityState]int{
	StateDiscovered: 0,
	StateEnriched:   1,
	StatePublished:  2,
}

// Entity is a movie, series, season or episode row. Meta carries the
// provider-merged metadata fields keyed by field name.
type Entity struct {
	Ref                EntityRef
	LibraryID          int64
	Path               string
	Title              string
	Year               int
	IMDBID             string
	TMDBID             string
	TVDBID             string
	State              EntityState
	LastScrapedAt      *time.Time
	EnrichmentPriority int
	Monitored          bool
	Version            int64
	FileHash           string
	Meta               map[string]string
}

// Library is a configured media root.
type Library struct {
	ID         int64
	Name       string
	Path       string
	Kind       string // movie | tv | music
	AutoEnrich bool
	Publish    bool
}

// ScanJob tracks the progress of one library scan.
type ScanJob struct {
	ID            string
	LibraryID     int64
	Status        string // running | completed | cancelled | failed
	TotalDirs     int
	ProcessedDirs int
	Discovered    int
	Updated       int
	Queued        int
	Errored       int
	LastError     string
	StartedAt     time.Time
	FinishedAt    *time.Time
}

// ScanJob status values.
const (
	ScanRunning   = "running"
	ScanCompleted = "completed"
	ScanCancelled = "cancelled"
	ScanFailed    = "failed"
)

// ProviderConfigRow persists per-provider configuration and the last
// connection-test outcome.
type ProviderConfigRow struct {
	Name           string
	Enabled        bool
	APIKey         string
	AssetTypes     []string
	LastTestStatus string // never_tested | success | error
	LastTestedAt   *time.Time
	LastTestError  string
}

// Candidate is a provider-proposed asset stored for later selection.
type Candidate struct {
	ID         int64
	Entity     EntityRef
	AssetType  string
	URL        string
	Width      int
	Height     int
	Language   string
	Score      float64
	Votes      int
	Provider   string
	PHash      string
	Selected   bool
}

// ImageRow records a discovered or fetched image with its two locations.
type ImageRow struct {
	ID           int64
	Entity       EntityRef
	AssetType    string
	LibraryPath  string
	CachePath    string
	CacheAssetID int64
	Width        int
	Height       int
}

// TrailerRow records a discovered trailer.
type TrailerRow struct {
	ID           int64
	Entity       EntityRef
	LibraryPath  string
	CachePath    string
	CacheAssetID int64
	Quality      string
}

// SubtitleRow records an external subtitle sidecar.
type SubtitleRow struct {
	ID           int64
	Entity       EntityRef
	LibraryPath  string
	CachePath    string
	CacheAssetID int64
	Language     string
	Forced       bool
	SDH          bool
}

// VideoStream holds the probe result for the main video stream; these are
// the forced-local fields never written by providers.
type VideoStream struct {
	Entity          EntityRef
	Codec           string
	Width           int
	Height          int
	Aspect          string
	Bitrate         int64
	Framerate       float64
	DurationSeconds float64
	Container       string
	FileSize        int64
}

// AudioStream holds one probed audio stream.
type AudioStream struct {
	Entity   EntityRef
	Codec    string
	Channels int
	Language string
	Bitrate  int64
}
