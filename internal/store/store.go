// SPDX-License-Identifier: MIT

// Package store provides SQLite persistence for libraries, entities, scan
// progress, field locks and provider configuration. The job queue and the
// asset cache share the same database file but own their tables.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure Go driver

	"github.com/mediacurator/curator/internal/errdef"
)

// Store wraps the SQLite handle.
type Store struct {
	db *sql.DB
}

// Option tunes Open.
type Option func(*openConfig)

type openConfig struct {
	busyTimeout time.Duration
}

// WithQueryTimeout bounds how long a statement waits on a locked database
// before failing, via the busy_timeout pragma.
func WithQueryTimeout(d time.Duration) Option {
	return func(c *openConfig) {
		if d > 0 {
			c.busyTimeout = d
		}
	}
}

// Open initializes the SQLite pool with mandatory pragmas (WAL,
// busy_timeout, foreign keys) and runs migrations.
func Open(dbPath string, poolSize int, opts ...Option) (*Store, error) {
	if poolSize <= 0 {
		poolSize = 5
	}
	cfg := openConfig{busyTimeout: 5 * time.Second}
	for _, opt := range opts {
		opt(&cfg)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)",
		dbPath, cfg.busyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open failed: %w", err)
	}
	db.SetMaxOpenConns(poolSize)
	db.SetMaxIdleConns(poolSize)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping failed: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: migrate failed: %w", err)
	}
	return s, nil
}

// DB exposes the underlying handle for the queue and cache packages that
// share the database file.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS libraries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		path TEXT NOT NULL UNIQUE,
		kind TEXT NOT NULL CHECK(kind IN ('movie', 'tv', 'music')),
		auto_enrich INTEGER NOT NULL DEFAULT 0,
		publish INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS movies (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		library_id INTEGER NOT NULL REFERENCES libraries(id) ON DELETE CASCADE,
		path TEXT NOT NULL,
		title TEXT NOT NULL,
		year INTEGER,
		imdb_id TEXT, tmdb_id TEXT, tvdb_id TEXT,
		state TEXT NOT NULL DEFAULT 'discovered' CHECK(state IN ('discovered', 'enriched', 'published', 'error')),
		last_scraped_at TEXT,
		enrichment_priority INTEGER NOT NULL DEFAULT 0,
		monitored INTEGER NOT NULL DEFAULT 1,
		version INTEGER NOT NULL DEFAULT 1,
		file_hash TEXT,
		meta TEXT NOT NULL DEFAULT '{}',
		UNIQUE(library_id, path)
	);

	CREATE TABLE IF NOT EXISTS series (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		library_id INTEGER NOT NULL REFERENCES libraries(id) ON DELETE CASCADE,
		path TEXT NOT NULL,
		title TEXT NOT NULL,
		year INTEGER,
		imdb_id TEXT, tmdb_id TEXT, tvdb_id TEXT,
		state TEXT NOT NULL DEFAULT 'discovered' CHECK(state IN ('discovered', 'enriched', 'published', 'error')),
		last_scraped_at TEXT,
		enrichment_priority INTEGER NOT NULL DEFAULT 0,
		monitored INTEGER NOT NULL DEFAULT 1,
		version INTEGER NOT NULL DEFAULT 1,
		file_hash TEXT,
		meta TEXT NOT NULL DEFAULT '{}',
		UNIQUE(library_id, path)
	);

	CREATE TABLE IF NOT EXISTS seasons (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		library_id INTEGER NOT NULL REFERENCES libraries(id) ON DELETE CASCADE,
		series_id INTEGER NOT NULL REFERENCES series(id) ON DELETE CASCADE,
		path TEXT NOT NULL,
		title TEXT NOT NULL,
		year INTEGER,
		imdb_id TEXT, tmdb_id TEXT, tvdb_id TEXT,
		state TEXT NOT NULL DEFAULT 'discovered' CHECK(state IN ('discovered', 'enriched', 'published', 'error')),
		last_scraped_at TEXT,
		enrichment_priority INTEGER NOT NULL DEFAULT 0,
		monitored INTEGER NOT NULL DEFAULT 1,
		version INTEGER NOT NULL DEFAULT 1,
		file_hash TEXT,
		meta TEXT NOT NULL DEFAULT '{}',
		season_number INTEGER NOT NULL DEFAULT 0,
		UNIQUE(library_id, path)
	);

	CREATE TABLE IF NOT EXISTS episodes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		library_id INTEGER NOT NULL REFERENCES libraries(id) ON DELETE CASCADE,
		season_id INTEGER NOT NULL REFERENCES seasons(id) ON DELETE CASCADE,
		path TEXT NOT NULL,
		title TEXT NOT NULL,
		year INTEGER,
		imdb_id TEXT, tmdb_id TEXT, tvdb_id TEXT,
		state TEXT NOT NULL DEFAULT 'discovered' CHECK(state IN ('discovered', 'enriched', 'published', 'error')),
		last_scraped_at TEXT,
		enrichment_priority INTEGER NOT NULL DEFAULT 0,
		monitored INTEGER NOT NULL DEFAULT 1,
		version INTEGER NOT NULL DEFAULT 1,
		file_hash TEXT,
		meta TEXT NOT NULL DEFAULT '{}',
		episode_number INTEGER NOT NULL DEFAULT 0,
		UNIQUE(library_id, path)
	);

	CREATE TABLE IF NOT EXISTS images (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		entity_type TEXT NOT NULL,
		entity_id INTEGER NOT NULL,
		asset_type TEXT NOT NULL,
		library_path TEXT,
		cache_path TEXT,
		cache_asset_id INTEGER,
		width INTEGER, height INTEGER,
		UNIQUE(entity_type, entity_id, asset_type, library_path)
	);

	CREATE TABLE IF NOT EXISTS trailers (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		entity_type TEXT NOT NULL,
		entity_id INTEGER NOT NULL,
		library_path TEXT,
		cache_path TEXT,
		cache_asset_id INTEGER,
		quality TEXT,
		UNIQUE(entity_type, entity_id, library_path)
	);

	CREATE TABLE IF NOT EXISTS subtitle_streams (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		entity_type TEXT NOT NULL,
		entity_id INTEGER NOT NULL,
		library_path TEXT,
		cache_path TEXT,
		cache_asset_id INTEGER,
		language TEXT,
		forced INTEGER NOT NULL DEFAULT 0,
		sdh INTEGER NOT NULL DEFAULT 0,
		UNIQUE(entity_type, entity_id, library_path)
	);

	CREATE TABLE IF NOT EXISTS video_streams (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		entity_type TEXT NOT NULL,
		entity_id INTEGER NOT NULL,
		codec TEXT, width INTEGER, height INTEGER,
		aspect TEXT, bitrate INTEGER, framerate REAL,
		duration_seconds REAL, container TEXT, file_size INTEGER
	);

	CREATE TABLE IF NOT EXISTS audio_streams (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		entity_type TEXT NOT NULL,
		entity_id INTEGER NOT NULL,
		codec TEXT, channels INTEGER, language TEXT, bitrate INTEGER
	);

	CREATE TABLE IF NOT EXISTS asset_candidates (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		entity_type TEXT NOT NULL,
		entity_id INTEGER NOT NULL,
		asset_type TEXT NOT NULL,
		url TEXT NOT NULL,
		width INTEGER, height INTEGER,
		language TEXT,
		score REAL NOT NULL DEFAULT 0,
		votes INTEGER NOT NULL DEFAULT 0,
		provider TEXT NOT NULL,
		phash TEXT,
		selected INTEGER NOT NULL DEFAULT 0,
		UNIQUE(entity_type, entity_id, asset_type, url)
	);

	CREATE TABLE IF NOT EXISTS field_locks (
		entity_type TEXT NOT NULL,
		entity_id INTEGER NOT NULL,
		field TEXT NOT NULL,
		PRIMARY KEY (entity_type, entity_id, field)
	);

	CREATE TABLE IF NOT EXISTS provider_config (
		name TEXT PRIMARY KEY,
		enabled INTEGER NOT NULL DEFAULT 0,
		api_key TEXT,
		asset_types TEXT NOT NULL DEFAULT '[]',
		last_test_status TEXT NOT NULL DEFAULT 'never_tested',
		last_tested_at TEXT,
		last_test_error TEXT
	);

	CREATE TABLE IF NOT EXISTS scan_jobs (
		id TEXT PRIMARY KEY,
		library_id INTEGER NOT NULL REFERENCES libraries(id) ON DELETE CASCADE,
		status TEXT NOT NULL DEFAULT 'running' CHECK(status IN ('running', 'completed', 'cancelled', 'failed')),
		total_dirs INTEGER NOT NULL DEFAULT 0,
		processed_dirs INTEGER NOT NULL DEFAULT 0,
		discovered INTEGER NOT NULL DEFAULT 0,
		updated INTEGER NOT NULL DEFAULT 0,
		queued INTEGER NOT NULL DEFAULT 0,
		errored INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		started_at TEXT NOT NULL,
		finished_at TEXT
	);

	CREATE TABLE IF NOT EXISTS app_settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_movies_state ON movies(state, enrichment_priority);
	CREATE INDEX IF NOT EXISTS idx_series_state ON series(state, enrichment_priority);
	CREATE INDEX IF NOT EXISTS idx_candidates_entity ON asset_candidates(entity_type, entity_id, asset_type);
	CREATE INDEX IF NOT EXISTS idx_images_entity ON images(entity_type, entity_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// translateErr maps sqlite failures onto the taxonomy. modernc.org/sqlite
// reports constraint violations in the error text.
func translateErr(err error, op string) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed"):
		return errdef.Wrap(errdef.CodeDuplicateKey, err, "%s", op)
	case strings.Contains(msg, "FOREIGN KEY constraint failed"):
		return errdef.Wrap(errdef.CodeForeignKey, err, "%s", op)
	case strings.Contains(msg, "constraint failed"):
		return errdef.Wrap(errdef.CodeConstraint, err, "%s", op)
	default:
		return errdef.Wrap(errdef.CodeStorage, err, "%s", op)
	}
}

// Setting reads an app setting, returning def when absent.
func (s *Store) Setting(ctx context.Context, key, def string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM app_settings WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return def, nil
	}
	if err != nil {
		return "", translateErr(err, "setting get")
	}
	return v, nil
}

// PutSetting upserts an app setting.
func (s *Store) PutSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO app_settings (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return translateErr(err, "setting put")
}
