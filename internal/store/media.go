// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"errors"
)

// UpsertOutcome tells the caller whether a media upsert created a new link
// row. Callers that took a cache reference before upserting use it to keep
// ref_count equal to the number of link rows: a refreshed link means the
// reference was duplicated, and PrevAssetID names the asset the row pointed
// at before the refresh.
type UpsertOutcome struct {
	Inserted    bool
	PrevAssetID int64
}

// UpsertImage records a discovered or fetched image. Rows carry both the
// library path (for player-native scans) and the cache path (durable copy).
func (s *Store) UpsertImage(ctx context.Context, img *ImageRow) (UpsertOutcome, error) {
	var out UpsertOutcome
	var id int64
	err := s.db.QueryRowContext(ctx, `
	INSERT INTO images (entity_type, entity_id, asset_type, library_path, cache_path, cache_asset_id, width, height)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(entity_type, entity_id, asset_type, library_path) DO NOTHING
	RETURNING id`,
		img.Entity.Type, img.Entity.ID, img.AssetType,
		img.LibraryPath, img.CachePath, img.CacheAssetID, img.Width, img.Height).Scan(&id)
	if err == nil {
		out.Inserted = true
		return out, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return out, translateErr(err, "image insert")
	}

	err = s.db.QueryRowContext(ctx, `
	SELECT COALESCE(cache_asset_id, 0) FROM images
	WHERE entity_type = ? AND entity_id = ? AND asset_type = ? AND library_path = ?`,
		img.Entity.Type, img.Entity.ID, img.AssetType, img.LibraryPath).Scan(&out.PrevAssetID)
	if err != nil {
		return out, translateErr(err, "image lookup")
	}
	_, err = s.db.ExecContext(ctx, `
	UPDATE images SET cache_path = ?, cache_asset_id = ?, width = ?, height = ?
	WHERE entity_type = ? AND entity_id = ? AND asset_type = ? AND library_path = ?`,
		img.CachePath, img.CacheAssetID, img.Width, img.Height,
		img.Entity.Type, img.Entity.ID, img.AssetType, img.LibraryPath)
	return out, translateErr(err, "image update")
}

// Images lists image rows for an entity.
func (s *Store) Images(ctx context.Context, ref EntityRef) ([]*ImageRow, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT id, entity_type, entity_id, asset_type,
		COALESCE(library_path, ''), COALESCE(cache_path, ''),
		COALESCE(cache_asset_id, 0), COALESCE(width, 0), COALESCE(height, 0)
	FROM images WHERE entity_type = ? AND entity_id = ? ORDER BY id`,
		ref.Type, ref.ID)
	if err != nil {
		return nil, translateErr(err, "images list")
	}
	defer func() { _ = rows.Close() }()

	var out []*ImageRow
	for rows.Next() {
		var img ImageRow
		if err := rows.Scan(&img.ID, &img.Entity.Type, &img.Entity.ID, &img.AssetType,
			&img.LibraryPath, &img.CachePath, &img.CacheAssetID, &img.Width, &img.Height); err != nil {
			return nil, translateErr(err, "images scan")
		}
		out = append(out, &img)
	}
	return out, translateErr(rows.Err(), "images rows")
}

// UpsertTrailer records a discovered trailer.
func (s *Store) UpsertTrailer(ctx context.Context, tr *TrailerRow) (UpsertOutcome, error) {
	var out UpsertOutcome
	var id int64
	err := s.db.QueryRowContext(ctx, `
	INSERT INTO trailers (entity_type, entity_id, library_path, cache_path, cache_asset_id, quality)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(entity_type, entity_id, library_path) DO NOTHING
	RETURNING id`,
		tr.Entity.Type, tr.Entity.ID, tr.LibraryPath, tr.CachePath, tr.CacheAssetID, tr.Quality).Scan(&id)
	if err == nil {
		out.Inserted = true
		return out, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return out, translateErr(err, "trailer insert")
	}

	err = s.db.QueryRowContext(ctx, `
	SELECT COALESCE(cache_asset_id, 0) FROM trailers
	WHERE entity_type = ? AND entity_id = ? AND library_path = ?`,
		tr.Entity.Type, tr.Entity.ID, tr.LibraryPath).Scan(&out.PrevAssetID)
	if err != nil {
		return out, translateErr(err, "trailer lookup")
	}
	_, err = s.db.ExecContext(ctx, `
	UPDATE trailers SET cache_path = ?, cache_asset_id = ?, quality = ?
	WHERE entity_type = ? AND entity_id = ? AND library_path = ?`,
		tr.CachePath, tr.CacheAssetID, tr.Quality,
		tr.Entity.Type, tr.Entity.ID, tr.LibraryPath)
	return out, translateErr(err, "trailer update")
}

// UpsertSubtitle records an external subtitle sidecar.
func (s *Store) UpsertSubtitle(ctx context.Context, sub *SubtitleRow) (UpsertOutcome, error) {
	var out UpsertOutcome
	var id int64
	err := s.db.QueryRowContext(ctx, `
	INSERT INTO subtitle_streams (entity_type, entity_id, library_path, cache_path, cache_asset_id, language, forced, sdh)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(entity_type, entity_id, library_path) DO NOTHING
	RETURNING id`,
		sub.Entity.Type, sub.Entity.ID, sub.LibraryPath, sub.CachePath, sub.CacheAssetID,
		sub.Language, sub.Forced, sub.SDH).Scan(&id)
	if err == nil {
		out.Inserted = true
		return out, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return out, translateErr(err, "subtitle insert")
	}

	err = s.db.QueryRowContext(ctx, `
	SELECT COALESCE(cache_asset_id, 0) FROM subtitle_streams
	WHERE entity_type = ? AND entity_id = ? AND library_path = ?`,
		sub.Entity.Type, sub.Entity.ID, sub.LibraryPath).Scan(&out.PrevAssetID)
	if err != nil {
		return out, translateErr(err, "subtitle lookup")
	}
	_, err = s.db.ExecContext(ctx, `
	UPDATE subtitle_streams SET cache_path = ?, cache_asset_id = ?, language = ?, forced = ?, sdh = ?
	WHERE entity_type = ? AND entity_id = ? AND library_path = ?`,
		sub.CachePath, sub.CacheAssetID, sub.Language, sub.Forced, sub.SDH,
		sub.Entity.Type, sub.Entity.ID, sub.LibraryPath)
	return out, translateErr(err, "subtitle update")
}

// ReplaceStreams replaces the probed stream rows for an entity in one
// transaction. Called after each media probe.
func (s *Store) ReplaceStreams(ctx context.Context, ref EntityRef, video *VideoStream, audio []*AudioStream) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return translateErr(err, "streams begin")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM video_streams WHERE entity_type = ? AND entity_id = ?`, ref.Type, ref.ID); err != nil {
		return translateErr(err, "streams clear video")
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM audio_streams WHERE entity_type = ? AND entity_id = ?`, ref.Type, ref.ID); err != nil {
		return translateErr(err, "streams clear audio")
	}

	if video != nil {
		if _, err := tx.ExecContext(ctx, `
		INSERT INTO video_streams (entity_type, entity_id, codec, width, height, aspect, bitrate, framerate, duration_seconds, container, file_size)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ref.Type, ref.ID, video.Codec, video.Width, video.Height, video.Aspect,
			video.Bitrate, video.Framerate, video.DurationSeconds, video.Container, video.FileSize); err != nil {
			return translateErr(err, "streams insert video")
		}
	}
	for _, a := range audio {
		if _, err := tx.ExecContext(ctx, `
		INSERT INTO audio_streams (entity_type, entity_id, codec, channels, language, bitrate)
		VALUES (?, ?, ?, ?, ?, ?)`,
			ref.Type, ref.ID, a.Codec, a.Channels, a.Language, a.Bitrate); err != nil {
			return translateErr(err, "streams insert audio")
		}
	}
	return translateErr(tx.Commit(), "streams commit")
}

// VideoStreamFor loads the probed video stream, (nil, nil) when absent.
func (s *Store) VideoStreamFor(ctx context.Context, ref EntityRef) (*VideoStream, error) {
	var v VideoStream
	err := s.db.QueryRowContext(ctx, `
	SELECT entity_type, entity_id, COALESCE(codec, ''), COALESCE(width, 0), COALESCE(height, 0),
		COALESCE(aspect, ''), COALESCE(bitrate, 0), COALESCE(framerate, 0),
		COALESCE(duration_seconds, 0), COALESCE(container, ''), COALESCE(file_size, 0)
	FROM video_streams WHERE entity_type = ? AND entity_id = ?`,
		ref.Type, ref.ID).
		Scan(&v.Entity.Type, &v.Entity.ID, &v.Codec, &v.Width, &v.Height,
			&v.Aspect, &v.Bitrate, &v.Framerate, &v.DurationSeconds, &v.Container, &v.FileSize)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, translateErr(err, "video stream get")
	}
	return &v, nil
}
