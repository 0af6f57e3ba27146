// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"errors"
)

// Forced-local fields are always sourced from the local media probe and
// behave as permanently locked from providers.
var forcedLocalFields = map[string]struct{}{
	"runtime":        {},
	"video_codec":    {},
	"audio_codec":    {},
	"resolution":     {},
	"aspect":         {},
	"bitrate":        {},
	"framerate":      {},
	"audio_channels": {},
	"duration":       {},
	"file_size":      {},
	"container":      {},
}

// ForcedLocal reports whether the field may only come from the local probe.
func ForcedLocal(field string) bool {
	_, ok := forcedLocalFields[field]
	return ok
}

// Lock records a user field lock; writing an existing lock is a no-op.
func (s *Store) Lock(ctx context.Context, ref EntityRef, field string) error {
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO field_locks (entity_type, entity_id, field) VALUES (?, ?, ?)
	ON CONFLICT DO NOTHING`, ref.Type, ref.ID, field)
	return translateErr(err, "lock")
}

// Unlock removes a user field lock.
func (s *Store) Unlock(ctx context.Context, ref EntityRef, field string) error {
	_, err := s.db.ExecContext(ctx, `
	DELETE FROM field_locks WHERE entity_type = ? AND entity_id = ? AND field = ?`,
		ref.Type, ref.ID, field)
	return translateErr(err, "unlock")
}

// IsLocked reports whether the field is locked for the entity, either by a
// user lock or because it is forced-local.
func (s *Store) IsLocked(ctx context.Context, ref EntityRef, field string) (bool, error) {
	if ForcedLocal(field) {
		return true, nil
	}
	var one int
	err := s.db.QueryRowContext(ctx, `
	SELECT 1 FROM field_locks WHERE entity_type = ? AND entity_id = ? AND field = ?`,
		ref.Type, ref.ID, field).Scan(&one)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return false, translateErr(err, "is locked")
}

// LockedFields returns the set of user-locked fields for the entity.
func (s *Store) LockedFields(ctx context.Context, ref EntityRef) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT field FROM field_locks WHERE entity_type = ? AND entity_id = ?`,
		ref.Type, ref.ID)
	if err != nil {
		return nil, translateErr(err, "locked fields")
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]struct{})
	for rows.Next() {
		var f string
		if err := rows.Scan(&f); err != nil {
			return nil, translateErr(err, "locked fields scan")
		}
		out[f] = struct{}{}
	}
	return out, translateErr(rows.Err(), "locked fields rows")
}
