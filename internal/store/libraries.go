// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
)

// UpsertLibrary inserts a library keyed by path or refreshes its settings.
func (s *Store) UpsertLibrary(ctx context.Context, lib *Library) (int64, error) {
	var existing int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM libraries WHERE path = ?`, lib.Path).Scan(&existing)
	switch {
	case err == sql.ErrNoRows:
		res, err := s.db.ExecContext(ctx, `
		INSERT INTO libraries (name, path, kind, auto_enrich, publish)
		VALUES (?, ?, ?, ?, ?)`,
			lib.Name, lib.Path, lib.Kind, lib.AutoEnrich, lib.Publish)
		if err != nil {
			return 0, translateErr(err, "library insert")
		}
		id, err := res.LastInsertId()
		if err != nil {
			return 0, translateErr(err, "library insert id")
		}
		return id, nil
	case err != nil:
		return 0, translateErr(err, "library lookup")
	default:
		_, err := s.db.ExecContext(ctx, `
		UPDATE libraries SET name = ?, kind = ?, auto_enrich = ?, publish = ? WHERE id = ?`,
			lib.Name, lib.Kind, lib.AutoEnrich, lib.Publish, existing)
		if err != nil {
			return 0, translateErr(err, "library update")
		}
		return existing, nil
	}
}

// GetLibrary loads a library by id, (nil, nil) when absent.
func (s *Store) GetLibrary(ctx context.Context, id int64) (*Library, error) {
	var lib Library
	err := s.db.QueryRowContext(ctx, `
	SELECT id, name, path, kind, auto_enrich, publish FROM libraries WHERE id = ?`, id).
		Scan(&lib.ID, &lib.Name, &lib.Path, &lib.Kind, &lib.AutoEnrich, &lib.Publish)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, translateErr(err, "library get")
	}
	return &lib, nil
}

// Libraries lists all configured libraries.
func (s *Store) Libraries(ctx context.Context) ([]*Library, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT id, name, path, kind, auto_enrich, publish FROM libraries ORDER BY id`)
	if err != nil {
		return nil, translateErr(err, "libraries list")
	}
	defer func() { _ = rows.Close() }()

	var out []*Library
	for rows.Next() {
		var lib Library
		if err := rows.Scan(&lib.ID, &lib.Name, &lib.Path, &lib.Kind, &lib.AutoEnrich, &lib.Publish); err != nil {
			return nil, translateErr(err, "libraries scan")
		}
		out = append(out, &lib)
	}
	return out, translateErr(rows.Err(), "libraries rows")
}

// DeleteLibrary removes a library; entity rows cascade.
func (s *Store) DeleteLibrary(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM libraries WHERE id = ?`, id)
	return translateErr(err, "library delete")
}
