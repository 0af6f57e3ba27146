// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mediacurator/curator/internal/errdef"
)

// ErrVersionConflict is returned when an optimistic update loses the race.
var ErrVersionConflict = errdef.New(errdef.CodeConstraint, "entity version conflict")

const entityCols = `id, library_id, path, title, year,
	COALESCE(imdb_id, ''), COALESCE(tmdb_id, ''), COALESCE(tvdb_id, ''),
	state, last_scraped_at, enrichment_priority, monitored, version,
	COALESCE(file_hash, ''), meta`

func scanEntity(t EntityType, row interface{ Scan(...any) error }) (*Entity, error) {
	var e Entity
	var year sql.NullInt64
	var scraped sql.NullString
	var metaJSON string
	err := row.Scan(&e.Ref.ID, &e.LibraryID, &e.Path, &e.Title, &year,
		&e.IMDBID, &e.TMDBID, &e.TVDBID,
		&e.State, &scraped, &e.EnrichmentPriority, &e.Monitored, &e.Version,
		&e.FileHash, &metaJSON)
	if err != nil {
		return nil, err
	}
	e.Ref.Type = t
	if year.Valid {
		e.Year = int(year.Int64)
	}
	if scraped.Valid {
		if ts, err := time.Parse(time.RFC3339, scraped.String); err == nil {
			e.LastScrapedAt = &ts
		}
	}
	e.Meta = map[string]string{}
	_ = json.Unmarshal([]byte(metaJSON), &e.Meta)
	return &e, nil
}

// UpsertResult reports whether an upsert created or updated a row.
type UpsertResult struct {
	Ref     EntityRef
	Created bool
}

// UpsertEntity inserts an entity keyed by (library_id, path) or refreshes
// title/year/file_hash on conflict. State and metadata are untouched on
// update so enrichment survives rescans.
func (s *Store) UpsertEntity(ctx context.Context, e *Entity) (UpsertResult, error) {
	table := e.Ref.Type.table()
	if table == "" {
		return UpsertResult{}, errdef.New(errdef.CodeValidation, "unknown entity type %q", e.Ref.Type)
	}

	var existing int64
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT id FROM %s WHERE library_id = ? AND path = ?`, table),
		e.LibraryID, e.Path).Scan(&existing)
	switch {
	case err == sql.ErrNoRows:
		res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (library_id, path, title, year, file_hash, monitored)
		VALUES (?, ?, ?, ?, ?, ?)`, table),
			e.LibraryID, e.Path, e.Title, nullYear(e.Year), e.FileHash, e.Monitored)
		if err != nil {
			return UpsertResult{}, translateErr(err, "entity insert")
		}
		id, err := res.LastInsertId()
		if err != nil {
			return UpsertResult{}, translateErr(err, "entity insert id")
		}
		return UpsertResult{Ref: EntityRef{Type: e.Ref.Type, ID: id}, Created: true}, nil
	case err != nil:
		return UpsertResult{}, translateErr(err, "entity lookup")
	default:
		_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET title = ?, year = ?, file_hash = ? WHERE id = ?`, table),
			e.Title, nullYear(e.Year), e.FileHash, existing)
		if err != nil {
			return UpsertResult{}, translateErr(err, "entity update")
		}
		return UpsertResult{Ref: EntityRef{Type: e.Ref.Type, ID: existing}, Created: false}, nil
	}
}

func nullYear(y int) any {
	if y == 0 {
		return nil
	}
	return y
}

// GetEntity loads an entity, (nil, nil) when absent.
func (s *Store) GetEntity(ctx context.Context, ref EntityRef) (*Entity, error) {
	table := ref.Type.table()
	if table == "" {
		return nil, errdef.New(errdef.CodeValidation, "unknown entity type %q", ref.Type)
	}
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, entityCols, table), ref.ID)
	e, err := scanEntity(ref.Type, row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, translateErr(err, "entity get")
	}
	return e, nil
}

// ApplyMetadata writes merged metadata fields, external ids and the scrape
// timestamp under an optimistic version check. A stale version returns
// ErrVersionConflict; callers retry once after re-reading.
func (s *Store) ApplyMetadata(ctx context.Context, ref EntityRef, version int64, fields map[string]string, externalIDs map[string]string) error {
	table := ref.Type.table()
	if table == "" {
		return errdef.New(errdef.CodeValidation, "unknown entity type %q", ref.Type)
	}

	cur, err := s.GetEntity(ctx, ref)
	if err != nil {
		return err
	}
	if cur == nil {
		return errdef.New(errdef.CodeNotFound, "%s %d", ref.Type, ref.ID)
	}
	merged := cur.Meta
	for k, v := range fields {
		merged[k] = v
	}
	metaJSON, err := json.Marshal(merged)
	if err != nil {
		return errdef.Wrap(errdef.CodeValidation, err, "marshal meta")
	}

	imdb := coalesce(externalIDs["imdb"], cur.IMDBID)
	tmdb := coalesce(externalIDs["tmdb"], cur.TMDBID)
	tvdb := coalesce(externalIDs["tvdb"], cur.TVDBID)
	title := cur.Title
	if v, ok := fields["title"]; ok && v != "" {
		title = v
	}

	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
	UPDATE %s SET meta = ?, title = ?, imdb_id = ?, tmdb_id = ?, tvdb_id = ?,
		last_scraped_at = ?, version = version + 1
	WHERE id = ? AND version = ?`, table),
		string(metaJSON), title, imdb, tmdb, tvdb,
		time.Now().UTC().Format(time.RFC3339), ref.ID, version)
	if err != nil {
		return translateErr(err, "entity apply metadata")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return translateErr(err, "entity apply metadata")
	}
	if n == 0 {
		return ErrVersionConflict
	}
	return nil
}

func coalesce(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// SetState transitions the entity state. Forward transitions and the error
// state are always allowed; moving backward requires reset=true.
func (s *Store) SetState(ctx context.Context, ref EntityRef, state EntityState, reset bool) error {
	table := ref.Type.table()
	if table == "" {
		return errdef.New(errdef.CodeValidation, "unknown entity type %q", ref.Type)
	}
	cur, err := s.GetEntity(ctx, ref)
	if err != nil {
		return err
	}
	if cur == nil {
		return errdef.New(errdef.CodeNotFound, "%s %d", ref.Type, ref.ID)
	}
	if state != StateError && !reset {
		if curRank, ok := stateRank[cur.State]; ok {
			if newRank, ok := stateRank[state]; ok && newRank < curRank {
				return errdef.New(errdef.CodeValidation,
					"state transition %s -> %s requires reset", cur.State, state)
			}
		}
	}
	_, err = s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET state = ? WHERE id = ?`, table), state, ref.ID)
	return translateErr(err, "entity set state")
}

// TouchScraped bumps last_scraped_at without changing metadata.
func (s *Store) TouchScraped(ctx context.Context, ref EntityRef) error {
	table := ref.Type.table()
	if table == "" {
		return errdef.New(errdef.CodeValidation, "unknown entity type %q", ref.Type)
	}
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET last_scraped_at = ? WHERE id = ?`, table),
		time.Now().UTC().Format(time.RFC3339), ref.ID)
	return translateErr(err, "entity touch")
}

// EnrichmentCandidates selects entities due for enrichment: discovered, or
// explicitly prioritized, or stale. Ordered priority descending then id
// ascending, capped at limit.
func (s *Store) EnrichmentCandidates(ctx context.Context, t EntityType, staleBefore time.Time, limit int) ([]*Entity, error) {
	table := t.table()
	if table == "" {
		return nil, errdef.New(errdef.CodeValidation, "unknown entity type %q", t)
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
	SELECT %s FROM %s
	WHERE monitored = 1 AND (
		state = 'discovered'
		OR enrichment_priority > 0
		OR last_scraped_at IS NULL
		OR last_scraped_at < ?
	)
	ORDER BY enrichment_priority DESC, id ASC
	LIMIT ?`, entityCols, table),
		staleBefore.UTC().Format(time.RFC3339), limit)
	if err != nil {
		return nil, translateErr(err, "enrichment candidates")
	}
	defer func() { _ = rows.Close() }()

	var out []*Entity
	for rows.Next() {
		e, err := scanEntity(t, rows)
		if err != nil {
			return nil, translateErr(err, "enrichment candidates scan")
		}
		out = append(out, e)
	}
	return out, translateErr(rows.Err(), "enrichment candidates rows")
}

// MonitoredEntities lists monitored entity refs for bulk enrichment.
func (s *Store) MonitoredEntities(ctx context.Context, t EntityType) ([]EntityRef, error) {
	table := t.table()
	if table == "" {
		return nil, errdef.New(errdef.CodeValidation, "unknown entity type %q", t)
	}
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT id FROM %s WHERE monitored = 1 ORDER BY id`, table))
	if err != nil {
		return nil, translateErr(err, "monitored entities")
	}
	defer func() { _ = rows.Close() }()

	var out []EntityRef
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, translateErr(err, "monitored entities scan")
		}
		out = append(out, EntityRef{Type: t, ID: id})
	}
	return out, translateErr(rows.Err(), "monitored entities rows")
}
