// SPDX-License-Identifier: MIT

package store

import (
	"context"
)

// PutCandidates stores provider-proposed assets, replacing score data on
// re-fetch. Keyed by (entity, asset type, url) so repeated enrichment does
// not duplicate proposals.
func (s *Store) PutCandidates(ctx context.Context, cands []*Candidate) error {
	if len(cands) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return translateErr(err, "candidates begin")
	}
	defer func() { _ = tx.Rollback() }()

	for _, c := range cands {
		_, err := tx.ExecContext(ctx, `
		INSERT INTO asset_candidates
			(entity_type, entity_id, asset_type, url, width, height, language, score, votes, provider, phash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_type, entity_id, asset_type, url) DO UPDATE SET
			width = excluded.width, height = excluded.height,
			language = excluded.language, score = excluded.score,
			votes = excluded.votes, phash = excluded.phash`,
			c.Entity.Type, c.Entity.ID, c.AssetType, c.URL,
			c.Width, c.Height, c.Language, c.Score, c.Votes, c.Provider, c.PHash)
		if err != nil {
			return translateErr(err, "candidate upsert")
		}
	}
	return translateErr(tx.Commit(), "candidates commit")
}

// Candidates lists stored proposals for one entity and asset type, best
// score first.
func (s *Store) Candidates(ctx context.Context, ref EntityRef, assetType string) ([]*Candidate, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT id, entity_type, entity_id, asset_type, url, width, height,
		COALESCE(language, ''), score, votes, provider, COALESCE(phash, ''), selected
	FROM asset_candidates
	WHERE entity_type = ? AND entity_id = ? AND asset_type = ?
	ORDER BY score DESC, votes DESC, id ASC`,
		ref.Type, ref.ID, assetType)
	if err != nil {
		return nil, translateErr(err, "candidates list")
	}
	defer func() { _ = rows.Close() }()

	var out []*Candidate
	for rows.Next() {
		var c Candidate
		if err := rows.Scan(&c.ID, &c.Entity.Type, &c.Entity.ID, &c.AssetType, &c.URL,
			&c.Width, &c.Height, &c.Language, &c.Score, &c.Votes, &c.Provider, &c.PHash, &c.Selected); err != nil {
			return nil, translateErr(err, "candidates scan")
		}
		out = append(out, &c)
	}
	return out, translateErr(rows.Err(), "candidates rows")
}

// SetCandidatePHash records the perceptual hash computed from a downloaded
// candidate so later near-duplicate filtering can compare against it.
func (s *Store) SetCandidatePHash(ctx context.Context, id int64, phash string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE asset_candidates SET phash = ? WHERE id = ?`, phash, id)
	return translateErr(err, "candidate phash")
}

// MarkSelected flags the winning candidates for an asset type, clearing any
// previous selection first.
func (s *Store) MarkSelected(ctx context.Context, ref EntityRef, assetType string, ids []int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return translateErr(err, "select begin")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
	UPDATE asset_candidates SET selected = 0
	WHERE entity_type = ? AND entity_id = ? AND asset_type = ?`,
		ref.Type, ref.ID, assetType); err != nil {
		return translateErr(err, "select clear")
	}
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx,
			`UPDATE asset_candidates SET selected = 1 WHERE id = ?`, id); err != nil {
			return translateErr(err, "select mark")
		}
	}
	return translateErr(tx.Commit(), "select commit")
}
