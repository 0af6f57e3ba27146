// SPDX-License-Identifier: MIT

package orchestrator

import (
	"context"
	"sort"

	"github.com/mediacurator/curator/internal/hash"
	"github.com/mediacurator/curator/internal/store"
)

// nearDuplicateSimilarity is the perceptual-hash similarity above which two
// candidates are considered the same image.
const nearDuplicateSimilarity = 0.9

// perTypeLimits gives each asset type its selection budget; unlisted types
// get one.
var perTypeLimits = map[string]int{
	"poster":  1,
	"fanart":  5,
	"banner":  1,
	"thumb":   1,
	"trailer": 1,
}

func limitFor(assetType string) int {
	if n, ok := perTypeLimits[assetType]; ok {
		return n
	}
	return 1
}

// scoreCandidate orders proposals: the provider score dominates, votes
// break ties, resolution breaks the rest.
func scoreCandidate(c *store.Candidate) float64 {
	return c.Score*1e6 + float64(c.Votes)*10 + float64(c.Width*c.Height)/1e6
}

// SelectAssets picks the top-scored candidates for one asset type, up to
// the per-type limit, filtering perceptual near-duplicates, and marks the
// winners in the store. Zero candidates select nothing and publish nothing.
func (o *Orchestrator) SelectAssets(ctx context.Context, ref store.EntityRef, assetType string) ([]*store.Candidate, error) {
	cands, err := o.store.Candidates(ctx, ref, assetType)
	if err != nil {
		return nil, err
	}
	if len(cands) == 0 {
		return nil, nil
	}

	sort.SliceStable(cands, func(i, j int) bool {
		return scoreCandidate(cands[i]) > scoreCandidate(cands[j])
	})

	limit := limitFor(assetType)
	var picked []*store.Candidate
	for _, c := range cands {
		if len(picked) >= limit {
			break
		}
		if isNearDuplicate(c, picked) {
			continue
		}
		picked = append(picked, c)
	}

	ids := make([]int64, len(picked))
	for i, c := range picked {
		ids[i] = c.ID
	}
	if err := o.store.MarkSelected(ctx, ref, assetType, ids); err != nil {
		return nil, err
	}
	return picked, nil
}

func isNearDuplicate(c *store.Candidate, picked []*store.Candidate) bool {
	if c.PHash == "" {
		return false
	}
	for _, p := range picked {
		if p.PHash == "" {
			continue
		}
		if hash.Similarity(c.PHash, p.PHash) > nearDuplicateSimilarity {
			return true
		}
	}
	return false
}
