// SPDX-License-Identifier: MIT

package orchestrator

import (
	"context"
	"sort"

	"github.com/mediacurator/curator/internal/provider"
	"github.com/mediacurator/curator/internal/store"
)

// mergeResult is the outcome of resolving provider responses field by field.
type mergeResult struct {
	// Fields holds the winning value per field, ready to persist.
	Fields map[string]string
	// FieldSources names the provider that won each field.
	FieldSources map[string]string
	// SkippedLockedFields lists fields a provider offered but a lock (user
	// or forced-local) kept unchanged.
	SkippedLockedFields []string
	// ExternalIDs merges ids from every response; first writer wins per id.
	ExternalIDs map[string]string
}

// merge resolves responses under the profile and the lock registry.
// highest-priority-with-data wins per field; locked and forced-local
// fields are skipped silently and reported.
func (o *Orchestrator) merge(
	ctx context.Context,
	ref store.EntityRef,
	requested []string,
	responses map[string]*provider.MetadataResponse,
	caps map[string]provider.Capabilities,
) (*mergeResult, error) {
	res := &mergeResult{
		Fields:       map[string]string{},
		FieldSources: map[string]string{},
		ExternalIDs:  map[string]string{},
	}

	locked, err := o.store.LockedFields(ctx, ref)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(responses))
	for name := range responses {
		names = append(names, name)
	}
	sort.Strings(names)

	skipped := map[string]struct{}{}
	for _, field := range requested {
		value, source, offered := "", "", false
		for _, name := range o.profile.orderProviders(field, names, caps) {
			resp := responses[name]
			if resp == nil {
				continue
			}
			v, ok := resp.Fields[field]
			if !ok || v == "" {
				continue
			}
			offered = true
			value, source = v, name
			break
		}
		if !offered {
			continue
		}
		if _, userLock := locked[field]; userLock || store.ForcedLocal(field) {
			skipped[field] = struct{}{}
			continue
		}
		res.Fields[field] = value
		res.FieldSources[field] = source
	}

	for field := range skipped {
		res.SkippedLockedFields = append(res.SkippedLockedFields, field)
	}
	sort.Strings(res.SkippedLockedFields)

	// External ids merge in profile-fallback order so the preferred
	// provider names the canonical id.
	for _, name := range o.profile.orderProviders("external_ids", names, caps) {
		resp := responses[name]
		if resp == nil {
			continue
		}
		for id, v := range resp.ExternalIDs {
			if v == "" {
				continue
			}
			if _, ok := res.ExternalIDs[id]; !ok {
				res.ExternalIDs[id] = v
			}
		}
	}
	return res, nil
}
