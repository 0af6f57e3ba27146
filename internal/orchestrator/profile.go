// SPDX-License-Identifier: MIT

// Package orchestrator coordinates multi-provider metadata fetches: it fans
// out to every capable provider, merges field-by-field under the priority
// profile and the lock registry, scores asset candidates and downloads the
// winners into the asset cache.
package orchestrator

import (
	"sort"

	"github.com/mediacurator/curator/internal/provider"
)

// DefaultFields is the field set enriched when a request names none.
var DefaultFields = []string{
	"title", "original_title", "sort_title", "plot", "tagline", "genres",
	"studio", "content_rating", "release_date", "rating", "votes",
	"collection", "country", "directors", "writers", "actors",
}

// Profile maps metadata fields and asset types to ordered provider lists;
// earlier wins. Loaded from the config file, falling back to the default
// chain for unnamed fields.
type Profile struct {
	orders   map[string][]string
	fallback []string
}

// NewProfile builds a profile. fallback is the provider chain used for any
// field the map does not name.
func NewProfile(orders map[string][]string, fallback []string) Profile {
	if orders == nil {
		orders = map[string][]string{}
	}
	if len(fallback) == 0 {
		fallback = []string{provider.LocalName, "tmdb", "tvdb", "omdb", "fanart"}
	}
	return Profile{orders: orders, fallback: fallback}
}

// Order returns the provider preference for a field or asset type.
func (p Profile) Order(field string) []string {
	if o, ok := p.orders[field]; ok && len(o) > 0 {
		return o
	}
	return p.fallback
}

// rank returns the provider's position in the field order; providers not
// listed rank after all listed ones, tied with each other.
func (p Profile) rank(field, providerName string) int {
	for i, name := range p.Order(field) {
		if name == providerName {
			return i
		}
	}
	return len(p.Order(field))
}

// orderProviders sorts provider names for one field: profile rank first,
// then declared metadata completeness descending, then name for stability.
func (p Profile) orderProviders(field string, names []string, caps map[string]provider.Capabilities) []string {
	out := append([]string(nil), names...)
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := p.rank(field, out[i]), p.rank(field, out[j])
		if ri != rj {
			return ri < rj
		}
		ci, cj := caps[out[i]].MetadataCompleteness, caps[out[j]].MetadataCompleteness
		if ci != cj {
			return ci > cj
		}
		return out[i] < out[j]
	})
	return out
}
