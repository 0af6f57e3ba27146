// SPDX-License-Identifier: MIT

// Package provider defines the metadata-provider contract and the guard
// stack that keeps remote catalogs within their declared limits. Adapters
// translate upstream payloads and transport errors into the closed shapes
// and taxonomy at their boundary; nothing upstream-specific leaks out.
package provider

import (
	"context"
	"time"

	"github.com/mediacurator/curator/internal/store"
)

// Auth schemes a catalog may require.
const (
	AuthNone   = "none"
	AuthAPIKey = "api_key"
	AuthBearer = "bearer"
	AuthJWT    = "jwt"
)

// Capabilities declares what a provider supports and the limits it must be
// held to.
type Capabilities struct {
	Name          string
	Auth          string
	EntityTypes   []store.EntityType
	Fields        []string
	AssetTypes    []string
	SustainedRPS  float64
	WindowSeconds int
	Burst         int
	// MetadataCompleteness is the provider's declared data quality, used as
	// the final merge tie-breaker.
	MetadataCompleteness float64
	// SupportsChangeDetection marks providers with a changes-since endpoint.
	SupportsChangeDetection bool
}

// SupportsEntity reports whether the provider serves this entity type.
func (c Capabilities) SupportsEntity(t store.EntityType) bool {
	for _, et := range c.EntityTypes {
		if et == t {
			return true
		}
	}
	return false
}

// SupportsField reports whether the provider can produce this field.
func (c Capabilities) SupportsField(field string) bool {
	for _, f := range c.Fields {
		if f == field {
			return true
		}
	}
	return false
}

// SupportsAsset reports whether the provider serves this asset type.
func (c Capabilities) SupportsAsset(assetType string) bool {
	for _, a := range c.AssetTypes {
		if a == assetType {
			return true
		}
	}
	return false
}

// SearchRequest looks up an entity by title/year or external ids.
type SearchRequest struct {
	Type        store.EntityType
	Title       string
	Year        int
	ExternalIDs map[string]string
}

// SearchResult is one match, best first.
type SearchResult struct {
	ExternalID string
	Title      string
	Year       int
	Score      float64
}

// MetadataRequest fetches fields for a resolved entity.
type MetadataRequest struct {
	Entity      store.EntityRef
	Path        string
	Title       string
	Year        int
	ExternalIDs map[string]string
	Fields      []string
	// Since enables change detection: a provider that knows nothing
	// relevant changed after this instant may return NotModified.
	Since *time.Time
}

// MetadataResponse carries the fields a provider produced. Absent fields
// are simply missing from the map; adapters translate N/A-style sentinels
// to absence before returning.
type MetadataResponse struct {
	Fields      map[string]string
	ExternalIDs map[string]string
	// NotModified short-circuits the merge when change detection applies.
	NotModified bool
}

// Completeness is the fraction of requested fields the response produced.
func (r *MetadataResponse) Completeness(requested []string) float64 {
	if len(requested) == 0 {
		return 1
	}
	n := 0
	for _, f := range requested {
		if v, ok := r.Fields[f]; ok && v != "" {
			n++
		}
	}
	return float64(n) / float64(len(requested))
}

// AssetRequest fetches artwork candidates for a resolved entity.
type AssetRequest struct {
	Entity      store.EntityRef
	Path        string
	ExternalIDs map[string]string
	AssetTypes  []string
}

// Asset is one proposed artwork candidate. PHash is optional; providers
// that expose a perceptual hash fill it, otherwise it is computed from the
// downloaded bytes.
type Asset struct {
	Type     string
	URL      string
	Width    int
	Height   int
	Language string
	Score    float64
	Votes    int
	PHash    string
}

// TestResult is the outcome of a connection test.
type TestResult struct {
	OK      bool
	Message string
	Latency time.Duration
}

// Adapter is the provider contract. Implementations are safe for
// concurrent use; all calls go through a Guard.
type Adapter interface {
	Capabilities() Capabilities
	Search(ctx context.Context, req SearchRequest) ([]SearchResult, error)
	GetMetadata(ctx context.Context, req MetadataRequest) (*MetadataResponse, error)
	GetAssets(ctx context.Context, req AssetRequest) ([]Asset, error)
	TestConnection(ctx context.Context) TestResult
}
