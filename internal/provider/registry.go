// SPDX-License-Identifier: MIT

package provider

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mediacurator/curator/internal/bus"
	"github.com/mediacurator/curator/internal/errdef"
	"github.com/mediacurator/curator/internal/log"
	"github.com/mediacurator/curator/internal/ratelimit"
	"github.com/mediacurator/curator/internal/store"
)

// Guarded pairs an adapter with its protection stack. Orchestrator code
// calls through these helpers so no raw adapter call can bypass the guard.
type Guarded struct {
	Adapter Adapter
	Guard   *Guard
}

// Search runs a guarded search.
func (g *Guarded) Search(ctx context.Context, class ratelimit.Class, req SearchRequest) ([]SearchResult, error) {
	var out []SearchResult
	err := g.Guard.Do(ctx, class, func(ctx context.Context) error {
		var err error
		out, err = g.Adapter.Search(ctx, req)
		return err
	})
	return out, err
}

// GetMetadata runs a guarded metadata fetch.
func (g *Guarded) GetMetadata(ctx context.Context, class ratelimit.Class, req MetadataRequest) (*MetadataResponse, error) {
	var out *MetadataResponse
	err := g.Guard.Do(ctx, class, func(ctx context.Context) error {
		var err error
		out, err = g.Adapter.GetMetadata(ctx, req)
		return err
	})
	return out, err
}

// GetAssets runs a guarded asset fetch.
func (g *Guarded) GetAssets(ctx context.Context, class ratelimit.Class, req AssetRequest) ([]Asset, error) {
	var out []Asset
	err := g.Guard.Do(ctx, class, func(ctx context.Context) error {
		var err error
		out, err = g.Adapter.GetAssets(ctx, req)
		return err
	})
	return out, err
}

// HealthEvent is published on the provider.health topic.
type HealthEvent struct {
	Provider string
	OK       bool
	Message  string
}

// Registry tracks the configured providers and their enablement, persisted
// through the store's provider_config rows.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]*Guarded

	store *store.Store
	bus   bus.Bus
}

// NewRegistry creates an empty registry over the persistence layer.
func NewRegistry(st *store.Store, b bus.Bus) *Registry {
	return &Registry{
		providers: make(map[string]*Guarded),
		store:     st,
		bus:       b,
	}
}

// Register adds a provider with its guard. Later registrations under the
// same name replace earlier ones.
func (r *Registry) Register(adapter Adapter, guard *Guard) {
	name := adapter.Capabilities().Name
	r.mu.Lock()
	r.providers[name] = &Guarded{Adapter: adapter, Guard: guard}
	r.mu.Unlock()
	logger := log.WithComponent("provider")
	logger.Info().Str("provider", name).Msg("provider registered")
}

// Get returns the guarded provider by name.
func (r *Registry) Get(name string) (*Guarded, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.providers[name]
	return g, ok
}

// List returns registered provider names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.providers))
	for name := range r.providers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Enabled returns the guarded providers whose persisted config enables
// them. A provider with no config row is disabled; LocalProvider is always
// on and needs no row.
func (r *Registry) Enabled(ctx context.Context) ([]*Guarded, error) {
	r.mu.RLock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)

	var out []*Guarded
	for _, name := range names {
		g, _ := r.Get(name)
		if name == LocalName {
			out = append(out, g)
			continue
		}
		row, err := r.store.GetProviderConfig(ctx, name)
		if err != nil {
			return nil, err
		}
		if row != nil && row.Enabled {
			out = append(out, g)
		}
	}
	return out, nil
}

// Test runs a connection test, persists the outcome and publishes health.
func (r *Registry) Test(ctx context.Context, name string) (TestResult, error) {
	g, ok := r.Get(name)
	if !ok {
		return TestResult{}, errdef.New(errdef.CodeNotFound, "provider %q", name)
	}

	start := time.Now()
	res := g.Adapter.TestConnection(ctx)
	res.Latency = time.Since(start)

	if err := r.store.RecordProviderTest(ctx, name, res.OK, res.Message); err != nil {
		return res, err
	}
	if r.bus != nil {
		r.bus.Publish(bus.TopicProviderState, HealthEvent{Provider: name, OK: res.OK, Message: res.Message})
	}
	return res, nil
}
