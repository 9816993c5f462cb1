// Package registry owns provider metadata and health, and picks the best
// provider for each request with a weighted multi-criteria score.
package registry

import (
	"fmt"
	"sync"

	"github.com/MikkoParkkola/translate-gateway/internal/domain"
)

// Registry is the authoritative holder of provider records. Providers
// are mutated only through Register and SetEnabled.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]*domain.Provider
	// order preserves registration order for stable tie-breaking.
	order  []string
	health map[string]*HealthTracker
}

func New() *Registry {
	return &Registry{
		providers: make(map[string]*domain.Provider),
		health:    make(map[string]*HealthTracker),
	}
}

// Register validates and stores a provider. A duplicate id overwrites the
// existing record but keeps its registration position and health history.
func (r *Registry) Register(p *domain.Provider) error {
	if err := validate(p); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[p.ID]; !exists {
		r.order = append(r.order, p.ID)
		r.health[p.ID] = NewHealthTracker()
	}
	r.providers[p.ID] = p
	return nil
}

func validate(p *domain.Provider) error {
	switch {
	case p == nil:
		return fmt.Errorf("%w: nil provider", domain.ErrInvalidProvider)
	case p.ID == "":
		return fmt.Errorf("%w: missing id", domain.ErrInvalidProvider)
	case p.Name == "":
		return fmt.Errorf("%w: missing name", domain.ErrInvalidProvider)
	case p.Type != domain.ProviderTypeNetwork && p.Type != domain.ProviderTypeLocal:
		return fmt.Errorf("%w: unknown type %q", domain.ErrInvalidProvider, p.Type)
	case p.Type == domain.ProviderTypeNetwork && p.Endpoint == "":
		return fmt.Errorf("%w: missing endpoint", domain.ErrInvalidProvider)
	case p.Features == nil:
		return fmt.Errorf("%w: missing features", domain.ErrInvalidProvider)
	case len(p.Languages) == 0:
		return fmt.Errorf("%w: missing languages", domain.ErrInvalidProvider)
	case p.Priority < 1:
		return fmt.Errorf("%w: priority must be >= 1", domain.ErrInvalidProvider)
	case p.Backend == nil:
		return fmt.Errorf("%w: missing backend", domain.ErrInvalidProvider)
	}
	return nil
}

// Get returns the provider with the given id.
func (r *Registry) Get(id string) (*domain.Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	return p, ok
}

// List returns providers in registration order.
func (r *Registry) List() []*domain.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*domain.Provider, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.providers[id])
	}
	return out
}

// SetEnabled toggles a provider without dropping its health history.
func (r *Registry) SetEnabled(id string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.providers[id]
	if !ok {
		return domain.ErrProviderNotFound
	}
	p.Enabled = enabled
	return nil
}

// Tracker returns the health tracker for a provider.
func (r *Registry) Tracker(id string) (*HealthTracker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.health[id]
	return t, ok
}

// RecordOutcome feeds one observed interaction into the provider's
// rolling window.
func (r *Registry) RecordOutcome(id string, sample domain.PerformanceSample) {
	r.mu.RLock()
	tracker, ok := r.health[id]
	r.mu.RUnlock()
	if ok {
		tracker.Record(sample)
	}
}

// Health reports the derived health for a provider. Providers with no
// samples yet are considered healthy so a fresh registration is eligible
// for selection.
func (r *Registry) Health(id string) domain.ProviderHealth {
	r.mu.RLock()
	tracker, ok := r.health[id]
	r.mu.RUnlock()
	if !ok {
		return domain.ProviderHealth{}
	}
	return tracker.Health()
}
