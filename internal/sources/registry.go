// Package sources holds the evidence providers floodgate can consult and the
// registry that orders them for collection.
package sources

import (
	"fmt"

	"github.com/linnemanlabs/floodgate/internal/evidence"
)

// Registry holds providers keyed by source ID, preserving registration order.
// Collection order is the order verdicts appear in a decision, so it must be
// stable across runs.
type Registry struct {
	byID  map[string]evidence.Provider
	order []string
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]evidence.Provider)}
}

// Register adds a provider, keyed by its SourceID. Registering the same
// source twice is an error.
func (r *Registry) Register(p evidence.Provider) error {
	id := p.SourceID()
	if id == "" {
		return fmt.Errorf("register provider: empty source id")
	}
	if !p.Category().Valid() {
		return fmt.Errorf("register provider %q: unknown category %q", id, p.Category())
	}
	if _, dup := r.byID[id]; dup {
		return fmt.Errorf("register provider %q: already registered", id)
	}
	r.byID[id] = p
	r.order = append(r.order, id)
	return nil
}

// Get retrieves a provider by source ID.
func (r *Registry) Get(id string) (evidence.Provider, bool) {
	p, ok := r.byID[id]
	return p, ok
}

// Len returns the number of registered providers.
func (r *Registry) Len() int { return len(r.order) }

// Providers returns the providers in registration order.
func (r *Registry) Providers() []evidence.Provider {
	out := make([]evidence.Provider, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// Describe lists "id (category)" for every provider, for startup logging.
func (r *Registry) Describe() []string {
	out := make([]string, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, fmt.Sprintf("%s (%s)", id, r.byID[id].Category()))
	}
	return out
}
