package adapter

import (
	"fmt"
	"sort"
	"sync"

	"github.com/marko911/bullion-redeem/internal/redemption"
)

// Registry dispatches on venue.
type Registry struct {
	mu     sync.RWMutex
	venues map[redemption.Venue]Settlement
}

// NewRegistry registers the given adapters.
func NewRegistry(adapters ...Settlement) *Registry {
	r := &Registry{venues: make(map[redemption.Venue]Settlement)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds or replaces the adapter for its venue.
func (r *Registry) Register(a Settlement) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.venues[a.Venue()] = a
}

// Get returns the adapter for venue. An unconfigured venue is unavailable.
func (r *Registry) Get(venue redemption.Venue) (Settlement, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.venues[venue]
	if !ok {
		return nil, fmt.Errorf("%w: %s not configured", redemption.ErrVenueUnavailable, venue)
	}
	return a, nil
}

// Venues lists the configured venues.
func (r *Registry) Venues() []redemption.Venue {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]redemption.Venue, 0, len(r.venues))
	for v := range r.venues {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
