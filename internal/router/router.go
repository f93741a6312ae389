// Package router orders services into cost tiers and selects the next viable
// candidate for a task.
//
// It walks tiers in ascending priority, skipping services the caller has
// already exhausted for this task and services without quota capacity, and
// honors an advisory platform hint when the hinted service is still viable.
package router

import (
	"sort"
	"sync"

	relayerrors "relay/internal/errors"
)

// Tier places one service at a routing priority. Lower priority numbers are
// tried first, so free-tier services sit below pay-per-use ones.
type Tier struct {
	Service  string
	Priority int
}

// CapacityChecker answers whether a service can take one more request right
// now. The quota ledger implements it; the executor may wrap it with circuit
// breaker checks.
type CapacityChecker interface {
	HasCapacity(service string) bool
}

// Router selects services by tier. Tier configuration is read-only after
// construction; selection is a pure function over the checker's snapshot.
type Router struct {
	mu       sync.RWMutex
	tiers    []Tier
	capacity CapacityChecker
}

// NewRouter creates a Router over a static tier list. The slice is copied and
// sorted by ascending priority; ties keep their configured order.
func NewRouter(tiers []Tier, capacity CapacityChecker) *Router {
	sorted := make([]Tier, len(tiers))
	copy(sorted, tiers)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority < sorted[j].Priority
	})
	return &Router{tiers: sorted, capacity: capacity}
}

// Services returns every configured service in tier order.
func (r *Router) Services() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tiers))
	for _, t := range r.tiers {
		out = append(out, t.Service)
	}
	return out
}

// Select returns the next viable service.
//
// A non-empty hint wins when it is configured, not excluded, and has
// capacity; the hint never overrides exhaustion. Otherwise tiers are walked
// in priority order. When everything is excluded or out of capacity, Select
// returns a NoServiceAvailableError value — the exhaustion terminal for one
// task's fallback chain, not an exception.
func (r *Router) Select(excluded map[string]bool, hint string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if hint != "" && !excluded[hint] && r.configured(hint) && r.capacity.HasCapacity(hint) {
		return hint, nil
	}

	for _, t := range r.tiers {
		if excluded[t.Service] {
			continue
		}
		if !r.capacity.HasCapacity(t.Service) {
			continue
		}
		return t.Service, nil
	}

	names := make([]string, 0, len(excluded))
	for _, t := range r.tiers {
		if excluded[t.Service] {
			names = append(names, t.Service)
		}
	}
	return "", &relayerrors.NoServiceAvailableError{Excluded: names}
}

func (r *Router) configured(service string) bool {
	for _, t := range r.tiers {
		if t.Service == service {
			return true
		}
	}
	return false
}
