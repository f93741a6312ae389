// Package platform defines the contract the orchestration core consumes from
// external completion services. The core never implements client logic itself
// and never interprets completion output.
package platform

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Completion is the successful outcome of one adapter call. Output is passed
// through verbatim; Cost is in service-specific units.
type Completion struct {
	Output string
	Cost   float64
}

// Adapter turns a prompt into a Completion or fails. Implementations live
// outside this core (HTTP clients, subprocesses); the executor only sees this
// interface. Execute must honor ctx cancellation and deadline.
type Adapter interface {
	Name() string
	Execute(ctx context.Context, prompt string) (*Completion, error)
}

// Error is the structured failure an adapter reports. Retryable drives the
// executor's retry/fallback decision via the error taxonomy.
type Error struct {
	Kind      string // "rate_limit", "timeout", "server", "auth", "bad_request", ...
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("platform error (%s): %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("platform error (%s)", e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient reports the adapter's own retryability flag. The errors package
// picks this up during classification.
func (e *Error) Transient() bool { return e.Retryable }

// Registry holds the adapters available to the executor, keyed by service
// name. Registration happens at startup; lookups are concurrent.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds or replaces the adapter for its service name.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	r.adapters[a.Name()] = a
	r.mu.Unlock()
}

// Get returns the adapter for a service.
func (r *Registry) Get(service string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[service]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for service %q", service)
	}
	return a, nil
}

// Names returns all registered service names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
