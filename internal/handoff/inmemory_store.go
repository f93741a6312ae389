package handoff

import (
	"context"
	"sync"

	relayerrors "relay/internal/errors"
)

// InMemoryStore implements ContextStore without persistence, for tests and
// single-process development runs.
type InMemoryStore struct {
	mu       sync.RWMutex
	contexts map[string]Context
}

// NewInMemoryStore creates an empty in-memory context store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{contexts: make(map[string]Context)}
}

// Put stores a copy of the context.
func (s *InMemoryStore) Put(ctx context.Context, hc Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload := make([]byte, len(hc.Payload))
	copy(payload, hc.Payload)
	hc.Payload = payload

	s.mu.Lock()
	s.contexts[hc.ID] = hc
	s.mu.Unlock()
	return nil
}

// Get returns the stored context or a ContextNotFoundError value.
func (s *InMemoryStore) Get(ctx context.Context, id string) (Context, error) {
	if err := ctx.Err(); err != nil {
		return Context{}, err
	}
	s.mu.RLock()
	hc, ok := s.contexts[id]
	s.mu.RUnlock()
	if !ok {
		return Context{}, &relayerrors.ContextNotFoundError{ID: id}
	}
	return hc, nil
}
