// Package handoff passes durable context from one task's output to a
// dependent task's input via an external store, and tracks task lineage.
package handoff

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"relay/internal/logging"
)

// MaxSummaryChars bounds the brief summary stored beside a payload.
const MaxSummaryChars = 500

// Context is one durable handoff blob. Written once, read zero or more
// times; superseded contexts are simply orphaned.
type Context struct {
	ID            string
	Payload       []byte
	Summary       string
	CreatedByTask string
	CreatedAt     time.Time
}

// ContextStore is the external key/value store contract. Get must return a
// ContextNotFoundError (see internal/errors) for unknown ids, never a
// partial or default payload.
type ContextStore interface {
	Put(ctx context.Context, hc Context) error
	Get(ctx context.Context, id string) (Context, error)
}

// Edge is one parent→child dependency in a task chain. In-memory only;
// lineage is observability, never correctness.
type Edge struct {
	ChainID      string
	ParentTaskID string
	ChildTaskID  string
}

// Manager writes and reads handoff contexts and tracks task chains for the
// process lifetime.
type Manager struct {
	store  ContextStore
	cache  *lru.Cache[string, []byte]
	logger logging.Logger

	mu     sync.Mutex
	chains map[string]string // task id -> chain id
	edges  []Edge
}

const readCacheSize = 128

// NewManager creates a Manager over the given store.
func NewManager(store ContextStore, logger logging.Logger) *Manager {
	cache, _ := lru.New[string, []byte](readCacheSize)
	return &Manager{
		store:  store,
		cache:  cache,
		logger: logging.OrNop(logger),
		chains: make(map[string]string),
	}
}

// CreateHandoff writes a payload with its brief summary to the store and
// returns the new context id. The summary is truncated to MaxSummaryChars
// runes. Synchronous: when this returns, the context is durable.
func (m *Manager) CreateHandoff(ctx context.Context, payload []byte, summary, createdByTask string) (string, error) {
	if len(payload) == 0 {
		return "", fmt.Errorf("handoff payload is empty")
	}

	hc := Context{
		ID:            uuid.NewString(),
		Payload:       payload,
		Summary:       truncateRunes(summary, MaxSummaryChars),
		CreatedByTask: createdByTask,
		CreatedAt:     time.Now(),
	}
	if err := m.store.Put(ctx, hc); err != nil {
		return "", fmt.Errorf("store handoff context: %w", err)
	}

	m.cache.Add(hc.ID, payload)
	m.logger.Debug("created handoff context %s (%d bytes, by %s)", hc.ID, len(payload), createdByTask)
	return hc.ID, nil
}

// LoadHandoff returns the full payload for a context id. Unknown ids fail
// fast with the store's ContextNotFoundError; a dependent task cannot
// proceed without its predecessor's context.
func (m *Manager) LoadHandoff(ctx context.Context, id string) ([]byte, error) {
	if payload, ok := m.cache.Get(id); ok {
		return payload, nil
	}

	hc, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	m.cache.Add(id, hc.Payload)
	return hc.Payload, nil
}

// RecordEdge appends a lineage edge and returns the child's chain id. The
// child inherits the parent's chain, or starts a new one when the parent is
// unknown or empty.
func (m *Manager) RecordEdge(parentTaskID, childTaskID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	chainID, ok := m.chains[parentTaskID]
	if !ok {
		chainID = uuid.NewString()
		if parentTaskID != "" {
			m.chains[parentTaskID] = chainID
		}
	}
	m.chains[childTaskID] = chainID
	m.edges = append(m.edges, Edge{
		ChainID:      chainID,
		ParentTaskID: parentTaskID,
		ChildTaskID:  childTaskID,
	})
	return chainID
}

// ChainOf returns the chain id a task belongs to, if any.
func (m *Manager) ChainOf(taskID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	chainID, ok := m.chains[taskID]
	return chainID, ok
}

// Edges returns a copy of the recorded lineage edges.
func (m *Manager) Edges() []Edge {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Edge, len(m.edges))
	copy(out, m.edges)
	return out
}

func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
