package platform

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockAdapter implements Adapter for development and tests. Responses can be
// scripted per call; by default every call succeeds with a canned completion.
type MockAdapter struct {
	name    string
	latency time.Duration

	mu     sync.Mutex
	script []func(prompt string) (*Completion, error)
	calls  int
}

// NewMockAdapter creates a mock service that always succeeds.
func NewMockAdapter(name string, latency time.Duration) *MockAdapter {
	return &MockAdapter{name: name, latency: latency}
}

// Script queues responses returned in order; once the script is exhausted the
// adapter falls back to the default success response.
func (m *MockAdapter) Script(steps ...func(prompt string) (*Completion, error)) *MockAdapter {
	m.mu.Lock()
	m.script = append(m.script, steps...)
	m.mu.Unlock()
	return m
}

// FailWith is a script step producing the given error.
func FailWith(err error) func(string) (*Completion, error) {
	return func(string) (*Completion, error) { return nil, err }
}

// SucceedWith is a script step producing the given completion.
func SucceedWith(output string, cost float64) func(string) (*Completion, error) {
	return func(string) (*Completion, error) {
		return &Completion{Output: output, Cost: cost}, nil
	}
}

// Name returns the mock's service name.
func (m *MockAdapter) Name() string { return m.name }

// Calls reports how many times Execute ran.
func (m *MockAdapter) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Execute simulates one completion call.
func (m *MockAdapter) Execute(ctx context.Context, prompt string) (*Completion, error) {
	if m.latency > 0 {
		select {
		case <-time.After(m.latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	} else if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	var step func(string) (*Completion, error)
	if m.calls < len(m.script) {
		step = m.script[m.calls]
	}
	m.calls++
	m.mu.Unlock()

	if step != nil {
		return step(prompt)
	}
	return &Completion{
		Output: fmt.Sprintf("[%s] mock completion for %d-byte prompt", m.name, len(prompt)),
		Cost:   1,
	}, nil
}
