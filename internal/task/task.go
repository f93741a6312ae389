// Package task defines the immutable work request and result types that flow
// through the executor, plus an in-memory record store for diagnostics.
package task

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// DefaultTimeout bounds a single adapter invocation when the caller does not
// set one.
const DefaultTimeout = 300 * time.Second

// Constraints carries the execution limits the core inspects. Anything the
// core never reads stays in Task.Metadata.
type Constraints struct {
	Timeout    time.Duration // per-invocation timeout (default 300s)
	MaxRetries int           // retries per service (0 = policy default)
}

// WithDefaults fills zero fields with the standard limits.
func (c Constraints) WithDefaults() Constraints {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	return c
}

// Task is an immutable work request. It is created by the caller and never
// mutated afterwards; the executor builds a fresh Result for each run.
type Task struct {
	ID           string
	Prompt       string
	Type         string // cost/metric bucketing tag only
	PlatformHint string // advisory service name, may be empty
	Constraints  Constraints
	Metadata     map[string]string // opaque caller bag, never read by the core
}

// Option customizes a Task at construction time.
type Option func(*Task)

// WithType tags the task for cost/metric bucketing.
func WithType(taskType string) Option {
	return func(t *Task) { t.Type = taskType }
}

// WithPlatformHint suggests a service to try first.
func WithPlatformHint(hint string) Option {
	return func(t *Task) { t.PlatformHint = hint }
}

// WithConstraints overrides the default execution limits.
func WithConstraints(c Constraints) Option {
	return func(t *Task) { t.Constraints = c }
}

// WithMetadata attaches an opaque caller bag.
func WithMetadata(md map[string]string) Option {
	return func(t *Task) { t.Metadata = md }
}

// New builds a Task with a generated id. The id format is
// {service-hint}_{date}_{random8} and exists for traceability only; nothing
// keys off it.
func New(prompt string, opts ...Option) Task {
	t := Task{Prompt: prompt}
	for _, opt := range opts {
		opt(&t)
	}
	t.Constraints = t.Constraints.WithDefaults()
	t.ID = NewID(t.PlatformHint, time.Now())
	return t
}

// NewID generates a traceability id of the form {hint}_{yyyymmdd}_{random8}.
func NewID(hint string, now time.Time) string {
	if hint == "" {
		hint = "task"
	}
	return hint + "_" + now.Format("20060102") + "_" + randomSuffix()
}

func randomSuffix() string {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand only fails when the OS entropy source is broken;
		// fall back to a time-derived suffix rather than aborting.
		return hex.EncodeToString([]byte{
			byte(time.Now().UnixNano()), byte(time.Now().UnixNano() >> 8),
			byte(time.Now().UnixNano() >> 16), byte(time.Now().UnixNano() >> 24),
		})
	}
	return hex.EncodeToString(buf)
}

// Status is the terminal state of one task execution.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Attempt records one adapter invocation: which service, how it ended, and
// how long it took. The attempts list is a complete audit trail across
// retries and fallbacks, even when the task ultimately succeeds.
type Attempt struct {
	Service string
	Outcome string // "success", "retryable", "fatal", "cancelled"
	Error   string // empty on success
	Latency time.Duration
}

// Result is the outcome of executing one Task. Created once by the executor
// and immutable thereafter.
type Result struct {
	TaskID      string
	Status      Status
	Output      string // present iff success (partial output may survive cancellation)
	Err         error  // present iff failed
	ServiceUsed string
	Attempts    []Attempt
	Cost        float64
}
