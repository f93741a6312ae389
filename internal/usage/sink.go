// Package usage records spend to an append-only ledger sink. Appends are
// fire-and-forget from the executor's perspective: a sink failure is logged
// and never fails the task that produced the cost.
package usage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Record is one spend entry.
type Record struct {
	Service   string    `json:"service"`
	TaskID    string    `json:"task_id"`
	TaskType  string    `json:"task_type,omitempty"`
	Cost      float64   `json:"cost"`
	Timestamp time.Time `json:"timestamp"`
}

// Sink appends usage records.
type Sink interface {
	Append(rec Record) error
}

type nopSink struct{}

func (nopSink) Append(Record) error { return nil }

// Nop returns a sink that discards records.
func Nop() Sink { return nopSink{} }

// FileSink appends newline-delimited JSON records to a single file.
type FileSink struct {
	mu   sync.Mutex
	path string
}

// NewFileSink creates a JSONL sink at path, creating parent directories as
// needed on first append.
func NewFileSink(path string) *FileSink {
	return &FileSink{path: path}
}

// Append writes one record. O_APPEND keeps entries whole under concurrent
// writers within the process.
func (s *FileSink) Append(rec Record) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(data)
	return err
}
