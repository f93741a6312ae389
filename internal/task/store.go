package task

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Record pairs a task with its outcome for diagnostics. Records live for the
// process lifetime only; nothing requires them to survive a restart.
type Record struct {
	Task       Task
	Result     Result
	ChainID    string
	FinishedAt time.Time
}

// Store keeps finished task records in memory for the CLI's diagnostics
// surface. Correctness never depends on it.
type Store struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewStore creates an empty in-memory record store.
func NewStore() *Store {
	return &Store{records: make(map[string]Record)}
}

// Put stores or replaces the record for a task.
func (s *Store) Put(rec Record) {
	if rec.FinishedAt.IsZero() {
		rec.FinishedAt = time.Now()
	}
	s.mu.Lock()
	s.records[rec.Task.ID] = rec
	s.mu.Unlock()
}

// Get retrieves a record by task id.
func (s *Store) Get(taskID string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[taskID]
	if !ok {
		return Record{}, fmt.Errorf("task not found: %s", taskID)
	}
	return rec, nil
}

// List returns all records, newest first.
func (s *Store) List() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].FinishedAt.After(out[j].FinishedAt)
	})
	return out
}

// Len reports the number of stored records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
