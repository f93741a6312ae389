package quota

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// persistedState is the on-disk document for one service. Reserved amounts
// are in-flight only and intentionally not persisted; a crash releases them
// implicitly.
type persistedState struct {
	ServiceID   string  `json:"service_id"`
	WindowStart string  `json:"window_start"`
	Used        float64 `json:"used"`
	Limit       float64 `json:"limit"`
}

// loadAll restores used counters from the state directory. A persisted window
// that has already rolled over is discarded.
func (l *Ledger) loadAll() {
	for _, name := range l.order {
		st := l.states[name]
		data, err := os.ReadFile(l.statePath(name))
		if err != nil {
			if !os.IsNotExist(err) {
				l.logger.Warn("failed to read quota state for %s: %v", name, err)
			}
			continue
		}
		var doc persistedState
		if err := json.Unmarshal(data, &doc); err != nil {
			l.logger.Warn("corrupt quota state for %s: %v", name, err)
			continue
		}
		start, err := time.Parse(time.RFC3339, doc.WindowStart)
		if err != nil {
			l.logger.Warn("bad window_start in quota state for %s: %v", name, err)
			continue
		}
		if !l.now().Before(windowEnd(st.cfg.Window, start)) {
			// Stale window; counters start fresh.
			continue
		}
		st.windowStart = start
		st.used = doc.Used
	}
}

// persistLocked flushes one service's counters. Writes go to a temp file
// first and are renamed into place so a crash mid-write cannot corrupt the
// document.
func (l *Ledger) persistLocked(st *state) {
	if l.stateDir == "" {
		return
	}

	doc := persistedState{
		ServiceID:   st.cfg.Service,
		WindowStart: st.windowStart.Format(time.RFC3339),
		Used:        st.used,
		Limit:       st.cfg.Limit,
	}
	data, err := json.Marshal(doc)
	if err != nil {
		l.logger.Warn("failed to encode quota state for %s: %v", st.cfg.Service, err)
		return
	}

	if err := os.MkdirAll(l.stateDir, 0o755); err != nil {
		l.logger.Warn("failed to create quota state dir %s: %v", l.stateDir, err)
		return
	}

	path := l.statePath(st.cfg.Service)
	tmpPath := fmt.Sprintf("%s.tmp-%d", path, time.Now().UnixNano())
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		l.logger.Warn("failed to write quota state temp file %s: %v", tmpPath, err)
		return
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		l.logger.Warn("failed to atomically persist quota state for %s: %v", st.cfg.Service, err)
	}
}

func (l *Ledger) statePath(service string) string {
	return filepath.Join(l.stateDir, service+".json")
}
