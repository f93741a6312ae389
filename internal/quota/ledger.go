// Package quota tracks per-service consumption against windowed limits and
// grants atomic reservations. The ledger is the only state mutated
// concurrently by workers; everything goes through one mutex so a reserve's
// check-then-increment can never interleave with another.
package quota

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	relayerrors "relay/internal/errors"
	"relay/internal/logging"
)

// Window determines when a service's counters reset.
type Window string

const (
	// WindowDaily resets at local midnight; used for request-count quotas.
	WindowDaily Window = "daily"
	// WindowMonthly resets on the first of the month; used for spend quotas.
	WindowMonthly Window = "monthly"
)

// Unit determines what a committed amount measures.
type Unit string

const (
	// UnitRequests counts one per attempt; commits settle at the reserved amount.
	UnitRequests Unit = "requests"
	// UnitSpend counts service-specific cost units; commits settle at actual cost.
	UnitSpend Unit = "spend"
)

// ServiceConfig declares one service's quota. Limit <= 0 means unlimited.
type ServiceConfig struct {
	Service string
	Limit   float64
	Window  Window
	Unit    Unit
}

func (c ServiceConfig) normalized() ServiceConfig {
	if c.Window == "" {
		c.Window = WindowDaily
	}
	if c.Unit == "" {
		c.Unit = UnitRequests
	}
	return c
}

// Reservation is a provisional hold against one service's quota. It settles
// exactly once, through Commit or Release.
type Reservation struct {
	id      string
	service string
	amount  float64
	settled bool
}

// Service returns the service the reservation was granted against.
func (r *Reservation) Service() string { return r.service }

// Amount returns the reserved amount.
func (r *Reservation) Amount() float64 { return r.amount }

type state struct {
	cfg         ServiceConfig
	windowStart time.Time
	used        float64
	reserved    float64
}

func (st *state) unlimited() bool { return st.cfg.Limit <= 0 }

// Status is a read-only snapshot of one service's counters.
type Status struct {
	Service   string
	Window    Window
	Used      float64
	Reserved  float64
	Limit     float64
	Unlimited bool
	ResetAt   time.Time
}

// Remaining returns limit - used - reserved, floored at zero. Meaningless for
// unlimited services.
func (s Status) Remaining() float64 {
	rem := s.Limit - s.Used - s.Reserved
	if rem < 0 {
		return 0
	}
	return rem
}

// Ledger tracks quota state for all services. Construct one at startup and
// inject it into every component that needs it.
type Ledger struct {
	mu       sync.Mutex
	states   map[string]*state
	order    []string
	stateDir string
	logger   logging.Logger
	now      func() time.Time
}

// Option customizes ledger construction.
type Option func(*Ledger)

// WithStateDir enables file persistence: one JSON document per service,
// loaded at construction and flushed atomically on every settle.
func WithStateDir(dir string) Option {
	return func(l *Ledger) { l.stateDir = dir }
}

// WithLogger sets the ledger's logger.
func WithLogger(logger logging.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// WithClock overrides the time source, for window-rollover tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// NewLedger creates a ledger for the given services.
func NewLedger(configs []ServiceConfig, opts ...Option) *Ledger {
	l := &Ledger{
		states: make(map[string]*state),
		logger: logging.NewComponentLogger("quota"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	for _, cfg := range configs {
		cfg = cfg.normalized()
		if _, ok := l.states[cfg.Service]; ok {
			continue
		}
		l.states[cfg.Service] = &state{
			cfg:         cfg,
			windowStart: windowStart(cfg.Window, l.now()),
		}
		l.order = append(l.order, cfg.Service)
	}
	if l.stateDir != "" {
		l.loadAll()
	}
	return l
}

// Reserve atomically checks used+reserved+amount <= limit and, on success,
// holds the amount and returns a handle. On exhaustion it returns a
// QuotaExceededError value so routing can advance to the next tier without
// exception-driven control flow.
func (l *Ledger) Reserve(service string, amount float64) (*Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := l.stateLocked(service)
	l.rolloverLocked(st)

	if !st.unlimited() && st.used+st.reserved+amount > st.cfg.Limit {
		return nil, &relayerrors.QuotaExceededError{
			Service:  service,
			Used:     st.used,
			Reserved: st.reserved,
			Limit:    st.cfg.Limit,
		}
	}

	st.reserved += amount
	return &Reservation{
		id:      uuid.NewString(),
		service: service,
		amount:  amount,
	}, nil
}

// Commit settles a reservation as consumed. For request-unit services the
// reserved amount is what counts; for spend-unit services the actual cost is
// used, even when it exceeds the original estimate. That overshoot may push
// used slightly past limit — accepted as bounded, not an error.
func (l *Ledger) Commit(r *Reservation, actualCost float64) {
	if r == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if r.settled {
		return
	}
	r.settled = true

	st := l.stateLocked(r.service)
	l.rolloverLocked(st)

	amount := r.amount
	if st.cfg.Unit == UnitSpend {
		amount = actualCost
	}

	st.reserved -= r.amount
	if st.reserved < 0 {
		st.reserved = 0
	}
	st.used += amount
	l.persistLocked(st)
}

// Release settles a reservation as unused, for calls that failed before
// producing billable output. Used is untouched.
func (l *Ledger) Release(r *Reservation) {
	if r == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if r.settled {
		return
	}
	r.settled = true

	st := l.stateLocked(r.service)
	l.rolloverLocked(st)

	st.reserved -= r.amount
	if st.reserved < 0 {
		st.reserved = 0
	}
	l.persistLocked(st)
}

// HasCapacity reports whether a one-unit reservation would be granted right
// now. Read-only; the router consults this before committing to a path.
func (l *Ledger) HasCapacity(service string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := l.stateLocked(service)
	l.rolloverLocked(st)
	if st.unlimited() {
		return true
	}
	return st.used+st.reserved+1 <= st.cfg.Limit
}

// WarnThresholds returns which of the 50/80/90 percent marks the service's
// used counter has crossed. Pure read, safe to call frequently.
func (l *Ledger) WarnThresholds(service string) []int {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := l.stateLocked(service)
	l.rolloverLocked(st)
	if st.unlimited() {
		return nil
	}

	var crossed []int
	for _, pct := range []int{50, 80, 90} {
		if st.used >= st.cfg.Limit*float64(pct)/100.0 {
			crossed = append(crossed, pct)
		}
	}
	return crossed
}

// TotalRemaining sums remaining capacity across limited services. capped is
// false when any service is unlimited, meaning quota places no bound on
// batch concurrency.
func (l *Ledger) TotalRemaining() (remaining float64, capped bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	capped = true
	for _, name := range l.order {
		st := l.states[name]
		l.rolloverLocked(st)
		if st.unlimited() {
			capped = false
			continue
		}
		rem := st.cfg.Limit - st.used - st.reserved
		if rem > 0 {
			remaining += rem
		}
	}
	return remaining, capped
}

// Snapshot returns the current counters for every service, in registration
// order.
func (l *Ledger) Snapshot() []Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Status, 0, len(l.order))
	for _, name := range l.order {
		st := l.states[name]
		l.rolloverLocked(st)
		out = append(out, Status{
			Service:   name,
			Window:    st.cfg.Window,
			Used:      st.used,
			Reserved:  st.reserved,
			Limit:     st.cfg.Limit,
			Unlimited: st.unlimited(),
			ResetAt:   windowEnd(st.cfg.Window, st.windowStart),
		})
	}
	return out
}

// stateLocked returns the state for a service, creating an unlimited one for
// services the ledger was not configured with.
func (l *Ledger) stateLocked(service string) *state {
	st, ok := l.states[service]
	if !ok {
		st = &state{
			cfg:         ServiceConfig{Service: service}.normalized(),
			windowStart: windowStart(WindowDaily, l.now()),
		}
		l.states[service] = st
		l.order = append(l.order, service)
		sort.Strings(l.order)
	}
	return st
}

// rolloverLocked resets counters when now falls outside the state's window.
// On-access only; no timer goroutine.
func (l *Ledger) rolloverLocked(st *state) {
	now := l.now()
	if now.Before(windowEnd(st.cfg.Window, st.windowStart)) && !now.Before(st.windowStart) {
		return
	}
	st.windowStart = windowStart(st.cfg.Window, now)
	st.used = 0
	st.reserved = 0
	l.persistLocked(st)
}

func windowStart(w Window, now time.Time) time.Time {
	switch w {
	case WindowMonthly:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	default:
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	}
}

func windowEnd(w Window, start time.Time) time.Time {
	switch w {
	case WindowMonthly:
		return start.AddDate(0, 1, 0)
	default:
		return start.AddDate(0, 0, 1)
	}
}
