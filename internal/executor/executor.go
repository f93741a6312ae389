// Package executor drives single tasks through routing, reservation,
// invocation, retry, and cross-service fallback, and runs batches with
// bounded, quota-aware concurrency.
package executor

import (
	"context"
	"sync"
	"time"

	"relay/internal/async"
	relayerrors "relay/internal/errors"
	"relay/internal/logging"
	"relay/internal/platform"
	"relay/internal/quota"
	"relay/internal/router"
	"relay/internal/task"
	"relay/internal/usage"
)

// Config wires an Executor. Ledger, Tiers, and Registry are required;
// everything else has working defaults.
type Config struct {
	Ledger   *quota.Ledger
	Tiers    []router.Tier
	Registry *platform.Registry
	Policy   relayerrors.RetryPolicy
	Usage    usage.Sink
	Records  *task.Store // optional diagnostics store
	Metrics  *Metrics
	Logger   logging.Logger
	Breaker  relayerrors.CircuitBreakerConfig
}

// Executor runs one task at a time through the full state machine:
// Routing -> Reserving -> Invoking -> (retry | fallback | terminal).
type Executor struct {
	router   *router.Router
	ledger   *quota.Ledger
	registry *platform.Registry
	policy   relayerrors.RetryPolicy
	usage    usage.Sink
	records  *task.Store
	metrics  *Metrics
	logger   logging.Logger
	breakers map[string]*relayerrors.CircuitBreaker // per tier, fixed after New

	warnedMu sync.Mutex
	warned   map[string]int // service -> highest threshold already logged

	// sleep is the backoff suspension point, replaceable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New constructs an Executor. One circuit breaker is created per configured
// service; an open breaker makes its service non-viable for routing, exactly
// like quota exhaustion.
func New(cfg Config) *Executor {
	logger := logging.OrNop(cfg.Logger)
	sink := cfg.Usage
	if sink == nil {
		sink = usage.Nop()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = defaultMetrics()
	}

	e := &Executor{
		ledger:   cfg.Ledger,
		registry: cfg.Registry,
		policy:   cfg.Policy,
		usage:    sink,
		records:  cfg.Records,
		metrics:  metrics,
		logger:   logger,
		breakers: make(map[string]*relayerrors.CircuitBreaker),
		warned:   make(map[string]int),
		sleep:    sleepCtx,
	}

	breakerCfg := cfg.Breaker
	if breakerCfg.FailureThreshold == 0 && breakerCfg.OnStateChange == nil {
		breakerCfg = relayerrors.DefaultCircuitBreakerConfig()
	}
	if breakerCfg.OnStateChange == nil {
		breakerCfg.OnStateChange = func(from, to relayerrors.CircuitState, name string) {
			logger.Warn("circuit breaker for %s: %s -> %s", name, from, to)
		}
	}
	for _, t := range cfg.Tiers {
		if _, ok := e.breakers[t.Service]; !ok {
			e.breakers[t.Service] = relayerrors.NewCircuitBreaker(t.Service, breakerCfg)
		}
	}

	e.router = router.NewRouter(cfg.Tiers, gatedCapacity{e})
	return e
}

// Router exposes the executor's router, mainly for diagnostics.
func (e *Executor) Router() *router.Router { return e.router }

// gatedCapacity composes quota capacity with circuit breaker state: a
// service is viable only when the ledger would grant a reservation and its
// breaker admits requests.
type gatedCapacity struct {
	e *Executor
}

func (g gatedCapacity) HasCapacity(service string) bool {
	if !g.e.ledger.HasCapacity(service) {
		return false
	}
	if cb, ok := g.e.breakers[service]; ok && !cb.Allow() {
		return false
	}
	return true
}

// Execute runs the task to a terminal Result. It never returns an error:
// failures, exhaustion, and cancellation are all encoded in the Result.
func (e *Executor) Execute(ctx context.Context, t task.Task) task.Result {
	t.Constraints = t.Constraints.WithDefaults()

	e.metrics.IncActive()
	defer e.metrics.DecActive()

	start := time.Now()
	res := e.run(ctx, t)
	e.metrics.ObserveTask(res.ServiceUsed, string(res.Status), time.Since(start))

	if e.records != nil {
		e.records.Put(task.Record{Task: t, Result: res, FinishedAt: time.Now()})
	}
	return res
}

// run is the state machine loop. The outer loop is the Routing state; the
// inner per-service loop covers Reserving, Invoking, and RetryWait.
func (e *Executor) run(ctx context.Context, t task.Task) task.Result {
	// Per-task MaxRetries overrides the policy's; the rest of the policy
	// (backoff, jitter, classification) is shared.
	policy := e.policy
	if t.Constraints.MaxRetries > 0 {
		policy.MaxRetries = t.Constraints.MaxRetries
	}
	if policy.MaxRetries <= 0 {
		policy.MaxRetries = relayerrors.DefaultRetryPolicy().MaxRetries
	}

	excluded := make(map[string]bool)
	var attempts []task.Attempt
	var tried []string
	var lastErr error
	var partial string

	for {
		// State boundaries are the cancellation points; an in-progress
		// adapter call is never interrupted from here.
		if ctx.Err() != nil {
			return e.cancelledResult(t, attempts, partial)
		}

		service, err := e.router.Select(excluded, t.PlatformHint)
		if err != nil {
			e.logger.Warn("task %s: no service available after trying %v", t.ID, tried)
			return task.Result{
				TaskID:   t.ID,
				Status:   task.StatusFailed,
				Err:      &relayerrors.AllPlatformsExhaustedError{LastErr: lastErr, Tried: tried},
				Attempts: attempts,
			}
		}
		if !containsString(tried, service) {
			tried = append(tried, service)
		}

		adapter, err := e.registry.Get(service)
		if err != nil {
			// Configured tier without an adapter: treat as non-viable.
			e.logger.Error("task %s: %v", t.ID, err)
			lastErr = err
			excluded[service] = true
			continue
		}

		res, done := e.runOnService(ctx, t, service, adapter, policy, &attempts, &lastErr, &partial)
		if done {
			return res
		}
		// Retries exhausted or fatal error or quota denied: fall back.
		excluded[service] = true
	}
}

// runOnService drives Reserving -> Invoking -> RetryWait for one service.
// It returns done=false when the executor should fall back to routing.
func (e *Executor) runOnService(
	ctx context.Context,
	t task.Task,
	service string,
	adapter platform.Adapter,
	policy relayerrors.RetryPolicy,
	attempts *[]task.Attempt,
	lastErr *error,
	partial *string,
) (task.Result, bool) {
	for attempt := 0; ; {
		rsv, err := e.ledger.Reserve(service, 1)
		if err != nil {
			// QuotaExceeded between the capacity check and the reserve is
			// ordinary control flow: back to routing, not a retry attempt.
			e.logger.Debug("task %s: reservation denied on %s: %v", t.ID, service, err)
			*lastErr = err
			return task.Result{}, false
		}

		invokeCtx, cancel := context.WithTimeout(ctx, t.Constraints.Timeout)
		invokeStart := time.Now()
		comp, invokeErr := adapter.Execute(invokeCtx, t.Prompt)
		cancel()
		latency := time.Since(invokeStart)

		// A streaming adapter may hand back partial output alongside its
		// error; keep it for the final Result instead of discarding it.
		if comp != nil && comp.Output != "" {
			*partial = comp.Output
		}

		if invokeErr == nil {
			e.ledger.Commit(rsv, comp.Cost)
			if cb, ok := e.breakers[service]; ok {
				cb.RecordSuccess()
			}
			*attempts = append(*attempts, task.Attempt{Service: service, Outcome: "success", Latency: latency})
			e.metrics.IncAttempt(service, "success")
			e.appendUsage(t, service, comp.Cost)
			e.warnQuota(service)
			return task.Result{
				TaskID:      t.ID,
				Status:      task.StatusSuccess,
				Output:      comp.Output,
				ServiceUsed: service,
				Attempts:    *attempts,
				Cost:        comp.Cost,
			}, true
		}

		e.ledger.Release(rsv)

		if ctx.Err() != nil {
			*attempts = append(*attempts, task.Attempt{
				Service: service, Outcome: "cancelled", Error: invokeErr.Error(), Latency: latency,
			})
			e.metrics.IncAttempt(service, "cancelled")
			return e.cancelledResult(t, *attempts, *partial), true
		}

		class := policy.Classify(invokeErr)
		outcome := "fatal"
		if class == relayerrors.ClassRetryable {
			outcome = "retryable"
			if cb, ok := e.breakers[service]; ok {
				cb.RecordFailure()
			}
		}
		*attempts = append(*attempts, task.Attempt{
			Service: service, Outcome: outcome, Error: invokeErr.Error(), Latency: latency,
		})
		e.metrics.IncAttempt(service, outcome)
		*lastErr = invokeErr

		if class != relayerrors.ClassRetryable {
			e.logger.Debug("task %s: fatal error on %s, falling back: %v", t.ID, service, invokeErr)
			return task.Result{}, false
		}
		if !policy.ShouldRetry(invokeErr, attempt) {
			e.logger.Debug("task %s: retries exhausted on %s, falling back", t.ID, service)
			return task.Result{}, false
		}

		delay := policy.NextDelay(attempt)
		e.logger.Debug("task %s: retrying %s in %v (attempt %d/%d)", t.ID, service, delay, attempt+1, policy.MaxRetries)
		if err := e.sleep(ctx, delay); err != nil {
			return e.cancelledResult(t, *attempts, *partial), true
		}
		attempt++
	}
}

func (e *Executor) cancelledResult(t task.Task, attempts []task.Attempt, partial string) task.Result {
	return task.Result{
		TaskID:   t.ID,
		Status:   task.StatusCancelled,
		Output:   partial,
		Attempts: attempts,
	}
}

// appendUsage records spend fire-and-forget; a sink failure must never fail
// the task that produced the cost.
func (e *Executor) appendUsage(t task.Task, service string, cost float64) {
	rec := usage.Record{
		Service:   service,
		TaskID:    t.ID,
		TaskType:  t.Type,
		Cost:      cost,
		Timestamp: time.Now(),
	}
	async.Go(e.logger, "usage-append", func() {
		if err := e.usage.Append(rec); err != nil {
			e.logger.Warn("failed to record usage for task %s: %v", t.ID, err)
		}
	})
}

// warnQuota logs each 50/80/90 percent threshold once per window crossing.
func (e *Executor) warnQuota(service string) {
	thresholds := e.ledger.WarnThresholds(service)
	highest := 0
	for _, pct := range thresholds {
		if pct > highest {
			highest = pct
		}
	}

	e.warnedMu.Lock()
	prev := e.warned[service]
	if highest > prev {
		e.warned[service] = highest
	} else if highest < prev {
		// Window rolled over.
		e.warned[service] = highest
	}
	e.warnedMu.Unlock()

	if highest > prev {
		e.logger.Warn("service %s has crossed %d%% of its quota", service, highest)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
