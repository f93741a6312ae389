package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	relayerrors "relay/internal/errors"
	"relay/internal/platform"
	"relay/internal/quota"
	"relay/internal/router"
	"relay/internal/task"
	"relay/internal/usage"
)

// testHarness bundles the pieces most executor tests need.
type testHarness struct {
	exec     *Executor
	ledger   *quota.Ledger
	registry *platform.Registry
	gemini   *platform.MockAdapter
	chatgpt  *platform.MockAdapter
}

func rateLimitErr() error {
	return &platform.Error{Kind: "rate_limit", Retryable: true, Err: errors.New("429 too many requests")}
}

func authErr() error {
	return &platform.Error{Kind: "auth", Retryable: false, Err: errors.New("invalid api key")}
}

// newHarness builds an executor over two mock services with the given limits.
// The retry policy is jitterless and the backoff sleep is stubbed out so
// retries run instantly.
func newHarness(t *testing.T, geminiLimit, chatgptLimit float64) *testHarness {
	t.Helper()

	ledger := quota.NewLedger([]quota.ServiceConfig{
		{Service: "gemini", Limit: geminiLimit, Window: quota.WindowDaily, Unit: quota.UnitRequests},
		{Service: "chatgpt", Limit: chatgptLimit, Window: quota.WindowMonthly, Unit: quota.UnitSpend},
	})

	registry := platform.NewRegistry()
	gemini := platform.NewMockAdapter("gemini", 0)
	chatgpt := platform.NewMockAdapter("chatgpt", 0)
	registry.Register(gemini)
	registry.Register(chatgpt)

	exec := New(Config{
		Ledger:   ledger,
		Tiers:    []router.Tier{{Service: "gemini", Priority: 1}, {Service: "chatgpt", Priority: 2}},
		Registry: registry,
		Policy:   relayerrors.RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		Metrics:  MustNewMetrics(prometheus.NewRegistry()),
	})
	exec.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }

	return &testHarness{exec: exec, ledger: ledger, registry: registry, gemini: gemini, chatgpt: chatgpt}
}

func TestExecuteHonorsPlatformHint(t *testing.T) {
	h := newHarness(t, 100, 100)

	res := h.exec.Execute(context.Background(), task.New("hello", task.WithPlatformHint("chatgpt")))

	require.Equal(t, task.StatusSuccess, res.Status)
	assert.Equal(t, "chatgpt", res.ServiceUsed)
	assert.Len(t, res.Attempts, 1)
	assert.Equal(t, 0, h.gemini.Calls())
	assert.Equal(t, 1, h.chatgpt.Calls())
}

func TestExecuteSkipsExhaustedTier(t *testing.T) {
	h := newHarness(t, 1, 100)

	// Burn gemini's daily request.
	rsv, err := h.ledger.Reserve("gemini", 1)
	require.NoError(t, err)
	h.ledger.Commit(rsv, 1)

	res := h.exec.Execute(context.Background(), task.New("hello"))

	require.Equal(t, task.StatusSuccess, res.Status)
	assert.Equal(t, "chatgpt", res.ServiceUsed)
	assert.Equal(t, 0, h.gemini.Calls())
}

func TestExecuteUnknownHintIgnored(t *testing.T) {
	h := newHarness(t, 100, 100)

	res := h.exec.Execute(context.Background(), task.New("hello", task.WithPlatformHint("nonexistent")))

	require.Equal(t, task.StatusSuccess, res.Status)
	assert.Equal(t, "gemini", res.ServiceUsed)
}

func TestExecutePerTaskMaxRetriesOverridesPolicy(t *testing.T) {
	h := newHarness(t, 100, 100)
	h.gemini.Script(
		platform.FailWith(rateLimitErr()),
		platform.FailWith(rateLimitErr()),
		platform.FailWith(rateLimitErr()),
	)

	// Policy allows 2 retries; the task caps it at 1, so gemini gets exactly
	// two attempts before fallback.
	res := h.exec.Execute(context.Background(), task.New("hello",
		task.WithConstraints(task.Constraints{MaxRetries: 1})))

	require.Equal(t, task.StatusSuccess, res.Status)
	assert.Equal(t, "chatgpt", res.ServiceUsed)
	assert.Equal(t, 2, h.gemini.Calls())
	require.Len(t, res.Attempts, 3)
}

func TestExecuteRetriesRateLimitThenSucceeds(t *testing.T) {
	h := newHarness(t, 100, 100)
	h.gemini.Script(
		platform.FailWith(rateLimitErr()),
		platform.FailWith(rateLimitErr()),
		platform.SucceedWith("third time lucky", 0.5),
	)

	res := h.exec.Execute(context.Background(), task.New("hello"))

	require.Equal(t, task.StatusSuccess, res.Status)
	assert.Equal(t, "gemini", res.ServiceUsed)
	assert.Equal(t, "third time lucky", res.Output)
	require.Len(t, res.Attempts, 3)
	assert.Equal(t, "retryable", res.Attempts[0].Outcome)
	assert.Equal(t, "retryable", res.Attempts[1].Outcome)
	assert.Equal(t, "success", res.Attempts[2].Outcome)
	assert.Equal(t, 0, h.chatgpt.Calls())
}

func TestExecuteFatalErrorsExhaustAllPlatforms(t *testing.T) {
	h := newHarness(t, 100, 100)
	h.gemini.Script(platform.FailWith(authErr()))
	h.chatgpt.Script(platform.FailWith(authErr()))

	res := h.exec.Execute(context.Background(), task.New("hello"))

	require.Equal(t, task.StatusFailed, res.Status)
	require.Error(t, res.Err)

	var exhausted *relayerrors.AllPlatformsExhaustedError
	require.ErrorAs(t, res.Err, &exhausted)
	assert.Equal(t, []string{"gemini", "chatgpt"}, exhausted.Tried)

	// Fatal errors never retry: exactly one attempt per service.
	require.Len(t, res.Attempts, 2)
	assert.Equal(t, "fatal", res.Attempts[0].Outcome)
	assert.Equal(t, "fatal", res.Attempts[1].Outcome)
	assert.Equal(t, 1, h.gemini.Calls())
	assert.Equal(t, 1, h.chatgpt.Calls())
}

func TestExecuteRetriesExhaustedFallsBack(t *testing.T) {
	h := newHarness(t, 100, 100)
	h.gemini.Script(
		platform.FailWith(rateLimitErr()),
		platform.FailWith(rateLimitErr()),
		platform.FailWith(rateLimitErr()),
	)

	res := h.exec.Execute(context.Background(), task.New("hello"))

	require.Equal(t, task.StatusSuccess, res.Status)
	assert.Equal(t, "chatgpt", res.ServiceUsed)
	// 1 initial + 2 retries on gemini, then 1 success on chatgpt.
	require.Len(t, res.Attempts, 4)
	assert.Equal(t, 3, h.gemini.Calls())
}

func TestExecuteTimeoutIsRetryable(t *testing.T) {
	h := newHarness(t, 100, 100)

	// gemini never answers within the task's invocation timeout.
	slow := platform.NewMockAdapter("gemini", 200*time.Millisecond)
	h.registry.Register(slow)

	res := h.exec.Execute(context.Background(), task.New("hello",
		task.WithConstraints(task.Constraints{Timeout: 10 * time.Millisecond, MaxRetries: 1})))

	require.Equal(t, task.StatusSuccess, res.Status)
	assert.Equal(t, "chatgpt", res.ServiceUsed)
	require.Len(t, res.Attempts, 3)
	assert.Equal(t, "retryable", res.Attempts[0].Outcome)
	assert.Equal(t, "retryable", res.Attempts[1].Outcome)
}

func TestExecuteCancelledBeforeStart(t *testing.T) {
	h := newHarness(t, 100, 100)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := h.exec.Execute(ctx, task.New("hello"))

	require.Equal(t, task.StatusCancelled, res.Status)
	assert.Empty(t, res.Attempts)
	assert.NoError(t, res.Err)
	assert.Equal(t, 0, h.gemini.Calls())
}

func TestExecuteCancellationPreservesPartialOutput(t *testing.T) {
	h := newHarness(t, 100, 100)
	ctx, cancel := context.WithCancel(context.Background())

	// The adapter streams some output, then the caller cancels mid-call and
	// the stream breaks off.
	h.gemini.Script(func(string) (*platform.Completion, error) {
		cancel()
		return &platform.Completion{Output: "partial chunk"}, errors.New("stream interrupted")
	})

	res := h.exec.Execute(ctx, task.New("hello"))

	require.Equal(t, task.StatusCancelled, res.Status)
	assert.Equal(t, "partial chunk", res.Output)
	require.Len(t, res.Attempts, 1)
	assert.Equal(t, "cancelled", res.Attempts[0].Outcome)
}

func TestExecuteOpenBreakerSkipsService(t *testing.T) {
	ledger := quota.NewLedger([]quota.ServiceConfig{
		{Service: "gemini", Limit: 100},
		{Service: "chatgpt", Limit: 100},
	})
	registry := platform.NewRegistry()
	gemini := platform.NewMockAdapter("gemini", 0)
	chatgpt := platform.NewMockAdapter("chatgpt", 0)
	registry.Register(gemini)
	registry.Register(chatgpt)

	exec := New(Config{
		Ledger:   ledger,
		Tiers:    []router.Tier{{Service: "gemini", Priority: 1}, {Service: "chatgpt", Priority: 2}},
		Registry: registry,
		Policy:   relayerrors.RetryPolicy{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		Metrics:  MustNewMetrics(prometheus.NewRegistry()),
		Breaker:  relayerrors.CircuitBreakerConfig{FailureThreshold: 2, Timeout: time.Hour},
	})
	exec.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }

	gemini.Script(platform.FailWith(rateLimitErr()), platform.FailWith(rateLimitErr()))

	// First run trips gemini's breaker and falls back to chatgpt.
	res := exec.Execute(context.Background(), task.New("first"))
	require.Equal(t, task.StatusSuccess, res.Status)
	assert.Equal(t, "chatgpt", res.ServiceUsed)
	assert.Equal(t, 2, gemini.Calls())

	// Second run routes straight to chatgpt: gemini's breaker is open.
	res = exec.Execute(context.Background(), task.New("second"))
	require.Equal(t, task.StatusSuccess, res.Status)
	assert.Equal(t, "chatgpt", res.ServiceUsed)
	assert.Equal(t, 2, gemini.Calls())
}

func TestExecuteCommitsSpendAndRecordsUsage(t *testing.T) {
	h := newHarness(t, 100, 100)
	h.chatgpt.Script(platform.SucceedWith("done", 2.5))

	sink := &chanSink{ch: make(chan usage.Record, 1)}
	h.exec.usage = sink

	res := h.exec.Execute(context.Background(), task.New("hello",
		task.WithPlatformHint("chatgpt"), task.WithType("analysis")))
	require.Equal(t, task.StatusSuccess, res.Status)
	assert.Equal(t, 2.5, res.Cost)

	// Spend-unit services settle at actual cost.
	for _, st := range h.ledger.Snapshot() {
		if st.Service == "chatgpt" {
			assert.Equal(t, 2.5, st.Used)
			assert.Equal(t, 0.0, st.Reserved)
		}
	}

	select {
	case rec := <-sink.ch:
		assert.Equal(t, "chatgpt", rec.Service)
		assert.Equal(t, "analysis", rec.TaskType)
		assert.Equal(t, 2.5, rec.Cost)
	case <-time.After(2 * time.Second):
		t.Fatalf("usage record never arrived")
	}
}

func TestExecuteStoresRecord(t *testing.T) {
	h := newHarness(t, 100, 100)
	store := task.NewStore()
	h.exec.records = store

	tk := task.New("hello")
	h.exec.Execute(context.Background(), tk)

	rec, err := store.Get(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusSuccess, rec.Result.Status)
}

// chanSink delivers usage records to a channel so tests can wait for the
// asynchronous append.
type chanSink struct {
	ch chan usage.Record
}

func (s *chanSink) Append(rec usage.Record) error {
	s.ch <- rec
	return nil
}
