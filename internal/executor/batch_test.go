package executor

import (
	"context"
	"fmt"
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
)

func newBatchHarness(t *testing.T, configs []quota.ServiceConfig, maxConcurrent int) (*BatchRunner, *testHarness) {
	t.Helper()

	ledger := quota.NewLedger(configs)
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
	})
	exec.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }

	runner := NewBatchRunner(exec, maxConcurrent, nil)
	return runner, &testHarness{exec: exec, ledger: ledger, registry: registry, gemini: gemini, chatgpt: chatgpt}
}

func TestRunBatchPreservesOrder(t *testing.T) {
	runner, _ := newBatchHarness(t, []quota.ServiceConfig{
		{Service: "gemini", Limit: 1000},
		{Service: "chatgpt", Limit: 1000},
	}, 8)

	tasks := make([]task.Task, 20)
	for i := range tasks {
		tasks[i] = task.New(fmt.Sprintf("prompt %d", i))
	}

	results, summary := runner.RunBatch(context.Background(), tasks)

	require.Len(t, results, len(tasks))
	for i, res := range results {
		assert.Equal(t, tasks[i].ID, res.TaskID, "results must be positional")
		assert.Equal(t, task.StatusSuccess, res.Status)
	}
	assert.Equal(t, 20, summary.Succeeded)
	assert.Equal(t, 0, summary.Failed)
}

func TestRunBatchFailuresAreIndependent(t *testing.T) {
	runner, h := newBatchHarness(t, []quota.ServiceConfig{
		{Service: "gemini", Limit: 1000},
		{Service: "chatgpt", Limit: 1000},
	}, 1)

	// With a single worker the call order is deterministic: task 0 succeeds,
	// task 1 fails fatally on every service, task 2 succeeds.
	h.gemini.Script(
		platform.SucceedWith("first", 1),
		platform.FailWith(authErr()),
		platform.SucceedWith("third", 1),
	)
	h.chatgpt.Script(platform.FailWith(authErr()))

	tasks := []task.Task{task.New("a"), task.New("b"), task.New("c")}
	results, summary := runner.RunBatch(context.Background(), tasks)

	require.Len(t, results, 3)
	assert.Equal(t, task.StatusSuccess, results[0].Status)
	assert.Equal(t, task.StatusFailed, results[1].Status)
	assert.Equal(t, task.StatusSuccess, results[2].Status)
	assert.True(t, relayerrors.IsAllPlatformsExhausted(results[1].Err))

	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 0, summary.Cancelled)
	assert.Equal(t, 2.0, summary.TotalCost)
}

func TestRunBatchCancellation(t *testing.T) {
	runner, _ := newBatchHarness(t, []quota.ServiceConfig{
		{Service: "gemini", Limit: 1000},
		{Service: "chatgpt", Limit: 1000},
	}, 4)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tasks := []task.Task{task.New("a"), task.New("b"), task.New("c")}
	results, summary := runner.RunBatch(ctx, tasks)

	require.Len(t, results, 3)
	for _, res := range results {
		assert.Equal(t, task.StatusCancelled, res.Status)
	}
	assert.Equal(t, 3, summary.Cancelled)
	assert.Equal(t, 0, summary.Succeeded)
}

func TestRunBatchEmpty(t *testing.T) {
	runner, _ := newBatchHarness(t, []quota.ServiceConfig{{Service: "gemini", Limit: 10}}, 4)

	results, summary := runner.RunBatch(context.Background(), nil)
	assert.Empty(t, results)
	assert.Equal(t, BatchSummary{Elapsed: summary.Elapsed}, summary)
}

func TestEffectiveConcurrency(t *testing.T) {
	cases := []struct {
		name          string
		configs       []quota.ServiceConfig
		maxConcurrent int
		want          int
	}{
		{
			name:          "caller bound wins when quota is plentiful",
			configs:       []quota.ServiceConfig{{Service: "gemini", Limit: 100}},
			maxConcurrent: 4,
			want:          4,
		},
		{
			name: "half of remaining quota wins when tighter",
			configs: []quota.ServiceConfig{
				{Service: "gemini", Limit: 3},
				{Service: "chatgpt", Limit: 3},
			},
			maxConcurrent: 10,
			want:          3,
		},
		{
			name:          "floor of one even with no quota left",
			configs:       []quota.ServiceConfig{{Service: "gemini", Limit: 1}},
			maxConcurrent: 10,
			want:          1,
		},
		{
			name: "unlimited service lifts the quota bound",
			configs: []quota.ServiceConfig{
				{Service: "gemini", Limit: 2},
				{Service: "chatgpt", Limit: 0},
			},
			maxConcurrent: 10,
			want:          10,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			runner, _ := newBatchHarness(t, tc.configs, tc.maxConcurrent)
			assert.Equal(t, tc.want, runner.effectiveConcurrency())
		})
	}
}

func TestRunBatchStopsReservingWhenQuotaRunsOut(t *testing.T) {
	runner, _ := newBatchHarness(t, []quota.ServiceConfig{
		{Service: "gemini", Limit: 2},
		{Service: "chatgpt", Limit: 2},
	}, 1)

	tasks := make([]task.Task, 6)
	for i := range tasks {
		tasks[i] = task.New(fmt.Sprintf("prompt %d", i))
	}
	results, summary := runner.RunBatch(context.Background(), tasks)

	require.Len(t, results, 6)
	assert.Equal(t, 4, summary.Succeeded)
	assert.Equal(t, 2, summary.Failed)
	for _, res := range results[4:] {
		assert.True(t, relayerrors.IsAllPlatformsExhausted(res.Err))
	}
}
