package executor

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"relay/internal/logging"
	"relay/internal/task"
)

// DefaultMaxConcurrent is the batch concurrency ceiling when the caller does
// not set one.
const DefaultMaxConcurrent = 10

// BatchSummary aggregates a batch run independent of individual failures.
type BatchSummary struct {
	Succeeded int
	Failed    int
	Cancelled int
	TotalCost float64
	Elapsed   time.Duration
}

// BatchRunner executes many tasks concurrently with bounded, quota-aware
// concurrency and fail-independent semantics.
type BatchRunner struct {
	exec          *Executor
	maxConcurrent int
	logger        logging.Logger
}

// NewBatchRunner creates a runner over an executor.
func NewBatchRunner(exec *Executor, maxConcurrent int, logger logging.Logger) *BatchRunner {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	return &BatchRunner{
		exec:          exec,
		maxConcurrent: maxConcurrent,
		logger:        logging.OrNop(logger),
	}
}

// effectiveConcurrency computes the worker bound once at batch start:
// max(1, min(maxConcurrent, totalRemainingQuota/2)). Halving under-subscribes
// relative to raw quota so a burst of concurrent reservations cannot itself
// exhaust quota for unrelated callers. It is deliberately not re-evaluated
// mid-batch to avoid oscillation.
func (r *BatchRunner) effectiveConcurrency() int {
	bound := r.maxConcurrent
	remaining, capped := r.exec.ledger.TotalRemaining()
	if capped {
		quotaBound := int(remaining) / 2
		if quotaBound < bound {
			bound = quotaBound
		}
	}
	if bound < 1 {
		bound = 1
	}
	return bound
}

// RunBatch executes tasks and returns results positionally: Results[i] is the
// outcome of tasks[i] regardless of completion order. One task's failure
// never cancels a sibling; the batch finishes when every task is terminal.
// Cancelling ctx moves still-running tasks to Cancelled at their next state
// boundary while preserving their attempt trails.
func (r *BatchRunner) RunBatch(ctx context.Context, tasks []task.Task) ([]task.Result, BatchSummary) {
	start := time.Now()
	results := make([]task.Result, len(tasks))
	if len(tasks) == 0 {
		return results, BatchSummary{Elapsed: time.Since(start)}
	}

	workers := r.effectiveConcurrency()
	r.logger.Info("running batch of %d tasks with %d workers", len(tasks), workers)

	// errgroup is used purely as a bounded pool here; workers always return
	// nil so a failed task cannot cancel the group's context for siblings.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for i, t := range tasks {
		i, t := i, t
		g.Go(func() error {
			results[i] = r.exec.Execute(gctx, t)
			r.exec.metrics.IncBatchTask(string(results[i].Status))
			return nil
		})
	}
	_ = g.Wait()

	summary := BatchSummary{Elapsed: time.Since(start)}
	for _, res := range results {
		switch res.Status {
		case task.StatusSuccess:
			summary.Succeeded++
		case task.StatusCancelled:
			summary.Cancelled++
		default:
			summary.Failed++
		}
		summary.TotalCost += res.Cost
	}
	r.logger.Info("batch finished: %d succeeded, %d failed, %d cancelled, cost %.2f in %v",
		summary.Succeeded, summary.Failed, summary.Cancelled, summary.TotalCost, summary.Elapsed)
	return results, summary
}
