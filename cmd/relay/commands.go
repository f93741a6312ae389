package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"relay/internal/config"
	relayerrors "relay/internal/errors"
	"relay/internal/executor"
	"relay/internal/handoff"
	"relay/internal/logging"
	"relay/internal/platform"
	"relay/internal/quota"
	"relay/internal/task"
	"relay/internal/usage"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
)

// app bundles the wired core components behind the CLI.
type app struct {
	cfg     *config.Config
	ledger  *quota.Ledger
	exec    *executor.Executor
	handoff *handoff.Manager // nil unless handoff_dir is configured
}

// buildApp loads config and constructs the executor stack. The CLI binary
// only ships mock adapters; real platform adapters are external and plug in
// through the registry.
func buildApp(configPath string, mock bool) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, &usageError{err: err}
	}
	if len(cfg.Services) == 0 {
		return nil, &usageError{err: fmt.Errorf("no services configured; add a services list to relay.yaml")}
	}
	if !mock {
		return nil, &usageError{err: fmt.Errorf("no platform adapters available in this build; run with --mock")}
	}

	logging.SetDefaultLevel(logging.ParseLevel(cfg.LogLevel))
	logger := logging.NewComponentLogger("cli")

	var ledgerOpts []quota.Option
	if cfg.StateDir != "" {
		ledgerOpts = append(ledgerOpts, quota.WithStateDir(cfg.StateDir))
	}
	ledger := quota.NewLedger(cfg.QuotaConfigs(), ledgerOpts...)

	registry := platform.NewRegistry()
	for _, svc := range cfg.Services {
		registry.Register(platform.NewMockAdapter(svc.Name, 50*time.Millisecond))
	}
	for _, svc := range cfg.Services {
		if _, err := registry.Get(svc.Name); err != nil {
			return nil, &usageError{err: fmt.Errorf("service %q has no adapter (available: %s)",
				svc.Name, strings.Join(registry.Names(), ", "))}
		}
	}

	var sink usage.Sink = usage.Nop()
	if cfg.UsageLog != "" {
		sink = usage.NewFileSink(cfg.UsageLog)
	}

	policy := relayerrors.DefaultRetryPolicy()
	if cfg.MaxRetries > 0 {
		policy.MaxRetries = cfg.MaxRetries
	}

	exec := executor.New(executor.Config{
		Ledger:   ledger,
		Tiers:    cfg.Tiers(),
		Registry: registry,
		Policy:   policy,
		Usage:    sink,
		Records:  task.NewStore(),
		Logger:   logger,
	})

	var handoffMgr *handoff.Manager
	if cfg.HandoffDir != "" {
		handoffMgr = handoff.NewManager(handoff.NewFileStore(cfg.HandoffDir), logger)
	}

	return &app{cfg: cfg, ledger: ledger, exec: exec, handoff: handoffMgr}, nil
}

// taskTimeout resolves the per-invocation timeout: flag wins, then config,
// then the task package default.
func taskTimeout(cfg *config.Config, flag time.Duration) time.Duration {
	if flag > 0 {
		return flag
	}
	return cfg.DefaultTimeout
}

// batchParallel resolves the batch concurrency bound: flag wins, then config.
func batchParallel(cfg *config.Config, flag int) int {
	if flag > 0 {
		return flag
	}
	return cfg.MaxConcurrent
}

// signalContext cancels on SIGINT/SIGTERM so in-flight tasks finish their
// current state-machine step and land on Cancelled.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newSubmitCommand(configPath *string, mock *bool) *cobra.Command {
	var (
		prompt       string
		platformHint string
		taskType     string
		timeout      time.Duration
		contextID    string
		saveContext  bool
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Execute a single prompt",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(prompt) == "" {
				return &usageError{err: fmt.Errorf("--prompt is required")}
			}
			a, err := buildApp(*configPath, *mock)
			if err != nil {
				return err
			}
			if (contextID != "" || saveContext) && a.handoff == nil {
				return &usageError{err: fmt.Errorf("handoff_dir is not configured; set it in relay.yaml to use --context/--save-context")}
			}

			ctx, cancel := signalContext()
			defer cancel()

			fullPrompt := prompt
			if contextID != "" {
				payload, err := a.handoff.LoadHandoff(ctx, contextID)
				if err != nil {
					return &taskFailedError{err: err}
				}
				fullPrompt = string(payload) + "\n\n" + prompt
			}

			t := task.New(fullPrompt,
				task.WithPlatformHint(platformHint),
				task.WithType(taskType),
				task.WithConstraints(task.Constraints{Timeout: taskTimeout(a.cfg, timeout)}),
			)
			res := a.exec.Execute(ctx, t)
			printResult(cmd, res)
			if res.Status != task.StatusSuccess {
				if res.Err != nil {
					return &taskFailedError{err: res.Err}
				}
				return &taskFailedError{err: fmt.Errorf("task %s: %s", res.TaskID, res.Status)}
			}

			if saveContext {
				id, err := a.handoff.CreateHandoff(ctx, []byte(res.Output), prompt, t.ID)
				if err != nil {
					return &taskFailedError{err: err}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "context: %s\n", id)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&prompt, "prompt", "", "Prompt text to execute")
	cmd.Flags().StringVar(&platformHint, "platform", "", "Advisory service hint")
	cmd.Flags().StringVar(&taskType, "type", "", "Task type tag for cost bucketing")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Per-invocation timeout (default from config, then 300s)")
	cmd.Flags().StringVar(&contextID, "context", "", "Handoff context id to prepend to the prompt")
	cmd.Flags().BoolVar(&saveContext, "save-context", false, "Store the output as a handoff context and print its id")
	return cmd
}

func newBatchCommand(configPath *string, mock *bool) *cobra.Command {
	var parallel int

	cmd := &cobra.Command{
		Use:   "batch <file>",
		Short: "Execute prompts from a file, one per line",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompts, err := readPrompts(args[0])
			if err != nil {
				return &usageError{err: err}
			}
			if len(prompts) == 0 {
				return &usageError{err: fmt.Errorf("%s contains no prompts", args[0])}
			}
			a, err := buildApp(*configPath, *mock)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			tasks := make([]task.Task, len(prompts))
			for i, p := range prompts {
				tasks[i] = task.New(p)
			}

			runner := executor.NewBatchRunner(a.exec, batchParallel(a.cfg, parallel), logging.NewComponentLogger("batch"))
			results, summary := runner.RunBatch(ctx, tasks)

			for _, res := range results {
				printResult(cmd, res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\n%d succeeded, %d failed, %d cancelled, total cost %.2f (%v)\n",
				summary.Succeeded, summary.Failed, summary.Cancelled, summary.TotalCost, summary.Elapsed.Round(time.Millisecond))

			if summary.Failed > 0 || summary.Cancelled > 0 {
				return &taskFailedError{err: fmt.Errorf("%d of %d tasks did not succeed", summary.Failed+summary.Cancelled, len(tasks))}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&parallel, "parallel", 0, "Maximum concurrent tasks (default max_concurrent from config)")
	return cmd
}

func newQuotaCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "quota",
		Short: "Show per-service quota usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return &usageError{err: err}
			}
			var opts []quota.Option
			if cfg.StateDir != "" {
				opts = append(opts, quota.WithStateDir(cfg.StateDir))
			}
			ledger := quota.NewLedger(cfg.QuotaConfigs(), opts...)

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-16s %10s %10s %10s  %s\n", "SERVICE", "USED", "LIMIT", "REMAINING", "RESETS")
			for _, st := range ledger.Snapshot() {
				if st.Unlimited {
					fmt.Fprintf(out, "%-16s %10.0f %10s %10s  %s\n",
						st.Service, st.Used, "∞", "∞", st.ResetAt.Format(time.RFC3339))
					continue
				}
				fmt.Fprintf(out, "%-16s %10.0f %10.0f %10.0f  %s\n",
					st.Service, st.Used, st.Limit, st.Remaining(), st.ResetAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func printResult(cmd *cobra.Command, res task.Result) {
	out := cmd.OutOrStdout()
	switch res.Status {
	case task.StatusSuccess:
		fmt.Fprintf(out, "%s %s %s\n", green("ok"), res.TaskID, gray(fmt.Sprintf("(%s, %d attempts, cost %.2f)", res.ServiceUsed, len(res.Attempts), res.Cost)))
		fmt.Fprintln(out, res.Output)
	case task.StatusCancelled:
		fmt.Fprintf(out, "%s %s\n", yellow("cancelled"), res.TaskID)
	default:
		fmt.Fprintf(out, "%s %s: %v\n", red("failed"), res.TaskID, res.Err)
	}
}

func readPrompts(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open batch file: %w", err)
	}
	defer f.Close()

	var prompts []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		prompts = append(prompts, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read batch file: %w", err)
	}
	return prompts, nil
}
