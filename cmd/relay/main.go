// Command relay is the thin CLI over the task orchestration core: submit a
// single prompt, run a batch file, or inspect quota state.
//
// Exit codes: 0 success, 1 task failure, 2 argument/configuration error.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// usageError marks argument/configuration problems so main can map them to
// exit code 2.
type usageError struct {
	err error
}

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

// taskFailedError marks a failed task run, mapped to exit code 1.
type taskFailedError struct {
	err error
}

func (e *taskFailedError) Error() string { return e.err.Error() }
func (e *taskFailedError) Unwrap() error { return e.err }

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		var usageErr *usageError
		if errors.As(err, &usageErr) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		configPath string
		mock       bool
	)

	root := &cobra.Command{
		Use:           "relay",
		Short:         "Multi-platform task orchestration",
		Long:          "relay routes prompts across interchangeable completion services under a cost/quota policy, with retries and cross-service fallback.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to relay.yaml")
	root.PersistentFlags().BoolVar(&mock, "mock", false, "Use mock adapters for every configured service")

	root.AddCommand(newSubmitCommand(&configPath, &mock))
	root.AddCommand(newBatchCommand(&configPath, &mock))
	root.AddCommand(newQuotaCommand(&configPath))
	return root
}
