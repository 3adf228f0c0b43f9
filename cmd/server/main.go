// Command server runs the election-tallying orchestrator core described in
// spec.md: the Admin/Status HTTP API, the round-robin Scheduler, and the
// four worker pools, wired together from a single process by default and
// separable onto their own processes via the scheduler-only/worker-only
// subcommands for horizontal scaling (spec.md §5).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "server",
		Short: "Run the orchestrator core",
		Long:  "server runs the chunked tally/partial-decryption/compensated-decryption/combine orchestrator described in spec.md.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), roleAll)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file (optional; env vars and defaults always apply)")

	root.AddCommand(newServeCmd(), newSchedulerOnlyCmd(), newWorkerOnlyCmd())
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API, scheduler, and all four worker pools in one process (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), roleAll)
		},
	}
}

func newSchedulerOnlyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scheduler-only",
		Short: "Run only the Admin/Status API and the Scheduler's tick loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), roleScheduler)
		},
	}
}

func newWorkerOnlyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker-only",
		Short: "Run only the four worker pools, dialing the broker and store of an already-running scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), roleWorker)
		},
	}
}
