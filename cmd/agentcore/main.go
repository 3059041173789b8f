// Package main provides the CLI entry point for the agent execution core
// (internal/agent/rvrexec): a small harness for driving the Executor
// outside the multi-channel gateway, for manual testing and tape-based
// regression replay. Grounded on cmd/nexus/main.go's cobra root-command
// construction.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "agentcore:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "agentcore",
		Short:         "CLI harness for the RVR/RVR-B agent execution core",
		Version:       fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cmd.AddCommand(buildRunCmd(), buildReplayCmd(), buildRollbackCmd())
	return cmd
}
