package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command for pipechain.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pipechain",
		Short: "Run chained and merged content pipelines",
		Long: `pipechain executes pipelines of content-producing stages described in
YAML definition files.

A chain walks its stages depth first: every item of a stage is handed to the
next stage, and the last stage's items are the pipeline output. A merge runs
its stages concurrently and interleaves their items. Chains and merges nest.

Every run is recorded in a history database under the XDG data directory.`,
		Version:       getVersion(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags that apply to all commands
	cmd.PersistentFlags().BoolP("verbose", "v", false, "Enable verbose logging")

	cmd.AddCommand(NewRunCmd())
	cmd.AddCommand(NewHistoryCmd())
	cmd.AddCommand(NewInitCmd())
	cmd.AddCommand(NewVersionCmd())

	return cmd
}

// Execute runs the root command.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
