package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"foreman/internal/version"
)

// newRootCmd creates the root foreman command with all subcommands attached.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "foreman",
		Short:         "Agent coordination backend",
		Long:          "foreman is the coordination backend for a workspace of autonomous agents.\nIt tracks the agent hierarchy, bead backlog, messages, merge queue, and progress ledger.",
		Version:       fmt.Sprintf("foreman %s", version.String()),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("{{.Version}}\n")

	cmd.AddCommand(
		newInitCmd(),
		newServeCmd(),
		newStatusCmd(),
		newSeedCmd(),
	)

	return cmd
}
