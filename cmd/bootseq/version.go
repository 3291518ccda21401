package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"arc-framework/bootseq/internal/telemetry"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the bootseq version",
	// No config or backends needed.
	PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), telemetry.Version)
	},
}
