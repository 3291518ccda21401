package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Build and then launch the entry point",
	Long: `Up runs every stage in order and, once the port is declared, launches
the entry point in the foreground. A failed stage stops the sequence before
launch, prints the report and exits 1. Otherwise bootseq exits with the
service's exit code.`,
	RunE: runUp,
}

func runUp(cmd *cobra.Command, args []string) error {
	report, code, err := app.sequencer.Up(cmd.Context())
	if report != nil && report.Error != "" {
		printReport(os.Stderr, report)
		return fmt.Errorf("build failed: %w", err)
	}
	return launchResult(code, err)
}
