package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"arc-framework/bootseq/internal/sequencer"
)

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Prepare the working directory (stages 1 to 5) and exit",
	Long: `Build establishes the working directory, materializes dependencies from
the manifest and lock file, copies the source tree, creates the log
directory and declares the service port.

The report is printed as JSON on stdout and persisted under
<workdir>/.bootseq/report.json so that a later "bootseq run" can launch
the prepared service. Exit status is 0 on success and 1 on failure.`,
	RunE: runBuild,
}

func runBuild(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := app.sequencer.Build(ctx)
	if report != nil {
		printReport(os.Stdout, report)
	}
	if err != nil {
		return fmt.Errorf("build failed: %w", err)
	}
	return nil
}

// printReport writes r as indented JSON. Encoding failures fall back to the
// bare status.
func printReport(w io.Writer, r *sequencer.Report) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		slog.Warn("encoding report", "err", err)
		fmt.Fprintf(w, `{"status":%q}`+"\n", r.Status)
	}
}
