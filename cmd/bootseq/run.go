package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"arc-framework/bootseq/internal/sequencer"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Launch the entry point of a prepared working directory",
	Long: `Run starts the configured entry point in the working directory prepared
by an earlier "bootseq build", with stdio inherited and PORT and LOG_DIR
exported. bootseq stays in the foreground, forwards termination signals and
exits with the service's exit code.`,
	RunE: runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	code, err := app.sequencer.Launch(cmd.Context())
	return launchResult(code, err)
}

// launchResult turns a Launch outcome into the command's error. A clean
// exit is nil; any other exit code is carried by *exitCodeError.
func launchResult(code int, err error) error {
	switch {
	case errors.Is(err, sequencer.ErrNotPrepared):
		return fmt.Errorf("%w: run \"bootseq build\" first", err)
	case err != nil:
		return &exitCodeError{code: code, err: fmt.Errorf("launch failed: %w", err)}
	case code != 0:
		return &exitCodeError{code: code}
	}
	return nil
}
