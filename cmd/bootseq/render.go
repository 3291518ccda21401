package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"arc-framework/bootseq/internal/descriptor"
)

var renderOutput string

var renderCmd = &cobra.Command{
	Use:   "render",
	Short: "Print the equivalent Dockerfile for the configured sequence",
	RunE:  runRender,
}

func init() {
	renderCmd.Flags().StringVarP(&renderOutput, "output", "o", "", "write to this file instead of stdout")
}

func runRender(cmd *cobra.Command, args []string) error {
	d := descriptor.FromConfig(cfg.Sequence, cfg.Image)

	if renderOutput == "" {
		return descriptor.Render(os.Stdout, d)
	}

	f, err := os.Create(renderOutput)
	if err != nil {
		return fmt.Errorf("creating %s: %w", renderOutput, err)
	}
	if err := descriptor.Render(f, d); err != nil {
		f.Close() //nolint:errcheck
		return err
	}
	return f.Close()
}
