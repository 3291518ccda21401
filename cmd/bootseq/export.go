package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/spf13/cobra"

	"arc-framework/bootseq/internal/clients"
	"arc-framework/bootseq/internal/image"
	"arc-framework/bootseq/internal/sequencer"
)

var exportFlags struct {
	output string
	tags   []string
	base   string
	push   bool
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Package a prepared working directory as an OCI image",
	Long: `Export layers the working directory prepared by "bootseq build" onto the
base image. The image config carries the working directory, the exposed
port, the entry point and PORT/LOG_DIR. The image is written as a tarball
and, with --push, pushed to every tag.`,
	RunE: runExport,
}

func init() {
	f := exportCmd.Flags()
	f.StringVarP(&exportFlags.output, "output", "o", "", "tarball path (default from image.output)")
	f.StringSliceVarP(&exportFlags.tags, "tag", "t", nil, "image reference, repeatable (default from image.tags)")
	f.StringVar(&exportFlags.base, "base", "", "base image reference (default from image.base)")
	f.BoolVar(&exportFlags.push, "push", false, "push every tag to its registry")
}

func runExport(cmd *cobra.Command, args []string) error {
	report, err := sequencer.ReadReport(app.sequencer.Workdir())
	if err != nil {
		return fmt.Errorf("%w: run \"bootseq build\" first", err)
	}

	img := cfg.Image
	flags := cmd.Flags()
	if flags.Changed("output") {
		img.Output = exportFlags.output
	}
	if flags.Changed("tag") {
		img.Tags = exportFlags.tags
	}
	if flags.Changed("base") {
		img.Base = exportFlags.base
	}
	if flags.Changed("push") {
		img.Push = exportFlags.push
	}

	imagePath := filepath.ToSlash(cfg.Sequence.Workdir)
	if !path.IsAbs(imagePath) {
		imagePath = path.Join("/", imagePath)
	}
	logDir := filepath.ToSlash(cfg.Sequence.LogDir)
	if !path.IsAbs(logDir) {
		logDir = path.Join(imagePath, logDir)
	}

	exporter := image.NewExporter(clients.NewCircuitBreaker("registry"))
	res, err := exporter.Export(cmd.Context(), image.Options{
		Root:         app.sequencer.Workdir(),
		Path:         imagePath,
		Base:         img.Base,
		OS:           img.OS,
		Architecture: img.Architecture,
		Port:         report.Port,
		Entrypoint:   cfg.Sequence.Entrypoint,
		LogDir:       logDir,
		BuildID:      report.BuildID,
		LockDigest:   string(report.LockDigest),
		Tags:         img.Tags,
		Output:       img.Output,
		Push:         img.Push,
	})
	if err != nil {
		return fmt.Errorf("export failed: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
