package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"arc-framework/bootseq/internal/config"
	"arc-framework/bootseq/internal/deps"
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check the lock file against the manifest without building",
	Long: `Verify parses the manifest and lock file from the source directory and
checks that every declared dependency is pinned by the lock at a version
the manifest allows. The working directory is not touched.`,
	RunE: runVerify,
}

type verifyResult struct {
	Status      string             `json:"status"`
	Manifest    string             `json:"manifest"`
	Lock        string             `json:"lock"`
	Format      deps.LockFormat    `json:"format,omitempty"`
	Packages    int                `json:"packages"`
	Digest      deps.Digest        `json:"digest,omitempty"`
	Missing     []string           `json:"missing,omitempty"`
	Unsatisfied []deps.Unsatisfied `json:"unsatisfied,omitempty"`
	Error       string             `json:"error,omitempty"`
}

func runVerify(cmd *cobra.Command, args []string) error {
	res, err := verify(cfg.Sequence)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if encErr := enc.Encode(res); encErr != nil {
		return fmt.Errorf("encoding result: %w", encErr)
	}
	return err
}

func verify(seq config.SequenceConfig) (*verifyResult, error) {
	manifestPath := sourcePath(seq, seq.Manifest)
	lockPath := sourcePath(seq, seq.LockFile)
	res := &verifyResult{Status: "error", Manifest: manifestPath, Lock: lockPath}

	fail := func(err error) (*verifyResult, error) {
		res.Error = err.Error()
		return res, err
	}

	m, err := deps.LoadManifest(manifestPath)
	if err != nil {
		return fail(err)
	}
	l, err := deps.LoadLock(lockPath)
	if err != nil {
		return fail(err)
	}
	res.Format = l.Format
	res.Packages = len(l.Packages)

	if err := deps.Verify(m, l); err != nil {
		var inc *deps.InconsistencyError
		if errors.As(err, &inc) {
			res.Missing = inc.Missing
			res.Unsatisfied = inc.Unsatisfied
		}
		return fail(err)
	}

	res.Digest, err = deps.ComputeDigest(manifestPath, lockPath, seq.InstallCommand)
	if err != nil {
		return fail(err)
	}
	res.Status = "ok"
	return res, nil
}

func sourcePath(seq config.SequenceConfig, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(seq.SourceDir, p)
}
