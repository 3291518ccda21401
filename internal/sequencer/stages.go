package sequencer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"arc-framework/bootseq/internal/deps"
	"arc-framework/bootseq/internal/ignore"
	"arc-framework/bootseq/internal/stamp"
)

func fsErr(err error) error {
	return fmt.Errorf("%w: %w", ErrFilesystem, err)
}

func (s *Sequencer) establishContext(_ context.Context, _ *Report) (string, string, error) {
	if err := os.MkdirAll(s.paths.workdir, 0o755); err != nil {
		return "", "", fsErr(err)
	}
	return StatusOK, s.paths.workdir, nil
}

// materializeDependencies stages the manifest and lock alone, verifies them
// against each other and installs. Nothing else from the source tree exists
// in the working directory yet, so the install result depends only on these
// two files and the command.
func (s *Sequencer) materializeDependencies(ctx context.Context, r *Report) (string, string, error) {
	if err := stageInput(s.paths.manifestSrc, s.paths.manifestDst, deps.ErrManifestMissing); err != nil {
		return "", "", err
	}
	if err := stageInput(s.paths.lockSrc, s.paths.lockDst, deps.ErrLockMissing); err != nil {
		return "", "", err
	}

	manifest, err := deps.LoadManifest(s.paths.manifestDst)
	if err != nil {
		return "", "", err
	}
	lock, err := deps.LoadLock(s.paths.lockDst)
	if err != nil {
		return "", "", err
	}
	if err := deps.Verify(manifest, lock); err != nil {
		return "", "", err
	}
	r.Packages = len(lock.Packages)

	digest, err := deps.ComputeDigest(s.paths.manifestDst, s.paths.lockDst, s.cfg.InstallCommand)
	if err != nil {
		return "", "", fsErr(err)
	}
	r.LockDigest = digest

	prev, hit, err := s.stamps.Get(ctx, digest)
	if err != nil {
		slog.WarnContext(ctx, "stamp lookup failed, installing", "digest", digest, "error", err)
	}
	if hit && s.installedDigest() == digest && s.envIntact() {
		return StatusCached, fmt.Sprintf("reused install from build %s", prev.BuildID), nil
	}

	// The environment is about to change; until the install succeeds it
	// matches no digest.
	if err := os.Remove(s.paths.installed); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", "", fsErr(err)
	}

	err = s.installer.Install(ctx, InstallRequest{
		Workdir:  s.paths.workdir,
		Manifest: manifest,
		Lock:     lock,
		Command:  s.cfg.InstallCommand,
	})
	if err != nil {
		return "", "", err
	}

	if err := s.markInstalled(digest); err != nil {
		return "", "", fsErr(err)
	}
	st := stamp.Stamp{Digest: digest, BuildID: r.BuildID, Packages: len(lock.Packages), CreatedAt: s.now().UTC()}
	if err := s.stamps.Put(ctx, st); err != nil {
		slog.WarnContext(ctx, "recording install stamp failed", "digest", digest, "error", err)
	}
	return StatusOK, fmt.Sprintf("%d packages locked", len(lock.Packages)), nil
}

// installedDigest returns the digest of the environment currently in the
// working directory, or "" when unknown.
func (s *Sequencer) installedDigest() deps.Digest {
	data, err := os.ReadFile(s.paths.installed)
	if err != nil {
		return ""
	}
	return deps.Digest(strings.TrimSpace(string(data)))
}

func (s *Sequencer) markInstalled(digest deps.Digest) error {
	if err := os.MkdirAll(filepath.Dir(s.paths.installed), 0o755); err != nil {
		return err
	}
	return os.WriteFile(s.paths.installed, []byte(string(digest)+"\n"), 0o644)
}

// envIntact reports whether the installed environment is still present. No
// marker configured means the stamp alone is trusted.
func (s *Sequencer) envIntact() bool {
	if s.paths.envMarker == "" {
		return true
	}
	_, err := os.Stat(s.paths.envMarker)
	return err == nil
}

// stageInput copies one dependency input into the working directory,
// mapping a missing source to the given sentinel.
func stageInput(src, dst string, missing error) error {
	if samePath(src, dst) {
		if _, err := os.Stat(src); errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", missing, src)
		}
		return nil
	}
	if _, err := copyFile(src, dst); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", missing, src)
		}
		return fsErr(err)
	}
	return nil
}

func (s *Sequencer) copySource(ctx context.Context, _ *Report) (string, string, error) {
	if samePath(s.paths.source, s.paths.workdir) {
		return StatusOK, "source is the working directory", nil
	}

	matcher, err := ignore.Load(s.paths.ignoreFile)
	if err != nil {
		return "", "", err
	}

	// Bookkeeping from a source tree that was itself a working directory
	// must not overwrite this one's.
	stats, err := copyTree(ctx, s.paths.source, s.paths.workdir, copyOptions{
		Matcher: matcher,
		Workers: s.cfg.CopyWorkers,
		Skip:    []string{s.paths.workdir, filepath.Join(s.paths.source, ".bootseq")},
	})
	if err != nil {
		return "", "", fsErr(err)
	}
	return StatusOK, fmt.Sprintf("%d files, %d bytes", stats.Files, stats.Bytes), nil
}

// prepareLogSink creates the log directory. Existing contents are left as
// they are.
func (s *Sequencer) prepareLogSink(_ context.Context, _ *Report) (string, string, error) {
	if err := os.MkdirAll(s.paths.logDir, 0o755); err != nil {
		return "", "", fsErr(err)
	}
	return StatusOK, s.paths.logDir, nil
}

// declarePort records the port. It is never checked against what the entry
// point actually binds.
func (s *Sequencer) declarePort(_ context.Context, r *Report) (string, string, error) {
	r.Port = s.cfg.Port
	return StatusOK, fmt.Sprintf("%d/tcp", s.cfg.Port), nil
}

func samePath(a, b string) bool {
	if filepath.Clean(a) == filepath.Clean(b) {
		return true
	}
	ai, err := os.Stat(a)
	if err != nil {
		return false
	}
	bi, err := os.Stat(b)
	if err != nil {
		return false
	}
	return os.SameFile(ai, bi)
}
