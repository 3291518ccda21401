package sequencer

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"arc-framework/bootseq/internal/deps"
	"arc-framework/bootseq/internal/stamp"
)

// InstallRequest is what the dependency stage hands to the Installer once
// the manifest and lock have been verified against each other.
type InstallRequest struct {
	Workdir  string
	Manifest *deps.Manifest
	Lock     *deps.Lock
	Command  []string
}

// Installer materializes the locked dependency set in the working directory.
type Installer interface {
	Install(ctx context.Context, req InstallRequest) error
}

// StampStore is satisfied by *stamp.FileStore and *clients.RedisStampStore.
type StampStore = stamp.Store

// EventSink receives stage transition events. Publish failures are logged
// and never change the build outcome.
type EventSink interface {
	Publish(ctx context.Context, ev Event) error
}

// ReportRecorder persists finished build reports.
type ReportRecorder interface {
	Record(ctx context.Context, r *Report) error
}

// Observer is satisfied by *metrics.Collector.
type Observer interface {
	ObserveStage(stage, status string, d time.Duration)
	ObserveBuild(status string, cached bool, finished time.Time)
}

// CommandInstaller runs the configured install command in the working
// directory and blocks until it exits.
type CommandInstaller struct {
	Stdout io.Writer
	Stderr io.Writer
}

// installGrace is how long a cancelled install gets to exit after SIGTERM.
const installGrace = 10 * time.Second

// Install runs req.Command. Cancelling ctx sends SIGTERM, then SIGKILL after
// installGrace.
func (i *CommandInstaller) Install(ctx context.Context, req InstallRequest) error {
	if len(req.Command) == 0 {
		return fmt.Errorf("%w: empty install command", ErrInstallFailed)
	}

	cmd := exec.CommandContext(ctx, req.Command[0], req.Command[1:]...)
	cmd.Dir = req.Workdir
	cmd.Env = os.Environ()
	cmd.Stdout = i.Stdout
	cmd.Stderr = i.Stderr
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = installGrace

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInstallFailed, strings.Join(req.Command, " "), err)
	}
	return nil
}

type noopSink struct{}

func (noopSink) Publish(context.Context, Event) error { return nil }

type noopRecorder struct{}

func (noopRecorder) Record(context.Context, *Report) error { return nil }

type noopObserver struct{}

func (noopObserver) ObserveStage(string, string, time.Duration) {}
func (noopObserver) ObserveBuild(string, bool, time.Time) {}
