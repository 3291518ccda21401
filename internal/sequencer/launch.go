package sequencer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"slices"
	"strconv"
	"strings"
	"syscall"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"arc-framework/bootseq/internal/telemetry"
)

// Exit codes for an entry point that never started, following sh.
const (
	ExitNotFound      = 127
	ExitNotExecutable = 126
)

var forwardedSignals = []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGQUIT}

func (s *Sequencer) launch(ctx context.Context) (int, error) {
	report, err := s.prepared()
	if err != nil {
		return 1, err
	}

	argv := s.cfg.Entrypoint
	if len(argv) == 0 {
		return 1, fmt.Errorf("%w: empty entrypoint", ErrNotPrepared)
	}

	ctx, span := telemetry.Tracer().Start(ctx, "bootseq.launch")
	defer span.End()
	span.SetAttributes(attribute.String("launch.argv", strings.Join(argv, " ")))

	logger := slog.With("build_id", report.BuildID)

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = s.paths.workdir
	cmd.Env = launchEnv(os.Environ(), s.cfg.Port, s.paths.logDir)
	cmd.Stdin = s.stdin
	cmd.Stdout = s.stdout
	cmd.Stderr = s.stderr

	// Registered before Start so no signal slips past between start and wait.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, forwardedSignals...)
	defer signal.Stop(sigCh)

	if err := cmd.Start(); err != nil {
		code := startFailureCode(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.ErrorContext(ctx, "entry point failed to start", "argv", argv, "exit_code", code, "error", err)
		return code, fmt.Errorf("starting %s: %w", argv[0], err)
	}

	state, err := Transition(s.State(), StateRunning)
	if err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return 1, err
	}
	s.setState(state)
	s.emit(ctx, logger, Event{BuildID: report.BuildID, Stage: "launch", State: state, Status: StatusOK, At: s.now().UTC()})
	logger.InfoContext(ctx, "entry point started", "argv", argv, "pid", cmd.Process.Pid, "port", s.cfg.Port)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	ctxDone := ctx.Done()
	for {
		select {
		case sig := <-sigCh:
			logger.InfoContext(ctx, "forwarding signal", "signal", sig.String())
			_ = cmd.Process.Signal(sig)
		case <-ctxDone:
			logger.InfoContext(ctx, "context done, terminating entry point")
			_ = cmd.Process.Signal(syscall.SIGTERM)
			ctxDone = nil
		case waitErr := <-done:
			code, err := exitCode(waitErr)
			span.SetAttributes(attribute.Int("launch.exit_code", code))
			if code != 0 {
				span.SetStatus(codes.Error, "entry point exited non-zero")
			}
			logger.InfoContext(ctx, "entry point exited", "exit_code", code)
			return code, err
		}
	}
}

// prepared returns the report of the build that made this launch legal: the
// in-memory one, or the one persisted by a build in another process.
func (s *Sequencer) prepared() (*Report, error) {
	switch st := s.State(); st {
	case StatePortDeclared:
		if r := s.LastReport(); r != nil {
			return r, nil
		}
	case StatePending:
	default:
		return nil, fmt.Errorf("%w: cannot launch from %s", ErrInvalidTransition, st)
	}

	r, err := ReadReport(s.paths.workdir)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrNotPrepared, s.paths.workdir, err)
	}
	if r.State != StatePortDeclared || r.Status != StatusOK {
		return nil, fmt.Errorf("%w: last build ended in %s", ErrNotPrepared, r.State)
	}

	s.mu.Lock()
	s.state = StatePortDeclared
	s.lastReport = r
	s.mu.Unlock()
	return r, nil
}

// launchEnv adds PORT and LOG_DIR unless the environment already sets them.
func launchEnv(environ []string, port int, logDir string) []string {
	env := slices.Clone(environ)
	has := func(key string) bool {
		for _, kv := range env {
			if strings.HasPrefix(kv, key+"=") {
				return true
			}
		}
		return false
	}
	if !has("PORT") {
		env = append(env, "PORT="+strconv.Itoa(port))
	}
	if !has("LOG_DIR") {
		env = append(env, "LOG_DIR="+logDir)
	}
	return env
}

func startFailureCode(err error) int {
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
		return ExitNotFound
	}
	return ExitNotExecutable
}

// exitCode maps a Wait error to a process exit code. A child killed by a
// signal maps to 128+signal. A non-zero exit is not an error for bootseq; the
// code carries it.
func exitCode(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			return 128 + int(status.Signal()), nil
		}
		return exitErr.ExitCode(), nil
	}
	return 1, err
}
