// Package sequencer runs the container bootstrap contract: establish the
// working directory, materialize locked dependencies, copy the source tree,
// prepare the log directory, declare the port, then launch the entry point.
//
// Stages run strictly in that order. A stage failure moves the sequence to
// StateBuildFailed and every later stage is recorded as skipped.
package sequencer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"arc-framework/bootseq/internal/config"
	"arc-framework/bootseq/internal/stamp"
	"arc-framework/bootseq/internal/telemetry"
)

// Option configures a Sequencer.
type Option func(*Sequencer)

// WithInstaller replaces the default CommandInstaller.
func WithInstaller(i Installer) Option {
	return func(s *Sequencer) { s.installer = i }
}

// WithStampStore replaces the default file stamp store under the cache dir.
func WithStampStore(st StampStore) Option {
	return func(s *Sequencer) { s.stamps = st }
}

// WithEventSink publishes every stage transition to sink.
func WithEventSink(sink EventSink) Option {
	return func(s *Sequencer) { s.sink = sink }
}

// WithRecorder persists each finished report through r, failed builds included.
func WithRecorder(r ReportRecorder) Option {
	return func(s *Sequencer) { s.recorder = r }
}

// WithObserver reports stage and build timings to o.
func WithObserver(o Observer) Option {
	return func(s *Sequencer) { s.observer = o }
}

// WithStdio sets the streams handed to the install command and the entry
// point. The defaults are the process's own.
func WithStdio(stdin io.Reader, stdout, stderr io.Writer) Option {
	return func(s *Sequencer) {
		s.stdin, s.stdout, s.stderr = stdin, stdout, stderr
	}
}

// paths holds every location the sequence touches, resolved to absolute
// form once at construction.
type paths struct {
	source      string
	workdir     string
	manifestSrc string
	lockSrc     string
	manifestDst string
	lockDst     string
	ignoreFile  string
	logDir      string
	cacheDir    string
	envMarker   string
	reportFile  string
	// installed holds the digest of the last successful install into this
	// working directory.
	installed string
}

func resolvePaths(cfg config.SequenceConfig) (paths, error) {
	source, err := filepath.Abs(cfg.SourceDir)
	if err != nil {
		return paths{}, fmt.Errorf("resolving source dir: %w", err)
	}
	workdir, err := filepath.Abs(cfg.Workdir)
	if err != nil {
		return paths{}, fmt.Errorf("resolving workdir: %w", err)
	}

	under := func(base, p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}

	p := paths{
		source:      source,
		workdir:     workdir,
		manifestSrc: under(source, cfg.Manifest),
		lockSrc:     under(source, cfg.LockFile),
		manifestDst: filepath.Join(workdir, filepath.Base(cfg.Manifest)),
		lockDst:     filepath.Join(workdir, filepath.Base(cfg.LockFile)),
		ignoreFile:  under(source, cfg.IgnoreFile),
		logDir:      under(workdir, cfg.LogDir),
		cacheDir:    under(workdir, cfg.CacheDir),
		envMarker:   under(workdir, cfg.EnvMarker),
		reportFile:  filepath.Join(workdir, ".bootseq", "report.json"),
		installed:   filepath.Join(workdir, ".bootseq", "installed"),
	}
	if p.cacheDir == "" {
		p.cacheDir = filepath.Join(workdir, ".bootseq", "cache")
	}
	return p, nil
}

// Sequencer runs build sequences and launches the entry point.
type Sequencer struct {
	cfg   config.SequenceConfig
	paths paths

	installer Installer
	stamps    StampStore
	sink      EventSink
	recorder  ReportRecorder
	observer  Observer

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	now   func() time.Time
	newID func() string

	inProgress atomic.Bool

	mu         sync.RWMutex
	state      State
	lastReport *Report
}

// New constructs a Sequencer for cfg. Collaborators not supplied through
// options fall back to a CommandInstaller, a file stamp store and no-op
// sink, recorder and observer.
func New(cfg config.SequenceConfig, opts ...Option) (*Sequencer, error) {
	p, err := resolvePaths(cfg)
	if err != nil {
		return nil, err
	}

	s := &Sequencer{
		cfg:      cfg,
		paths:    p,
		sink:     noopSink{},
		recorder: noopRecorder{},
		observer: noopObserver{},
		stdin:    os.Stdin,
		stdout:   os.Stdout,
		stderr:   os.Stderr,
		now:      time.Now,
		newID:    uuid.NewString,
		state:    StatePending,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.installer == nil {
		s.installer = &CommandInstaller{Stdout: s.stdout, Stderr: s.stderr}
	}
	if s.stamps == nil {
		s.stamps = stamp.NewFileStore(p.cacheDir)
	}
	return s, nil
}

// Workdir returns the resolved working directory.
func (s *Sequencer) Workdir() string { return s.paths.workdir }

// LogDir returns the resolved log directory.
func (s *Sequencer) LogDir() string { return s.paths.logDir }

// State returns the state of the current or most recent sequence.
func (s *Sequencer) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Sequencer) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// LastReport returns the most recent finished build report, or nil.
func (s *Sequencer) LastReport() *Report {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastReport
}

// IsReady returns true if the last build completed with StatusOK.
func (s *Sequencer) IsReady() bool {
	r := s.LastReport()
	return r != nil && r.Status == StatusOK
}

// IsInProgress returns true while a sequence is running.
func (s *Sequencer) IsInProgress() bool {
	return s.inProgress.Load()
}

// Build runs stages 1 to 5. The returned report is always non-nil unless
// err is ErrSequenceInProgress or ErrInvalidTransition. A failed stage is
// returned as a *StageError.
func (s *Sequencer) Build(ctx context.Context) (*Report, error) {
	if !s.inProgress.CompareAndSwap(false, true) {
		return nil, ErrSequenceInProgress
	}
	defer s.inProgress.Store(false)

	return s.build(ctx)
}

// Launch starts the entry point and blocks until it exits, returning the
// exit code bootseq itself should exit with.
func (s *Sequencer) Launch(ctx context.Context) (int, error) {
	if !s.inProgress.CompareAndSwap(false, true) {
		return 1, ErrSequenceInProgress
	}
	defer s.inProgress.Store(false)

	return s.launch(ctx)
}

// Up runs Build and, when it succeeds, Launch. SIGINT or SIGTERM during
// the build cancels it, stopping a running install; once launched, signals
// are forwarded to the entry point instead.
func (s *Sequencer) Up(ctx context.Context) (*Report, int, error) {
	if !s.inProgress.CompareAndSwap(false, true) {
		return nil, 1, ErrSequenceInProgress
	}
	defer s.inProgress.Store(false)

	buildCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	report, err := s.build(buildCtx)
	stop()
	if err != nil {
		return report, 1, err
	}
	code, err := s.launch(ctx)
	return report, code, err
}

type stageFunc func(ctx context.Context, r *Report) (status, detail string, err error)

func (s *Sequencer) build(ctx context.Context) (*Report, error) {
	if st := s.State(); st == StateRunning {
		return nil, fmt.Errorf("%w: cannot build from %s", ErrInvalidTransition, st)
	}

	report := &Report{
		BuildID:   s.newID(),
		Status:    StatusInProgress,
		State:     StatePending,
		Workdir:   s.paths.workdir,
		StartedAt: s.now().UTC(),
	}
	s.setState(StatePending)

	ctx, span := telemetry.Tracer().Start(ctx, "bootseq.sequence",
		trace.WithAttributes(attribute.String("build.id", report.BuildID)))
	defer span.End()

	logger := slog.With("build_id", report.BuildID)
	logger.InfoContext(ctx, "build started", "source", s.paths.source, "workdir", s.paths.workdir)

	// A report from an earlier build must not vouch for this one.
	if err := os.Remove(s.paths.reportFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.WarnContext(ctx, "removing stale build report failed", "error", err)
	}

	steps := []struct {
		name   string
		target State
		fn     stageFunc
	}{
		{StageContext, StateContextEstablished, s.establishContext},
		{StageDependencies, StateDependenciesMaterialized, s.materializeDependencies},
		{StageSource, StateSourceCopied, s.copySource},
		{StageLogSink, StateLogSinkReady, s.prepareLogSink},
		{StagePort, StatePortDeclared, s.declarePort},
	}

	state := StatePending
	var buildErr error
	for _, step := range steps {
		if buildErr != nil {
			report.Stages = append(report.Stages, StageResult{Name: step.name, Status: StatusSkipped})
			continue
		}

		res, err := s.runStage(ctx, logger, report, step.name, step.fn)
		report.Stages = append(report.Stages, res)

		next := step.target
		if err != nil {
			next = StateBuildFailed
			buildErr = &StageError{Stage: step.name, Err: err}
		}
		if state, err = Transition(state, next); err != nil {
			// Only reachable if the stage table and the state machine disagree.
			buildErr = err
			break
		}
		s.setState(state)
		s.emit(ctx, logger, Event{
			BuildID: report.BuildID,
			Stage:   step.name,
			State:   state,
			Status:  res.Status,
			Error:   res.Error,
			At:      s.now().UTC(),
		})
	}

	report.State = state
	report.FinishedAt = s.now().UTC()
	if buildErr != nil {
		report.Status = StatusError
		report.Error = buildErr.Error()
		span.SetStatus(codes.Error, report.Error)
		logger.ErrorContext(ctx, "build failed", "state", state, "error", buildErr)
	} else {
		report.Status = StatusOK
		span.SetStatus(codes.Ok, "")
		logger.InfoContext(ctx, "build completed", "state", state, "cached", report.Cached())
		if err := writeReport(s.paths.reportFile, report); err != nil {
			logger.WarnContext(ctx, "persisting build report failed", "error", err)
		}
	}
	span.SetAttributes(
		attribute.String("build.status", report.Status),
		attribute.String("build.state", string(report.State)),
	)

	s.observer.ObserveBuild(report.Status, report.Cached(), report.FinishedAt)
	if err := s.recorder.Record(ctx, report); err != nil {
		logger.WarnContext(ctx, "recording build report failed", "error", err)
	}

	s.mu.Lock()
	s.lastReport = report
	s.mu.Unlock()

	return report, buildErr
}

// runStage wraps one stage in a span, times it and converts the outcome to a
// StageResult.
func (s *Sequencer) runStage(ctx context.Context, logger *slog.Logger, r *Report, name string, fn stageFunc) (StageResult, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "bootseq.stage."+name)
	defer span.End()

	start := time.Now()
	status, detail, err := fn(ctx, r)
	elapsed := time.Since(start)

	res := StageResult{
		Name:       name,
		Status:     status,
		Detail:     detail,
		DurationMs: elapsed.Milliseconds(),
	}
	if err != nil {
		res.Status = StatusError
		res.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, res.Error)
		logger.WarnContext(ctx, "stage failed", "stage", name, "error", err)
	} else {
		span.SetStatus(codes.Ok, "")
		logger.InfoContext(ctx, "stage complete", "stage", name, "status", status, "duration_ms", res.DurationMs)
	}
	span.SetAttributes(attribute.String("stage.status", res.Status))
	s.observer.ObserveStage(name, res.Status, elapsed)
	return res, err
}

func (s *Sequencer) emit(ctx context.Context, logger *slog.Logger, ev Event) {
	if err := s.sink.Publish(ctx, ev); err != nil {
		logger.WarnContext(ctx, "publishing stage event failed", "stage", ev.Stage, "error", err)
	}
}

func writeReport(path string, r *Report) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// ReadReport loads the report a successful build left in its working
// directory.
func ReadReport(workdir string) (*Report, error) {
	data, err := os.ReadFile(filepath.Join(workdir, ".bootseq", "report.json"))
	if err != nil {
		return nil, err
	}
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decoding build report: %w", err)
	}
	return &r, nil
}
