package main

import (
	"context"
	"log/slog"
	"time"

	"arc-framework/bootseq/internal/api"
	"arc-framework/bootseq/internal/clients"
	"arc-framework/bootseq/internal/config"
	"arc-framework/bootseq/internal/metrics"
	"arc-framework/bootseq/internal/sequencer"
	"arc-framework/bootseq/internal/telemetry"
)

// AppContext holds all constructed application dependencies shared across
// subcommands. It is built once in PersistentPreRunE.
type AppContext struct {
	cfg          *config.Config
	otelProvider *telemetry.Provider
	collector    *metrics.Collector
	sequencer    *sequencer.Sequencer
	probers      []api.Prober
	closers      []func()
	closed       bool
}

// buildAppContext constructs all application dependencies from cfg:
//  1. Initialises the OTEL provider (best-effort, non-fatal)
//  2. Creates a client with its own circuit breaker per configured backend
//  3. Creates the metrics collector
//  4. Creates the sequencer with every collaborator attached
func buildAppContext(ctx context.Context, cfg *config.Config) (*AppContext, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	app := &AppContext{cfg: cfg}

	// A missing collector must never block a build. With no endpoint
	// telemetry is disabled entirely.
	if cfg.Telemetry.OTLPEndpoint == "" {
		slog.Debug("OTEL telemetry disabled (no endpoint configured)")
	} else {
		tp, err := telemetry.InitProvider(ctx, telemetry.ExportOptions{
			Endpoint:    cfg.Telemetry.OTLPEndpoint,
			Insecure:    cfg.Telemetry.OTLPInsecure,
			ServiceName: cfg.Telemetry.ServiceName,
		})
		if err != nil {
			slog.Warn("OTEL provider init failed, telemetry disabled", "err", err)
		} else {
			app.otelProvider = tp
		}
	}

	app.collector = metrics.NewCollector(cfg.Telemetry.ServiceName)
	opts := []sequencer.Option{sequencer.WithObserver(app.collector)}

	// One circuit breaker per client so each backend trips independently.
	if b := cfg.Backends.Redis; b.Enabled() {
		store := clients.NewRedisStampStore(b, clients.NewCircuitBreaker("redis"))
		opts = append(opts, sequencer.WithStampStore(store))
		app.probers = append(app.probers, store)
		app.closers = append(app.closers, func() {
			if err := store.Close(); err != nil {
				slog.Warn("closing redis client", "err", err)
			}
		})
	}
	if b := cfg.Backends.NATS; b.Enabled() {
		sink := clients.NewNATSEventSink(b, clients.NewCircuitBreaker("nats"))
		opts = append(opts, sequencer.WithEventSink(sink))
		app.probers = append(app.probers, sink)
		app.closers = append(app.closers, sink.Close)
	}
	if b := cfg.Backends.Postgres; b.Enabled() {
		rec := clients.NewPostgresRecorder(b, clients.NewCircuitBreaker("postgres"))
		opts = append(opts, sequencer.WithRecorder(rec))
		app.probers = append(app.probers, rec)
		app.closers = append(app.closers, rec.Close)
	}

	seq, err := sequencer.New(cfg.Sequence, opts...)
	if err != nil {
		return nil, err
	}
	app.sequencer = seq

	return app, nil
}

// Close releases backend connections and flushes telemetry. It is safe to
// call more than once.
func (a *AppContext) Close(ctx context.Context) {
	if a == nil || a.closed {
		return
	}
	a.closed = true

	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}

	if a.otelProvider != nil {
		if ctx == nil {
			ctx = context.Background()
		}
		shutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := a.otelProvider.Shutdown(shutCtx); err != nil {
			slog.Warn("OTEL shutdown error", "err", err)
		}
	}
}
