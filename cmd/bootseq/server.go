package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"arc-framework/bootseq/internal/api"
)

var serverBuildOnStart bool

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the bootseq build service",
	Long: `Start the build service HTTP server on the configured port (default :8081).

The server triggers builds through POST /api/v1/builds and reports on them
through /api/v1/builds/last, /ready, /health/deep and /metrics. It never
launches the entry point. It shuts down cleanly on SIGTERM or SIGINT.`,
	RunE: runServer,
}

func init() {
	serverCmd.Flags().BoolVar(&serverBuildOnStart, "build", false, "start a build as soon as the server is listening")
}

func runServer(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	router := api.NewRouter(app.sequencer, api.Options{
		ServiceName: cfg.Telemetry.ServiceName,
		Probers:     app.probers,
		Metrics:     app.collector.Handler(),
		Logger:      slog.Default(),
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("bootseq server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	if serverBuildOnStart {
		go func() {
			if _, err := app.sequencer.Build(ctx); err != nil {
				slog.Error("startup build failed", "err", err)
			}
		}()
	}

	select {
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	slog.Info("server stopped cleanly")
	return nil
}
