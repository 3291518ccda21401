package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"arc-framework/bootseq/internal/sequencer"
)

// buildService is the subset of *sequencer.Sequencer used by the HTTP
// handlers. Declaring it as an interface allows test doubles to be injected.
type buildService interface {
	Build(ctx context.Context) (*sequencer.Report, error)
	LastReport() *sequencer.Report
	IsReady() bool
	IsInProgress() bool
}

// Prober is implemented by every optional backend client.
type Prober interface {
	Probe(ctx context.Context) sequencer.ProbeResult
}

// Handler holds the dependencies shared across all HTTP handlers.
type Handler struct {
	builds  buildService
	probers []Prober
	logger  *slog.Logger
}

// StartBuild handles POST /api/v1/builds.
// It returns 202 immediately when a new build is started, or 409 if one is
// already in progress. The build itself runs in a background goroutine.
func (h *Handler) StartBuild(c *gin.Context) {
	if h.builds.IsInProgress() {
		c.JSON(http.StatusConflict, gin.H{"status": sequencer.StatusInProgress})
		return
	}
	go func() {
		r, err := h.builds.Build(context.Background()) //nolint:contextcheck
		switch {
		case errors.Is(err, sequencer.ErrSequenceInProgress):
			h.logger.Warn("build request raced with a running build")
		case err != nil:
			h.logger.Error("background build failed", "err", err)
		default:
			h.logger.Info("background build finished", "build_id", r.BuildID, "status", r.Status)
		}
	}()
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

// LastBuild handles GET /api/v1/builds/last.
func (h *Handler) LastBuild(c *gin.Context) {
	r := h.builds.LastReport()
	if r == nil {
		c.JSON(http.StatusNotFound, gin.H{"status": "none", "error": "no build has run"})
		return
	}
	c.JSON(http.StatusOK, r)
}

// Health handles GET /health. It always returns 200.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"mode":   "shallow",
	})
}

// DeepHealth handles GET /health/deep.
// It probes every configured backend and returns 200 only when all are OK.
// With no backends configured it reports healthy.
func (h *Handler) DeepHealth(c *gin.Context) {
	probes := make(map[string]sequencer.ProbeResult, len(h.probers))
	allOK := true
	for _, p := range h.probers {
		res := p.Probe(c.Request.Context())
		probes[res.Name] = res
		if !res.OK {
			allOK = false
		}
	}

	status := "healthy"
	code := http.StatusOK
	if !allOK {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, gin.H{
		"status":       status,
		"dependencies": probes,
	})
}

// Ready handles GET /ready.
// It returns 200 only once the last build reached the port-declared state.
func (h *Handler) Ready(c *gin.Context) {
	if h.builds.IsReady() {
		c.JSON(http.StatusOK, gin.H{"ready": true})
		return
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false})
}
