package api

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Options carries the optional parts of the router.
type Options struct {
	ServiceName string
	Probers     []Prober
	Metrics     http.Handler
	Logger      *slog.Logger
}

// Router wraps a configured Gin engine and exposes it as an http.Handler.
type Router struct {
	engine *gin.Engine
}

// NewRouter constructs a Router with the middleware chain
// (Recovery, Tracing, RequestLogger) and all routes registered.
func NewRouter(builds buildService, opts Options) *Router {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ServiceName == "" {
		opts.ServiceName = "bootseq"
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()

	engine.Use(Recovery(opts.Logger))
	engine.Use(Tracing(opts.ServiceName))
	engine.Use(RequestLogger(opts.Logger))

	h := &Handler{builds: builds, probers: opts.Probers, logger: opts.Logger}

	v1 := engine.Group("/api/v1")
	v1.POST("/builds", h.StartBuild)
	v1.GET("/builds/last", h.LastBuild)

	engine.GET("/health", h.Health)
	engine.GET("/health/deep", h.DeepHealth)
	engine.GET("/ready", h.Ready)

	if opts.Metrics != nil {
		engine.GET("/metrics", gin.WrapH(opts.Metrics))
	}

	return &Router{engine: engine}
}

// Handler returns the underlying http.Handler for use with net/http servers.
func (r *Router) Handler() http.Handler {
	return r.engine
}
