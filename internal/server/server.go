// Package server is the HTTP surface of the engine: the search endpoint,
// the health and analytics APIs, and the middleware chain around them.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/price-engine/internal/engine"
	"github.com/nulpointcorp/price-engine/internal/failure"
	"github.com/nulpointcorp/price-engine/internal/metrics"
)

// SearchEngine is the pipeline the search handler drives.
// *engine.Orchestrator satisfies it.
type SearchEngine interface {
	Search(ctx context.Context, q engine.Query) (engine.Result, error)
}

// AnalyticsStore is the failure-store slice the analytics handlers need.
// *failure.Store satisfies it.
type AnalyticsStore interface {
	Stats(ctx context.Context, window time.Duration) (failure.Stats, error)
	Common(ctx context.Context, limit int) ([]failure.CommonFailure, error)
	Recent(ctx context.Context, limit int) ([]failure.Record, error)
	Export(ctx context.Context, window time.Duration) ([]failure.Record, error)
	MarkResolved(ctx context.Context, id int64, status string, correctName, correctProductID *string) error
}

// Options configures a Server. Engine is required; the rest is optional and
// nil-safe.
type Options struct {
	Engine SearchEngine

	// Store backs the analytics endpoints. When nil they return 503.
	Store AnalyticsStore

	// Health probes. nil probe means "not configured" → reported ok.
	RedisReady    func() bool
	DatabaseReady func() bool
	BrowserReady  func() bool

	Metrics *metrics.Registry
	Logger  *slog.Logger

	// CORSOrigins is the allowlist; empty means "*".
	CORSOrigins []string

	Version string
}

// Server holds the handlers and their dependencies.
type Server struct {
	engine  SearchEngine
	store   AnalyticsStore
	health  *HealthChecker
	metrics *metrics.Registry
	log     *slog.Logger

	corsOrigins []string
	version     string

	srv *fasthttp.Server
}

func New(baseCtx context.Context, opts Options) (*Server, error) {
	if opts.Engine == nil {
		return nil, fmt.Errorf("server: engine is required")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	version := opts.Version
	if version == "" {
		version = "dev"
	}
	s := &Server{
		engine:      opts.Engine,
		store:       opts.Store,
		metrics:     opts.Metrics,
		log:         log,
		corsOrigins: opts.CORSOrigins,
		version:     version,
	}
	s.health = NewHealthChecker(baseCtx, Probes{
		Redis:    opts.RedisReady,
		Database: opts.DatabaseReady,
		Browser:  opts.BrowserReady,
	})
	return s, nil
}

// Handler builds the full route table wrapped in the middleware chain.
func (s *Server) Handler() fasthttp.RequestHandler {
	r := router.New()

	r.POST("/api/v1/price/search", s.handleSearch)
	r.GET("/api/v1/health", s.handleHealth)

	r.GET("/api/v1/analytics/dashboard", s.handleDashboard)
	r.GET("/api/v1/analytics/common-failures", s.handleCommonFailures)
	r.GET("/api/v1/analytics/improvements", s.handleImprovements)
	r.GET("/api/v1/analytics/export", s.handleExport)
	r.POST("/api/v1/analytics/resolve/{id}", s.handleResolve)

	if s.metrics != nil {
		r.GET("/metrics", s.metrics.Handler())
	}

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		s.observe,
		corsHandler(s.corsOrigins),
		securityHeaders,
	)
}

// Start serves on addr (e.g. ":8000") until Shutdown.
func (s *Server) Start(addr string) error {
	s.srv = &fasthttp.Server{
		Handler: s.Handler(),
		// Read/write generously above the search budget so slow clients do
		// not get cut off mid-response.
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s.srv.ListenAndServe(addr)
}

// Shutdown stops the listener and the health probes.
func (s *Server) Shutdown(ctx context.Context) error {
	s.health.Close()
	if s.srv == nil {
		return nil
	}
	return s.srv.ShutdownWithContext(ctx)
}
