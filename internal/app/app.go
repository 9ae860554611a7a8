// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra    — external connections (Redis, Postgres when configured)
//  2. initRules    — normalization rules, validation gate, HTML parser
//  3. initCrawlers — browser pool, fast/slow crawl executors
//  4. initEngine   — cache, breaker, limiter, recorder, orchestrator
//  5. initServer   — HTTP routes and health probes
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/price-engine/internal/browser"
	pcache "github.com/nulpointcorp/price-engine/internal/cache"
	"github.com/nulpointcorp/price-engine/internal/config"
	"github.com/nulpointcorp/price-engine/internal/danawa"
	"github.com/nulpointcorp/price-engine/internal/engine"
	"github.com/nulpointcorp/price-engine/internal/failure"
	"github.com/nulpointcorp/price-engine/internal/fastpath"
	"github.com/nulpointcorp/price-engine/internal/metrics"
	"github.com/nulpointcorp/price-engine/internal/normalize"
	"github.com/nulpointcorp/price-engine/internal/server"
	"github.com/nulpointcorp/price-engine/internal/slowpath"
	"github.com/nulpointcorp/price-engine/internal/validate"
)

// How often browser-pool and failure-queue gauges are refreshed.
const gaugeInterval = 10 * time.Second

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections — nil when not configured.
	rdb   *redis.Client
	store *failure.Store

	rules      *normalize.Rules
	normalizer *normalize.Normalizer
	gate       *validate.Gate
	parser     *danawa.Parser

	pool *browser.Pool
	fast *fastpath.Executor
	slow *slowpath.Executor

	memCache *pcache.MemoryCache
	recorder *failure.Recorder

	prom *metrics.Registry

	eng *engine.Orchestrator
	srv *server.Server
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"rules", a.initRules},
		{"crawlers", a.initCrawlers},
		{"engine", a.initEngine},
		{"server", a.initServer},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting engine",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("cache_mode", a.cfg.Cache.Mode),
		slog.Bool("slowpath", a.slow != nil),
		slog.Bool("failure_store", a.store != nil),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.srv.Start(addr)
	})

	g.Go(func() error {
		a.pollGauges(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.Close()
		return nil
	})

	return g.Wait()
}

// pollGauges keeps the browser-pool and failure-queue gauges fresh.
func (a *App) pollGauges(ctx context.Context) {
	ticker := time.NewTicker(gaugeInterval)
	defer ticker.Stop()

	var lastDropped int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if a.pool != nil {
				a.prom.SetBrowserPool(a.pool.InUse(), a.pool.Ready())
			}
			if a.recorder != nil {
				a.prom.SetFailureQueue(a.recorder.Depth())
				if d := a.recorder.Dropped(); d > lastDropped {
					a.prom.AddFailureDropped(d - lastDropped)
					lastDropped = d
				}
			}
		}
	}
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times and from multiple goroutines.
func (a *App) Close() {
	if a.srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := a.srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server shutdown error", slog.String("error", err.Error()))
		}
		cancel()
		a.srv = nil
	}
	if a.recorder != nil {
		if err := a.recorder.Close(); err != nil {
			a.log.Error("recorder close error", slog.String("error", err.Error()))
		}
		a.recorder = nil
	}
	if a.pool != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := a.pool.Shutdown(shutdownCtx); err != nil {
			a.log.Error("browser pool shutdown error", slog.String("error", err.Error()))
		}
		cancel()
		a.pool = nil
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Error("store close error", slog.String("error", err.Error()))
		}
		a.store = nil
	}
	if a.memCache != nil {
		a.memCache.Close()
		a.memCache = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}

// ── Private helpers ──────────────────────────────────────────────────────────

// connectRedis parses the URL and verifies connectivity with a PING.
// Returns an error — callers decide whether to fatal or degrade.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// redisPinger returns a zero-argument probe function suitable for the
// HealthChecker. Reuses the existing client — no new connections.
func redisPinger(ctx context.Context, rdb *redis.Client) func() bool {
	return func() bool {
		pingCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		return rdb.Ping(pingCtx).Err() == nil
	}
}

// storePinger probes the failure store the same way.
func storePinger(ctx context.Context, store *failure.Store) func() bool {
	return func() bool {
		pingCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		return store.Ping(pingCtx) == nil
	}
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
