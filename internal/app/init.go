package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nulpointcorp/price-engine/internal/browser"
	pcache "github.com/nulpointcorp/price-engine/internal/cache"
	"github.com/nulpointcorp/price-engine/internal/danawa"
	"github.com/nulpointcorp/price-engine/internal/engine"
	"github.com/nulpointcorp/price-engine/internal/failure"
	"github.com/nulpointcorp/price-engine/internal/fastpath"
	"github.com/nulpointcorp/price-engine/internal/metrics"
	"github.com/nulpointcorp/price-engine/internal/normalize"
	"github.com/nulpointcorp/price-engine/internal/ratelimit"
	"github.com/nulpointcorp/price-engine/internal/server"
	"github.com/nulpointcorp/price-engine/internal/slowpath"
	"github.com/nulpointcorp/price-engine/internal/validate"
)

// initInfra establishes optional external connections.
// Redis is only required when CACHE_MODE=redis; Postgres only when
// DATABASE_URL is set.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Cache.Mode == "redis" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	if a.cfg.Database.URL != "" {
		a.log.Info("connecting to postgres", slog.String("url", redactURL(a.cfg.Database.URL)))

		store, err := failure.Open(ctx, a.cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		a.store = store
		a.log.Info("postgres connected")
	}

	return nil
}

// initRules loads the rule tables shared by the normalizer, the validation
// gate and the HTML parser. An empty ResourcesDir uses the embedded defaults.
func (a *App) initRules(_ context.Context) error {
	rules, err := normalize.LoadRules(a.cfg.ResourcesDir)
	if err != nil {
		return fmt.Errorf("rules: %w", err)
	}
	a.rules = rules
	a.normalizer = normalize.New(rules)
	a.gate = validate.NewGate(rules)
	a.parser = danawa.NewParser(rules, 0)

	src := a.cfg.ResourcesDir
	if src == "" {
		src = "embedded"
	}
	a.log.Info("rules loaded", slog.String("source", src))

	return nil
}

// initCrawlers builds the fast (HTTP) and, when enabled, the slow (browser)
// crawl executors. A browser that fails to launch disables the slow path
// instead of failing startup — the fast path alone is still useful.
func (a *App) initCrawlers(ctx context.Context) error {
	fast, err := fastpath.New(fastpath.Options{
		Parser:         a.parser,
		UserAgent:      a.cfg.Crawler.UserAgent,
		SearchBaseURL:  a.cfg.Crawler.SearchBaseURL,
		ProductBaseURL: a.cfg.Crawler.ProductBaseURL,
	})
	if err != nil {
		return fmt.Errorf("fastpath: %w", err)
	}
	a.fast = fast

	if !a.cfg.Browser.Enabled {
		a.log.Info("slow path disabled by config")
		return nil
	}

	pool, err := browser.NewPool(ctx, browser.Config{
		Browsers:   a.cfg.Browser.PoolSize,
		MaxPages:   a.cfg.Browser.MaxPages,
		ControlURL: a.cfg.Browser.ControlURL,
		UserAgent:  a.cfg.Crawler.UserAgent,
	})
	if err != nil {
		a.log.Warn("browser pool unavailable, slow path disabled",
			slog.String("error", err.Error()))
		return nil
	}
	a.pool = pool

	slow, err := slowpath.New(slowpath.Options{
		Pool:           pool,
		Parser:         a.parser,
		SearchBaseURL:  a.cfg.Crawler.SearchBaseURL,
		ProductBaseURL: a.cfg.Crawler.ProductBaseURL,
	})
	if err != nil {
		return fmt.Errorf("slowpath: %w", err)
	}
	a.slow = slow

	a.log.Info("browser pool ready",
		slog.Int("browsers", a.cfg.Browser.PoolSize),
		slog.Int("max_pages", a.cfg.Browser.MaxPages),
	)

	return nil
}

// initEngine assembles the search pipeline around the configured cache
// backend.
func (a *App) initEngine(ctx context.Context) error {
	var cacheImpl pcache.Cache

	switch a.cfg.Cache.Mode {
	case "redis":
		cacheImpl = pcache.NewRedisCacheFromClient(a.rdb)
		a.log.Info("cache backend: redis")

	case "memory":
		// MemoryCache — zero external dependencies, not shared across replicas.
		a.memCache = pcache.NewMemoryCache(ctx)
		cacheImpl = a.memCache
		a.log.Info("cache backend: memory (in-process)")

	case "none":
		// nil cache — the orchestrator handles nil gracefully (no caching)
		a.log.Info("cache backend: disabled")

	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.Cache.Mode)
	}

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	// Breaker state lives in the same backend as the cache so all replicas
	// skip a blocking origin together. No cache, no breaker.
	var breaker *pcache.Breaker
	if cacheImpl != nil {
		breaker = pcache.NewBreaker(cacheImpl, pcache.BreakerConfig{
			FailThreshold: a.cfg.CircuitBreaker.FailThreshold,
			OpenDuration:  a.cfg.CircuitBreaker.OpenDuration,
		})
	}

	// Cache exclusions.
	var exclusions *pcache.ExclusionList
	if len(a.cfg.Cache.ExcludeExact) > 0 || len(a.cfg.Cache.ExcludePatterns) > 0 {
		el, err := pcache.NewExclusionList(a.cfg.Cache.ExcludeExact, a.cfg.Cache.ExcludePatterns)
		if err != nil {
			return fmt.Errorf("cache exclusions: %w", err)
		}
		exclusions = el
		a.log.Info("cache exclusions loaded", slog.Int("rules", el.Len()))
	}

	// Outbound crawl throttling — only when Redis is available.
	var limiter engine.CrawlGate
	if a.rdb != nil && a.cfg.RateLimit.CrawlsPerMinute > 0 {
		limiter = ratelimit.NewCrawlLimiter(a.rdb, a.cfg.RateLimit.CrawlsPerMinute)
		a.log.Info("crawl rate limiting enabled",
			slog.Int("crawls_per_minute", a.cfg.RateLimit.CrawlsPerMinute))
	}

	// Async failure learning — only when Postgres is configured.
	var sink engine.FailureSink
	if a.store != nil {
		a.recorder = failure.NewRecorder(a.store)
		sink = a.recorder
	}

	var slow engine.Searcher
	if a.slow != nil {
		slow = a.slow
	}

	eng, err := engine.New(engine.Options{
		Normalizer: a.normalizer,
		Gate:       a.gate,
		FastPath:   a.fast,
		SlowPath:   slow,
		Cache:      cacheImpl,
		Breaker:    breaker,
		Exclusions: exclusions,
		Limiter:    limiter,
		Recorder:   sink,
		Metrics:    a.prom,
		Logger:     a.log,
		Budget: engine.BudgetConfig{
			Total:    a.cfg.Budget.Total,
			Cache:    a.cfg.Budget.Cache,
			FastPath: a.cfg.Budget.FastPath,
			SlowPath: a.cfg.Budget.SlowPath,
		},
		PositiveTTL:          a.cfg.Cache.PositiveTTL,
		NegativeTTL:          a.cfg.Cache.NegativeTTL,
		BroadFastPathTimeout: a.cfg.Budget.BroadFastPath,
	})
	if err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}
	a.eng = eng

	return nil
}

// initServer wires the HTTP layer with health probes for every optional
// dependency that is actually configured.
func (a *App) initServer(_ context.Context) error {
	opts := server.Options{
		Engine:      a.eng,
		Metrics:     a.prom,
		Logger:      a.log,
		CORSOrigins: a.cfg.CORSOrigins,
		Version:     a.version,
	}

	if a.rdb != nil {
		opts.RedisReady = redisPinger(a.baseCtx, a.rdb)
	}
	if a.store != nil {
		opts.Store = a.store
		opts.DatabaseReady = storePinger(a.baseCtx, a.store)
	}
	if a.pool != nil {
		opts.BrowserReady = a.pool.Ready
	}

	srv, err := server.New(a.baseCtx, opts)
	if err != nil {
		return fmt.Errorf("server: %w", err)
	}
	a.srv = srv

	return nil
}
