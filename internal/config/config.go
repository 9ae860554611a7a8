// Package config loads and validates all runtime configuration for the engine.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example SEARCH_TOTAL_BUDGET_MS becomes
// search_total_budget_ms in YAML.
//
// The engine starts with no external dependencies at all: set
// CACHE_MODE=memory and leave DATABASE_URL empty to run a single instance
// with in-process state only.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Environment is the deployment environment label: "development",
	// "staging" or "production". Default: development.
	Environment string

	// Port is the TCP port the HTTP server listens on. Default: 8000.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// Redis holds the connection URL for the shared cache, breaker state and
	// crawl rate limiter. Required only when CacheMode is "redis".
	Redis RedisConfig

	// Database holds the Postgres URL for the failure-learning store.
	// Leave empty to disable failure persistence and the analytics API.
	Database DatabaseConfig

	// Cache controls caching behaviour.
	Cache CacheConfig

	// Budget controls the per-request wall-clock allowances.
	Budget BudgetConfig

	// Crawler controls how the engine talks to the aggregator.
	Crawler CrawlerConfig

	// Browser controls the headless browser pool behind the slow path.
	Browser BrowserConfig

	// CircuitBreaker controls the shared per-origin breaker thresholds.
	CircuitBreaker CircuitBreakerConfig

	// RateLimit caps outbound crawls per origin per minute. 0 disables.
	RateLimit RateLimitConfig

	// ResourcesDir overrides the rule files (hard mappings, synonyms,
	// categories, brands). Empty uses the embedded defaults.
	ResourcesDir string

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// DatabaseConfig holds the relational store configuration.
type DatabaseConfig struct {
	// URL is a postgres:// connection string.
	URL string
}

// CacheConfig controls the result cache.
type CacheConfig struct {
	// Mode selects the cache backend:
	//   "redis"  — Redis-backed cache (requires REDIS_URL). Recommended for production.
	//   "memory" — In-process TTL cache. No external deps; not shared across replicas.
	//   "none"   — Cache disabled entirely.
	// Default: "memory".
	Mode string

	// PositiveTTL is the lifetime of found-price entries. Default: 6h.
	PositiveTTL time.Duration

	// NegativeTTL is the lifetime of confirmed-absent entries. Default: 60s.
	NegativeTTL time.Duration

	// ExcludeExact is a list of exact normalized queries that must never be
	// cached. Example: ["갤럭시 s24 울트라"]
	ExcludeExact []string

	// ExcludePatterns is a list of Go regular expressions matched against
	// normalized queries. Matching queries bypass the cache.
	ExcludePatterns []string
}

// BudgetConfig controls the per-request time budget. All values are
// durations; the stage allowances must fit inside Total.
type BudgetConfig struct {
	// Total is the hard wall-clock limit per search. Default: 12s.
	Total time.Duration
	// Cache, FastPath and SlowPath are the stage allowances.
	// Defaults: 500ms / 4s / 6.5s.
	Cache    time.Duration
	FastPath time.Duration
	SlowPath time.Duration
	// BroadFastPath replaces the fast-path allowance for broad queries,
	// which skip the browser entirely. Default: 10s.
	BroadFastPath time.Duration
}

// CrawlerConfig controls outbound crawl behaviour.
type CrawlerConfig struct {
	// UserAgent overrides the default desktop Chrome user agent.
	UserAgent string
	// SearchBaseURL and ProductBaseURL override the aggregator endpoints,
	// used by integration setups pointing at a stub.
	SearchBaseURL  string
	ProductBaseURL string
}

// BrowserConfig controls the slow-path browser pool.
type BrowserConfig struct {
	// Enabled toggles the slow path. Default: true.
	Enabled bool
	// PoolSize is how many browser processes to keep warm. Default: 1.
	PoolSize int
	// MaxPages caps concurrently open pages across the pool. Default: 2.
	MaxPages int
	// ControlURL attaches to an existing browser instead of launching one.
	ControlURL string
}

// CircuitBreakerConfig controls the shared per-origin circuit breaker.
type CircuitBreakerConfig struct {
	// FailThreshold is the number of consecutive blocked/timeout outcomes
	// that open the breaker. Default: 3.
	FailThreshold int

	// OpenDuration is how long the fast path stays skipped once open.
	// Default: 60s.
	OpenDuration time.Duration
}

// RateLimitConfig controls outbound crawl throttling.
type RateLimitConfig struct {
	// CrawlsPerMinute is the per-origin ceiling shared across replicas.
	// 0 disables throttling. Default: 0.
	CrawlsPerMinute int
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
//
// REDIS_URL is only required when CACHE_MODE=redis.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("ENVIRONMENT", "development")
	v.SetDefault("PORT", 8000)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CACHE_MODE", "memory")
	v.SetDefault("CACHE_POSITIVE_TTL", "6h")
	v.SetDefault("CACHE_NEGATIVE_TTL", "60s")
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	// Budget defaults.
	v.SetDefault("SEARCH_TOTAL_BUDGET_MS", 12_000)
	v.SetDefault("SEARCH_CACHE_BUDGET_MS", 500)
	v.SetDefault("SEARCH_FASTPATH_BUDGET_MS", 4_000)
	v.SetDefault("SEARCH_SLOWPATH_BUDGET_MS", 6_500)
	v.SetDefault("BROAD_FASTPATH_TIMEOUT_MS", 10_000)

	// Browser pool defaults.
	v.SetDefault("FEATURES_SLOWPATH_ENABLED", true)
	v.SetDefault("BROWSER_POOL_SIZE", 1)
	v.SetDefault("BROWSER_MAX_PAGES", 2)

	// Circuit breaker defaults.
	v.SetDefault("CB_FAIL_THRESHOLD", 3)
	v.SetDefault("CB_OPEN_DURATION", "60s")

	// Crawl rate limit: 0 = disabled.
	v.SetDefault("CRAWLS_PER_MINUTE", 0)

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Environment: strings.ToLower(v.GetString("ENVIRONMENT")),
		Port:        v.GetInt("PORT"),
		LogLevel:    strings.ToLower(v.GetString("LOG_LEVEL")),

		Redis:    RedisConfig{URL: v.GetString("REDIS_URL")},
		Database: DatabaseConfig{URL: v.GetString("DATABASE_URL")},

		Cache: CacheConfig{
			Mode:            strings.ToLower(v.GetString("CACHE_MODE")),
			PositiveTTL:     v.GetDuration("CACHE_POSITIVE_TTL"),
			NegativeTTL:     v.GetDuration("CACHE_NEGATIVE_TTL"),
			ExcludeExact:    v.GetStringSlice("CACHE_EXCLUDE_EXACT"),
			ExcludePatterns: v.GetStringSlice("CACHE_EXCLUDE_PATTERNS"),
		},

		Budget: BudgetConfig{
			Total:         time.Duration(v.GetInt("SEARCH_TOTAL_BUDGET_MS")) * time.Millisecond,
			Cache:         time.Duration(v.GetInt("SEARCH_CACHE_BUDGET_MS")) * time.Millisecond,
			FastPath:      time.Duration(v.GetInt("SEARCH_FASTPATH_BUDGET_MS")) * time.Millisecond,
			SlowPath:      time.Duration(v.GetInt("SEARCH_SLOWPATH_BUDGET_MS")) * time.Millisecond,
			BroadFastPath: time.Duration(v.GetInt("BROAD_FASTPATH_TIMEOUT_MS")) * time.Millisecond,
		},

		Crawler: CrawlerConfig{
			UserAgent:      v.GetString("CRAWLER_USER_AGENT"),
			SearchBaseURL:  v.GetString("AGGREGATOR_SEARCH_BASE_URL"),
			ProductBaseURL: v.GetString("AGGREGATOR_PRODUCT_BASE_URL"),
		},

		Browser: BrowserConfig{
			Enabled:    v.GetBool("FEATURES_SLOWPATH_ENABLED"),
			PoolSize:   v.GetInt("BROWSER_POOL_SIZE"),
			MaxPages:   v.GetInt("BROWSER_MAX_PAGES"),
			ControlURL: v.GetString("BROWSER_CONTROL_URL"),
		},

		CircuitBreaker: CircuitBreakerConfig{
			FailThreshold: v.GetInt("CB_FAIL_THRESHOLD"),
			OpenDuration:  v.GetDuration("CB_OPEN_DURATION"),
		},

		RateLimit: RateLimitConfig{
			CrawlsPerMinute: v.GetInt("CRAWLS_PER_MINUTE"),
		},

		ResourcesDir: v.GetString("RESOURCES_DIR"),
		CORSOrigins:  v.GetStringSlice("CORS_ORIGINS"),
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	// Redis URL is required when cache mode is "redis".
	if c.Cache.Mode == "redis" && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when CACHE_MODE=redis; " +
				"set CACHE_MODE=memory to use the built-in in-process cache",
		)
	}

	// Validate cache mode value.
	switch c.Cache.Mode {
	case "redis", "memory", "none":
	default:
		return fmt.Errorf(
			"config: invalid CACHE_MODE %q; must be one of: redis, memory, none",
			c.Cache.Mode,
		)
	}

	// Validate log level.
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	// Budget sanity checks.
	if c.Budget.Total <= 0 {
		return fmt.Errorf("config: SEARCH_TOTAL_BUDGET_MS must be positive")
	}
	if sum := c.Budget.Cache + c.Budget.FastPath + c.Budget.SlowPath; sum > c.Budget.Total {
		return fmt.Errorf(
			"config: stage budgets sum to %v, which exceeds the total budget %v",
			sum, c.Budget.Total,
		)
	}

	// Circuit breaker sanity checks.
	if c.CircuitBreaker.FailThreshold < 1 {
		return fmt.Errorf("config: CB_FAIL_THRESHOLD must be ≥ 1, got %d", c.CircuitBreaker.FailThreshold)
	}
	if c.CircuitBreaker.OpenDuration <= 0 {
		return fmt.Errorf("config: CB_OPEN_DURATION must be a positive duration")
	}

	// Browser pool sanity checks.
	if c.Browser.Enabled {
		if c.Browser.PoolSize < 1 {
			return fmt.Errorf("config: BROWSER_POOL_SIZE must be ≥ 1, got %d", c.Browser.PoolSize)
		}
		if c.Browser.MaxPages < 1 {
			return fmt.Errorf("config: BROWSER_MAX_PAGES must be ≥ 1, got %d", c.Browser.MaxPages)
		}
	}

	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
