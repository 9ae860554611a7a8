// Package browser owns the warm headless-browser pool used by the slow
// path. Pages are single-use: a lease hands out a fresh page and Release
// always destroys it, so one crawl can never poison the next.
package browser

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/ysmood/gson"
	"golang.org/x/sync/semaphore"
)

// Config sizes the pool. Zero values fall back to the defaults via the
// accessor methods.
type Config struct {
	// Browsers is how many warm browser processes to keep.
	Browsers int
	// MaxPages caps concurrent pages across all browsers.
	MaxPages int
	// ControlURL connects to an external browser over CDP instead of
	// launching one. Used in container deployments with a browser sidecar.
	ControlURL string
	// UserAgent is applied to every leased page.
	UserAgent string
	// Referer is sent with every navigation so the origin sees organic
	// traffic.
	Referer string
}

func (c Config) browsers() int {
	if c.Browsers <= 0 {
		return 1
	}
	return c.Browsers
}

func (c Config) maxPages() int {
	if c.MaxPages <= 0 {
		return 2
	}
	return c.MaxPages
}

// Pool keeps warm browsers and bounds page concurrency with a semaphore.
// Lease blocks (up to the caller's deadline) when all page slots are busy.
type Pool struct {
	cfg      Config
	browsers []*rod.Browser
	sem      *semaphore.Weighted
	inUse    atomic.Int64

	// injectable for tests; production wiring opens real rod pages.
	openPage  func(ctx context.Context) (*rod.Page, error)
	closePage func(p *rod.Page) error

	mu     sync.Mutex
	next   int
	closed bool
}

// NewPool launches (or connects to) the configured browsers. It fails fast
// when no browser can be reached: the caller decides whether to run with
// the slow path disabled.
func NewPool(ctx context.Context, cfg Config) (*Pool, error) {
	p := &Pool{
		cfg: cfg,
		sem: semaphore.NewWeighted(int64(cfg.maxPages())),
	}
	p.openPage = p.openRodPage
	p.closePage = func(pg *rod.Page) error { return pg.Close() }

	for i := 0; i < cfg.browsers(); i++ {
		b, err := connect(ctx, cfg)
		if err != nil {
			_ = p.Shutdown(ctx)
			return nil, fmt.Errorf("browser: start browser %d: %w", i, err)
		}
		p.browsers = append(p.browsers, b)
	}
	return p, nil
}

func connect(ctx context.Context, cfg Config) (*rod.Browser, error) {
	controlURL := cfg.ControlURL
	if controlURL == "" {
		l := launcher.New().
			Headless(true).
			NoSandbox(true).
			Set("disable-dev-shm-usage").
			Set("disable-gpu").
			Set("lang", "ko-KR")
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("launch: %w", err)
		}
		controlURL = u
	}

	b := rod.New().ControlURL(controlURL).Context(ctx)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	return b, nil
}

// Lease acquires a page slot and opens a fresh page. It blocks until a slot
// frees up or ctx expires.
func (p *Pool) Lease(ctx context.Context) (*Lease, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("browser: pool is shut down")
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("browser: acquire page slot: %w", err)
	}

	page, err := p.openPage(ctx)
	if err != nil {
		p.sem.Release(1)
		return nil, fmt.Errorf("browser: open page: %w", err)
	}

	p.inUse.Add(1)
	return &Lease{pool: p, page: page}, nil
}

// openRodPage creates a page on the next browser round-robin and applies the
// identity headers.
func (p *Pool) openRodPage(ctx context.Context) (*rod.Page, error) {
	p.mu.Lock()
	if p.closed || len(p.browsers) == 0 {
		p.mu.Unlock()
		return nil, fmt.Errorf("pool is shut down")
	}
	b := p.browsers[p.next%len(p.browsers)]
	p.next++
	p.mu.Unlock()

	page, err := b.Page(proto.TargetCreateTarget{})
	if err != nil {
		return nil, err
	}

	headers := map[string]string{"Accept-Language": "ko-KR,ko;q=0.9,en;q=0.6"}
	if p.cfg.Referer != "" {
		headers["Referer"] = p.cfg.Referer
	}
	if err := (proto.NetworkSetExtraHTTPHeaders{Headers: toHeaders(headers)}).Call(page); err != nil {
		slog.Warn("browser_set_headers_failed", slog.String("error", err.Error()))
	}
	if p.cfg.UserAgent != "" {
		if err := (proto.NetworkSetUserAgentOverride{UserAgent: p.cfg.UserAgent}).Call(page); err != nil {
			slog.Warn("browser_set_user_agent_failed", slog.String("error", err.Error()))
		}
	}
	return page, nil
}

func toHeaders(m map[string]string) proto.NetworkHeaders {
	h := make(proto.NetworkHeaders, len(m))
	for k, v := range m {
		h[k] = gson.New(v)
	}
	return h
}

// InUse reports how many pages are currently leased.
func (p *Pool) InUse() int64 { return p.inUse.Load() }

// Ready reports whether the pool has live browsers to lease from.
func (p *Pool) Ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed && len(p.browsers) > 0
}

// Shutdown waits for leases to drain (bounded by ctx) and closes every
// browser. Further leases fail.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	browsers := p.browsers
	p.browsers = nil
	p.mu.Unlock()

	// Draining grabs every page slot, so it completes only when all leases
	// are released or ctx gives up.
	if err := p.sem.Acquire(ctx, int64(p.cfg.maxPages())); err == nil {
		p.sem.Release(int64(p.cfg.maxPages()))
	} else {
		slog.Warn("browser_pool_drain_timeout", slog.String("error", err.Error()))
	}

	var firstErr error
	for _, b := range browsers {
		if err := b.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Lease is one checked-out page. Exactly one Release per lease; it is
// idempotent so deferred and explicit releases do not double-free the slot.
type Lease struct {
	pool     *Pool
	page     *rod.Page
	released sync.Once
}

// Page returns the leased page.
func (l *Lease) Page() *rod.Page { return l.page }

// Release returns the page slot. ok=false marks the page as crashed or
// poisoned; either way the page is destroyed, the flag only drives logging
// and metrics.
func (l *Lease) Release(ok bool) {
	l.released.Do(func() {
		if err := l.pool.closePage(l.page); err != nil && ok {
			slog.Debug("browser_page_close_failed", slog.String("error", err.Error()))
		}
		l.pool.inUse.Add(-1)
		l.pool.sem.Release(1)
	})
}
