// Package fastpath crawls the aggregator over plain HTTP: list page to
// product code, detail page to offers. No JavaScript, no browser — this
// path answers most queries in well under a second and fails fast when the
// origin wants a real browser.
package fastpath

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/price-engine/internal/danawa"
	"github.com/nulpointcorp/price-engine/internal/engine"
)

const defaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"

// Fraction of the stage deadline spent on the list page; the rest goes to
// the detail page, which tends to be heavier.
const searchShare = 0.6

// Options configures the Executor. Nil/zero fields get defaults.
type Options struct {
	Parser    *danawa.Parser
	UserAgent string
	// SearchBaseURL and ProductBaseURL override the aggregator endpoints,
	// used when crawling through a mirror or a test server.
	SearchBaseURL  string
	ProductBaseURL string
	// Client overrides the HTTP client, used by tests.
	Client *fasthttp.Client
}

// Executor is the HTTP crawl path.
type Executor struct {
	parser      *danawa.Parser
	userAgent   string
	searchBase  string
	productBase string
	client      *fasthttp.Client
}

func New(opts Options) (*Executor, error) {
	if opts.Parser == nil {
		return nil, fmt.Errorf("fastpath: parser is required")
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	cli := opts.Client
	if cli == nil {
		cli = &fasthttp.Client{
			MaxConnsPerHost:     64,
			ReadBufferSize:      64 * 1024,
			MaxResponseBodySize: 8 * 1024 * 1024,
		}
	}
	return &Executor{
		parser:      opts.Parser,
		userAgent:   ua,
		searchBase:  opts.SearchBaseURL,
		productBase: opts.ProductBaseURL,
		client:      cli,
	}, nil
}

func (e *Executor) searchURL(query string) string {
	if e.searchBase != "" {
		return danawa.SearchURLAt(e.searchBase, query)
	}
	return danawa.SearchURL(query)
}

func (e *Executor) productURL(pcode, query string) string {
	if e.productBase != "" {
		return danawa.ProductURLAt(e.productBase, pcode, query)
	}
	return danawa.ProductURL(pcode, query)
}

// Search runs list page → best product code → detail page under the ctx
// deadline.
func (e *Executor) Search(ctx context.Context, query string) (engine.Finding, error) {
	searchCtx, cancel := splitDeadline(ctx, searchShare)
	defer cancel()

	html, err := e.fetch(searchCtx, e.searchURL(query))
	if err != nil {
		return engine.Finding{}, err
	}

	if danawa.IsNoResults(html) {
		return engine.Finding{}, fmt.Errorf("%w: %q", engine.ErrProductNotFound, query)
	}

	doc, err := danawa.Document(html)
	if err != nil {
		return engine.Finding{}, fmt.Errorf("%w: %v", engine.ErrParse, err)
	}
	if !danawa.HasSearchFingerprint(doc) {
		return engine.Finding{}, fmt.Errorf("%w: search page fingerprint missing", engine.ErrParse)
	}

	pcodes := e.parser.SearchCandidates(doc, query)
	if len(pcodes) == 0 {
		return engine.Finding{}, fmt.Errorf("%w: %q matched no listings", engine.ErrProductNotFound, query)
	}

	return e.SearchByCode(ctx, pcodes[0], query)
}

// SearchByCode fetches and parses the detail page for a known product code.
func (e *Executor) SearchByCode(ctx context.Context, productCode, query string) (engine.Finding, error) {
	productURL := e.productURL(productCode, query)

	html, err := e.fetch(ctx, productURL)
	if err != nil {
		return engine.Finding{}, err
	}

	doc, err := danawa.Document(html)
	if err != nil {
		return engine.Finding{}, fmt.Errorf("%w: %v", engine.ErrParse, err)
	}
	if !danawa.HasProductFingerprint(doc) {
		return engine.Finding{}, fmt.Errorf("%w: product page fingerprint missing for pcode=%s", engine.ErrParse, productCode)
	}

	name, offers, err := e.parser.ProductOffers(doc, query, productURL)
	if err != nil {
		return engine.Finding{}, err
	}

	return engine.Finding{ProductID: productCode, ProductName: name, Offers: offers}, nil
}

// fetch GETs url under the ctx deadline and returns validated HTML.
func (e *Executor) fetch(ctx context.Context, url string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", engine.ErrTimeout, err)
	}
	deadline, hasDeadline := ctx.Deadline()
	if !hasDeadline {
		deadline = time.Now().Add(4 * time.Second)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(url)
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.SetUserAgent(e.userAgent)
	req.Header.Set(fasthttp.HeaderAcceptLanguage, "ko-KR,ko;q=0.9,en;q=0.6")
	req.Header.Set(fasthttp.HeaderAccept, "text/html,application/xhtml+xml")

	if err := e.client.DoDeadline(req, resp, deadline); err != nil {
		return "", classifyFetchError(err)
	}

	status := resp.StatusCode()
	switch {
	case status == fasthttp.StatusForbidden || status == fasthttp.StatusTooManyRequests:
		return "", fmt.Errorf("%w: http %d", engine.ErrBlocked, status)
	case status != fasthttp.StatusOK:
		return "", fmt.Errorf("%w: http %d", engine.ErrNetwork, status)
	}

	html := string(resp.Body())
	if e.parser.IsProbablyInvalid(html) {
		kw := danawa.BlockedKeyword(html)
		slog.DebugContext(ctx, "fastpath_invalid_html",
			slog.Int("length", len(html)),
			slog.String("blocked_keyword", kw),
		)
		return "", fmt.Errorf("%w: invalid html (len=%d, keyword=%q)", engine.ErrBlocked, len(html), kw)
	}
	return html, nil
}

func classifyFetchError(err error) error {
	if errors.Is(err, fasthttp.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", engine.ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", engine.ErrNetwork, err)
}

// splitDeadline derives a child context holding the given share of the time
// left before ctx's deadline.
func splitDeadline(ctx context.Context, share float64) (context.Context, context.CancelFunc) {
	deadline, ok := ctx.Deadline()
	if !ok {
		return context.WithCancel(ctx)
	}
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithDeadline(ctx, time.Now().Add(time.Duration(float64(remaining)*share)))
}
