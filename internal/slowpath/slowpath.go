// Package slowpath crawls the aggregator with a real browser. It exists for
// the pages the fast path cannot have: anti-bot interstitials that clear
// after JavaScript runs, and layouts rendered client-side. Same contract,
// same parsing, roughly ten times the cost.
package slowpath

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-rod/rod"

	"github.com/nulpointcorp/price-engine/internal/browser"
	"github.com/nulpointcorp/price-engine/internal/danawa"
	"github.com/nulpointcorp/price-engine/internal/engine"
)

// Share of the stage deadline spent reaching the list page; the detail page
// gets the rest, mirroring the fast path's split but weighted toward the
// heavier render.
const searchShare = 0.4

// How often the rendered DOM is re-read while waiting for a fingerprint.
const pollInterval = 200 * time.Millisecond

// Options configures the Executor.
type Options struct {
	Pool   *browser.Pool
	Parser *danawa.Parser
	// SearchBaseURL and ProductBaseURL override the aggregator endpoints.
	SearchBaseURL  string
	ProductBaseURL string
}

// Executor is the browser crawl path.
type Executor struct {
	pool        *browser.Pool
	parser      *danawa.Parser
	searchBase  string
	productBase string
}

func New(opts Options) (*Executor, error) {
	if opts.Pool == nil {
		return nil, fmt.Errorf("slowpath: browser pool is required")
	}
	if opts.Parser == nil {
		return nil, fmt.Errorf("slowpath: parser is required")
	}
	return &Executor{
		pool:        opts.Pool,
		parser:      opts.Parser,
		searchBase:  opts.SearchBaseURL,
		productBase: opts.ProductBaseURL,
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

// Search leases a page, renders the list page, picks the best product code
// and renders its detail page, all under the ctx deadline. A crashed page
// is released as failed so the pool destroys it.
func (e *Executor) Search(ctx context.Context, query string) (engine.Finding, error) {
	lease, err := e.pool.Lease(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return engine.Finding{}, fmt.Errorf("%w: waiting for page slot: %v", engine.ErrTimeout, err)
		}
		return engine.Finding{}, fmt.Errorf("%w: %v", engine.ErrBrowserCrash, err)
	}

	healthy := false
	defer func() { lease.Release(healthy) }()

	found, err := e.crawl(ctx, lease.Page(), query)
	if err != nil {
		// Timeout and not-found leave the page reusable in principle, but
		// pages are single-use anyway; only a crash needs the failure flag
		// so the pool logs it as such.
		healthy = !errors.Is(err, engine.ErrBrowserCrash)
		return engine.Finding{}, err
	}
	healthy = true
	return found, nil
}

func (e *Executor) crawl(ctx context.Context, page *rod.Page, query string) (engine.Finding, error) {
	searchCtx, cancel := splitDeadline(ctx, searchShare)
	defer cancel()

	searchDoc, err := e.renderAndWait(searchCtx, page, e.searchURL(query), searchPageState)
	if err != nil {
		return engine.Finding{}, err
	}

	pcodes := e.parser.SearchCandidates(searchDoc, query)
	if len(pcodes) == 0 {
		return engine.Finding{}, fmt.Errorf("%w: %q matched no listings", engine.ErrProductNotFound, query)
	}

	productURL := e.productURL(pcodes[0], query)
	productDoc, err := e.renderAndWait(ctx, page, productURL, productPageState)
	if err != nil {
		return engine.Finding{}, err
	}

	name, offers, err := e.parser.ProductOffers(productDoc, query, productURL)
	if err != nil {
		return engine.Finding{}, err
	}
	return engine.Finding{ProductID: pcodes[0], ProductName: name, Offers: offers}, nil
}

// renderAndWait navigates and polls the rendered DOM until the page settles
// into a recognizable state or the deadline expires.
func (e *Executor) renderAndWait(ctx context.Context, page *rod.Page, url string, classify stateFn) (*goquery.Document, error) {
	p := page.Context(ctx)

	if err := p.Navigate(url); err != nil {
		return nil, classifyRodError(err)
	}
	if err := p.WaitDOMStable(300*time.Millisecond, 0.1); err != nil {
		slog.DebugContext(ctx, "slowpath_dom_unstable", slog.String("error", err.Error()))
	}

	for {
		html, err := p.HTML()
		if err != nil {
			return nil, classifyRodError(err)
		}

		d, state := classify(html)
		switch state {
		case stateReady:
			return d, nil
		case stateBlocked:
			return nil, fmt.Errorf("%w: interstitial still present after render", engine.ErrBlocked)
		case stateNoResults:
			return nil, fmt.Errorf("%w: empty results page", engine.ErrProductNotFound)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: page never reached a known state", engine.ErrTimeout)
		case <-time.After(pollInterval):
		}
	}
}

// renderState classifies what a rendered document currently shows: done, a
// terminal condition, or still mid-render.
type renderState int

const (
	statePending renderState = iota
	stateReady
	stateBlocked
	stateNoResults
)

type stateFn func(html string) (*goquery.Document, renderState)

// searchPageState decides what a rendered list page currently shows.
func searchPageState(html string) (*goquery.Document, renderState) {
	if danawa.IsNoResults(html) {
		return nil, stateNoResults
	}
	doc, err := danawa.Document(html)
	if err != nil {
		return nil, statePending
	}
	if danawa.HasSearchFingerprint(doc) {
		return doc, stateReady
	}
	if danawa.BlockedKeyword(html) != "" {
		return nil, stateBlocked
	}
	return nil, statePending
}

// productPageState decides what a rendered detail page currently shows.
func productPageState(html string) (*goquery.Document, renderState) {
	doc, err := danawa.Document(html)
	if err != nil {
		return nil, statePending
	}
	if danawa.HasProductFingerprint(doc) {
		return doc, stateReady
	}
	if danawa.BlockedKeyword(html) != "" {
		return nil, stateBlocked
	}
	return nil, statePending
}

// classifyRodError maps browser failures onto the sentinel taxonomy. CDP
// session loss means the page (or the whole browser) died under us.
func classifyRodError(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %v", engine.ErrTimeout, err)
	case strings.Contains(err.Error(), "net::ERR"):
		return fmt.Errorf("%w: %v", engine.ErrNetwork, err)
	case strings.Contains(err.Error(), "detached"),
		strings.Contains(err.Error(), "session closed"),
		strings.Contains(err.Error(), "target closed"),
		strings.Contains(err.Error(), "connection is closed"):
		return fmt.Errorf("%w: %v", engine.ErrBrowserCrash, err)
	default:
		return fmt.Errorf("%w: %v", engine.ErrBrowserCrash, err)
	}
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
