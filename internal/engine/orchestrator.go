// Package engine is the core price-search pipeline.
//
// The Orchestrator receives a validated query, normalizes it into search
// candidates, and walks the stages in cost order — cache, HTTP fast path,
// browser slow path — under a hard wall-clock budget. Every stage is
// optional and nil-safe, so the engine degrades instead of failing when a
// dependency is down.
//
// Key design constraints:
//   - One terminal status per request, always within the total budget.
//   - Cache and breaker are shared state; losing either degrades to
//     cache-less operation, it never fails a search.
//   - All I/O uses context.Context so stage deadlines propagate correctly.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nulpointcorp/price-engine/internal/cache"
	"github.com/nulpointcorp/price-engine/internal/failure"
	"github.com/nulpointcorp/price-engine/internal/metrics"
	"github.com/nulpointcorp/price-engine/internal/normalize"
	"github.com/nulpointcorp/price-engine/internal/validate"
)

const (
	positiveKeyPrefix = "price:pos:"
	negativeKeyPrefix = "price:neg:"
)

// FailureSink receives terminal failures for asynchronous persistence.
// *failure.Recorder satisfies it.
type FailureSink interface {
	Record(failure.Record)
}

// CrawlGate throttles outbound crawl traffic per origin.
// *ratelimit.CrawlLimiter satisfies it.
type CrawlGate interface {
	Allow(ctx context.Context, origin string) (bool, error)
}

// Options holds the orchestrator's dependencies and tuning parameters.
// Normalizer and FastPath are required; everything else is optional and
// nil-safe.
type Options struct {
	Normalizer *normalize.Normalizer
	Gate       *validate.Gate

	// FastPath is the HTTP crawl path. SlowPath is the browser crawl path;
	// nil disables it.
	FastPath Searcher
	SlowPath Searcher

	// Cache backs positive/negative result entries. Breaker shares the same
	// backend and guards the fast path per origin.
	Cache   cache.Cache
	Breaker *cache.Breaker

	// Exclusions lists queries that always bypass the cache.
	Exclusions *cache.ExclusionList

	// Limiter caps crawls per origin per minute across replicas. nil
	// disables throttling.
	Limiter CrawlGate

	// Recorder receives terminal failures. Metrics enables Prometheus
	// collection. Both may be nil.
	Recorder FailureSink
	Metrics  *metrics.Registry

	Logger *slog.Logger

	Budget BudgetConfig

	// Origin names the aggregator for breaker bookkeeping. Default "danawa".
	Origin string

	// PositiveTTL / NegativeTTL control cache entry lifetimes.
	// Defaults: 6h / 60s.
	PositiveTTL time.Duration
	NegativeTTL time.Duration

	// BroadFastPathTimeout replaces the fast-path allowance for broad
	// queries, which skip the slow path entirely and get the reclaimed time
	// here instead. Default 10s.
	BroadFastPathTimeout time.Duration
}

// Orchestrator runs the pipeline. All dependencies are injected via New so
// they can be replaced with doubles in unit tests.
type Orchestrator struct {
	normalizer *normalize.Normalizer
	gate       *validate.Gate
	fast       Searcher
	slow       Searcher
	cache      cache.Cache
	breaker    *cache.Breaker
	exclusions *cache.ExclusionList
	limiter    CrawlGate
	recorder   FailureSink
	metrics    *metrics.Registry
	log        *slog.Logger

	budgetCfg    BudgetConfig
	origin       string
	positiveTTL  time.Duration
	negativeTTL  time.Duration
	broadTimeout time.Duration
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Normalizer == nil {
		return nil, fmt.Errorf("engine: normalizer is required")
	}
	if opts.FastPath == nil {
		return nil, fmt.Errorf("engine: fast path searcher is required")
	}
	if _, err := NewBudget(opts.Budget); err != nil {
		return nil, err
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	origin := opts.Origin
	if origin == "" {
		origin = "danawa"
	}
	positiveTTL := opts.PositiveTTL
	if positiveTTL <= 0 {
		positiveTTL = 6 * time.Hour
	}
	negativeTTL := opts.NegativeTTL
	if negativeTTL <= 0 {
		negativeTTL = time.Minute
	}
	broadTimeout := opts.BroadFastPathTimeout
	if broadTimeout <= 0 {
		broadTimeout = 10 * time.Second
	}

	return &Orchestrator{
		normalizer:   opts.Normalizer,
		gate:         opts.Gate,
		fast:         opts.FastPath,
		slow:         opts.SlowPath,
		cache:        opts.Cache,
		breaker:      opts.Breaker,
		exclusions:   opts.Exclusions,
		limiter:      opts.Limiter,
		recorder:     opts.Recorder,
		metrics:      opts.Metrics,
		log:          log,
		budgetCfg:    opts.Budget,
		origin:       origin,
		positiveTTL:  positiveTTL,
		negativeTTL:  negativeTTL,
		broadTimeout: broadTimeout,
	}, nil
}

// Search runs the full pipeline for one query. The only error it returns is
// ErrInvalidQuery for malformed input; every other outcome is expressed as a
// terminal Result status.
func (o *Orchestrator) Search(ctx context.Context, q Query) (Result, error) {
	if err := q.Validate(); err != nil {
		return Result{}, err
	}

	norm, err := o.normalizer.Normalize(q.ProductName)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}

	budget, _ := NewBudget(o.budgetCfg)
	budget.Start()

	run := &searchRun{q: q, norm: norm, budget: budget}
	res := o.run(ctx, run)
	res.ElapsedMS = budget.Elapsed().Milliseconds()

	if o.metrics != nil {
		o.metrics.ObserveSearch(string(res.Source), string(res.Status), budget.Elapsed(), run.attempted)
	}
	o.log.InfoContext(ctx, "search_done",
		slog.String("query", q.ProductName),
		slog.String("status", string(res.Status)),
		slog.String("source", string(res.Source)),
		slog.Int("candidates_tried", run.attempted),
		slog.Int64("elapsed_ms", res.ElapsedMS),
	)
	return res, nil
}

// searchRun carries the per-request state threaded through the stages.
type searchRun struct {
	q      Query
	norm   normalize.Normalized
	budget *Budget

	bypassCache bool
	attempted   int
	lastErr     error
}

func (o *Orchestrator) run(ctx context.Context, run *searchRun) Result {
	run.bypassCache = o.exclusions != nil && o.exclusions.Matches(run.norm.Primary)

	if res, ok := o.lookupCache(ctx, run); ok {
		return res
	}
	run.budget.Checkpoint("cache")

	if o.limiter != nil {
		if allowed, _ := o.limiter.Allow(ctx, o.origin); !allowed {
			o.log.WarnContext(ctx, "crawl_rate_limited", slog.String("origin", o.origin))
			run.lastErr = fmt.Errorf("%w: crawl rate limit reached for %s", ErrBlocked, o.origin)
			return o.terminalFailure(ctx, run)
		}
	}

	if res, ok := o.tryProductCode(ctx, run); ok {
		return res
	}

	if res, ok := o.runFastPath(ctx, run); ok {
		return res
	}
	run.budget.Checkpoint("fastpath")

	if res, ok := o.runSlowPath(ctx, run); ok {
		return res
	}
	run.budget.Checkpoint("slowpath")

	return o.terminalFailure(ctx, run)
}

// ── Cache stage ───────────────────────────────────────────────────────────────

// cacheEntry is the positive cache payload: the success envelope minus the
// per-request timing fields.
type cacheEntry struct {
	ProductID    string  `json:"product_id"`
	ProductName  string  `json:"product_name"`
	LowestPrice  int64   `json:"lowest_price"`
	Link         string  `json:"link"`
	TopOffers    []Offer `json:"top_offers"`
	Mall         string  `json:"mall"`
	FreeShipping bool    `json:"free_shipping"`
}

func cacheKey(prefix, normalizedQuery string) string {
	sum := sha256.Sum256([]byte(normalizedQuery))
	return prefix + hex.EncodeToString(sum[:])
}

func (o *Orchestrator) lookupCache(ctx context.Context, run *searchRun) (Result, bool) {
	if o.cache == nil || run.bypassCache {
		if o.metrics != nil && run.bypassCache {
			o.metrics.CacheGetBypass()
		}
		return Result{}, false
	}

	cctx, cancel := context.WithTimeout(ctx, run.budget.TimeoutFor(StageCache))
	defer cancel()

	if raw, ok := o.cache.Get(cctx, cacheKey(positiveKeyPrefix, run.norm.Primary)); ok {
		var entry cacheEntry
		if err := json.Unmarshal(raw, &entry); err == nil && len(entry.TopOffers) > 0 {
			if o.metrics != nil {
				o.metrics.CacheGetHit()
			}
			o.log.DebugContext(ctx, "cache_hit", slog.String("query", run.norm.Primary))
			return Result{
				Status:       StatusCacheHit,
				ProductID:    entry.ProductID,
				ProductName:  entry.ProductName,
				LowestPrice:  entry.LowestPrice,
				Link:         entry.Link,
				TopOffers:    entry.TopOffers,
				Mall:         entry.Mall,
				FreeShipping: entry.FreeShipping,
				Source:       SourceCache,
			}, true
		}
		// Unreadable entry: drop it and fall through to a live search.
		_ = o.cache.Delete(cctx, cacheKey(positiveKeyPrefix, run.norm.Primary))
	}

	if raw, ok := o.cache.Get(cctx, cacheKey(negativeKeyPrefix, run.norm.Primary)); ok {
		if o.metrics != nil {
			o.metrics.NegativeCacheHit()
		}
		reason := string(raw)
		if reason == "" {
			reason = "recently confirmed not found"
		}
		return NewFailure(StatusNotFound, reason), true
	}

	if o.metrics != nil {
		o.metrics.CacheGetMiss()
	}
	return Result{}, false
}

func (o *Orchestrator) storePositive(ctx context.Context, run *searchRun, res Result) {
	if o.cache == nil || run.bypassCache {
		return
	}
	entry := cacheEntry{
		ProductID:    res.ProductID,
		ProductName:  res.ProductName,
		LowestPrice:  res.LowestPrice,
		Link:         res.Link,
		TopOffers:    res.TopOffers,
		Mall:         res.Mall,
		FreeShipping: res.FreeShipping,
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := o.cache.Set(ctx, cacheKey(positiveKeyPrefix, run.norm.Primary), raw, o.positiveTTL); err != nil {
		if o.metrics != nil {
			o.metrics.CacheSetError()
		}
		return
	}
	if o.metrics != nil {
		o.metrics.CacheSetOK()
	}
}

// storeNegative writes the terminal reason as the entry value so a repeat
// within the TTL can report why the product was ruled out.
func (o *Orchestrator) storeNegative(ctx context.Context, run *searchRun, reason string) {
	if o.cache == nil || run.bypassCache {
		return
	}
	_ = o.cache.Set(ctx, cacheKey(negativeKeyPrefix, run.norm.Primary), []byte(reason), o.negativeTTL)
}

// ── Product-code short circuit ────────────────────────────────────────────────

// tryProductCode skips the list page when the caller already knows the
// aggregator product code.
func (o *Orchestrator) tryProductCode(ctx context.Context, run *searchRun) (Result, bool) {
	if run.q.ProductCode == "" {
		return Result{}, false
	}
	byCode, ok := o.fast.(CodeSearcher)
	if !ok || o.breakerOpen(ctx) {
		return Result{}, false
	}

	cctx, cancel := context.WithTimeout(ctx, run.budget.TimeoutFor(StageFastPath))
	defer cancel()

	start := time.Now()
	found, err := byCode.SearchByCode(cctx, run.q.ProductCode, run.norm.Primary)
	o.observeStage(StageFastPath, err, time.Since(start))
	if err != nil {
		// A stale or mistyped code is not terminal; fall through to the
		// normal candidate pipeline.
		o.log.DebugContext(ctx, "product_code_miss",
			slog.String("product_code", run.q.ProductCode),
			slog.String("error", err.Error()),
		)
		run.lastErr = err
		return Result{}, false
	}
	return o.finishSuccess(ctx, run, StatusFastPathSuccess, SourceFastPath, found)
}

// ── Fast path ─────────────────────────────────────────────────────────────────

func (o *Orchestrator) breakerOpen(ctx context.Context) bool {
	if o.breaker == nil {
		return false
	}
	open := o.breaker.IsOpen(ctx, o.origin)
	if open && o.metrics != nil {
		o.metrics.RecordCircuitBreakerRejection(o.origin)
		o.metrics.SetCircuitBreaker(o.origin, true)
	}
	return open
}

func (o *Orchestrator) runFastPath(ctx context.Context, run *searchRun) (Result, bool) {
	if o.breakerOpen(ctx) {
		o.log.WarnContext(ctx, "fastpath_skipped_breaker_open", slog.String("origin", o.origin))
		return Result{}, false
	}

	stageAllowance := run.budget.TimeoutFor(StageFastPath)
	if run.norm.Broad {
		// Broad queries never reach the browser, so the fast path inherits
		// the reclaimed time.
		stageAllowance = o.broadTimeout
		if rem := run.budget.Remaining(); rem < stageAllowance {
			stageAllowance = rem
		}
	}
	stageDeadline := time.Now().Add(stageAllowance)

	for i, cand := range run.norm.Candidates {
		if run.budget.IsExhausted() || time.Now().After(stageDeadline) {
			break
		}

		share := candidateShare(time.Until(stageDeadline), len(run.norm.Candidates)-i)
		cctx, cancel := context.WithTimeout(ctx, share)

		run.attempted++
		start := time.Now()
		found, err := o.fast.Search(cctx, cand.Text)
		cancel()
		o.observeStage(StageFastPath, err, time.Since(start))

		if err == nil {
			if gateErr := o.gateResult(run, cand, found); gateErr != nil {
				o.log.DebugContext(ctx, "result_rejected",
					slog.String("candidate", cand.Text),
					slog.String("error", gateErr.Error()),
				)
				run.lastErr = gateErr
				continue
			}
			if o.breaker != nil {
				o.breaker.Reset(ctx, o.origin)
				if o.metrics != nil {
					o.metrics.SetCircuitBreaker(o.origin, false)
				}
			}
			return o.finishSuccess(ctx, run, StatusFastPathSuccess, SourceFastPath, found)
		}

		run.lastErr = err
		switch {
		case errors.Is(err, ErrProductNotFound), errors.Is(err, ErrNetwork):
			continue
		case errors.Is(err, ErrBlocked), errors.Is(err, ErrTimeout):
			o.trip(ctx)
			return Result{}, false // hand over to the slow path
		case errors.Is(err, ErrParse):
			return Result{}, false // layout the HTTP client can't read; render it
		default:
			continue
		}
	}
	return Result{}, false
}

func (o *Orchestrator) trip(ctx context.Context) {
	if o.breaker == nil {
		return
	}
	o.breaker.Trip(ctx, o.origin)
	if o.metrics != nil {
		o.metrics.SetCircuitBreaker(o.origin, o.breaker.IsOpen(ctx, o.origin))
	}
}

// ── Slow path ─────────────────────────────────────────────────────────────────

func (o *Orchestrator) runSlowPath(ctx context.Context, run *searchRun) (Result, bool) {
	if o.slow == nil || run.norm.Broad {
		return Result{}, false
	}
	if run.budget.IsExhausted() {
		return Result{}, false
	}
	// A fast-path timeout only hands over when a full slow-path allowance is
	// still on the clock; launching a browser crawl on a partial budget just
	// burns the remainder. Blocked and parse handoffs run regardless: the
	// browser may succeed where the HTTP client structurally cannot.
	if errors.Is(run.lastErr, ErrTimeout) && !run.budget.CanRun(StageSlowPath) {
		return Result{}, false
	}

	stageDeadline := time.Now().Add(run.budget.TimeoutFor(StageSlowPath))

	for i, cand := range run.norm.Candidates {
		if run.budget.IsExhausted() || time.Now().After(stageDeadline) {
			break
		}

		share := candidateShare(time.Until(stageDeadline), len(run.norm.Candidates)-i)
		cctx, cancel := context.WithTimeout(ctx, share)

		run.attempted++
		start := time.Now()
		found, err := o.slow.Search(cctx, cand.Text)
		cancel()
		o.observeStage(StageSlowPath, err, time.Since(start))

		if err == nil {
			if gateErr := o.gateResult(run, cand, found); gateErr != nil {
				run.lastErr = gateErr
				continue
			}
			return o.finishSuccess(ctx, run, StatusSlowPathSuccess, SourceSlowPath, found)
		}

		run.lastErr = err
		switch {
		case errors.Is(err, ErrBlocked):
			// Blocked even under a real browser: nothing further will work.
			return Result{}, false
		case errors.Is(err, ErrProductNotFound),
			errors.Is(err, ErrBrowserCrash),
			errors.Is(err, ErrTimeout),
			errors.Is(err, ErrParse),
			errors.Is(err, ErrNetwork):
			continue
		default:
			continue
		}
	}
	return Result{}, false
}

// ── Shared tail ───────────────────────────────────────────────────────────────

// gateResult applies the validation gate to results produced by structural
// fallback candidates. Level 0/1 candidates still search for what the user
// literally asked, so their results are trusted as-is.
func (o *Orchestrator) gateResult(run *searchRun, cand normalize.Candidate, found Finding) error {
	if cand.Level < 2 || o.gate == nil {
		return nil
	}
	lowest := int64(0)
	for _, offer := range found.Offers {
		if lowest == 0 || (offer.Price > 0 && offer.Price < lowest) {
			lowest = offer.Price
		}
	}
	return o.gate.Validate(run.q.ProductName, found.ProductName, lowest)
}

func (o *Orchestrator) finishSuccess(ctx context.Context, run *searchRun, status Status, source Source, found Finding) (Result, bool) {
	res, err := NewSuccess(status, source, found.ProductID, found.ProductName, found.Offers)
	if err != nil {
		run.lastErr = fmt.Errorf("%w: %v", ErrParse, err)
		return Result{}, false
	}
	o.storePositive(ctx, run, res)
	return res, true
}

// terminalFailure maps the last stage error onto the terminal status, writes
// the negative cache when the product is confirmed absent, and enqueues the
// failure record.
func (o *Orchestrator) terminalFailure(ctx context.Context, run *searchRun) Result {
	status := StatusNotFound
	reason := "no candidate produced a result"

	switch {
	case run.budget.IsExhausted() && run.lastErr == nil:
		status, reason = StatusBudgetExhausted, "time budget exhausted before any stage finished"
	case run.lastErr == nil:
		// Normalization produced candidates but no stage ran (e.g. breaker
		// open and slow path disabled).
		status, reason = StatusBlocked, "all stages unavailable"
	case errors.Is(run.lastErr, ErrProductNotFound):
		status, reason = StatusNotFound, run.lastErr.Error()
	case errors.Is(run.lastErr, validate.ErrRejected):
		status, reason = StatusNoResults, run.lastErr.Error()
	case errors.Is(run.lastErr, ErrTimeout):
		status, reason = StatusTimeout, run.lastErr.Error()
	case errors.Is(run.lastErr, ErrBlocked):
		status, reason = StatusBlocked, run.lastErr.Error()
	case errors.Is(run.lastErr, ErrParse):
		status, reason = StatusParseError, run.lastErr.Error()
	default:
		status, reason = StatusNotFound, run.lastErr.Error()
	}

	// Only a confirmed absence is negative-cacheable: timeouts and blocks
	// say nothing about whether the product exists.
	if status == StatusNotFound || status == StatusNoResults {
		o.storeNegative(ctx, run, reason)
	}

	o.recordFailure(run, status, reason)
	return NewFailure(status, reason)
}

func (o *Orchestrator) recordFailure(run *searchRun, status Status, reason string) {
	if o.recorder == nil {
		return
	}
	texts := make([]string, len(run.norm.Candidates))
	for i, c := range run.norm.Candidates {
		texts[i] = c.Text
	}
	candidates, _ := json.Marshal(texts)

	o.recorder.Record(failure.Record{
		OriginalQuery:   run.q.ProductName,
		NormalizedQuery: run.norm.Primary,
		Candidates:      string(candidates),
		AttemptedCount:  run.attempted,
		ErrorMessage:    fmt.Sprintf("%s: %s", status, reason),
		Category:        run.norm.Category,
		Brand:           run.norm.Brand,
		Model:           run.norm.Model,
		Status:          failure.StatusPending,
	})
}

func (o *Orchestrator) observeStage(s Stage, err error, dur time.Duration) {
	if o.metrics == nil {
		return
	}
	o.metrics.ObserveStage(string(s), ClassifyError(err), dur)
}

// candidateShare splits the remaining stage time evenly over the candidates
// still to try.
func candidateShare(remaining time.Duration, left int) time.Duration {
	if left < 1 {
		left = 1
	}
	share := remaining / time.Duration(left)
	if share < 0 {
		return 0
	}
	return share
}
