package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nulpointcorp/price-engine/internal/cache"
	"github.com/nulpointcorp/price-engine/internal/failure"
	"github.com/nulpointcorp/price-engine/internal/normalize"
	"github.com/nulpointcorp/price-engine/internal/validate"
)

type fakeSearcher struct {
	mu    sync.Mutex
	calls []string
	fn    func(query string) (Finding, error)
}

func (f *fakeSearcher) Search(_ context.Context, query string) (Finding, error) {
	f.mu.Lock()
	f.calls = append(f.calls, query)
	f.mu.Unlock()
	return f.fn(query)
}

func (f *fakeSearcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeCodeSearcher struct {
	fakeSearcher
	codeCalls []string
	codeFn    func(code, query string) (Finding, error)
}

func (f *fakeCodeSearcher) SearchByCode(_ context.Context, code, query string) (Finding, error) {
	f.codeCalls = append(f.codeCalls, code)
	return f.codeFn(code, query)
}

type fakeSink struct {
	mu      sync.Mutex
	records []failure.Record
}

func (s *fakeSink) Record(r failure.Record) {
	s.mu.Lock()
	s.records = append(s.records, r)
	s.mu.Unlock()
}

func goodFinding() Finding {
	return Finding{
		ProductID:   "12345",
		ProductName: "LG전자 그램 16 2024",
		Offers: []Offer{
			{Mall: "쿠팡", Price: 1_500_000, FreeShipping: true, Link: "https://link.example/1"},
			{Mall: "11번가", Price: 1_550_000, Link: "https://link.example/2"},
		},
	}
}

func newTestOrchestrator(t *testing.T, mutate func(*Options)) (*Orchestrator, *fakeSearcher, *fakeSearcher, cache.Cache) {
	t.Helper()

	rules, err := normalize.LoadRules("")
	if err != nil {
		t.Fatalf("LoadRules: %v", err)
	}

	fast := &fakeSearcher{fn: func(string) (Finding, error) { return goodFinding(), nil }}
	slow := &fakeSearcher{fn: func(string) (Finding, error) { return goodFinding(), nil }}
	backend := cache.NewMemoryCache(context.Background())
	t.Cleanup(backend.Close)

	opts := Options{
		Normalizer: normalize.New(rules),
		Gate:       validate.NewGate(rules),
		FastPath:   fast,
		SlowPath:   slow,
		Cache:      backend,
		Breaker:    cache.NewBreaker(backend, cache.BreakerConfig{}),
	}
	if mutate != nil {
		mutate(&opts)
	}
	o, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o, fast, slow, backend
}

// TestSearchFastPathSuccess verifies the plain happy path and that the
// result is shaped by price.
func TestSearchFastPathSuccess(t *testing.T) {
	o, fast, slow, _ := newTestOrchestrator(t, nil)

	res, err := o.Search(context.Background(), Query{ProductName: "LG 그램 16"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if res.Status != StatusFastPathSuccess || res.Source != SourceFastPath {
		t.Fatalf("status=%s source=%s", res.Status, res.Source)
	}
	if res.LowestPrice != 1_500_000 || res.Mall != "쿠팡" {
		t.Fatalf("head offer = %+v", res)
	}
	if fast.callCount() != 1 {
		t.Fatalf("fastpath called %d times, want 1", fast.callCount())
	}
	if slow.callCount() != 0 {
		t.Fatalf("slowpath called %d times, want 0", slow.callCount())
	}
}

// TestSearchCacheHit verifies that a success populates the positive cache
// and the second identical search is served from it.
func TestSearchCacheHit(t *testing.T) {
	o, fast, _, _ := newTestOrchestrator(t, nil)
	ctx := context.Background()
	q := Query{ProductName: "LG 그램 16"}

	if _, err := o.Search(ctx, q); err != nil {
		t.Fatalf("first Search: %v", err)
	}
	res, err := o.Search(ctx, q)
	if err != nil {
		t.Fatalf("second Search: %v", err)
	}
	if res.Status != StatusCacheHit || res.Source != SourceCache {
		t.Fatalf("status=%s source=%s, want cache hit", res.Status, res.Source)
	}
	if res.LowestPrice != 1_500_000 {
		t.Fatalf("LowestPrice = %d", res.LowestPrice)
	}
	if fast.callCount() != 1 {
		t.Fatalf("fastpath called %d times, want 1", fast.callCount())
	}
}

// TestSearchNegativeCache verifies that a confirmed not-found is negative
// cached and short-circuits the next search.
func TestSearchNegativeCache(t *testing.T) {
	o, fast, slow, _ := newTestOrchestrator(t, nil)
	fast.fn = func(string) (Finding, error) { return Finding{}, fmt.Errorf("%w: nope", ErrProductNotFound) }
	slow.fn = fast.fn
	ctx := context.Background()
	q := Query{ProductName: "존재하지않는상품명"}

	res, err := o.Search(ctx, q)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if res.Status != StatusNotFound {
		t.Fatalf("status = %s, want not_found", res.Status)
	}

	before := fast.callCount()
	res2, err := o.Search(ctx, q)
	if err != nil {
		t.Fatalf("second Search: %v", err)
	}
	if res2.Status != StatusNotFound {
		t.Fatalf("second status = %s", res2.Status)
	}
	if fast.callCount() != before {
		t.Fatal("negative cache hit should not reach the fast path")
	}
	// The cached entry carries the terminal reason from the first search.
	if res2.Reason != res.Reason || !strings.Contains(res2.Reason, "nope") {
		t.Fatalf("reason = %q, want the original terminal reason %q", res2.Reason, res.Reason)
	}
}

// TestSearchBlockedFallsToSlowPath verifies the blocked handoff.
func TestSearchBlockedFallsToSlowPath(t *testing.T) {
	o, fast, slow, _ := newTestOrchestrator(t, nil)
	fast.fn = func(string) (Finding, error) { return Finding{}, fmt.Errorf("%w: 403", ErrBlocked) }

	res, err := o.Search(context.Background(), Query{ProductName: "LG 그램 16"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if res.Status != StatusSlowPathSuccess || res.Source != SourceSlowPath {
		t.Fatalf("status=%s source=%s", res.Status, res.Source)
	}
	if fast.callCount() != 1 || slow.callCount() != 1 {
		t.Fatalf("fast=%d slow=%d calls", fast.callCount(), slow.callCount())
	}
}

// TestSearchBreakerSkipsFastPath verifies that repeated blocks open the
// breaker and subsequent searches go straight to the browser.
func TestSearchBreakerSkipsFastPath(t *testing.T) {
	o, fast, slow, _ := newTestOrchestrator(t, nil)
	fast.fn = func(string) (Finding, error) { return Finding{}, fmt.Errorf("%w: 403", ErrBlocked) }
	ctx := context.Background()

	// Default threshold is three consecutive trips.
	for i := 0; i < 3; i++ {
		if _, err := o.Search(ctx, Query{ProductName: fmt.Sprintf("LG 그램 %d", i)}); err != nil {
			t.Fatalf("Search %d: %v", i, err)
		}
	}

	before := fast.callCount()
	res, err := o.Search(ctx, Query{ProductName: "LG 그램 최종"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if res.Status != StatusSlowPathSuccess {
		t.Fatalf("status = %s", res.Status)
	}
	if fast.callCount() != before {
		t.Fatal("open breaker should skip the fast path entirely")
	}
	_ = slow
}

// TestSearchTimeoutTerminal verifies that a fast-path timeout with the slow
// path disabled is reported as timeout.
func TestSearchTimeoutTerminal(t *testing.T) {
	o, fast, _, _ := newTestOrchestrator(t, func(opts *Options) { opts.SlowPath = nil })
	fast.fn = func(string) (Finding, error) { return Finding{}, fmt.Errorf("%w: deadline", ErrTimeout) }

	res, err := o.Search(context.Background(), Query{ProductName: "LG 그램 16"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if res.Status != StatusTimeout {
		t.Fatalf("status = %s, want timeout", res.Status)
	}
}

// TestSearchTimeoutNeedsFullSlowPathBudget verifies that a fast-path timeout
// only hands over to the browser while a full slow-path allowance remains;
// otherwise the request ends as timeout.
func TestSearchTimeoutNeedsFullSlowPathBudget(t *testing.T) {
	o, fast, slow, _ := newTestOrchestrator(t, func(opts *Options) {
		opts.Budget = BudgetConfig{
			Total:        1 * time.Second,
			Cache:        50 * time.Millisecond,
			FastPath:     200 * time.Millisecond,
			SlowPath:     700 * time.Millisecond,
			MinRemaining: 50 * time.Millisecond,
		}
	})
	fast.fn = func(string) (Finding, error) {
		// Burn past the point where a full slow-path allowance fits.
		time.Sleep(450 * time.Millisecond)
		return Finding{}, fmt.Errorf("%w: deadline", ErrTimeout)
	}

	res, err := o.Search(context.Background(), Query{ProductName: "LG 그램 16"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if res.Status != StatusTimeout {
		t.Fatalf("status = %s, want timeout", res.Status)
	}
	if slow.callCount() != 0 {
		t.Fatalf("slowpath called %d times on a partial budget", slow.callCount())
	}
}

// TestSearchBroadSkipsSlowPath verifies that broad queries never reach the
// browser even when every fast-path attempt fails.
func TestSearchBroadSkipsSlowPath(t *testing.T) {
	o, fast, slow, _ := newTestOrchestrator(t, nil)
	fast.fn = func(string) (Finding, error) { return Finding{}, fmt.Errorf("%w: nope", ErrProductNotFound) }

	res, err := o.Search(context.Background(), Query{ProductName: "노트북"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if res.Status != StatusNotFound {
		t.Fatalf("status = %s", res.Status)
	}
	if slow.callCount() != 0 {
		t.Fatalf("slowpath called %d times for a broad query", slow.callCount())
	}
	if fast.callCount() == 0 {
		t.Fatal("fastpath never called")
	}
}

// TestSearchProductCodeShortCircuit verifies the direct-detail path.
func TestSearchProductCodeShortCircuit(t *testing.T) {
	byCode := &fakeCodeSearcher{
		fakeSearcher: fakeSearcher{fn: func(string) (Finding, error) {
			return Finding{}, fmt.Errorf("%w: should not list", ErrProductNotFound)
		}},
		codeFn: func(code, _ string) (Finding, error) {
			f := goodFinding()
			f.ProductID = code
			return f, nil
		},
	}
	o, _, _, _ := newTestOrchestrator(t, func(opts *Options) { opts.FastPath = byCode })

	res, err := o.Search(context.Background(), Query{ProductName: "LG 그램 16", ProductCode: "99999"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if res.Status != StatusFastPathSuccess || res.ProductID != "99999" {
		t.Fatalf("res = %+v", res)
	}
	if len(byCode.codeCalls) != 1 || byCode.codeCalls[0] != "99999" {
		t.Fatalf("codeCalls = %v", byCode.codeCalls)
	}
	if byCode.callCount() != 0 {
		t.Fatal("list search should be skipped when the code resolves")
	}
}

// TestSearchRecordsFailure verifies that a terminal not-found lands in the
// failure sink with the normalization context attached.
func TestSearchRecordsFailure(t *testing.T) {
	sink := &fakeSink{}
	o, fast, slow, _ := newTestOrchestrator(t, func(opts *Options) { opts.Recorder = sink })
	fast.fn = func(string) (Finding, error) { return Finding{}, fmt.Errorf("%w: nope", ErrProductNotFound) }
	slow.fn = fast.fn

	if _, err := o.Search(context.Background(), Query{ProductName: "삼성 이상한모델명"}); err != nil {
		t.Fatalf("Search: %v", err)
	}

	if len(sink.records) != 1 {
		t.Fatalf("records = %d, want 1", len(sink.records))
	}
	rec := sink.records[0]
	if rec.OriginalQuery != "삼성 이상한모델명" {
		t.Fatalf("OriginalQuery = %q", rec.OriginalQuery)
	}
	if rec.AttemptedCount == 0 {
		t.Fatal("AttemptedCount = 0")
	}
	if rec.Status != failure.StatusPending {
		t.Fatalf("Status = %q", rec.Status)
	}
}

// TestSearchInvalidQuery verifies input validation surfaces as an error, not
// a terminal status.
func TestSearchInvalidQuery(t *testing.T) {
	o, _, _, _ := newTestOrchestrator(t, nil)

	for _, name := range []string{"", "<script>alert(1)</script>"} {
		if _, err := o.Search(context.Background(), Query{ProductName: name}); !errors.Is(err, ErrInvalidQuery) {
			t.Fatalf("Search(%q) err = %v, want ErrInvalidQuery", name, err)
		}
	}
}

// TestGateRejectsLevelTwoMismatch verifies the validation gate applies only
// to structural fallback candidates.
func TestGateRejectsLevelTwoMismatch(t *testing.T) {
	o, _, _, _ := newTestOrchestrator(t, nil)

	run := &searchRun{q: Query{ProductName: "LG 그램 16"}}
	mismatch := Finding{ProductName: "삼성전자 김치냉장고", Offers: []Offer{{Price: 2_000_000}}}

	if err := o.gateResult(run, normalize.Candidate{Text: "그램", Level: 2}, mismatch); err == nil {
		t.Fatal("level-2 mismatch should be rejected")
	}
	if err := o.gateResult(run, normalize.Candidate{Text: "lg 그램 16", Level: 1}, mismatch); err != nil {
		t.Fatalf("level-1 result should be trusted, got %v", err)
	}
}

// TestSearchNoCache verifies the orchestrator works with caching disabled.
func TestSearchNoCache(t *testing.T) {
	o, fast, _, _ := newTestOrchestrator(t, func(opts *Options) {
		opts.Cache = nil
		opts.Breaker = nil
	})

	for i := 0; i < 2; i++ {
		res, err := o.Search(context.Background(), Query{ProductName: "LG 그램 16"})
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		if res.Status != StatusFastPathSuccess {
			t.Fatalf("status = %s", res.Status)
		}
	}
	if fast.callCount() != 2 {
		t.Fatalf("fastpath called %d times, want 2", fast.callCount())
	}
}

// TestSearchCacheExclusion verifies excluded queries bypass both cache reads
// and writes.
func TestSearchCacheExclusion(t *testing.T) {
	el, err := cache.NewExclusionList([]string{"lg 그램 16"}, nil)
	if err != nil {
		t.Fatalf("NewExclusionList: %v", err)
	}
	o, fast, _, _ := newTestOrchestrator(t, func(opts *Options) { opts.Exclusions = el })

	for i := 0; i < 2; i++ {
		if _, err := o.Search(context.Background(), Query{ProductName: "LG 그램 16"}); err != nil {
			t.Fatalf("Search: %v", err)
		}
	}
	if fast.callCount() != 2 {
		t.Fatalf("fastpath called %d times, want 2 (cache bypassed)", fast.callCount())
	}
}
