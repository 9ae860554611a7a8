package server

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/price-engine/internal/engine"
	"github.com/nulpointcorp/price-engine/internal/failure"
)

type fakeEngine struct {
	res engine.Result
	err error
	q   engine.Query
}

func (f *fakeEngine) Search(_ context.Context, q engine.Query) (engine.Result, error) {
	f.q = q
	return f.res, f.err
}

type fakeStore struct {
	stats       failure.Stats
	common      []failure.CommonFailure
	commonLimit int
	recent      []failure.Record
	exported    []failure.Record
	resolved    []int64
	err         error
}

func (f *fakeStore) Stats(context.Context, time.Duration) (failure.Stats, error) {
	return f.stats, f.err
}
func (f *fakeStore) Common(_ context.Context, limit int) ([]failure.CommonFailure, error) {
	f.commonLimit = limit
	return f.common, f.err
}
func (f *fakeStore) Recent(context.Context, int) ([]failure.Record, error) {
	return f.recent, f.err
}
func (f *fakeStore) Export(context.Context, time.Duration) ([]failure.Record, error) {
	return f.exported, f.err
}
func (f *fakeStore) MarkResolved(_ context.Context, id int64, _ string, _, _ *string) error {
	if f.err != nil {
		return f.err
	}
	f.resolved = append(f.resolved, id)
	return nil
}

func newTestServer(t *testing.T, eng SearchEngine, store AnalyticsStore) *Server {
	t.Helper()
	s, err := New(context.Background(), Options{Engine: eng, Store: store})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.health.Close() })
	return s
}

func postJSON(body string) *fasthttp.RequestCtx {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(fasthttp.MethodPost)
	ctx.Request.SetBodyString(body)
	return ctx
}

// --- handleSearch -----------------------------------------------------------

func TestHandleSearch_Success(t *testing.T) {
	eng := &fakeEngine{res: engine.Result{
		Status:      engine.StatusFastPathSuccess,
		ProductID:   "12345",
		ProductName: "LG전자 그램 16",
		LowestPrice: 1_500_000,
		Mall:        "쿠팡",
		Source:      engine.SourceFastPath,
	}}
	s := newTestServer(t, eng, nil)

	ctx := postJSON(`{"product_name":"LG 그램 16","current_price":1600000}`)
	s.handleSearch(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("status = %d", ctx.Response.StatusCode())
	}
	var resp struct {
		Status string `json:"status"`
		Data   struct {
			ProductName string  `json:"product_name"`
			IsCheaper   *bool   `json:"is_cheaper"`
			PriceDiff   *int64  `json:"price_diff"`
			PriceTrend  []int64 `json:"price_trend"`
			Source      string  `json:"source"`
		} `json:"data"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(ctx.Response.Body(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Status != "success" {
		t.Fatalf("status = %q", resp.Status)
	}
	if resp.Data.ProductName != "LG전자 그램 16" {
		t.Fatalf("product_name = %q", resp.Data.ProductName)
	}
	if resp.Data.IsCheaper == nil || !*resp.Data.IsCheaper {
		t.Fatal("is_cheaper should be true")
	}
	if resp.Data.PriceDiff == nil || *resp.Data.PriceDiff != 100_000 {
		t.Fatalf("price_diff = %v", resp.Data.PriceDiff)
	}
	if resp.Data.PriceTrend == nil {
		t.Fatal("price_trend must be present")
	}
	if resp.Data.Source != "fastpath" {
		t.Fatalf("source = %q", resp.Data.Source)
	}
	if resp.Message == "" {
		t.Fatal("message must be present")
	}
	if !strings.Contains(string(ctx.Response.Body()), `"top_prices"`) {
		t.Fatalf("body = %s", ctx.Response.Body())
	}
	if eng.q.CurrentPrice != 1_600_000 {
		t.Fatalf("query = %+v", eng.q)
	}
}

func TestHandleSearch_BadJSON(t *testing.T) {
	s := newTestServer(t, &fakeEngine{}, nil)

	ctx := postJSON(`{not json`)
	s.handleSearch(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Fatalf("status = %d", ctx.Response.StatusCode())
	}
	if !strings.Contains(string(ctx.Response.Body()), "INVALID_REQUEST") {
		t.Fatalf("body = %s", ctx.Response.Body())
	}
}

func TestHandleSearch_MissingName(t *testing.T) {
	s := newTestServer(t, &fakeEngine{}, nil)

	ctx := postJSON(`{"current_price":1000}`)
	s.handleSearch(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Fatalf("status = %d", ctx.Response.StatusCode())
	}
}

func TestHandleSearch_InvalidQuery(t *testing.T) {
	s := newTestServer(t, &fakeEngine{err: fmt.Errorf("%w: bad", engine.ErrInvalidQuery)}, nil)

	ctx := postJSON(`{"product_name":"<script>"}`)
	s.handleSearch(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Fatalf("status = %d", ctx.Response.StatusCode())
	}
}

func TestHandleSearch_StatusMapping(t *testing.T) {
	cases := []struct {
		status   engine.Status
		want     int
		wantCode string
	}{
		{engine.StatusCacheHit, fasthttp.StatusOK, ""},
		{engine.StatusNotFound, fasthttp.StatusServiceUnavailable, "PRODUCT_NOT_FOUND"},
		{engine.StatusNoResults, fasthttp.StatusServiceUnavailable, "PRODUCT_NOT_FOUND"},
		{engine.StatusTimeout, fasthttp.StatusServiceUnavailable, "TIMEOUT"},
		{engine.StatusBudgetExhausted, fasthttp.StatusServiceUnavailable, "TIMEOUT"},
		{engine.StatusBlocked, fasthttp.StatusServiceUnavailable, "BLOCKED"},
		{engine.StatusParseError, fasthttp.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tc := range cases {
		t.Run(string(tc.status), func(t *testing.T) {
			res := engine.Result{Status: tc.status, Reason: "because"}
			if tc.status == engine.StatusCacheHit {
				res.LowestPrice = 1000
				res.TopOffers = []engine.Offer{{Price: 1000}}
			}
			s := newTestServer(t, &fakeEngine{res: res}, nil)

			ctx := postJSON(`{"product_name":"LG 그램 16"}`)
			s.handleSearch(ctx)

			if ctx.Response.StatusCode() != tc.want {
				t.Fatalf("status = %d, want %d", ctx.Response.StatusCode(), tc.want)
			}
			if tc.wantCode == "" {
				return
			}
			var resp struct {
				Status    string `json:"status"`
				ErrorCode string `json:"error_code"`
				Message   string `json:"message"`
			}
			if err := json.Unmarshal(ctx.Response.Body(), &resp); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if resp.Status != "error" || resp.ErrorCode != tc.wantCode {
				t.Fatalf("body = %s", ctx.Response.Body())
			}
			if resp.Message != "because" {
				t.Fatalf("message = %q", resp.Message)
			}
		})
	}
}

func TestHandleSearch_BlockedSetsRetryAfter(t *testing.T) {
	s := newTestServer(t, &fakeEngine{res: engine.Result{Status: engine.StatusBlocked}}, nil)

	ctx := postJSON(`{"product_name":"LG 그램 16"}`)
	s.handleSearch(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusServiceUnavailable {
		t.Fatalf("status = %d", ctx.Response.StatusCode())
	}
	if got := string(ctx.Response.Header.Peek("Retry-After")); got != "60" {
		t.Fatalf("Retry-After = %q", got)
	}
}

// --- handleHealth -----------------------------------------------------------

func TestHandleHealth_AllOK(t *testing.T) {
	s := newTestServer(t, &fakeEngine{}, nil)

	ctx := &fasthttp.RequestCtx{}
	s.handleHealth(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("status = %d", ctx.Response.StatusCode())
	}
	var snap HealthSnapshot
	if err := json.Unmarshal(ctx.Response.Body(), &snap); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if snap.Status != "healthy" {
		t.Fatalf("snapshot = %+v", snap)
	}
	// No probes configured means every dependency is disabled, not failing.
	if snap.Redis != "disabled" || snap.Database != "disabled" || snap.Browser != "disabled" {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestHandleHealth_Degraded(t *testing.T) {
	s, err := New(context.Background(), Options{
		Engine:     &fakeEngine{},
		RedisReady: func() bool { return false },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.health.Close()

	ctx := &fasthttp.RequestCtx{}
	s.handleHealth(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusServiceUnavailable {
		t.Fatalf("status = %d", ctx.Response.StatusCode())
	}
	var snap HealthSnapshot
	if err := json.Unmarshal(ctx.Response.Body(), &snap); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if snap.Status != "degraded" || snap.Redis != "disconnected" {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestHandleHealth_DatabaseDownIsError(t *testing.T) {
	ready := func() bool { return true }
	s, err := New(context.Background(), Options{
		Engine:        &fakeEngine{},
		RedisReady:    ready,
		DatabaseReady: func() bool { return false },
		BrowserReady:  ready,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.health.Close()

	ctx := &fasthttp.RequestCtx{}
	s.handleHealth(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusServiceUnavailable {
		t.Fatalf("status = %d", ctx.Response.StatusCode())
	}
	var snap HealthSnapshot
	if err := json.Unmarshal(ctx.Response.Body(), &snap); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if snap.Status != "error" || snap.Database != "disconnected" {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap.Redis != "connected" || snap.Browser != "ready" {
		t.Fatalf("snapshot = %+v", snap)
	}
}

// --- analytics --------------------------------------------------------------

func TestHandleDashboard(t *testing.T) {
	store := &fakeStore{
		stats:  failure.Stats{WindowHours: 24, Total: 5, Pending: 4, Resolved: 1},
		recent: []failure.Record{{OriginalQuery: "갤럭시 s99"}},
	}
	s := newTestServer(t, &fakeEngine{}, store)

	ctx := &fasthttp.RequestCtx{}
	s.handleDashboard(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("status = %d", ctx.Response.StatusCode())
	}
	body := string(ctx.Response.Body())
	if !strings.Contains(body, `"total":5`) || !strings.Contains(body, "갤럭시 s99") {
		t.Fatalf("body = %s", body)
	}
}

func TestHandleDashboard_NoStore(t *testing.T) {
	s := newTestServer(t, &fakeEngine{}, nil)

	ctx := &fasthttp.RequestCtx{}
	s.handleDashboard(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusServiceUnavailable {
		t.Fatalf("status = %d", ctx.Response.StatusCode())
	}
}

func TestHandleImprovements(t *testing.T) {
	store := &fakeStore{common: []failure.CommonFailure{
		{OriginalQuery: "갤럭시 s99", Count: 7},
		{OriginalQuery: "한번만", Count: 1},
	}}
	s := newTestServer(t, &fakeEngine{}, store)

	ctx := &fasthttp.RequestCtx{}
	s.handleImprovements(ctx)

	var resp struct {
		Suggestions []failure.Suggestion `json:"suggestions"`
	}
	if err := json.Unmarshal(ctx.Response.Body(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Suggestions) != 2 || resp.Suggestions[0].Priority != "HIGH" {
		t.Fatalf("suggestions = %+v", resp.Suggestions)
	}
	if resp.Suggestions[1].Priority != "LOW" {
		t.Fatalf("suggestions = %+v", resp.Suggestions)
	}
}

func TestHandleCommonFailures_LimitBounds(t *testing.T) {
	cases := []struct {
		param string
		want  int
	}{
		{"", 20},
		{"400", 400},
		{"9999", 500},
		{"0", 1},
	}
	for _, tc := range cases {
		store := &fakeStore{}
		s := newTestServer(t, &fakeEngine{}, store)

		ctx := &fasthttp.RequestCtx{}
		if tc.param != "" {
			ctx.QueryArgs().Set("limit", tc.param)
		}
		s.handleCommonFailures(ctx)

		if store.commonLimit != tc.want {
			t.Errorf("limit=%q passed %d to the store, want %d", tc.param, store.commonLimit, tc.want)
		}
	}
}

func TestHandleExport_CSV(t *testing.T) {
	store := &fakeStore{exported: []failure.Record{
		{ID: 1, OriginalQuery: "갤럭시 s99", Status: "pending", CreatedAt: time.Now()},
	}}
	s := newTestServer(t, &fakeEngine{}, store)

	ctx := &fasthttp.RequestCtx{}
	ctx.QueryArgs().Set("format", "csv")
	s.handleExport(ctx)

	ct := string(ctx.Response.Header.ContentType())
	if !strings.HasPrefix(ct, "text/csv") {
		t.Fatalf("content type = %q", ct)
	}
	body := string(ctx.Response.Body())
	if !strings.Contains(body, "original_query") || !strings.Contains(body, "갤럭시 s99") {
		t.Fatalf("body = %s", body)
	}
}

func TestHandleExport_BadFormat(t *testing.T) {
	s := newTestServer(t, &fakeEngine{}, &fakeStore{})

	ctx := &fasthttp.RequestCtx{}
	ctx.QueryArgs().Set("format", "xml")
	s.handleExport(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Fatalf("status = %d", ctx.Response.StatusCode())
	}
}

func TestHandleResolve(t *testing.T) {
	store := &fakeStore{}
	s := newTestServer(t, &fakeEngine{}, store)

	ctx := postJSON(`{"status":"manual_fixed","correct_name":"삼성전자 갤럭시 S24"}`)
	ctx.SetUserValue("id", "42")
	s.handleResolve(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("status = %d, body = %s", ctx.Response.StatusCode(), ctx.Response.Body())
	}
	if len(store.resolved) != 1 || store.resolved[0] != 42 {
		t.Fatalf("resolved = %v", store.resolved)
	}
}

func TestHandleResolve_BadStatus(t *testing.T) {
	s := newTestServer(t, &fakeEngine{}, &fakeStore{})

	ctx := postJSON(`{"status":"whatever"}`)
	ctx.SetUserValue("id", "42")
	s.handleResolve(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Fatalf("status = %d", ctx.Response.StatusCode())
	}
}

func TestHandleResolve_NotFound(t *testing.T) {
	s := newTestServer(t, &fakeEngine{}, &fakeStore{err: failure.ErrNotFound})

	ctx := postJSON(`{"status":"not_product"}`)
	ctx.SetUserValue("id", "999")
	s.handleResolve(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusNotFound {
		t.Fatalf("status = %d", ctx.Response.StatusCode())
	}
}
