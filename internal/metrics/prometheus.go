// Package metrics provides a Prometheus metrics registry for the engine.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// engine_inflight_requests
	inFlight prometheus.Gauge

	// engine_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// engine_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// engine_searches_total{source,status}
	searchesTotal *prometheus.CounterVec

	// engine_search_duration_seconds{source,status}
	searchDuration *prometheus.HistogramVec

	// engine_stage_duration_seconds{stage,outcome}
	stageDuration *prometheus.HistogramVec

	// engine_stage_attempts_total{stage,outcome}
	stageAttempts *prometheus.CounterVec

	// engine_candidates_tried — candidates attempted per search
	candidatesTried prometheus.Histogram

	// cache_hits_total / cache_misses_total
	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter

	// engine_cache_operations_total{op,result}
	cacheOps *prometheus.CounterVec

	// engine_negative_cache_hits_total
	negativeHits prometheus.Counter

	// circuit_breaker_state{origin} — 0=closed, 1=open
	circuitBreakerState *prometheus.GaugeVec

	// engine_circuit_breaker_transitions_total{origin,to_state}
	cbTransitions *prometheus.CounterVec

	// engine_circuit_breaker_rejections_total{origin}
	cbRejections *prometheus.CounterVec

	// engine_browser_pages_in_use / engine_browser_pool_ready
	browserInUse prometheus.Gauge
	browserReady prometheus.Gauge

	// engine_failure_queue_depth / engine_failure_records_dropped_total
	failureQueueDepth prometheus.Gauge
	failureDropped    prometheus.Counter

	// engine_build_info{version}
	buildInfo *prometheus.GaugeVec

	cbMu        sync.Mutex
	lastCBState map[string]float64

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg:         reg,
		lastCBState: make(map[string]float64),

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the engine",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_http_requests_total",
				Help: "Total number of HTTP requests handled by the engine",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "engine_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes the full search pipeline)",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 4, 6, 8, 10, 12, 15},
			},
			[]string{"route"},
		),

		searchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_searches_total",
				Help: "Total price searches by serving source and terminal status",
			},
			[]string{"source", "status"},
		),

		searchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "engine_search_duration_seconds",
				Help:    "End-to-end search duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 4, 6, 8, 10, 12, 15},
			},
			[]string{"source", "status"},
		),

		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "engine_stage_duration_seconds",
				Help:    "Per-stage duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 4, 6, 8},
			},
			[]string{"stage", "outcome"},
		),

		stageAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_stage_attempts_total",
				Help: "Stage attempts (one per candidate per stage)",
			},
			[]string{"stage", "outcome"},
		),

		candidatesTried: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "engine_candidates_tried",
			Help:    "Normalization candidates attempted before a search terminated",
			Buckets: []float64{1, 2, 3, 4, 5, 6, 7, 8},
		}),

		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Total cache hits",
		}),

		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Total cache misses",
		}),

		cacheOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_cache_operations_total",
				Help: "Cache operations by type and result",
			},
			[]string{"op", "result"},
		),

		negativeHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_negative_cache_hits_total",
			Help: "Searches answered not-found from the negative cache",
		}),

		circuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed,1=open)",
			},
			[]string{"origin"},
		),

		cbTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_circuit_breaker_transitions_total",
				Help: "Circuit breaker transitions to a new state",
			},
			[]string{"origin", "to_state"},
		),

		cbRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_circuit_breaker_rejections_total",
				Help: "Stage attempts skipped because the breaker was open",
			},
			[]string{"origin"},
		),

		browserInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_browser_pages_in_use",
			Help: "Browser pages currently leased from the pool",
		}),

		browserReady: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_browser_pool_ready",
			Help: "Whether the browser pool is accepting leases (1=ready)",
		}),

		failureQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_failure_queue_depth",
			Help: "Failure records waiting to be flushed to the store",
		}),

		failureDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_failure_records_dropped_total",
			Help: "Failure records dropped because the queue was full",
		}),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "engine_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.searchesTotal,
		r.searchDuration,
		r.stageDuration,
		r.stageAttempts,
		r.candidatesTried,
		r.cacheHits,
		r.cacheMisses,
		r.cacheOps,
		r.negativeHits,
		r.circuitBreakerState,
		r.cbTransitions,
		r.cbRejections,
		r.browserInUse,
		r.browserReady,
		r.failureQueueDepth,
		r.failureDropped,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(route, status).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// ObserveSearch records one completed search.
func (r *Registry) ObserveSearch(source, status string, dur time.Duration, candidates int) {
	r.searchesTotal.WithLabelValues(source, status).Inc()
	r.searchDuration.WithLabelValues(source, status).Observe(dur.Seconds())
	if candidates > 0 {
		r.candidatesTried.Observe(float64(candidates))
	}
}

// ObserveStage records one stage attempt.
func (r *Registry) ObserveStage(stage, outcome string, dur time.Duration) {
	r.stageAttempts.WithLabelValues(stage, outcome).Inc()
	r.stageDuration.WithLabelValues(stage, outcome).Observe(dur.Seconds())
}

func (r *Registry) CacheGetHit() {
	r.cacheHits.Inc()
	r.cacheOps.WithLabelValues("get", "hit").Inc()
}

func (r *Registry) CacheGetMiss() {
	r.cacheMisses.Inc()
	r.cacheOps.WithLabelValues("get", "miss").Inc()
}

func (r *Registry) CacheGetBypass() {
	r.cacheOps.WithLabelValues("get", "bypass").Inc()
}

func (r *Registry) CacheSetOK() {
	r.cacheOps.WithLabelValues("set", "ok").Inc()
}

func (r *Registry) CacheSetError() {
	r.cacheOps.WithLabelValues("set", "error").Inc()
}

func (r *Registry) NegativeCacheHit() {
	r.negativeHits.Inc()
}

// SetCircuitBreaker sets the circuit breaker state gauge and increments a
// transition counter when the state changes.
func (r *Registry) SetCircuitBreaker(origin string, open bool) {
	state := float64(0)
	if open {
		state = 1
	}
	r.circuitBreakerState.WithLabelValues(origin).Set(state)

	r.cbMu.Lock()
	prev, ok := r.lastCBState[origin]
	if !ok || prev != state {
		r.lastCBState[origin] = state
		toState := "closed"
		if open {
			toState = "open"
		}
		r.cbTransitions.WithLabelValues(origin, toState).Inc()
	}
	r.cbMu.Unlock()
}

func (r *Registry) RecordCircuitBreakerRejection(origin string) {
	r.cbRejections.WithLabelValues(origin).Inc()
}

// SetBrowserPool mirrors the pool's lease state into gauges.
func (r *Registry) SetBrowserPool(inUse int64, ready bool) {
	r.browserInUse.Set(float64(inUse))
	if ready {
		r.browserReady.Set(1)
	} else {
		r.browserReady.Set(0)
	}
}

// SetFailureQueue mirrors the recorder's buffer depth into a gauge.
func (r *Registry) SetFailureQueue(depth int) {
	r.failureQueueDepth.Set(float64(depth))
}

func (r *Registry) AddFailureDropped(n int64) {
	if n > 0 {
		r.failureDropped.Add(float64(n))
	}
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}
func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
