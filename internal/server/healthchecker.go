package server

import (
	"context"
	"sync"
	"time"
)

const healthProbeInterval = 30 * time.Second

// componentStatus holds the last known health result for one component.
type componentStatus struct {
	mu     sync.RWMutex
	status string
}

func (s *componentStatus) set(v string) {
	s.mu.Lock()
	s.status = v
	s.mu.Unlock()
}

func (s *componentStatus) get() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status == "" {
		return "disconnected"
	}
	return s.status
}

// Probes are the per-component readiness checks. A nil probe means the
// component is not configured; it is reported disabled and never counts
// against overall health.
type Probes struct {
	Redis    func() bool
	Database func() bool
	Browser  func() bool
}

// HealthChecker runs background probes and exposes the latest results.
type HealthChecker struct {
	probes  Probes
	baseCtx context.Context

	redisStatus   componentStatus
	dbStatus      componentStatus
	browserStatus componentStatus

	startTime time.Time
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewHealthChecker creates a HealthChecker and immediately starts background probes.
func NewHealthChecker(ctx context.Context, probes Probes) *HealthChecker {
	if ctx == nil {
		panic("healthchecker: context must not be nil")
	}
	hc := &HealthChecker{
		probes:    probes,
		baseCtx:   ctx,
		startTime: time.Now(),
		done:      make(chan struct{}),
	}

	// Run first probe synchronously so the first snapshot is real.
	hc.probe()

	hc.wg.Add(1)
	go hc.run()

	return hc
}

// HealthSnapshot returns the current health state for all components.
// Connection-backed components report connected|disconnected, the browser
// pool reports ready|disconnected, and any unconfigured component reports
// disabled.
type HealthSnapshot struct {
	Status        string `json:"status"` // healthy | degraded | error
	Version       string `json:"version,omitempty"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Redis         string `json:"redis"`
	Database      string `json:"database"`
	Browser       string `json:"browser"`
}

// Snapshot builds a snapshot from the latest probe results. A dead database
// loses the learning loop entirely, so it fails the snapshot outright; redis
// or the browser pool going away only loses cache/breaker state or the slow
// path, which the engine survives in degraded form.
func (hc *HealthChecker) Snapshot() HealthSnapshot {
	redis := hc.redisStatus.get()
	db := hc.dbStatus.get()
	browser := hc.browserStatus.get()

	overall := "healthy"
	switch {
	case db == "disconnected":
		overall = "error"
	case redis == "disconnected" || browser == "disconnected":
		overall = "degraded"
	}

	return HealthSnapshot{
		Status:        overall,
		UptimeSeconds: int64(time.Since(hc.startTime).Seconds()),
		Redis:         redis,
		Database:      db,
		Browser:       browser,
	}
}

// Close stops the background probe goroutine.
func (hc *HealthChecker) Close() {
	hc.closeOnce.Do(func() {
		close(hc.done)
		hc.wg.Wait()
	})
}

func (hc *HealthChecker) run() {
	defer hc.wg.Done()
	ticker := time.NewTicker(healthProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			hc.probe()
		case <-hc.done:
			return
		}
	}
}

func (hc *HealthChecker) probe() {
	check := func(s *componentStatus, probe func() bool, okState string) {
		switch {
		case probe == nil:
			s.set("disabled")
		case probe():
			s.set(okState)
		default:
			s.set("disconnected")
		}
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); check(&hc.redisStatus, hc.probes.Redis, "connected") }()
	go func() { defer wg.Done(); check(&hc.dbStatus, hc.probes.Database, "connected") }()
	go func() { defer wg.Done(); check(&hc.browserStatus, hc.probes.Browser, "ready") }()
	wg.Wait()
}
