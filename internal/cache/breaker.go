package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// BreakerState is the per-origin counter record stored under cb:<origin>.
// It is shared by every worker talking to that origin.
type BreakerState struct {
	OpenUntilEpochMS    int64 `json:"open_until_epoch_ms"`
	ConsecutiveFailures int   `json:"consecutive_failures"`
}

// BreakerConfig tunes the origin circuit breaker. Zero values fall back to
// the defaults via the accessor methods.
type BreakerConfig struct {
	// FailThreshold is how many consecutive blocked/timeout outcomes open
	// the breaker.
	FailThreshold int
	// OpenDuration is how long the fast path is skipped once open.
	OpenDuration time.Duration
}

func (c BreakerConfig) failThreshold() int {
	if c.FailThreshold <= 0 {
		return 3
	}
	return c.FailThreshold
}

func (c BreakerConfig) openDuration() time.Duration {
	if c.OpenDuration <= 0 {
		return 60 * time.Second
	}
	return c.OpenDuration
}

// Breaker keeps per-origin failure counters in the shared cache so all
// replicas skip a blocking origin together. Updates are read-modify-write:
// losing the odd concurrent increment is acceptable, serving a blocked
// origin a few extra requests is not a correctness problem.
//
// Like everything else in this package it degrades gracefully: when the
// backend is unavailable the breaker reports closed.
type Breaker struct {
	backend Cache
	cfg     BreakerConfig
	now     func() time.Time
}

func NewBreaker(backend Cache, cfg BreakerConfig) *Breaker {
	return &Breaker{backend: backend, cfg: cfg, now: time.Now}
}

func breakerKey(origin string) string { return "cb:" + origin }

// IsOpen reports whether the origin's fast path is currently tripped.
func (b *Breaker) IsOpen(ctx context.Context, origin string) bool {
	st, ok := b.load(ctx, origin)
	if !ok {
		return false
	}
	return st.OpenUntilEpochMS > b.now().UnixMilli()
}

// Trip records one blocked/timeout outcome. Reaching the threshold opens
// the breaker for the configured duration.
func (b *Breaker) Trip(ctx context.Context, origin string) {
	st, _ := b.load(ctx, origin)
	st.ConsecutiveFailures++
	if st.ConsecutiveFailures >= b.cfg.failThreshold() {
		st.OpenUntilEpochMS = b.now().Add(b.cfg.openDuration()).UnixMilli()
		st.ConsecutiveFailures = 0
		slog.WarnContext(ctx, "circuit_breaker_open",
			slog.String("origin", origin),
			slog.Int64("open_until_epoch_ms", st.OpenUntilEpochMS),
		)
	}
	b.store(ctx, origin, st)
}

// Reset clears the origin's counters after a successful fast-path fetch.
func (b *Breaker) Reset(ctx context.Context, origin string) {
	if err := b.backend.Delete(ctx, breakerKey(origin)); err != nil {
		slog.WarnContext(ctx, "circuit_breaker_reset_error",
			slog.String("origin", origin),
			slog.String("error", err.Error()),
		)
	}
}

// State returns the current counters for observability endpoints.
func (b *Breaker) State(ctx context.Context, origin string) BreakerState {
	st, _ := b.load(ctx, origin)
	return st
}

func (b *Breaker) load(ctx context.Context, origin string) (BreakerState, bool) {
	raw, ok := b.backend.Get(ctx, breakerKey(origin))
	if !ok {
		return BreakerState{}, false
	}
	var st BreakerState
	if err := json.Unmarshal(raw, &st); err != nil {
		return BreakerState{}, false
	}
	return st, true
}

func (b *Breaker) store(ctx context.Context, origin string, st BreakerState) {
	raw, err := json.Marshal(st)
	if err != nil {
		return
	}
	// Counter TTL doubles as the failure window: stale counters age out.
	_ = b.backend.Set(ctx, breakerKey(origin), raw, 2*b.cfg.openDuration())
}
