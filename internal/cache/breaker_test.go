package cache

import (
	"context"
	"testing"
	"time"
)

func newTestBreaker(t *testing.T, cfg BreakerConfig) (*Breaker, *time.Time) {
	t.Helper()

	now := time.Unix(1_700_000_000, 0)
	b := NewBreaker(NewMemoryCache(context.Background()), cfg)
	b.now = func() time.Time { return now }
	return b, &now
}

// TestBreakerOpensAtThreshold verifies that the configured number of
// consecutive failures opens the breaker.
func TestBreakerOpensAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(t, BreakerConfig{FailThreshold: 3, OpenDuration: time.Minute})
	ctx := context.Background()

	b.Trip(ctx, "aggregator")
	b.Trip(ctx, "aggregator")
	if b.IsOpen(ctx, "aggregator") {
		t.Fatal("breaker open after 2 of 3 failures")
	}

	b.Trip(ctx, "aggregator")
	if !b.IsOpen(ctx, "aggregator") {
		t.Fatal("breaker should open at the 3rd failure")
	}
}

// TestBreakerClosesAfterOpenDuration verifies time-based recovery.
func TestBreakerClosesAfterOpenDuration(t *testing.T) {
	b, now := newTestBreaker(t, BreakerConfig{FailThreshold: 1, OpenDuration: time.Minute})
	ctx := context.Background()

	b.Trip(ctx, "aggregator")
	if !b.IsOpen(ctx, "aggregator") {
		t.Fatal("breaker should be open")
	}

	*now = now.Add(61 * time.Second)
	if b.IsOpen(ctx, "aggregator") {
		t.Fatal("breaker should close after the open duration")
	}
}

// TestBreakerResetClearsCounters verifies that a success wipes progress
// toward the threshold.
func TestBreakerResetClearsCounters(t *testing.T) {
	b, _ := newTestBreaker(t, BreakerConfig{FailThreshold: 2, OpenDuration: time.Minute})
	ctx := context.Background()

	b.Trip(ctx, "aggregator")
	b.Reset(ctx, "aggregator")
	b.Trip(ctx, "aggregator")

	if b.IsOpen(ctx, "aggregator") {
		t.Fatal("reset should have cleared the failure count")
	}
	if got := b.State(ctx, "aggregator").ConsecutiveFailures; got != 1 {
		t.Fatalf("ConsecutiveFailures = %d, want 1", got)
	}
}

// TestBreakerOriginsAreIndependent verifies per-origin isolation.
func TestBreakerOriginsAreIndependent(t *testing.T) {
	b, _ := newTestBreaker(t, BreakerConfig{FailThreshold: 1, OpenDuration: time.Minute})
	ctx := context.Background()

	b.Trip(ctx, "origin-a")

	if !b.IsOpen(ctx, "origin-a") {
		t.Fatal("origin-a should be open")
	}
	if b.IsOpen(ctx, "origin-b") {
		t.Fatal("origin-b must not be affected by origin-a")
	}
}

// TestBreakerDefaults verifies the fallback threshold and duration.
func TestBreakerDefaults(t *testing.T) {
	b, _ := newTestBreaker(t, BreakerConfig{})
	ctx := context.Background()

	b.Trip(ctx, "aggregator")
	b.Trip(ctx, "aggregator")
	if b.IsOpen(ctx, "aggregator") {
		t.Fatal("default threshold is 3, breaker open after 2")
	}
	b.Trip(ctx, "aggregator")
	if !b.IsOpen(ctx, "aggregator") {
		t.Fatal("default threshold is 3, breaker should be open")
	}
}
