// Package cache provides the key-value layer shared by all search workers:
// positive and negative result entries plus the per-origin circuit-breaker
// counters.
//
// Two backends are available:
//   - RedisCache  — Redis-backed, shared across replicas.
//   - MemoryCache — in-process TTL cache for single-instance or local runs.
//
// Both implement the Cache interface so they are fully interchangeable, and
// both degrade gracefully: a broken cache behaves like an empty one.
package cache

import (
	"context"
	"time"
)

type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
