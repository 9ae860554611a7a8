// Package ratelimit throttles outbound crawl traffic per aggregator origin
// using Redis sliding window counters with atomic Lua scripts. The window is
// shared across replicas, so the fleet as a whole respects the origin's
// tolerance instead of each instance respecting it separately.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript is an atomic Lua script that implements a sliding window
// rate limiter using a sorted set.
// KEYS[1] = Redis key
// ARGV[1] = current unix timestamp (nanoseconds as string)
// ARGV[2] = window size in nanoseconds
// ARGV[3] = limit (max requests per window)
// Returns: 1 if allowed, 0 if rate limited.
var slidingWindowScript = redis.NewScript(`
		local key    = KEYS[1]
		local now    = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])
		local limit  = tonumber(ARGV[3])

		-- Remove expired entries.
		redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

		local count = redis.call('ZCARD', key)
		if count >= limit then
			return 0
		end

		-- Add current request with a unique member (now + random suffix).
		local member = tostring(now) .. tostring(math.random(1, 1000000))
		redis.call('ZADD', key, now, member)
		redis.call('PEXPIRE', key, math.ceil(window / 1000000))  -- window is in ns; PEXPIRE wants ms
		return 1
`)

const keyPrefix = "ratelimit:crawl:"

// CrawlLimiter enforces a per-origin crawls-per-minute ceiling using a Redis
// sliding window.
type CrawlLimiter struct {
	rdb   redis.Scripter
	limit int
}

// NewCrawlLimiter creates a limiter with the given per-minute ceiling.
// limit must be > 0; values ≤ 0 will block every crawl.
func NewCrawlLimiter(rdb redis.Scripter, limit int) *CrawlLimiter {
	return &CrawlLimiter{rdb: rdb, limit: limit}
}

// Allow reports whether another crawl against origin fits in the current
// window.
func (l *CrawlLimiter) Allow(ctx context.Context, origin string) (bool, error) {
	now := time.Now().UnixNano()
	window := time.Minute.Nanoseconds()

	result, err := slidingWindowScript.Run(ctx, l.rdb,
		[]string{keyPrefix + origin},
		now, window, l.limit,
	).Int()
	if err != nil {
		// Redis unavailable — allow the crawl (graceful degradation).
		return true, nil
	}

	return result == 1, nil
}
