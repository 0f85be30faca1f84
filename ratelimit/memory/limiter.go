// Package memorylimiter is a single-node sliding-window rate limiter,
// the fallback when Redis is not deployed.
package memorylimiter

import (
	"fmt"
	"sync"
	"time"
)

// Limit defines window and max count for a bucket.
type Limit struct {
	Limit  int
	Window time.Duration
}

// Limiter tracks request timestamps per key+bucket in memory.
type Limiter struct {
	mu      sync.Mutex
	limits  map[string]Limit
	buckets map[string][]int64 // request times in Unix ms, newest last
}

// New constructs an in-memory limiter with the provided per-bucket limits.
// Unknown buckets fall back to the "default" entry, then to 100/minute.
func New(limits map[string]Limit) *Limiter {
	if limits == nil {
		limits = map[string]Limit{}
	}
	return &Limiter{limits: limits, buckets: make(map[string][]int64)}
}

func (l *Limiter) limit(bucket string) Limit {
	if v, ok := l.limits[bucket]; ok {
		return v
	}
	if v, ok := l.limits["default"]; ok {
		return v
	}
	return Limit{Limit: 100, Window: time.Minute}
}

// AllowNamed implements the gin adapter's RateLimiter interface with a
// sliding window, pruning a key's expired entries each time it is checked.
func (l *Limiter) AllowNamed(bucket, key string) (bool, error) {
	if l == nil {
		return true, nil
	}
	if bucket == "" || key == "" {
		return false, fmt.Errorf("bucket and key required")
	}

	lim := l.limit(bucket)
	nowMs := time.Now().UnixMilli()
	windowStart := nowMs - lim.Window.Milliseconds()
	limitKey := key + ":" + bucket

	l.mu.Lock()
	defer l.mu.Unlock()

	ts := l.buckets[limitKey]
	pruned := 0
	for pruned < len(ts) && ts[pruned] < windowStart {
		pruned++
	}
	ts = ts[pruned:]

	if len(ts) >= lim.Limit {
		// Deny without recording this attempt.
		l.buckets[limitKey] = ts
		return false, nil
	}

	l.buckets[limitKey] = append(ts, nowMs)
	return true, nil
}
