package internal

import (
	"sync"
	"time"
)

// RateLimiter bounds how often a key may act inside a sliding window. The
// relay keys it by client IP to keep one address from flooding the user
// creation endpoint with throwaway records.
type RateLimiter struct {
	mu        sync.Mutex
	hits      map[string][]time.Time
	limit     int
	window    time.Duration
	lastSweep time.Time
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		hits:      make(map[string][]time.Time),
		limit:     limit,
		window:    window,
		lastSweep: time.Now(),
	}
}

// Allow records one attempt for the key and reports whether it stays within
// the limit. Keys with no attempt inside the window are swept out so the map
// does not accumulate every address ever seen.
func (r *RateLimiter) Allow(key string) bool {
	now := time.Now()
	windowStart := now.Add(-r.window)

	r.mu.Lock()
	defer r.mu.Unlock()

	if now.Sub(r.lastSweep) >= r.window {
		r.sweep(windowStart)
		r.lastSweep = now
	}

	recent := pruneBefore(r.hits[key], windowStart)
	if len(recent) >= r.limit {
		r.hits[key] = recent
		return false
	}
	r.hits[key] = append(recent, now)
	return true
}

func (r *RateLimiter) sweep(windowStart time.Time) {
	for key, stamps := range r.hits {
		recent := pruneBefore(stamps, windowStart)
		if len(recent) == 0 {
			delete(r.hits, key)
			continue
		}
		r.hits[key] = recent
	}
}

func pruneBefore(stamps []time.Time, windowStart time.Time) []time.Time {
	kept := 0
	for _, ts := range stamps {
		if ts.After(windowStart) {
			stamps[kept] = ts
			kept++
		}
	}
	return stamps[:kept]
}
