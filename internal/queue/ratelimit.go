package queue

import (
	"sync"
	"time"
)

// maxTrackedUsers caps the number of tracked rate-limit keys to prevent
// memory exhaustion from rotating sender IDs.
const maxTrackedUsers = 4096

// UserRateLimiter enforces a sliding-window per-user message budget.
// Internal messages (scheduler ticks, worker triggers) are never counted;
// the queue checks the origin tag before calling Allow.
// Safe for concurrent use.
type UserRateLimiter struct {
	mu     sync.Mutex
	window time.Duration
	limit  int
	hits   map[string][]time.Time
	now    func() time.Time
}

// NewUserRateLimiter creates a limiter admitting at most limit messages per
// user within any sliding window.
func NewUserRateLimiter(limit int, window time.Duration) *UserRateLimiter {
	return &UserRateLimiter{
		window: window,
		limit:  limit,
		hits:   make(map[string][]time.Time),
		now:    time.Now,
	}
}

// Allow records an arrival for userID and reports whether it is within budget.
// Rejected arrivals are not recorded, so a flooding user regains capacity as
// soon as admitted messages age out of the window.
func (r *UserRateLimiter) Allow(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cutoff := now.Add(-r.window)

	ts := r.hits[userID]
	kept := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= r.limit {
		r.hits[userID] = kept
		return false
	}

	if len(r.hits) >= maxTrackedUsers {
		r.evictStale(cutoff)
	}

	r.hits[userID] = append(kept, now)
	return true
}

func (r *UserRateLimiter) evictStale(cutoff time.Time) {
	for k, ts := range r.hits {
		if len(ts) == 0 || !ts[len(ts)-1].After(cutoff) {
			delete(r.hits, k)
		}
	}
	// Hard eviction if still at cap (map iteration order is as good as FIFO here)
	for len(r.hits) >= maxTrackedUsers {
		for k := range r.hits {
			delete(r.hits, k)
			break
		}
	}
}
