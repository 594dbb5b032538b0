package server

import (
	"time"
)

// rateLimiter counts events within a sliding window. It is not internally
// locked; each instance is guarded by its owning connection's mutex.
type rateLimiter struct {
	limit  int
	window time.Duration
	stamps []time.Time
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		limit:  limit,
		window: window,
	}
}

// allow records one event and reports whether it is within the limit. A
// rejected event is not recorded; the caller must not execute it.
func (rl *rateLimiter) allow(now time.Time) bool {
	rl.prune(now)

	if len(rl.stamps) >= rl.limit {
		return false
	}

	rl.stamps = append(rl.stamps, now)
	return true
}

// retryAfter returns the duration until the oldest recorded event leaves the
// window, the hint sent along a RATE_LIMIT_EXCEEDED rejection.
func (rl *rateLimiter) retryAfter(now time.Time) time.Duration {
	rl.prune(now)

	if len(rl.stamps) == 0 {
		return 0
	}

	retry := rl.stamps[0].Add(rl.window).Sub(now)
	if retry < 0 {
		return 0
	}
	return retry
}

func (rl *rateLimiter) prune(now time.Time) {
	cutoff := now.Add(-rl.window)

	drop := 0
	for drop < len(rl.stamps) && rl.stamps[drop].Before(cutoff) {
		drop++
	}
	rl.stamps = rl.stamps[drop:]
}
