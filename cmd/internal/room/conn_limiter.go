package room

import (
	"sync"
	"time"
)

// connLimiter is a per-connection sliding-window frame limiter. It guards
// the transport against raw frame floods; telemetry anomaly detection is
// a separate concern handled upstream of the store.
type connLimiter struct {
	mu     sync.Mutex
	events []time.Time
	limit  int
	window time.Duration
}

// newConnLimiter constructs a connLimiter with safe defaults when inputs
// are invalid.
func newConnLimiter(limit int, window time.Duration) *connLimiter {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &connLimiter{
		events: make([]time.Time, 0, limit+8),
		limit:  limit,
		window: window,
	}
}

// Allow reports whether an event at time "now" should be permitted.
func (r *connLimiter) Allow(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cut := now.Add(-r.window)
	dst := r.events[:0]
	for _, t := range r.events {
		if t.After(cut) {
			dst = append(dst, t)
		}
	}
	r.events = dst

	if len(r.events) >= r.limit {
		return false
	}
	r.events = append(r.events, now)
	return true
}
