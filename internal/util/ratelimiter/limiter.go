package ratelimiter

import (
	"sync"
	"time"
)

// Limiter provides per-key time-based rate limiting.
// Each key is allowed one action per interval; safe for concurrent use.
type Limiter struct {
	mu       sync.Mutex
	interval time.Duration
	now      func() time.Time
	last     map[string]time.Time
}

// NewWithClock creates a limiter that reads time from now.
func NewWithClock(interval time.Duration, now func() time.Time) *Limiter {
	return &Limiter{
		interval: interval,
		now:      now,
		last:     make(map[string]time.Time),
	}
}

// Allow checks if an action for key is allowed at this time.
// Returns true if allowed (and records this as the last allowed time),
// or false with the remaining wait duration if rate-limited.
func (l *Limiter) Allow(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	last, seen := l.last[key]
	if !seen || now.Sub(last) >= l.interval {
		l.last[key] = now
		return true, 0
	}

	return false, l.interval - now.Sub(last)
}

// Forget drops the state for key so its next action is allowed immediately.
func (l *Limiter) Forget(key string) {
	l.mu.Lock()
	delete(l.last, key)
	l.mu.Unlock()
}
