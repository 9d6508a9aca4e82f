// Package ratelimit throttles challenge creation per sender.
package ratelimit

import (
	"sync"
	"time"
)

// Default limits for challenge creation.
const (
	DefaultLimit  = 5
	DefaultWindow = 60 * time.Second
)

// Limiter is a sliding-window rate limiter keyed by sender ID.
// State is process-local; a restart resets every window.
type Limiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
	now      func() time.Time
}

// New creates a limiter allowing limit calls per window.
func New(limit int, window time.Duration) *Limiter {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Limiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
		now:      time.Now,
	}
}

// WithClock replaces the time source. Intended for tests.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// TryConsume records a call for key and reports whether it was allowed.
// Rejected calls are not recorded.
func (l *Limiter) TryConsume(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	recent := l.fresh(l.requests[key], now.Add(-l.window))

	if len(recent) >= l.limit {
		l.requests[key] = recent
		return false
	}

	l.requests[key] = append(recent, now)
	return true
}

// Remaining returns how many calls key may still make in the current window.
func (l *Limiter) Remaining(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := l.limit - len(l.fresh(l.requests[key], l.now().Add(-l.window)))
	if n < 0 {
		return 0
	}
	return n
}

// Prune drops expired timestamps and forgets idle senders.
// Returns the number of senders still tracked.
func (l *Limiter) Prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.window)
	for key, times := range l.requests {
		fresh := l.fresh(times, cutoff)
		if len(fresh) == 0 {
			delete(l.requests, key)
		} else {
			l.requests[key] = fresh
		}
	}
	return len(l.requests)
}

// fresh returns the suffix of times newer than cutoff. times is ordered.
func (l *Limiter) fresh(times []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(times) && !times[i].After(cutoff) {
		i++
	}
	return times[i:]
}
