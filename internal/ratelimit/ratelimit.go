// Package ratelimit implements a sliding-window request counter.
package ratelimit

import "time"

const (
	// DefaultMaxRequests is the cap applied when a caller does not specify one.
	DefaultMaxRequests = 10
	// DefaultWindow is the sliding window applied when a caller does not specify one.
	DefaultWindow = 60 * time.Second
)

// Limiter enforces a maximum number of events within a sliding time window.
// It is not safe for unsynchronized concurrent use; callers are expected to
// invoke it from a single goroutine (each alert channel owns one).
type Limiter struct {
	window time.Duration
	limit  int
	now    func() time.Time

	events []time.Time
}

// New constructs a Limiter allowing up to limit events per window. A
// non-positive limit or window disables limiting (Allow always true).
func New(limit int, window time.Duration, timeSource func() time.Time) *Limiter {
	if timeSource == nil {
		timeSource = time.Now
	}
	return &Limiter{window: window, limit: limit, now: timeSource}
}

// cleanup evicts entries older than now-window, in place.
func (l *Limiter) cleanup(now time.Time) {
	cutoff := now.Add(-l.window)
	kept := l.events[:0]
	for _, ts := range l.events {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	l.events = kept
}

// Allow peeks at whether the caller may proceed: it evicts expired entries
// and reports whether the resulting count is below the cap. It never
// appends a new entry; callers that proceed must call Record.
func (l *Limiter) Allow() bool {
	if l == nil || l.limit <= 0 || l.window <= 0 {
		return true
	}
	l.cleanup(l.now())
	return len(l.events) < l.limit
}

// Record unconditionally appends the current instant, evicting expired
// entries first. Callers are required to check Allow before calling Record.
func (l *Limiter) Record() {
	if l == nil || l.limit <= 0 || l.window <= 0 {
		return
	}
	now := l.now()
	l.cleanup(now)
	l.events = append(l.events, now)
}

// Count returns the number of events currently within the window.
func (l *Limiter) Count() int {
	if l == nil {
		return 0
	}
	l.cleanup(l.now())
	return len(l.events)
}

// Reset clears all recorded events.
func (l *Limiter) Reset() {
	if l == nil {
		return
	}
	l.events = nil
}
