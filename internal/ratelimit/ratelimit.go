// Package ratelimit implements the per-client sliding-window admission
// check.
//
// The limiter is approximate: the window reset is lazy (performed on the
// next call), so a client that stays silent and then bursts gets a fresh
// full quota. That is acceptable for abuse mitigation, not for accounting.
package ratelimit

import (
	"sync"
	"time"
)

const (
	// window is the admission interval.
	window = time.Second
	// staleAfter is how long an untouched entry survives before Cleanup
	// purges it.
	staleAfter = 3 * window
)

type entry struct {
	count int
	start time.Time
}

// Limiter admits up to a fixed number of messages per client per second.
// Safe for concurrent use.
type Limiter struct {
	mu      sync.Mutex
	limit   int
	entries map[string]*entry
	now     func() time.Time
}

// New creates a limiter with the given per-second ceiling.
func New(limit int) *Limiter {
	return NewWithClock(limit, time.Now)
}

// NewWithClock creates a limiter with an injected clock. Tests use this to
// advance the window deterministically.
func NewWithClock(limit int, now func() time.Time) *Limiter {
	return &Limiter{
		limit:   limit,
		entries: make(map[string]*entry),
		now:     now,
	}
}

// Allow reports whether a message from the client is admitted within the
// current one-second window. Denied messages are dropped, never queued.
func (l *Limiter) Allow(clientID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e, ok := l.entries[clientID]
	if !ok {
		e = &entry{start: now}
		l.entries[clientID] = e
	}

	if now.Sub(e.start) >= window {
		e.count = 0
		e.start = now
	}

	e.count++
	return e.count <= l.limit
}

// Remove discards tracking state for a disconnected client.
func (l *Limiter) Remove(clientID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, clientID)
}

// Cleanup purges entries whose window has been stale for longer than a
// small multiple of the window size, bounding memory for churny connection
// sets. Callers run it periodically.
func (l *Limiter) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for id, e := range l.entries {
		if now.Sub(e.start) > staleAfter {
			delete(l.entries, id)
		}
	}
}

// Len returns the number of tracked clients.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
