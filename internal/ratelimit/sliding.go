package ratelimit

import (
	"context"
	"sync"
	"time"
)

// SlidingLimiter implements Limiter with a per-key sliding window of request
// timestamps. A request is admitted when fewer than max timestamps fall inside
// the window; the admitted request's timestamp is then appended.
//
// The check-then-append sequence is a deliberate read-modify-write: two
// requests racing on the same key across processes may both be admitted at
// the boundary. Within one process the mutex keeps the map consistent, but
// the admission semantics stay loose on purpose — do not tighten them.
type SlidingLimiter struct {
	window time.Duration
	max    int

	mu      sync.Mutex
	entries map[string]*windowEntry

	stopOnce sync.Once
	done     chan struct{}

	now func() time.Time // overridable for tests
}

type windowEntry struct {
	timestamps []time.Time
	lastAccess time.Time
}

// NewSlidingLimiter creates a sliding-window limiter admitting at most max
// requests per key per window. A background goroutine evicts keys whose
// newest timestamp has aged past the window (entry TTL = window).
func NewSlidingLimiter(window time.Duration, max int) *SlidingLimiter {
	l := &SlidingLimiter{
		window:  window,
		max:     max,
		entries: make(map[string]*windowEntry),
		done:    make(chan struct{}),
		now:     time.Now,
	}
	go l.cleanup()
	return l
}

// Allow records and admits the request unless the window is full.
func (l *SlidingLimiter) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)

	e, ok := l.entries[key]
	if !ok {
		e = &windowEntry{}
		l.entries[key] = e
	}

	// Prune timestamps that slid out of the window.
	kept := e.timestamps[:0]
	for _, ts := range e.timestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	e.timestamps = kept
	e.lastAccess = now

	if len(e.timestamps) >= l.max {
		return false, nil
	}
	e.timestamps = append(e.timestamps, now)
	return true, nil
}

// Close stops the cleanup goroutine. Safe to call multiple times.
func (l *SlidingLimiter) Close() error {
	l.stopOnce.Do(func() { close(l.done) })
	return nil
}

func (l *SlidingLimiter) cleanup() {
	ticker := time.NewTicker(l.window)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.evictStale()
		}
	}
}

func (l *SlidingLimiter) evictStale() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.window)
	for key, e := range l.entries {
		if e.lastAccess.Before(cutoff) {
			delete(l.entries, key)
		}
	}
}
