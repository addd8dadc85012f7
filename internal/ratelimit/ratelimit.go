// Package ratelimit caps how many requests each agent may submit per window.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter decides whether key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) bool
}

// Window is an in-process sliding-window limiter.
type Window struct {
	mu       sync.Mutex
	limit    int
	window   time.Duration
	now      func() time.Time
	counters map[string][]time.Time
}

// NewWindow creates a limiter of limit events per window. A limit of zero
// or less allows everything.
func NewWindow(limit int, window time.Duration) *Window {
	if window <= 0 {
		window = time.Minute
	}
	return &Window{
		limit:    limit,
		window:   window,
		now:      time.Now,
		counters: make(map[string][]time.Time),
	}
}

// Allow records an event for key unless the window is full.
func (w *Window) Allow(_ context.Context, key string) bool {
	if w.limit <= 0 {
		return true
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	cutoff := now.Add(-w.window)

	timestamps := w.counters[key]
	pruned := timestamps[:0]
	for _, ts := range timestamps {
		if ts.After(cutoff) {
			pruned = append(pruned, ts)
		}
	}

	if len(pruned) >= w.limit {
		w.counters[key] = pruned
		return false
	}
	w.counters[key] = append(pruned, now)
	return true
}
