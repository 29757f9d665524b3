// Package ratelimit provides a keyed token-bucket limiter whose idle keys
// are swept explicitly.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter allows max events per window for each key
type Limiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	ttl     time.Duration
	entries map[string]*entry
}

// New creates a limiter allowing max events per window per key. Keys idle
// for longer than ttl are dropped by Sweep; a ttl below window is raised
// to window.
func New(max int, window, ttl time.Duration) *Limiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	if ttl < window {
		ttl = window
	}
	return &Limiter{
		max:     max,
		window:  window,
		ttl:     ttl,
		entries: make(map[string]*entry),
	}
}

// Window returns the refill window.
func (l *Limiter) Window() time.Duration {
	return l.window
}

// Allow reports whether key may proceed now.
func (l *Limiter) Allow(key string) bool {
	return l.AllowAt(key, time.Now())
}

// AllowAt reports whether key may proceed at now.
func (l *Limiter) AllowAt(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(rate.Every(l.window/time.Duration(l.max)), l.max)}
		l.entries[key] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

// Sweep drops keys idle since before now minus the ttl and returns how
// many were removed.
func (l *Limiter) Sweep(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, e := range l.entries {
		if now.Sub(e.lastSeen) > l.ttl {
			delete(l.entries, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Run sweeps every interval until ctx is done.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			l.Sweep(now)
		}
	}
}
