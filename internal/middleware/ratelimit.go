package middleware

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type entry struct {
	count    int
	windowAt time.Time
}

// RateLimiter counts failures per key in fixed windows.
type RateLimiter struct {
	mu      sync.Mutex
	entries map[string]*entry
	limit   int
	window  time.Duration
	clock   clockwork.Clock
}

func NewRateLimiter(limit int, window time.Duration, clock clockwork.Clock) *RateLimiter {
	return &RateLimiter{
		entries: make(map[string]*entry),
		limit:   limit,
		window:  window,
		clock:   clock,
	}
}

// Fail records one failure for key.
func (rl *RateLimiter) Fail(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	e, ok := rl.entries[key]
	if !ok || now.After(e.windowAt) {
		rl.entries[key] = &entry{count: 1, windowAt: now.Add(rl.window)}
		return
	}
	e.count++
}

// Blocked reports whether key has used up its failures in the current window.
func (rl *RateLimiter) Blocked(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	e, ok := rl.entries[key]
	if !ok || rl.clock.Now().After(e.windowAt) {
		return false
	}
	return e.count >= rl.limit
}

// Cleanup removes expired entries.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	for key, e := range rl.entries {
		if now.After(e.windowAt) {
			delete(rl.entries, key)
		}
	}
}
