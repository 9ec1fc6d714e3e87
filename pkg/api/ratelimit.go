package api

import (
	"sync"
	"time"
)

// rateLimiter is a fixed-window per-client request counter. Windows are
// one minute, matching the published per-route limits.
type rateLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	clients map[string]*windowCount
	now     func() time.Time
}

type windowCount struct {
	start time.Time
	count int
}

func newRateLimiter(perMinute int) *rateLimiter {
	return &rateLimiter{
		limit:   perMinute,
		window:  time.Minute,
		clients: make(map[string]*windowCount),
		now:     time.Now,
	}
}

// Allow reports whether the client may make another request, counting it
// if so.
func (rl *rateLimiter) Allow(client string) bool {
	if rl.limit <= 0 {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	wc, ok := rl.clients[client]
	if !ok || now.Sub(wc.start) >= rl.window {
		rl.clients[client] = &windowCount{start: now, count: 1}
		rl.pruneLocked(now)
		return true
	}
	if wc.count >= rl.limit {
		return false
	}
	wc.count++
	return true
}

// pruneLocked drops expired windows so the map stays bounded.
func (rl *rateLimiter) pruneLocked(now time.Time) {
	if len(rl.clients) < 1024 {
		return
	}
	for client, wc := range rl.clients {
		if now.Sub(wc.start) >= rl.window {
			delete(rl.clients, client)
		}
	}
}
