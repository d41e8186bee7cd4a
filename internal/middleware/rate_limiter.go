// Package middleware holds HTTP middleware for the gateway process.
package middleware

import (
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// RateLimiter bounds how often a single user may hit the gateway, keyed by
// the X-User-ID header. Reconnect storms after a deploy or a flaky network
// otherwise hammer the subscribe path and the waiting set.
//
// Sliding one-minute windows per key; expired windows are garbage-collected
// in the background.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	limit   int
	stop    chan struct{}
}

type window struct {
	count int
	start time.Time
}

// NewRateLimiter creates a limiter allowing maxPerMinute requests per user
// per minute. Zero means the default of 30.
func NewRateLimiter(maxPerMinute int) *RateLimiter {
	if maxPerMinute <= 0 {
		maxPerMinute = 30
	}
	rl := &RateLimiter{
		windows: make(map[string]*window),
		limit:   maxPerMinute,
		stop:    make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

// Allow reports whether a request under the given key is within the limit.
func (rl *RateLimiter) Allow(key string) bool {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	w, ok := rl.windows[key]
	if !ok || now.Sub(w.start) > time.Minute {
		rl.windows[key] = &window{count: 1, start: now}
		return true
	}
	w.count++
	if w.count > rl.limit {
		slog.Warn("[RateLimiter] Limit exceeded", "key", key, "count", w.count, "limit", rl.limit)
		return false
	}
	return true
}

// Middleware enforces the limit per user. Requests without a user id share
// the "anonymous" key; the auth check downstream rejects them anyway.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-User-ID")
		if key == "" {
			key = "anonymous"
		}
		if !rl.Allow(key) {
			w.Header().Set("Retry-After", "60")
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Close stops the background cleanup goroutine.
func (rl *RateLimiter) Close() {
	close(rl.stop)
}

func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			rl.mu.Lock()
			now := time.Now()
			for key, w := range rl.windows {
				if now.Sub(w.start) > 2*time.Minute {
					delete(rl.windows, key)
				}
			}
			rl.mu.Unlock()
		}
	}
}
