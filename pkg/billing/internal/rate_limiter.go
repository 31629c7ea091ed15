package internal

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// RateLimiter is a fixed-window per-client limiter for webhook endpoints.
// Expired windows are swept lazily, so no background goroutine is needed.
type RateLimiter struct {
	mu          sync.Mutex
	windows     map[string]*window
	limit       int
	period      time.Duration
	sinceSweep  int
	sweepEvery  int
	sweepAtSize int
	now         func() time.Time
}

type window struct {
	count   int
	resetAt time.Time
}

// NewRateLimiter allows limit requests per client per period
func NewRateLimiter(limit int, period time.Duration) *RateLimiter {
	return &RateLimiter{
		windows:     make(map[string]*window),
		limit:       limit,
		period:      period,
		sweepEvery:  100,
		sweepAtSize: 200,
		now:         time.Now,
	}
}

// Allow reports whether client may make another request in the current window
func (rl *RateLimiter) Allow(client string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()

	rl.sinceSweep++
	if rl.sinceSweep >= rl.sweepEvery || len(rl.windows) > rl.sweepAtSize {
		rl.sweep(now)
		rl.sinceSweep = 0
	}

	w, ok := rl.windows[client]
	if !ok || !now.Before(w.resetAt) {
		rl.windows[client] = &window{count: 1, resetAt: now.Add(rl.period)}
		return true
	}
	if w.count >= rl.limit {
		return false
	}
	w.count++
	return true
}

// sweep drops expired windows. Caller holds rl.mu.
func (rl *RateLimiter) sweep(now time.Time) {
	for client, w := range rl.windows {
		if !now.Before(w.resetAt) {
			delete(rl.windows, client)
		}
	}
}

// Len returns the number of tracked clients
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.windows)
}

// Middleware rejects requests over the limit with 429
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(ClientIP(r)) {
			w.Header().Set("Retry-After", "60")
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientIP returns the first X-Forwarded-For hop, or the host part of RemoteAddr.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ip := strings.TrimSpace(strings.Split(xff, ",")[0]); ip != "" {
			return ip
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
