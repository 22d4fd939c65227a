package internal

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

// RateLimiter is an in-memory fixed-window limiter keyed by client IP. It guards
// the webhook endpoint against floods of unauthenticated requests.
type RateLimiter struct {
	mu           sync.Mutex
	limit        int
	window       time.Duration
	clients      map[string]*window
	calls        int
	sweepEvery   int
	sweepAtCount int
	now          func() time.Time
}

type window struct {
	count   int
	resetAt time.Time
}

// NewRateLimiter allows limit requests per client per window
func NewRateLimiter(limit int, per time.Duration) *RateLimiter {
	return &RateLimiter{
		limit:        limit,
		window:       per,
		clients:      make(map[string]*window),
		sweepEvery:   100,
		sweepAtCount: 200,
		now:          time.Now,
	}
}

// Allow consumes one request for key and reports whether it is within the limit,
// together with the time the key's window resets
func (rl *RateLimiter) Allow(key string) (bool, time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.calls++
	if rl.calls%rl.sweepEvery == 0 || len(rl.clients) > rl.sweepAtCount {
		rl.sweep(now)
		rl.calls = 0
	}

	w, ok := rl.clients[key]
	if !ok || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Add(rl.window)}
		rl.clients[key] = w
	}
	if w.count >= rl.limit {
		return false, w.resetAt
	}
	w.count++
	return true, w.resetAt
}

func (rl *RateLimiter) sweep(now time.Time) {
	for k, w := range rl.clients {
		if !now.Before(w.resetAt) {
			delete(rl.clients, k)
		}
	}
}

// Len returns the number of tracked clients
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

// Middleware rejects over-limit clients with 429 and a Retry-After header
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, resetAt := rl.Allow(ClientIP(r))
		if !ok {
			secs := int(time.Until(resetAt).Seconds()) + 1
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			WriteError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
