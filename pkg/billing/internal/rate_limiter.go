package internal

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimiter is a fixed-window, per-client-IP limiter for webhook endpoints
type RateLimiter struct {
	mu           sync.Mutex
	windows      map[string]*window
	limit        int
	period       time.Duration
	now          func() time.Time
	sinceCleanup int
}

type window struct {
	count   int
	resetAt time.Time
}

const (
	cleanupEvery  = 100
	cleanupAtSize = 200
)

// NewRateLimiter allows limit requests per client IP in each period
func NewRateLimiter(limit int, period time.Duration) *RateLimiter {
	return &RateLimiter{
		windows: make(map[string]*window),
		limit:   limit,
		period:  period,
		now:     time.Now,
	}
}

// Allow records a request from ip and reports whether it is within the limit.
// When it is not, the returned duration is how long until the window resets.
func (rl *RateLimiter) Allow(ip string) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()

	rl.sinceCleanup++
	if rl.sinceCleanup >= cleanupEvery || len(rl.windows) > cleanupAtSize {
		rl.evictExpired(now)
		rl.sinceCleanup = 0
	}

	w, ok := rl.windows[ip]
	if !ok || !now.Before(w.resetAt) {
		rl.windows[ip] = &window{count: 1, resetAt: now.Add(rl.period)}
		return true, 0
	}

	if w.count >= rl.limit {
		return false, w.resetAt.Sub(now)
	}
	w.count++
	return true, 0
}

func (rl *RateLimiter) evictExpired(now time.Time) {
	for ip, w := range rl.windows {
		if !now.Before(w.resetAt) {
			delete(rl.windows, ip)
		}
	}
}

// Len returns the number of tracked clients
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.windows)
}

// Middleware rejects over-limit requests with 429 and a Retry-After header
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, retryAfter := rl.Allow(ClientIP(r))
		if !ok {
			seconds := int(retryAfter.Round(time.Second) / time.Second)
			if seconds < 1 {
				seconds = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(seconds))
			_ = WriteError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientIP extracts the client address, preferring the first X-Forwarded-For
// hop, then X-Real-IP, then the host part of RemoteAddr.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ip := strings.TrimSpace(strings.Split(xff, ",")[0]); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
