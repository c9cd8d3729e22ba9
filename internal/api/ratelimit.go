package api

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gantry-io/gantry/internal/config"
)

// purgeAfterWindows is how many idle windows a bucket survives before the
// periodic purge drops it.
const purgeAfterWindows = 5

// bucket is the fixed-window rate-limit state for one client IP.
type bucket struct {
	lastRequest  time.Time
	count        int
	blockedUntil time.Time
}

type limitVerdict int

const (
	limitAllow limitVerdict = iota
	limitSoft               // over max_requests, allowed but logged
	limitBlocked
)

// RateLimiter tracks request counts per client IP over a fixed window.
// Counts beyond the soft limit are logged and permitted; counts beyond the
// burst limit block the IP for the configured duration. Stale buckets are
// dropped by Purge, which the task runner invokes on a schedule.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket

	maxRequests int
	burstLimit  int
	window      time.Duration
	block       time.Duration
}

// NewRateLimiter builds a limiter from its configuration section.
func NewRateLimiter(cfg config.RateLimit) *RateLimiter {
	return &RateLimiter{
		buckets:     make(map[string]*bucket),
		maxRequests: cfg.MaxRequests,
		burstLimit:  cfg.BurstLimit,
		window:      time.Duration(cfg.WindowSeconds) * time.Second,
		block:       time.Duration(cfg.BlockMinutes) * time.Minute,
	}
}

// take records one request from ip and returns the verdict plus the count
// in the current window.
func (rl *RateLimiter) take(ip string, now time.Time) (limitVerdict, int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[ip]
	if !ok {
		b = &bucket{}
		rl.buckets[ip] = b
	}

	if now.Before(b.blockedUntil) {
		return limitBlocked, b.count
	}
	if now.Sub(b.lastRequest) > rl.window {
		b.count = 1
	} else {
		b.count++
	}
	if b.count > rl.burstLimit {
		b.blockedUntil = now.Add(rl.block)
		return limitBlocked, b.count
	}
	b.lastRequest = now
	if b.count > rl.maxRequests {
		return limitSoft, b.count
	}
	return limitAllow, b.count
}

// Purge drops buckets idle for more than five windows and not currently
// blocked. Returns the number removed.
func (rl *RateLimiter) Purge() int {
	now := time.Now()
	cutoff := now.Add(-purgeAfterWindows * rl.window)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for ip, b := range rl.buckets {
		if b.lastRequest.Before(cutoff) && !now.Before(b.blockedUntil) {
			delete(rl.buckets, ip)
			removed++
		}
	}
	if removed > 0 {
		slog.Debug("purged rate limit buckets", "removed", removed)
	}
	return removed
}

// Len reports the number of tracked client IPs.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

// retryAfter is the constant Retry-After value for blocked clients, the
// block duration in whole seconds.
func (rl *RateLimiter) retryAfter() string {
	return strconv.Itoa(int(rl.block / time.Second))
}

// Middleware enforces the limiter per request, keyed by client IP.
func (rl *RateLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)
			verdict, count := rl.take(ip, time.Now())
			switch verdict {
			case limitBlocked:
				w.Header().Set("Retry-After", rl.retryAfter())
				securityError(w, http.StatusTooManyRequests, "Too many requests")
				return
			case limitSoft:
				LoggerFromContext(r.Context()).Warn("rate limit exceeded",
					"ip", ip, "count", count, "max_requests", rl.maxRequests)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP extracts the client address, tolerating a missing port. The
// RealIP middleware has already folded proxy headers into RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
