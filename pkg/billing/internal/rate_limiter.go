package internal

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter limits requests per client IP with a token bucket per address.
// A client may burst up to limit requests and then gets limit requests per window.
type RateLimiter struct {
	mu            sync.Mutex
	clients       map[string]*client
	limit         int
	window        time.Duration
	requestCount  int
	cleanupEvery  int // cleanup every N requests
	cleanupAtSize int // cleanup when map size exceeds this
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a new rate limiter with the specified limit and window
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit < 1 {
		limit = 1
	}
	return &RateLimiter{
		clients:       make(map[string]*client),
		limit:         limit,
		window:        window,
		cleanupEvery:  100,
		cleanupAtSize: 200,
	}
}

func (rl *RateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()

	rl.requestCount++
	if rl.requestCount%rl.cleanupEvery == 0 || len(rl.clients) > rl.cleanupAtSize {
		rl.cleanupIdle(now)
		if rl.requestCount >= rl.cleanupEvery*10 {
			rl.requestCount = 0
		}
	}

	c, ok := rl.clients[ip]
	if !ok {
		c = &client{limiter: rate.NewLimiter(rate.Every(rl.window/time.Duration(rl.limit)), rl.limit)}
		rl.clients[ip] = c
	}
	c.lastSeen = now
	return c.limiter.AllowN(now, 1)
}

// cleanupIdle drops clients not seen for a whole window; their bucket is full again anyway.
func (rl *RateLimiter) cleanupIdle(now time.Time) {
	for ip, c := range rl.clients {
		if now.Sub(c.lastSeen) > rl.window {
			delete(rl.clients, ip)
		}
	}
}

// Cleanup removes idle clients from the rate limiter.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.cleanupIdle(time.Now())
}

// Middleware wraps HTTP handler with rate limiting
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.allow(GetClientIP(r)) {
			_ = WriteError(w, http.StatusTooManyRequests, "Too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GetClientIP extracts the client IP address from the request.
// Checks X-Forwarded-For header first (set by proxies/load balancers),
// then falls back to the host part of RemoteAddr.
func GetClientIP(r *http.Request) string {
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
