// ratelimit.go - Sliding-window rate limiter middleware by client IP.
//
// Guards token issuance, the one route that needs no credentials and
// produces signed material.
package server

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// rateLimiter tracks request times per IP address in memory. A background
// goroutine evicts idle visitors until Close.
type rateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rate     int           // requests allowed per window
	window   time.Duration // time window for rate limiting
	now      func() time.Time

	trustProxy bool // key on forwarding headers instead of the peer address

	stop     chan struct{}
	stopOnce sync.Once
}

// visitor tracks request timestamps for a single IP address
type visitor struct {
	mu       sync.Mutex
	requests []time.Time
}

// newRateLimiter creates a rate limiter that allows 'rate' requests per 'window'.
func newRateLimiter(rate int, window time.Duration, trustProxy bool) *rateLimiter {
	rl := &rateLimiter{
		visitors:   make(map[string]*visitor),
		rate:       rate,
		window:     window,
		now:        time.Now,
		trustProxy: trustProxy,
		stop:       make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// middleware returns an HTTP middleware that enforces rate limits
func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, retryAfter := rl.allow(getClientIP(r, rl.trustProxy))
		if !ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Round(time.Second)/time.Second)+1))
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// allow records a request from ip if it fits in the window. When it does
// not, it also returns how long until the oldest request leaves the window.
func (rl *rateLimiter) allow(ip string) (bool, time.Duration) {
	rl.mu.Lock()
	v, exists := rl.visitors[ip]
	if !exists {
		v = &visitor{requests: make([]time.Time, 0, rl.rate)}
		rl.visitors[ip] = v
	}
	rl.mu.Unlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	now := rl.now()
	cutoff := now.Add(-rl.window)

	kept := v.requests[:0]
	for _, t := range v.requests {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	v.requests = kept

	if len(v.requests) >= rl.rate {
		return false, v.requests[0].Sub(cutoff)
	}
	v.requests = append(v.requests, now)
	return true, 0
}

func (rl *rateLimiter) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			rl.evictIdle()
		}
	}
}

// evictIdle removes visitors with no request in the last two windows.
func (rl *rateLimiter) evictIdle() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-rl.window * 2)
	for ip, v := range rl.visitors {
		v.mu.Lock()
		if len(v.requests) == 0 || v.requests[len(v.requests)-1].Before(cutoff) {
			delete(rl.visitors, ip)
		}
		v.mu.Unlock()
	}
}

// Close stops the eviction goroutine.
func (rl *rateLimiter) Close() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// getClientIP extracts the client's IP address from the request. Forwarding
// headers are client-controlled unless a reverse proxy rewrites them, so they
// are read only when trustProxy is set. The proxy appends the address it saw
// to X-Forwarded-For, which makes the last entry the trustworthy one.
func getClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			if i := strings.LastIndex(xff, ","); i >= 0 {
				xff = xff[i+1:]
			}
			if ip := strings.TrimSpace(xff); ip != "" {
				return ip
			}
		}
		if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
			return xri
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
