package api

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	visitorSweepInterval = 5 * time.Minute
	visitorTTL           = 10 * time.Minute
)

// visitor tracks the token bucket for one client IP.
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// visitorMap hands out per-IP limiters and evicts idle entries.
type visitorMap struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rps      rate.Limit
	burst    int
}

func newVisitorMap(requestsPerMinute int) *visitorMap {
	return &visitorMap{
		visitors: make(map[string]*visitor, 64),
		rps:      rate.Limit(float64(requestsPerMinute) / 60.0),
		burst:    requestsPerMinute,
	}
}

// allow reports whether the request from ip fits its rate budget.
func (vm *visitorMap) allow(ip string) bool {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	v, ok := vm.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(vm.rps, vm.burst)}
		vm.visitors[ip] = v
	}

	v.lastSeen = time.Now()

	return v.limiter.Allow()
}

// evictStale drops visitors idle longer than the TTL.
func (vm *visitorMap) evictStale(ttl time.Duration) {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	for ip, v := range vm.visitors {
		if time.Since(v.lastSeen) > ttl {
			delete(vm.visitors, ip)
		}
	}
}

// sweep evicts stale visitors periodically until done is closed.
func (vm *visitorMap) sweep(done <-chan struct{}) {
	ticker := time.NewTicker(visitorSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			vm.evictStale(visitorTTL)
		}
	}
}

// rateLimitMiddleware returns a per-IP rate limiting middleware. Its
// sweeper goroutine runs until the server shuts down.
func (s *server) rateLimitMiddleware(
	requestsPerMinute int,
) func(http.Handler) http.Handler {
	vm := newVisitorMap(requestsPerMinute)

	go vm.sweep(s.done)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !vm.allow(extractIP(r)) {
				writeJSON(w, http.StatusTooManyRequests,
					errorResponse{"rate limit exceeded"})

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// extractIP returns the client's IP address, honoring X-Forwarded-For
// set by reverse proxies.
func extractIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")

		return strings.TrimSpace(first)
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return ip
}
