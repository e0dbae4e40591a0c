package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	apperrors "github.com/terrapredict/terrapredict/internal/pkg/errors"
)

// RateLimiter provides per-client rate limiting.
type RateLimiter struct {
	mu       sync.RWMutex
	clients  map[string]*rate.Limiter
	lastSeen map[string]time.Time
	rate     rate.Limit
	burst    int
	cleanup  time.Duration
	idleTTL  time.Duration
	stop     chan struct{}
	stopOnce sync.Once
}

// RateLimiterConfig configures the rate limiter.
type RateLimiterConfig struct {
	// RequestsPerSecond is the rate limit per client.
	RequestsPerSecond float64
	// Burst is the maximum burst size.
	Burst int
	// CleanupInterval is how often to clean up stale clients.
	CleanupInterval time.Duration
	// IdleTTL is how long a client may stay silent before it is forgotten.
	IdleTTL time.Duration
}

// DefaultRateLimiterConfig returns sensible defaults. Prediction jobs are
// long running, so the defaults are far lower than for a query API.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		RequestsPerSecond: 5,
		Burst:             10,
		CleanupInterval:   time.Minute,
		IdleTTL:           5 * time.Minute,
	}
}

// NewRateLimiter creates a new rate limiter and starts its cleanup loop.
// Call Stop to release the loop.
func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 5 * time.Minute
	}

	rl := &RateLimiter{
		clients:  make(map[string]*rate.Limiter),
		lastSeen: make(map[string]time.Time),
		rate:     rate.Limit(cfg.RequestsPerSecond),
		burst:    cfg.Burst,
		cleanup:  cfg.CleanupInterval,
		idleTTL:  cfg.IdleTTL,
		stop:     make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// getLimiter returns the rate limiter for a client, creating one if needed.
func (rl *RateLimiter) getLimiter(clientIP string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.lastSeen[clientIP] = time.Now()

	limiter, exists := rl.clients[clientIP]
	if !exists {
		limiter = rate.NewLimiter(rl.rate, rl.burst)
		rl.clients[clientIP] = limiter
	}

	return limiter
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stop:
			return
		case now := <-ticker.C:
			rl.evictIdle(now)
		}
	}
}

// evictIdle forgets clients not seen since now-idleTTL.
func (rl *RateLimiter) evictIdle(now time.Time) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	threshold := now.Add(-rl.idleTTL)
	evicted := 0
	for ip, lastSeen := range rl.lastSeen {
		if lastSeen.Before(threshold) {
			delete(rl.clients, ip)
			delete(rl.lastSeen, ip)
			evicted++
		}
	}
	return evicted
}

// Stop terminates the cleanup loop. Safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// Allow checks if a request from the given IP should be allowed.
func (rl *RateLimiter) Allow(clientIP string) bool {
	return rl.getLimiter(clientIP).Allow()
}

// Middleware returns an HTTP middleware that applies rate limiting.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(ClientIP(r)) {
			w.Header().Set("Retry-After", "1")
			apperrors.WriteErrorWithStatus(w, http.StatusTooManyRequests,
				apperrors.RateLimitedError(1))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// ClientIP extracts the client IP from the request.
func ClientIP(r *http.Request) string {
	// Check X-Forwarded-For first (for proxies)
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
