// Package middleware provides HTTP middleware for the runbook API server.
package middleware

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/stage0-ops/runbook-api/pkg/config"
)

const (
	// Rate limit header names.
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRetryAfter         = "Retry-After"

	// ScopeExecute selects the stricter execute limit.
	ScopeExecute = "execute"

	// Cleanup interval for stale per-client limiters.
	cleanupInterval = 5 * time.Minute
)

// RateLimiter enforces per-client request limits. Each client IP gets its own
// token bucket per scope; execute requests draw from a stricter bucket than
// the rest of the API.
type RateLimiter struct {
	log logrus.FieldLogger
	cfg config.RateLimitConfig

	mu       sync.Mutex
	limiters map[string]*clientEntry
	stopCh   chan struct{}
	stopOnce sync.Once
}

// clientEntry holds a token bucket and the time it was last used.
type clientEntry struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// NewRateLimiter creates a rate limiter middleware and starts its cleanup
// goroutine.
func NewRateLimiter(log logrus.FieldLogger, cfg config.RateLimitConfig) *RateLimiter {
	rl := &RateLimiter{
		log:      log.WithField("component", "rate-limiter"),
		cfg:      cfg,
		limiters: make(map[string]*clientEntry, 64),
		stopCh:   make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Middleware returns an HTTP middleware enforcing the limit for the given
// scope. Pass ScopeExecute for execution endpoints, anything else (or empty)
// for the general API limit.
func (rl *RateLimiter) Middleware(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.cfg.Enabled {
				next.ServeHTTP(w, r)

				return
			}

			perMinute := rl.perMinute(scope)
			clientIP := ClientIP(r)
			entry := rl.entry(clientIP+":"+scope, perMinute)

			remaining := int(entry.limiter.Tokens())
			if remaining < 0 {
				remaining = 0
			}

			w.Header().Set(HeaderRateLimitLimit, fmt.Sprintf("%d", perMinute))
			w.Header().Set(HeaderRateLimitRemaining, fmt.Sprintf("%d", remaining))

			if !entry.limiter.Allow() {
				rl.log.WithFields(logrus.Fields{
					"client_ip": clientIP,
					"scope":     scope,
				}).Debug("Rate limit exceeded")

				w.Header().Set(HeaderRetryAfter, "60")
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// perMinute returns the configured per-minute budget for a scope.
func (rl *RateLimiter) perMinute(scope string) int {
	if scope == ScopeExecute {
		return rl.cfg.ExecutePerMinute
	}

	return rl.cfg.RequestsPerMinute
}

// entry returns the token bucket for a key, creating it on first use.
func (rl *RateLimiter) entry(key string, perMinute int) *clientEntry {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if entry, ok := rl.limiters[key]; ok {
		entry.lastUsed = time.Now()

		return entry
	}

	entry := &clientEntry{
		limiter:  rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute),
		lastUsed: time.Now(),
	}
	rl.limiters[key] = entry

	return entry
}

// cleanupLoop periodically drops buckets that have gone quiet.
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stopCh:
			return
		case <-ticker.C:
			rl.cleanup()
		}
	}
}

func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-cleanupInterval)
	removed := 0

	for key, entry := range rl.limiters {
		if entry.lastUsed.Before(cutoff) {
			delete(rl.limiters, key)
			removed++
		}
	}

	if removed > 0 {
		rl.log.WithFields(logrus.Fields{
			"removed":   removed,
			"remaining": len(rl.limiters),
		}).Debug("Rate limiter cleanup completed")
	}
}

// Close stops the cleanup goroutine.
func (rl *RateLimiter) Close() error {
	rl.stopOnce.Do(func() { close(rl.stopCh) })

	return nil
}

// ClientIP extracts the client address, trusting X-Forwarded-For when
// present since the API is expected to sit behind a reverse proxy.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}
