// Package middleware provides HTTP middleware for the risk API.
package middleware

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"ledger-risk/internal/metrics"
)

// RateLimitConfig holds rate limiting settings.
type RateLimitConfig struct {
	Enabled       bool          `yaml:"enabled"`
	RequestsPerIP int           `yaml:"requests_per_ip"` // per window
	WindowSize    time.Duration `yaml:"window_size"`
	BurstSize     int           `yaml:"burst_size"`
	CleanupPeriod time.Duration `yaml:"cleanup_period"`
	ExemptPaths   []string      `yaml:"exempt_paths"`
	TrustProxy    bool          `yaml:"trust_proxy"` // honour X-Forwarded-For
}

// DefaultRateLimitConfig returns the default rate limit settings.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled:       true,
		RequestsPerIP: 600,
		WindowSize:    time.Minute,
		BurstSize:     50,
		CleanupPeriod: 5 * time.Minute,
		ExemptPaths:   []string{"/health", "/ping", "/metrics"},
	}
}

// RateLimiter is a fixed window limiter keyed by client IP.
type RateLimiter struct {
	cfg         RateLimitConfig
	clients     map[string]*clientState
	mu          sync.RWMutex
	exemptPaths map[string]bool
	stopCleanup chan struct{}
	stopOnce    sync.Once
	logger      *slog.Logger
	now         func() time.Time
}

type clientState struct {
	count     int64
	windowEnd time.Time
	mu        sync.Mutex
}

// NewRateLimiter creates a limiter and starts its cleanup loop.
func NewRateLimiter(cfg RateLimitConfig, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CleanupPeriod <= 0 {
		cfg.CleanupPeriod = 5 * time.Minute
	}

	exempt := make(map[string]bool, len(cfg.ExemptPaths))
	for _, path := range cfg.ExemptPaths {
		exempt[path] = true
	}

	rl := &RateLimiter{
		cfg:         cfg,
		clients:     make(map[string]*clientState),
		exemptPaths: exempt,
		stopCleanup: make(chan struct{}),
		logger:      logger,
		now:         time.Now,
	}
	go rl.cleanupLoop()
	return rl
}

// Limit is the number of requests a client may make per window.
func (rl *RateLimiter) Limit() int {
	return rl.cfg.RequestsPerIP + rl.cfg.BurstSize
}

// Allow reports whether a request from ip is admitted, the requests left
// in the current window and when the window resets.
func (rl *RateLimiter) Allow(ip string) (bool, int, time.Time) {
	now := rl.now()

	rl.mu.Lock()
	client, ok := rl.clients[ip]
	if !ok {
		client = &clientState{windowEnd: now.Add(rl.cfg.WindowSize)}
		rl.clients[ip] = client
	}
	rl.mu.Unlock()

	client.mu.Lock()
	defer client.mu.Unlock()

	if now.After(client.windowEnd) {
		client.count = 0
		client.windowEnd = now.Add(rl.cfg.WindowSize)
	}

	limit := int64(rl.Limit())
	if client.count >= limit {
		return false, 0, client.windowEnd
	}
	client.count++
	return true, int(limit - client.count), client.windowEnd
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cfg.CleanupPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCleanup:
			return
		}
	}
}

// cleanup drops clients whose window ended more than one window ago.
func (rl *RateLimiter) cleanup() {
	expired := rl.now().Add(-rl.cfg.WindowSize)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for ip, client := range rl.clients {
		client.mu.Lock()
		if client.windowEnd.Before(expired) {
			delete(rl.clients, ip)
			removed++
		}
		client.mu.Unlock()
	}
	if removed > 0 {
		rl.logger.Debug("rate limiter cleanup", "removed", removed, "remaining", len(rl.clients))
	}
}

// Stop ends the cleanup loop. It is safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCleanup) })
}

// IsExempt reports whether path bypasses rate limiting.
func (rl *RateLimiter) IsExempt(path string) bool {
	return rl.exemptPaths[path]
}

// Tracked returns the number of clients currently tracked.
func (rl *RateLimiter) Tracked() int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return len(rl.clients)
}

// RateLimit applies limiter to every non-exempt request and answers 429
// once a client exhausts its window.
func RateLimit(limiter *RateLimiter, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		if !limiter.cfg.Enabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter.IsExempt(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			ip := ClientIP(r, limiter.cfg.TrustProxy)
			allowed, remaining, reset := limiter.Allow(ip)

			w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", limiter.Limit()))
			w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))
			w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", reset.Unix()))

			if !allowed {
				metrics.RateLimited.Inc()
				logger.Warn("rate limit exceeded", "ip", ip, "path", r.URL.Path, "method", r.Method)

				retryAfter := int(time.Until(reset).Seconds()) + 1
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
				writeJSONError(w, http.StatusTooManyRequests, "too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP extracts the caller address. With trustProxy set the rightmost
// X-Forwarded-For entry wins, since the nearest proxy appended it.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			parts := strings.Split(xff, ",")
			for i := len(parts) - 1; i >= 0; i-- {
				if ip := strings.TrimSpace(parts[i]); ip != "" {
					return ip
				}
			}
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return xri
		}
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
