package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func testLimiter(t *testing.T, perIP, burst int) *RateLimiter {
	t.Helper()
	limiter := NewRateLimiter(RateLimitConfig{
		Enabled:       true,
		RequestsPerIP: perIP,
		WindowSize:    time.Minute,
		BurstSize:     burst,
		CleanupPeriod: time.Hour,
		ExemptPaths:   []string{"/health"},
	}, slog.Default())
	t.Cleanup(limiter.Stop)
	return limiter
}

func TestRateLimiter_Allow(t *testing.T) {
	limiter := testLimiter(t, 10, 2)
	ip := "192.168.1.100"

	for i := 0; i < 12; i++ {
		allowed, remaining, _ := limiter.Allow(ip)
		if !allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
		if want := 12 - i - 1; remaining != want {
			t.Errorf("request %d: expected remaining=%d, got %d", i+1, want, remaining)
		}
	}

	allowed, remaining, reset := limiter.Allow(ip)
	if allowed {
		t.Error("request 13 should be denied")
	}
	if remaining != 0 {
		t.Errorf("expected remaining=0, got %d", remaining)
	}
	if reset.Before(time.Now()) {
		t.Error("reset time should be in the future")
	}
}

func TestRateLimiter_WindowReset(t *testing.T) {
	limiter := testLimiter(t, 5, 0)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }

	ip := "192.168.1.101"
	for i := 0; i < 5; i++ {
		if allowed, _, _ := limiter.Allow(ip); !allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if allowed, _, _ := limiter.Allow(ip); allowed {
		t.Error("request should be denied before window reset")
	}

	now = now.Add(time.Minute + time.Second)
	allowed, remaining, _ := limiter.Allow(ip)
	if !allowed {
		t.Error("request should be allowed after window reset")
	}
	if remaining != 4 {
		t.Errorf("expected remaining=4 after reset, got %d", remaining)
	}
}

func TestRateLimiter_MultipleIPs(t *testing.T) {
	limiter := testLimiter(t, 3, 0)

	for _, ip := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"} {
		for i := 0; i < 3; i++ {
			if allowed, _, _ := limiter.Allow(ip); !allowed {
				t.Errorf("IP %s: request %d should be allowed", ip, i+1)
			}
		}
		if allowed, _, _ := limiter.Allow(ip); allowed {
			t.Errorf("IP %s: request 4 should be denied", ip)
		}
	}
	if got := limiter.Tracked(); got != 3 {
		t.Errorf("expected 3 tracked clients, got %d", got)
	}
}

func TestRateLimiter_Cleanup(t *testing.T) {
	limiter := testLimiter(t, 3, 0)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }

	limiter.Allow("10.0.0.1")
	now = now.Add(30 * time.Second)
	limiter.Allow("10.0.0.2")

	// Windows end at +1m and +1m30s; cleanup at +2m15s drops only the first.
	now = now.Add(time.Minute + 45*time.Second)
	limiter.cleanup()

	if got := limiter.Tracked(); got != 1 {
		t.Errorf("expected 1 tracked client after cleanup, got %d", got)
	}
}

func TestRateLimit(t *testing.T) {
	limiter := testLimiter(t, 5, 0)
	handler := RateLimit(limiter, slog.Default())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func(path, addr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = addr
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w
	}

	t.Run("allows requests within limit", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			w := send("/api/stats", "192.168.1.100:12345")
			if w.Code != http.StatusOK {
				t.Errorf("request %d: expected 200, got %d", i+1, w.Code)
			}
			if w.Header().Get("X-RateLimit-Limit") != "5" {
				t.Errorf("unexpected X-RateLimit-Limit %q", w.Header().Get("X-RateLimit-Limit"))
			}
		}
	})

	t.Run("blocks requests over limit", func(t *testing.T) {
		w := send("/api/stats", "192.168.1.100:12345")
		if w.Code != http.StatusTooManyRequests {
			t.Fatalf("expected 429, got %d", w.Code)
		}
		if w.Header().Get("Retry-After") == "" {
			t.Error("missing Retry-After header")
		}
		var body map[string]any
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("failed to parse JSON response: %v", err)
		}
		if body["success"] != false || body["error"] != "too many requests" {
			t.Errorf("unexpected body %v", body)
		}
	})

	t.Run("exempts configured paths", func(t *testing.T) {
		if w := send("/health", "192.168.1.100:12345"); w.Code != http.StatusOK {
			t.Errorf("expected exempt path to return 200, got %d", w.Code)
		}
	})

	t.Run("separate limits for different IPs", func(t *testing.T) {
		if w := send("/api/stats", "192.168.1.200:12345"); w.Code != http.StatusOK {
			t.Errorf("new IP should be allowed, got %d", w.Code)
		}
	})
}

func TestRateLimit_Disabled(t *testing.T) {
	limiter := NewRateLimiter(RateLimitConfig{RequestsPerIP: 1, WindowSize: time.Minute}, nil)
	defer limiter.Stop()

	handler := RateLimit(limiter, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, w.Code)
		}
		if w.Header().Get("X-RateLimit-Limit") != "" {
			t.Error("disabled limiter should not set headers")
		}
	}
}

func TestRateLimiter_Concurrent(t *testing.T) {
	limiter := testLimiter(t, 100, 0)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if ok, _, _ := limiter.Allow("10.1.1.1"); ok {
					mu.Lock()
					allowed++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	if allowed != 100 {
		t.Errorf("expected exactly 100 allowed requests, got %d", allowed)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		xri        string
		trustProxy bool
		want       string
	}{
		{name: "remote addr", remoteAddr: "192.168.1.1:1234", want: "192.168.1.1"},
		{name: "remote addr without port", remoteAddr: "192.168.1.1", want: "192.168.1.1"},
		{name: "xff ignored when untrusted", remoteAddr: "10.0.0.1:1", xff: "1.2.3.4", want: "10.0.0.1"},
		{name: "rightmost xff", remoteAddr: "10.0.0.1:1", xff: "6.6.6.6, 1.2.3.4 ", trustProxy: true, want: "1.2.3.4"},
		{name: "x-real-ip", remoteAddr: "10.0.0.1:1", xri: "5.5.5.5", trustProxy: true, want: "5.5.5.5"},
		{name: "ipv6", remoteAddr: "[::1]:8080", want: "::1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xri != "" {
				req.Header.Set("X-Real-IP", tt.xri)
			}
			if got := ClientIP(req, tt.trustProxy); got != tt.want {
				t.Errorf("ClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}
