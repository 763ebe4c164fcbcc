package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"ledger-risk/internal/api/dashboard"
	"ledger-risk/internal/api/reports"
	"ledger-risk/internal/correlation"
	"ledger-risk/internal/ledger"
	"ledger-risk/internal/middleware"
	"ledger-risk/internal/report"
)

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

type fakeEngine struct{ ready bool }

func (e fakeEngine) Ready() bool { return e.ready }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestRouter_Routes(t *testing.T) {
	rt := NewRouter()
	noop := func(http.ResponseWriter, *http.Request) {}
	rt.HandleFunc("GET /api/stats", noop)
	rt.HandleFunc("POST /api/risk-analysis", noop)
	rt.HandleFunc("GET /api/risk-analysis", noop)
	rt.HandleFunc("/legacy", noop)

	routes := rt.Routes()
	if len(routes) != 3 {
		t.Fatalf("expected 3 routes, got %d: %+v", len(routes), routes)
	}
	if routes[0].Rule != "/api/risk-analysis" || routes[0].Endpoint != "risk_analysis" {
		t.Errorf("unexpected first route %+v", routes[0])
	}
	if strings.Join(routes[0].Methods, ",") != "GET,POST" {
		t.Errorf("methods = %v, want GET,POST", routes[0].Methods)
	}
	if routes[2].Rule != "/legacy" || routes[2].Methods[0] != "ANY" {
		t.Errorf("unexpected legacy route %+v", routes[2])
	}
}

func TestEndpointName(t *testing.T) {
	tests := map[string]string{
		"/":                         "index",
		"/api":                      "index",
		"/health":                   "health",
		"/api/health":               "health",
		"/api/risk-analysis/export": "risk_analysis_export",
		"/api/recent-transactions":  "recent_transactions",
		"/api/items/{id}":           "items_id",
	}
	for in, want := range tests {
		if got := endpointName(in); got != want {
			t.Errorf("endpointName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		ledger     Pinger
		engine     ReadyChecker
		wantCode   int
		wantStatus string
	}{
		{"no dependencies", nil, nil, http.StatusOK, "healthy"},
		{"all ok", fakePinger{}, fakeEngine{ready: true}, http.StatusOK, "healthy"},
		{"ledger down", fakePinger{err: errors.New("refused")}, fakeEngine{ready: true}, http.StatusServiceUnavailable, "unhealthy"},
		{"engine backfilling", fakePinger{}, fakeEngine{ready: false}, http.StatusServiceUnavailable, "unhealthy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := NewRouter()
			NewHealth(tt.ledger, tt.engine, testLogger()).RegisterRoutes(rt)

			for _, path := range []string{"/health", "/api/health"} {
				rec := httptest.NewRecorder()
				rt.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

				if rec.Code != tt.wantCode {
					t.Errorf("%s: status = %d, want %d", path, rec.Code, tt.wantCode)
				}
				var body map[string]any
				if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
					t.Fatalf("decode: %v", err)
				}
				if body["status"] != tt.wantStatus {
					t.Errorf("%s: status field = %v, want %s", path, body["status"], tt.wantStatus)
				}
				if body["success"] != (tt.wantCode == http.StatusOK) {
					t.Errorf("%s: success = %v", path, body["success"])
				}
			}
		})
	}
}

func TestHealth_OptionalCheck(t *testing.T) {
	h := NewHealth(fakePinger{}, nil, testLogger())
	h.AddCheck("feed", func(context.Context) error { return errors.New("no brokers") })
	rt := NewRouter()
	h.RegisterRoutes(rt)

	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "degraded" || body.Checks["feed"] != "degraded" || body.Checks["ledger"] != "ok" {
		t.Errorf("body = %+v", body)
	}
}

func TestPing(t *testing.T) {
	rt := NewRouter()
	NewHealth(nil, nil, nil).RegisterRoutes(rt)

	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "pong" {
		t.Errorf("got %d %q", rec.Code, rec.Body.String())
	}
}

func newFullHandler(t *testing.T, opts Options) (http.Handler, *ledger.MemoryLedger) {
	t.Helper()
	m := ledger.NewMemoryLedger()
	m.PutAccount(ledger.Account{ID: 1, Name: "User_0001"})

	cfg := correlation.DefaultEngineConfig()
	engine := correlation.NewEngine(m, cfg)
	svc := report.NewService(engine, m, report.DefaultConfig())

	rt := NewRouter()
	NewHealth(nil, engine, testLogger()).RegisterRoutes(rt)
	reports.NewHandler(svc, testLogger()).RegisterRoutes(rt)
	dashboard.NewAPI(m, decimal.NewFromInt(50000), nil, nil, testLogger()).RegisterRoutes(rt)

	if opts.Logger == nil {
		opts.Logger = testLogger()
	}
	return Handler(rt, opts), m
}

func TestHandler_EndToEnd(t *testing.T) {
	opts := Options{
		Auth:            middleware.DefaultAuthConfig(),
		CORS:            middleware.DefaultCORSConfig(),
		SecurityHeaders: middleware.DefaultSecurityHeadersConfig(),
	}
	h, m := newFullHandler(t, opts)

	now := time.Now().UTC()
	m.PutAccount(ledger.Account{ID: 2, Name: "User_0002"})
	if err := m.PutTransaction(ledger.Transaction{
		ID: 1, CreatedAt: now.Add(-time.Hour), Amount: decimal.NewFromInt(60000),
		SenderID: 1, ReceiverID: 2, Status: ledger.StatusPosted,
	}); err != nil {
		t.Fatal(err)
	}

	t.Run("risk analysis", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/risk-analysis",
			strings.NewReader(`{"time_range":"24h","min_metric_a":0,"min_metric_b":0,"max_metric_c":"1000000"}`))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
		}
		if rec.Header().Get("X-Request-ID") == "" {
			t.Error("missing request id")
		}
		if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
			t.Error("missing security headers")
		}
		var body reports.RiskResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body.TotalCount != 1 || body.Transactions[0].TransactionID != 1 {
			t.Errorf("unexpected result %+v", body)
		}
	})

	t.Run("unknown range", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/risk-analysis", strings.NewReader(`{"time_range":"2w"}`))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("routes", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/routes", nil))
		var body struct {
			Routes []Route `json:"routes"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		rules := map[string]bool{}
		for _, r := range body.Routes {
			rules[r.Rule] = true
		}
		for _, want := range []string{"/health", "/ping", "/metrics", "/routes", "/api/risk-analysis", "/api/stats", "/api/recent-transactions", "/api/indicators-summary"} {
			if !rules[want] {
				t.Errorf("route %s not listed", want)
			}
		}
	})

	t.Run("metrics", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "http_requests_total") {
			t.Errorf("metrics endpoint returned %d", rec.Code)
		}
	})
}

func TestHandler_APIKey(t *testing.T) {
	auth := middleware.DefaultAuthConfig()
	auth.Enabled = true
	auth.APIKeys = []string{"secret-key-123"}
	h, _ := newFullHandler(t, Options{Auth: auth})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	req.Header.Set("X-API-Key", "secret-key-123")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}

	// Probes stay open.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("health status = %d, want 200", rec.Code)
	}
}

func TestHandler_RateLimit(t *testing.T) {
	cfg := middleware.DefaultRateLimitConfig()
	cfg.RequestsPerIP = 2
	cfg.BurstSize = 0
	limiter := middleware.NewRateLimiter(cfg, testLogger())
	defer limiter.Stop()

	h, _ := newFullHandler(t, Options{RateLimiter: limiter})

	var last int
	for range 3 {
		req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
		req.RemoteAddr = "192.0.2.10:5000"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		last = rec.Code
	}
	if last != http.StatusTooManyRequests {
		t.Errorf("third request status = %d, want 429", last)
	}
}
