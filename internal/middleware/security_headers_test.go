package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func serveWith(mw func(http.Handler) http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	})).ServeHTTP(rec, req)
	return rec
}

func TestSecurityHeaders_Defaults(t *testing.T) {
	rec := serveWith(SecurityHeaders(DefaultSecurityHeadersConfig()), httptest.NewRequest(http.MethodGet, "/api/stats", nil))

	want := map[string]string{
		"Strict-Transport-Security": "max-age=31536000; includeSubDomains",
		"Content-Security-Policy":   "default-src 'none'; frame-ancestors 'none'",
		"X-Frame-Options":           "DENY",
		"Referrer-Policy":           "no-referrer",
		"X-Content-Type-Options":    "nosniff",
		"Cache-Control":             "no-store",
	}
	for header, value := range want {
		if got := rec.Header().Get(header); got != value {
			t.Errorf("%s = %q, want %q", header, got, value)
		}
	}
	if rec.Body.String() != `{"ok":true}` {
		t.Errorf("response body altered: %q", rec.Body.String())
	}
}

func TestSecurityHeaders_Disabled(t *testing.T) {
	cfg := DefaultSecurityHeadersConfig()
	cfg.Enabled = false

	rec := serveWith(SecurityHeaders(cfg), httptest.NewRequest(http.MethodGet, "/", nil))
	for _, h := range []string{"Strict-Transport-Security", "Content-Security-Policy", "X-Frame-Options"} {
		if rec.Header().Get(h) != "" {
			t.Errorf("%s should not be set when disabled", h)
		}
	}
}

func TestSecurityHeaders_ReportOnlyAndCustom(t *testing.T) {
	cfg := DefaultSecurityHeadersConfig()
	cfg.CSPReportOnly = true
	cfg.HSTSEnabled = false
	cfg.CustomHeaders = map[string]string{"X-Service": "ledger-risk"}

	rec := serveWith(SecurityHeaders(cfg), httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Header().Get("Content-Security-Policy") != "" {
		t.Error("enforcing CSP header set in report-only mode")
	}
	if !strings.Contains(rec.Header().Get("Content-Security-Policy-Report-Only"), "default-src 'none'") {
		t.Errorf("unexpected report-only CSP %q", rec.Header().Get("Content-Security-Policy-Report-Only"))
	}
	if rec.Header().Get("Strict-Transport-Security") != "" {
		t.Error("HSTS set while disabled")
	}
	if rec.Header().Get("X-Service") != "ledger-risk" {
		t.Error("custom header missing")
	}
}

func TestBuildCSP(t *testing.T) {
	tests := []struct {
		name       string
		directives map[string][]string
		want       string
	}{
		{name: "empty", want: ""},
		{
			name: "known order",
			directives: map[string][]string{
				"frame-ancestors": {"'none'"},
				"script-src":      {"'self'", "cdn.example.com"},
				"default-src":     {"'self'"},
			},
			want: "default-src 'self'; script-src 'self' cdn.example.com; frame-ancestors 'none'",
		},
		{
			name: "unknown directives sorted last",
			directives: map[string][]string{
				"worker-src":  {"'none'"},
				"base-uri":    {"'self'"},
				"default-src": {"'none'"},
			},
			want: "default-src 'none'; base-uri 'self'; worker-src 'none'",
		},
		{
			name:       "empty source list skipped",
			directives: map[string][]string{"default-src": {}, "img-src": {"data:"}},
			want:       "img-src data:",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := buildCSP(tt.directives); got != tt.want {
				t.Errorf("buildCSP() = %q, want %q", got, tt.want)
			}
		})
	}
}
