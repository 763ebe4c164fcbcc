// Package api assembles the HTTP surface of the risk service: report and
// dashboard routes, health probes and the middleware chain around them.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"ledger-risk/internal/metrics"
	"ledger-risk/internal/middleware"
)

// Route describes one registered endpoint.
type Route struct {
	Rule     string   `json:"rule"`
	Endpoint string   `json:"endpoint"`
	Methods  []string `json:"methods"`
}

// Router is a ServeMux that remembers what was registered on it.
type Router struct {
	mux    *http.ServeMux
	mu     sync.Mutex
	routes map[string]*Route
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{mux: http.NewServeMux(), routes: make(map[string]*Route)}
}

// HandleFunc registers handler for a "METHOD /path" or "/path" pattern.
func (rt *Router) HandleFunc(pattern string, handler func(http.ResponseWriter, *http.Request)) {
	rt.mux.HandleFunc(pattern, handler)

	method, path := "", pattern
	if i := strings.IndexByte(pattern, ' '); i > 0 {
		method, path = pattern[:i], strings.TrimSpace(pattern[i+1:])
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	r, ok := rt.routes[path]
	if !ok {
		r = &Route{Rule: path, Endpoint: endpointName(path)}
		rt.routes[path] = r
	}
	if method == "" {
		method = "ANY"
	}
	r.Methods = append(r.Methods, method)
	sort.Strings(r.Methods)
}

// Routes returns the registered routes ordered by rule.
func (rt *Router) Routes() []Route {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := make([]Route, 0, len(rt.routes))
	for _, r := range rt.routes {
		out = append(out, Route{Rule: r.Rule, Endpoint: r.Endpoint, Methods: append([]string(nil), r.Methods...)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Rule < out[j].Rule })
	return out
}

// ServeHTTP dispatches to the registered handlers.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rt.mux.ServeHTTP(w, r)
}

// endpointName turns "/api/risk-analysis/export" into "risk_analysis_export".
func endpointName(path string) string {
	p := strings.TrimPrefix(strings.Trim(path, "/"), "api/")
	if p == "" || p == "api" {
		return "index"
	}
	return strings.NewReplacer("/", "_", "-", "_", "{", "", "}", "").Replace(p)
}

// Pinger reports whether the ledger store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyChecker reports whether the correlation engine can serve queries.
type ReadyChecker interface {
	Ready() bool
}

// Health serves liveness and readiness probes.
type Health struct {
	ledger   Pinger
	engine   ReadyChecker
	optional []namedCheck
	timeout  time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// NewHealth creates health probes. Either dependency may be nil.
func NewHealth(ledger Pinger, engine ReadyChecker, logger *slog.Logger) *Health {
	if logger == nil {
		logger = slog.Default()
	}
	return &Health{ledger: ledger, engine: engine, timeout: 2 * time.Second, logger: logger, now: time.Now}
}

type namedCheck struct {
	name  string
	check func(context.Context) error
}

// AddCheck registers an optional dependency such as the ledger feed. A
// failing optional check marks the service degraded but keeps it ready.
func (h *Health) AddCheck(name string, check func(context.Context) error) {
	h.optional = append(h.optional, namedCheck{name: name, check: check})
}

// RegisterRoutes registers /health, /api/health and /ping.
func (h *Health) RegisterRoutes(rt *Router) {
	rt.HandleFunc("GET /health", h.handleHealth)
	rt.HandleFunc("GET /api/health", h.handleHealth)
	rt.HandleFunc("GET /ping", handlePing)
}

func (h *Health) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, code := "healthy", http.StatusOK
	checks := map[string]string{}

	if h.ledger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
		err := h.ledger.Ping(ctx)
		cancel()
		if err != nil {
			h.logger.Warn("health check: ledger unreachable", "error", err)
			checks["ledger"] = "unavailable"
			status, code = "unhealthy", http.StatusServiceUnavailable
		} else {
			checks["ledger"] = "ok"
		}
	}
	if h.engine != nil {
		if h.engine.Ready() {
			checks["engine"] = "ok"
		} else {
			checks["engine"] = "backfilling"
			status, code = "unhealthy", http.StatusServiceUnavailable
		}
	}
	for _, c := range h.optional {
		ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
		err := c.check(ctx)
		cancel()
		if err == nil {
			checks[c.name] = "ok"
			continue
		}
		h.logger.Warn("health check failed", "check", c.name, "error", err)
		checks[c.name] = "degraded"
		if status == "healthy" {
			status = "degraded"
		}
	}

	writeJSON(w, code, map[string]any{
		"success":   code == http.StatusOK,
		"status":    status,
		"checks":    checks,
		"timestamp": h.now().UTC(),
	})
}

func handlePing(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("pong"))
}

// Options configures the middleware chain.
type Options struct {
	Auth            middleware.AuthConfig
	CORS            middleware.CORSConfig
	SecurityHeaders middleware.SecurityHeadersConfig
	RateLimiter     *middleware.RateLimiter
	Logger          *slog.Logger
}

// Handler registers /metrics and /routes on rt and wraps it in the
// middleware chain. Requests pass through recovery first and API key
// authentication last.
func Handler(rt *Router, opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	rt.mux.Handle("GET /metrics", metrics.Handler())
	rt.HandleFunc("GET /routes", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"routes": rt.Routes()})
	})
	rt.mu.Lock()
	rt.routes["/metrics"] = &Route{Rule: "/metrics", Endpoint: "metrics", Methods: []string{"GET"}}
	rt.mu.Unlock()

	mws := []func(http.Handler) http.Handler{
		middleware.Recovery(logger),
		middleware.RequestID,
		middleware.Logging(logger),
		middleware.SecurityHeaders(opts.SecurityHeaders),
		middleware.CORS(opts.CORS),
	}
	if opts.RateLimiter != nil {
		mws = append(mws, middleware.RateLimit(opts.RateLimiter, logger))
	}
	mws = append(mws, middleware.APIKey(opts.Auth))
	return middleware.Chain(rt, mws...)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
