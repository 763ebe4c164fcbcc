// Package reports serves risk analysis reports over HTTP.
package reports

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"ledger-risk/internal/cache"
	apierrors "ledger-risk/internal/errors"
	"ledger-risk/internal/ledger"
	"ledger-risk/internal/report"
)

// Querier runs risk queries. *report.Service implements it.
type Querier interface {
	Query(ctx context.Context, req report.Request) (*report.Result, error)
	Summarize(ctx context.Context, token string) (*report.IndicatorSummary, error)
}

// Registrar accepts route registrations. *http.ServeMux implements it.
type Registrar interface {
	HandleFunc(pattern string, handler func(http.ResponseWriter, *http.Request))
}

// Handler serves the risk report endpoints.
type Handler struct {
	service   Querier
	cache     *cache.Responses
	sanitizer *apierrors.Sanitizer
	maxBody   int64
	logger    *slog.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithCache caches JSON risk responses.
func WithCache(c *cache.Responses) Option {
	return func(h *Handler) { h.cache = c }
}

// WithSanitizer scrubs internal error detail from responses.
func WithSanitizer(s *apierrors.Sanitizer) Option {
	return func(h *Handler) { h.sanitizer = s }
}

// WithMaxBody limits request body size. Non-positive values keep the default.
func WithMaxBody(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxBody = n
		}
	}
}

// NewHandler creates a report handler.
func NewHandler(service Querier, logger *slog.Logger, opts ...Option) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{service: service, maxBody: 1 << 20, logger: logger}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes registers report API routes.
func (h *Handler) RegisterRoutes(mux Registrar) {
	mux.HandleFunc("POST /api/risk-analysis", h.handleRiskAnalysis)
	mux.HandleFunc("GET /api/risk-analysis/export", h.handleExport)
	mux.HandleFunc("GET /api/indicators-summary", h.handleIndicatorsSummary)
}

// riskRequest is the wire form of report.Request. The *_min and *_max
// spellings are accepted for older clients.
type riskRequest struct {
	TimeRange  string           `json:"time_range"`
	MinMetricA *int             `json:"min_metric_a"`
	MinMetricB *int             `json:"min_metric_b"`
	MaxMetricC *decimal.Decimal `json:"max_metric_c"`
	MetricAMin *int             `json:"metric_a_min"`
	MetricBMin *int             `json:"metric_b_min"`
	MetricCMax *decimal.Decimal `json:"metric_c_max"`
	Start      *time.Time       `json:"start"`
	End        *time.Time       `json:"end"`
}

func (r riskRequest) request() report.Request {
	req := report.Request{
		TimeRange:  r.TimeRange,
		MinMetricA: r.MinMetricA,
		MinMetricB: r.MinMetricB,
		MaxMetricC: r.MaxMetricC,
		Start:      r.Start,
		End:        r.End,
	}
	if req.MinMetricA == nil {
		req.MinMetricA = r.MetricAMin
	}
	if req.MinMetricB == nil {
		req.MinMetricB = r.MetricBMin
	}
	if req.MaxMetricC == nil {
		req.MaxMetricC = r.MetricCMax
	}
	return req
}

// RiskResponse is the body of a successful risk analysis.
type RiskResponse struct {
	Status       string                   `json:"status"`
	TimeRange    string                   `json:"time_range"`
	QueryTimeMs  int64                    `json:"query_time_ms"`
	TotalCount   int                      `json:"total_count"`
	Truncated    bool                     `json:"truncated"`
	AsOf         time.Time                `json:"as_of"`
	Cached       bool                     `json:"cached"`
	Criteria     report.Criteria          `json:"criteria"`
	Transactions []report.RiskTransaction `json:"transactions"`
}

func newRiskResponse(res *report.Result) RiskResponse {
	txs := res.Transactions
	if txs == nil {
		txs = []report.RiskTransaction{}
	}
	return RiskResponse{
		Status:       "success",
		TimeRange:    res.TimeRange,
		QueryTimeMs:  res.Elapsed.Milliseconds(),
		TotalCount:   res.TotalCount,
		Truncated:    res.Truncated,
		AsOf:         res.AsOf,
		Criteria:     res.Criteria,
		Transactions: txs,
	}
}

func (h *Handler) handleRiskAnalysis(w http.ResponseWriter, r *http.Request) {
	var wire riskRequest
	body := http.MaxBytesReader(w, r.Body, h.maxBody)
	dec := json.NewDecoder(body)
	if err := dec.Decode(&wire); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	req := wire.request()

	// Explicit windows are not cached: the key only covers relative ranges.
	cacheable := h.cache != nil && req.Start == nil && req.End == nil
	var key string
	if cacheable {
		c := req.Criteria()
		key = cache.RiskKey(req.TimeRange, c.MinMetricA, c.MinMetricB, c.MaxMetricC)
		var cached RiskResponse
		if h.cache.Get(r.Context(), key, &cached) {
			// as_of stays the instant the stored result was computed; no
			// computation happened for this request.
			cached.Cached = true
			cached.QueryTimeMs = 0
			w.Header().Set("X-Cache", "HIT")
			writeJSON(w, http.StatusOK, cached)
			return
		}
	}

	res, err := h.service.Query(r.Context(), req)
	if err != nil {
		h.writeQueryError(w, err)
		return
	}

	resp := newRiskResponse(res)
	if cacheable {
		h.cache.Set(r.Context(), key, resp, h.cache.RiskTTL())
		w.Header().Set("X-Cache", "MISS")
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleExport renders the same query as tab separated values. Filters
// arrive as query parameters: range, start, end, min_metric_a, min_metric_b
// and max_metric_c.
func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	req, err := exportRequest(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	res, err := h.service.Query(r.Context(), req)
	if err != nil {
		h.writeQueryError(w, err)
		return
	}

	// Render before writing headers so a failure can still become a 500.
	var buf bytes.Buffer
	if err := report.WriteTSV(&buf, res); err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}

	name := fmt.Sprintf("risk-%s-%s.tsv", res.TimeRange, res.AsOf.UTC().Format("20060102T150405Z"))
	w.Header().Set("Content-Type", "text/tab-separated-values; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	w.Header().Set("X-Total-Count", strconv.Itoa(res.TotalCount))
	w.Header().Set("X-Truncated", strconv.FormatBool(res.Truncated))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(buf.Bytes()); err != nil {
		h.logger.Warn("export write failed", "error", err)
	}
}

func exportRequest(r *http.Request) (report.Request, error) {
	q := r.URL.Query()
	req := report.Request{TimeRange: q.Get("range")}
	if req.TimeRange == "" {
		req.TimeRange = q.Get("time_range")
	}

	intParam := func(names ...string) (*int, error) {
		for _, name := range names {
			if v := q.Get(name); v != "" {
				n, err := strconv.Atoi(v)
				if err != nil {
					return nil, fmt.Errorf("invalid argument: %s: %w", name, err)
				}
				return &n, nil
			}
		}
		return nil, nil
	}
	timeParam := func(name string) (*time.Time, error) {
		v := q.Get(name)
		if v == "" {
			return nil, nil
		}
		t, err := parseTime(v)
		if err != nil {
			return nil, fmt.Errorf("invalid argument: %s: %w", name, err)
		}
		return &t, nil
	}

	var err error
	if req.MinMetricA, err = intParam("min_metric_a", "metric_a_min"); err != nil {
		return req, err
	}
	if req.MinMetricB, err = intParam("min_metric_b", "metric_b_min"); err != nil {
		return req, err
	}
	for _, name := range []string{"max_metric_c", "metric_c_max"} {
		if v := q.Get(name); v != "" {
			d, err := decimal.NewFromString(v)
			if err != nil {
				return req, fmt.Errorf("invalid argument: %s: %w", name, err)
			}
			req.MaxMetricC = &d
			break
		}
	}
	if req.Start, err = timeParam("start"); err != nil {
		return req, err
	}
	if req.End, err = timeParam("end"); err != nil {
		return req, err
	}
	return req, nil
}

// parseTime accepts RFC 3339 or the tabular "2006-01-02 15:04:05" layout in UTC.
func parseTime(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.ParseInLocation(report.TimeLayout, v, time.UTC)
}

func (h *Handler) handleIndicatorsSummary(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("range")
	if token == "" {
		token = "30d"
	}
	sum, err := h.service.Summarize(r.Context(), token)
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("indicator summary failed", "error", err)
		}
		writeJSON(w, status, map[string]any{"success": false, "error": h.sanitizer.SafeMessage(err)})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": sum})
}

// statusFor maps query failures onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case report.IsInvalidArgument(err):
		return http.StatusBadRequest
	case report.IsDeadlineExceeded(err):
		return http.StatusGatewayTimeout
	case report.IsStorageUnavailable(err), errors.Is(err, ledger.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled):
		// Client went away; nginx's 499 is the closest match.
		return 499
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeQueryError(w http.ResponseWriter, err error) {
	h.writeError(w, statusFor(err), err)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		h.logger.Error("risk analysis failed", "status", status, "error", err)
	}
	writeJSON(w, status, map[string]any{"status": "error", "error": h.sanitizer.SafeMessage(err)})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
