// Package client is an HTTP client for the risk service API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"ledger-risk/internal/report"
)

// Client handles API communication with the risk service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithAPIKey sends key in the X-API-Key header.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// NewClient creates a new API client.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.StatusCode)
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Health is the body of /health.
type Health struct {
	Success   bool              `json:"success"`
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp time.Time         `json:"timestamp"`
}

// Stats is the body of /api/stats.
type Stats struct {
	TotalAccounts     int64     `json:"total_accounts"`
	TotalLogins       int64     `json:"total_logins"`
	TotalTransactions int64     `json:"total_transactions"`
	LargeTransactions int64     `json:"large_transactions"`
	Timestamp         time.Time `json:"timestamp"`
	Error             string    `json:"error,omitempty"`
}

// RecentTransaction is one row of /api/recent-transactions.
type RecentTransaction struct {
	ID           int64           `json:"id"`
	CreatedAt    time.Time       `json:"created_at"`
	Amount       decimal.Decimal `json:"amount"`
	Description  string          `json:"description"`
	Status       string          `json:"status"`
	SenderName   string          `json:"sender_name"`
	ReceiverName string          `json:"receiver_name"`
}

// RiskResponse is the body of POST /api/risk-analysis.
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

// Export is a TSV risk report.
type Export struct {
	TSV        []byte
	TotalCount int
	Truncated  bool
	Filename   string
}

// GetHealth fetches health status. An unhealthy service answers 503 with
// a body, which is returned without error.
func (c *Client) GetHealth(ctx context.Context) (*Health, error) {
	resp, err := c.do(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var health Health
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &health, nil
}

// GetStats fetches ledger volume counts.
func (c *Client) GetStats(ctx context.Context) (*Stats, error) {
	var stats Stats
	if err := c.getJSON(ctx, "/api/stats", &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// GetRecent fetches the newest transactions.
func (c *Client) GetRecent(ctx context.Context, limit int) ([]RecentTransaction, error) {
	var body struct {
		Success bool                `json:"success"`
		Data    []RecentTransaction `json:"data"`
		Error   string              `json:"error"`
	}
	if err := c.getJSON(ctx, "/api/recent-transactions?limit="+strconv.Itoa(limit), &body); err != nil {
		return nil, err
	}
	if !body.Success {
		return nil, errors.New(body.Error)
	}
	return body.Data, nil
}

// GetSummary fetches indicator coverage for a range token.
func (c *Client) GetSummary(ctx context.Context, timeRange string) (*report.IndicatorSummary, error) {
	var body struct {
		Success bool                    `json:"success"`
		Data    report.IndicatorSummary `json:"data"`
		Error   string                  `json:"error"`
	}
	if err := c.getJSON(ctx, "/api/indicators-summary?range="+url.QueryEscape(timeRange), &body); err != nil {
		return nil, err
	}
	if !body.Success {
		return nil, errors.New(body.Error)
	}
	return &body.Data, nil
}

// Analyze runs a risk query.
func (c *Client) Analyze(ctx context.Context, req report.Request) (*RiskResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, http.MethodPost, "/api/risk-analysis", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var out RiskResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &out, nil
}

// Export downloads a risk query as TSV.
func (c *Client) Export(ctx context.Context, req report.Request) (*Export, error) {
	q := url.Values{}
	q.Set("range", req.TimeRange)
	if req.MinMetricA != nil {
		q.Set("min_metric_a", strconv.Itoa(*req.MinMetricA))
	}
	if req.MinMetricB != nil {
		q.Set("min_metric_b", strconv.Itoa(*req.MinMetricB))
	}
	if req.MaxMetricC != nil {
		q.Set("max_metric_c", req.MaxMetricC.String())
	}
	if req.Start != nil {
		q.Set("start", req.Start.UTC().Format(time.RFC3339))
	}
	if req.End != nil {
		q.Set("end", req.End.UTC().Format(time.RFC3339))
	}

	resp, err := c.do(ctx, http.MethodGet, "/api/risk-analysis/export?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read export: %w", err)
	}
	total, _ := strconv.Atoi(resp.Header.Get("X-Total-Count"))
	truncated, _ := strconv.ParseBool(resp.Header.Get("X-Truncated"))
	return &Export{
		TSV:        data,
		TotalCount: total,
		Truncated:  truncated,
		Filename:   filename(resp.Header.Get("Content-Disposition")),
	}, nil
}

func (c *Client) getJSON(ctx context.Context, path string, dst any) error {
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connection failed: %w", err)
	}
	return resp, nil
}

// checkStatus turns error responses into *APIError. Both the
// {"status":"error"} and {"success":false} shapes carry an "error" field.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	var body struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body)
	return &APIError{StatusCode: resp.StatusCode, Message: body.Error}
}

func filename(disposition string) string {
	const marker = `filename="`
	i := strings.Index(disposition, marker)
	if i < 0 {
		return ""
	}
	rest := disposition[i+len(marker):]
	if j := strings.IndexByte(rest, '"'); j >= 0 {
		return rest[:j]
	}
	return rest
}
