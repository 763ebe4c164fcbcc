// Package dashboard serves ledger volume statistics and recent activity.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"ledger-risk/internal/cache"
	apierrors "ledger-risk/internal/errors"
	"ledger-risk/internal/ledger"
)

const (
	defaultRecentLimit = 100
	maxRecentLimit     = 1000
)

// Source is the ledger view the dashboard reads.
type Source interface {
	ledger.StatsProvider
	ledger.RecentProvider
}

// Registrar accepts route registrations. *http.ServeMux implements it.
type Registrar interface {
	HandleFunc(pattern string, handler func(http.ResponseWriter, *http.Request))
}

// API serves the dashboard endpoints.
type API struct {
	source    Source
	threshold decimal.Decimal
	cache     *cache.Responses
	sanitizer *apierrors.Sanitizer
	logger    *slog.Logger
	now       func() time.Time
}

// NewAPI creates a dashboard API. threshold decides which transfers count as
// large. cache may be nil.
func NewAPI(source Source, threshold decimal.Decimal, c *cache.Responses, s *apierrors.Sanitizer, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{
		source:    source,
		threshold: threshold,
		cache:     c,
		sanitizer: s,
		logger:    logger,
		now:       time.Now,
	}
}

// RegisterRoutes registers dashboard API routes.
func (api *API) RegisterRoutes(mux Registrar) {
	mux.HandleFunc("GET /api/stats", api.handleStats)
	mux.HandleFunc("GET /api/recent-transactions", api.handleRecent)
}

// Stats is the body of GET /api/stats. The short aliases mirror the
// canonical counts for older dashboards.
type Stats struct {
	TotalAccounts     int64     `json:"total_accounts"`
	TotalLogins       int64     `json:"total_logins"`
	TotalTransactions int64     `json:"total_transactions"`
	LargeTransactions int64     `json:"large_transactions"`
	Timestamp         time.Time `json:"timestamp"`

	Accounts     int64 `json:"accounts"`
	Logins       int64 `json:"logins"`
	Transactions int64 `json:"transactions"`
	Large        int64 `json:"large"`

	Error string `json:"error,omitempty"`
}

func newStats(s ledger.Stats, at time.Time) Stats {
	return Stats{
		TotalAccounts:     s.TotalAccounts,
		TotalLogins:       s.TotalLogins,
		TotalTransactions: s.TotalTransactions,
		LargeTransactions: s.LargeTransactions,
		Timestamp:         at,
		Accounts:          s.TotalAccounts,
		Logins:            s.TotalLogins,
		Transactions:      s.TotalTransactions,
		Large:             s.LargeTransactions,
	}
}

// handleStats never fails the request: on a ledger error it answers zero
// counts with the error attached so dashboards keep rendering.
func (api *API) handleStats(w http.ResponseWriter, r *http.Request) {
	if api.cache != nil {
		var cached Stats
		if api.cache.Get(r.Context(), cache.StatsKey, &cached) {
			writeJSON(w, http.StatusOK, cached)
			return
		}
	}

	counts, err := api.source.Stats(r.Context(), api.threshold)
	if err != nil {
		api.logger.Error("stats query failed", "error", err)
		body := newStats(ledger.Stats{}, api.now())
		body.Error = api.sanitizer.SafeMessage(err)
		writeJSON(w, http.StatusOK, body)
		return
	}

	body := newStats(counts, api.now())
	if api.cache != nil {
		api.cache.Set(r.Context(), cache.StatsKey, body, api.cache.StatsTTL())
	}
	writeJSON(w, http.StatusOK, body)
}

// RecentTransaction is one row of GET /api/recent-transactions.
type RecentTransaction struct {
	ID           int64            `json:"id"`
	CreatedAt    time.Time        `json:"created_at"`
	Amount       decimal.Decimal  `json:"amount"`
	Description  string           `json:"description"`
	Status       ledger.TxStatus  `json:"status"`
	SenderID     ledger.AccountID `json:"sender_account_id"`
	ReceiverID   ledger.AccountID `json:"receiver_account_id"`
	SenderName   string           `json:"sender_name"`
	ReceiverName string           `json:"receiver_name"`
}

func (api *API) handleRecent(w http.ResponseWriter, r *http.Request) {
	limit := defaultRecentLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"success": false,
				"error":   "invalid argument: limit must be a positive integer",
			})
			return
		}
		limit = min(n, maxRecentLimit)
	}

	rows, err := api.source.RecentTransactions(r.Context(), limit)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			status = http.StatusGatewayTimeout
		case errors.Is(err, ledger.ErrUnavailable):
			status = http.StatusServiceUnavailable
		}
		api.logger.Error("recent transactions query failed", "error", err)
		writeJSON(w, status, map[string]any{"success": false, "error": api.sanitizer.SafeMessage(err)})
		return
	}

	data := make([]RecentTransaction, 0, len(rows))
	for _, row := range rows {
		data = append(data, RecentTransaction{
			ID:           row.ID,
			CreatedAt:    row.CreatedAt,
			Amount:       row.Amount,
			Description:  row.Description,
			Status:       row.Status,
			SenderID:     row.SenderID,
			ReceiverID:   row.ReceiverID,
			SenderName:   row.SenderName,
			ReceiverName: row.ReceiverName,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": data})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
