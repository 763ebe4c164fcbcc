package report

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"ledger-risk/internal/correlation"
	"ledger-risk/internal/ledger"
	"ledger-risk/internal/metrics"
)

// Config holds query façade settings.
type Config struct {
	MaxResults   int           `yaml:"max_results"`
	QueryTimeout time.Duration `yaml:"query_timeout"`
}

// DefaultConfig returns the default façade configuration.
func DefaultConfig() Config {
	return Config{
		MaxResults:   1000,
		QueryTimeout: 30 * time.Second,
	}
}

// RiskTransaction is one scored, enriched candidate.
type RiskTransaction struct {
	TransactionID     int64                    `json:"transaction_id"`
	TransactionTime   time.Time                `json:"transaction_time"`
	Amount            decimal.Decimal          `json:"amount"`
	Description       string                   `json:"description"`
	VictimAccount     ledger.Account           `json:"victim_account"`
	SuspiciousAccount ledger.Account           `json:"suspicious_account"`
	RiskMetrics       correlation.MetricBundle `json:"risk_metrics"`
	RiskLevel         correlation.RiskLevel    `json:"risk_level"`
}

// Result is the outcome of a risk query.
type Result struct {
	TimeRange    string            `json:"time_range"`
	Window       ledger.TimeRange  `json:"-"`
	AsOf         time.Time         `json:"as_of"`
	Criteria     Criteria          `json:"criteria"`
	Transactions []RiskTransaction `json:"transactions"`
	TotalCount   int               `json:"total_count"`
	Truncated    bool              `json:"truncated"`
	Elapsed      time.Duration     `json:"-"`
}

// Service executes risk queries.
type Service struct {
	engine *correlation.Engine
	ledger ledger.Accessor
	config Config
	now    func() time.Time
}

// NewService creates a query façade.
func NewService(engine *correlation.Engine, acc ledger.Accessor, config Config) *Service {
	if config.MaxResults <= 0 {
		config.MaxResults = DefaultConfig().MaxResults
	}
	return &Service{
		engine: engine,
		ledger: acc,
		config: config,
		now:    time.Now,
	}
}

// Query runs a risk analysis. The clock is read once; every window bound in
// the query derives from that instant.
func (s *Service) Query(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	res, err := s.query(ctx, req)

	outcome := "ok"
	switch {
	case IsInvalidArgument(err):
		outcome = "invalid"
	case IsDeadlineExceeded(err):
		outcome = "timeout"
	case err != nil:
		outcome = "error"
	}
	metrics.QueryDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())

	if err != nil {
		if !IsInvalidArgument(err) {
			slog.Error("risk query failed", "time_range", req.TimeRange, "error", err)
		}
		return nil, err
	}
	res.Elapsed = time.Since(start)
	metrics.QueryResults.Add(float64(len(res.Transactions)))

	slog.Debug("risk query completed",
		"time_range", res.TimeRange,
		"results", res.TotalCount,
		"truncated", res.Truncated,
		"elapsed", res.Elapsed,
	)
	return res, nil
}

func (s *Service) query(ctx context.Context, req Request) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	span, err := ParseTimeRange(req.TimeRange)
	if err != nil {
		return nil, err
	}

	now := s.now()
	window := ledger.TimeRange{Start: now.Add(-span), End: now}
	if req.Start != nil && req.End != nil {
		window = ledger.TimeRange{Start: *req.Start, End: *req.End}
	}

	if s.config.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.QueryTimeout)
		defer cancel()
	}

	scorer, err := s.engine.Prepare(ctx, now)
	if err != nil {
		return nil, classify(ctx, "Prepare", err)
	}

	candidates, err := s.ledger.ScanTransactions(ctx, window)
	if err != nil {
		return nil, classify(ctx, "ScanTransactions", err)
	}

	criteria := req.Criteria()
	threshold := s.engine.Config().Window.Threshold
	var hits []scored
	for i, t := range candidates {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, classify(ctx, "Score", err)
			}
		}
		if !t.Posted() || t.Amount.LessThan(threshold) {
			continue
		}
		m := scorer.Score(t)
		if m.MetricA < criteria.MinMetricA || m.MetricB < criteria.MinMetricB || m.MetricC.GreaterThan(criteria.MaxMetricC) {
			continue
		}
		hits = append(hits, scored{tx: t, metrics: m})
	}

	sortScored(hits)
	truncated := len(hits) > s.config.MaxResults
	if truncated {
		hits = hits[:s.config.MaxResults]
	}

	accounts := newAccountCache(s.ledger)
	out := make([]RiskTransaction, 0, len(hits))
	for _, h := range hits {
		victim, err := accounts.get(ctx, h.tx.SenderID)
		if err != nil {
			return nil, classify(ctx, "GetAccount", err)
		}
		suspect, err := accounts.get(ctx, h.tx.ReceiverID)
		if err != nil {
			return nil, classify(ctx, "GetAccount", err)
		}
		out = append(out, RiskTransaction{
			TransactionID:     h.tx.ID,
			TransactionTime:   h.tx.CreatedAt,
			Amount:            h.tx.Amount,
			Description:       h.tx.Description,
			VictimAccount:     victim,
			SuspiciousAccount: suspect,
			RiskMetrics:       h.metrics,
			RiskLevel:         correlation.Classify(h.metrics),
		})
	}

	if err := ctx.Err(); err != nil {
		return nil, classify(ctx, "Query", err)
	}

	return &Result{
		TimeRange:    req.TimeRange,
		Window:       window,
		AsOf:         now,
		Criteria:     criteria,
		Transactions: out,
		TotalCount:   len(out),
		Truncated:    truncated,
	}, nil
}

type scored struct {
	tx      ledger.Transaction
	metrics correlation.MetricBundle
}

// sortScored orders by time descending, then amount descending. The id
// breaks remaining ties so repeated queries return identical lists.
func sortScored(hits []scored) {
	sort.SliceStable(hits, func(i, j int) bool {
		a, b := hits[i].tx, hits[j].tx
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		if c := a.Amount.Cmp(b.Amount); c != 0 {
			return c > 0
		}
		return a.ID > b.ID
	})
}

// accountCache memoizes account lookups within one query. Accounts missing
// from the ledger are shown as anonymous.
type accountCache struct {
	acc  ledger.Accessor
	seen map[ledger.AccountID]ledger.Account
}

func newAccountCache(acc ledger.Accessor) *accountCache {
	return &accountCache{acc: acc, seen: make(map[ledger.AccountID]ledger.Account)}
}

func (c *accountCache) get(ctx context.Context, id ledger.AccountID) (ledger.Account, error) {
	if a, ok := c.seen[id]; ok {
		return a, nil
	}
	a, err := c.acc.GetAccount(ctx, id)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		a, err = ledger.Anonymous(id), nil
	}
	if err != nil {
		return ledger.Account{}, err
	}
	c.seen[id] = a
	return a, nil
}
