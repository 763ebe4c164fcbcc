package report

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"ledger-risk/internal/ledger"
)

// IndicatorSummary aggregates per-account metrics over the accounts active
// in a reporting window.
type IndicatorSummary struct {
	TotalAccounts           int             `json:"total_accounts"`
	AccountsWithMetricA     int             `json:"accounts_with_metric_a"`
	AccountsWithMetricB     int             `json:"accounts_with_metric_b"`
	AccountsWithMetricCZero int             `json:"accounts_with_metric_c_zero"`
	AvgMetricA              float64         `json:"avg_metric_a"`
	AvgMetricB              float64         `json:"avg_metric_b"`
	AvgMetricC              decimal.Decimal `json:"avg_metric_c"`
	AsOf                    time.Time       `json:"as_of"`
}

// Summarize computes indicator totals for every account that sent or
// received a posted transaction within the token's window. Each account is
// scored as a sender for metric_a and metric_b and as a receiver for metric_c.
func (s *Service) Summarize(ctx context.Context, token string) (*IndicatorSummary, error) {
	span, err := ParseTimeRange(token)
	if err != nil {
		return nil, err
	}
	now := s.now()

	if s.config.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.QueryTimeout)
		defer cancel()
	}

	scorer, err := s.engine.Prepare(ctx, now)
	if err != nil {
		return nil, classify(ctx, "Prepare", err)
	}
	txs, err := s.ledger.ScanTransactions(ctx, ledger.TimeRange{Start: now.Add(-span), End: now})
	if err != nil {
		return nil, classify(ctx, "ScanTransactions", err)
	}

	seen := make(map[ledger.AccountID]struct{})
	var ids []ledger.AccountID
	for _, t := range txs {
		if !t.Posted() {
			continue
		}
		for _, id := range []ledger.AccountID{t.SenderID, t.ReceiverID} {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				ids = append(ids, id)
			}
		}
	}

	sum := &IndicatorSummary{AsOf: now, AvgMetricC: decimal.Zero}
	var totalA, totalB int
	totalC := decimal.Zero
	for _, id := range ids {
		m := scorer.Score(ledger.Transaction{SenderID: id, ReceiverID: id})
		sum.TotalAccounts++
		if m.MetricA > 0 {
			sum.AccountsWithMetricA++
		}
		if m.MetricB > 0 {
			sum.AccountsWithMetricB++
		}
		if m.MetricC.IsZero() {
			sum.AccountsWithMetricCZero++
		}
		totalA += m.MetricA
		totalB += m.MetricB
		totalC = totalC.Add(m.MetricC)
	}
	if n := sum.TotalAccounts; n > 0 {
		sum.AvgMetricA = float64(totalA) / float64(n)
		sum.AvgMetricB = float64(totalB) / float64(n)
		sum.AvgMetricC = totalC.Div(decimal.NewFromInt(int64(n))).Round(2)
	}
	if err := ctx.Err(); err != nil {
		return nil, classify(ctx, "Summarize", err)
	}
	return sum, nil
}
