package correlation

import "github.com/shopspring/decimal"

// RiskLevel is the classification of a transaction.
type RiskLevel string

const (
	RiskHigh   RiskLevel = "HIGH"
	RiskMedium RiskLevel = "MEDIUM"
	RiskLow    RiskLevel = "LOW"
)

// MetricBundle holds the three correlation metrics for a transaction.
type MetricBundle struct {
	// MetricA counts the sender's large outbound transfers that follow a
	// large inbound transfer within the pass-through window.
	MetricA int `json:"metric_a"`
	// MetricB counts the sender's large outbound transfers that follow a
	// login within the post-login window.
	MetricB int `json:"metric_b"`
	// MetricC is the receiver's total posted receipts over the lookback.
	MetricC decimal.Decimal `json:"metric_c"`
}

// Classify maps a metric bundle to a risk level. It is total.
func Classify(m MetricBundle) RiskLevel {
	switch {
	case m.MetricA > 0 && m.MetricB > 0 && m.MetricC.IsZero():
		return RiskHigh
	case m.MetricA > 0 || m.MetricB > 0:
		return RiskMedium
	default:
		return RiskLow
	}
}
