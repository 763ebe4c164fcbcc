package correlation

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		m    MetricBundle
		want RiskLevel
	}{
		{"all signals, no receipts", MetricBundle{MetricA: 1, MetricB: 2, MetricC: decimal.Zero}, RiskHigh},
		{"all signals, receipts", MetricBundle{MetricA: 1, MetricB: 1, MetricC: decimal.NewFromInt(1)}, RiskMedium},
		{"pass-through only", MetricBundle{MetricA: 3}, RiskMedium},
		{"post-login only", MetricBundle{MetricB: 1}, RiskMedium},
		{"nothing", MetricBundle{}, RiskLow},
		{"receipts only", MetricBundle{MetricC: decimal.NewFromInt(500000)}, RiskLow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.m); got != tt.want {
				t.Errorf("Classify(%+v) = %s, want %s", tt.m, got, tt.want)
			}
		})
	}
}

func TestClassify_Total(t *testing.T) {
	sums := []decimal.Decimal{decimal.Zero, decimal.NewFromInt(1), decimal.RequireFromString("0.01")}
	for a := 0; a < 3; a++ {
		for b := 0; b < 3; b++ {
			for _, c := range sums {
				m := MetricBundle{MetricA: a, MetricB: b, MetricC: c}
				got := Classify(m)
				switch got {
				case RiskHigh:
					if a == 0 || b == 0 || !c.IsZero() {
						t.Errorf("Classify(%+v) = HIGH without all signals", m)
					}
				case RiskMedium, RiskLow:
				default:
					t.Errorf("Classify(%+v) = %q, not a risk level", m, got)
				}
			}
		}
	}
}
