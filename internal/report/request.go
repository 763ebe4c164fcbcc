// Package report is the query façade over the correlation engine. It turns a
// reporting request into a ranked, enriched list of risky transactions.
package report

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// Request is a risk reporting request. Nil filters take their defaults.
type Request struct {
	TimeRange  string           `json:"time_range" validate:"required,max=8"`
	MinMetricA *int             `json:"min_metric_a,omitempty" validate:"omitempty,gte=0"`
	MinMetricB *int             `json:"min_metric_b,omitempty" validate:"omitempty,gte=0"`
	MaxMetricC *decimal.Decimal `json:"max_metric_c,omitempty"`

	// Start and End override the window derived from TimeRange. Both must
	// be set together.
	Start *time.Time `json:"start,omitempty" validate:"required_with=End"`
	End   *time.Time `json:"end,omitempty" validate:"required_with=Start"`
}

// Criteria are the filters applied to scored candidates.
type Criteria struct {
	MinMetricA int             `json:"min_metric_a"`
	MinMetricB int             `json:"min_metric_b"`
	MaxMetricC decimal.Decimal `json:"max_metric_c"`
}

// DefaultCriteria returns the filters used when a request leaves them unset.
func DefaultCriteria() Criteria {
	return Criteria{MinMetricA: 1, MinMetricB: 1, MaxMetricC: decimal.Zero}
}

// Criteria resolves the request filters against the defaults.
func (r Request) Criteria() Criteria {
	c := DefaultCriteria()
	if r.MinMetricA != nil {
		c.MinMetricA = *r.MinMetricA
	}
	if r.MinMetricB != nil {
		c.MinMetricB = *r.MinMetricB
	}
	if r.MaxMetricC != nil {
		c.MaxMetricC = *r.MaxMetricC
	}
	return c
}

var validate = validator.New()

// Validate checks the request shape. It does not resolve the range token.
func (r Request) Validate() error {
	if err := validate.Struct(r); err != nil {
		return invalidArgument("Validate", "%v", err)
	}
	if r.MaxMetricC != nil && r.MaxMetricC.IsNegative() {
		return invalidArgument("Validate", "max_metric_c must not be negative")
	}
	if r.Start != nil && r.End != nil && !r.Start.Before(*r.End) {
		return invalidArgument("Validate", "start must be before end")
	}
	return nil
}
