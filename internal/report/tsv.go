package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
)

// TimeLayout is the timestamp format used in tabular output.
const TimeLayout = "2006-01-02 15:04:05"

// TSVHeader lists the columns of the tabular rendering.
var TSVHeader = []string{
	"transaction_id",
	"transaction_time",
	"amount",
	"description",
	"victim_account_id",
	"victim_name",
	"victim_phone",
	"victim_email",
	"victim_type",
	"suspicious_account_id",
	"suspicious_name",
	"suspicious_phone",
	"suspicious_email",
	"suspicious_type",
	"metric_a",
	"metric_b",
	"metric_c",
	"risk_level",
}

// Row renders one result as a tabular record aligned with TSVHeader.
func (t RiskTransaction) Row() []string {
	return []string{
		strconv.FormatInt(t.TransactionID, 10),
		t.TransactionTime.UTC().Format(TimeLayout),
		t.Amount.StringFixed(2),
		t.Description,
		t.VictimAccount.ID.String(),
		t.VictimAccount.Name,
		t.VictimAccount.Phone,
		t.VictimAccount.Email,
		t.VictimAccount.Type,
		t.SuspiciousAccount.ID.String(),
		t.SuspiciousAccount.Name,
		t.SuspiciousAccount.Phone,
		t.SuspiciousAccount.Email,
		t.SuspiciousAccount.Type,
		strconv.Itoa(t.RiskMetrics.MetricA),
		strconv.Itoa(t.RiskMetrics.MetricB),
		t.RiskMetrics.MetricC.StringFixed(2),
		string(t.RiskLevel),
	}
}

// WriteTSV writes the result as a header row followed by one row per
// transaction, tab separated.
func WriteTSV(w io.Writer, res *Result) error {
	cw := csv.NewWriter(w)
	cw.Comma = '\t'

	if err := cw.Write(TSVHeader); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, t := range res.Transactions {
		if err := cw.Write(t.Row()); err != nil {
			return fmt.Errorf("write row %d: %w", t.TransactionID, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadTSV parses tabular output back into its header and rows.
func ReadTSV(r io.Reader) ([]string, [][]string, error) {
	cr := csv.NewReader(r)
	cr.Comma = '\t'
	cr.LazyQuotes = true

	records, err := cr.ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("read tsv: %w", err)
	}
	if len(records) == 0 {
		return nil, nil, fmt.Errorf("read tsv: missing header")
	}
	return records[0], records[1:], nil
}
