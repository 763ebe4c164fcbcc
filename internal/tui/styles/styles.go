// Package styles provides consistent styling for the risk monitor and
// report renderers.
package styles

import (
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"ledger-risk/internal/correlation"
	"ledger-risk/internal/report"
)

var (
	// Colors
	Primary    = lipgloss.Color("#7C3AED")
	Secondary  = lipgloss.Color("#10B981")
	Warning    = lipgloss.Color("#F59E0B")
	Error      = lipgloss.Color("#EF4444")
	MutedColor = lipgloss.Color("#6B7280")
	White      = lipgloss.Color("#FFFFFF")

	Muted = lipgloss.NewStyle().Foreground(MutedColor)

	Title = lipgloss.NewStyle().
		Bold(true).
		Foreground(Primary).
		MarginBottom(1)

	Subtitle = lipgloss.NewStyle().
			Foreground(MutedColor).
			Italic(true)

	StatusOK = lipgloss.NewStyle().
			Foreground(Secondary).
			Bold(true)

	StatusWarning = lipgloss.NewStyle().
			Foreground(Warning).
			Bold(true)

	StatusError = lipgloss.NewStyle().
			Foreground(Error).
			Bold(true)

	TabActive = lipgloss.NewStyle().
			Foreground(White).
			Background(Primary).
			Padding(0, 2).
			Bold(true)

	TabInactive = lipgloss.NewStyle().
			Foreground(MutedColor).
			Padding(0, 2)

	Help = lipgloss.NewStyle().
		Foreground(MutedColor).
		MarginTop(1)

	TableHeader = lipgloss.NewStyle().
			Bold(true).
			Foreground(Primary).
			BorderBottom(true).
			BorderStyle(lipgloss.NormalBorder()).
			BorderForeground(MutedColor)

	TableRowSelected = lipgloss.NewStyle().
				Foreground(White).
				Background(Primary)

	MetricValue = lipgloss.NewStyle().
			Bold(true).
			Foreground(Secondary)

	MetricLabel = lipgloss.NewStyle().
			Foreground(MutedColor)
)

// RiskLevel returns the style for a risk classification.
func RiskLevel(level correlation.RiskLevel) lipgloss.Style {
	switch level {
	case correlation.RiskHigh:
		return StatusError
	case correlation.RiskMedium:
		return StatusWarning
	default:
		return StatusOK
	}
}

// RiskColumns are the columns of RiskTable.
var RiskColumns = []string{"ID", "Time (UTC)", "Amount", "Victim", "Suspicious", "A", "B", "C", "Level"}

// RiskRow renders the table cells for one transaction.
func RiskRow(t report.RiskTransaction) []string {
	return []string{
		strconv.FormatInt(t.TransactionID, 10),
		t.TransactionTime.UTC().Format(report.TimeLayout),
		t.Amount.StringFixed(2),
		t.VictimAccount.Name,
		t.SuspiciousAccount.Name,
		strconv.Itoa(t.RiskMetrics.MetricA),
		strconv.Itoa(t.RiskMetrics.MetricB),
		t.RiskMetrics.MetricC.StringFixed(2),
		string(t.RiskLevel),
	}
}

// RiskTable renders transactions as a bordered table with the level column
// colored by severity.
func RiskTable(txs []report.RiskTransaction) string {
	rows := make([][]string, len(txs))
	for i, t := range txs {
		rows[i] = RiskRow(t)
	}
	levelCol := len(RiskColumns) - 1

	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(MutedColor)).
		Headers(RiskColumns...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			base := lipgloss.NewStyle().Padding(0, 1)
			switch {
			case row == table.HeaderRow:
				return base.Bold(true).Foreground(Primary)
			case col == levelCol && row >= 0 && row < len(txs):
				return RiskLevel(txs[row].RiskLevel).Padding(0, 1)
			}
			return base
		}).
		String()
}
