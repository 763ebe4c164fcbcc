package scenes

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"ledger-risk/internal/client"
	"ledger-risk/internal/report"
	"ledger-risk/internal/tui/styles"
)

// RiskScene lists flagged transactions for a selectable range.
type RiskScene struct {
	client     *client.Client
	ranges     []string
	rangeIdx   int
	txs        []report.RiskTransaction
	totalCount int
	truncated  bool
	queryMs    int64
	cached     bool
	err        string
	width      int
	height     int
	cursor     int
	offset     int
	loading    bool
	maxRows    int
	lastUpdate time.Time
}

// riskMsg carries one risk query result.
type riskMsg struct {
	timeRange string
	resp      *client.RiskResponse
	err       string
}

// NewRiskScene creates the risk scene starting at the 24h range.
func NewRiskScene(c *client.Client) *RiskScene {
	return &RiskScene{
		client:  c,
		ranges:  report.TimeRangeTokens(),
		loading: true,
		maxRows: 10,
	}
}

// TimeRange returns the selected range token.
func (r *RiskScene) TimeRange() string {
	return r.ranges[r.rangeIdx]
}

// Init fetches the initial data.
func (r *RiskScene) Init() tea.Cmd {
	return r.fetch()
}

func (r *RiskScene) fetch() tea.Cmd {
	token := r.TimeRange()
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		resp, err := r.client.Analyze(ctx, report.Request{TimeRange: token})
		if err != nil {
			return riskMsg{timeRange: token, err: err.Error()}
		}
		return riskMsg{timeRange: token, resp: resp}
	}
}

// TickCmd schedules the next refresh.
func (r *RiskScene) TickCmd() tea.Cmd {
	return tea.Tick(15*time.Second, func(t time.Time) tea.Msg {
		return TickMsg{Scene: "risk", Time: t}
	})
}

// Update handles messages for the risk scene.
func (r *RiskScene) Update(msg tea.Msg) (*RiskScene, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		r.width = msg.Width
		r.height = msg.Height
		r.maxRows = max(5, r.height-14)
		return r, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "up", "k":
			if r.cursor > 0 {
				r.cursor--
				if r.cursor < r.offset {
					r.offset = r.cursor
				}
			}
		case "down", "j":
			if r.cursor < len(r.txs)-1 {
				r.cursor++
				if r.cursor >= r.offset+r.maxRows {
					r.offset = r.cursor - r.maxRows + 1
				}
			}
		case "[", "]":
			if msg.String() == "]" {
				r.rangeIdx = (r.rangeIdx + 1) % len(r.ranges)
			} else {
				r.rangeIdx = (r.rangeIdx + len(r.ranges) - 1) % len(r.ranges)
			}
			r.cursor, r.offset = 0, 0
			r.loading = true
			return r, r.fetch()
		case "r":
			r.loading = true
			return r, r.fetch()
		}
		return r, nil

	case riskMsg:
		// A slow response for a range the user already left is stale.
		if msg.timeRange != r.TimeRange() {
			return r, nil
		}
		r.loading = false
		r.err = msg.err
		r.lastUpdate = time.Now()
		if msg.resp != nil {
			r.txs = msg.resp.Transactions
			r.totalCount = msg.resp.TotalCount
			r.truncated = msg.resp.Truncated
			r.queryMs = msg.resp.QueryTimeMs
			r.cached = msg.resp.Cached
		}
		if r.cursor >= len(r.txs) {
			r.cursor = max(0, len(r.txs)-1)
		}
		return r, nil

	case TickMsg:
		if msg.Scene == "risk" {
			return r, r.fetch()
		}
		return r, nil
	}
	return r, nil
}

// View renders the risk list.
func (r *RiskScene) View() string {
	var b strings.Builder

	b.WriteString(styles.Title.Render(fmt.Sprintf("  Risky Transactions (%s)", r.TimeRange())))
	b.WriteString("\n\n")

	if r.loading && len(r.txs) == 0 {
		b.WriteString(styles.Muted.Render("  Running risk analysis..."))
		return b.String()
	}

	if r.err != "" {
		b.WriteString(styles.StatusError.Render(fmt.Sprintf("  Error: %s", r.err)))
		b.WriteString("\n\n")
		b.WriteString(styles.Muted.Render("  Press [r] to retry or [ ] to change range."))
		return b.String()
	}

	if len(r.txs) == 0 {
		b.WriteString(styles.Muted.Render("  No transactions match the default criteria in this range."))
		b.WriteString("\n")
		b.WriteString(styles.Muted.Render("  Press [ ] to change range."))
		return b.String()
	}

	count := fmt.Sprintf("  %d flagged in %dms", r.totalCount, r.queryMs)
	if r.cached {
		count = fmt.Sprintf("  %d flagged (cached)", r.totalCount)
	}
	if r.truncated {
		count += fmt.Sprintf(", showing first %d", len(r.txs))
	}
	b.WriteString(styles.Subtitle.Render(count))
	if r.loading {
		b.WriteString(styles.Muted.Render("  (refreshing...)"))
	}
	b.WriteString("\n\n")

	header := fmt.Sprintf("  %-19s %14s  %-14s %-14s %3s %3s %12s  %s",
		"Time (UTC)", "Amount", "Victim", "Suspicious", "A", "B", "C", "Level")
	b.WriteString(styles.TableHeader.Render(header))
	b.WriteString("\n")

	end := min(r.offset+r.maxRows, len(r.txs))
	for i, t := range r.txs[r.offset:end] {
		b.WriteString(r.renderRow(t, r.offset+i == r.cursor))
		b.WriteString("\n")
	}

	if len(r.txs) > r.maxRows {
		b.WriteString(styles.Muted.Render(fmt.Sprintf("\n  %d-%d of %d (↑↓ scroll, [ ] range, [r] refresh)",
			r.offset+1, end, len(r.txs))))
	} else {
		b.WriteString(styles.Muted.Render("\n  [ ] Range  [r] Refresh"))
	}
	if !r.lastUpdate.IsZero() {
		b.WriteString(styles.Muted.Render(fmt.Sprintf("  |  Updated: %s", r.lastUpdate.Format("15:04:05"))))
	}
	return b.String()
}

func (r *RiskScene) renderRow(t report.RiskTransaction, selected bool) string {
	row := fmt.Sprintf("  %-19s %14s  %-14s %-14s %3d %3d %12s  ",
		t.TransactionTime.UTC().Format(report.TimeLayout),
		t.Amount.StringFixed(2),
		truncate(t.VictimAccount.Name, 14),
		truncate(t.SuspiciousAccount.Name, 14),
		t.RiskMetrics.MetricA,
		t.RiskMetrics.MetricB,
		t.RiskMetrics.MetricC.StringFixed(2),
	)
	if selected {
		return styles.TableRowSelected.Render(row + string(t.RiskLevel))
	}
	return row + styles.RiskLevel(t.RiskLevel).Render(string(t.RiskLevel))
}
