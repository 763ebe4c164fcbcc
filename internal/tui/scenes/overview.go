// Package scenes provides the risk monitor scenes.
package scenes

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"ledger-risk/internal/client"
	"ledger-risk/internal/report"
	"ledger-risk/internal/tui/styles"
)

const fetchTimeout = 5 * time.Second

// TickMsg is sent on each tick. The parent model forwards it to the active
// scene only.
type TickMsg struct {
	Scene string
	Time  time.Time
}

// OverviewScene shows service health, ledger volume and indicator coverage.
type OverviewScene struct {
	client     *client.Client
	health     *client.Health
	stats      *client.Stats
	summary    *report.IndicatorSummary
	err        error
	width      int
	height     int
	lastUpdate time.Time
	loading    bool
}

// overviewMsg carries one refresh of the overview data.
type overviewMsg struct {
	health  *client.Health
	stats   *client.Stats
	summary *report.IndicatorSummary
	err     error
}

// NewOverviewScene creates the overview scene.
func NewOverviewScene(c *client.Client) *OverviewScene {
	return &OverviewScene{client: c, loading: true}
}

// Init fetches the initial data.
func (o *OverviewScene) Init() tea.Cmd {
	return o.fetch()
}

func (o *OverviewScene) fetch() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()

		health, err := o.client.GetHealth(ctx)
		if err != nil {
			return overviewMsg{err: err}
		}
		msg := overviewMsg{health: health}
		if msg.stats, err = o.client.GetStats(ctx); err != nil {
			msg.err = err
			return msg
		}
		msg.summary, msg.err = o.client.GetSummary(ctx, "30d")
		return msg
	}
}

// TickCmd schedules the next refresh.
func (o *OverviewScene) TickCmd() tea.Cmd {
	return tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
		return TickMsg{Scene: "overview", Time: t}
	})
}

// Update handles messages for the overview.
func (o *OverviewScene) Update(msg tea.Msg) (*OverviewScene, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		o.width = msg.Width
		o.height = msg.Height
		return o, nil

	case overviewMsg:
		o.loading = false
		o.err = msg.err
		if msg.health != nil {
			o.health = msg.health
		}
		if msg.stats != nil {
			o.stats = msg.stats
		}
		if msg.summary != nil {
			o.summary = msg.summary
		}
		o.lastUpdate = time.Now()
		return o, nil

	case TickMsg:
		if msg.Scene == "overview" {
			return o, o.fetch()
		}
		return o, nil
	}
	return o, nil
}

// View renders the overview.
func (o *OverviewScene) View() string {
	var b strings.Builder

	b.WriteString(styles.Title.Render("  Ledger Risk Overview"))
	b.WriteString("\n\n")

	if o.loading {
		b.WriteString(styles.Muted.Render("Loading..."))
		return b.String()
	}

	if o.err != nil {
		b.WriteString(styles.StatusError.Render(fmt.Sprintf("Error: %v", o.err)))
		b.WriteString("\n")
	}

	status := styles.StatusError.Render("● UNREACHABLE")
	if o.health != nil {
		if o.health.Status == "healthy" {
			status = styles.StatusOK.Render("● HEALTHY")
		} else {
			status = styles.StatusError.Render("● " + strings.ToUpper(o.health.Status))
		}
	}
	b.WriteString(fmt.Sprintf("  Status: %s\n\n", status))

	if o.stats != nil {
		cards := []string{
			renderMetricCard("Accounts", formatNumber(o.stats.TotalAccounts)),
			renderMetricCard("Transactions", formatNumber(o.stats.TotalTransactions)),
			renderMetricCard("Large", formatNumber(o.stats.LargeTransactions)),
			renderMetricCard("Logins", formatNumber(o.stats.TotalLogins)),
		}
		b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, cards...))
		b.WriteString("\n\n")
		if o.stats.Error != "" {
			b.WriteString(styles.StatusWarning.Render("  Stats degraded: " + o.stats.Error))
			b.WriteString("\n\n")
		}
	}

	if o.summary != nil {
		b.WriteString(styles.Subtitle.Render("  Indicators (30d)"))
		b.WriteString("\n")
		b.WriteString(o.renderSummary())
		b.WriteString("\n")
	}

	if o.health != nil && len(o.health.Checks) > 0 {
		b.WriteString(styles.Subtitle.Render("  Dependencies"))
		b.WriteString("\n")
		b.WriteString(renderChecks(o.health.Checks))
		b.WriteString("\n")
	}

	if !o.lastUpdate.IsZero() {
		b.WriteString(styles.Muted.Render(fmt.Sprintf("  Last updated: %s", o.lastUpdate.Format("15:04:05"))))
	}
	return b.String()
}

func (o *OverviewScene) renderSummary() string {
	s := o.summary
	rows := []string{
		fmt.Sprintf("  %-28s %d", "Active accounts", s.TotalAccounts),
		fmt.Sprintf("  %-28s %d", "Pass-through (A > 0)", s.AccountsWithMetricA),
		fmt.Sprintf("  %-28s %d", "Post-login (B > 0)", s.AccountsWithMetricB),
		fmt.Sprintf("  %-28s %d", "No receipts (C = 0)", s.AccountsWithMetricCZero),
		fmt.Sprintf("  %-28s %.2f / %.2f / %s", "Average A / B / C", s.AvgMetricA, s.AvgMetricB, s.AvgMetricC.StringFixed(2)),
	}
	return strings.Join(rows, "\n")
}

func renderChecks(checks map[string]string) string {
	var rows []string
	for _, name := range []string{"ledger", "engine", "feed"} {
		state, ok := checks[name]
		if !ok {
			continue
		}
		dot := styles.StatusOK.Render("●")
		if state != "ok" {
			dot = styles.StatusError.Render("●")
		}
		rows = append(rows, fmt.Sprintf("  %s %-10s %s", dot, name, state))
	}
	return strings.Join(rows, "\n")
}

func renderMetricCard(label, value string) string {
	card := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(styles.MutedColor).
		Padding(0, 2).
		Width(18).
		Align(lipgloss.Center)

	content := fmt.Sprintf("%s\n%s",
		styles.MetricValue.Render(value),
		styles.MetricLabel.Render(label),
	)
	return card.Render(content)
}

func formatNumber(n int64) string {
	if n >= 1000000 {
		return fmt.Sprintf("%.1fM", float64(n)/1000000)
	}
	if n >= 1000 {
		return fmt.Sprintf("%.1fK", float64(n)/1000)
	}
	return fmt.Sprintf("%d", n)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
