package scenes

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/shopspring/decimal"

	"ledger-risk/internal/client"
	"ledger-risk/internal/tui/styles"
)

// ActivityScene shows the newest ledger transactions.
type ActivityScene struct {
	client     *client.Client
	threshold  decimal.Decimal
	txs        []client.RecentTransaction
	err        error
	width      int
	height     int
	maxRows    int
	lastUpdate time.Time
	loading    bool
}

// activityMsg carries recent transactions.
type activityMsg struct {
	txs []client.RecentTransaction
	err error
}

// NewActivityScene creates the activity scene. Transfers at or above
// threshold are highlighted.
func NewActivityScene(c *client.Client, threshold decimal.Decimal) *ActivityScene {
	return &ActivityScene{client: c, threshold: threshold, loading: true, maxRows: 15}
}

// Init fetches the initial data.
func (a *ActivityScene) Init() tea.Cmd {
	return a.fetch()
}

func (a *ActivityScene) fetch() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()
		txs, err := a.client.GetRecent(ctx, 100)
		return activityMsg{txs: txs, err: err}
	}
}

// TickCmd schedules the next refresh.
func (a *ActivityScene) TickCmd() tea.Cmd {
	return tea.Tick(3*time.Second, func(t time.Time) tea.Msg {
		return TickMsg{Scene: "activity", Time: t}
	})
}

// Update handles messages for the activity scene.
func (a *ActivityScene) Update(msg tea.Msg) (*ActivityScene, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.maxRows = max(5, a.height-10)
		return a, nil

	case activityMsg:
		a.loading = false
		a.err = msg.err
		if msg.err == nil {
			a.txs = msg.txs
		}
		a.lastUpdate = time.Now()
		return a, nil

	case TickMsg:
		if msg.Scene == "activity" {
			return a, a.fetch()
		}
		return a, nil
	}
	return a, nil
}

// View renders the activity feed.
func (a *ActivityScene) View() string {
	var b strings.Builder

	b.WriteString(styles.Title.Render("  Recent Activity"))
	b.WriteString("\n\n")

	if a.loading {
		b.WriteString(styles.Muted.Render("Loading..."))
		return b.String()
	}
	if a.err != nil {
		b.WriteString(styles.StatusError.Render(fmt.Sprintf("  Error: %v", a.err)))
		b.WriteString("\n\n")
	}
	if len(a.txs) == 0 {
		b.WriteString(styles.Muted.Render("  No transactions yet."))
		return b.String()
	}

	header := fmt.Sprintf("  %-8s %-19s %14s  %-16s %-16s %s", "ID", "Time (UTC)", "Amount", "From", "To", "Status")
	b.WriteString(styles.TableHeader.Render(header))
	b.WriteString("\n")

	for _, t := range a.txs[:min(len(a.txs), a.maxRows)] {
		amount := fmt.Sprintf("%14s", t.Amount.StringFixed(2))
		if t.Amount.GreaterThanOrEqual(a.threshold) {
			amount = styles.StatusWarning.Render(amount)
		}
		b.WriteString(fmt.Sprintf("  %-8d %-19s %s  %-16s %-16s %s\n",
			t.ID,
			t.CreatedAt.UTC().Format("2006-01-02 15:04:05"),
			amount,
			truncate(t.SenderName, 16),
			truncate(t.ReceiverName, 16),
			t.Status,
		))
	}

	if !a.lastUpdate.IsZero() {
		b.WriteString(styles.Muted.Render(fmt.Sprintf("\n  Updated: %s", a.lastUpdate.Format("15:04:05"))))
	}
	return b.String()
}
