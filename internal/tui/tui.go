// Package tui provides a terminal monitor for the ledger risk service.
package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/shopspring/decimal"

	"ledger-risk/internal/client"
	"ledger-risk/internal/tui/scenes"
	"ledger-risk/internal/tui/styles"
)

// Scene represents the current view
type Scene int

const (
	SceneOverview Scene = iota
	SceneRisk
	SceneActivity

	numScenes
)

// Model is the main TUI model
type Model struct {
	client *client.Client

	scene Scene

	// Scene models; only the active one receives ticks.
	overview *scenes.OverviewScene
	risk     *scenes.RiskScene
	activity *scenes.ActivityScene

	width  int
	height int

	quitting bool
}

// New creates a new TUI model. threshold highlights large transfers in the
// activity view.
func New(c *client.Client, threshold decimal.Decimal) *Model {
	return &Model{
		client:   c,
		scene:    SceneOverview,
		overview: scenes.NewOverviewScene(c),
		risk:     scenes.NewRiskScene(c),
		activity: scenes.NewActivityScene(c, threshold),
	}
}

// Init initializes the TUI
func (m *Model) Init() tea.Cmd {
	return tea.Batch(
		m.overview.Init(),
		m.activeTickCmd(),
	)
}

// activeTickCmd returns the tick command for the active scene only.
func (m *Model) activeTickCmd() tea.Cmd {
	switch m.scene {
	case SceneOverview:
		return m.overview.TickCmd()
	case SceneRisk:
		return m.risk.TickCmd()
	case SceneActivity:
		return m.activity.TickCmd()
	default:
		return nil
	}
}

func (m *Model) activeInitCmd() tea.Cmd {
	switch m.scene {
	case SceneOverview:
		return m.overview.Init()
	case SceneRisk:
		return m.risk.Init()
	case SceneActivity:
		return m.activity.Init()
	default:
		return nil
	}
}

func (m *Model) switchTo(s Scene) tea.Cmd {
	if m.scene == s {
		return nil
	}
	m.scene = s
	return tea.Batch(m.activeInitCmd(), m.activeTickCmd())
}

// Update handles all messages
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "1":
			return m, m.switchTo(SceneOverview)
		case "2":
			return m, m.switchTo(SceneRisk)
		case "3":
			return m, m.switchTo(SceneActivity)
		case "tab":
			return m, m.switchTo((m.scene + 1) % numScenes)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.overview, _ = m.overview.Update(msg)
		m.risk, _ = m.risk.Update(msg)
		m.activity, _ = m.activity.Update(msg)
		return m, nil

	case scenes.TickMsg:
		var cmd tea.Cmd
		switch m.scene {
		case SceneOverview:
			if msg.Scene != "overview" {
				return m, nil
			}
			m.overview, cmd = m.overview.Update(msg)
		case SceneRisk:
			if msg.Scene != "risk" {
				return m, nil
			}
			m.risk, cmd = m.risk.Update(msg)
		case SceneActivity:
			if msg.Scene != "activity" {
				return m, nil
			}
			m.activity, cmd = m.activity.Update(msg)
		}
		return m, tea.Batch(cmd, m.activeTickCmd())
	}

	// Data messages go to every scene so a fetch that lands after a tab
	// switch is not lost; each scene ignores message types it does not own.
	var cmds []tea.Cmd
	var cmd tea.Cmd
	if _, ok := msg.(tea.KeyMsg); ok {
		switch m.scene {
		case SceneOverview:
			m.overview, cmd = m.overview.Update(msg)
		case SceneRisk:
			m.risk, cmd = m.risk.Update(msg)
		case SceneActivity:
			m.activity, cmd = m.activity.Update(msg)
		}
		return m, cmd
	}
	m.overview, cmd = m.overview.Update(msg)
	cmds = append(cmds, cmd)
	m.risk, cmd = m.risk.Update(msg)
	cmds = append(cmds, cmd)
	m.activity, cmd = m.activity.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

// View renders the current view
func (m *Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(m.renderHeader())
	b.WriteString("\n")

	switch m.scene {
	case SceneOverview:
		b.WriteString(m.overview.View())
	case SceneRisk:
		b.WriteString(m.risk.View())
	case SceneActivity:
		b.WriteString(m.activity.View())
	}

	b.WriteString("\n")
	b.WriteString(styles.Help.Render(" [1-3] Switch tabs  [Tab] Next tab  [↑↓/jk] Navigate  [q] Quit "))
	return b.String()
}

func (m *Model) renderHeader() string {
	tabs := []struct {
		name  string
		key   string
		scene Scene
	}{
		{"Overview", "1", SceneOverview},
		{"Risk", "2", SceneRisk},
		{"Activity", "3", SceneActivity},
	}

	var tabViews []string
	for _, tab := range tabs {
		label := fmt.Sprintf(" %s %s ", tab.key, tab.name)
		if tab.scene == m.scene {
			tabViews = append(tabViews, styles.TabActive.Render(label))
		} else {
			tabViews = append(tabViews, styles.TabInactive.Render(label))
		}
	}

	return lipgloss.NewStyle().
		BorderBottom(true).
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(styles.MutedColor).
		Width(m.width).
		Render(lipgloss.JoinHorizontal(lipgloss.Top, tabViews...))
}

// Run starts the TUI application
func Run(c *client.Client, threshold decimal.Decimal) error {
	p := tea.NewProgram(New(c, threshold), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
