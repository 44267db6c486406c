// Package tui renders the live operations dashboard behind the watch
// command. It polls the orchestrator API rather than reading the database,
// so it works from any machine that can reach the HTTP port.
package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/jfoltran/datamover/internal/opstore"
	"github.com/jfoltran/datamover/internal/server"
	"github.com/jfoltran/datamover/internal/tui/components"
)

// operationsMsg carries a fresh API poll into the Bubble Tea update loop.
type operationsMsg struct {
	ops []opstore.Operation
	sum opstore.Summary
}

type errMsg struct{ err error }

type tickMsg time.Time

// Model is the Bubble Tea model for the operations dashboard.
type Model struct {
	client   *server.Client
	apiURL   string
	interval time.Duration

	ops     []opstore.Operation
	sum     opstore.Summary
	fetched time.Time
	err     error

	width  int
	height int
	ready  bool
}

// NewModel creates a dashboard model polling the given orchestrator URL.
func NewModel(apiURL string, interval time.Duration) Model {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return Model{
		client:   server.NewClient(apiURL),
		apiURL:   apiURL,
		interval: interval,
	}
}

// Init fires the first poll immediately.
func (m Model) Init() tea.Cmd {
	return m.fetch()
}

func (m Model) fetch() tea.Cmd {
	client := m.client
	return func() tea.Msg {
		ops, err := client.Operations()
		if err != nil {
			return errMsg{err}
		}
		sum, err := client.Summary("", 0)
		if err != nil {
			return errMsg{err}
		}
		return operationsMsg{ops: ops, sum: *sum}
	}
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, m.fetch()
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.ready = true

	case operationsMsg:
		m.ops = msg.ops
		m.sum = msg.sum
		m.fetched = time.Now()
		m.err = nil
		return m, m.tick()

	case errMsg:
		// Keep the last good view and keep polling.
		m.err = msg.err
		return m, m.tick()

	case tickMsg:
		return m, m.fetch()
	}

	return m, nil
}

// View renders the full dashboard.
func (m Model) View() string {
	if !m.ready {
		return "Initializing..."
	}

	w := m.width
	var sections []string

	title := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#FFFFFF")).
		Background(colorPrimary).
		Width(w).
		Padding(0, 1).
		Render(" datamover  " + m.apiURL)
	sections = append(sections, title)

	summaryBox := boxStyle.Width(w - 2).Render(components.RenderSummary(m.sum, w-4))
	sections = append(sections, summaryBox)

	tableHeight := m.height - 10 // Reserve space for the other sections.
	if tableHeight < 3 {
		tableHeight = 3
	}
	opsBox := boxStyle.Width(w - 2).Render(components.RenderOperations(m.ops, w-4, tableHeight))
	sections = append(sections, opsBox)

	if m.err != nil {
		sections = append(sections, errStyle.Render("  ! "+m.err.Error()))
	} else if !m.fetched.IsZero() {
		sections = append(sections, helpStyle.Render("  updated "+m.fetched.Format("15:04:05")))
	}

	help := helpStyle.Render("  q: quit   r: refresh")
	sections = append(sections, help)

	return strings.Join(sections, "\n")
}

// Run starts the dashboard in fullscreen mode.
func Run(apiURL string, interval time.Duration) error {
	p := tea.NewProgram(NewModel(apiURL, interval), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("tui: %w", err)
	}
	return nil
}
