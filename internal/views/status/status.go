package status

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"

	"github.com/myquant/tui/internal/client"
	"github.com/myquant/tui/internal/theme"
)

// Model holds the status bar state.
type Model struct {
	Backend    string
	Title      string
	Navigating bool
	Shared     client.ConnState
	SharedErr  string
	Consumers  int
	Width      int
}

// New creates a status bar model.
func New(backend string) Model {
	return Model{Backend: backend}
}

// SetShared records the shared channel's latest state and holder count.
func (m *Model) SetShared(state client.ConnState, err error, consumers int) {
	m.Shared = state
	m.SharedErr = ""
	if err != nil {
		m.SharedErr = err.Error()
	}
	m.Consumers = consumers
}

// View renders the status bar.
func (m Model) View() string {
	width := m.Width
	if width < 40 {
		width = 40
	}

	var connStr string
	switch m.Shared {
	case client.StateConnected:
		connStr = lipgloss.NewStyle().Foreground(theme.ColorHealthy).Render("● live")
	case client.StateConnecting:
		connStr = lipgloss.NewStyle().Foreground(theme.ColorWarning).Render("◌ connecting")
	default:
		if m.SharedErr != "" {
			connStr = lipgloss.NewStyle().Foreground(theme.ColorDanger).Render("○ " + m.SharedErr)
		} else {
			connStr = theme.StyleDimmed.Render("○ idle")
		}
	}
	connStr += theme.StyleDimmed.Render(fmt.Sprintf(" (%d)", m.Consumers))

	title := theme.StyleHeader.Render(m.Title)
	if m.Navigating {
		title += theme.StyleDimmed.Render(" …")
	}

	sep := lipgloss.NewStyle().Foreground(theme.ColorBorder).Render(" | ")
	content := title + sep + connStr + sep + theme.StyleDimmed.Render(m.Backend)

	return lipgloss.NewStyle().
		Width(width).
		Padding(0, 1).
		BorderStyle(lipgloss.DoubleBorder()).
		BorderForeground(theme.ColorBorder).
		Render(content)
}
