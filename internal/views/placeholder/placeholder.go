// Package placeholder renders routes that only the web client implements.
package placeholder

import (
	"fmt"
	"sort"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/myquant/tui/internal/router"
	"github.com/myquant/tui/internal/theme"
)

// Model shows the route title and its parameters.
type Model struct {
	title string
	path  string
	loc   router.Location
}

// New creates a placeholder for a route with the given title and path.
func New(title, path string) *Model {
	return &Model{title: title, path: path}
}

func (m *Model) Mount(loc router.Location) tea.Cmd {
	m.loc = loc
	return nil
}

func (m *Model) Unmount() {}

func (m *Model) Update(tea.Msg) tea.Cmd { return nil }

func (m *Model) Help() string {
	return "esc:home  q:quit"
}

func (m *Model) View(width, height int) string {
	lines := []string{
		theme.StyleHeader.Render(m.title),
		theme.StyleDimmed.Render(m.path),
		"",
	}
	keys := make([]string, 0, len(m.loc.Params))
	for k := range m.loc.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("%s: %s", k, m.loc.Params[k]))
	}
	lines = append(lines, "", theme.StyleDimmed.Render("This page is only available in the web client."))
	body := lipgloss.JoinVertical(lipgloss.Left, lines...)
	return theme.Panel(width).Height(max(height-2, 1)).Render(strings.TrimRight(body, "\n"))
}
