// Package home renders the landing menu.
package home

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/myquant/tui/internal/router"
	"github.com/myquant/tui/internal/theme"
)

// Entry is one menu item.
type Entry struct {
	Label string
	To    router.Location
}

// DefaultEntries lists the sections reachable from the landing page.
func DefaultEntries() []Entry {
	return []Entry{
		{Label: "策略工作台  strategies dashboard", To: router.Location{Name: router.StrategiesDashboard}},
		{Label: "开发文档    docs", To: router.Location{Name: router.Docs}},
		{Label: "库管理      libraries", To: router.Location{Name: router.Libraries}},
	}
}

// Model is the landing screen.
type Model struct {
	backend string
	entries []Entry
	cursor  int
}

func New(backend string, entries []Entry) *Model {
	return &Model{backend: backend, entries: entries}
}

func (m *Model) Mount(router.Location) tea.Cmd {
	m.cursor = 0
	return nil
}

func (m *Model) Unmount() {}

func (m *Model) Update(msg tea.Msg) tea.Cmd {
	k, ok := msg.(tea.KeyMsg)
	if !ok || len(m.entries) == 0 {
		return nil
	}
	switch k.String() {
	case "j", "down":
		m.cursor = (m.cursor + 1) % len(m.entries)
	case "k", "up":
		m.cursor = (m.cursor - 1 + len(m.entries)) % len(m.entries)
	case "enter":
		return router.Request(m.entries[m.cursor].To)
	default:
		s := k.String()
		if len(s) != 1 || s[0] < '1' || s[0] > '9' {
			return nil
		}
		if n := int(s[0] - '1'); n < len(m.entries) {
			m.cursor = n
			return router.Request(m.entries[n].To)
		}
	}
	return nil
}

// Selected returns the highlighted entry.
func (m *Model) Selected() Entry {
	return m.entries[m.cursor]
}

func (m *Model) Help() string {
	return "j/k:select  enter:open  1-9:jump  L:logout  q:quit"
}

func (m *Model) View(width, height int) string {
	var b strings.Builder
	b.WriteString(theme.StyleHeader.Render("MyQuant 量化交易平台") + "\n")
	b.WriteString(theme.StyleDimmed.Render("backend "+m.backend) + "\n\n")
	for i, e := range m.entries {
		line := fmt.Sprintf("%d  %s", i+1, e.Label)
		if i == m.cursor {
			b.WriteString(theme.StyleSelected.Render("> "+line) + "\n")
			continue
		}
		b.WriteString("  " + line + "\n")
	}
	return theme.Panel(width).Height(max(height-2, 1)).Render(strings.TrimRight(b.String(), "\n"))
}
