// Package docs renders backend markdown documentation in a scrollable
// viewport.
package docs

import (
	"context"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"

	"github.com/myquant/tui/internal/router"
	"github.com/myquant/tui/internal/theme"
)

// DefaultProject is shown when the location names no project.
const DefaultProject = "myquant"

// Fetcher is the part of the HTTP facade the screen needs.
type Fetcher interface {
	Doc(ctx context.Context, project string) (string, error)
}

type docMsg struct {
	owner   *Model
	content string
	err     error
}

// Model is the docs screen.
type Model struct {
	api      Fetcher
	vp       viewport.Model
	ctx      context.Context
	cancel   context.CancelFunc
	project  string
	markdown string
	wrap     int
	err      string
}

func New(api Fetcher) *Model {
	return &Model{api: api, vp: viewport.New(80, 20)}
}

func (m *Model) Mount(loc router.Location) tea.Cmd {
	m.project = loc.Param("project")
	if m.project == "" {
		m.project = DefaultProject
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	ctx, project := m.ctx, m.project
	return func() tea.Msg {
		content, err := m.api.Doc(ctx, project)
		return docMsg{owner: m, content: content, err: err}
	}
}

func (m *Model) Unmount() {
	if m.cancel != nil {
		m.cancel()
	}
}

func (m *Model) Update(msg tea.Msg) tea.Cmd {
	switch msg := msg.(type) {
	case docMsg:
		if msg.owner != m {
			return nil
		}
		if msg.err != nil {
			m.err = msg.err.Error()
			return nil
		}
		m.markdown = msg.content
		m.render()
		return nil
	case tea.WindowSizeMsg:
		m.resize(msg.Width, msg.Height)
		return nil
	}
	var cmd tea.Cmd
	m.vp, cmd = m.vp.Update(msg)
	return cmd
}

func (m *Model) resize(width, height int) {
	m.vp.Width = max(width-4, 20)
	m.vp.Height = max(height-2, 3)
	if m.vp.Width != m.wrap {
		m.render()
	}
}

func (m *Model) render() {
	if m.markdown == "" {
		return
	}
	m.wrap = m.vp.Width
	r, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle("dark"),
		glamour.WithWordWrap(m.wrap),
	)
	if err != nil {
		m.vp.SetContent(m.markdown)
		return
	}
	out, err := r.Render(m.markdown)
	if err != nil {
		out = m.markdown
	}
	m.vp.SetContent(out)
}

func (m *Model) Help() string {
	return "j/k:scroll  pgup/pgdn:page  esc:home"
}

func (m *Model) View(width, height int) string {
	switch {
	case m.err != "":
		return theme.Panel(width).Render(theme.StyleError.Render(m.err))
	case m.markdown == "":
		return theme.Panel(width).Render(theme.StyleDimmed.Render("loading " + m.project + "..."))
	}
	return theme.Panel(width).Render(m.vp.View())
}
