// Package login renders the password prompt.
package login

import (
	"context"
	"errors"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/myquant/tui/internal/client"
	"github.com/myquant/tui/internal/router"
	"github.com/myquant/tui/internal/theme"
)

// Authenticator is the part of the HTTP facade the prompt needs.
type Authenticator interface {
	Login(ctx context.Context, password string) (*client.LoginResult, error)
}

type resultMsg struct {
	owner *Model
	res   *client.LoginResult
	err   error
}

// Model is the login screen.
type Model struct {
	auth  Authenticator
	input textinput.Model
	busy  bool
	err   string
}

func New(auth Authenticator) *Model {
	in := textinput.New()
	in.Placeholder = "password"
	in.EchoMode = textinput.EchoPassword
	in.EchoCharacter = '•'
	in.CharLimit = 128
	return &Model{auth: auth, input: in}
}

func (m *Model) Mount(router.Location) tea.Cmd {
	m.input.SetValue("")
	m.input.Focus()
	return textinput.Blink
}

func (m *Model) Unmount() {
	m.input.Blur()
}

func (m *Model) Update(msg tea.Msg) tea.Cmd {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.Type == tea.KeyEnter {
			return m.submit()
		}
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return cmd

	case resultMsg:
		if msg.owner != m {
			return nil
		}
		m.busy = false
		switch {
		case errors.Is(msg.err, client.ErrUnauthorized):
			m.err = "密码错误"
		case msg.err != nil:
			m.err = msg.err.Error()
		case !msg.res.Success:
			m.err = msg.res.Message
		default:
			m.err = ""
			return router.Request(router.Location{Name: router.Home})
		}
		m.input.SetValue("")
		return nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return cmd
}

func (m *Model) submit() tea.Cmd {
	if m.busy || m.input.Value() == "" {
		return nil
	}
	m.busy = true
	m.err = ""
	password := m.input.Value()
	return func() tea.Msg {
		res, err := m.auth.Login(context.Background(), password)
		return resultMsg{owner: m, res: res, err: err}
	}
}

// Busy reports whether a login request is in flight.
func (m *Model) Busy() bool {
	return m.busy
}

// Err returns the last login error shown to the user.
func (m *Model) Err() string {
	return m.err
}

// CapturesText keeps global single-key bindings away from the prompt.
func (m *Model) CapturesText() bool {
	return true
}

func (m *Model) Help() string {
	return "enter:login  ctrl+c:quit"
}

func (m *Model) View(width, height int) string {
	lines := []string{
		theme.StyleHeader.Render("MyQuant 登录"),
		"",
		m.input.View(),
	}
	switch {
	case m.busy:
		lines = append(lines, "", theme.StyleDimmed.Render("signing in..."))
	case m.err != "":
		lines = append(lines, "", theme.StyleError.Render(m.err))
	}
	box := theme.Panel(48).Padding(1, 2).Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
	return lipgloss.Place(width, height, lipgloss.Center, lipgloss.Center, box)
}
