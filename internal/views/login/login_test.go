package login

import (
	"context"
	"fmt"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/myquant/tui/internal/client"
	"github.com/myquant/tui/internal/router"
)

type fakeAuth struct {
	password string
	calls    int
}

func (f *fakeAuth) Login(_ context.Context, password string) (*client.LoginResult, error) {
	f.calls++
	if password != f.password {
		return nil, fmt.Errorf("POST /api/login: %w", client.ErrUnauthorized)
	}
	return &client.LoginResult{Success: true}, nil
}

func typeAndSubmit(m *Model, s string) tea.Cmd {
	m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)})
	return m.Update(tea.KeyMsg{Type: tea.KeyEnter})
}

func TestSuccessfulLoginGoesHome(t *testing.T) {
	auth := &fakeAuth{password: "secret"}
	m := New(auth)
	m.Mount(router.Location{Name: router.Login})

	cmd := typeAndSubmit(m, "secret")
	require.NotNil(t, cmd)
	assert.True(t, m.Busy())

	next := m.Update(cmd())
	require.NotNil(t, next)
	assert.Equal(t, router.NavigateMsg{To: router.Location{Name: router.Home}}, next())
	assert.False(t, m.Busy())
	assert.Empty(t, m.Err())
}

func TestWrongPassword(t *testing.T) {
	m := New(&fakeAuth{password: "secret"})
	m.Mount(router.Location{Name: router.Login})

	cmd := typeAndSubmit(m, "nope")
	assert.Nil(t, m.Update(cmd()))
	assert.Equal(t, "密码错误", m.Err())
	assert.Contains(t, m.View(80, 20), "密码错误")
}

func TestEmptyOrBusySubmitIgnored(t *testing.T) {
	auth := &fakeAuth{password: "secret"}
	m := New(auth)
	m.Mount(router.Location{Name: router.Login})

	assert.Nil(t, m.Update(tea.KeyMsg{Type: tea.KeyEnter}))

	first := typeAndSubmit(m, "secret")
	require.NotNil(t, first)
	assert.Nil(t, m.Update(tea.KeyMsg{Type: tea.KeyEnter}), "already in flight")
	first()
	assert.Equal(t, 1, auth.calls)
}
