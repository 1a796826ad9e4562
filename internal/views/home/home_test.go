package home

import (
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/myquant/tui/internal/router"
)

func TestNavigation(t *testing.T) {
	m := New("http://127.0.0.1:5000", DefaultEntries())
	m.Mount(router.Location{Name: router.Home})

	m.Update(tea.KeyMsg{Type: tea.KeyDown})
	if got := m.Selected().To.Name; got != router.Docs {
		t.Fatalf("Selected() = %s, want %s", got, router.Docs)
	}
	m.Update(tea.KeyMsg{Type: tea.KeyUp})
	m.Update(tea.KeyMsg{Type: tea.KeyUp})
	if got := m.Selected().To.Name; got != router.Libraries {
		t.Errorf("cursor should wrap, got %s", got)
	}

	cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	if cmd == nil {
		t.Fatal("enter should navigate")
	}
	if msg := cmd().(router.NavigateMsg); msg.To.Name != router.Libraries {
		t.Errorf("navigated to %s", msg.To.Name)
	}
}

func TestDigitJumps(t *testing.T) {
	m := New("", DefaultEntries())
	cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("2")})
	if cmd == nil {
		t.Fatal("digit should navigate")
	}
	if msg := cmd().(router.NavigateMsg); msg.To.Name != router.Docs {
		t.Errorf("navigated to %s, want %s", msg.To.Name, router.Docs)
	}
	if cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("9")}); cmd != nil {
		t.Error("out of range digit should do nothing")
	}
}
