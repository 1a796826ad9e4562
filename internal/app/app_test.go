package app

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/myquant/tui/internal/client"
	"github.com/myquant/tui/internal/config"
	"github.com/myquant/tui/internal/devserver"
	"github.com/myquant/tui/internal/live"
	"github.com/myquant/tui/internal/logging"
	"github.com/myquant/tui/internal/router"
	"github.com/myquant/tui/internal/views/login"
	"github.com/myquant/tui/internal/views/run"
)

// countingChannel counts the transport calls Shared makes.
type countingChannel struct {
	*client.Conn
	connects    atomic.Int32
	disconnects atomic.Int32
}

func (c *countingChannel) Connect() {
	c.connects.Add(1)
	c.Conn.Connect()
}

func (c *countingChannel) Disconnect() {
	c.disconnects.Add(1)
	c.Conn.Disconnect()
}

type harness struct {
	srv    *devserver.Server
	http   *client.HTTPClient
	shared *live.Shared
	ch     *countingChannel
	router *router.Router
}

func newHarness(t *testing.T, start router.Location) (*harness, Model) {
	t.Helper()
	cfg := config.Default()
	cfg.Auth.Password = "secret"
	cfg.Monitoring.PortRangeStart = 0
	cfg.Monitoring.PortRangeEnd = 0

	logger := logging.Discard()
	srv := devserver.New(cfg, devserver.Options{UpdateInterval: 20 * time.Millisecond, RunSteps: 1000}, logger)
	srv.Seed()
	ts := httptest.NewServer(srv.Handler())

	h := &harness{srv: srv}
	h.http = client.NewHTTPClient(ts.URL, client.WithLogger(logger))
	sharedURL, err := live.SharedURL(ts.URL)
	require.NoError(t, err)
	h.ch = &countingChannel{Conn: client.NewConn(sharedURL, client.WithCookieJar(h.http.Jar()))}
	h.shared = live.NewShared(h.ch, logger)
	runs, err := live.NewRunFactory(ts.URL, h.http.Jar(), logger)
	require.NoError(t, err)
	h.router = router.New(router.NewTable(router.DefaultRoutes()), &router.Guard{Auth: h.http, Logger: logger}, logger)

	t.Cleanup(func() {
		h.ch.Conn.Disconnect()
		ts.Close()
		srv.Close()
	})

	m := New(Config{
		HTTP:   h.http,
		Shared: h.shared,
		Runs:   runs,
		Router: h.router,
		Start:  start,
		Logger: logger,
	})
	next, _ := m.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	return h, next.(Model)
}

func (h *harness) login(t *testing.T) {
	t.Helper()
	_, err := h.http.Login(context.Background(), "secret")
	require.NoError(t, err)
}

// runCmd executes cmd, giving up on commands that block (channel waits,
// blink ticks) after wait.
func runCmd(cmd tea.Cmd, wait time.Duration) (tea.Msg, bool) {
	done := make(chan tea.Msg, 1)
	go func() { done <- cmd() }()
	select {
	case msg := <-done:
		return msg, true
	case <-time.After(wait):
		return nil, false
	}
}

// pump feeds the messages cmd produces back into the model until until
// reports true or no command has anything left to say.
func pump(t *testing.T, m Model, cmd tea.Cmd, until func(Model) bool) Model {
	t.Helper()
	queue := []tea.Cmd{cmd}
	for steps := 0; len(queue) > 0 && steps < 500; steps++ {
		if until != nil && until(m) {
			return m
		}
		c := queue[0]
		queue = queue[1:]
		if c == nil {
			continue
		}
		msg, ok := runCmd(c, 200*time.Millisecond)
		if !ok || msg == nil {
			continue
		}
		if batch, isBatch := msg.(tea.BatchMsg); isBatch {
			queue = append(queue, batch...)
			continue
		}
		next, nc := m.Update(msg)
		m = next.(Model)
		queue = append(queue, nc)
	}
	if until != nil {
		require.True(t, until(m), "condition not reached, at %q", m.Location().Name)
	}
	return m
}

func at(name string) func(Model) bool {
	return func(m Model) bool { return m.Location().Name == name }
}

// resolution runs cmd's auth check and returns its result without
// applying it.
func resolution(t *testing.T, cmd tea.Cmd) router.ResolvedMsg {
	t.Helper()
	queue := []tea.Cmd{cmd}
	for len(queue) > 0 {
		c := queue[0]
		queue = queue[1:]
		if c == nil {
			continue
		}
		switch msg := c().(type) {
		case tea.BatchMsg:
			queue = append(queue, msg...)
		case router.ResolvedMsg:
			return msg
		}
	}
	t.Fatal("command produced no resolution")
	return router.ResolvedMsg{}
}

func TestInitRedirectsToLoginWhenLoggedOut(t *testing.T) {
	h, m := newHarness(t, router.Location{Name: router.StrategiesDashboard})

	m = pump(t, m, m.Init(), at(router.Login))

	assert.IsType(t, &login.Model{}, m.Screen())
	assert.Equal(t, router.Login, h.router.Current().Name)
	assert.Zero(t, h.shared.Count(), "login screen never holds the shared channel")
	assert.Zero(t, h.ch.connects.Load())
}

func TestLoginReachesHome(t *testing.T) {
	_, m := newHarness(t, router.Location{Name: router.Home})
	m = pump(t, m, m.Init(), at(router.Login))

	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("secret")})
	m = next.(Model)
	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	m = next.(Model)
	require.NotNil(t, cmd)

	m = pump(t, m, cmd, at(router.Home))
	assert.Contains(t, m.View(), "MyQuant 量化交易平台")
}

func TestWrongPasswordStaysOnLogin(t *testing.T) {
	h, m := newHarness(t, router.Location{Name: router.Home})
	m = pump(t, m, m.Init(), at(router.Login))

	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("wrong")})
	m = next.(Model)
	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	m = pump(t, next.(Model), cmd, func(m Model) bool {
		lm, ok := m.Screen().(*login.Model)
		return ok && lm.Err() != ""
	})

	assert.Equal(t, router.Login, m.Location().Name)
	assert.Equal(t, "密码错误", m.Screen().(*login.Model).Err())
	_, pending := h.router.Pending()
	assert.False(t, pending)
}

func TestSharedChannelHeldAcrossScreens(t *testing.T) {
	h, m := newHarness(t, router.Location{Name: router.StrategiesDashboard})
	h.login(t)
	m = pump(t, m, m.Init(), at(router.StrategiesDashboard))

	assert.Equal(t, 1, h.shared.Count())
	assert.True(t, h.shared.IsOpen())
	assert.EqualValues(t, 1, h.ch.connects.Load())

	r, _, err := h.srv.StartRun("ma_cross", devserver.ModeBacktest)
	require.NoError(t, err)

	next, cmd := m.Update(router.NavigateMsg{To: router.To(router.RunDetails, "run_id", r.ID)})
	m = pump(t, next.(Model), cmd, func(m Model) bool {
		rs, ok := m.Screen().(*run.Model)
		return ok && rs.ChannelPort() != 0
	})

	assert.Equal(t, r.ID, m.Screen().(*run.Model).RunID())
	assert.Equal(t, 1, h.shared.Count(), "run details took over the hold")
	assert.EqualValues(t, 1, h.ch.connects.Load(), "no reconnect between screens")
	assert.Zero(t, h.ch.disconnects.Load())

	next, cmd = m.Update(router.NavigateMsg{To: router.Location{Name: router.Docs}})
	m = pump(t, next.(Model), cmd, at(router.Docs))

	assert.Zero(t, h.shared.Count())
	assert.False(t, h.shared.IsOpen())
	assert.EqualValues(t, 1, h.ch.disconnects.Load())
}

func TestUnauthorizedRedirectsOnce(t *testing.T) {
	h, m := newHarness(t, router.Location{Name: router.Home})
	h.login(t)
	m = pump(t, m, m.Init(), at(router.Home))
	require.NoError(t, h.http.Logout(context.Background()))

	next, first := m.Update(UnauthorizedMsg{})
	m = next.(Model)
	require.NotNil(t, first)
	pending, ok := h.router.Pending()
	require.True(t, ok)
	assert.Equal(t, router.Login, pending.To.Name)

	next, second := m.Update(UnauthorizedMsg{})
	m = next.(Model)
	assert.Nil(t, second, "a redirect to login is already pending")

	m = pump(t, m, first, at(router.Login))

	_, third := m.Update(UnauthorizedMsg{})
	assert.Nil(t, third, "already at login")
}

func TestStaleResolutionIsDiscarded(t *testing.T) {
	h, m := newHarness(t, router.Location{Name: router.Home})
	h.login(t)
	m = pump(t, m, m.Init(), at(router.Home))

	older := m.navigate(router.Location{Name: router.Docs})
	newer := m.navigate(router.Location{Name: router.StrategiesDashboard})

	stale := resolution(t, older)
	next, cmd := m.Update(stale)
	m = next.(Model)
	assert.Nil(t, cmd)
	assert.Equal(t, router.Home, m.Location().Name, "superseded result must not commit")
	assert.Contains(t, m.debug.Entries[len(m.debug.Entries)-1].Message, "discarded")

	next, cmd = m.Update(resolution(t, newer))
	m = pump(t, next.(Model), cmd, at(router.StrategiesDashboard))
	assert.Equal(t, 1, h.shared.Count())
}

func TestQuitReleasesHolds(t *testing.T) {
	h, m := newHarness(t, router.Location{Name: router.StrategiesDashboard})
	h.login(t)
	m = pump(t, m, m.Init(), at(router.StrategiesDashboard))
	require.Equal(t, 1, h.shared.Count())

	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	m = next.(Model)
	require.NotNil(t, cmd)
	assert.Nil(t, m.Screen())
	assert.Zero(t, h.shared.Count())
}

func TestBackTarget(t *testing.T) {
	tests := []struct {
		from   string
		want   string
		wantOK bool
	}{
		{router.Home, "", false},
		{router.Login, "", false},
		{router.RunDetails, router.StrategiesDashboard, true},
		{router.ReportView, router.StrategiesDashboard, true},
		{router.StrategiesDashboard, router.Home, true},
		{router.Docs, router.Home, true},
	}
	for _, tt := range tests {
		t.Run(tt.from, func(t *testing.T) {
			m := Model{location: router.Location{Name: tt.from}}
			got, ok := m.backTarget()
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got.Name)
		})
	}
}

func TestUnauthorizedNotifierCoalesces(t *testing.T) {
	hook, ch := UnauthorizedNotifier()
	hook()
	hook()
	hook()

	select {
	case <-ch:
	default:
		t.Fatal("expected a pending notification")
	}
	select {
	case <-ch:
		t.Fatal("bursts should collapse into one notification")
	default:
	}
}

func TestDebugOverlayToggles(t *testing.T) {
	_, m := newHarness(t, router.Location{Name: router.Home})

	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("D")})
	m = next.(Model)
	require.True(t, m.overlay)
	assert.True(t, strings.Contains(m.View(), "EVENT LOG"))

	next, _ = m.Update(tea.KeyMsg{Type: tea.KeyEsc})
	m = next.(Model)
	assert.False(t, m.overlay)
}

func TestViewBeforeSize(t *testing.T) {
	m := Model{}
	assert.Equal(t, "Initializing...", m.View())
}
