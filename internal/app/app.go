package app

import (
	"context"
	"errors"
	"log/slog"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/myquant/tui/internal/client"
	"github.com/myquant/tui/internal/live"
	"github.com/myquant/tui/internal/router"
	"github.com/myquant/tui/internal/theme"
	"github.com/myquant/tui/internal/views/debug"
	"github.com/myquant/tui/internal/views/docs"
	"github.com/myquant/tui/internal/views/home"
	"github.com/myquant/tui/internal/views/login"
	"github.com/myquant/tui/internal/views/placeholder"
	"github.com/myquant/tui/internal/views/run"
	"github.com/myquant/tui/internal/views/status"
	"github.com/myquant/tui/internal/views/strategies"
)

// SharedSource tags events from the shared channel.
const SharedSource = "shared"

// Screen is one routed view. A fresh Screen is built for every committed
// navigation; it is mounted before the previous one is unmounted, so
// resources both hold (the shared channel) stay open across the switch.
type Screen interface {
	Mount(loc router.Location) tea.Cmd
	Unmount()
	Update(msg tea.Msg) tea.Cmd
	View(width, height int) string
	Help() string
}

// textCapturer is implemented by screens whose keys are typed text.
type textCapturer interface {
	CapturesText() bool
}

// UnauthorizedMsg reports that the HTTP facade saw a 401.
type UnauthorizedMsg struct{}

type logoutMsg struct{ err error }

// Config wires the model to its collaborators.
type Config struct {
	HTTP   *client.HTTPClient
	Shared *live.Shared
	Runs   *live.RunFactory
	Router *router.Router
	Start  router.Location
	Logger *slog.Logger

	// Unauthorized receives a value whenever the facade's 401 hook fires.
	Unauthorized <-chan struct{}
}

// Model is the root Bubble Tea model.
type Model struct {
	http         *client.HTTPClient
	shared       *live.Shared
	runs         *live.RunFactory
	router       *router.Router
	logger       *slog.Logger
	start        router.Location
	unauthorized <-chan struct{}

	sharedEvents <-chan client.Event
	unsubscribe  func()

	keys   KeyMap
	width  int
	height int

	screen   Screen
	location router.Location

	statusBar status.Model
	debug     debug.Model
	overlay   bool
}

// New creates the root model and subscribes to the shared channel's events.
// Subscribing does not connect; screens hold the channel while mounted.
func New(cfg Config) Model {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	start := cfg.Start
	if start.Name == "" {
		start = router.Location{Name: router.Home}
	}
	m := Model{
		http:         cfg.HTTP,
		shared:       cfg.Shared,
		runs:         cfg.Runs,
		router:       cfg.Router,
		logger:       logger,
		start:        start,
		unauthorized: cfg.Unauthorized,
		keys:         DefaultKeyMap(),
		statusBar:    status.New(cfg.HTTP.BaseURL()),
		debug:        debug.New(),
	}
	m.sharedEvents, m.unsubscribe = cfg.Shared.Subscribe()
	return m
}

// UnauthorizedNotifier returns a hook for client.WithUnauthorizedHook and
// the channel Config.Unauthorized should read. Bursts of 401s collapse
// into one pending notification.
func UnauthorizedNotifier() (hook func(), ch <-chan struct{}) {
	c := make(chan struct{}, 1)
	return func() {
		select {
		case c <- struct{}{}:
		default:
		}
	}, c
}

// Init listens on the shared channel and the 401 hook and starts the
// first navigation.
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.waitShared(),
		m.waitUnauthorized(),
		router.Request(m.start),
	)
}

func (m Model) waitShared() tea.Cmd {
	if m.sharedEvents == nil {
		return nil
	}
	return client.WaitForEvent(SharedSource, m.sharedEvents)
}

func (m Model) waitUnauthorized() tea.Cmd {
	ch := m.unauthorized
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		<-ch
		return UnauthorizedMsg{}
	}
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.statusBar.Width = msg.Width
		return m, m.forward(tea.WindowSizeMsg{Width: msg.Width, Height: m.bodyHeight()})

	case tea.KeyMsg:
		return m.handleKey(msg)

	case router.NavigateMsg:
		cmd := m.navigate(msg.To)
		return m, cmd

	case router.ResolvedMsg:
		cmd := m.resolved(msg.Resolution)
		return m, cmd

	case UnauthorizedMsg:
		m.debug.Add("http", "401 unauthorized")
		cmd := m.router.RedirectToLogin()
		if cmd != nil {
			m.debug.Add("nav", "redirecting to login")
			m.statusBar.Navigating = true
		}
		return m, tea.Batch(cmd, m.waitUnauthorized())

	case logoutMsg:
		if msg.err != nil {
			m.debug.Add("err", "logout: "+msg.err.Error())
		}
		cmd := m.navigate(router.Location{Name: router.Login})
		return m, cmd

	case client.EventMsg:
		if msg.Source != SharedSource {
			return m, m.forward(msg)
		}
		m.observeShared(msg.Event)
		return m, tea.Batch(m.forward(msg), m.waitShared())

	case client.SubscriptionClosedMsg:
		if msg.Source == SharedSource {
			return m, nil
		}
		return m, m.forward(msg)
	}

	return m, m.forward(msg)
}

func (m *Model) observeShared(ev client.Event) {
	switch ev.Kind {
	case client.EventState:
		m.statusBar.SetShared(ev.State, ev.Err, m.shared.Count())
		if ev.Err != nil {
			m.debug.Addf("ws", "shared %s: %v", ev.State, ev.Err)
			return
		}
		m.debug.Addf("ws", "shared %s", ev.State)
	case client.EventMessage:
		m.debug.Addf("ws", "shared %s", ev.Message.Type)
	}
}

func (m Model) forward(msg tea.Msg) tea.Cmd {
	if m.screen == nil {
		return nil
	}
	return m.screen.Update(msg)
}

func (m *Model) navigate(to router.Location) tea.Cmd {
	cmd, err := m.router.Navigate(to)
	if err != nil {
		m.debug.Addf("err", "navigate %s: %v", to.Name, err)
		return nil
	}
	m.statusBar.Navigating = true
	return cmd
}

func (m *Model) resolved(res router.Resolution) tea.Cmd {
	if res.Err != nil {
		m.debug.Addf("http", "auth check for %s: %v", res.Request.To.Name, res.Err)
	}
	out, ctx, err := m.router.Apply(res)
	_, pending := m.router.Pending()
	m.statusBar.Navigating = pending

	switch {
	case errors.Is(err, router.ErrStaleNavigation):
		m.debug.Addf("nav", "discarded #%d to %s", res.Request.ID, res.Request.To.Name)
		return nil
	case err != nil:
		m.debug.Addf("err", "navigation #%d: %v", res.Request.ID, err)
		return nil
	case out.Next != nil:
		m.debug.Addf("nav", "%s → %s (%s)", res.Request.To.Name, out.Next.To.Name, res.Decision)
		return m.router.ResolveCmd(ctx, *out.Next)
	}
	m.debug.Addf("nav", "#%d at %s", res.Request.ID, out.Location.Name)
	return m.commit(out.Location)
}

// commit swaps in the screen for loc. The new screen mounts first.
func (m *Model) commit(loc router.Location) tea.Cmd {
	next := m.screenFor(loc)
	mount := next.Mount(loc)
	if m.screen != nil {
		m.screen.Unmount()
	}
	m.screen, m.location = next, loc
	if route, ok := m.router.Table().Lookup(loc.Name); ok {
		m.statusBar.Title = route.Meta.Title
	}
	m.statusBar.Consumers = m.shared.Count()
	var size tea.Cmd
	if m.width > 0 {
		size = next.Update(tea.WindowSizeMsg{Width: m.width, Height: m.bodyHeight()})
	}
	return tea.Batch(mount, size)
}

func (m *Model) screenFor(loc router.Location) Screen {
	switch loc.Name {
	case router.Login:
		return login.New(m.http)
	case router.Home:
		return home.New(m.http.BaseURL(), home.DefaultEntries())
	case router.StrategiesDashboard:
		return strategies.New(m.http, m.shared)
	case router.RunDetails:
		factory := m.runs
		return run.New(m.http, m.shared, func(port int) run.Channel { return factory.Create(port) })
	case router.Docs:
		return docs.New(m.http)
	}
	route, _ := m.router.Table().Lookup(loc.Name)
	path, _ := m.router.Table().Path(loc)
	return placeholder.New(route.Meta.Title, path)
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if key.Matches(msg, m.keys.Force) {
		cmd := m.quit()
		return m, cmd
	}

	if m.overlay {
		switch {
		case key.Matches(msg, m.keys.Back), key.Matches(msg, m.keys.Debug):
			m.overlay = false
		case key.Matches(msg, m.keys.Up):
			m.debug.ScrollUp(1)
		case key.Matches(msg, m.keys.Down):
			m.debug.ScrollDown(1)
		case key.Matches(msg, m.keys.Filter):
			m.debug.CycleFilter()
		}
		return m, nil
	}

	if tc, ok := m.screen.(textCapturer); ok && tc.CapturesText() {
		return m, m.forward(msg)
	}

	switch {
	case key.Matches(msg, m.keys.Quit):
		cmd := m.quit()
		return m, cmd
	case key.Matches(msg, m.keys.Debug):
		m.overlay = true
		return m, nil
	case key.Matches(msg, m.keys.Logout):
		h := m.http
		return m, func() tea.Msg { return logoutMsg{err: h.Logout(context.Background())} }
	case key.Matches(msg, m.keys.Back):
		if back, ok := m.backTarget(); ok {
			cmd := m.navigate(back)
			return m, cmd
		}
		return m, nil
	}
	return m, m.forward(msg)
}

func (m Model) backTarget() (router.Location, bool) {
	switch m.location.Name {
	case router.Home, router.Login, "":
		return router.Location{}, false
	case router.RunDetails, router.StrategyEditor, router.ReportView:
		return router.Location{Name: router.StrategiesDashboard}, true
	}
	return router.Location{Name: router.Home}, true
}

// quit releases everything the current screen holds before exiting.
func (m *Model) quit() tea.Cmd {
	if m.screen != nil {
		m.screen.Unmount()
		m.screen = nil
	}
	if m.unsubscribe != nil {
		m.unsubscribe()
	}
	return tea.Quit
}

// Location returns the committed location the model is showing.
func (m Model) Location() router.Location {
	return m.location
}

// Screen returns the mounted screen, or nil before the first commit.
func (m Model) Screen() Screen {
	return m.screen
}

func (m Model) bodyHeight() int {
	// status bar (3 rows with border) and help line
	return max(m.height-4, 1)
}

// View renders the status bar, the current screen and its help line.
func (m Model) View() string {
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	bar := m.statusBar
	bar.Consumers = m.shared.Count()

	if m.overlay {
		return lipgloss.JoinVertical(lipgloss.Left, bar.View(), m.debug.View(m.width, m.bodyHeight()+1))
	}

	body := theme.StyleDimmed.Render("  checking session...")
	help := "D:events  q:quit"
	if m.screen != nil {
		body = m.screen.View(m.width, m.bodyHeight())
		help = m.screen.Help() + "  D:events"
	}
	return lipgloss.JoinVertical(lipgloss.Left, bar.View(), body, theme.StyleDimmed.Render("  "+help))
}
