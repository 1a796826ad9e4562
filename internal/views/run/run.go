// Package run renders the run details screen. It owns a private channel
// to the run's monitor for as long as it is mounted, and holds the shared
// channel for status changes.
package run

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/harmonica"
	"github.com/charmbracelet/lipgloss"

	"github.com/myquant/tui/internal/client"
	"github.com/myquant/tui/internal/router"
	"github.com/myquant/tui/internal/theme"
)

const (
	barWidth   = 40
	labelWidth = 12
	maxLog     = 8
	fps        = 30
)

var (
	styleLabel = lipgloss.NewStyle().
			Foreground(theme.ColorDimmed).
			Width(labelWidth)

	styleValue = lipgloss.NewStyle().
			Foreground(theme.ColorBright)
)

// API is the part of the HTTP facade the screen needs.
type API interface {
	RunStatus(ctx context.Context, runID string) (*client.RunStatus, error)
	ControlRun(ctx context.Context, runID string, action client.RunAction) error
}

// Channel is a per-run live channel.
type Channel interface {
	Subscribe() (<-chan client.Event, func())
	Connect()
	Disconnect()
}

// ChannelFactory creates a disconnected channel for the monitor on port.
type ChannelFactory func(port int) Channel

// Holder hands out holds on the shared channel.
type Holder interface {
	Hold() (release func())
}

// SharedSource is the source name the app uses for shared channel events.
const SharedSource = "shared"

type statusMsg struct {
	owner   *Model
	status  *client.RunStatus
	connect bool
	err     error
}

type controlMsg struct {
	owner  *Model
	action client.RunAction
	err    error
}

type frameMsg struct{ owner *Model }

// Model is the run details screen.
type Model struct {
	api     API
	shared  Holder
	dial    ChannelFactory
	spring  harmonica.Spring
	release func()

	ctx    context.Context
	cancel context.CancelFunc

	runID       string
	ch          Channel
	port        int
	source      string // tags events of the current subscription
	opened      int
	events      <-chan client.Event
	unsubscribe func()
	connState   client.ConnState
	connErr     string

	status *client.RunStatus
	last   *client.MonitoringUpdatePayload
	log    []string
	err    string

	target    float64
	shown     float64
	velocity  float64
	animating bool
}

func New(api API, shared Holder, dial ChannelFactory) *Model {
	return &Model{
		api:    api,
		shared: shared,
		dial:   dial,
		spring: harmonica.NewSpring(harmonica.FPS(fps), 6.0, 1.0),
	}
}

func (m *Model) Mount(loc router.Location) tea.Cmd {
	m.runID = loc.Param("run_id")
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.release = m.shared.Hold()
	return m.fetchStatus(true)
}

// Unmount disconnects and drops the run's channel.
func (m *Model) Unmount() {
	if m.cancel != nil {
		m.cancel()
	}
	m.dropChannel()
	if m.release != nil {
		m.release()
	}
}

func (m *Model) dropChannel() {
	if m.ch == nil {
		return
	}
	m.ch.Disconnect()
	m.unsubscribe()
	m.ch, m.events, m.unsubscribe, m.port, m.source = nil, nil, nil, 0, ""
	m.connState = client.StateDisconnected
}

// RunID returns the run this screen shows.
func (m *Model) RunID() string {
	return m.runID
}

// ChannelPort returns the monitor port of the open channel, or 0.
func (m *Model) ChannelPort() int {
	return m.port
}

func (m *Model) fetchStatus(connect bool) tea.Cmd {
	ctx, id := m.ctx, m.runID
	return func() tea.Msg {
		st, err := m.api.RunStatus(ctx, id)
		return statusMsg{owner: m, status: st, connect: connect, err: err}
	}
}

func (m *Model) control(action client.RunAction) tea.Cmd {
	ctx, id := m.ctx, m.runID
	return func() tea.Msg {
		return controlMsg{owner: m, action: action, err: m.api.ControlRun(ctx, id, action)}
	}
}

func (m *Model) Update(msg tea.Msg) tea.Cmd {
	switch msg := msg.(type) {
	case statusMsg:
		if msg.owner != m || m.ctx.Err() != nil {
			return nil
		}
		if msg.err != nil {
			m.err = msg.err.Error()
			return nil
		}
		m.err = ""
		m.status = msg.status
		if msg.connect {
			return m.openChannel(msg.status.Port)
		}
		return nil

	case controlMsg:
		if msg.owner != m {
			return nil
		}
		if msg.err != nil {
			m.err = fmt.Sprintf("%s: %v", msg.action, msg.err)
			return nil
		}
		m.appendLog(fmt.Sprintf("%s accepted", msg.action))
		return m.fetchStatus(false)

	case client.EventMsg:
		return m.handleEvent(msg)

	case client.SubscriptionClosedMsg:
		return nil

	case frameMsg:
		if msg.owner != m || !m.animating {
			return nil
		}
		return m.step()

	case tea.KeyMsg:
		switch msg.String() {
		case "p":
			return m.control(client.ActionPause)
		case "c":
			return m.control(client.ActionResume)
		case "x":
			return m.control(client.ActionStop)
		case "r":
			return m.fetchStatus(true)
		case "v":
			return router.Request(router.To(router.ReportView, "runId", m.runID))
		}
	}
	return nil
}

// openChannel connects to the run's monitor unless a channel to that port
// is already open. A port of 0 means the run is not live.
func (m *Model) openChannel(port int) tea.Cmd {
	if port == 0 {
		m.dropChannel()
		return nil
	}
	if m.ch != nil && m.port == port && m.connState != client.StateDisconnected {
		return nil
	}
	m.dropChannel()
	m.opened++
	m.ch = m.dial(port)
	m.port = port
	m.source = fmt.Sprintf("%s/%d", m.runID, m.opened)
	m.events, m.unsubscribe = m.ch.Subscribe()
	m.ch.Connect()
	m.connState = client.StateConnecting
	return m.waitNext()
}

// waitNext keeps one WaitForEvent outstanding on the current subscription.
func (m *Model) waitNext() tea.Cmd {
	return client.WaitForEvent(m.source, m.events)
}

func (m *Model) handleEvent(msg client.EventMsg) tea.Cmd {
	if msg.Source == SharedSource {
		if msg.Event.Kind != client.EventMessage || msg.Event.Message.Type != client.MsgRunStatusChanged {
			return nil
		}
		var p client.RunStatusChangedPayload
		if err := msg.Event.Message.Decode(&p); err != nil || p.RunID != m.runID {
			return nil
		}
		return m.fetchStatus(false)
	}
	if m.ch == nil || msg.Source != m.source {
		return nil
	}

	next := m.waitNext()
	ev := msg.Event
	switch ev.Kind {
	case client.EventState:
		m.connState = ev.State
		m.connErr = ""
		if ev.Err != nil {
			m.connErr = ev.Err.Error()
		}
		if ev.State == client.StateDisconnected {
			return tea.Batch(next, m.fetchStatus(false))
		}
	case client.EventMessage:
		return tea.Batch(next, m.handleMessage(ev.Message))
	}
	return next
}

func (m *Model) handleMessage(env client.Envelope) tea.Cmd {
	switch env.Type {
	case client.MsgMonitoringUpdate:
		var p client.MonitoringUpdatePayload
		if err := env.Decode(&p); err != nil {
			return nil
		}
		m.last = &p
		if p.Message != "" {
			m.appendLog(p.Message)
		}
		return m.animateTo(p.Progress)
	case client.MsgError:
		var p client.ErrorPayload
		if err := env.Decode(&p); err == nil {
			m.appendLog("error: " + p.Message)
		}
	}
	return nil
}

func (m *Model) animateTo(target float64) tea.Cmd {
	m.target = math.Max(0, math.Min(1, target))
	if m.animating {
		return nil
	}
	m.animating = true
	return m.tick()
}

func (m *Model) tick() tea.Cmd {
	return tea.Tick(time.Second/fps, func(time.Time) tea.Msg { return frameMsg{owner: m} })
}

func (m *Model) step() tea.Cmd {
	m.shown, m.velocity = m.spring.Update(m.shown, m.velocity, m.target)
	if math.Abs(m.shown-m.target) < 0.001 && math.Abs(m.velocity) < 0.001 {
		m.shown, m.velocity, m.animating = m.target, 0, false
		return nil
	}
	return m.tick()
}

func (m *Model) appendLog(line string) {
	m.log = append(m.log, time.Now().Format("15:04:05")+" "+line)
	if len(m.log) > maxLog {
		m.log = m.log[len(m.log)-maxLog:]
	}
}

func (m *Model) Help() string {
	return "p:pause  c:resume  x:stop  r:refresh  v:report  esc:back"
}

func (m *Model) View(width, height int) string {
	var b strings.Builder
	b.WriteString(theme.StyleHeader.Render("Run: "+m.runID) + "\n")
	b.WriteString(strings.Repeat("─", max(min(width-4, 60), 10)) + "\n")

	if m.status == nil {
		if m.err != "" {
			b.WriteString(theme.StyleError.Render(m.err) + "\n")
		} else {
			b.WriteString(theme.StyleDimmed.Render("loading...") + "\n")
		}
		return theme.Panel(width).Render(b.String())
	}

	st := string(m.status.Status)
	writeRow(&b, "Status", lipgloss.NewStyle().Foreground(theme.RunStateColor(st)).Render(theme.RunStateGlyph(st)+" "+st))
	if m.status.WorkspaceDir != "" {
		writeRow(&b, "Workspace", m.status.WorkspaceDir)
	}
	writeRow(&b, "Monitor", m.monitorLine())
	b.WriteString("\n")

	writeRow(&b, "Progress", renderBar(m.shown, barWidth, theme.RunStateColor(st))+fmt.Sprintf(" %3.0f%%", m.shown*100))
	if p := m.last; p != nil {
		writeRow(&b, "Equity", fmt.Sprintf("%.2f", p.Equity))
		writeRow(&b, "Cash", fmt.Sprintf("%.2f", p.Cash))
		writeRow(&b, "Positions", fmt.Sprintf("%d", p.Positions))
		if p.Timestamp != "" {
			writeRow(&b, "Bar", p.Timestamp)
		}
	}

	if len(m.log) > 0 {
		b.WriteString("\n" + theme.StyleDimmed.Render("Events") + "\n")
		for _, l := range m.log {
			b.WriteString("  " + l + "\n")
		}
	}
	if m.err != "" {
		b.WriteString("\n" + theme.StyleError.Render(m.err) + "\n")
	}
	return theme.Panel(width).Render(strings.TrimRight(b.String(), "\n"))
}

func (m *Model) monitorLine() string {
	if m.port == 0 {
		return theme.StyleDimmed.Render("not live")
	}
	var color lipgloss.Color
	switch m.connState {
	case client.StateConnected:
		color = theme.ColorHealthy
	case client.StateConnecting:
		color = theme.ColorWarning
	default:
		color = theme.ColorDanger
	}
	s := lipgloss.NewStyle().Foreground(color).Render(fmt.Sprintf("port %d %s", m.port, m.connState))
	if m.connErr != "" {
		s += " " + theme.StyleError.Render(m.connErr)
	}
	return s
}

func writeRow(b *strings.Builder, label, value string) {
	b.WriteString(styleLabel.Render(label+":") + styleValue.Render(value) + "\n")
}

func renderBar(pct float64, width int, color lipgloss.Color) string {
	pct = math.Max(0, math.Min(1, pct))
	filled := int(pct * float64(width))
	bar := strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
	return lipgloss.NewStyle().Foreground(color).Render(bar)
}
