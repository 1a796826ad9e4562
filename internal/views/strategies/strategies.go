// Package strategies renders the strategies dashboard: a stats row, the
// strategy list and the selected strategy's runs. It holds the shared
// channel while mounted and refetches whenever the backend announces a
// change.
package strategies

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/sync/errgroup"

	"github.com/myquant/tui/internal/client"
	"github.com/myquant/tui/internal/router"
	"github.com/myquant/tui/internal/theme"
)

// SharedSource is the source name the app uses for shared channel events.
const SharedSource = "shared"

// API is the part of the HTTP facade the dashboard needs.
type API interface {
	ListStrategies(ctx context.Context) ([]client.Strategy, error)
	ListRuns(ctx context.Context, strategy string) (*client.RunList, error)
	StartRun(ctx context.Context, strategy, mode string) (string, int, error)
}

// Holder hands out holds on the shared channel.
type Holder interface {
	Hold() (release func())
}

type loadedMsg struct {
	owner      *Model
	strategies []client.Strategy
	runs       map[string]*client.RunList
	err        error
}

type runsMsg struct {
	owner    *Model
	strategy string
	runs     *client.RunList
	err      error
}

type startedMsg struct {
	owner *Model
	runID string
	err   error
}

// Model is the strategies dashboard.
type Model struct {
	api    API
	shared Holder
	spin   spinner.Model

	ctx     context.Context
	cancel  context.CancelFunc
	release func()

	strategies []client.Strategy
	runs       map[string]*client.RunList
	selected   int
	cursor     int
	focusRuns  bool
	loading    bool
	err        string
}

func New(api API, shared Holder) *Model {
	spin := spinner.New()
	spin.Spinner = spinner.Dot
	spin.Style = theme.StyleDimmed
	return &Model{api: api, shared: shared, spin: spin, runs: map[string]*client.RunList{}}
}

func (m *Model) Mount(router.Location) tea.Cmd {
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.release = m.shared.Hold()
	return m.reload()
}

func (m *Model) reload() tea.Cmd {
	m.loading = true
	return tea.Batch(m.loadAll(), m.spin.Tick)
}

func (m *Model) Unmount() {
	if m.cancel != nil {
		m.cancel()
	}
	if m.release != nil {
		m.release()
	}
}

// loadAll fetches the strategy list, then every strategy's runs in
// parallel.
func (m *Model) loadAll() tea.Cmd {
	ctx := m.ctx
	return func() tea.Msg {
		list, err := m.api.ListStrategies(ctx)
		if err != nil {
			return loadedMsg{owner: m, err: err}
		}
		var (
			mu   sync.Mutex
			runs = make(map[string]*client.RunList, len(list))
		)
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(4)
		for _, s := range list {
			name := s.Name
			g.Go(func() error {
				rl, err := m.api.ListRuns(gctx, name)
				if err != nil {
					return fmt.Errorf("runs of %s: %w", name, err)
				}
				mu.Lock()
				runs[name] = rl
				mu.Unlock()
				return nil
			})
		}
		err = g.Wait()
		return loadedMsg{owner: m, strategies: list, runs: runs, err: err}
	}
}

func (m *Model) loadRuns(strategy string) tea.Cmd {
	ctx := m.ctx
	return func() tea.Msg {
		rl, err := m.api.ListRuns(ctx, strategy)
		return runsMsg{owner: m, strategy: strategy, runs: rl, err: err}
	}
}

func (m *Model) start(mode string) tea.Cmd {
	name, ok := m.selectedStrategy()
	if !ok {
		return nil
	}
	ctx := m.ctx
	return func() tea.Msg {
		id, _, err := m.api.StartRun(ctx, name, mode)
		return startedMsg{owner: m, runID: id, err: err}
	}
}

func (m *Model) Update(msg tea.Msg) tea.Cmd {
	switch msg := msg.(type) {
	case loadedMsg:
		if msg.owner != m {
			return nil
		}
		m.loading = false
		m.setError(msg.err)
		m.strategies = msg.strategies
		for name, rl := range msg.runs {
			m.runs[name] = rl
		}
		m.clampSelection()
		return nil

	case runsMsg:
		if msg.owner != m {
			return nil
		}
		m.setError(msg.err)
		if msg.err == nil {
			m.runs[msg.strategy] = msg.runs
			m.clampSelection()
		}
		return nil

	case startedMsg:
		if msg.owner != m {
			return nil
		}
		m.setError(msg.err)
		if msg.err != nil {
			return nil
		}
		return router.Request(router.To(router.RunDetails, "run_id", msg.runID))

	case spinner.TickMsg:
		if !m.loading {
			return nil
		}
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return cmd

	case client.EventMsg:
		if msg.Source != SharedSource || msg.Event.Kind != client.EventMessage {
			return nil
		}
		return m.handleShared(msg.Event.Message)

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return nil
}

func (m *Model) handleShared(env client.Envelope) tea.Cmd {
	switch env.Type {
	case client.MsgDashboardUpdate:
		var p client.DashboardUpdatePayload
		if err := env.Decode(&p); err != nil || p.StrategyName == "" {
			return m.loadAll()
		}
		if !m.hasStrategy(p.StrategyName) {
			return m.loadAll()
		}
		return m.loadRuns(p.StrategyName)

	case client.MsgRunStatusChanged:
		var p client.RunStatusChangedPayload
		if err := env.Decode(&p); err != nil {
			return nil
		}
		for _, rl := range m.runs {
			for _, runs := range [][]client.Run{rl.Backtest, rl.Simulation} {
				for i := range runs {
					if runs[i].ID != p.RunID {
						continue
					}
					runs[i].IsPaused = p.IsPaused
					if p.Status != "" {
						runs[i].Status = p.Status
					}
				}
			}
		}
	}
	return nil
}

func (m *Model) handleKey(msg tea.KeyMsg) tea.Cmd {
	switch msg.String() {
	case "j", "down":
		m.move(1)
	case "k", "up":
		m.move(-1)
	case "tab":
		m.focusRuns = !m.focusRuns
		m.cursor = 0
	case "enter":
		if !m.focusRuns {
			m.focusRuns = true
			m.cursor = 0
			return nil
		}
		if r, ok := m.selectedRun(); ok {
			return router.Request(router.To(router.RunDetails, "run_id", r.ID))
		}
	case "v":
		if r, ok := m.selectedRun(); ok && m.focusRuns {
			return router.Request(router.To(router.ReportView, "runId", r.ID))
		}
	case "e":
		if name, ok := m.selectedStrategy(); ok {
			return router.Request(router.To(router.StrategyEditor, "strategy_name", name))
		}
	case "b":
		return m.start("backtest")
	case "s":
		return m.start("simulation")
	case "r":
		return m.reload()
	}
	return nil
}

func (m *Model) move(delta int) {
	if m.focusRuns {
		n := len(m.selectedRuns())
		if n > 0 {
			m.cursor = (m.cursor + delta + n) % n
		}
		return
	}
	if n := len(m.strategies); n > 0 {
		m.selected = (m.selected + delta + n) % n
		m.cursor = 0
	}
}

func (m *Model) clampSelection() {
	if m.selected >= len(m.strategies) {
		m.selected = max(len(m.strategies)-1, 0)
	}
	if n := len(m.selectedRuns()); m.cursor >= n {
		m.cursor = max(n-1, 0)
	}
}

func (m *Model) setError(err error) {
	if err != nil {
		m.err = err.Error()
		return
	}
	m.err = ""
}

func (m *Model) hasStrategy(name string) bool {
	for _, s := range m.strategies {
		if s.Name == name {
			return true
		}
	}
	return false
}

func (m *Model) selectedStrategy() (string, bool) {
	if m.selected < 0 || m.selected >= len(m.strategies) {
		return "", false
	}
	return m.strategies[m.selected].Name, true
}

// selectedRuns returns the selected strategy's runs, newest first, both
// modes combined.
func (m *Model) selectedRuns() []client.Run {
	name, ok := m.selectedStrategy()
	if !ok {
		return nil
	}
	rl := m.runs[name]
	if rl == nil {
		return nil
	}
	out := make([]client.Run, 0, len(rl.Backtest)+len(rl.Simulation))
	out = append(out, rl.Backtest...)
	out = append(out, rl.Simulation...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartTime > out[j].StartTime })
	return out
}

func (m *Model) selectedRun() (client.Run, bool) {
	runs := m.selectedRuns()
	if m.cursor < 0 || m.cursor >= len(runs) {
		return client.Run{}, false
	}
	return runs[m.cursor], true
}

func (m *Model) Help() string {
	return "j/k:move  tab:switch pane  enter:open  b:backtest  s:simulate  e:edit  v:report  r:refresh  esc:home"
}

// View renders the stats row above the strategy and run panes.
func (m *Model) View(width, height int) string {
	if width < 40 {
		width = 40
	}
	leftW := width / 3
	rightW := width - leftW

	panes := lipgloss.JoinHorizontal(lipgloss.Top,
		m.renderStrategies(leftW, height-3),
		m.renderRuns(rightW, height-3),
	)
	return lipgloss.JoinVertical(lipgloss.Left, m.renderStatsRow(width), panes)
}

func (m *Model) renderStatsRow(width int) string {
	var running, paused, total int
	for _, rl := range m.runs {
		for _, runs := range [][]client.Run{rl.Backtest, rl.Simulation} {
			for _, r := range runs {
				total++
				switch {
				case r.IsPaused || r.Status == client.RunPaused:
					paused++
				case r.Status == client.RunRunning:
					running++
				}
			}
		}
	}

	statStyle := lipgloss.NewStyle().Padding(0, 1)
	stats := []string{
		statStyle.Foreground(theme.ColorBright).Render(fmt.Sprintf("Strategies: %d", len(m.strategies))),
		statStyle.Foreground(theme.ColorRunning).Render(fmt.Sprintf("Running: %d", running)),
		statStyle.Foreground(theme.ColorPaused).Render(fmt.Sprintf("Paused: %d", paused)),
		statStyle.Foreground(theme.ColorDimmed).Render(fmt.Sprintf("Runs: %d", total)),
	}
	if m.loading {
		stats = append(stats, m.spin.View()+theme.StyleDimmed.Render(" loading"))
	}
	if m.err != "" {
		stats = append(stats, theme.StyleError.Render(m.err))
	}
	return lipgloss.NewStyle().Width(width).Render(strings.Join(stats, " "))
}

func (m *Model) renderStrategies(width, height int) string {
	var lines []string
	lines = append(lines, theme.StyleHeader.Render("策略"))
	if len(m.strategies) == 0 {
		lines = append(lines, theme.StyleDimmed.Render("no strategies"))
	}
	for i, s := range m.strategies {
		label := truncate(s.Name, width-6)
		if i == m.selected {
			style := theme.StyleSelected
			if m.focusRuns {
				style = style.Foreground(theme.ColorAccent)
			}
			lines = append(lines, style.Render("> "+label))
			continue
		}
		lines = append(lines, "  "+label)
	}
	return theme.Panel(width).Height(max(height, 3)).Render(strings.Join(lines, "\n"))
}

func (m *Model) renderRuns(width, height int) string {
	runs := m.selectedRuns()
	var lines []string
	lines = append(lines, theme.StyleHeader.Render(fmt.Sprintf("  %-3s %-20s %-12s %-10s %s", "", "Run", "Started", "Mode", "Return")))
	if len(runs) == 0 {
		lines = append(lines, theme.StyleDimmed.Render("no runs"))
	}
	name, _ := m.selectedStrategy()
	for i, r := range runs {
		status := string(r.Status)
		if r.IsPaused {
			status = string(client.RunPaused)
		}
		glyph := lipgloss.NewStyle().Foreground(theme.RunStateColor(status)).Render(fmt.Sprintf("%-3s", theme.RunStateGlyph(status)))
		ret := theme.StyleDimmed.Render("-")
		if r.FinalReturn != nil {
			ret = lipgloss.NewStyle().Foreground(theme.ReturnColor(*r.FinalReturn)).Render(fmt.Sprintf("%+.2f%%", *r.FinalReturn*100))
		}
		started := time.Unix(int64(r.StartTime), 0).Format("01-02 15:04")
		prefix := "  "
		if m.focusRuns && i == m.cursor {
			prefix = theme.StyleSelected.Render("> ")
		}
		lines = append(lines, fmt.Sprintf("%s%s %-20s %-12s %-10s %s", prefix, glyph, truncate(r.ID, 20), started, runMode(m.runs[name], r.ID), ret))
	}
	return theme.Panel(width).Height(max(height, 3)).Render(strings.Join(lines, "\n"))
}

func runMode(rl *client.RunList, id string) string {
	if rl == nil {
		return ""
	}
	for _, r := range rl.Simulation {
		if r.ID == id {
			return "simulation"
		}
	}
	return "backtest"
}

func truncate(s string, maxLen int) string {
	if maxLen < 4 {
		maxLen = 4
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
