package devserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/myquant/tui/internal/client"
)

// ErrNoFreePort is returned when the monitoring port range is exhausted.
var ErrNoFreePort = errors.New("no free monitoring port")

// PortPool hands out monitor ports from [start, end). A zero start means
// "let the OS choose", which is what tests use.
type PortPool struct {
	mu         sync.Mutex
	start, end int
	used       map[int]bool
}

func NewPortPool(start, end int) *PortPool {
	return &PortPool{start: start, end: end, used: make(map[int]bool)}
}

// Listen binds the first free port in the range.
func (p *PortPool) Listen(host string) (net.Listener, int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.start == 0 {
		ln, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
		if err != nil {
			return nil, 0, err
		}
		port := ln.Addr().(*net.TCPAddr).Port
		p.used[port] = true
		return ln, port, nil
	}
	for port := p.start; port < p.end; port++ {
		if p.used[port] {
			continue
		}
		ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err != nil {
			continue
		}
		p.used[port] = true
		return ln, port, nil
	}
	return nil, 0, ErrNoFreePort
}

func (p *PortPool) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.used, port)
}

// RunMonitor serves one run's live channel on its own port and pushes a
// monitoring update every tick until the run finishes or is stopped.
type RunMonitor struct {
	RunID string
	Port  int

	ln          net.Listener
	srv         *http.Server
	broadcaster *Broadcaster
	interval    time.Duration
	steps       int
	idle        time.Duration // paused runs older than this are stopped, 0 = never
	logger      *slog.Logger

	mu       sync.Mutex
	paused   bool
	pausedAt time.Time
	stop     chan struct{}
	once     sync.Once
}

func newRunMonitor(runID string, ln net.Listener, port int, opts Options, logger *slog.Logger) *RunMonitor {
	m := &RunMonitor{
		RunID:       runID,
		Port:        port,
		ln:          ln,
		broadcaster: NewBroadcaster(0, logger),
		interval:    opts.UpdateInterval,
		steps:       opts.RunSteps,
		idle:        opts.PausedTimeout,
		logger:      logger,
		stop:        make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", m.handleWS)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "monitor for %s\n", runID)
	})
	m.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	return m
}

func (m *RunMonitor) handleWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Warn("monitor upgrade failed", "err", err)
		return
	}
	m.broadcaster.serve(conn, r.RemoteAddr)
}

// SetPaused freezes or resumes progress.
func (m *RunMonitor) SetPaused(p bool) {
	m.mu.Lock()
	if p && !m.paused {
		m.pausedAt = time.Now()
	}
	m.paused = p
	m.mu.Unlock()
}

// Stop ends the monitor. Safe to call more than once.
func (m *RunMonitor) Stop() {
	m.once.Do(func() { close(m.stop) })
}

// Clients reports how many live channels are attached.
func (m *RunMonitor) Clients() int {
	return m.broadcaster.ClientCount()
}

// run serves until ctx ends, Stop is called, or all steps are done.
// onDone runs once with whether the run completed all of its steps.
func (m *RunMonitor) run(ctx context.Context, onDone func(finished bool)) error {
	serveErr := make(chan error, 1)
	go func() { serveErr <- m.srv.Serve(m.ln) }()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	equity := 1_000_000.0
	step := 0
	finished := false
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-m.stop:
			break loop
		case err := <-serveErr:
			if !errors.Is(err, http.ErrServerClosed) {
				onDone(false)
				return err
			}
			break loop
		case now := <-ticker.C:
			m.mu.Lock()
			paused, pausedAt := m.paused, m.pausedAt
			m.mu.Unlock()
			if paused {
				if m.idle > 0 && now.Sub(pausedAt) > m.idle {
					m.logger.Info("stopping idle paused run", "paused_for", now.Sub(pausedAt).Round(time.Second))
					break loop
				}
				continue
			}
			step++
			equity *= 1 + (rand.Float64()-0.48)/100
			m.broadcaster.Emit(client.MsgMonitoringUpdate, client.MonitoringUpdatePayload{
				RunID:     m.RunID,
				Timestamp: now.UTC().Format(time.RFC3339),
				Progress:  float64(step) / float64(m.steps),
				Equity:    equity,
				Cash:      equity * 0.3,
				Positions: step % 5,
			})
			if step >= m.steps {
				finished = true
				break loop
			}
		}
	}

	m.broadcaster.CloseAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := m.srv.Shutdown(shutdownCtx)
	onDone(finished)
	return err
}
