// Package devserver is an in-process stand-in for the MyQuant backend. It
// serves the REST endpoints and live channels the terminal client uses, so
// the client can be run and tested without the real platform.
package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/myquant/tui/internal/client"
	"github.com/myquant/tui/internal/config"
	"golang.org/x/sync/errgroup"
)

const sessionCookie = "myquant_session"

// Options tune the simulated runs.
type Options struct {
	Host           string        // interface monitors bind to
	UpdateInterval time.Duration // time between monitoring updates
	RunSteps       int           // updates until a run finishes
	MaxLiveClients int           // shared channel connection limit, 0 = unlimited
	PausedTimeout  time.Duration // stop runs paused longer than this, <0 = never
}

func (o *Options) applyDefaults() {
	if o.Host == "" {
		o.Host = "127.0.0.1"
	}
	if o.UpdateInterval <= 0 {
		o.UpdateInterval = time.Second
	}
	if o.RunSteps <= 0 {
		o.RunSteps = 120
	}
	switch {
	case o.PausedTimeout == 0:
		o.PausedTimeout = 10 * time.Minute
	case o.PausedTimeout < 0:
		o.PausedTimeout = 0
	}
}

type Server struct {
	cfg         *config.Config
	opts        Options
	store       *Store
	broadcaster *Broadcaster
	ports       *PortPool
	logger      *slog.Logger

	mu       sync.Mutex
	sessions map[string]time.Time
	monitors map[string]*RunMonitor

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
}

func New(cfg *config.Config, opts Options, logger *slog.Logger) *Server {
	opts.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)
	return &Server{
		cfg:         cfg,
		opts:        opts,
		store:       NewStore(),
		broadcaster: NewBroadcaster(opts.MaxLiveClients, logger),
		ports:       NewPortPool(cfg.Monitoring.PortRangeStart, cfg.Monitoring.PortRangeEnd),
		logger:      logger,
		sessions:    make(map[string]time.Time),
		monitors:    make(map[string]*RunMonitor),
		ctx:         gctx,
		cancel:      cancel,
		group:       group,
	}
}

// Store exposes the backing store, mainly for seeding.
func (s *Server) Store() *Store {
	return s.store
}

// Broadcaster exposes the shared channel broadcaster.
func (s *Server) Broadcaster() *Broadcaster {
	return s.broadcaster
}

// Seed adds a couple of demo strategies.
func (s *Server) Seed() {
	now := time.Now()
	s.store.AddStrategy("ma_cross", now.Add(-48*time.Hour))
	s.store.AddStrategy("mean_reversion", now.Add(-2*time.Hour))
}

// Handler returns the REST and shared-channel routes.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/login", s.handleLogin).Methods(http.MethodPost)
	api.HandleFunc("/logout", s.handleLogout).Methods(http.MethodPost)
	api.HandleFunc("/check-auth", s.handleCheckAuth).Methods(http.MethodGet)

	protected := api.NewRoute().Subrouter()
	protected.Use(s.requireLogin)
	protected.HandleFunc("/strategies", s.handleStrategies).Methods(http.MethodGet)
	protected.HandleFunc("/strategies/{name}/runs", s.handleListRuns).Methods(http.MethodGet)
	protected.HandleFunc("/strategies/{name}/runs", s.handleStartRun).Methods(http.MethodPost)
	protected.HandleFunc("/runs/{id}/status", s.handleRunStatus).Methods(http.MethodGet)
	protected.HandleFunc("/runs/{id}/control", s.handleControl).Methods(http.MethodPost)
	protected.HandleFunc("/docs/{project}", s.handleDocs).Methods(http.MethodGet)

	r.Handle("/ws", s.requireLogin(http.HandlerFunc(s.handleWS)))
	return r
}

// ListenAndServe serves Handler on addr until Close.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	s.logger.Info("dev backend listening", "addr", ln.Addr().String())

	s.group.Go(func() error {
		<-s.ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	s.group.Go(func() error {
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	return s.group.Wait()
}

// Close stops every monitor and the listener, then waits for them.
func (s *Server) Close() error {
	s.cancel()
	s.broadcaster.CloseAll()
	return s.group.Wait()
}

// StartRun launches a simulated run with its own monitor port.
func (s *Server) StartRun(strategy string, mode Mode) (client.Run, int, error) {
	if !s.store.HasStrategy(strategy) {
		return client.Run{}, 0, fmt.Errorf("strategy %q not found", strategy)
	}
	ln, port, err := s.ports.Listen(s.opts.Host)
	if err != nil {
		return client.Run{}, 0, err
	}

	now := time.Now()
	run := client.Run{
		ID:        fmt.Sprintf("%s_%s_%s", strategy, mode, uuid.NewString()[:8]),
		StartTime: float64(now.UnixNano()) / 1e9,
		Status:    client.RunRunning,
		IsRunning: true,
	}
	s.store.PutRun(strategy, mode, port, run)

	m := newRunMonitor(run.ID, ln, port, s.opts, s.logger.With("run", run.ID))
	s.mu.Lock()
	s.monitors[run.ID] = m
	s.mu.Unlock()

	s.group.Go(func() error {
		return m.run(s.ctx, func(finished bool) { s.finishRun(strategy, run.ID, port, finished) })
	})

	s.logger.Info("run started", "run", run.ID, "port", port)
	s.broadcaster.Emit(client.MsgDashboardUpdate, client.DashboardUpdatePayload{StrategyName: strategy})
	return run, port, nil
}

func (s *Server) finishRun(strategy, runID string, port int, finished bool) {
	s.mu.Lock()
	delete(s.monitors, runID)
	s.mu.Unlock()
	s.ports.Release(port)
	s.store.ClearPort(runID)

	status := client.RunInterrupted
	if finished {
		status = client.RunFinished
	}
	s.store.UpdateRun(runID, func(r *client.Run) {
		if r.Status != client.RunPaused {
			r.Status = status
		}
		r.IsRunning = false
	})
	run, _, _, _ := s.store.Run(runID)
	s.logger.Info("run ended", "run", runID, "status", run.Status)
	s.broadcaster.Emit(client.MsgRunStatusChanged, client.RunStatusChangedPayload{RunID: runID, Status: run.Status, IsPaused: run.IsPaused})
	s.broadcaster.Emit(client.MsgDashboardUpdate, client.DashboardUpdatePayload{StrategyName: strategy})
}

func (s *Server) monitor(runID string) (*RunMonitor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.monitors[runID]
	return m, ok
}

// --- auth ---

func (s *Server) loggedIn(r *http.Request) bool {
	c, err := r.Cookie(sessionCookie)
	if err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[c.Value]
	return ok
}

func (s *Server) requireLogin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.loggedIn(r) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "未登录，请先登录"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, client.LoginResult{Message: "invalid body"})
		return
	}
	if body.Password != s.cfg.Auth.Password {
		writeJSON(w, http.StatusUnauthorized, client.LoginResult{Message: "密码错误"})
		return
	}

	token := uuid.NewString()
	s.mu.Lock()
	s.sessions[token] = time.Now()
	s.mu.Unlock()

	http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: token, Path: "/", HttpOnly: true})
	writeJSON(w, http.StatusOK, client.LoginResult{Success: true, Message: "登录成功"})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(sessionCookie); err == nil {
		s.mu.Lock()
		delete(s.sessions, c.Value)
		s.mu.Unlock()
	}
	http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: "", Path: "/", MaxAge: -1})
	writeJSON(w, http.StatusOK, client.LoginResult{Success: true, Message: "已登出"})
}

func (s *Server) handleCheckAuth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, client.AuthStatus{LoggedIn: s.loggedIn(r)})
}

// --- REST ---

func (s *Server) handleStrategies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"strategies": s.store.Strategies()})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if !s.store.HasStrategy(name) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": fmt.Sprintf("策略 %q 不存在", name)})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": s.store.Runs(name)})
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	var body struct {
		Mode Mode `json:"mode"`
	}
	json.NewDecoder(r.Body).Decode(&body)
	if body.Mode == "" {
		body.Mode = ModeBacktest
	}
	if body.Mode != ModeBacktest && body.Mode != ModeSimulation {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "无效的运行模式"})
		return
	}

	run, port, err := s.StartRun(name, body.Mode)
	if err != nil {
		code := http.StatusInternalServerError
		if !s.store.HasStrategy(name) {
			code = http.StatusNotFound
		}
		writeJSON(w, code, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run_id": run.ID, "port": port})
}

func (s *Server) handleRunStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	run, _, port, ok := s.store.Run(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "运行实例不存在"})
		return
	}
	writeJSON(w, http.StatusOK, client.RunStatus{Status: run.Status, Port: port, WorkspaceDir: run.WorkspaceDir})
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body struct {
		Action client.RunAction `json:"action"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}

	m, ok := s.monitor(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "运行实例不在活动列表中"})
		return
	}
	_, strategy, _, _ := s.store.Run(id)

	switch body.Action {
	case client.ActionPause, client.ActionResume:
		paused := body.Action == client.ActionPause
		m.SetPaused(paused)
		s.store.UpdateRun(id, func(r *client.Run) {
			r.IsPaused = paused
			r.Status = client.RunRunning
			if paused {
				r.Status = client.RunPaused
			}
		})
		s.broadcaster.Emit(client.MsgRunStatusChanged, client.RunStatusChangedPayload{RunID: id, IsPaused: paused})
	case client.ActionStop:
		m.Stop()
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown action " + string(body.Action)})
		return
	}

	s.broadcaster.Emit(client.MsgDashboardUpdate, client.DashboardUpdatePayload{StrategyName: strategy})
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": fmt.Sprintf("操作 %s 执行成功", body.Action)})
}

func (s *Server) handleDocs(w http.ResponseWriter, r *http.Request) {
	project := mux.Vars(r)["project"]
	content := fmt.Sprintf("# %s\n\n%s", project, strings.TrimSpace(docsBody))
	writeJSON(w, http.StatusOK, map[string]string{"content": content})
}

const docsBody = `
Strategies implement two hooks:

- ` + "`on_init(context)`" + ` runs once before the first bar.
- ` + "`on_bar(context, bar)`" + ` runs for every bar and may place orders.

Runs are started from the strategies dashboard. Each live run serves its
own monitoring channel; the run details view connects to it directly.
`

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "err", err)
		return
	}
	s.broadcaster.serve(conn, r.RemoteAddr)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
