package devserver

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/myquant/tui/internal/client"
	"github.com/myquant/tui/internal/config"
	"github.com/myquant/tui/internal/live"
	"github.com/myquant/tui/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	return newTestServerWith(t, Options{UpdateInterval: 20 * time.Millisecond, RunSteps: 1000})
}

func newTestServerWith(t *testing.T, opts Options) (*Server, *httptest.Server) {
	t.Helper()
	cfg := config.Default()
	cfg.Auth.Password = "secret"
	cfg.Monitoring.PortRangeStart = 0
	cfg.Monitoring.PortRangeEnd = 0

	s := New(cfg, opts, logging.Discard())
	s.Seed()
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		s.Close()
	})
	return s, ts
}

func waitFor(t *testing.T, ch <-chan client.Event, match func(client.Event) bool) client.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			require.True(t, ok, "subscription closed")
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatal("timed out waiting for live event")
			return client.Event{}
		}
	}
}

func isState(s client.ConnState) func(client.Event) bool {
	return func(ev client.Event) bool { return ev.Kind == client.EventState && ev.State == s }
}

func isMessage(t client.MessageType) func(client.Event) bool {
	return func(ev client.Event) bool { return ev.Kind == client.EventMessage && ev.Message.Type == t }
}

func TestProtectedEndpointsRequireLogin(t *testing.T) {
	_, ts := newTestServer(t)
	fired := 0
	c := client.NewHTTPClient(ts.URL, client.WithUnauthorizedHook(func() { fired++ }))
	ctx := context.Background()

	_, err := c.ListStrategies(ctx)
	assert.ErrorIs(t, err, client.ErrUnauthorized)
	assert.Equal(t, 1, fired)

	ok, err := c.CheckAuth(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = c.Login(ctx, "secret")
	require.NoError(t, err)
	strategies, err := c.ListStrategies(ctx)
	require.NoError(t, err)
	require.Len(t, strategies, 2)
	assert.Equal(t, "mean_reversion", strategies[0].Name, "newest first")

	require.NoError(t, c.Logout(ctx))
	ok, err = c.CheckAuth(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSharedChannelRejectsAnonymous(t *testing.T) {
	_, ts := newTestServer(t)
	url, err := live.SharedURL(ts.URL)
	require.NoError(t, err)

	conn := client.NewConn(url, client.WithConnLogger(logging.Discard()))
	events, cancel := conn.Subscribe()
	defer cancel()

	conn.Connect()
	ev := waitFor(t, events, isState(client.StateDisconnected))
	assert.Error(t, ev.Err)
}

func TestSharedChannelDeliversDashboardUpdates(t *testing.T) {
	srv, ts := newTestServer(t)
	c := client.NewHTTPClient(ts.URL)
	_, err := c.Login(context.Background(), "secret")
	require.NoError(t, err)

	url, err := live.SharedURL(ts.URL)
	require.NoError(t, err)
	shared := live.NewShared(client.NewConn(url, client.WithCookieJar(c.Jar()), client.WithConnLogger(logging.Discard())), logging.Discard())
	events, cancel := shared.Subscribe()
	defer cancel()

	release := shared.Hold()
	waitFor(t, events, isState(client.StateConnected))

	_, _, err = srv.StartRun("ma_cross", ModeBacktest)
	require.NoError(t, err)

	ev := waitFor(t, events, isMessage(client.MsgDashboardUpdate))
	var p client.DashboardUpdatePayload
	require.NoError(t, ev.Message.Decode(&p))
	assert.Equal(t, "ma_cross", p.StrategyName)

	release()
	waitFor(t, events, isState(client.StateDisconnected))
	assert.False(t, shared.IsOpen())
}

func TestRunChannelAndControl(t *testing.T) {
	srv, ts := newTestServer(t)
	c := client.NewHTTPClient(ts.URL)
	ctx := context.Background()
	_, err := c.Login(ctx, "secret")
	require.NoError(t, err)

	run, port, err := srv.StartRun("ma_cross", ModeSimulation)
	require.NoError(t, err)

	status, err := c.RunStatus(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, client.RunRunning, status.Status)
	assert.Equal(t, port, status.Port)

	runs, err := c.ListRuns(ctx, "ma_cross")
	require.NoError(t, err)
	require.Len(t, runs.Simulation, 1)
	assert.Empty(t, runs.Backtest)

	factory, err := live.NewRunFactory(ts.URL, c.Jar(), logging.Discard())
	require.NoError(t, err)
	conn := factory.Create(status.Port)
	events, cancel := conn.Subscribe()
	defer cancel()

	conn.Connect()
	ev := waitFor(t, events, isMessage(client.MsgMonitoringUpdate))
	var upd client.MonitoringUpdatePayload
	require.NoError(t, ev.Message.Decode(&upd))
	assert.Equal(t, run.ID, upd.RunID)
	assert.Greater(t, upd.Progress, 0.0)

	require.NoError(t, c.ControlRun(ctx, run.ID, client.ActionPause))
	status, err = c.RunStatus(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, client.RunPaused, status.Status)

	require.NoError(t, c.ControlRun(ctx, run.ID, client.ActionResume))
	require.NoError(t, c.ControlRun(ctx, run.ID, client.ActionStop))

	ev = waitFor(t, events, isState(client.StateDisconnected))
	assert.Error(t, ev.Err, "the monitor going away is a transport event")

	require.Eventually(t, func() bool {
		st, err := c.RunStatus(ctx, run.ID)
		return err == nil && st.Status == client.RunInterrupted && st.Port == 0
	}, 5*time.Second, 20*time.Millisecond)

	err = c.ControlRun(ctx, run.ID, client.ActionPause)
	var serr *client.StatusError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, 404, serr.Code)
}

func TestStartRunOverHTTP(t *testing.T) {
	_, ts := newTestServer(t)
	c := client.NewHTTPClient(ts.URL)
	ctx := context.Background()
	_, err := c.Login(ctx, "secret")
	require.NoError(t, err)

	id, port, err := c.StartRun(ctx, "mean_reversion", "backtest")
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.NotZero(t, port)

	runs, err := c.ListRuns(ctx, "mean_reversion")
	require.NoError(t, err)
	require.Len(t, runs.Backtest, 1)
	assert.Equal(t, id, runs.Backtest[0].ID)

	_, _, err = c.StartRun(ctx, "mean_reversion", "live")
	var serr *client.StatusError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, 400, serr.Code)
}

func TestIdlePausedRunIsStopped(t *testing.T) {
	srv, ts := newTestServerWith(t, Options{
		UpdateInterval: 10 * time.Millisecond,
		RunSteps:       1000,
		PausedTimeout:  50 * time.Millisecond,
	})
	c := client.NewHTTPClient(ts.URL)
	ctx := context.Background()
	_, err := c.Login(ctx, "secret")
	require.NoError(t, err)

	run, _, err := srv.StartRun("ma_cross", ModeBacktest)
	require.NoError(t, err)
	require.NoError(t, c.ControlRun(ctx, run.ID, client.ActionPause))

	require.Eventually(t, func() bool {
		_, active := srv.monitor(run.ID)
		return !active
	}, 5*time.Second, 10*time.Millisecond)

	st, err := c.RunStatus(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, client.RunPaused, st.Status, "a reaped run keeps its paused state")
	assert.Zero(t, st.Port)
}

func TestStartRunUnknownStrategy(t *testing.T) {
	srv, _ := newTestServer(t)
	_, _, err := srv.StartRun("nope", ModeBacktest)
	assert.Error(t, err)
}

func TestDocs(t *testing.T) {
	_, ts := newTestServer(t)
	c := client.NewHTTPClient(ts.URL)
	_, err := c.Login(context.Background(), "secret")
	require.NoError(t, err)

	doc, err := c.Doc(context.Background(), "qtrader")
	require.NoError(t, err)
	assert.Contains(t, doc, "# qtrader")
}

func TestPortPoolRange(t *testing.T) {
	p := NewPortPool(0, 0)
	ln, port, err := p.Listen("127.0.0.1")
	require.NoError(t, err)
	defer ln.Close()
	assert.NotZero(t, port)

	// A one-port range whose only port is taken is exhausted.
	busy := NewPortPool(port, port+1)
	_, _, err = busy.Listen("127.0.0.1")
	assert.ErrorIs(t, err, ErrNoFreePort)
}
