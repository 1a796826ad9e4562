package client

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoServer upgrades, greets with a dashboard_update and echoes frames
// back. Closing drop makes the server hang up.
func echoServer(t *testing.T, drop chan struct{}) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteJSON(map[string]any{
			"type":    MsgDashboardUpdate,
			"payload": DashboardUpdatePayload{StrategyName: "ma_cross"},
		})

		frames := make(chan []byte)
		go func() {
			defer close(frames)
			for {
				_, data, err := conn.ReadMessage()
				if err != nil {
					return
				}
				frames <- data
			}
		}()
		for {
			select {
			case <-drop:
				return
			case data, ok := <-frames:
				if !ok {
					return
				}
				conn.WriteMessage(websocket.TextMessage, data)
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func nextEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestConnLifecycle(t *testing.T) {
	srv := echoServer(t, make(chan struct{}))
	c := NewConn(wsURL(srv))
	events, cancel := c.Subscribe()
	defer cancel()

	assert.Equal(t, StateDisconnected, c.State())
	c.Connect()
	c.Connect() // no-op while connecting

	ev := nextEvent(t, events)
	assert.Equal(t, EventState, ev.Kind)
	assert.Equal(t, StateConnecting, ev.State)

	ev = nextEvent(t, events)
	assert.Equal(t, StateConnected, ev.State)

	ev = nextEvent(t, events)
	require.Equal(t, EventMessage, ev.Kind)
	assert.Equal(t, MsgDashboardUpdate, ev.Message.Type)
	var p DashboardUpdatePayload
	require.NoError(t, ev.Message.Decode(&p))
	assert.Equal(t, "ma_cross", p.StrategyName)

	require.NoError(t, c.Send(MsgSubscribed, map[string]string{"run_id": "r1"}))
	ev = nextEvent(t, events)
	assert.Equal(t, MsgSubscribed, ev.Message.Type)

	c.Disconnect()
	ev = nextEvent(t, events)
	assert.Equal(t, StateDisconnected, ev.State)
	assert.NoError(t, ev.Err, "a requested disconnect is not a transport error")
	assert.ErrorIs(t, c.Send(MsgSubscribed, nil), ErrNotConnected)

	// No trailing event from the closed read loop.
	select {
	case ev := <-events:
		t.Fatalf("unexpected event after disconnect: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestConnReportsServerDrop(t *testing.T) {
	drop := make(chan struct{})
	srv := echoServer(t, drop)
	c := NewConn(wsURL(srv))
	events, cancel := c.Subscribe()
	defer cancel()

	c.Connect()
	for ev := nextEvent(t, events); ev.State != StateConnected; ev = nextEvent(t, events) {
	}
	close(drop)

	for {
		ev := nextEvent(t, events)
		if ev.Kind == EventState {
			assert.Equal(t, StateDisconnected, ev.State)
			assert.Error(t, ev.Err)
			break
		}
	}
	assert.Equal(t, StateDisconnected, c.State())
}

func TestConnDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(srv)
	srv.Close()

	c := NewConn(url)
	events, cancel := c.Subscribe()
	defer cancel()

	c.Connect()
	assert.Equal(t, StateConnecting, nextEvent(t, events).State)
	ev := nextEvent(t, events)
	assert.Equal(t, StateDisconnected, ev.State)
	assert.Error(t, ev.Err)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	c := NewConn("ws://127.0.0.1:1/ws")
	events, cancel := c.Subscribe()
	cancel()
	cancel()
	_, ok := <-events
	assert.False(t, ok)

	msg := WaitForEvent("shared", events)()
	assert.Equal(t, SubscriptionClosedMsg{Source: "shared"}, msg)
}

func TestConnStateString(t *testing.T) {
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "unknown", ConnState(9).String())
}
