package client

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"
)

const (
	writeTimeout    = 10 * time.Second
	pongTimeout     = 60 * time.Second
	pingInterval    = 30 * time.Second
	subscriberQueue = 64
)

// ErrNotConnected is returned by Send when the channel is not open.
var ErrNotConnected = errors.New("live channel not connected")

// ConnState is the transport-level state of a Conn.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// EventKind distinguishes state changes from inbound messages.
type EventKind int

const (
	EventState EventKind = iota
	EventMessage
)

// Event is delivered to every subscriber of a Conn. For EventState, Err is
// set when the transition was caused by a transport failure rather than
// by Disconnect.
type Event struct {
	Kind    EventKind
	State   ConnState
	Err     error
	Message Envelope
}

// Conn is a live message channel over a single websocket. It is never
// opened implicitly: Connect and Disconnect are the only state drivers,
// both return immediately, and the outcome arrives as events. Transport
// errors are reported, not retried.
type Conn struct {
	url    string
	dialer *websocket.Dialer
	header http.Header
	logger *slog.Logger

	mu      sync.Mutex
	writeMu sync.Mutex // serialises all conn writes (ping, send, close)
	conn    *websocket.Conn
	state   ConnState
	gen     uint64 // bumped by every Connect and Disconnect
	cancel  context.CancelFunc
	subs    map[int]chan Event
	nextSub int
}

// ConnOption configures a Conn.
type ConnOption func(*Conn)

// WithCookieJar makes the handshake carry the jar's cookies for the URL.
func WithCookieJar(jar http.CookieJar) ConnOption {
	return func(c *Conn) {
		d := *c.dialer
		d.Jar = jar
		c.dialer = &d
	}
}

// WithHeader adds handshake headers.
func WithHeader(h http.Header) ConnOption {
	return func(c *Conn) { c.header = h.Clone() }
}

func WithConnLogger(l *slog.Logger) ConnOption {
	return func(c *Conn) { c.logger = l }
}

// NewConn creates a channel for the given ws:// or wss:// URL. It does not dial.
func NewConn(url string, opts ...ConnOption) *Conn {
	d := *websocket.DefaultDialer
	c := &Conn{
		url:    url,
		dialer: &d,
		logger: slog.Default(),
		subs:   make(map[int]chan Event),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// URL returns the dial address.
func (c *Conn) URL() string {
	return c.url
}

// State returns the current transport state.
func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe registers a consumer. The returned cancel func unregisters it
// and closes the channel. A subscriber that falls behind loses events.
func (c *Conn) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberQueue)

	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			close(ch)
			c.mu.Unlock()
		})
	}
}

// Connect starts dialing in the background. It is a no-op unless the
// channel is disconnected.
func (c *Conn) Connect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateDisconnected {
		return
	}

	c.gen++
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.setStateLocked(StateConnecting, nil)

	go c.run(ctx, c.gen)
}

// Disconnect tears the channel down. It is a no-op when already
// disconnected. Messages still in flight may be lost.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.gen++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	conn := c.conn
	c.conn = nil
	c.setStateLocked(StateDisconnected, nil)
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		conn.Close()
	}
}

// Send writes a typed envelope to the channel.
func (c *Conn) Send(t MessageType, payload interface{}) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	env := struct {
		Type    MessageType `json:"type"`
		Payload interface{} `json:"payload,omitempty"`
	}{t, payload}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(env)
}

func (c *Conn) run(ctx context.Context, gen uint64) {
	conn, _, err := c.dialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		c.mu.Lock()
		if c.gen == gen {
			c.logger.Warn("live channel dial failed", "url", c.url, "err", err)
			c.cancel = nil
			c.setStateLocked(StateDisconnected, err)
		}
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	if c.gen != gen {
		// Disconnect won the race with the handshake.
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.setStateLocked(StateConnected, nil)
	c.mu.Unlock()

	go c.pingLoop(ctx, conn)
	c.readLoop(conn, gen)
}

func (c *Conn) readLoop(conn *websocket.Conn, gen uint64) {
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})
	conn.SetReadDeadline(time.Now().Add(pongTimeout))

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			if c.gen == gen {
				c.logger.Warn("live channel dropped", "url", c.url, "err", err)
				c.conn = nil
				if c.cancel != nil {
					c.cancel()
					c.cancel = nil
				}
				c.setStateLocked(StateDisconnected, err)
			}
			c.mu.Unlock()
			conn.Close()
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Debug("live channel: undecodable frame", "err", err)
			continue
		}

		c.mu.Lock()
		if c.gen == gen {
			c.publishLocked(Event{Kind: EventMessage, State: c.state, Message: env})
		}
		c.mu.Unlock()
	}
}

// pingLoop sends periodic pings on the given connection. It exits when the
// context is cancelled or the connection changes.
func (c *Conn) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			cc := c.conn
			c.mu.Unlock()
			if cc != conn {
				return
			}
			c.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *Conn) setStateLocked(s ConnState, err error) {
	c.state = s
	c.publishLocked(Event{Kind: EventState, State: s, Err: err})
}

func (c *Conn) publishLocked(ev Event) {
	for _, ch := range c.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// --- Bubble Tea messages ---

// EventMsg carries one live-channel event into the Bubble Tea loop. Source
// names the channel it came from ("shared" or a run ID).
type EventMsg struct {
	Source string
	Event  Event
}

// SubscriptionClosedMsg is sent when a subscription channel is closed.
type SubscriptionClosedMsg struct{ Source string }

// WaitForEvent returns a command that blocks for the next event on ch.
// Re-issue it after every EventMsg to keep listening.
func WaitForEvent(source string, ch <-chan Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return SubscriptionClosedMsg{Source: source}
		}
		return EventMsg{Source: source, Event: ev}
	}
}

// Decode unmarshals the envelope payload into v.
func (e Envelope) Decode(v interface{}) error {
	return json.Unmarshal(e.Payload, v)
}
