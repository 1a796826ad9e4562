package devserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/myquant/tui/internal/client"
)

// ErrTooManyConnections is returned by AddClient when the limit is reached.
var ErrTooManyConnections = errors.New("too many live connections")

type peer struct {
	conn *websocket.Conn
	send chan []byte
}

func newPeer(conn *websocket.Conn) *peer {
	p := &peer{
		conn: conn,
		send: make(chan []byte, 64),
	}
	go p.writePump()
	return p
}

func (p *peer) writePump() {
	defer p.conn.Close()
	for msg := range p.send {
		if err := p.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// Broadcaster fans envelopes out to every connected peer.
type Broadcaster struct {
	mu       sync.RWMutex
	peers    map[*peer]bool
	maxConns int
	logger   *slog.Logger
}

func NewBroadcaster(maxConns int, logger *slog.Logger) *Broadcaster {
	return &Broadcaster{
		peers:    make(map[*peer]bool),
		maxConns: maxConns,
		logger:   logger,
	}
}

func (b *Broadcaster) AddClient(conn *websocket.Conn) (*peer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.maxConns > 0 && len(b.peers) >= b.maxConns {
		return nil, ErrTooManyConnections
	}
	p := newPeer(conn)
	b.peers[p] = true
	return p, nil
}

func (b *Broadcaster) RemoveClient(p *peer) {
	b.mu.Lock()
	if _, ok := b.peers[p]; ok {
		delete(b.peers, p)
		close(p.send)
	}
	b.mu.Unlock()
}

// Emit sends a typed message to every peer.
func (b *Broadcaster) Emit(t client.MessageType, payload interface{}) {
	data, err := json.Marshal(struct {
		Type    client.MessageType `json:"type"`
		Payload interface{}        `json:"payload,omitempty"`
	}{t, payload})
	if err != nil {
		b.logger.Error("broadcast marshal failed", "type", t, "err", err)
		return
	}

	b.mu.RLock()
	peers := make([]*peer, 0, len(b.peers))
	for p := range b.peers {
		peers = append(peers, p)
	}
	b.mu.RUnlock()

	for _, p := range peers {
		select {
		case p.send <- data:
		default:
			b.logger.Warn("live client too slow, disconnecting")
			b.RemoveClient(p)
		}
	}
}

// CloseAll disconnects every peer.
func (b *Broadcaster) CloseAll() {
	b.mu.Lock()
	for p := range b.peers {
		delete(b.peers, p)
		close(p.send)
	}
	b.mu.Unlock()
}

func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.peers)
}

// serve registers conn and drains its reads until the peer goes away.
func (b *Broadcaster) serve(conn *websocket.Conn, remote string) {
	p, err := b.AddClient(conn)
	if err != nil {
		b.logger.Warn("rejecting live client", "remote", remote, "err", err)
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()))
		conn.Close()
		return
	}
	b.logger.Debug("live client connected", "remote", remote)
	go func() {
		defer func() {
			b.RemoveClient(p)
			b.logger.Debug("live client disconnected", "remote", remote)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
