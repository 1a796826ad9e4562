// Package live manages the client's real-time channels: one shared,
// reference-counted channel for dashboard-wide status, and independently
// owned per-run channels.
package live

import (
	"log/slog"
	"sync"

	"github.com/myquant/tui/internal/client"
)

// Channel is the transport a Shared drives. Connect and Disconnect must
// return without waiting for the handshake or teardown to finish.
type Channel interface {
	Connect()
	Disconnect()
}

// Subscribable is implemented by channels that fan events out to consumers.
type Subscribable interface {
	Subscribe() (<-chan client.Event, func())
}

// Shared multiplexes any number of consumers onto one channel. The channel
// is connected exactly when at least one consumer holds it: the counter's
// 0→1 edge connects, the 1→0 edge disconnects, and nothing else touches
// the channel's state.
type Shared struct {
	mu     sync.Mutex
	ch     Channel
	count  int
	open   bool
	logger *slog.Logger
}

// NewShared wraps ch. The channel must currently be disconnected.
func NewShared(ch Channel, logger *slog.Logger) *Shared {
	if logger == nil {
		logger = slog.Default()
	}
	return &Shared{ch: ch, logger: logger}
}

// Acquire registers a consumer, connecting the channel if it is the first.
func (s *Shared) Acquire() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.count++
	if s.count == 1 && !s.open {
		s.logger.Info("first consumer of shared channel, connecting")
		s.open = true
		s.ch.Connect()
	}
}

// Release unregisters a consumer, disconnecting the channel if it was the
// last. Releasing with no consumers is a no-op.
func (s *Shared) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.count == 0 {
		return
	}
	s.count--
	if s.count == 0 && s.open {
		s.logger.Info("last consumer of shared channel gone, disconnecting")
		s.open = false
		s.ch.Disconnect()
	}
}

// Hold acquires and returns a func that releases exactly once, however
// many times it is called.
func (s *Shared) Hold() (release func()) {
	s.Acquire()
	var once sync.Once
	return func() { once.Do(s.Release) }
}

// IsOpen reports whether the channel has been told to connect, which is
// always equivalent to Count() > 0.
func (s *Shared) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// Count returns the number of active consumers.
func (s *Shared) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Subscribe forwards to the underlying channel's event stream. It returns
// a nil channel when the transport cannot fan out.
func (s *Shared) Subscribe() (<-chan client.Event, func()) {
	sub, ok := s.ch.(Subscribable)
	if !ok {
		return nil, func() {}
	}
	return sub.Subscribe()
}
