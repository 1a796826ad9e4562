package live

import (
	"testing"

	"github.com/myquant/tui/internal/client"
	"github.com/myquant/tui/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunFactoryEndpoint(t *testing.T) {
	f, err := NewRunFactory("http://example.com:5000", nil, nil)
	require.NoError(t, err)

	assert.Equal(t, "http://example.com:9000", f.Endpoint(9000))
	assert.Equal(t, "ws://example.com:9000/ws", f.ChannelURL(9000))
}

func TestRunFactorySecureOrigin(t *testing.T) {
	f, err := NewRunFactory("https://quant.example.com", nil, nil)
	require.NoError(t, err)

	assert.Equal(t, "https://quant.example.com:8051", f.Endpoint(8051))
	assert.Equal(t, "wss://quant.example.com:8051/ws", f.ChannelURL(8051))
}

func TestRunFactoryIPv6Host(t *testing.T) {
	f := &RunFactory{Host: "::1"}
	assert.Equal(t, "http://[::1]:9000", f.Endpoint(9000))
}

func TestCreateDoesNotConnectOrTouchShared(t *testing.T) {
	ch := &recordingChannel{}
	shared := NewShared(ch, logging.Discard())
	shared.Acquire()

	f, err := NewRunFactory("http://example.com", nil, logging.Discard())
	require.NoError(t, err)

	conns := []*client.Conn{f.Create(9000), f.Create(9001)}
	for _, c := range conns {
		assert.Equal(t, client.StateDisconnected, c.State(), "per-run channels are not auto-opened")
		c.Disconnect()
	}
	assert.Equal(t, "ws://example.com:9000/ws", conns[0].URL())

	assert.True(t, shared.IsOpen())
	assert.Equal(t, 1, shared.Count())
	c, d := ch.counts()
	assert.Equal(t, 1, c)
	assert.Equal(t, 0, d)
}

func TestSharedURL(t *testing.T) {
	tests := map[string]string{
		"http://127.0.0.1:5000":      "ws://127.0.0.1:5000/ws",
		"https://quant.example.com/": "wss://quant.example.com/ws",
		"http://host:1/api?x=1":      "ws://host:1/ws",
	}
	for in, want := range tests {
		got, err := SharedURL(in)
		require.NoError(t, err)
		assert.Equal(t, want, got, in)
	}
}
