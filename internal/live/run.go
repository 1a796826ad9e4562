package live

import (
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"

	"github.com/myquant/tui/internal/client"
)

// DefaultRunPath is where a run's monitor serves its live channel.
const DefaultRunPath = "/ws"

// RunFactory builds per-run channels. Each channel belongs to whoever
// created it; the factory keeps no reference and never touches Shared.
type RunFactory struct {
	Host   string // hostname of the current backend, without port
	Secure bool   // https/wss instead of http/ws
	Path   string // channel path on the run's monitor
	Jar    http.CookieJar
	Logger *slog.Logger
}

// NewRunFactory derives host and scheme from the backend origin,
// e.g. "https://quant.example.com:5000".
func NewRunFactory(origin string, jar http.CookieJar, logger *slog.Logger) (*RunFactory, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return nil, err
	}
	return &RunFactory{
		Host:   u.Hostname(),
		Secure: u.Scheme == "https" || u.Scheme == "wss",
		Path:   DefaultRunPath,
		Jar:    jar,
		Logger: logger,
	}, nil
}

// Endpoint returns the http(s)://host:port origin of a run's monitor.
func (f *RunFactory) Endpoint(port int) string {
	scheme := "http"
	if f.Secure {
		scheme = "https"
	}
	return scheme + "://" + net.JoinHostPort(f.Host, strconv.Itoa(port))
}

// ChannelURL returns the ws(s):// dial address for a run's monitor.
func (f *RunFactory) ChannelURL(port int) string {
	scheme := "ws"
	if f.Secure {
		scheme = "wss"
	}
	path := f.Path
	if path == "" {
		path = DefaultRunPath
	}
	return scheme + "://" + net.JoinHostPort(f.Host, strconv.Itoa(port)) + path
}

// Create returns a disconnected channel for the run monitor on port. The
// caller connects, disconnects and drops it.
func (f *RunFactory) Create(port int) *client.Conn {
	opts := []client.ConnOption{}
	if f.Jar != nil {
		opts = append(opts, client.WithCookieJar(f.Jar))
	}
	if f.Logger != nil {
		opts = append(opts, client.WithConnLogger(f.Logger.With("port", port)))
	}
	return client.NewConn(f.ChannelURL(port), opts...)
}

// SharedURL returns the dial address of the shared channel on the
// backend's default origin.
func SharedURL(origin string) (string, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http", "":
		u.Scheme = "ws"
	}
	u.Path = DefaultRunPath
	u.RawQuery = ""
	return u.String(), nil
}
