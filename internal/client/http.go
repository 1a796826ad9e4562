package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"
)

// ErrUnauthorized matches any *StatusError carrying a 401.
var ErrUnauthorized = errors.New("unauthorized")

// StatusError is returned for every non-2xx response.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Code, e.Body)
}

func (e *StatusError) Is(target error) bool {
	return target == ErrUnauthorized && e.Code == http.StatusUnauthorized
}

// HTTPClient makes REST calls to the MyQuant backend. Credentials are the
// session cookie kept in the client's jar, so calls carry no auth header.
type HTTPClient struct {
	baseURL        string
	client         *http.Client
	onUnauthorized func()
	logger         *slog.Logger
}

// Option configures an HTTPClient.
type Option func(*HTTPClient)

// WithUnauthorizedHook registers fn to run whenever a response is a 401.
// The hook runs on the calling goroutine and must not block.
func WithUnauthorizedHook(fn func()) Option {
	return func(c *HTTPClient) { c.onUnauthorized = fn }
}

// WithHTTPClient replaces the underlying *http.Client. A jar is added if
// the given client has none.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *HTTPClient) { c.client = hc }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *HTTPClient) { c.logger = l }
}

// NewHTTPClient creates a client targeting the given base URL (e.g. "http://127.0.0.1:5000").
func NewHTTPClient(baseURL string, opts ...Option) *HTTPClient {
	c := &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.client.Jar == nil {
		// cookiejar.New only fails on a bad PublicSuffixList.
		jar, _ := cookiejar.New(nil)
		c.client.Jar = jar
	}
	return c
}

// BaseURL returns the origin every path is resolved against.
func (c *HTTPClient) BaseURL() string {
	return c.baseURL
}

// Jar returns the cookie jar holding the session credentials, so live
// channels can present the same session on their handshake.
func (c *HTTPClient) Jar() http.CookieJar {
	return c.client.Jar
}

// Host returns the hostname of the backend origin, without the port.
func (c *HTTPClient) Host() string {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// CheckAuth fetches /api/check-auth. It never caches the result.
func (c *HTTPClient) CheckAuth(ctx context.Context) (bool, error) {
	var s AuthStatus
	if err := c.Get(ctx, "/api/check-auth", &s); err != nil {
		return false, err
	}
	return s.LoggedIn, nil
}

// Login sends POST /api/login. A wrong password comes back as a
// *StatusError with code 401.
func (c *HTTPClient) Login(ctx context.Context, password string) (*LoginResult, error) {
	body := map[string]string{"password": password}
	var out LoginResult
	if err := c.Post(ctx, "/api/login", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Logout sends POST /api/logout.
func (c *HTTPClient) Logout(ctx context.Context) error {
	return c.Post(ctx, "/api/logout", nil, nil)
}

// ListStrategies fetches /api/strategies.
func (c *HTTPClient) ListStrategies(ctx context.Context) ([]Strategy, error) {
	var out struct {
		Strategies []Strategy `json:"strategies"`
	}
	if err := c.Get(ctx, "/api/strategies", &out); err != nil {
		return nil, err
	}
	return out.Strategies, nil
}

// ListRuns fetches /api/strategies/{name}/runs.
func (c *HTTPClient) ListRuns(ctx context.Context, strategy string) (*RunList, error) {
	var out struct {
		Runs RunList `json:"runs"`
	}
	if err := c.Get(ctx, "/api/strategies/"+url.PathEscape(strategy)+"/runs", &out); err != nil {
		return nil, err
	}
	return &out.Runs, nil
}

// StartRun sends POST /api/strategies/{name}/runs and returns the new run's
// ID and monitor port.
func (c *HTTPClient) StartRun(ctx context.Context, strategy, mode string) (string, int, error) {
	body := map[string]string{"mode": mode}
	var out struct {
		RunID string `json:"run_id"`
		Port  int    `json:"port"`
	}
	if err := c.Post(ctx, "/api/strategies/"+url.PathEscape(strategy)+"/runs", body, &out); err != nil {
		return "", 0, err
	}
	return out.RunID, out.Port, nil
}

// RunStatus fetches /api/runs/{id}/status.
func (c *HTTPClient) RunStatus(ctx context.Context, runID string) (*RunStatus, error) {
	var out RunStatus
	if err := c.Get(ctx, "/api/runs/"+url.PathEscape(runID)+"/status", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ControlRun sends POST /api/runs/{id}/control.
func (c *HTTPClient) ControlRun(ctx context.Context, runID string, action RunAction) error {
	body := map[string]RunAction{"action": action}
	return c.Post(ctx, "/api/runs/"+url.PathEscape(runID)+"/control", body, nil)
}

// Doc fetches the markdown documentation for a project from /api/docs/{project}.
func (c *HTTPClient) Doc(ctx context.Context, project string) (string, error) {
	var out struct {
		Content string `json:"content"`
	}
	if err := c.Get(ctx, "/api/docs/"+url.PathEscape(project), &out); err != nil {
		return "", err
	}
	return out.Content, nil
}

// Get issues a GET and decodes the JSON body into out.
func (c *HTTPClient) Get(ctx context.Context, path string, out interface{}) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

// Post issues a POST with a JSON body (nil for none) and decodes the
// response into out when out is non-nil.
func (c *HTTPClient) Post(ctx context.Context, path string, body, out interface{}) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		serr := &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
		if resp.StatusCode == http.StatusUnauthorized {
			c.logger.Debug("request unauthorized", "method", method, "path", path)
			if c.onUnauthorized != nil {
				c.onUnauthorized()
			}
		}
		return serr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode: %w", method, path, err)
	}
	return nil
}
