package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// maxRedirects bounds redirect chains, e.g. a backend that flips between
// logged in and logged out on every check.
const maxRedirects = 8

var (
	// ErrStaleNavigation means a newer navigation superseded this one; its
	// decision must not be applied.
	ErrStaleNavigation = errors.New("navigation superseded")
	// ErrRedirectLoop means a redirect chain exceeded maxRedirects.
	ErrRedirectLoop = errors.New("too many navigation redirects")
)

// NavigationRequest is one guarded route change. IDs increase
// monotonically; only the most recent request can commit.
type NavigationRequest struct {
	ID          uint64
	From        Location
	To          Location
	Title       string
	RequestedAt time.Time
	Redirects   int
}

// Resolution is the guard's answer for one request.
type Resolution struct {
	Request  NavigationRequest
	Decision Decision
	Err      error // auth check failure, informational
}

// Outcome is what applying a resolution did. Exactly one of Committed or
// Next is meaningful: Committed is the new current location on Proceed,
// Next is the follow-up navigation on a redirect.
type Outcome struct {
	Committed bool
	Location  Location
	Next      *NavigationRequest
}

type pending struct {
	req    NavigationRequest
	ctx    context.Context
	cancel context.CancelFunc
}

// Router tracks the current location and the single pending navigation.
// It is safe for concurrent use; the Bubble Tea loop and the HTTP
// facade's unauthorized hook both reach it.
type Router struct {
	table  *Table
	guard  *Guard
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	current Location
	pending *pending
	nextID  uint64
}

func New(table *Table, guard *Guard, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		table:  table,
		guard:  guard,
		logger: logger,
		now:    time.Now,
	}
}

// Table returns the route table.
func (r *Router) Table() *Table {
	return r.table
}

// Current returns the last committed location. Before the first commit it
// is the zero Location.
func (r *Router) Current() Location {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Pending returns the navigation awaiting its auth check, if any.
func (r *Router) Pending() (NavigationRequest, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending == nil {
		return NavigationRequest{}, false
	}
	return r.pending.req, true
}

// Begin starts a navigation, superseding and cancelling any pending one.
// The returned context is cancelled when the navigation is superseded.
func (r *Router) Begin(ctx context.Context, to Location) (NavigationRequest, context.Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.beginLocked(ctx, to, r.current, 0)
}

func (r *Router) beginLocked(ctx context.Context, to, from Location, redirects int) (NavigationRequest, context.Context, error) {
	route, ok := r.table.Lookup(to.Name)
	if !ok {
		return NavigationRequest{}, nil, fmt.Errorf("%w: %s", ErrUnknownRoute, to.Name)
	}

	if r.pending != nil {
		r.logger.Debug("navigation superseded", "id", r.pending.req.ID, "to", r.pending.req.To.Name)
		r.pending.cancel()
	}

	r.nextID++
	req := NavigationRequest{
		ID:          r.nextID,
		From:        from,
		To:          to,
		Title:       r.guard.Title(route),
		RequestedAt: r.now(),
		Redirects:   redirects,
	}
	nctx, cancel := context.WithCancel(ctx)
	r.pending = &pending{req: req, ctx: nctx, cancel: cancel}
	return req, nctx, nil
}

// Resolve runs the guard for req. It touches no router state, so it may
// run on any goroutine; Apply decides whether the answer still counts.
func (r *Router) Resolve(ctx context.Context, req NavigationRequest) Resolution {
	d, err := r.guard.Evaluate(ctx, req.To.Name)
	return Resolution{Request: req, Decision: d, Err: err}
}

// Apply commits a resolution if its request is still the pending one.
// A redirect starts the follow-up navigation atomically, so nothing can
// slip in between.
func (r *Router) Apply(res Resolution) (Outcome, context.Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pending == nil || r.pending.req.ID != res.Request.ID {
		r.logger.Debug("discarding stale navigation result", "id", res.Request.ID, "decision", res.Decision)
		return Outcome{}, nil, ErrStaleNavigation
	}
	p := r.pending
	r.pending = nil
	p.cancel()

	var target Location
	switch res.Decision {
	case Proceed:
		r.current = res.Request.To
		r.logger.Info("navigated", "to", res.Request.To.Name, "id", res.Request.ID)
		return Outcome{Committed: true, Location: r.current}, nil, nil
	case RedirectHome:
		target = Location{Name: Home}
	default:
		target = Location{Name: Login}
	}

	if res.Request.Redirects >= maxRedirects {
		return Outcome{}, nil, fmt.Errorf("%w: last target %s", ErrRedirectLoop, target.Name)
	}
	r.logger.Info("navigation redirected", "from", res.Request.To.Name, "to", target.Name, "decision", res.Decision)
	next, nctx, err := r.beginLocked(context.WithoutCancel(p.ctx), target, res.Request.From, res.Request.Redirects+1)
	if err != nil {
		return Outcome{}, nil, err
	}
	return Outcome{Next: &next}, nctx, nil
}

// Go navigates synchronously, following redirects until a location is
// committed. It returns ErrStaleNavigation if another navigation
// superseded this one meanwhile.
func (r *Router) Go(ctx context.Context, to Location) (Location, error) {
	req, nctx, err := r.Begin(ctx, to)
	if err != nil {
		return Location{}, err
	}
	for {
		out, next, err := r.Apply(r.Resolve(nctx, req))
		if err != nil {
			return Location{}, err
		}
		if out.Committed {
			return out.Location, nil
		}
		req, nctx = *out.Next, next
	}
}

// NeedsLogin starts a navigation to the login route unless the router is
// already there or already heading there. The second result is false
// when nothing was started, which keeps repeated 401s from looping.
func (r *Router) NeedsLogin(ctx context.Context) (NavigationRequest, context.Context, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current.Name == Login {
		return NavigationRequest{}, nil, false
	}
	if r.pending != nil && r.pending.req.To.Name == Login {
		return NavigationRequest{}, nil, false
	}
	req, nctx, err := r.beginLocked(ctx, Location{Name: Login}, r.current, 0)
	if err != nil {
		return NavigationRequest{}, nil, false
	}
	return req, nctx, true
}

// --- Bubble Tea glue ---

// NavigateMsg asks the update loop to start a navigation.
type NavigateMsg struct {
	To Location
}

// Request returns a command that emits a NavigateMsg for to.
func Request(to Location) tea.Cmd {
	return func() tea.Msg { return NavigateMsg{To: to} }
}

// ResolvedMsg delivers a guard resolution back to the update loop, which
// passes it to Apply.
type ResolvedMsg struct {
	Resolution Resolution
}

// Navigate begins a navigation and returns the commands that set the
// window title and run the auth check.
func (r *Router) Navigate(to Location) (tea.Cmd, error) {
	req, ctx, err := r.Begin(context.Background(), to)
	if err != nil {
		return nil, err
	}
	return r.ResolveCmd(ctx, req), nil
}

// ResolveCmd sets the title for req and runs its auth check off the
// update loop.
func (r *Router) ResolveCmd(ctx context.Context, req NavigationRequest) tea.Cmd {
	return tea.Batch(
		tea.SetWindowTitle(req.Title),
		func() tea.Msg {
			return ResolvedMsg{Resolution: r.Resolve(ctx, req)}
		},
	)
}

// RedirectToLogin is the Bubble Tea form of NeedsLogin; it returns nil
// when no navigation was started.
func (r *Router) RedirectToLogin() tea.Cmd {
	req, ctx, ok := r.NeedsLogin(context.Background())
	if !ok {
		return nil
	}
	return r.ResolveCmd(ctx, req)
}
