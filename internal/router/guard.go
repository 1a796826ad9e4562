package router

import (
	"context"
	"log/slog"
)

// DefaultBaseTitle is appended to every route title.
const DefaultBaseTitle = "MyQuant 量化交易平台"

// Decision is the terminal state of one guarded navigation.
type Decision int

const (
	Proceed Decision = iota
	RedirectLogin
	RedirectHome
)

func (d Decision) String() string {
	switch d {
	case Proceed:
		return "proceed"
	case RedirectLogin:
		return "redirect-login"
	case RedirectHome:
		return "redirect-home"
	default:
		return "unknown"
	}
}

// AuthChecker asks the backend whether the session is logged in.
// *client.HTTPClient implements it.
type AuthChecker interface {
	CheckAuth(ctx context.Context) (bool, error)
}

// Guard decides whether a navigation may proceed. It keeps no session
// state: every call asks the backend again.
type Guard struct {
	Auth      AuthChecker
	BaseTitle string
	Logger    *slog.Logger
}

// Title is the window title for a navigation to r.
func (g *Guard) Title(r Route) string {
	base := g.BaseTitle
	if base == "" {
		base = DefaultBaseTitle
	}
	if r.Meta.Title == "" {
		return base
	}
	return r.Meta.Title + " - " + base
}

// Evaluate runs the auth check for a navigation to the named route. The
// login route is public: it is reachable when logged out or when the check
// fails, and bounces logged-in users home. Every other route fails closed.
// The returned error is the check failure, if any, for logging; the
// decision is valid either way.
func (g *Guard) Evaluate(ctx context.Context, to string) (Decision, error) {
	isPublicPage := to == Login

	loggedIn, err := g.Auth.CheckAuth(ctx)
	if err != nil {
		g.logger().Warn("auth check failed", "to", to, "err", err)
		if isPublicPage {
			return Proceed, err
		}
		return RedirectLogin, err
	}

	switch {
	case loggedIn && isPublicPage:
		return RedirectHome, nil
	case loggedIn:
		return Proceed, nil
	case isPublicPage:
		return Proceed, nil
	default:
		return RedirectLogin, nil
	}
}

func (g *Guard) logger() *slog.Logger {
	if g.Logger != nil {
		return g.Logger
	}
	return slog.Default()
}
