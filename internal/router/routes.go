// Package router maps named routes to views and gates every navigation
// behind a fresh authentication check.
package router

import (
	"errors"
	"net/url"
	"strings"
)

// Route names.
const (
	Login               = "Login"
	Home                = "Home"
	StrategiesDashboard = "StrategiesDashboard"
	StrategyEditor      = "StrategyEditor"
	RunDetails          = "RunDetails"
	Docs                = "Docs"
	Libraries           = "Libraries"
	ReportView          = "ReportView"
)

// ErrUnknownRoute is returned for a name or path not in the table.
var ErrUnknownRoute = errors.New("unknown route")

// Meta is per-route metadata.
type Meta struct {
	Title string
}

// Route is one entry of the route table. Path segments starting with ':'
// are parameters.
type Route struct {
	Name string
	Path string
	Meta Meta
}

// Location is a resolved navigation target.
type Location struct {
	Name   string
	Params map[string]string
}

// To builds a Location from a route name and alternating key/value params.
func To(name string, kv ...string) Location {
	loc := Location{Name: name}
	if len(kv) > 0 {
		loc.Params = make(map[string]string, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			loc.Params[kv[i]] = kv[i+1]
		}
	}
	return loc
}

// Param returns a path parameter, or "".
func (l Location) Param(key string) string {
	return l.Params[key]
}

// DefaultRoutes is the client's route table.
func DefaultRoutes() []Route {
	return []Route{
		{Name: Login, Path: "/login", Meta: Meta{Title: "登录"}},
		{Name: Home, Path: "/home", Meta: Meta{Title: "首页"}},
		{Name: StrategiesDashboard, Path: "/strategies", Meta: Meta{Title: "策略工作台"}},
		{Name: StrategyEditor, Path: "/strategies/:strategy_name", Meta: Meta{Title: "策略编辑"}},
		{Name: RunDetails, Path: "/runs/:run_id", Meta: Meta{Title: "运行详情"}},
		{Name: Docs, Path: "/docs", Meta: Meta{Title: "开发文档"}},
		{Name: Libraries, Path: "/libraries", Meta: Meta{Title: "库管理"}},
		{Name: ReportView, Path: "/reports/:runId", Meta: Meta{Title: "回测报告"}},
	}
}

// Table indexes routes by name and matches paths.
type Table struct {
	byName map[string]Route
	order  []Route
}

func NewTable(routes []Route) *Table {
	t := &Table{byName: make(map[string]Route, len(routes))}
	for _, r := range routes {
		t.byName[r.Name] = r
		t.order = append(t.order, r)
	}
	return t
}

// Lookup finds a route by name.
func (t *Table) Lookup(name string) (Route, bool) {
	r, ok := t.byName[name]
	return r, ok
}

// Match resolves a path such as "/runs/abc" to a Location. "/" is Home.
func (t *Table) Match(path string) (Location, error) {
	path = "/" + strings.Trim(path, "/")
	if path == "/" {
		return Location{Name: Home}, nil
	}
	segs := strings.Split(path, "/")
	for _, r := range t.order {
		pattern := strings.Split(r.Path, "/")
		if len(pattern) != len(segs) {
			continue
		}
		params := map[string]string{}
		matched := true
		for i, p := range pattern {
			if strings.HasPrefix(p, ":") {
				v, err := url.PathUnescape(segs[i])
				if err != nil || v == "" {
					matched = false
					break
				}
				params[p[1:]] = v
				continue
			}
			if p != segs[i] {
				matched = false
				break
			}
		}
		if matched {
			if len(params) == 0 {
				params = nil
			}
			return Location{Name: r.Name, Params: params}, nil
		}
	}
	return Location{}, ErrUnknownRoute
}

// Path renders a Location back into a path.
func (t *Table) Path(loc Location) (string, error) {
	r, ok := t.byName[loc.Name]
	if !ok {
		return "", ErrUnknownRoute
	}
	segs := strings.Split(r.Path, "/")
	for i, s := range segs {
		if strings.HasPrefix(s, ":") {
			segs[i] = url.PathEscape(loc.Params[s[1:]])
		}
	}
	return strings.Join(segs, "/"), nil
}
