// Package routeguard decides whether the client may navigate to a route,
// based only on the current session state.
package routeguard

import (
	"fmt"

	"github.com/upb/transport-identity/session"
)

const (
	DefaultLoginPath        = "/login"
	DefaultUnauthorizedPath = "/unauthorized"
)

// StateSource exposes the session snapshot. session.Adapter implements it.
type StateSource interface {
	State() session.State
}

// Route is a navigable destination. An empty RequiredRole only requires a session.
type Route struct {
	Path         string
	RequiredRole string
	Public       bool
}

// Decision is the outcome of a navigation check.
type Decision struct {
	allowed bool
	target  string
}

// Allow permits the navigation.
func Allow() Decision {
	return Decision{allowed: true}
}

// RedirectTo cancels the navigation in favour of target.
func RedirectTo(target string) Decision {
	return Decision{target: target}
}

func (d Decision) Allowed() bool {
	return d.allowed
}

// Target is the redirect destination; empty when allowed.
func (d Decision) Target() string {
	return d.target
}

func (d Decision) String() string {
	if d.allowed {
		return "allow"
	}
	return fmt.Sprintf("redirect(%s)", d.target)
}

// Guard checks routes against the session state.
type Guard struct {
	state            StateSource
	loginPath        string
	unauthorizedPath string
}

// Option configures a Guard.
type Option func(*Guard)

func WithLoginPath(p string) Option {
	return func(g *Guard) { g.loginPath = p }
}

func WithUnauthorizedPath(p string) Option {
	return func(g *Guard) { g.unauthorizedPath = p }
}

func New(state StateSource, opts ...Option) *Guard {
	g := &Guard{
		state:            state,
		loginPath:        DefaultLoginPath,
		unauthorizedPath: DefaultUnauthorizedPath,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Check decides navigation to route.
func (g *Guard) Check(route Route) Decision {
	if route.Public {
		return Allow()
	}

	st := g.state.State()
	if !st.Authenticated {
		return RedirectTo(g.loginPath)
	}
	if route.RequiredRole != "" && !st.HasRole(route.RequiredRole) {
		return RedirectTo(g.unauthorizedPath)
	}
	return Allow()
}

// CheckPath resolves path in table and checks it. Unknown paths redirect to
// the login page when signed out and are allowed otherwise.
func (g *Guard) CheckPath(table *Table, path string) Decision {
	route, ok := table.Resolve(path)
	if !ok {
		route = Route{Path: path}
	}
	return g.Check(route)
}
