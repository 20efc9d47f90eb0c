package routeguard

import (
	"strings"

	"github.com/upb/transport-identity/internal/authz"
)

// Table is an immutable path to Route registry.
type Table struct {
	routes map[string]Route
}

func NewTable(routes ...Route) *Table {
	t := &Table{routes: make(map[string]Route, len(routes))}
	for _, r := range routes {
		t.routes[normalizePath(r.Path)] = r
	}
	return t
}

// DefaultTable is the client's route table.
func DefaultTable() *Table {
	return NewTable(
		Route{Path: "/", Public: true},
		Route{Path: "/login", Public: true},
		Route{Path: "/custom-login", Public: true},
		Route{Path: "/register", Public: true},
		Route{Path: "/custom-register", Public: true},
		Route{Path: "/unauthorized", Public: true},
		Route{Path: "/dashboard"},
		Route{Path: "/admin/dashboard", RequiredRole: authz.RoleAdmin},
		Route{Path: "/manager/dashboard", RequiredRole: authz.RoleManager},
		Route{Path: "/driver/dashboard", RequiredRole: authz.RoleDriver},
	)
}

// Resolve looks up path, ignoring query strings and a trailing slash.
func (t *Table) Resolve(path string) (Route, bool) {
	r, ok := t.routes[normalizePath(path)]
	return r, ok
}

func normalizePath(p string) string {
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	if len(p) > 1 {
		p = strings.TrimSuffix(p, "/")
	}
	if p == "" {
		return "/"
	}
	return p
}
