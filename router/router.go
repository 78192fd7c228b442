package router

import (
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"ponte/config"
)

// Table is the compiled, immutable route table. It is built once from
// configuration and shared by every request without synchronization;
// reload builds a fresh Table and swaps it in atomically.
type Table struct {
	routes []*config.RouteConfig
}

// NewTable compiles the configured routes into a dispatch table. Routes
// are ordered by their configured order, ascending, with declaration
// order as tie-break.
func NewTable(routes []config.RouteConfig) *Table {
	table := &Table{routes: make([]*config.RouteConfig, 0, len(routes))}
	for i := range routes {
		table.routes = append(table.routes, &routes[i])
	}
	sort.SliceStable(table.routes, func(i, j int) bool {
		return table.routes[i].Order < table.routes[j].Order
	})
	return table
}

// Resolve finds the route for a request path, or nil when no pattern
// matches. Routes are tried in ascending configured order and the first
// structural match wins. This is an explicit policy choice, not
// longest-match: overlapping patterns are disambiguated by order alone.
func (t *Table) Resolve(path string) *config.RouteConfig {
	for _, route := range t.routes {
		if Match(route.Path, path) {
			return route
		}
	}
	return nil
}

// Routes returns the routes in dispatch order.
func (t *Table) Routes() []*config.RouteConfig {
	return t.routes
}

// Len returns the number of routes in the table.
func (t *Table) Len() int {
	return len(t.routes)
}

// Match reports whether a request path matches a route pattern.
//
// Segment semantics: "*" matches exactly one path segment, "**" matches
// one or more trailing segments. The one-or-more rule is stricter than
// plain glob matching: "/calculator/**" does not match "/calculator"
// itself, only paths below it.
func Match(pattern, path string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "/**"); ok {
		if path == prefix || path == prefix+"/" {
			return false
		}
	}
	ok, err := doublestar.Match(pattern, path)
	return err == nil && ok
}
