package router

import (
	"strings"

	"github.com/wudi/edgegate/internal/config"
)

// Route is a compiled proxy route.
type Route struct {
	ID               string
	Pattern          string
	Target           string
	StripPrefix      bool
	Priority         int
	DefaultCache     bool
	DefaultRateLimit bool
	DefaultGeoBlock  bool

	prefix   string // literal part matched as a path prefix
	wildcard bool   // pattern ended with *
	idx      int    // insertion order for tie-breaking
}

// LiteralPrefix returns the literal part of the pattern, used for
// prefix stripping and tie-breaking.
func (r *Route) LiteralPrefix() string {
	return r.prefix
}

// Table is an immutable set of compiled routes. Build a new Table on
// config reload and swap it into the snapshot; match lookups are pure.
type Table struct {
	routes []*Route
}

// NewTable compiles enabled routes from config. Disabled routes are never
// matched and are not compiled at all.
func NewTable(cfgs []config.RouteConfig) *Table {
	t := &Table{routes: make([]*Route, 0, len(cfgs))}
	for i := range cfgs {
		rc := &cfgs[i]
		if !rc.IsEnabled() {
			continue
		}
		r := &Route{
			ID:               rc.ID,
			Pattern:          rc.Pattern,
			Target:           rc.Target,
			StripPrefix:      rc.StripPrefix,
			Priority:         rc.Priority,
			DefaultCache:     rc.DefaultCache,
			DefaultRateLimit: rc.DefaultRateLimit,
			DefaultGeoBlock:  rc.DefaultGeoBlock,
			prefix:           rc.Pattern,
			idx:              i,
		}
		if strings.HasSuffix(rc.Pattern, "*") {
			r.wildcard = true
			r.prefix = strings.TrimSuffix(rc.Pattern, "*")
		}
		t.routes = append(t.routes, r)
	}
	return t
}

// Match resolves a request path to the winning route, or nil when no route
// matches. Among matching routes the highest priority wins; ties break to
// the longest literal prefix, then to config insertion order.
func (t *Table) Match(path string) *Route {
	var best *Route
	for _, r := range t.routes {
		if !r.matches(path) {
			continue
		}
		if best == nil || betterThan(r, best) {
			best = r
		}
	}
	return best
}

// matches reports whether the route's pattern covers the path. Literal
// patterns match exactly or as a segment-aligned prefix; wildcard patterns
// match any path under their literal prefix.
func (r *Route) matches(path string) bool {
	if r.wildcard {
		return strings.HasPrefix(path, r.prefix)
	}
	if path == r.prefix {
		return true
	}
	return strings.HasPrefix(path, r.prefix) && (strings.HasSuffix(r.prefix, "/") || path[len(r.prefix)] == '/')
}

func betterThan(a, b *Route) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if len(a.prefix) != len(b.prefix) {
		return len(a.prefix) > len(b.prefix)
	}
	return a.idx < b.idx
}

// Len returns the number of enabled routes.
func (t *Table) Len() int {
	return len(t.routes)
}

// Routes returns the compiled routes, for status surfaces.
func (t *Table) Routes() []*Route {
	return t.routes
}
