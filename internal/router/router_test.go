package router

import (
	"testing"

	"github.com/wudi/edgegate/internal/config"
)

func boolPtr(b bool) *bool { return &b }

func TestMatchPriorityOverlap(t *testing.T) {
	table := NewTable([]config.RouteConfig{
		{ID: "v1", Pattern: "/v1/*", Target: "https://up.example", Priority: 5},
		{ID: "users", Pattern: "/v1/users", Target: "https://special.example", Priority: 10},
	})

	m := table.Match("/v1/users")
	if m == nil {
		t.Fatal("expected a match")
	}
	if m.ID != "users" {
		t.Errorf("higher priority route should win, got %q", m.ID)
	}

	m = table.Match("/v1/orders")
	if m == nil || m.ID != "v1" {
		t.Errorf("expected wildcard route for /v1/orders, got %v", m)
	}
}

func TestMatchLongestPrefixTieBreak(t *testing.T) {
	table := NewTable([]config.RouteConfig{
		{ID: "short", Pattern: "/api/*", Target: "https://a.example", Priority: 1},
		{ID: "long", Pattern: "/api/v2/*", Target: "https://b.example", Priority: 1},
	})

	if m := table.Match("/api/v2/thing"); m == nil || m.ID != "long" {
		t.Errorf("longest literal prefix should win on equal priority, got %v", m)
	}
}

func TestMatchInsertionOrderTieBreak(t *testing.T) {
	table := NewTable([]config.RouteConfig{
		{ID: "first", Pattern: "/dup/*", Target: "https://a.example", Priority: 1},
		{ID: "second", Pattern: "/dup/*", Target: "https://b.example", Priority: 1},
	})

	if m := table.Match("/dup/x"); m == nil || m.ID != "first" {
		t.Errorf("insertion order should break full ties, got %v", m)
	}
}

func TestMatchDisabledRoute(t *testing.T) {
	table := NewTable([]config.RouteConfig{
		{ID: "off", Pattern: "/v1/*", Target: "https://a.example", Priority: 5, Enabled: boolPtr(false)},
	})

	if m := table.Match("/v1/users"); m != nil {
		t.Errorf("disabled route must never match, got %q", m.ID)
	}
	if table.Len() != 0 {
		t.Errorf("disabled routes should not compile, len=%d", table.Len())
	}
}

func TestMatchNotFound(t *testing.T) {
	table := NewTable([]config.RouteConfig{
		{ID: "v1", Pattern: "/v1/*", Target: "https://a.example"},
	})

	if m := table.Match("/v2/users"); m != nil {
		t.Errorf("expected no match, got %q", m.ID)
	}
}

func TestLiteralSegmentBoundary(t *testing.T) {
	table := NewTable([]config.RouteConfig{
		{ID: "users", Pattern: "/v1/users", Target: "https://a.example"},
	})

	if m := table.Match("/v1/users"); m == nil {
		t.Error("exact path should match literal pattern")
	}
	if m := table.Match("/v1/users/42"); m == nil {
		t.Error("sub-path should match literal pattern as prefix")
	}
	if m := table.Match("/v1/usersearch"); m != nil {
		t.Error("literal prefix must be segment-aligned")
	}
}
