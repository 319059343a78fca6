package config

import (
	"os"
	"strings"
	"testing"
)

const validYAML = `
server:
  listen: ":8080"
  edge_location: "iad-1"
routes:
  - id: api
    pattern: /v1/*
    target: https://up.example
    priority: 5
    strip_prefix: true
  - id: users
    pattern: /v1/users
    target: https://special.example
    priority: 10
path_policies:
  - path: /v1/users
    cache:
      enabled: true
      ttl_seconds: 120
      key_strategy: path-params
      key_params: ["all"]
    rate_limit:
      enabled: true
      limit: 3
      window_seconds: 60
geo:
  enabled: true
  mode: whitelist
  countries: [US, DE]
  path_overrides:
    /v1/users: [US]
`

func TestParseValidConfig(t *testing.T) {
	cfg, err := NewLoader().Parse([]byte(validYAML))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if len(cfg.Routes) != 2 {
		t.Fatalf("expected 2 routes, got %d", len(cfg.Routes))
	}
	if !cfg.Routes[0].IsEnabled() {
		t.Error("routes default to enabled")
	}
	if cfg.Routes[1].Priority != 10 {
		t.Errorf("expected priority 10, got %d", cfg.Routes[1].Priority)
	}

	p := cfg.PathPolicies[0]
	if p.Cache.Version != 1 {
		t.Errorf("cache version defaults to 1, got %d", p.Cache.Version)
	}
	if p.Cache.KeyStrategy != KeyPathParams {
		t.Errorf("unexpected key strategy %q", p.Cache.KeyStrategy)
	}
	if cfg.Geo.PathOverrides["/v1/users"][0] != "US" {
		t.Error("geo path override not parsed")
	}
	if cfg.Consumer.BatchSize != 100 {
		t.Errorf("consumer batch defaults to 100, got %d", cfg.Consumer.BatchSize)
	}
}

func TestParseEnvExpansion(t *testing.T) {
	os.Setenv("EDGEGATE_TEST_TARGET", "https://env.example")
	defer os.Unsetenv("EDGEGATE_TEST_TARGET")

	yaml := `
routes:
  - id: r1
    pattern: /a
    target: ${EDGEGATE_TEST_TARGET}
`
	cfg, err := NewLoader().Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Routes[0].Target != "https://env.example" {
		t.Errorf("env var not expanded: %q", cfg.Routes[0].Target)
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing route id",
			yaml: "routes:\n  - pattern: /a\n    target: https://x.example\n",
			want: "id is required",
		},
		{
			name: "duplicate route id",
			yaml: "routes:\n  - id: a\n    pattern: /a\n    target: https://x.example\n  - id: a\n    pattern: /b\n    target: https://x.example\n",
			want: "duplicate id",
		},
		{
			name: "bad target scheme",
			yaml: "routes:\n  - id: a\n    pattern: /a\n    target: ftp://x.example\n",
			want: "http(s)",
		},
		{
			name: "wildcard mid-pattern",
			yaml: "routes:\n  - id: a\n    pattern: /a/*/b\n    target: https://x.example\n",
			want: "wildcard",
		},
		{
			name: "params strategy without params",
			yaml: "path_policies:\n  - path: /a\n    cache:\n      enabled: true\n      key_strategy: path-params\n",
			want: "requires key_params",
		},
		{
			name: "headers strategy without headers",
			yaml: "path_policies:\n  - path: /a\n    cache:\n      enabled: true\n      key_strategy: path-headers\n",
			want: "requires key_headers",
		},
		{
			name: "unknown key strategy",
			yaml: "path_policies:\n  - path: /a\n    cache:\n      key_strategy: bogus\n",
			want: "unknown cache key strategy",
		},
		{
			name: "rate limit zero",
			yaml: "path_policies:\n  - path: /a\n    rate_limit:\n      enabled: true\n      limit: 0\n      window_seconds: 60\n",
			want: "rate limit must be > 0",
		},
		{
			name: "bad geo mode",
			yaml: "geo:\n  mode: greylist\n",
			want: "mode must be whitelist or blacklist",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLoader().Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not contain %q", err, tt.want)
			}
		})
	}
}

func TestEmptyGeoListsAreValid(t *testing.T) {
	// Empty whitelist (block all) and empty blacklist (allow all) are
	// intentional configurations, not errors.
	for _, mode := range []string{"whitelist", "blacklist"} {
		yaml := "geo:\n  enabled: true\n  mode: " + mode + "\n"
		if _, err := NewLoader().Parse([]byte(yaml)); err != nil {
			t.Errorf("empty %s should be valid: %v", mode, err)
		}
	}
}
