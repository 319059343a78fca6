package config

import (
	"fmt"
	"net/url"
	"strings"
)

// Validate rejects malformed routes and policies at load time. Request-time
// code never sees an invalid configuration.
func Validate(cfg *Config) error {
	seen := make(map[string]bool, len(cfg.Routes))
	for i := range cfg.Routes {
		r := &cfg.Routes[i]
		if r.ID == "" {
			return fmt.Errorf("route %d: id is required", i)
		}
		if seen[r.ID] {
			return fmt.Errorf("route %q: duplicate id", r.ID)
		}
		seen[r.ID] = true

		if err := validatePattern(r.Pattern); err != nil {
			return fmt.Errorf("route %q: %w", r.ID, err)
		}
		if r.Target == "" {
			return fmt.Errorf("route %q: target is required", r.ID)
		}
		u, err := url.Parse(r.Target)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("route %q: target must be an absolute http(s) URL", r.ID)
		}
		if r.Priority < 0 {
			return fmt.Errorf("route %q: priority must be >= 0", r.ID)
		}
	}

	seenPaths := make(map[string]bool, len(cfg.PathPolicies))
	for i := range cfg.PathPolicies {
		p := &cfg.PathPolicies[i]
		if p.Path == "" || !strings.HasPrefix(p.Path, "/") {
			return fmt.Errorf("path policy %d: path must start with /", i)
		}
		if seenPaths[p.Path] {
			return fmt.Errorf("path policy %q: duplicate path", p.Path)
		}
		seenPaths[p.Path] = true

		if err := validateCachePolicy(p.Cache); err != nil {
			return fmt.Errorf("path policy %q: %w", p.Path, err)
		}
		if p.RateLimit.Enabled {
			if p.RateLimit.Limit <= 0 {
				return fmt.Errorf("path policy %q: rate limit must be > 0", p.Path)
			}
			if p.RateLimit.WindowSeconds <= 0 {
				return fmt.Errorf("path policy %q: rate window must be > 0", p.Path)
			}
		}
	}

	if cfg.Geo.Mode != "whitelist" && cfg.Geo.Mode != "blacklist" {
		return fmt.Errorf("geo: mode must be whitelist or blacklist, got %q", cfg.Geo.Mode)
	}
	for path := range cfg.Geo.PathOverrides {
		if !strings.HasPrefix(path, "/") {
			return fmt.Errorf("geo: override path %q must start with /", path)
		}
	}

	return nil
}

func validatePattern(pattern string) error {
	if pattern == "" || !strings.HasPrefix(pattern, "/") {
		return fmt.Errorf("pattern must start with /")
	}
	if idx := strings.Index(pattern, "*"); idx >= 0 && idx != len(pattern)-1 {
		return fmt.Errorf("wildcard is only allowed at the end of a pattern")
	}
	return nil
}

func validateCachePolicy(c CachePolicy) error {
	switch c.KeyStrategy {
	case KeyPathOnly, KeyPathParams, KeyPathHeaders, KeyPathParamsHeaders:
	default:
		return fmt.Errorf("unknown cache key strategy %q", c.KeyStrategy)
	}

	needsParams := c.KeyStrategy == KeyPathParams || c.KeyStrategy == KeyPathParamsHeaders
	needsHeaders := c.KeyStrategy == KeyPathHeaders || c.KeyStrategy == KeyPathParamsHeaders

	// A strategy that includes params or headers must name them (or "all").
	if needsParams && len(c.KeyParams) == 0 {
		return fmt.Errorf("key strategy %q requires key_params (or \"all\")", c.KeyStrategy)
	}
	if needsHeaders && len(c.KeyHeaders) == 0 {
		return fmt.Errorf("key strategy %q requires key_headers (or \"all\")", c.KeyStrategy)
	}
	if c.TTLSeconds < 0 {
		return fmt.Errorf("cache ttl must be >= 0")
	}
	return nil
}
