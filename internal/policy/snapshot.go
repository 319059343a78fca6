// Package policy compiles the route and path-policy configuration into an
// immutable snapshot and drives the per-request decision chain over it.
package policy

import (
	"sync"
	"time"

	"github.com/wudi/edgegate/internal/config"
	"github.com/wudi/edgegate/internal/geo"
	"github.com/wudi/edgegate/internal/router"
)

// Snapshot is a compiled, immutable view of the routing and policy
// configuration. Requests read one snapshot for their whole lifetime, so
// a reload mid-request never mixes old and new rules.
type Snapshot struct {
	Routes   *router.Table
	Geo      *geo.Evaluator
	policies map[string]config.PathPolicyConfig
}

// Compile builds a snapshot from a parsed configuration.
func Compile(cfg *config.Config) *Snapshot {
	evaluator := geo.NewEvaluator(cfg.Geo)
	policies := make(map[string]config.PathPolicyConfig, len(cfg.PathPolicies))
	for _, p := range cfg.PathPolicies {
		policies[p.Path] = p
		if p.Geo.Enabled {
			evaluator.AddOverride(p.Path, p.Geo.Countries)
		}
	}
	return &Snapshot{
		Routes:   router.NewTable(cfg.Routes),
		Geo:      evaluator,
		policies: policies,
	}
}

// PolicyFor returns the effective policy for a request path matched by
// route. An explicit path policy wins; otherwise the route's default
// flags select conservative defaults.
func (s *Snapshot) PolicyFor(route *router.Route, path string) config.PathPolicyConfig {
	if pol, ok := s.policies[path]; ok {
		return pol
	}
	pol := config.PathPolicyConfig{Path: path}
	if route.DefaultCache {
		pol.Cache = config.CachePolicy{
			Enabled:     true,
			Version:     1,
			KeyStrategy: config.KeyPathOnly,
		}
	}
	if route.DefaultRateLimit {
		pol.RateLimit = config.RateLimitPolicy{
			Enabled:       true,
			Limit:         100,
			WindowSeconds: 60,
		}
	}
	return pol
}

// Provider hands out the current snapshot, recompiling from the config
// source at most once per TTL. Staleness is bounded, not zero: a config
// change becomes visible on the next refresh.
type Provider struct {
	source func() *config.Config
	ttl    time.Duration

	mu      sync.Mutex
	current *Snapshot
	expires time.Time
}

// NewProvider creates a provider over a config source. The source is
// called outside the lock-free fast path only when the TTL elapses.
func NewProvider(source func() *config.Config, ttl time.Duration) *Provider {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &Provider{source: source, ttl: ttl}
}

// Get returns the current snapshot, recompiling if the cached one
// expired.
func (p *Provider) Get() *Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current != nil && time.Now().Before(p.expires) {
		return p.current
	}
	p.current = Compile(p.source())
	p.expires = time.Now().Add(p.ttl)
	return p.current
}

// Invalidate drops the cached snapshot so the next Get recompiles.
// Called by the config watcher on reload.
func (p *Provider) Invalidate() {
	p.mu.Lock()
	p.expires = time.Time{}
	p.mu.Unlock()
}
