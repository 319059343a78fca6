package policy

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/wudi/edgegate/internal/cache"
	"github.com/wudi/edgegate/internal/config"
	"github.com/wudi/edgegate/internal/events"
	"github.com/wudi/edgegate/internal/geo"
	"github.com/wudi/edgegate/internal/kv"
	"github.com/wudi/edgegate/internal/proxy"
	"github.com/wudi/edgegate/internal/ratelimit"
	"github.com/wudi/edgegate/internal/realip"
)

type eventSink struct {
	mu     sync.Mutex
	events []*events.TrafficEvent
}

func (s *eventSink) Record(ev *events.TrafficEvent) {
	s.mu.Lock()
	cp := *ev
	s.events = append(s.events, &cp)
	s.mu.Unlock()
}

func (s *eventSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func (s *eventSink) last() *events.TrafficEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) == 0 {
		return nil
	}
	return s.events[len(s.events)-1]
}

type testEnv struct {
	engine   *Engine
	sink     *eventSink
	upstream *httptest.Server
	hits     *int
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()

	hits := 0
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("upstream:" + r.URL.Path))
	}))
	t.Cleanup(upstream.Close)

	cfg := &config.Config{
		Routes: []config.RouteConfig{
			{ID: "api", Pattern: "/api/*", Target: upstream.URL, Priority: 5},
		},
	}
	if mutate != nil {
		mutate(cfg)
	}
	for i := range cfg.Routes {
		if cfg.Routes[i].Target == "" {
			cfg.Routes[i].Target = upstream.URL
		}
	}

	sink := &eventSink{}
	store := kv.NewMemoryStore()
	emitter := events.NewEmitter(events.NewMemoryQueue(1000), sink, "test-edge", 100)
	t.Cleanup(emitter.Close)

	extractor, err := realip.New(nil)
	if err != nil {
		t.Fatal(err)
	}

	engine := NewEngine(EngineDeps{
		Provider:  NewProvider(func() *config.Config { return cfg }, time.Minute),
		Cache:     cache.NewAdapter(store),
		Limiter:   ratelimit.New(store),
		Country:   geo.StaticProvider{"1.2.3.4": "CN", "5.6.7.8": "US"},
		RealIP:    extractor,
		Forwarder: proxy.New(5 * time.Second),
		Emitter:   emitter,
	})
	return &testEnv{engine: engine, sink: sink, upstream: upstream, hits: &hits}
}

func doReq(env *testEnv, method, target, remoteAddr string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(method, target, nil)
	if remoteAddr != "" {
		r.RemoteAddr = remoteAddr
	}
	rec := httptest.NewRecorder()
	env.engine.ServeHTTP(rec, r)
	return rec
}

func TestNoRouteIs404(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := doReq(env, http.MethodGet, "/nope", "9.9.9.9:1234")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
	if env.sink.count() != 1 {
		t.Errorf("events = %d, want exactly 1", env.sink.count())
	}
	if ev := env.sink.last(); ev.StatusCode != 404 {
		t.Errorf("event status = %d", ev.StatusCode)
	}
}

func TestForwardPassesThrough(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := doReq(env, http.MethodGet, "/api/users", "9.9.9.9:1234")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get("X-Upstream") != "yes" {
		t.Error("upstream headers must pass through")
	}
	ev := env.sink.last()
	if ev.CacheOutcome != events.OutcomeBypass {
		t.Errorf("outcome = %s, want bypass when caching disabled", ev.CacheOutcome)
	}
	if ev.EdgeLocation != "test-edge" {
		t.Errorf("edge = %q", ev.EdgeLocation)
	}
}

func TestGeoBlock(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Routes[0].DefaultGeoBlock = true
		cfg.Geo = config.GeoConfig{
			Enabled:   true,
			Mode:      "blacklist",
			Countries: []string{"CN"},
		}
	})

	rec := doReq(env, http.MethodGet, "/api/users", "1.2.3.4:1000")
	if rec.Code != http.StatusForbidden {
		t.Errorf("blacklisted country status = %d, want 403", rec.Code)
	}
	if !env.sink.last().BlockedGeo {
		t.Error("event must carry the geo-block flag")
	}

	rec = doReq(env, http.MethodGet, "/api/users", "5.6.7.8:1000")
	if rec.Code != http.StatusOK {
		t.Errorf("allowed country status = %d, want 200", rec.Code)
	}
	if env.sink.count() != 2 {
		t.Errorf("events = %d, want 2", env.sink.count())
	}
}

func TestGeoSkipsRoutesWithoutOptIn(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Geo = config.GeoConfig{
			Enabled:   true,
			Mode:      "blacklist",
			Countries: []string{"CN"},
		}
	})

	// The route does not opt into the global rule and the path has no
	// override, so a blacklisted country still gets through.
	rec := doReq(env, http.MethodGet, "/api/users", "1.2.3.4:1000")
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 without route opt-in", rec.Code)
	}
	if ev := env.sink.last(); ev.Country != "CN" {
		t.Errorf("event country = %q, attribution must not depend on enforcement", ev.Country)
	}
}

func TestCountryAttributedWithGeoDisabled(t *testing.T) {
	env := newTestEnv(t, nil)

	doReq(env, http.MethodGet, "/api/users", "5.6.7.8:1000")
	if ev := env.sink.last(); ev.Country != "US" {
		t.Errorf("event country = %q, want US with geo checking off", ev.Country)
	}
}

func TestGeoPathOverrideReplacesGlobal(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Geo = config.GeoConfig{
			Enabled:   true,
			Mode:      "blacklist",
			Countries: []string{"CN"},
		}
		cfg.PathPolicies = []config.PathPolicyConfig{{
			Path: "/api/open",
			Geo:  config.GeoPolicy{Enabled: true, Countries: []string{"US"}},
		}}
	})

	// CN is blocked globally but the override replaces the list for this path.
	if rec := doReq(env, http.MethodGet, "/api/open", "1.2.3.4:1"); rec.Code != http.StatusOK {
		t.Errorf("override path for CN = %d, want 200", rec.Code)
	}
	// US is fine globally but blocked by the override.
	if rec := doReq(env, http.MethodGet, "/api/open", "5.6.7.8:1"); rec.Code != http.StatusForbidden {
		t.Errorf("override path for US = %d, want 403", rec.Code)
	}
}

func TestRateLimitBlocksOverLimit(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.PathPolicies = []config.PathPolicyConfig{{
			Path:      "/api/limited",
			RateLimit: config.RateLimitPolicy{Enabled: true, Limit: 3, WindowSeconds: 60},
		}}
	})

	for i := 0; i < 3; i++ {
		rec := doReq(env, http.MethodGet, "/api/limited", "9.9.9.9:1")
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i+1, rec.Code)
		}
	}
	rec := doReq(env, http.MethodGet, "/api/limited", "9.9.9.9:1")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("4th request status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("429 must carry Retry-After")
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("remaining = %q, want 0", rec.Header().Get("X-RateLimit-Remaining"))
	}
	if reset := rec.Header().Get("X-RateLimit-Reset"); reset == "" {
		t.Error("429 must carry X-RateLimit-Reset")
	} else if _, err := strconv.ParseInt(reset, 10, 64); err != nil {
		t.Errorf("reset header not a unix timestamp: %q", reset)
	}
	if !env.sink.last().BlockedRate {
		t.Error("event must carry the rate-block flag")
	}

	// A different IP still gets through.
	if rec := doReq(env, http.MethodGet, "/api/limited", "8.8.8.8:1"); rec.Code != http.StatusOK {
		t.Errorf("other ip status = %d, want 200", rec.Code)
	}
}

func TestCacheMissThenHit(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.PathPolicies = []config.PathPolicyConfig{{
			Path: "/api/cached",
			Cache: config.CachePolicy{
				Enabled:     true,
				Version:     1,
				TTLSeconds:  60,
				KeyStrategy: config.KeyPathOnly,
			},
		}}
	})

	rec := doReq(env, http.MethodGet, "/api/cached", "9.9.9.9:1")
	if rec.Code != http.StatusOK {
		t.Fatalf("miss status = %d", rec.Code)
	}
	if env.sink.last().CacheOutcome != events.OutcomeMiss {
		t.Errorf("first outcome = %s, want miss", env.sink.last().CacheOutcome)
	}

	rec = doReq(env, http.MethodGet, "/api/cached", "9.9.9.9:1")
	if rec.Code != http.StatusOK {
		t.Fatalf("hit status = %d", rec.Code)
	}
	if rec.Header().Get("X-Cache") != "HIT" {
		t.Error("second request must be served from cache")
	}
	if rec.Body.String() != "upstream:/api/cached" {
		t.Errorf("cached body = %q", rec.Body.String())
	}
	if *env.hits != 1 {
		t.Errorf("upstream hits = %d, want 1", *env.hits)
	}
	if env.sink.last().CacheOutcome != events.OutcomeHit {
		t.Errorf("second outcome = %s, want hit", env.sink.last().CacheOutcome)
	}
}

func TestNonGETBypassesCache(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.PathPolicies = []config.PathPolicyConfig{{
			Path:  "/api/cached",
			Cache: config.CachePolicy{Enabled: true, Version: 1, TTLSeconds: 60},
		}}
	})

	doReq(env, http.MethodPost, "/api/cached", "9.9.9.9:1")
	doReq(env, http.MethodPost, "/api/cached", "9.9.9.9:1")
	if *env.hits != 2 {
		t.Errorf("upstream hits = %d, POST must never be cached", *env.hits)
	}
}

func TestOversizedResponseNotCached(t *testing.T) {
	big := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write(make([]byte, 2048))
	}))
	defer big.Close()

	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Routes = []config.RouteConfig{
			{ID: "big", Pattern: "/api/*", Target: big.URL, Priority: 1},
		}
		cfg.PathPolicies = []config.PathPolicyConfig{{
			Path: "/api/blob",
			Cache: config.CachePolicy{
				Enabled:    true,
				Version:    1,
				TTLSeconds: 60,
				MaxBodyKB:  1,
			},
		}}
	})

	rec := doReq(env, http.MethodGet, "/api/blob", "9.9.9.9:1")
	if rec.Body.Len() != 2048 {
		t.Fatalf("client got %d bytes, the cap must not truncate the response", rec.Body.Len())
	}
	if env.sink.last().ResponseBytes != 2048 {
		t.Errorf("event bytes = %d, want 2048", env.sink.last().ResponseBytes)
	}

	rec = doReq(env, http.MethodGet, "/api/blob", "9.9.9.9:1")
	if rec.Header().Get("X-Cache") == "HIT" {
		t.Error("oversized response must never be served from cache")
	}
}

func TestNoStoreResponseNotCached(t *testing.T) {
	calls := 0
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("private"))
	}))
	defer upstream.Close()

	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Routes = []config.RouteConfig{
			{ID: "ns", Pattern: "/api/*", Target: upstream.URL, Priority: 1},
		}
		cfg.PathPolicies = []config.PathPolicyConfig{{
			Path:  "/api/private",
			Cache: config.CachePolicy{Enabled: true, Version: 1, TTLSeconds: 60},
		}}
	})

	doReq(env, http.MethodGet, "/api/private", "9.9.9.9:1")
	doReq(env, http.MethodGet, "/api/private", "9.9.9.9:1")
	if calls != 2 {
		t.Errorf("upstream calls = %d, no-store must bypass the cache", calls)
	}
}

func TestUpstreamErrorNotCached(t *testing.T) {
	failures := 0
	flaky := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		failures++
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))
	defer flaky.Close()

	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Routes = []config.RouteConfig{
			{ID: "flaky", Pattern: "/api/*", Target: flaky.URL, Priority: 1},
		}
		cfg.PathPolicies = []config.PathPolicyConfig{{
			Path:  "/api/broken",
			Cache: config.CachePolicy{Enabled: true, Version: 1, TTLSeconds: 60},
		}}
	})

	rec := doReq(env, http.MethodGet, "/api/broken", "9.9.9.9:1")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, upstream status must pass through", rec.Code)
	}
	if !env.sink.last().IsError() {
		t.Error("5xx passthrough must count as an error event")
	}

	doReq(env, http.MethodGet, "/api/broken", "9.9.9.9:1")
	if failures != 2 {
		t.Errorf("upstream calls = %d, 5xx must never be served from cache", failures)
	}
}

func TestUnreachableUpstreamIs502(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Routes = []config.RouteConfig{
			{ID: "dead", Pattern: "/api/*", Target: "http://127.0.0.1:1", Priority: 1},
		}
	})

	rec := doReq(env, http.MethodGet, "/api/x", "9.9.9.9:1")
	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rec.Code)
	}
	ev := env.sink.last()
	if !ev.ErrorFlag {
		t.Error("transport failure must set the error flag")
	}
	if env.sink.count() != 1 {
		t.Errorf("events = %d, want exactly 1", env.sink.count())
	}
}

func TestOverrideEnablesCaching(t *testing.T) {
	env := newTestEnv(t, nil)

	doReq(env, http.MethodGet, "/api/hot", "9.9.9.9:1")
	doReq(env, http.MethodGet, "/api/hot", "9.9.9.9:1")
	if *env.hits != 2 {
		t.Fatalf("upstream hits = %d before override, want 2", *env.hits)
	}

	// The monitor's auto-enable action lands here.
	env.engine.Overrides().EnableCache("/api/hot")

	doReq(env, http.MethodGet, "/api/hot", "9.9.9.9:1") // miss, fills cache
	doReq(env, http.MethodGet, "/api/hot", "9.9.9.9:1") // hit
	if *env.hits != 3 {
		t.Errorf("upstream hits = %d after override, want 3", *env.hits)
	}
}

func TestRouteDefaultsApply(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Routes[0].DefaultCache = true
	})

	doReq(env, http.MethodGet, "/api/d", "9.9.9.9:1")
	doReq(env, http.MethodGet, "/api/d", "9.9.9.9:1")
	if *env.hits != 1 {
		t.Errorf("upstream hits = %d, route default must enable caching", *env.hits)
	}
}

func TestStripPrefixForwarding(t *testing.T) {
	var seenPath string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Routes = []config.RouteConfig{
			{ID: "svc", Pattern: "/svc/*", Target: upstream.URL, StripPrefix: true, Priority: 1},
		}
	})

	doReq(env, http.MethodGet, "/svc/inner/path", "9.9.9.9:1")
	if seenPath != "/inner/path" {
		t.Errorf("upstream saw %q, want /inner/path", seenPath)
	}
}

func TestSnapshotProviderTTL(t *testing.T) {
	calls := 0
	cfg := &config.Config{Routes: []config.RouteConfig{
		{ID: "r", Pattern: "/a", Target: "http://localhost:1", Priority: 1},
	}}
	p := NewProvider(func() *config.Config { calls++; return cfg }, time.Hour)

	first := p.Get()
	second := p.Get()
	if first != second {
		t.Error("snapshot must be reused within TTL")
	}
	if calls != 1 {
		t.Errorf("source called %d times, want 1", calls)
	}

	p.Invalidate()
	third := p.Get()
	if third == first {
		t.Error("invalidate must force a recompile")
	}
	if calls != 2 {
		t.Errorf("source called %d times after invalidate, want 2", calls)
	}
}
