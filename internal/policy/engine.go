package policy

import (
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/edgegate/internal/cache"
	"github.com/wudi/edgegate/internal/errors"
	"github.com/wudi/edgegate/internal/events"
	"github.com/wudi/edgegate/internal/geo"
	"github.com/wudi/edgegate/internal/logging"
	"github.com/wudi/edgegate/internal/metrics"
	"github.com/wudi/edgegate/internal/proxy"
	"github.com/wudi/edgegate/internal/ratelimit"
	"github.com/wudi/edgegate/internal/realip"
)

// Engine runs the per-request decision chain: route match, geo check,
// rate check, cache lookup, forward. Every request ends with exactly one
// traffic event, whatever the outcome.
type Engine struct {
	provider  *Provider
	cache     *cache.Adapter
	limiter   *ratelimit.Limiter
	country   geo.Provider
	realip    *realip.Extractor
	forwarder *proxy.Forwarder
	emitter   *events.Emitter
	overrides *Overrides
	collector *metrics.Collector
	logger    *zap.Logger
}

// EngineDeps carries the engine's collaborators.
type EngineDeps struct {
	Provider  *Provider
	Cache     *cache.Adapter
	Limiter   *ratelimit.Limiter
	Country   geo.Provider
	RealIP    *realip.Extractor
	Forwarder *proxy.Forwarder
	Emitter   *events.Emitter
	Overrides *Overrides
	Collector *metrics.Collector
}

// NewEngine assembles the request engine. Country and Collector may be
// nil; the corresponding steps degrade to no-ops.
func NewEngine(deps EngineDeps) *Engine {
	if deps.Country == nil {
		deps.Country = geo.NoopProvider{}
	}
	if deps.Overrides == nil {
		deps.Overrides = NewOverrides()
	}
	return &Engine{
		provider:  deps.Provider,
		cache:     deps.Cache,
		limiter:   deps.Limiter,
		country:   deps.Country,
		realip:    deps.RealIP,
		forwarder: deps.Forwarder,
		emitter:   deps.Emitter,
		overrides: deps.Overrides,
		collector: deps.Collector,
		logger:    logging.Global().Named("engine"),
	}
}

// Overrides returns the engine's override registry, for wiring the
// monitor's auto-enable action and the admin surface.
func (e *Engine) Overrides() *Overrides {
	return e.overrides
}

func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	snap := e.provider.Get()
	path := r.URL.Path

	ev := &events.TrafficEvent{
		Path:         path,
		CacheOutcome: events.OutcomeBypass,
	}
	routeID := "unmatched"
	defer func() {
		ev.LatencyMs = float64(time.Since(start).Microseconds()) / 1000
		if e.emitter != nil {
			e.emitter.Emit(ev)
		}
		if e.collector != nil {
			e.collector.RecordRequest(routeID, r.Method, ev.StatusCode, time.Since(start))
		}
	}()

	route := snap.Routes.Match(path)
	if route == nil {
		ev.StatusCode = http.StatusNotFound
		errors.ErrNotFound.WriteJSON(w)
		return
	}
	routeID = route.ID

	ip := ""
	if e.realip != nil {
		ip = e.realip.Extract(r)
	}
	ev.IP = ip

	// Country attribution feeds analytics on every request, not just
	// geo-checked ones.
	country, err := e.country.Lookup(ip)
	if err != nil {
		e.logger.Debug("country lookup failed",
			zap.String("ip", ip), zap.Error(err))
	}
	ev.Country = country

	if snap.Geo.Enabled() && (route.DefaultGeoBlock || snap.Geo.HasOverride(path)) {
		decision := snap.Geo.Evaluate(country, path)
		if !decision.Allowed {
			ev.StatusCode = http.StatusForbidden
			ev.BlockedGeo = true
			if e.collector != nil {
				e.collector.RecordGeoBlocked(routeID)
			}
			errors.ErrForbidden.WithDetails(decision.Reason).WriteJSON(w)
			return
		}
	}

	pol := snap.PolicyFor(route, path)

	if pol.RateLimit.Enabled {
		res := e.limiter.CheckAndIncrement(r.Context(), ip, path,
			pol.RateLimit.Limit, pol.RateLimit.WindowSeconds)
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
		if !res.Allowed {
			retryAfter := int(time.Until(res.ResetAt).Seconds()) + 1
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			ev.StatusCode = http.StatusTooManyRequests
			ev.BlockedRate = true
			if e.collector != nil {
				e.collector.RecordRateLimited(routeID)
			}
			errors.ErrTooManyRequests.WriteJSON(w)
			return
		}
	}

	cacheOn := e.cache != nil && r.Method == http.MethodGet &&
		(pol.Cache.Enabled || e.overrides.CacheEnabled(path))
	var cacheKey string
	if cacheOn {
		cacheKey = cache.BuildKey(r, pol.Cache)
		if entry, ok := e.cache.Get(r.Context(), path, cacheKey, pol.Cache.Version); ok {
			cache.WriteCachedResponse(w, entry)
			ev.StatusCode = entry.StatusCode
			ev.CacheOutcome = events.OutcomeHit
			ev.ResponseBytes = int64(len(entry.Body))
			if e.collector != nil {
				e.collector.RecordCacheHit(routeID)
			}
			return
		}
		ev.CacheOutcome = events.OutcomeMiss
		if e.collector != nil {
			e.collector.RecordCacheMiss(routeID)
		}
	}

	stripPrefix := ""
	if route.StripPrefix {
		stripPrefix = route.LiteralPrefix()
	}

	var out http.ResponseWriter = w
	var capture *cache.CaptureWriter
	if cacheOn {
		capture = cache.NewCaptureWriter(w, pol.Cache.MaxBody())
		out = capture
	}

	status, err := e.forwarder.Forward(out, r, route.Target, stripPrefix)
	if err != nil {
		gwErr, ok := errors.IsGatewayError(err)
		if !ok {
			gwErr = errors.ErrBadGateway
		}
		ev.StatusCode = gwErr.Code
		ev.ErrorFlag = true
		gwErr.WriteJSON(w)
		return
	}
	ev.StatusCode = status

	if capture != nil {
		ev.ResponseBytes = capture.BytesWritten()
		// Only successful, cap-sized, storable responses become cache
		// entries; upstream failures pass through uncached.
		if cache.ShouldStore(status, capture.Header(), capture.Overflowed()) {
			entry := &cache.Entry{
				CacheKey:   cacheKey,
				Path:       path,
				StatusCode: status,
				Headers:    capture.Header().Clone(),
				Body:       capture.Body.Bytes(),
				TTLSeconds: int(pol.Cache.TTL().Seconds()),
			}
			if err := e.cache.Put(r.Context(), path, cacheKey, entry, pol.Cache.Version); err != nil {
				e.logger.Debug("cache store failed",
					zap.String("path", path), zap.Error(err))
			}
		}
	}
}
