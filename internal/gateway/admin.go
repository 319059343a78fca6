package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/edgegate/internal/analytics"
	"github.com/wudi/edgegate/internal/dashboard"
	"github.com/wudi/edgegate/internal/errors"
)

// adminHandler builds the ops mux: health, metrics, dashboard queries,
// and cache/rate-limit maintenance actions.
func (s *Server) adminHandler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", s.collector.Handler())

	dashboard.NewHandler(s.dashboardEngine()).Register(mux)

	mux.HandleFunc("/admin/cache/invalidate", s.handleCacheInvalidate)
	mux.HandleFunc("/admin/cache/bump-version", s.handleCacheBumpVersion)
	mux.HandleFunc("/admin/cache/stats", s.handleCacheStats)
	mux.HandleFunc("/admin/ratelimit/reset", s.handleRateLimitReset)
	mux.HandleFunc("/admin/ratelimit/status", s.handleRateLimitStatus)

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	type health struct {
		Status    string `json:"status"`
		UptimeSec int64  `json:"uptime_seconds"`
		Consumer  any    `json:"consumer,omitempty"`
	}
	h := health{Status: "ok", UptimeSec: int64(time.Since(s.startTime).Seconds())}

	if raw, ok, err := s.store.Get(r.Context(), analytics.KeyHeartbeat); err == nil && ok {
		var hb analytics.Heartbeat
		if json.Unmarshal(raw, &hb) == nil {
			h.Consumer = hb
		}
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) handleCacheInvalidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		errors.ErrBadRequest.WithDetails("POST required").WriteJSON(w)
		return
	}
	path := r.URL.Query().Get("path")
	pattern := r.URL.Query().Get("pattern")
	key := r.URL.Query().Get("key")

	switch {
	case pattern != "":
		n, err := s.cacheAdp.InvalidateByPattern(r.Context(), pattern)
		if err != nil {
			errors.ErrServiceUnavailable.WriteJSON(w)
			return
		}
		s.logger.Info("cache invalidated by pattern",
			zap.String("pattern", pattern), zap.Int("entries", n))
		writeJSON(w, http.StatusOK, map[string]any{"invalidated": n})
	case path != "" && key != "":
		if err := s.cacheAdp.Invalidate(r.Context(), path, key); err != nil {
			errors.ErrServiceUnavailable.WriteJSON(w)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"invalidated": 1})
	default:
		errors.ErrBadRequest.WithDetails("pattern or path+key required").WriteJSON(w)
	}
}

func (s *Server) handleCacheBumpVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		errors.ErrBadRequest.WithDetails("POST required").WriteJSON(w)
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		errors.ErrBadRequest.WithDetails("path required").WriteJSON(w)
		return
	}

	policyVersion := s.policyVersionFor(path)
	next, err := s.cacheAdp.BumpVersion(r.Context(), path, policyVersion)
	if err != nil {
		errors.ErrServiceUnavailable.WriteJSON(w)
		return
	}
	s.logger.Info("cache version bumped",
		zap.String("path", path), zap.Int64("version", next))
	writeJSON(w, http.StatusOK, map[string]any{"path": path, "version": next})
}

// policyVersionFor digs the configured cache version out of the current
// config so a bump lands above it.
func (s *Server) policyVersionFor(path string) int64 {
	for _, p := range s.currentConfig().PathPolicies {
		if p.Path == path {
			return p.Cache.Version
		}
	}
	return 1
}

func (s *Server) handleCacheStats(w http.ResponseWriter, _ *http.Request) {
	stats := s.cacheAdp.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"hits":             stats.Hits,
		"misses":           stats.Misses,
		"evictions":        stats.Evictions,
		"override_enabled": s.engine.Overrides().CacheEnabledPaths(),
	})
}

func (s *Server) handleRateLimitReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		errors.ErrBadRequest.WithDetails("POST required").WriteJSON(w)
		return
	}
	ip := r.URL.Query().Get("ip")
	if ip == "" {
		errors.ErrBadRequest.WithDetails("ip required").WriteJSON(w)
		return
	}
	n, err := s.limiter.Reset(r.Context(), ip)
	if err != nil {
		errors.ErrServiceUnavailable.WriteJSON(w)
		return
	}
	s.logger.Info("rate limit windows reset",
		zap.String("ip", ip), zap.Int("windows", n))
	writeJSON(w, http.StatusOK, map[string]any{"ip": ip, "reset": n})
}

func (s *Server) handleRateLimitStatus(w http.ResponseWriter, r *http.Request) {
	ip := r.URL.Query().Get("ip")
	if ip == "" {
		errors.ErrBadRequest.WithDetails("ip required").WriteJSON(w)
		return
	}
	windows, err := s.limiter.Windows(r.Context(), ip)
	if err != nil {
		errors.ErrServiceUnavailable.WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ip": ip, "windows": windows})
}
