package dashboard

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/edgegate/internal/analytics"
	"github.com/wudi/edgegate/internal/errors"
	"github.com/wudi/edgegate/internal/logging"
)

// Handler exposes the query engine over HTTP. All responses are JSON
// envelopes carrying a unix-millisecond timestamp so clients can bust
// their own caches.
type Handler struct {
	engine *Engine
	logger *zap.Logger
}

// NewHandler wraps an engine for HTTP serving.
func NewHandler(engine *Engine) *Handler {
	return &Handler{
		engine: engine,
		logger: logging.Global().Named("dashboard"),
	}
}

// Register mounts the dashboard routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/dashboard/overview", h.handleOverview)
	mux.HandleFunc("/api/dashboard/timeseries", h.handleTimeSeries)
	mux.HandleFunc("/api/dashboard/top-paths", h.handleTopPaths)
	mux.HandleFunc("/api/dashboard/realtime", h.handleRealtime)
	mux.HandleFunc("/api/dashboard/alerts", h.handleAlerts)
}

type envelope struct {
	Timestamp int64 `json:"timestamp"`
	Data      any   `json:"data"`
}

func (h *Handler) writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(envelope{
		Timestamp: time.Now().UnixMilli(),
		Data:      data,
	}); err != nil {
		h.logger.Warn("response encode failed", zap.Error(err))
	}
}

func (h *Handler) handleOverview(w http.ResponseWriter, r *http.Request) {
	ov, err := h.engine.Overview(r.Context())
	if err != nil {
		h.logger.Error("overview query failed", zap.Error(err))
		errors.ErrServiceUnavailable.WriteJSON(w)
		return
	}
	h.writeJSON(w, ov)
}

func (h *Handler) handleTimeSeries(w http.ResponseWriter, r *http.Request) {
	rng := r.URL.Query().Get("range")
	if rng == "" {
		rng = RangeDay
	}
	metric := r.URL.Query().Get("metric")
	if metric == "" {
		metric = MetricRequests
	}

	points, err := h.engine.TimeSeries(r.Context(), rng, metric)
	if err != nil {
		errors.ErrBadRequest.WithDetails(err.Error()).WriteJSON(w)
		return
	}
	h.writeJSON(w, points)
}

func (h *Handler) handleTopPaths(w http.ResponseWriter, r *http.Request) {
	top, err := h.engine.TopPaths(r.Context())
	if err != nil {
		h.logger.Error("top paths query failed", zap.Error(err))
		errors.ErrServiceUnavailable.WriteJSON(w)
		return
	}
	if top == nil {
		top = []analytics.PathTotals{}
	}
	h.writeJSON(w, top)
}

func (h *Handler) handleRealtime(w http.ResponseWriter, r *http.Request) {
	activity, err := h.engine.Realtime(r.Context())
	if err != nil {
		h.logger.Error("realtime query failed", zap.Error(err))
		errors.ErrServiceUnavailable.WriteJSON(w)
		return
	}
	if activity == nil {
		activity = []EdgeActivity{}
	}
	h.writeJSON(w, activity)
}

func (h *Handler) handleAlerts(w http.ResponseWriter, _ *http.Request) {
	alerts := h.engine.Alerts()
	if alerts == nil {
		alerts = []Alert{}
	}
	h.writeJSON(w, alerts)
}
