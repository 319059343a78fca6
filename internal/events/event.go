package events

import "time"

// Cache outcomes recorded on events.
const (
	OutcomeHit    = "hit"
	OutcomeMiss   = "miss"
	OutcomeBypass = "bypass"
)

// TrafficEvent is the compact per-request record handed to the analytics
// pipeline. Immutable once emitted; ownership transfers to the queue and
// then to the aggregation consumer.
type TrafficEvent struct {
	Token        string    `json:"token"` // idempotency token for dedup under at-least-once delivery
	Timestamp    time.Time `json:"timestamp"`
	Path         string    `json:"path"`
	IP           string    `json:"ip"`
	Country      string    `json:"country"`
	EdgeLocation string    `json:"edge_location"`
	StatusCode   int       `json:"status_code"`
	LatencyMs    float64   `json:"latency_ms"`
	CacheOutcome string    `json:"cache_outcome"`
	ErrorFlag    bool      `json:"error"`

	ResponseBytes int64 `json:"response_bytes"`
	BlockedGeo    bool  `json:"blocked_geo,omitempty"`
	BlockedRate   bool  `json:"blocked_rate,omitempty"`
}

// IsError reports whether the event counts toward error totals.
func (e *TrafficEvent) IsError() bool {
	return e.ErrorFlag || e.StatusCode >= 500
}
