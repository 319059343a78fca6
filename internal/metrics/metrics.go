// Package metrics tracks gateway counters and exports them in the
// Prometheus text exposition format without pulling in a client library.
package metrics

import (
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Collector tracks request, policy, and pipeline metrics.
type Collector struct {
	mu sync.RWMutex

	// Request metrics, key: route|method|status
	requestsTotal    map[string]int64
	requestDurations map[string]*HistogramData // key: route

	// Policy decisions, key: route
	cacheHits   map[string]int64
	cacheMisses map[string]int64
	rateBlocked map[string]int64
	geoBlocked  map[string]int64

	// Event pipeline counters.
	eventsEmitted   int64
	eventsDropped   int64
	consumerBatches int64
	consumerEvents  int64
}

// HistogramData stores histogram-like data for durations
type HistogramData struct {
	Count   int64
	Sum     float64
	Buckets map[float64]int64 // upper bound -> count
}

// DefaultBuckets are default histogram buckets in seconds
var DefaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0}

// NewCollector creates a new metrics collector
func NewCollector() *Collector {
	return &Collector{
		requestsTotal:    make(map[string]int64),
		requestDurations: make(map[string]*HistogramData),
		cacheHits:        make(map[string]int64),
		cacheMisses:      make(map[string]int64),
		rateBlocked:      make(map[string]int64),
		geoBlocked:       make(map[string]int64),
	}
}

// RecordRequest records a completed request
func (c *Collector) RecordRequest(route, method string, statusCode int, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := route + "|" + method + "|" + strconv.Itoa(statusCode)
	c.requestsTotal[key]++

	hd, ok := c.requestDurations[route]
	if !ok {
		hd = &HistogramData{
			Buckets: make(map[float64]int64),
		}
		for _, b := range DefaultBuckets {
			hd.Buckets[b] = 0
		}
		c.requestDurations[route] = hd
	}

	secs := duration.Seconds()
	hd.Count++
	hd.Sum += secs
	for _, bound := range DefaultBuckets {
		if secs <= bound {
			hd.Buckets[bound]++
		}
	}
}

// RecordCacheHit records a cache hit
func (c *Collector) RecordCacheHit(route string) {
	c.mu.Lock()
	c.cacheHits[route]++
	c.mu.Unlock()
}

// RecordCacheMiss records a cache miss
func (c *Collector) RecordCacheMiss(route string) {
	c.mu.Lock()
	c.cacheMisses[route]++
	c.mu.Unlock()
}

// RecordRateLimited records a request rejected by the rate limiter.
func (c *Collector) RecordRateLimited(route string) {
	c.mu.Lock()
	c.rateBlocked[route]++
	c.mu.Unlock()
}

// RecordGeoBlocked records a request rejected by geo access control.
func (c *Collector) RecordGeoBlocked(route string) {
	c.mu.Lock()
	c.geoBlocked[route]++
	c.mu.Unlock()
}

// SetPipelineCounters updates the event pipeline gauges from the emitter
// and consumer counters.
func (c *Collector) SetPipelineCounters(emitted, dropped, batches, processed int64) {
	c.mu.Lock()
	c.eventsEmitted = emitted
	c.eventsDropped = dropped
	c.consumerBatches = batches
	c.consumerEvents = processed
	c.mu.Unlock()
}

// MetricsSnapshot holds a snapshot of all metrics
type MetricsSnapshot struct {
	RequestsTotal    map[string]int64              `json:"requests_total"`
	RequestDurations map[string]*HistogramSnapshot `json:"request_durations"`
	CacheHits        map[string]int64              `json:"cache_hits"`
	CacheMisses      map[string]int64              `json:"cache_misses"`
	RateLimited      map[string]int64              `json:"rate_limited"`
	GeoBlocked       map[string]int64              `json:"geo_blocked"`
	EventsEmitted    int64                         `json:"events_emitted"`
	EventsDropped    int64                         `json:"events_dropped"`
	ConsumerBatches  int64                         `json:"consumer_batches"`
	ConsumerEvents   int64                         `json:"consumer_events"`
}

// HistogramSnapshot is a snapshot of histogram data
type HistogramSnapshot struct {
	Count   int64             `json:"count"`
	Sum     float64           `json:"sum"`
	Buckets map[float64]int64 `json:"buckets"`
}

// Snapshot returns a point-in-time snapshot of all metrics
func (c *Collector) Snapshot() *MetricsSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := &MetricsSnapshot{
		RequestsTotal:    make(map[string]int64),
		RequestDurations: make(map[string]*HistogramSnapshot),
		CacheHits:        make(map[string]int64),
		CacheMisses:      make(map[string]int64),
		RateLimited:      make(map[string]int64),
		GeoBlocked:       make(map[string]int64),
		EventsEmitted:    c.eventsEmitted,
		EventsDropped:    c.eventsDropped,
		ConsumerBatches:  c.consumerBatches,
		ConsumerEvents:   c.consumerEvents,
	}

	for k, v := range c.requestsTotal {
		snap.RequestsTotal[k] = v
	}

	for k, v := range c.requestDurations {
		hs := &HistogramSnapshot{
			Count:   v.Count,
			Sum:     v.Sum,
			Buckets: make(map[float64]int64),
		}
		for b, cnt := range v.Buckets {
			hs.Buckets[b] = cnt
		}
		snap.RequestDurations[k] = hs
	}

	for k, v := range c.cacheHits {
		snap.CacheHits[k] = v
	}
	for k, v := range c.cacheMisses {
		snap.CacheMisses[k] = v
	}
	for k, v := range c.rateBlocked {
		snap.RateLimited[k] = v
	}
	for k, v := range c.geoBlocked {
		snap.GeoBlocked[k] = v
	}

	return snap
}

// WritePrometheus writes metrics in Prometheus text exposition format
func (c *Collector) WritePrometheus(w http.ResponseWriter) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	// edgegate_requests_total
	writeHelp(w, "edgegate_requests_total", "Total number of requests", "counter")
	for _, key := range sortedKeys(c.requestsTotal) {
		parts := splitKey(key, 3)
		if len(parts) == 3 {
			writeMetric(w, "edgegate_requests_total", c.requestsTotal[key],
				"route", parts[0], "method", parts[1], "status", parts[2])
		}
	}

	// edgegate_request_duration_seconds
	writeHelp(w, "edgegate_request_duration_seconds", "Request duration in seconds", "histogram")
	for route, hd := range c.requestDurations {
		for _, bound := range DefaultBuckets {
			cnt := hd.Buckets[bound]
			writeMetricFloat(w, "edgegate_request_duration_seconds_bucket", float64(cnt),
				"route", route, "le", strconv.FormatFloat(bound, 'f', -1, 64))
		}
		writeMetricFloat(w, "edgegate_request_duration_seconds_bucket", float64(hd.Count),
			"route", route, "le", "+Inf")
		writeMetricFloat(w, "edgegate_request_duration_seconds_sum", hd.Sum,
			"route", route)
		writeMetric(w, "edgegate_request_duration_seconds_count", hd.Count,
			"route", route)
	}

	// edgegate_cache_hits_total
	writeHelp(w, "edgegate_cache_hits_total", "Total cache hits", "counter")
	for _, route := range sortedKeys(c.cacheHits) {
		writeMetric(w, "edgegate_cache_hits_total", c.cacheHits[route], "route", route)
	}

	// edgegate_cache_misses_total
	writeHelp(w, "edgegate_cache_misses_total", "Total cache misses", "counter")
	for _, route := range sortedKeys(c.cacheMisses) {
		writeMetric(w, "edgegate_cache_misses_total", c.cacheMisses[route], "route", route)
	}

	// edgegate_rate_limited_total
	writeHelp(w, "edgegate_rate_limited_total", "Requests rejected by the rate limiter", "counter")
	for _, route := range sortedKeys(c.rateBlocked) {
		writeMetric(w, "edgegate_rate_limited_total", c.rateBlocked[route], "route", route)
	}

	// edgegate_geo_blocked_total
	writeHelp(w, "edgegate_geo_blocked_total", "Requests rejected by geo access control", "counter")
	for _, route := range sortedKeys(c.geoBlocked) {
		writeMetric(w, "edgegate_geo_blocked_total", c.geoBlocked[route], "route", route)
	}

	// Event pipeline counters.
	writeHelp(w, "edgegate_events_emitted_total", "Traffic events published to the queue", "counter")
	writeMetric(w, "edgegate_events_emitted_total", c.eventsEmitted)
	writeHelp(w, "edgegate_events_dropped_total", "Traffic events dropped before publish", "counter")
	writeMetric(w, "edgegate_events_dropped_total", c.eventsDropped)
	writeHelp(w, "edgegate_consumer_batches_total", "Aggregation batches processed", "counter")
	writeMetric(w, "edgegate_consumer_batches_total", c.consumerBatches)
	writeHelp(w, "edgegate_consumer_events_total", "Events folded into rollups", "counter")
	writeMetric(w, "edgegate_consumer_events_total", c.consumerEvents)
}

// Handler returns an http.Handler that serves the text exposition.
func (c *Collector) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		c.WritePrometheus(w)
	})
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func writeHelp(w http.ResponseWriter, name, help, metricType string) {
	w.Write([]byte("# HELP " + name + " " + help + "\n"))
	w.Write([]byte("# TYPE " + name + " " + metricType + "\n"))
}

func writeMetric(w http.ResponseWriter, name string, value int64, labels ...string) {
	line := name + formatLabels(labels) + " " + strconv.FormatInt(value, 10) + "\n"
	w.Write([]byte(line))
}

func writeMetricFloat(w http.ResponseWriter, name string, value float64, labels ...string) {
	line := name + formatLabels(labels) + " " + strconv.FormatFloat(value, 'f', -1, 64) + "\n"
	w.Write([]byte(line))
}

func formatLabels(labels []string) string {
	if len(labels) == 0 {
		return ""
	}
	result := "{"
	for i := 0; i < len(labels)-1; i += 2 {
		if i > 0 {
			result += ","
		}
		result += labels[i] + "=\"" + labels[i+1] + "\""
	}
	return result + "}"
}

func splitKey(key string, n int) []string {
	parts := make([]string, 0, n)
	start := 0
	for i := 0; i < len(key); i++ {
		if key[i] == '|' {
			parts = append(parts, key[start:i])
			start = i + 1
			if len(parts) == n-1 {
				parts = append(parts, key[start:])
				return parts
			}
		}
	}
	if start < len(key) {
		parts = append(parts, key[start:])
	}
	return parts
}
