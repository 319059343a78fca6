// Package dashboard serves read-only aggregate queries over the rollup
// store and the kv hot keys. All queries tolerate concurrent writers;
// results are eventually consistent and memoized for a few seconds.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	expirable "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/wudi/edgegate/internal/analytics"
	"github.com/wudi/edgegate/internal/analytics/digest"
	"github.com/wudi/edgegate/internal/events"
	"github.com/wudi/edgegate/internal/kv"
	"github.com/wudi/edgegate/internal/monitor"
)

// Options tunes the query engine.
type Options struct {
	TopN             int
	RealtimeLookback time.Duration
	MemoTTL          time.Duration
}

func (o Options) withDefaults() Options {
	if o.TopN <= 0 {
		o.TopN = 10
	}
	if o.RealtimeLookback <= 0 {
		o.RealtimeLookback = 5 * time.Minute
	}
	if o.MemoTTL <= 0 {
		o.MemoTTL = 5 * time.Second
	}
	return o
}

// Engine answers dashboard queries.
type Engine struct {
	store analytics.RollupStore
	kv    kv.Store
	mon   *monitor.Monitor
	opts  Options
	memo  *expirable.LRU[string, any]
	now   func() time.Time
}

// NewEngine builds a query engine. The monitor may be nil, in which case
// Alerts always reports none.
func NewEngine(store analytics.RollupStore, kvStore kv.Store, mon *monitor.Monitor, opts Options) *Engine {
	opts = opts.withDefaults()
	return &Engine{
		store: store,
		kv:    kvStore,
		mon:   mon,
		opts:  opts,
		memo:  expirable.NewLRU[string, any](64, nil, opts.MemoTTL),
		now:   time.Now,
	}
}

// PeriodTotals aggregates one time window.
type PeriodTotals struct {
	Requests     int64   `json:"requests"`
	Errors       int64   `json:"errors"`
	CacheHits    int64   `json:"cache_hits"`
	CacheMisses  int64   `json:"cache_misses"`
	CacheHitRate float64 `json:"cache_hit_rate"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	P95LatencyMs float64 `json:"p95_latency_ms"`
	UniqueIPs    uint64  `json:"unique_ips"`
}

// Overview compares the last 24 hours against the 24 hours before that.
type Overview struct {
	Current  PeriodTotals `json:"current"`
	Previous PeriodTotals `json:"previous"`
	Trend    Trend        `json:"trend"`
}

// Trend holds percentage deltas between the two overview periods. A
// zero previous value with a non-zero current reports +100.
type Trend struct {
	RequestsPct     float64 `json:"requests_pct"`
	ErrorsPct       float64 `json:"errors_pct"`
	CacheHitRatePct float64 `json:"cache_hit_rate_pct"`
}

// Overview returns request, error, cache, and latency totals for the
// last 24 hours with a trend against the prior 24 hours.
func (e *Engine) Overview(ctx context.Context) (*Overview, error) {
	if v, ok := e.memo.Get("overview"); ok {
		return v.(*Overview), nil
	}

	now := e.now().UTC()
	current, err := e.periodTotals(ctx, now.Add(-24*time.Hour), now)
	if err != nil {
		return nil, err
	}
	previous, err := e.periodTotals(ctx, now.Add(-48*time.Hour), now.Add(-24*time.Hour))
	if err != nil {
		return nil, err
	}

	out := &Overview{
		Current:  current,
		Previous: previous,
		Trend: Trend{
			RequestsPct:     pctChange(float64(previous.Requests), float64(current.Requests)),
			ErrorsPct:       pctChange(float64(previous.Errors), float64(current.Errors)),
			CacheHitRatePct: pctChange(previous.CacheHitRate, current.CacheHitRate),
		},
	}
	e.memo.Add("overview", out)
	return out, nil
}

func (e *Engine) periodTotals(ctx context.Context, from, to time.Time) (PeriodTotals, error) {
	rows, err := e.store.QueryRange(ctx, from, to)
	if err != nil {
		return PeriodTotals{}, err
	}

	var t PeriodTotals
	lat := digest.New(0)
	uniques := digest.NewUniqueSketch(0)
	for _, row := range rows {
		t.Requests += row.RequestCount
		t.Errors += row.ErrorCount
		t.CacheHits += row.CacheHits
		t.CacheMisses += row.CacheMisses

		d, err := digest.FromBytes(row.LatencyDigest)
		if err == nil {
			lat.Merge(d)
		}
		sk, err := digest.SketchFromBytes(row.UniqueIPSketch)
		if err == nil {
			uniques.Merge(sk)
		}
	}
	if lookups := t.CacheHits + t.CacheMisses; lookups > 0 {
		t.CacheHitRate = float64(t.CacheHits) / float64(lookups)
	}
	t.AvgLatencyMs = lat.Mean()
	t.P95LatencyMs = lat.Quantile(0.95)
	t.UniqueIPs = uniques.Estimate()
	return t, nil
}

func pctChange(prev, cur float64) float64 {
	if prev == 0 {
		if cur == 0 {
			return 0
		}
		return 100
	}
	return (cur - prev) / prev * 100
}

// Series metrics and ranges accepted by TimeSeries.
const (
	MetricRequests = "requests"
	MetricCacheHit = "cache_hit"
	MetricErrors   = "errors"

	RangeDay  = "24h"
	RangeWeek = "7d"
)

// Point is one time-series bucket.
type Point struct {
	Time  time.Time `json:"time"`
	Value int64     `json:"value"`
}

// TimeSeries returns one point per hour over 24h or one per day over 7d
// for the chosen metric. Buckets with no traffic appear as zeros.
func (e *Engine) TimeSeries(ctx context.Context, rng, metric string) ([]Point, error) {
	switch metric {
	case MetricRequests, MetricCacheHit, MetricErrors:
	default:
		return nil, fmt.Errorf("dashboard: unknown metric %q", metric)
	}
	var span, step time.Duration
	switch rng {
	case RangeDay:
		span, step = 24*time.Hour, time.Hour
	case RangeWeek:
		span, step = 7*24*time.Hour, 24*time.Hour
	default:
		return nil, fmt.Errorf("dashboard: unknown range %q", rng)
	}

	memoKey := "series:" + rng + ":" + metric
	if v, ok := e.memo.Get(memoKey); ok {
		return v.([]Point), nil
	}

	end := e.now().UTC().Truncate(step).Add(step)
	start := end.Add(-span)
	rows, err := e.store.QueryRange(ctx, start, end)
	if err != nil {
		return nil, err
	}

	buckets := make(map[time.Time]int64)
	for _, row := range rows {
		b := row.Hour.Truncate(step)
		switch metric {
		case MetricRequests:
			buckets[b] += row.RequestCount
		case MetricCacheHit:
			buckets[b] += row.CacheHits
		case MetricErrors:
			buckets[b] += row.ErrorCount
		}
	}

	points := make([]Point, 0, int(span/step))
	for t := start; t.Before(end); t = t.Add(step) {
		points = append(points, Point{Time: t, Value: buckets[t]})
	}
	e.memo.Add(memoKey, points)
	return points, nil
}

// TopPaths returns the busiest paths over the last 24 hours. It prefers
// the consumer's cached snapshot in the kv store and falls back to a
// direct store query.
func (e *Engine) TopPaths(ctx context.Context) ([]analytics.PathTotals, error) {
	if raw, ok, err := e.kv.Get(ctx, analytics.KeyTopPaths); err == nil && ok {
		var cached []analytics.PathTotals
		if json.Unmarshal(raw, &cached) == nil {
			if len(cached) > e.opts.TopN {
				cached = cached[:e.opts.TopN]
			}
			return cached, nil
		}
	}
	now := e.now().UTC()
	return e.store.TopPaths(ctx, now.Add(-24*time.Hour), now, e.opts.TopN)
}

// EdgeActivity aggregates recent events for one edge location.
type EdgeActivity struct {
	EdgeLocation string    `json:"edge_location"`
	Requests     int64     `json:"requests"`
	CacheHits    int64     `json:"cache_hits"`
	Errors       int64     `json:"errors"`
	LastSeen     time.Time `json:"last_seen"`
}

// Realtime groups the recent-event ring by edge location. Events older
// than the lookback window are dropped entirely rather than reported as
// zero activity.
func (e *Engine) Realtime(ctx context.Context) ([]EdgeActivity, error) {
	raw, err := e.kv.ListRange(ctx, analytics.KeyRecent, 500)
	if err != nil {
		return nil, err
	}

	cutoff := e.now().Add(-e.opts.RealtimeLookback)
	byEdge := make(map[string]*EdgeActivity)
	var order []string
	for _, item := range raw {
		var ev events.TrafficEvent
		if json.Unmarshal(item, &ev) != nil {
			continue
		}
		if ev.Timestamp.Before(cutoff) {
			continue
		}
		loc := ev.EdgeLocation
		if loc == "" {
			loc = "unknown"
		}
		a, ok := byEdge[loc]
		if !ok {
			a = &EdgeActivity{EdgeLocation: loc}
			byEdge[loc] = a
			order = append(order, loc)
		}
		a.Requests++
		if ev.CacheOutcome == events.OutcomeHit {
			a.CacheHits++
		}
		if ev.IsError() {
			a.Errors++
		}
		if ev.Timestamp.After(a.LastSeen) {
			a.LastSeen = ev.Timestamp
		}
	}

	out := make([]EdgeActivity, 0, len(order))
	for _, loc := range order {
		out = append(out, *byEdge[loc])
	}
	return out, nil
}

// Alert severities.
const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
)

// Alert is one active threshold breach.
type Alert struct {
	Severity    string    `json:"severity"`
	Scope       string    `json:"scope"` // "global" or "path"
	Path        string    `json:"path,omitempty"`
	Requests    int64     `json:"requests"`
	Threshold   int64     `json:"threshold"`
	WindowStart time.Time `json:"window_start"`
}

// Alerts compares the monitor's current window against the alert
// threshold. Over 2x the threshold is critical, over 1x is a warning.
func (e *Engine) Alerts() []Alert {
	if e.mon == nil {
		return nil
	}
	snap := e.mon.Snapshot()
	if snap.Threshold <= 0 {
		return nil
	}

	var out []Alert
	if sev := severity(snap.Requests, snap.Threshold); sev != "" {
		out = append(out, Alert{
			Severity:    sev,
			Scope:       "global",
			Requests:    snap.Requests,
			Threshold:   snap.Threshold,
			WindowStart: snap.WindowStart,
		})
	}
	paths := make([]string, 0, len(snap.PerPath))
	for path := range snap.PerPath {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	for _, path := range paths {
		if sev := severity(snap.PerPath[path], snap.Threshold); sev != "" {
			out = append(out, Alert{
				Severity:    sev,
				Scope:       "path",
				Path:        path,
				Requests:    snap.PerPath[path],
				Threshold:   snap.Threshold,
				WindowStart: snap.WindowStart,
			})
		}
	}
	return out
}

func severity(n, threshold int64) string {
	switch {
	case n > 2*threshold:
		return SeverityCritical
	case n > threshold:
		return SeverityWarning
	default:
		return ""
	}
}
