// Package analytics aggregates traffic events into hourly per-path
// rollups and serves range queries over them for the dashboard.
package analytics

import (
	"time"

	"github.com/wudi/edgegate/internal/analytics/digest"
)

// HourlyPathStat is one rollup row: all traffic for a single path within
// a single UTC hour. Latency and unique-visitor state are stored as
// serialized sketches so rows from different edge nodes can be merged
// without keeping raw events.
type HourlyPathStat struct {
	ID uint `gorm:"primaryKey"`

	Path string    `gorm:"uniqueIndex:idx_path_hour,priority:1;size:512;not null"`
	Hour time.Time `gorm:"uniqueIndex:idx_path_hour,priority:2;not null"`

	RequestCount int64 `gorm:"not null"`
	CacheHits    int64 `gorm:"not null"`
	CacheMisses  int64 `gorm:"not null"`
	ErrorCount   int64 `gorm:"not null"`
	BlockedGeo   int64 `gorm:"not null"`
	BlockedRate  int64 `gorm:"not null"`

	Status2xx int64 `gorm:"not null"`
	Status3xx int64 `gorm:"not null"`
	Status4xx int64 `gorm:"not null"`
	Status5xx int64 `gorm:"not null"`

	BytesServed int64 `gorm:"not null"`

	// LatencyDigest is a serialized quantile sketch of upstream latency
	// in milliseconds. UniqueIPSketch is a serialized cardinality
	// bitmap over client IPs.
	LatencyDigest  []byte `gorm:"type:blob"`
	UniqueIPSketch []byte `gorm:"type:mediumblob"`

	// Archivable marks rows past the retention window. An external job
	// moves or drops them; the gateway only flags.
	Archivable bool `gorm:"index;not null;default:false"`

	UpdatedAt time.Time
}

// TableName keeps the legacy table naming.
func (HourlyPathStat) TableName() string {
	return "hourly_path_stats"
}

// LatencySummary is the decoded view of a rollup's latency digest.
type LatencySummary struct {
	P50   float64 `json:"p50_ms"`
	P95   float64 `json:"p95_ms"`
	P99   float64 `json:"p99_ms"`
	Max   float64 `json:"max_ms"`
	Mean  float64 `json:"mean_ms"`
	Count uint64  `json:"count"`
}

// Latency decodes the row's latency digest into a summary.
func (s *HourlyPathStat) Latency() (LatencySummary, error) {
	d, err := digest.FromBytes(s.LatencyDigest)
	if err != nil {
		return LatencySummary{}, err
	}
	return LatencySummary{
		P50:   d.Quantile(0.5),
		P95:   d.Quantile(0.95),
		P99:   d.Quantile(0.99),
		Max:   d.Max(),
		Mean:  d.Mean(),
		Count: d.Count(),
	}, nil
}

// UniqueIPs decodes the row's visitor sketch and returns the estimate.
func (s *HourlyPathStat) UniqueIPs() (uint64, error) {
	sk, err := digest.SketchFromBytes(s.UniqueIPSketch)
	if err != nil {
		return 0, err
	}
	return sk.Estimate(), nil
}

// HourOf truncates t to its containing UTC hour.
func HourOf(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}
