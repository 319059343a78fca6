package config

import "time"

// Config is the root gateway configuration.
type Config struct {
	Server         ServerConfig       `yaml:"server"`
	Logging        LoggingConfig      `yaml:"logging"`
	Redis          RedisConfig        `yaml:"redis"`
	MySQL          MySQLConfig        `yaml:"mysql"`
	AMQP           AMQPConfig         `yaml:"amqp"`
	Geo            GeoConfig          `yaml:"geo"`
	Routes         []RouteConfig      `yaml:"routes"`
	PathPolicies   []PathPolicyConfig `yaml:"path_policies"`
	Monitor        MonitorConfig      `yaml:"monitor"`
	Consumer       ConsumerConfig     `yaml:"consumer"`
	Dashboard      DashboardConfig    `yaml:"dashboard"`
	TrustedProxies []string           `yaml:"trusted_proxies"`
}

// ServerConfig holds listener and request handling settings.
type ServerConfig struct {
	Listen                 string `yaml:"listen"`        // gateway listener, e.g. ":8080"
	AdminListen            string `yaml:"admin_listen"`  // admin/dashboard listener, e.g. ":9090"
	EdgeLocation           string `yaml:"edge_location"` // point-of-presence identifier stamped on events
	UpstreamTimeoutSeconds int    `yaml:"upstream_timeout_seconds"`
	SnapshotTTLSeconds     int    `yaml:"snapshot_ttl_seconds"` // config snapshot staleness bound
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"` // empty = stderr
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// RedisConfig holds the key-value store connection. Empty Addr selects the
// in-process memory store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// MySQLConfig holds the rollup store connection. Empty DSN selects the
// in-process memory store.
type MySQLConfig struct {
	DSN string `yaml:"dsn"`
}

// AMQPConfig holds the event queue connection. Empty URL selects the
// in-process channel queue.
type AMQPConfig struct {
	URL   string `yaml:"url"`
	Queue string `yaml:"queue"`
}

// GeoConfig is the global geo access rule plus per-path overrides and the
// country database location.
type GeoConfig struct {
	Enabled       bool                `yaml:"enabled"`
	Mode          string              `yaml:"mode"` // "whitelist" or "blacklist"
	Countries     []string            `yaml:"countries"`
	PathOverrides map[string][]string `yaml:"path_overrides"` // path -> replacement country list
	Database      string              `yaml:"database"`       // .mmdb file path; empty disables IP lookup
}

// RouteConfig maps a path pattern to an upstream target.
type RouteConfig struct {
	ID               string `yaml:"id"`
	Pattern          string `yaml:"pattern"` // literal prefix or trailing-* wildcard
	Target           string `yaml:"target"`
	StripPrefix      bool   `yaml:"strip_prefix"`
	Priority         int    `yaml:"priority"`
	Enabled          *bool  `yaml:"enabled"` // nil = true
	DefaultCache     bool   `yaml:"default_cache"`
	DefaultRateLimit bool   `yaml:"default_rate_limit"`
	DefaultGeoBlock  bool   `yaml:"default_geo_block"`
}

// IsEnabled reports whether the route participates in matching.
func (r *RouteConfig) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// Cache key strategies.
const (
	KeyPathOnly          = "path-only"
	KeyPathParams        = "path-params"
	KeyPathHeaders       = "path-headers"
	KeyPathParamsHeaders = "path-params-headers"
)

// KeyAll is the literal selecting every query parameter or header for
// cache key derivation.
const KeyAll = "all"

// CachePolicy configures caching for one concrete path.
type CachePolicy struct {
	Enabled     bool     `yaml:"enabled"`
	Version     int64    `yaml:"version"`
	TTLSeconds  int      `yaml:"ttl_seconds"`
	KeyStrategy string   `yaml:"key_strategy"`
	KeyHeaders  []string `yaml:"key_headers"` // names, or the single literal "all"
	KeyParams   []string `yaml:"key_params"`
	MaxBodyKB   int      `yaml:"max_body_kb"` // responses past this are never stored
}

// TTL returns the entry lifetime.
func (c CachePolicy) TTL() time.Duration {
	if c.TTLSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.TTLSeconds) * time.Second
}

// MaxBody returns the largest response body, in bytes, that may become a
// cache entry.
func (c CachePolicy) MaxBody() int64 {
	if c.MaxBodyKB <= 0 {
		return 1 << 20
	}
	return int64(c.MaxBodyKB) * 1024
}

// RateLimitPolicy configures the fixed-window limiter for one path.
type RateLimitPolicy struct {
	Enabled       bool `yaml:"enabled"`
	Limit         int  `yaml:"limit"`
	WindowSeconds int  `yaml:"window_seconds"`
}

// GeoPolicy is a per-path geo override. When enabled, Countries replaces
// the global list for this path; the global mode still applies.
type GeoPolicy struct {
	Enabled   bool     `yaml:"enabled"`
	Countries []string `yaml:"countries"`
}

// PathPolicyConfig attaches cache/rate/geo settings to one concrete path.
type PathPolicyConfig struct {
	Path      string          `yaml:"path"`
	Cache     CachePolicy     `yaml:"cache"`
	RateLimit RateLimitPolicy `yaml:"rate_limit"`
	Geo       GeoPolicy       `yaml:"geo"`
}

// MonitorConfig configures the traffic monitor.
type MonitorConfig struct {
	MeasurementWindowSeconds int   `yaml:"measurement_window_seconds"`
	AlertThreshold           int64 `yaml:"alert_threshold"`
	AutoEnableCache          bool  `yaml:"auto_enable_cache"`
}

// Window returns the measurement window duration.
func (m MonitorConfig) Window() time.Duration {
	if m.MeasurementWindowSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(m.MeasurementWindowSeconds) * time.Second
}

// ConsumerConfig tunes the aggregation consumer.
type ConsumerConfig struct {
	BatchSize            int `yaml:"batch_size"`
	FlushIntervalSeconds int `yaml:"flush_interval_seconds"`
	RetentionDays        int `yaml:"retention_days"`
}

// DashboardConfig tunes dashboard queries.
type DashboardConfig struct {
	TopN                    int `yaml:"top_n"`
	RealtimeLookbackSeconds int `yaml:"realtime_lookback_seconds"`
}

// UpstreamTimeout returns the bounded upstream call timeout.
func (s ServerConfig) UpstreamTimeout() time.Duration {
	if s.UpstreamTimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(s.UpstreamTimeoutSeconds) * time.Second
}

// SnapshotTTL returns how long a compiled policy snapshot may be reused.
func (s ServerConfig) SnapshotTTL() time.Duration {
	if s.SnapshotTTLSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(s.SnapshotTTLSeconds) * time.Second
}
