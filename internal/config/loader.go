package config

import (
	"fmt"
	"os"
	"regexp"

	"github.com/goccy/go-yaml"
)

// Loader handles configuration loading and parsing
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
	}
}

// Load reads and parses a configuration file
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return l.Parse(data)
}

// Parse parses configuration from YAML bytes
func (l *Loader) Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := l.expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR} references with environment values.
// Unset variables expand to the empty string.
func (l *Loader) expandEnvVars(s string) string {
	return l.envPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := l.envPattern.FindStringSubmatch(match)[1]
		return os.Getenv(name)
	})
}

// applyDefaults fills zero values that have sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = ":8080"
	}
	if cfg.Server.AdminListen == "" {
		cfg.Server.AdminListen = ":9090"
	}
	if cfg.Server.EdgeLocation == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "unknown"
		}
		cfg.Server.EdgeLocation = host
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Geo.Mode == "" {
		cfg.Geo.Mode = "blacklist"
	}
	if cfg.AMQP.Queue == "" {
		cfg.AMQP.Queue = "edgegate.events"
	}
	if cfg.Consumer.BatchSize <= 0 {
		cfg.Consumer.BatchSize = 100
	}
	if cfg.Consumer.FlushIntervalSeconds <= 0 {
		cfg.Consumer.FlushIntervalSeconds = 5
	}
	if cfg.Consumer.RetentionDays <= 0 {
		cfg.Consumer.RetentionDays = 30
	}
	if cfg.Monitor.AlertThreshold <= 0 {
		cfg.Monitor.AlertThreshold = 1000
	}
	if cfg.Dashboard.TopN <= 0 {
		cfg.Dashboard.TopN = 10
	}
	if cfg.Dashboard.RealtimeLookbackSeconds <= 0 {
		cfg.Dashboard.RealtimeLookbackSeconds = 300
	}
	for i := range cfg.PathPolicies {
		p := &cfg.PathPolicies[i]
		if p.Cache.KeyStrategy == "" {
			p.Cache.KeyStrategy = KeyPathOnly
		}
		if p.Cache.Version <= 0 {
			p.Cache.Version = 1
		}
	}
}
