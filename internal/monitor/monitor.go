// Package monitor keeps a low-latency rolling view of request volume fed
// directly from the event stream, ahead of the durable rollup pipeline.
// It drives threshold alerts and the automatic cache enablement action.
package monitor

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/edgegate/internal/events"
	"github.com/wudi/edgegate/internal/logging"
)

// CacheEnabler flips a path's cache policy on. Wired to the policy
// override registry by the gateway.
type CacheEnabler func(path string)

// Snapshot is a point-in-time copy of the current measurement window.
type Snapshot struct {
	WindowStart  time.Time
	WindowLength time.Duration
	Requests     int64
	CacheHits    int64
	Threshold    int64
	PerPath      map[string]int64
}

// Monitor counts requests over a fixed measurement window. When the
// window elapses the counts reset; excess traffic never carries over.
type Monitor struct {
	window    time.Duration
	threshold int64
	autoCache bool

	mu          sync.Mutex
	windowStart time.Time
	requests    int64
	cacheHits   int64
	perPath     map[string]int64
	flipped     map[string]bool
	enabler     CacheEnabler

	now    func() time.Time
	logger *zap.Logger
}

// New creates a monitor with the given window and alert threshold.
func New(window time.Duration, threshold int64, autoEnableCache bool) *Monitor {
	if window <= 0 {
		window = time.Minute
	}
	m := &Monitor{
		window:    window,
		threshold: threshold,
		autoCache: autoEnableCache,
		perPath:   make(map[string]int64),
		flipped:   make(map[string]bool),
		now:       time.Now,
		logger:    logging.Global().Named("monitor"),
	}
	m.windowStart = m.now()
	return m
}

// SetCacheEnabler installs the callback used for automatic cache
// enablement. Safe to call before traffic starts; not synchronized for
// replacement under load.
func (m *Monitor) SetCacheEnabler(fn CacheEnabler) {
	m.mu.Lock()
	m.enabler = fn
	m.mu.Unlock()
}

// Record folds one event into the current window. Called synchronously
// on the request path; must stay cheap.
func (m *Monitor) Record(ev *events.TrafficEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rolloverLocked()

	m.requests++
	if ev.CacheOutcome == events.OutcomeHit {
		m.cacheHits++
	}
	m.perPath[ev.Path]++

	if m.autoCache && m.perPath[ev.Path] > m.threshold && !m.flipped[ev.Path] {
		m.flipped[ev.Path] = true
		if m.enabler != nil {
			// One-way action: reverting requires a manual config change.
			m.enabler(ev.Path)
			m.logger.Info("cache auto-enabled for hot path",
				zap.String("path", ev.Path),
				zap.Int64("requests", m.perPath[ev.Path]),
				zap.Int64("threshold", m.threshold))
		}
	}
}

// Snapshot returns a copy of the current window state.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rolloverLocked()

	perPath := make(map[string]int64, len(m.perPath))
	for p, n := range m.perPath {
		perPath[p] = n
	}
	return Snapshot{
		WindowStart:  m.windowStart,
		WindowLength: m.window,
		Requests:     m.requests,
		CacheHits:    m.cacheHits,
		Threshold:    m.threshold,
		PerPath:      perPath,
	}
}

func (m *Monitor) rolloverLocked() {
	now := m.now()
	if now.Sub(m.windowStart) <= m.window {
		return
	}
	m.windowStart = now
	m.requests = 0
	m.cacheHits = 0
	m.perPath = make(map[string]int64)
}
