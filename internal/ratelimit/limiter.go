package ratelimit

import (
	"context"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/edgegate/internal/kv"
	"github.com/wudi/edgegate/internal/logging"
)

// Result is the outcome of a rate limit check.
type Result struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// WindowStatus describes one active counting window, for the status surface.
type WindowStatus struct {
	IP           string    `json:"ip"`
	Path         string    `json:"path"`
	WindowStart  time.Time `json:"window_start"`
	RequestCount int64     `json:"request_count"`
}

// Limiter is a fixed-window counter per (ip, path) pair backed by the
// key-value store. Window boundaries are aligned to windowSeconds since
// epoch; the increment is a single atomic read-modify-write in the store,
// so concurrent requests never over-admit beyond the one-request boundary
// race.
type Limiter struct {
	store    kv.Store
	now      func() time.Time
	degraded *logging.Throttled
}

// New creates a limiter over the given store.
func New(store kv.Store) *Limiter {
	return &Limiter{
		store:    store,
		now:      time.Now,
		degraded: logging.NewThrottled(0.2, 3),
	}
}

// windowKey embeds the window start (unix seconds) so the status surface
// can recover it without knowing the window size.
func windowKey(ip, path string, windowStart int64) string {
	return "rate:" + ip + ":" + path + ":" + strconv.FormatInt(windowStart, 10)
}

// CheckAndIncrement counts the request against its window and decides
// admission. Over-limit requests are still counted, so bursts past the
// limit do not reset the window. A store failure fails open: the request
// is allowed and the degradation is logged.
func (l *Limiter) CheckAndIncrement(ctx context.Context, ip, path string, limit, windowSeconds int) Result {
	now := l.now()
	windowStart := now.Unix() / int64(windowSeconds) * int64(windowSeconds)
	resetAt := time.Unix(windowStart+int64(windowSeconds), 0)

	// Keep the counter around past the window end so late stragglers in
	// the same window still see it.
	ttl := 2 * time.Duration(windowSeconds) * time.Second

	count, err := l.store.Incr(ctx, windowKey(ip, path, windowStart), ttl)
	if err != nil {
		l.degraded.Warn("rate limit store unavailable, failing open",
			zap.String("ip", ip),
			zap.String("path", path),
			zap.Error(err),
		)
		return Result{Allowed: true, Remaining: limit, ResetAt: resetAt}
	}

	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}

	return Result{
		Allowed:   count <= int64(limit),
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}

// Reset clears all windows for an IP across every path. Admin surface
// only; request-time logic never calls this.
func (l *Limiter) Reset(ctx context.Context, ip string) (int, error) {
	return l.store.DeleteByPrefix(ctx, "rate:"+ip+":")
}

// Windows lists the active counting windows for an IP.
func (l *Limiter) Windows(ctx context.Context, ip string) ([]WindowStatus, error) {
	prefix := "rate:" + ip + ":"
	keys, err := l.store.Keys(ctx, prefix)
	if err != nil {
		return nil, err
	}

	statuses := make([]WindowStatus, 0, len(keys))
	for _, key := range keys {
		rest := strings.TrimPrefix(key, prefix)
		idx := strings.LastIndexByte(rest, ':')
		if idx < 0 {
			continue
		}
		path := rest[:idx]
		windowStart, err := strconv.ParseInt(rest[idx+1:], 10, 64)
		if err != nil {
			continue
		}

		data, ok, err := l.store.Get(ctx, key)
		if err != nil || !ok {
			continue
		}
		count, _ := strconv.ParseInt(string(data), 10, 64)

		statuses = append(statuses, WindowStatus{
			IP:           ip,
			Path:         path,
			WindowStart:  time.Unix(windowStart, 0),
			RequestCount: count,
		})
	}
	return statuses, nil
}
