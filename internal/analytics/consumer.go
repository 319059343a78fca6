package analytics

import (
	"context"
	"encoding/json"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/edgegate/internal/analytics/digest"
	"github.com/wudi/edgegate/internal/events"
	"github.com/wudi/edgegate/internal/kv"
	"github.com/wudi/edgegate/internal/logging"
)

// group accumulates one (path, hour) rollup row while a batch is folded.
// events and tokens track what was folded in, so dedup tokens are claimed
// and summaries refreshed only once the row is durably written.
type group struct {
	stat    *HourlyPathStat
	lat     *digest.Digest
	uniques *digest.UniqueSketch
	events  []*events.TrafficEvent
	tokens  []string
}

// Hot keys the dashboard reads straight from the kv store.
const (
	KeyHeartbeat = "dash:heartbeat"
	KeyTopPaths  = "dash:top_paths"
	KeyRecent    = "dash:recent"
)

const (
	// Dedup tokens outlive any realistic redelivery window.
	dedupTTL = 2 * time.Hour

	recentRingSize = 200
)

// RPMKey returns the kv counter key for the minute containing t.
func RPMKey(t time.Time) string {
	return "rpm:" + strconv.FormatInt(t.UTC().Truncate(time.Minute).Unix(), 10)
}

// Options tunes the aggregation consumer.
type Options struct {
	BatchSize     int
	FlushInterval time.Duration
	RetentionDays int
	TopN          int
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 5 * time.Second
	}
	if o.RetentionDays <= 0 {
		o.RetentionDays = 30
	}
	if o.TopN <= 0 {
		o.TopN = 10
	}
	return o
}

// Consumer drains traffic events from the queue, folds them into hourly
// rollup rows, and maintains the dashboard's hot keys in the kv store.
type Consumer struct {
	queue  events.Queue
	store  RollupStore
	kv     kv.Store
	opts   Options
	logger *zap.Logger

	processed atomic.Int64
	skipped   atomic.Int64
	batches   atomic.Int64

	stop chan struct{}
	done chan struct{}
}

// NewConsumer builds a consumer over the given queue and stores.
func NewConsumer(queue events.Queue, store RollupStore, kvStore kv.Store, opts Options) *Consumer {
	return &Consumer{
		queue:  queue,
		store:  store,
		kv:     kvStore,
		opts:   opts.withDefaults(),
		logger: logging.Global().Named("consumer"),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Run consumes until Stop is called or ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) {
	defer close(c.done)

	archiveTick := time.NewTicker(time.Hour)
	defer archiveTick.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ctx.Done():
			return
		case <-archiveTick.C:
			c.markArchivable(ctx)
		default:
		}

		batch, ack, err := c.queue.Consume(ctx, c.opts.BatchSize, c.opts.FlushInterval)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("consume failed", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		c.heartbeat(ctx)
		if len(batch) == 0 {
			continue
		}
		err = c.processBatch(ctx, batch)
		if err != nil {
			c.logger.Error("batch aggregation failed",
				zap.Int("batch_size", len(batch)), zap.Error(err))
		}
		if ack != nil {
			ack(err == nil)
		}
	}
}

// Stop signals Run to exit and waits for it.
func (c *Consumer) Stop() {
	select {
	case <-c.stop:
	default:
		close(c.stop)
	}
	<-c.done
}

// Processed returns the number of events folded into rollups.
func (c *Consumer) Processed() int64 { return c.processed.Load() }

// Skipped returns the number of duplicate events dropped.
func (c *Consumer) Skipped() int64 { return c.skipped.Load() }

// Batches returns the number of batches aggregated.
func (c *Consumer) Batches() int64 { return c.batches.Load() }

// processBatch folds a batch into per (path, hour) rollup rows. Events
// whose idempotency token was already seen are skipped, so queue
// redeliveries never double-count. Tokens are claimed only after the
// row they contributed to is durably upserted; a crash or store failure
// before that leaves them unclaimed, and the redelivered batch is folded
// again instead of being lost.
func (c *Consumer) processBatch(ctx context.Context, batch []*events.TrafficEvent) error {
	groups := make(map[string]*group)
	inBatch := make(map[string]bool, len(batch))

	var firstErr error
	for _, ev := range batch {
		if ev.Token != "" && inBatch[ev.Token] {
			c.skipped.Add(1)
			continue
		}
		if c.seenToken(ctx, ev.Token) {
			c.skipped.Add(1)
			continue
		}
		inBatch[ev.Token] = true

		hour := HourOf(ev.Timestamp)
		key := ev.Path + "\x00" + hour.Format(time.RFC3339)
		g, ok := groups[key]
		if !ok {
			var err error
			g, err = c.loadGroup(ctx, ev.Path, hour)
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			groups[key] = g
		}
		c.fold(g.stat, g.lat, g.uniques, ev)
		g.events = append(g.events, ev)
		if ev.Token != "" {
			g.tokens = append(g.tokens, ev.Token)
		}
		c.processed.Add(1)
	}

	var folded []*events.TrafficEvent
	for _, g := range groups {
		var err error
		g.stat.LatencyDigest, err = g.lat.MarshalBinary()
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		g.stat.UniqueIPSketch, err = g.uniques.MarshalBinary()
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := c.store.Upsert(ctx, g.stat); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		c.claimTokens(ctx, g.tokens)
		folded = append(folded, g.events...)
	}
	if len(folded) > 0 {
		c.batches.Add(1)
		c.refreshSummaries(ctx, folded)
	}
	return firstErr
}

func (c *Consumer) loadGroup(ctx context.Context, path string, hour time.Time) (*group, error) {
	stat, ok, err := c.store.Get(ctx, path, hour)
	if err != nil {
		return nil, err
	}
	if !ok {
		stat = &HourlyPathStat{Path: path, Hour: hour}
	}
	lat, err := digest.FromBytes(stat.LatencyDigest)
	if err != nil {
		return nil, err
	}
	uniques, err := digest.SketchFromBytes(stat.UniqueIPSketch)
	if err != nil {
		return nil, err
	}
	return &group{stat: stat, lat: lat, uniques: uniques}, nil
}

func (c *Consumer) fold(stat *HourlyPathStat, lat *digest.Digest, uniques *digest.UniqueSketch, ev *events.TrafficEvent) {
	stat.RequestCount++
	switch ev.CacheOutcome {
	case events.OutcomeHit:
		stat.CacheHits++
	case events.OutcomeMiss:
		stat.CacheMisses++
	}
	if ev.IsError() {
		stat.ErrorCount++
	}
	if ev.BlockedGeo {
		stat.BlockedGeo++
	}
	if ev.BlockedRate {
		stat.BlockedRate++
	}
	switch {
	case ev.StatusCode >= 200 && ev.StatusCode < 300:
		stat.Status2xx++
	case ev.StatusCode >= 300 && ev.StatusCode < 400:
		stat.Status3xx++
	case ev.StatusCode >= 400 && ev.StatusCode < 500:
		stat.Status4xx++
	case ev.StatusCode >= 500:
		stat.Status5xx++
	}
	stat.BytesServed += ev.ResponseBytes
	if ev.LatencyMs >= 0 {
		lat.Add(ev.LatencyMs)
	}
	if ev.IP != "" {
		uniques.Observe(ev.IP)
	}
}

// seenToken reports whether the event token was claimed by an earlier
// durable upsert. A kv failure counts as unseen: double counting one
// event beats losing it.
func (c *Consumer) seenToken(ctx context.Context, token string) bool {
	if token == "" {
		return false
	}
	_, ok, err := c.kv.Get(ctx, "evt:"+token)
	if err != nil {
		return false
	}
	return ok
}

// claimTokens records a durably-folded group's tokens so redeliveries of
// the same events are skipped.
func (c *Consumer) claimTokens(ctx context.Context, tokens []string) {
	for _, token := range tokens {
		if _, err := c.kv.SetNX(ctx, "evt:"+token, []byte("1"), dedupTTL); err != nil {
			c.logger.Debug("dedup token claim failed", zap.Error(err))
		}
	}
}

// refreshSummaries updates the kv keys the dashboard reads without
// touching MySQL: the per-minute request counter and the recent-event
// ring, plus a top-paths snapshot. Only deduplicated, durably upserted
// events reach here, so redeliveries never inflate the counters.
func (c *Consumer) refreshSummaries(ctx context.Context, folded []*events.TrafficEvent) {
	for _, ev := range folded {
		if _, err := c.kv.Incr(ctx, RPMKey(ev.Timestamp), 5*time.Minute); err != nil {
			c.logger.Debug("rpm counter update failed", zap.Error(err))
		}
		raw, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		if err := c.kv.PushCap(ctx, KeyRecent, raw, recentRingSize, 10*time.Minute); err != nil {
			c.logger.Debug("recent ring update failed", zap.Error(err))
		}
	}

	now := time.Now().UTC()
	top, err := c.store.TopPaths(ctx, now.Add(-24*time.Hour), now, c.opts.TopN)
	if err != nil {
		c.logger.Debug("top paths refresh failed", zap.Error(err))
		return
	}
	raw, err := json.Marshal(top)
	if err != nil {
		return
	}
	if err := c.kv.Set(ctx, KeyTopPaths, raw, 5*time.Minute); err != nil {
		c.logger.Debug("top paths cache write failed", zap.Error(err))
	}
}

// Heartbeat is the consumer liveness record read by the health surface.
type Heartbeat struct {
	LastProcessed int64 `json:"last_processed"`
	Batches       int64 `json:"batches"`
	Processed     int64 `json:"processed"`
}

func (c *Consumer) heartbeat(ctx context.Context) {
	raw, err := json.Marshal(Heartbeat{
		LastProcessed: time.Now().Unix(),
		Batches:       c.batches.Load(),
		Processed:     c.processed.Load(),
	})
	if err != nil {
		return
	}
	if err := c.kv.Set(ctx, KeyHeartbeat, raw, 10*time.Minute); err != nil {
		c.logger.Debug("heartbeat write failed", zap.Error(err))
	}
}

func (c *Consumer) markArchivable(ctx context.Context) {
	cutoff := time.Now().UTC().AddDate(0, 0, -c.opts.RetentionDays)
	n, err := c.store.MarkArchivable(ctx, cutoff)
	if err != nil {
		c.logger.Warn("retention marking failed", zap.Error(err))
		return
	}
	if n > 0 {
		c.logger.Info("rollup rows marked archivable",
			zap.Int64("rows", n), zap.Time("cutoff", cutoff))
	}
}
