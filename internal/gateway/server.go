// Package gateway assembles the request engine, the analytics pipeline,
// and the admin surface into a runnable server pair.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wudi/edgegate/internal/analytics"
	"github.com/wudi/edgegate/internal/cache"
	"github.com/wudi/edgegate/internal/config"
	"github.com/wudi/edgegate/internal/dashboard"
	"github.com/wudi/edgegate/internal/events"
	"github.com/wudi/edgegate/internal/geo"
	"github.com/wudi/edgegate/internal/kv"
	"github.com/wudi/edgegate/internal/logging"
	"github.com/wudi/edgegate/internal/metrics"
	"github.com/wudi/edgegate/internal/monitor"
	"github.com/wudi/edgegate/internal/policy"
	"github.com/wudi/edgegate/internal/proxy"
	"github.com/wudi/edgegate/internal/ratelimit"
	"github.com/wudi/edgegate/internal/realip"
)

// Server owns both listeners (gateway and admin) and the background
// pieces behind them.
type Server struct {
	cfg        *config.Config
	configPath string

	engine    *policy.Engine
	cacheAdp  *cache.Adapter
	limiter   *ratelimit.Limiter
	emitter   *events.Emitter
	consumer  *analytics.Consumer
	mon       *monitor.Monitor
	collector *metrics.Collector
	store     kv.Store
	rollups   analytics.RollupStore
	queue     events.Queue
	country   geo.Provider
	watcher   *config.Watcher
	provider  *policy.Provider

	gatewaySrv *http.Server
	adminSrv   *http.Server
	startTime  time.Time
	logger     *zap.Logger
}

// NewServer wires every component from the configuration. configPath
// enables hot reload; empty disables the watcher.
func NewServer(cfg *config.Config, configPath string) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		configPath: configPath,
		collector:  metrics.NewCollector(),
		startTime:  time.Now(),
		logger:     logging.Global().Named("server"),
	}

	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		s.store = kv.NewRedisStore(client, 0)
	} else {
		s.store = kv.NewMemoryStore()
	}

	if cfg.MySQL.DSN != "" {
		rollups, err := analytics.OpenGormStore(cfg.MySQL.DSN)
		if err != nil {
			return nil, fmt.Errorf("gateway: rollup store: %w", err)
		}
		s.rollups = rollups
	} else {
		s.rollups = analytics.NewMemoryRollupStore()
	}

	if cfg.AMQP.URL != "" {
		queue, err := events.NewAMQPQueue(cfg.AMQP.URL, cfg.AMQP.Queue)
		if err != nil {
			return nil, fmt.Errorf("gateway: event queue: %w", err)
		}
		s.queue = queue
	} else {
		s.queue = events.NewMemoryQueue(0)
	}

	if cfg.Geo.Database != "" {
		country, err := geo.NewMMDBProvider(cfg.Geo.Database)
		if err != nil {
			return nil, fmt.Errorf("gateway: geo database: %w", err)
		}
		s.country = country
	} else {
		s.country = geo.NoopProvider{}
	}

	extractor, err := realip.New(cfg.TrustedProxies)
	if err != nil {
		return nil, fmt.Errorf("gateway: trusted proxies: %w", err)
	}

	s.mon = monitor.New(cfg.Monitor.Window(), cfg.Monitor.AlertThreshold,
		cfg.Monitor.AutoEnableCache)
	s.emitter = events.NewEmitter(s.queue, s.mon, cfg.Server.EdgeLocation, 0)

	s.cacheAdp = cache.NewAdapter(s.store)
	s.limiter = ratelimit.New(s.store)

	if configPath != "" {
		watcher, err := config.NewWatcher(configPath)
		if err != nil {
			return nil, fmt.Errorf("gateway: config watcher: %w", err)
		}
		s.watcher = watcher
	}
	s.provider = policy.NewProvider(s.currentConfig, cfg.Server.SnapshotTTL())
	if s.watcher != nil {
		s.watcher.OnChange(func(next *config.Config) {
			s.provider.Invalidate()
			s.logger.Info("configuration reloaded",
				zap.Int("routes", len(next.Routes)),
				zap.Int("path_policies", len(next.PathPolicies)))
		})
	}

	s.engine = policy.NewEngine(policy.EngineDeps{
		Provider:  s.provider,
		Cache:     s.cacheAdp,
		Limiter:   s.limiter,
		Country:   s.country,
		RealIP:    extractor,
		Forwarder: proxy.New(cfg.Server.UpstreamTimeout()),
		Emitter:   s.emitter,
		Collector: s.collector,
	})
	s.mon.SetCacheEnabler(s.engine.Overrides().EnableCache)

	s.consumer = analytics.NewConsumer(s.queue, s.rollups, s.store, analytics.Options{
		BatchSize:     cfg.Consumer.BatchSize,
		FlushInterval: time.Duration(cfg.Consumer.FlushIntervalSeconds) * time.Second,
		RetentionDays: cfg.Consumer.RetentionDays,
		TopN:          cfg.Dashboard.TopN,
	})

	s.gatewaySrv = &http.Server{
		Addr:         cfg.Server.Listen,
		Handler:      s.engine,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	s.adminSrv = &http.Server{
		Addr:         cfg.Server.AdminListen,
		Handler:      s.adminHandler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s, nil
}

func (s *Server) currentConfig() *config.Config {
	if s.watcher != nil {
		if cfg := s.watcher.Current(); cfg != nil {
			return cfg
		}
	}
	return s.cfg
}

// Run starts both listeners and the background workers, then blocks
// until ctx is cancelled and shutdown completes.
func (s *Server) Run(ctx context.Context) error {
	if s.watcher != nil {
		if err := s.watcher.Start(); err != nil {
			return fmt.Errorf("gateway: watcher start: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("gateway listening", zap.String("addr", s.gatewaySrv.Addr))
		if err := s.gatewaySrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("gateway listener: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		s.logger.Info("admin listening", zap.String("addr", s.adminSrv.Addr))
		if err := s.adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("admin listener: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		s.consumer.Run(gctx)
		return nil
	})
	g.Go(func() error {
		s.syncPipelineMetrics(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.shutdown()
		return nil
	})

	return g.Wait()
}

// shutdown drains in order: stop accepting, flush buffered events,
// finish the in-flight consumer batch, then release connections.
func (s *Server) shutdown() {
	s.logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.gatewaySrv.Shutdown(ctx); err != nil {
		s.logger.Warn("gateway shutdown incomplete", zap.Error(err))
	}
	if err := s.adminSrv.Shutdown(ctx); err != nil {
		s.logger.Warn("admin shutdown incomplete", zap.Error(err))
	}

	s.emitter.Close()
	s.consumer.Stop()

	if s.watcher != nil {
		s.watcher.Close()
	}
	s.queue.Close()
	s.country.Close()
	if err := s.rollups.Close(); err != nil {
		s.logger.Warn("rollup store close failed", zap.Error(err))
	}
	if err := s.store.Close(); err != nil {
		s.logger.Warn("kv store close failed", zap.Error(err))
	}
	s.logger.Info("shutdown complete",
		zap.Duration("uptime", time.Since(s.startTime)))
}

// syncPipelineMetrics mirrors emitter and consumer counters into the
// metrics collector.
func (s *Server) syncPipelineMetrics(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.collector.SetPipelineCounters(
				s.emitter.Emitted(), s.emitter.Dropped(),
				s.consumer.Batches(), s.consumer.Processed())
		}
	}
}

func (s *Server) dashboardEngine() *dashboard.Engine {
	return dashboard.NewEngine(s.rollups, s.store, s.mon, dashboard.Options{
		TopN:             s.cfg.Dashboard.TopN,
		RealtimeLookback: time.Duration(s.cfg.Dashboard.RealtimeLookbackSeconds) * time.Second,
	})
}
