// Package app assembles the crashwatch runtime from configuration: store,
// event bus, cache, verification, ingestion, HTTP/WebSocket surface and
// health reporting.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/crashwatch/internal/analytics"
	"github.com/roach88/crashwatch/internal/api"
	"github.com/roach88/crashwatch/internal/cache"
	"github.com/roach88/crashwatch/internal/config"
	"github.com/roach88/crashwatch/internal/events"
	"github.com/roach88/crashwatch/internal/health"
	"github.com/roach88/crashwatch/internal/ingest"
	"github.com/roach88/crashwatch/internal/live"
	"github.com/roach88/crashwatch/internal/upstream"
	"github.com/roach88/crashwatch/internal/verify"
)

// Runtime owns every long-lived component.
type Runtime struct {
	cfg    config.Config
	logger *zap.Logger

	store      Store
	bus        *events.Bus
	cache      *cache.Manager
	engine     *verify.Engine
	tracker    *health.Tracker
	cookies    *upstream.CookieFile
	feed       ingest.Feed
	mark       *ingest.Watermark
	poller     *ingest.Poller
	reconciler *ingest.Reconciler
	analytics  *analytics.Service
	hub        *live.Hub
	api        *api.Server

	closers []func() error

	mu      sync.Mutex
	apiAddr net.Addr
	ready   chan struct{}
}

// Option configures New.
type Option func(*options)

type options struct {
	store Store
	feed  ingest.Feed
}

// WithStore uses s instead of opening the configured store. The runtime
// still closes it.
func WithStore(s Store) Option {
	return func(o *options) {
		o.store = s
	}
}

// WithFeed replaces the HTTP feed client.
func WithFeed(f ingest.Feed) Option {
	return func(o *options) {
		o.feed = f
	}
}

// New builds the runtime. Configuration errors are returned before any
// goroutine starts.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*Runtime, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	r := &Runtime{cfg: cfg, logger: logger, ready: make(chan struct{})}
	ok := false
	defer func() {
		if !ok {
			r.Close()
		}
	}()

	engine, err := verify.New(cfg.Verify.Secret, verify.WithTolerance(cfg.Verify.Tolerance))
	if err != nil {
		return nil, fmt.Errorf("verification secret: %w", err)
	}
	r.engine = engine

	r.store = o.store
	if r.store == nil {
		if r.store, err = OpenStore(ctx, cfg, logger); err != nil {
			return nil, err
		}
	}
	r.closers = append(r.closers, r.store.Close)

	r.bus = events.New(events.WithLogger(logger.Named("bus")))
	r.closers = append(r.closers, func() error { r.bus.Close(); return nil })

	mgr, closeCache, err := OpenCache(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	r.cache = mgr
	r.closers = append(r.closers, closeCache)
	r.bus.Subscribe("cache", r.cache.OnIngested, events.WithInline())

	r.tracker = health.NewTracker(time.Now)
	r.tracker.Register(ingest.ComponentPoller)
	r.tracker.Register(ingest.ComponentReconciler)

	r.feed = o.feed
	if r.feed == nil {
		client, cookies, err := NewFeed(cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("create feed client: %w", err)
		}
		r.feed, r.cookies = client, cookies
	}

	if r.mark, err = ingest.SeedWatermark(ctx, r.store); err != nil {
		return nil, err
	}
	r.poller = ingest.NewPoller(r.feed, r.store, r.engine, r.mark,
		ingest.WithPageSize(cfg.Poll.PageSize),
		ingest.WithInterval(cfg.Poll.Interval),
		ingest.WithRetry(cfg.Poll.RetryInterval, cfg.Poll.MaxRetryInterval),
		ingest.WithPublisher(r.bus),
		ingest.WithHealth(r.tracker),
		ingest.WithPollerLogger(logger.Named("poller")),
	)
	r.reconciler = ingest.NewReconciler(r.feed, r.store, r.engine, r.mark,
		ingest.WithReconcilePageSize(cfg.Poll.PageSize),
		ingest.WithPageRetry(cfg.Catchup.MaxAttempts, ingest.DefaultPageRetryInitial, ingest.DefaultPageRetryMax),
		ingest.WithReconcilePublisher(r.bus),
		ingest.WithReconcileHealth(r.tracker),
		ingest.WithReconcileLogger(logger.Named("reconciler")),
	)

	r.analytics = analytics.New(r.store, r.cache, analytics.WithLogger(logger.Named("analytics")))
	r.hub = live.NewHub(live.WithLogger(logger.Named("live")))
	r.bus.Subscribe("live", r.hub.Handle)

	r.api = api.New(r.store,
		api.WithAnalytics(r.analytics),
		api.WithVerifier(r.engine),
		api.WithHealth(r.tracker),
		api.WithRoute("GET /ws", r.hub),
		api.WithLogger(logger.Named("api")),
	)

	ok = true
	return r, nil
}

// OpenCache builds the analytics cache: Redis-backed when a URL is
// configured, in process otherwise. Only a malformed URL is an error; an
// unreachable server leaves the cache failing open. The returned closer
// releases the Redis client.
func OpenCache(ctx context.Context, cfg config.Config, logger *zap.Logger) (*cache.Manager, func() error, error) {
	cc := cfg.Cache
	opts := []cache.Option{
		cache.WithPrefix(cc.Prefix),
		cache.WithTTL(cache.TierShort, cc.ShortTTL),
		cache.WithTTL(cache.TierLong, cc.LongTTL),
		cache.WithLogger(logger.Named("cache")),
	}

	var (
		m      *cache.Manager
		closer = func() error { return nil }
	)
	if cc.RedisURL != "" {
		rdb, err := cache.OpenRedisClient(cc.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		closer = rdb.Close
		pingCtx, cancel := context.WithTimeout(ctx, cache.DefaultBackendTimeout)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			logger.Warn("redis unreachable, analytics served uncached until it returns", zap.Error(err))
		}
		cancel()
		m = cache.New(cache.NewRedisBackend(rdb), cache.NewRedisVersion(rdb, cc.Prefix+":version", logger.Named("cache")), opts...)
		logger.Info("cache backend", zap.String("backend", "redis"))
	} else {
		m = cache.New(cache.NewMemoryBackend(cc.Size, cc.ShortTTL, cc.LongTTL), cache.NewMemoryVersion(), opts...)
		logger.Info("cache backend", zap.String("backend", "memory"))
	}
	if err := m.Init(ctx); err != nil {
		logger.Warn("cache version init failed", zap.Error(err))
	}
	return m, closer, nil
}

// NewFeed builds the upstream client and the cookie file it reads
// credentials from.
func NewFeed(cfg config.Config, logger *zap.Logger) (*upstream.Client, *upstream.CookieFile, error) {
	uc := cfg.Upstream
	cookies, err := upstream.NewCookieFile(uc.CookieFile, logger.Named("cookies"))
	if err != nil {
		return nil, nil, err
	}
	client, err := upstream.NewClient(
		upstream.WithBaseURL(uc.BaseURL),
		upstream.WithHistoryPath(uc.HistoryPath),
		upstream.WithMethod(uc.Method),
		upstream.WithTimeout(uc.Timeout),
		upstream.WithCookies(cookies),
		upstream.WithLocation(cfg.Location()),
		upstream.WithLogger(logger.Named("upstream")),
	)
	if err != nil {
		return nil, nil, err
	}
	return client, cookies, nil
}

// Run starts the cookie watcher, the optional startup catch-up followed by
// the poll loop, the HTTP server and the gRPC health server, and blocks until
// ctx ends or one of them fails.
func (r *Runtime) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", r.cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", r.cfg.Server.Addr, err)
	}
	r.mu.Lock()
	r.apiAddr = lis.Addr()
	r.mu.Unlock()
	close(r.ready)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return r.api.Serve(ctx, lis)
	})
	g.Go(func() error {
		<-ctx.Done()
		r.hub.Close()
		return nil
	})

	if addr := r.cfg.Server.GRPCHealthAddr; addr != "" {
		grpcHealth := health.NewGRPCServer(r.tracker, r.logger.Named("health"))
		g.Go(func() error {
			return grpcHealth.Serve(ctx, addr)
		})
	}

	if r.cookies != nil {
		g.Go(func() error {
			if err := r.cookies.Watch(ctx); err != nil {
				r.logger.Warn("cookie watcher stopped", zap.Error(err))
			}
			return nil
		})
	}

	g.Go(func() error {
		if r.cfg.Catchup.Enabled {
			r.startupCatchUp(ctx)
		}
		return r.poller.Run(ctx)
	})

	r.logger.Info("crashwatch running",
		zap.String("api", lis.Addr().String()),
		zap.Int64("high_water_mark", r.mark.Load()),
	)
	return g.Wait()
}

func (r *Runtime) startupCatchUp(ctx context.Context) {
	rep, err := r.reconciler.CatchUp(ctx, r.cfg.Catchup.Pages, r.cfg.Catchup.Concurrency)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Warn("startup catch-up failed", zap.Error(err))
		}
		return
	}
	r.logger.Info("startup catch-up finished",
		zap.Int64("from", rep.From),
		zap.Int64("to", rep.To),
		zap.Int("filled", rep.Filled),
		zap.Int("gaps", len(rep.RemainingGaps)),
	)
}

// APIAddr returns the bound HTTP address once Run is listening.
func (r *Runtime) APIAddr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.apiAddr
}

// Ready is closed once Run is listening.
func (r *Runtime) Ready() <-chan struct{} {
	return r.ready
}

// Handler returns the HTTP handler, including /ws.
func (r *Runtime) Handler() http.Handler {
	return r.api
}

// Store returns the game store.
func (r *Runtime) Store() Store {
	return r.store
}

// Reconciler returns the reconciler.
func (r *Runtime) Reconciler() *ingest.Reconciler {
	return r.reconciler
}

// Analytics returns the analytics service.
func (r *Runtime) Analytics() *analytics.Service {
	return r.analytics
}

// Engine returns the verification engine.
func (r *Runtime) Engine() *verify.Engine {
	return r.engine
}

// Bus returns the event bus.
func (r *Runtime) Bus() *events.Bus {
	return r.bus
}

// Health returns the component tracker.
func (r *Runtime) Health() *health.Tracker {
	return r.tracker
}

// Close releases resources in reverse order of acquisition.
func (r *Runtime) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}
