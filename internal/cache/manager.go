package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/roach88/crashwatch/internal/events"
)

// Tier selects an entry's TTL.
type Tier int

const (
	// TierShort is for results over recent games.
	TierShort Tier = iota + 1

	// TierLong is for wide aggregates that change slowly.
	TierLong
)

func (t Tier) String() string {
	switch t {
	case TierShort:
		return "short"
	case TierLong:
		return "long"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// Default TTLs and backend timeout.
const (
	DefaultShortTTL       = 30 * time.Second
	DefaultLongTTL        = 10 * time.Minute
	DefaultBackendTimeout = 250 * time.Millisecond
)

// ComputeFunc produces the value to cache. It must be JSON-encodable.
type ComputeFunc func(ctx context.Context) (any, error)

// CacheUnavailableError wraps a backend or version store failure. It is
// logged and never returned from GetOrCompute.
type CacheUnavailableError struct {
	Op  string
	Err error
}

func (e *CacheUnavailableError) Error() string {
	return fmt.Sprintf("cache unavailable during %s: %v", e.Op, e.Err)
}

func (e *CacheUnavailableError) Unwrap() error {
	return e.Err
}

// Manager implements versioned get-or-compute.
type Manager struct {
	backend  Backend
	versions VersionStore
	prefix   string
	ttl      map[Tier]time.Duration
	timeout  time.Duration
	logger   *zap.Logger
	tracer   trace.Tracer
}

// Option configures a Manager.
type Option func(*Manager)

// WithTTL sets the TTL for tier.
func WithTTL(tier Tier, ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl[tier] = ttl
		}
	}
}

// WithPrefix overrides DefaultPrefix.
func WithPrefix(prefix string) Option {
	return func(m *Manager) {
		if prefix != "" {
			m.prefix = prefix
		}
	}
}

// WithBackendTimeout bounds every backend and version round-trip.
func WithBackendTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// New creates a Manager over backend and versions.
func New(backend Backend, versions VersionStore, opts ...Option) *Manager {
	m := &Manager{
		backend:  backend,
		versions: versions,
		prefix:   DefaultPrefix,
		ttl: map[Tier]time.Duration{
			TierShort: DefaultShortTTL,
			TierLong:  DefaultLongTTL,
		},
		timeout: DefaultBackendTimeout,
		logger:  zap.NewNop(),
		tracer:  otel.Tracer("github.com/roach88/crashwatch/internal/cache"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Init initialises the shared version if it has never been set.
func (m *Manager) Init(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	if err := m.versions.Init(ctx); err != nil {
		return &CacheUnavailableError{Op: "init version", Err: err}
	}
	return nil
}

// Version returns the current cache version.
func (m *Manager) Version(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	v, err := m.versions.Current(ctx)
	if err != nil {
		return 0, &CacheUnavailableError{Op: "read version", Err: err}
	}
	return v, nil
}

// Key returns the cache key for operation and params under version.
func (m *Manager) Key(operation string, params any, version int64) (string, error) {
	p, err := NormalizeParams(params)
	if err != nil {
		return "", err
	}
	return BuildKey(m.prefix, operation, p, version), nil
}

// GetOrCompute returns the cached result for (operation, params) under the
// current version, computing and storing it on a miss. Only errors from
// compute or from params normalisation are returned.
func (m *Manager) GetOrCompute(ctx context.Context, operation string, params any, compute ComputeFunc, tier Tier) (json.RawMessage, error) {
	ctx, span := m.tracer.Start(ctx, "cache.get_or_compute",
		trace.WithAttributes(
			attribute.String("cache.operation", operation),
			attribute.String("cache.tier", tier.String()),
		))
	defer span.End()

	normalized, err := NormalizeParams(params)
	if err != nil {
		return nil, err
	}
	log := m.logger.With(zap.String("operation", operation))

	version, err := m.Version(ctx)
	if err != nil {
		log.Warn("cache version unavailable, computing uncached", zap.Error(err))
		span.SetAttributes(attribute.Bool("cache.available", false))
		return m.compute(ctx, compute)
	}

	key := BuildKey(m.prefix, operation, normalized, version)
	span.SetAttributes(attribute.Int64("cache.version", version))

	if val, ok, err := m.get(ctx, key); err != nil {
		log.Warn("cache read failed", zap.String("key", key), zap.Error(err))
	} else if ok {
		span.SetAttributes(attribute.Bool("cache.hit", true))
		return json.RawMessage(val), nil
	}
	span.SetAttributes(attribute.Bool("cache.hit", false))

	result, err := m.compute(ctx, compute)
	if err != nil {
		return nil, err
	}

	// Skip the write if ingestion moved the version while computing.
	after, err := m.Version(ctx)
	if err != nil || after != version {
		log.Debug("cache version moved during compute, not storing",
			zap.Int64("version", version), zap.Int64("current", after))
		return result, nil
	}

	if err := m.set(ctx, key, result, m.ttlFor(tier)); err != nil {
		log.Warn("cache write failed", zap.String("key", key), zap.Error(err))
	}
	return result, nil
}

// Invalidate bumps the version, making every existing key unreachable.
func (m *Manager) Invalidate(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	v, err := m.versions.Bump(ctx)
	if err != nil {
		return 0, &CacheUnavailableError{Op: "bump version", Err: err}
	}
	return v, nil
}

// OnIngested is the bus handler for ingestion events. It bumps the version
// once per event that stored at least one record.
func (m *Manager) OnIngested(ctx context.Context, ev events.Event) error {
	n := ev.Ingested()
	if n == 0 {
		return nil
	}
	v, err := m.Invalidate(ctx)
	if err != nil {
		m.logger.Warn("cache invalidation failed", zap.String("event", string(ev.Type)), zap.Error(err))
		return nil
	}
	m.logger.Debug("cache invalidated",
		zap.String("event", string(ev.Type)),
		zap.Int("records", n),
		zap.Int64("version", v),
	)
	return nil
}

func (m *Manager) compute(ctx context.Context, compute ComputeFunc) (json.RawMessage, error) {
	v, err := compute(ctx)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return data, nil
}

func (m *Manager) get(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	val, ok, err := m.backend.Get(ctx, key)
	if err != nil {
		return nil, false, &CacheUnavailableError{Op: "get", Err: err}
	}
	return val, ok, nil
}

func (m *Manager) set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	if err := m.backend.Set(ctx, key, val, ttl); err != nil {
		return &CacheUnavailableError{Op: "set", Err: err}
	}
	return nil
}

func (m *Manager) ttlFor(tier Tier) time.Duration {
	if ttl, ok := m.ttl[tier]; ok {
		return ttl
	}
	return m.ttl[TierShort]
}
