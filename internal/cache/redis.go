package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultVersionKey is the Redis key holding the cache version.
const DefaultVersionKey = "crashwatch:cache:version"

// OpenRedisClient parses url (redis:// or rediss://) without contacting the
// server. The client connects lazily and reconnects on its own.
func OpenRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

// NewRedisClient opens a client for url and pings the server.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	rdb, err := OpenRedisClient(url)
	if err != nil {
		return nil, err
	}
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

// RedisBackend stores cache entries in Redis with native TTLs.
type RedisBackend struct {
	rdb *redis.Client
}

// NewRedisBackend wraps an existing client.
func NewRedisBackend(rdb *redis.Client) *RedisBackend {
	return &RedisBackend{rdb: rdb}
}

// Get returns the entry for key.
func (r *RedisBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := r.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

// Set stores val under key for ttl.
func (r *RedisBackend) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	return r.rdb.Set(ctx, key, val, ttl).Err()
}

// RedisVersion keeps the cache version in a Redis counter shared by every
// process using the same key. The key has no TTL, and the server must not
// evict it: run Redis with a volatile-* or noeviction maxmemory policy.
type RedisVersion struct {
	rdb    *redis.Client
	key    string
	now    func() time.Time
	logger *zap.Logger
}

// NewRedisVersion creates a version store at key (DefaultVersionKey if empty).
// A nil logger discards the vanished-key warning.
func NewRedisVersion(rdb *redis.Client, key string, logger *zap.Logger) *RedisVersion {
	if key == "" {
		key = DefaultVersionKey
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisVersion{rdb: rdb, key: key, now: time.Now, logger: logger}
}

// Init sets the counter to 1 unless it already exists.
func (r *RedisVersion) Init(ctx context.Context) error {
	return r.rdb.SetNX(ctx, r.key, 1, 0).Err()
}

// Current returns the counter. A counter that has vanished after Init is
// reseeded from the wall clock in milliseconds, which is above any value
// reached by one increment per ingestion cycle, so the version never moves
// back onto keys written under an earlier one.
func (r *RedisVersion) Current(ctx context.Context) (int64, error) {
	v, err := r.rdb.Get(ctx, r.key).Int64()
	if !errors.Is(err, redis.Nil) {
		return v, err
	}
	seed := r.now().UnixMilli()
	set, err := r.rdb.SetNX(ctx, r.key, seed, 0).Result()
	if err != nil {
		return 0, err
	}
	if set {
		r.logger.Warn("cache version key missing, reseeded",
			zap.String("key", r.key),
			zap.Int64("version", seed),
		)
	}
	return r.rdb.Get(ctx, r.key).Int64()
}

// Bump atomically increments the counter.
func (r *RedisVersion) Bump(ctx context.Context) (int64, error) {
	return r.rdb.Incr(ctx, r.key).Result()
}
