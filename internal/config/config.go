// Package config loads runtime settings: defaults, then an optional YAML
// file, then CRASHWATCH_* environment variables. Command-line flags are
// applied last by the CLI.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/roach88/crashwatch/internal/cache"
	"github.com/roach88/crashwatch/internal/ingest"
	"github.com/roach88/crashwatch/internal/upstream"
	"github.com/roach88/crashwatch/internal/verify"
)

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "CRASHWATCH_"

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds all crashwatch settings.
type Config struct {
	Upstream  UpstreamConfig  `yaml:"upstream" envPrefix:"UPSTREAM_"`
	Poll      PollConfig      `yaml:"poll" envPrefix:"POLL_"`
	Catchup   CatchupConfig   `yaml:"catchup" envPrefix:"CATCHUP_"`
	Verify    VerifyConfig    `yaml:"verify" envPrefix:"VERIFY_"`
	Store     StoreConfig     `yaml:"store" envPrefix:"STORE_"`
	Cache     CacheConfig     `yaml:"cache" envPrefix:"CACHE_"`
	Server    ServerConfig    `yaml:"server" envPrefix:"SERVER_"`
	Log       LogConfig       `yaml:"log" envPrefix:"LOG_"`
	Telemetry TelemetryConfig `yaml:"telemetry" envPrefix:"OTEL_"`

	// Timezone is the IANA zone record timestamps are presented in.
	Timezone string `yaml:"timezone" env:"TIMEZONE"`
}

// UpstreamConfig configures the feed client.
type UpstreamConfig struct {
	BaseURL     string        `yaml:"base_url" env:"BASE_URL"`
	HistoryPath string        `yaml:"history_path" env:"HISTORY_PATH"`
	Method      string        `yaml:"method" env:"METHOD"`
	Timeout     time.Duration `yaml:"timeout" env:"TIMEOUT"`
	CookieFile  string        `yaml:"cookie_file" env:"COOKIE_FILE"`

	// ChallengeURL is the page refresh-cookies opens to obtain clearance.
	ChallengeURL string `yaml:"challenge_url" env:"CHALLENGE_URL"`
}

// PollConfig configures the poll loop.
type PollConfig struct {
	Interval         time.Duration `yaml:"interval" env:"INTERVAL"`
	RetryInterval    time.Duration `yaml:"retry_interval" env:"RETRY_INTERVAL"`
	MaxRetryInterval time.Duration `yaml:"max_retry_interval" env:"MAX_RETRY_INTERVAL"`
	PageSize         int           `yaml:"page_size" env:"PAGE_SIZE"`
}

// CatchupConfig configures reconciliation.
type CatchupConfig struct {
	Enabled     bool `yaml:"enabled" env:"ENABLED"`
	Pages       int  `yaml:"pages" env:"PAGES"`
	Concurrency int  `yaml:"concurrency" env:"CONCURRENCY"`
	MaxAttempts uint `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
}

// VerifyConfig configures outcome verification.
type VerifyConfig struct {
	Secret    string  `yaml:"secret" env:"SECRET"`
	Tolerance float64 `yaml:"tolerance" env:"TOLERANCE"`
}

// StoreConfig selects and configures the game store.
type StoreConfig struct {
	Driver string `yaml:"driver" env:"DRIVER"`
	Path   string `yaml:"path" env:"PATH"`
	DSN    string `yaml:"dsn" env:"DSN"`
}

// CacheConfig configures the analytics cache. An empty RedisURL keeps the
// cache and its version in process.
type CacheConfig struct {
	RedisURL string        `yaml:"redis_url" env:"REDIS_URL"`
	Prefix   string        `yaml:"prefix" env:"PREFIX"`
	ShortTTL time.Duration `yaml:"short_ttl" env:"SHORT_TTL"`
	LongTTL  time.Duration `yaml:"long_ttl" env:"LONG_TTL"`
	Size     int           `yaml:"size" env:"SIZE"`
}

// ServerConfig configures the listeners. An empty GRPCHealthAddr disables
// the gRPC health service.
type ServerConfig struct {
	Addr           string `yaml:"addr" env:"ADDR"`
	GRPCHealthAddr string `yaml:"grpc_health_addr" env:"GRPC_HEALTH_ADDR"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

// TelemetryConfig configures tracing. An empty Endpoint disables export.
type TelemetryConfig struct {
	Endpoint    string `yaml:"endpoint" env:"ENDPOINT"`
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	Insecure    bool   `yaml:"insecure" env:"INSECURE"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Upstream: UpstreamConfig{
			BaseURL:      upstream.DefaultBaseURL,
			HistoryPath:  upstream.DefaultHistoryPath,
			Method:       http.MethodPost,
			Timeout:      upstream.DefaultTimeout,
			CookieFile:   "cookies.txt",
			ChallengeURL: upstream.DefaultBaseURL + "/game/crash",
		},
		Poll: PollConfig{
			Interval:         ingest.DefaultPollInterval,
			RetryInterval:    ingest.DefaultRetryInterval,
			MaxRetryInterval: ingest.DefaultMaxRetryInterval,
			PageSize:         ingest.DefaultPageSize,
		},
		Catchup: CatchupConfig{
			Enabled:     true,
			Pages:       20,
			Concurrency: ingest.DefaultConcurrency,
			MaxAttempts: ingest.DefaultMaxAttempts,
		},
		Verify: VerifyConfig{
			Secret:    verify.DefaultSecret,
			Tolerance: verify.DefaultTolerance,
		},
		Store: StoreConfig{
			Driver: DriverSQLite,
			Path:   "crashwatch.db",
		},
		Cache: CacheConfig{
			Prefix:   cache.DefaultPrefix,
			ShortTTL: cache.DefaultShortTTL,
			LongTTL:  cache.DefaultLongTTL,
			Size:     1024,
		},
		Server: ServerConfig{
			Addr: ":8080",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "crashwatch",
		},
		Timezone: "UTC",
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty) and the environment, then validates it.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.mergeEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) mergeEnv() error {
	if err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	if _, err := verify.New(c.Verify.Secret); err != nil {
		errs = append(errs, fmt.Errorf("verify.secret: %w", err))
	}
	check(c.Verify.Tolerance >= 0, "verify.tolerance must not be negative")

	check(c.Upstream.BaseURL != "", "upstream.base_url is required")
	check(c.Upstream.Method == http.MethodGet || c.Upstream.Method == http.MethodPost,
		"upstream.method must be GET or POST, got %q", c.Upstream.Method)
	check(c.Upstream.Timeout > 0, "upstream.timeout must be positive")

	check(c.Poll.Interval > 0, "poll.interval must be positive")
	check(c.Poll.RetryInterval > 0, "poll.retry_interval must be positive")
	check(c.Poll.MaxRetryInterval >= c.Poll.RetryInterval, "poll.max_retry_interval must be at least poll.retry_interval")
	check(c.Poll.PageSize >= upstream.MinPageSize && c.Poll.PageSize <= upstream.MaxPageSize,
		"poll.page_size must be between %d and %d", upstream.MinPageSize, upstream.MaxPageSize)

	check(c.Catchup.Pages > 0, "catchup.pages must be positive")
	check(c.Catchup.Concurrency > 0, "catchup.concurrency must be positive")
	check(c.Catchup.MaxAttempts > 0, "catchup.max_attempts must be positive")

	switch c.Store.Driver {
	case DriverSQLite:
		check(c.Store.Path != "", "store.path is required for sqlite")
	case DriverPostgres:
		check(c.Store.DSN != "", "store.dsn is required for postgres")
	default:
		errs = append(errs, fmt.Errorf("store.driver must be %s or %s, got %q", DriverSQLite, DriverPostgres, c.Store.Driver))
	}

	check(c.Cache.ShortTTL > 0 && c.Cache.LongTTL > 0, "cache TTLs must be positive")
	check(c.Cache.Size > 0, "cache.size must be positive")
	check(c.Log.Format == "json" || c.Log.Format == "console", "log.format must be json or console, got %q", c.Log.Format)

	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone: %w", err))
	}
	return errors.Join(errs...)
}

// Location returns the configured zone, falling back to UTC.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

const mask = "*****"

// Redacted returns a copy safe to log: the secret and any database or Redis
// password are masked.
func (c Config) Redacted() Config {
	if c.Verify.Secret != "" {
		c.Verify.Secret = mask
	}
	c.Store.DSN = redactURL(c.Store.DSN)
	c.Cache.RedisURL = redactURL(c.Cache.RedisURL)
	return c
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	if _, ok := u.User.Password(); !ok {
		return raw
	}
	// url.UserPassword would percent-escape the mask.
	user := url.User(u.User.Username()).String()
	u.User = nil
	rest := strings.TrimPrefix(u.String(), u.Scheme+"://")
	return u.Scheme + "://" + user + ":" + mask + "@" + rest
}
