package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/crashwatch/internal/cache"
)

// ErrUnknownOperation is returned by Query for unregistered names.
var ErrUnknownOperation = errors.New("unknown analytics operation")

// Service runs operations against a Source through the cache.
type Service struct {
	src    Source
	cache  *cache.Manager
	ops    map[string]Operation
	now    func() time.Time
	logger *zap.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithNow sets the clock used by time-windowed operations.
func WithNow(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a Service. A nil cache computes every query directly.
func New(src Source, c *cache.Manager, opts ...Option) *Service {
	s := &Service{
		src:    src,
		cache:  c,
		ops:    map[string]Operation{},
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, op := range operations() {
		s.ops[op.Name] = op
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Operations returns the registered operations sorted by name.
func (s *Service) Operations() []Operation {
	out := make([]Operation, 0, len(s.ops))
	for _, op := range s.ops {
		out = append(out, op)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Query runs operation name with params and returns its JSON result.
// Invalid params yield a *game.ValidationError before any cache access.
func (s *Service) Query(ctx context.Context, name string, params Params) (json.RawMessage, error) {
	op, ok := s.ops[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownOperation, name)
	}
	key, run, err := op.prepare(params)
	if err != nil {
		return nil, err
	}
	compute := func(ctx context.Context) (any, error) {
		v, err := run(ctx, s.src, s.now())
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		return v, nil
	}

	if s.cache == nil {
		v, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode %s result: %w", name, err)
		}
		return data, nil
	}

	data, err := s.cache.GetOrCompute(ctx, name, key, compute, op.Tier)
	if err != nil {
		s.logger.Debug("analytics query failed", zap.String("operation", name), zap.Error(err))
		return nil, err
	}
	return data, nil
}
