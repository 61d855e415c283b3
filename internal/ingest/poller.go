package ingest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/roach88/crashwatch/internal/clock"
	"github.com/roach88/crashwatch/internal/events"
	"github.com/roach88/crashwatch/internal/game"
	"github.com/roach88/crashwatch/internal/upstream"
)

const tracerName = "github.com/roach88/crashwatch/internal/ingest"

// Component names reported to Health.
const (
	ComponentPoller     = "poller"
	ComponentReconciler = "reconciler"
)

// Poller defaults.
const (
	DefaultPollInterval     = 5 * time.Second
	DefaultRetryInterval    = 2 * time.Second
	DefaultMaxRetryInterval = time.Minute
	DefaultPageSize         = 50
)

// ErrAlreadyRunning is returned by Run when the Poller is already running.
var ErrAlreadyRunning = errors.New("poller already running")

// State is the Poller's position in its cycle.
type State int32

const (
	StateIdle State = iota
	StateFetching
	StateProcessing
	StateSleeping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateFetching:
		return "FETCHING"
	case StateProcessing:
		return "PROCESSING"
	case StateSleeping:
		return "SLEEPING"
	case StateStopped:
		return "STOPPED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Cycle summarizes one poll.
type Cycle struct {
	Fetched       int   `json:"fetched"`
	Fresh         int   `json:"fresh"`
	Inserted      int   `json:"inserted"`
	Skipped       int   `json:"skipped"`
	Conflicts     int   `json:"conflicts"`
	HighWaterMark int64 `json:"highWaterMark"`
}

// Poller ingests the newest feed page on a fixed cadence.
type Poller struct {
	feed     Feed
	store    GameStore
	verifier Verifier
	mark     *Watermark

	bus    Publisher
	health Health
	clock  clock.Clock
	logger *zap.Logger

	pageSize         int
	interval         time.Duration
	retryInterval    time.Duration
	maxRetryInterval time.Duration

	state   atomic.Int32
	running atomic.Bool
}

// PollerOption configures a Poller.
type PollerOption func(*Poller)

// WithPageSize sets how many records each poll requests.
func WithPageSize(n int) PollerOption {
	return func(p *Poller) {
		if n > 0 {
			p.pageSize = n
		}
	}
}

// WithInterval sets the pause between successful cycles. Blocked cycles also
// use it.
func WithInterval(d time.Duration) PollerOption {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithRetry sets the transient-failure backoff: the n-th consecutive failure
// waits interval*2^(n-1), capped at maxInterval.
func WithRetry(interval, maxInterval time.Duration) PollerOption {
	return func(p *Poller) {
		if interval > 0 {
			p.retryInterval = interval
		}
		if maxInterval > 0 {
			p.maxRetryInterval = maxInterval
		}
	}
}

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) PollerOption {
	return func(p *Poller) {
		if c != nil {
			p.clock = c
		}
	}
}

// WithPublisher sets where new_record events go.
func WithPublisher(bus Publisher) PollerOption {
	return func(p *Poller) {
		if bus != nil {
			p.bus = bus
		}
	}
}

// WithHealth sets the health sink.
func WithHealth(h Health) PollerOption {
	return func(p *Poller) {
		if h != nil {
			p.health = h
		}
	}
}

// WithPollerLogger sets the logger.
func WithPollerLogger(l *zap.Logger) PollerOption {
	return func(p *Poller) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewPoller creates a Poller that owns mark.
func NewPoller(feed Feed, store GameStore, verifier Verifier, mark *Watermark, opts ...PollerOption) *Poller {
	p := &Poller{
		feed:             feed,
		store:            store,
		verifier:         verifier,
		mark:             mark,
		bus:              nopPublisher{},
		health:           nopHealth{},
		clock:            clock.Real(),
		logger:           zap.NewNop(),
		pageSize:         DefaultPageSize,
		interval:         DefaultPollInterval,
		retryInterval:    DefaultRetryInterval,
		maxRetryInterval: DefaultMaxRetryInterval,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.maxRetryInterval < p.retryInterval {
		p.maxRetryInterval = p.retryInterval
	}
	return p
}

// State returns the current state.
func (p *Poller) State() State {
	return State(p.state.Load())
}

// Watermark returns the mark this Poller owns.
func (p *Poller) Watermark() *Watermark {
	return p.mark
}

func (p *Poller) setState(s State) {
	p.state.Store(int32(s))
}

// Run polls until ctx is done. It never returns an upstream or store error;
// those are logged, reported to Health and retried.
func (p *Poller) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer p.running.Store(false)
	defer p.setState(StateStopped)

	p.logger.Info("poller started",
		zap.Int64("high_water_mark", p.mark.Load()),
		zap.Duration("interval", p.interval),
		zap.Int("page_size", p.pageSize),
	)

	failures := 0
	for {
		if ctx.Err() != nil {
			p.logger.Info("poller stopped", zap.Int64("high_water_mark", p.mark.Load()))
			return nil
		}

		cycle, err := p.cycle(ctx)
		wait := p.interval
		switch {
		case err == nil:
			failures = 0
			p.health.Serving(ComponentPoller)
			if cycle.Inserted > 0 {
				p.logger.Info("poll cycle stored records",
					zap.Int("inserted", cycle.Inserted),
					zap.Int64("high_water_mark", cycle.HighWaterMark),
				)
			}
		case ctx.Err() != nil:
			continue
		case game.IsBlocked(err):
			failures = 0
			p.health.Blocked(ComponentPoller, err)
			p.logger.Warn("upstream blocked; refresh credentials", zap.Error(err), zap.Duration("retry_in", wait))
		default:
			failures++
			wait = p.retryDelay(failures)
			p.health.Degraded(ComponentPoller, err)
			p.logger.Warn("poll cycle failed",
				zap.Error(err),
				zap.Int("consecutive_failures", failures),
				zap.Duration("retry_in", wait),
			)
		}

		p.sleep(ctx, wait)
	}
}

// Poll runs one FETCHING/PROCESSING cycle outside the loop.
func (p *Poller) Poll(ctx context.Context) (Cycle, error) {
	defer p.setState(StateIdle)
	return p.cycle(ctx)
}

func (p *Poller) cycle(ctx context.Context) (Cycle, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "poller.cycle")
	defer span.End()

	p.setState(StateFetching)
	page, err := p.feed.FetchPage(ctx, 1, p.pageSize)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		return Cycle{HighWaterMark: p.mark.Load()}, err
	}

	p.setState(StateProcessing)
	cycle, err := p.process(ctx, page)
	span.SetAttributes(
		attribute.Int("records.fetched", cycle.Fetched),
		attribute.Int("records.inserted", cycle.Inserted),
		attribute.Int64("high_water_mark", cycle.HighWaterMark),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "process failed")
	}
	return cycle, err
}

// process verifies and stores the records above the mark in ascending order.
// On a store failure it stops, keeping the mark at the last processed ID so
// the next cycle resumes there.
func (p *Poller) process(ctx context.Context, page upstream.Page) (Cycle, error) {
	for _, ve := range page.Invalid {
		p.logger.Warn("skipping malformed record", zap.Int64("id", ve.RecordID), zap.String("reason", ve.Message))
	}

	mark := p.mark.Load()
	fresh := make([]game.Record, 0, len(page.Records))
	for _, rec := range page.Records {
		if rec.ID > mark {
			fresh = append(fresh, rec)
		}
	}
	sort.Slice(fresh, func(i, j int) bool { return fresh[i].ID < fresh[j].ID })

	cycle := Cycle{Fetched: len(page.Records), Fresh: len(fresh), Skipped: len(page.Invalid)}
	stored := make([]game.Record, 0, len(fresh))

	var storeErr error
	for _, rec := range fresh {
		if err := p.verifier.Apply(&rec); err != nil {
			cycle.Skipped++
			p.logger.Warn("skipping unverifiable record", zap.Int64("id", rec.ID), zap.Error(err))
			p.mark.advance(rec.ID)
			continue
		}
		inserted, err := p.store.Upsert(ctx, rec)
		switch {
		case game.IsConflict(err):
			cycle.Conflicts++
			p.logger.Error("conflicting record; stored row kept", zap.Int64("id", rec.ID), zap.Error(err))
		case err != nil:
			storeErr = fmt.Errorf("store game %d: %w", rec.ID, err)
		case inserted:
			cycle.Inserted++
			stored = append(stored, rec)
			if !rec.Verified {
				p.logger.Warn("outcome mismatch",
					zap.Int64("id", rec.ID),
					zap.Float64("reported", rec.ReportedOutcome),
					zap.Float64("calculated", rec.CalculatedOutcome),
					zap.Float64("deviation", rec.Deviation),
				)
			}
		}
		if storeErr != nil {
			break
		}
		p.mark.advance(rec.ID)
	}
	cycle.HighWaterMark = p.mark.Load()

	if len(stored) > 0 {
		p.bus.Publish(ctx, events.Event{
			Type: events.TypeNewRecord,
			Payload: events.NewRecords{
				Records:       stored,
				Inserted:      len(stored),
				HighWaterMark: cycle.HighWaterMark,
			},
		})
	}
	return cycle, storeErr
}

// sleep waits for d or until ctx is done.
func (p *Poller) sleep(ctx context.Context, d time.Duration) {
	p.setState(StateSleeping)
	t := p.clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C():
	}
}

func (p *Poller) retryDelay(failures int) time.Duration {
	d := p.retryInterval
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= p.maxRetryInterval {
			return p.maxRetryInterval
		}
	}
	return min(d, p.maxRetryInterval)
}
