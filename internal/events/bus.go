package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Handler consumes one event. A returned error is logged and otherwise
// ignored.
type Handler func(ctx context.Context, ev Event) error

// Bus is an in-process publish/subscribe hub.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger
	now    func() time.Time
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the bus logger.
func WithLogger(l *zap.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithClock sets the function used to stamp events.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) {
		if now != nil {
			b.now = now
		}
	}
}

// New creates an empty bus.
func New(opts ...Option) *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		subs:   make(map[uint64]*Subscription),
		ctx:    ctx,
		cancel: cancel,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscription is a registered handler.
type Subscription struct {
	id      uint64
	name    string
	handler Handler
	inline  bool
	bus     *Bus
	queue   *queue
	done    chan struct{}
	once    sync.Once
}

// SubscribeOption configures a Subscription.
type SubscribeOption func(*Subscription)

// WithInline runs the handler synchronously in the publisher's goroutine.
// Use only for fast handlers whose effect must be visible when Publish
// returns.
func WithInline() SubscribeOption {
	return func(s *Subscription) {
		s.inline = true
	}
}

// Subscribe registers h under name. Events published after Subscribe returns
// are delivered; earlier events are not replayed. Subscribing to a closed
// bus returns a subscription that never receives anything.
func (b *Bus) Subscribe(name string, h Handler, opts ...SubscribeOption) *Subscription {
	s := &Subscription{
		name:    name,
		handler: h,
		bus:     b,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(s.done)
		return s
	}

	b.nextID++
	s.id = b.nextID
	b.subs[s.id] = s

	if s.inline {
		close(s.done)
	} else {
		s.queue = newQueue()
		go s.run(b.ctx)
	}
	return s
}

// Name returns the subscription name.
func (s *Subscription) Name() string {
	return s.name
}

// Pending returns the number of events queued but not yet handled.
func (s *Subscription) Pending() int {
	if s.queue == nil {
		return 0
	}
	return s.queue.Len()
}

// Unsubscribe removes the subscription. Events already queued are still
// delivered; Unsubscribe returns once the worker has exited.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s.id)
		s.bus.mu.Unlock()

		if s.queue != nil {
			s.queue.Close()
		}
	})
	<-s.done
}

// Publish delivers ev to every current subscriber. Queued subscribers get the
// event asynchronously; inline subscribers run before Publish returns.
// Publishing on a closed bus is a no-op.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	if ev.ID == "" {
		if id, err := uuid.NewV7(); err == nil {
			ev.ID = id.String()
		} else {
			ev.ID = uuid.NewString()
		}
	}
	if ev.At.IsZero() {
		ev.At = b.now()
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		b.logger.Debug("publish on closed bus", zap.String("type", string(ev.Type)))
		return
	}
	inline := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.inline {
			inline = append(inline, s)
			continue
		}
		s.queue.Enqueue(ev)
	}
	b.mu.RUnlock()

	for _, s := range inline {
		s.deliver(ctx, ev)
	}
}

// Close stops the bus. Queued events are drained before the workers exit;
// Close returns once every worker has finished.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = make(map[uint64]*Subscription)
	b.mu.Unlock()

	for _, s := range subs {
		s.once.Do(func() {
			if s.queue != nil {
				s.queue.Close()
			}
		})
	}
	for _, s := range subs {
		<-s.done
	}
	b.cancel()
}

func (s *Subscription) run(ctx context.Context) {
	defer close(s.done)
	for {
		if ev, ok := s.queue.TryDequeue(); ok {
			s.deliver(ctx, ev)
			continue
		}
		if s.queue.Drained() {
			return
		}
		<-s.queue.Wait()
	}
}

func (s *Subscription) deliver(ctx context.Context, ev Event) {
	logger := s.bus.logger
	defer func() {
		if r := recover(); r != nil {
			logger.Error("event handler panicked",
				zap.String("subscriber", s.name),
				zap.String("type", string(ev.Type)),
				zap.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	if err := s.handler(ctx, ev); err != nil {
		logger.Warn("event handler failed",
			zap.String("subscriber", s.name),
			zap.String("type", string(ev.Type)),
			zap.String("event_id", ev.ID),
			zap.Error(err),
		)
	}
}
