// Package live fans bus events out to WebSocket subscribers.
//
// Each connection gets a writer goroutine fed by a bounded buffer and a
// reader goroutine that only services control frames. A subscriber whose
// buffer fills is disconnected rather than allowed to stall the broadcast.
package live

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/roach88/crashwatch/internal/events"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 4096

	// DefaultSendBuffer is the number of frames queued per subscriber.
	DefaultSendBuffer = 256
)

// Frame is one message sent to subscribers.
type Frame struct {
	Type    events.Type `json:"type"`
	Payload any         `json:"payload"`
}

// Hub tracks subscribers and broadcasts frames to them.
type Hub struct {
	upgrader websocket.Upgrader
	buffer   int
	logger   *zap.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
	wg      sync.WaitGroup
}

// Option configures a Hub.
type Option func(*Hub)

// WithSendBuffer sets the per-subscriber frame buffer.
func WithSendBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// WithCheckOrigin overrides the upgrade origin check. The default accepts
// every origin.
func WithCheckOrigin(fn func(*http.Request) bool) Option {
	return func(h *Hub) {
		if fn != nil {
			h.upgrader.CheckOrigin = fn
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	}
}

// NewHub creates an empty hub.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		buffer:  DefaultSendBuffer,
		logger:  zap.NewNop(),
		clients: map[*client]struct{}{},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *client) stop() {
	c.once.Do(func() { close(c.done) })
}

// ServeHTTP upgrades the request and registers the subscriber.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		http.Error(w, "live feed is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &client{conn: conn, send: make(chan []byte, h.buffer), done: make(chan struct{})}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.wg.Add(2)
	h.mu.Unlock()

	h.logger.Debug("subscriber connected", zap.String("remote", r.RemoteAddr))
	go h.writePump(c)
	go h.readPump(c)
}

// Clients returns the number of connected subscribers.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast sends frame to every subscriber.
func (h *Hub) Broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error("encode frame", zap.String("type", string(frame.Type)), zap.Error(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.logger.Warn("dropping slow subscriber", zap.String("remote", c.conn.RemoteAddr().String()))
			delete(h.clients, c)
			c.stop()
		}
	}
}

// Handle is the bus handler. A new_record batch becomes one frame per
// record, in ascending ID order.
func (h *Hub) Handle(_ context.Context, ev events.Event) error {
	for _, frame := range Frames(ev) {
		h.Broadcast(frame)
	}
	return nil
}

// Frames converts an event into the frames subscribers receive.
func Frames(ev events.Event) []Frame {
	switch p := ev.Payload.(type) {
	case events.NewRecords:
		out := make([]Frame, 0, len(p.Records))
		for _, rec := range p.Records {
			out = append(out, Frame{Type: events.TypeNewRecord, Payload: rec})
		}
		return out
	case *events.NewRecords:
		return Frames(events.Event{Type: ev.Type, Payload: *p})
	default:
		return []Frame{{Type: ev.Type, Payload: ev.Payload}}
	}
}

// Close disconnects every subscriber and waits for their goroutines.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		c.stop()
	}
	h.mu.Unlock()
	h.wg.Wait()
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.stop()
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		h.wg.Done()
	}()

	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.remove(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(c)
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		}
	}
}

// readPump discards client messages; it exists to process pongs and notice
// disconnects.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.remove(c)
		h.wg.Done()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
