// Package api serves the read-only HTTP surface: stored games, cached
// analytics, ad-hoc verification and health.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/crashwatch/internal/analytics"
	"github.com/roach88/crashwatch/internal/game"
	"github.com/roach88/crashwatch/internal/health"
	"github.com/roach88/crashwatch/internal/verify"
)

// Timeouts for the HTTP server.
const (
	ReadHeaderTimeout = 5 * time.Second
	ShutdownTimeout   = 10 * time.Second
)

// GameReader is the read side of the game store.
type GameReader interface {
	Get(ctx context.Context, id int64) (game.Record, error)
	List(ctx context.Context, offset, limit int) ([]game.Record, int64, error)
}

// Analytics runs named analytics operations.
type Analytics interface {
	Query(ctx context.Context, name string, params analytics.Params) (json.RawMessage, error)
}

// HealthReporter exposes component health.
type HealthReporter interface {
	Snapshot() []health.Component
	Overall() health.Status
}

// Server routes API requests.
type Server struct {
	games     GameReader
	analytics Analytics
	verifier  *verify.Engine
	health    HealthReporter
	mux       *http.ServeMux
	logger    *zap.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithAnalytics enables /api/analytics.
func WithAnalytics(a Analytics) Option {
	return func(s *Server) {
		s.analytics = a
	}
}

// WithVerifier enables /api/verify.
func WithVerifier(v *verify.Engine) Option {
	return func(s *Server) {
		s.verifier = v
	}
}

// WithHealth enables component detail on /healthz.
func WithHealth(h HealthReporter) Option {
	return func(s *Server) {
		s.health = h
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithRoute mounts an extra handler, such as the live feed.
func WithRoute(pattern string, h http.Handler) Option {
	return func(s *Server) {
		s.mux.Handle(pattern, h)
	}
}

// New creates a Server over games.
func New(games GameReader, opts ...Option) *Server {
	s := &Server{
		games:  games,
		mux:    http.NewServeMux(),
		logger: zap.NewNop(),
	}
	s.routes()
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/games", s.handleListGames)
	s.mux.HandleFunc("GET /api/games/{id}", s.handleGetGame)
	s.mux.HandleFunc("GET /api/analytics/{operation}", s.handleAnalytics)
	s.mux.HandleFunc("POST /api/analytics/{operation}", s.handleAnalytics)
	s.mux.HandleFunc("GET /api/verify", s.handleVerify)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
	s.mux.ServeHTTP(sw, r)
	s.logger.Debug("http request",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Int("status", sw.status),
		zap.Duration("took", time.Since(start)),
	)
}

// ListenAndServe serves on addr until ctx ends, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves on lis until ctx ends.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: ReadHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	serveErr := make(chan error, 1)
	s.logger.Info("api listening", zap.String("addr", lis.Addr().String()))
	go func() {
		serveErr <- srv.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		<-serveErr
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

// statusWriter records the response status for logging.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Hijack lets the WebSocket upgrade take over the connection.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}
