package health

import (
	"context"
	"errors"
	"fmt"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

// GRPCServer mirrors a Tracker into the standard gRPC health service. Each
// component is a service name; the empty service reflects Overall.
type GRPCServer struct {
	tracker *Tracker
	health  *grpchealth.Server
	server  *grpc.Server
	logger  *zap.Logger
}

// NewGRPCServer registers the health service and subscribes to tracker.
func NewGRPCServer(tracker *Tracker, logger *zap.Logger) *GRPCServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &GRPCServer{
		tracker: tracker,
		health:  grpchealth.NewServer(),
		server:  grpc.NewServer(),
		logger:  logger,
	}
	grpc_health_v1.RegisterHealthServer(s.server, s.health)

	for _, c := range tracker.Snapshot() {
		s.health.SetServingStatus(c.Name, servingStatus(c.Status))
	}
	s.health.SetServingStatus("", servingStatus(tracker.Overall()))
	tracker.OnChange(func(name string, status Status) {
		s.health.SetServingStatus(name, servingStatus(status))
		s.health.SetServingStatus("", servingStatus(tracker.Overall()))
	})
	return s
}

// Serve listens on addr until ctx is done.
func (s *GRPCServer) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.ServeListener(ctx, lis)
}

// ServeListener serves on lis until ctx is done.
func (s *GRPCServer) ServeListener(ctx context.Context, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("grpc health listening", zap.String("addr", lis.Addr().String()))
		errCh <- s.server.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		s.health.Shutdown()
		s.server.GracefulStop()
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("grpc health: %w", err)
	}
}

// servingStatus maps tracker states onto the gRPC protocol. DEGRADED still
// serves cached history, so only BLOCKED reports NOT_SERVING.
func servingStatus(s Status) grpc_health_v1.HealthCheckResponse_ServingStatus {
	switch s {
	case StatusServing, StatusDegraded:
		return grpc_health_v1.HealthCheckResponse_SERVING
	case StatusBlocked:
		return grpc_health_v1.HealthCheckResponse_NOT_SERVING
	default:
		return grpc_health_v1.HealthCheckResponse_UNKNOWN
	}
}
