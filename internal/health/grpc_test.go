package health

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

func check(t *testing.T, s *GRPCServer, service string) grpc_health_v1.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := s.health.Check(context.Background(), &grpc_health_v1.HealthCheckRequest{Service: service})
	require.NoError(t, err)
	return resp.GetStatus()
}

func TestGRPCServer_MirrorsTracker(t *testing.T) {
	tr := NewTracker(nil)
	tr.Serving("store")
	s := NewGRPCServer(tr, nil)

	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, check(t, s, "store"))
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, check(t, s, ""))

	tr.Degraded("poller", errors.New("503"))
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, check(t, s, "poller"))

	tr.Blocked("poller", errors.New("challenge"))
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_NOT_SERVING, check(t, s, "poller"))
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_NOT_SERVING, check(t, s, ""))

	tr.Serving("poller")
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, check(t, s, ""))
}

func TestGRPCServer_ServesOverNetwork(t *testing.T) {
	tr := NewTracker(nil)
	tr.Serving("poller")
	s := NewGRPCServer(tr, nil)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.ServeListener(ctx, lis) }()

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)

	callCtx, callCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer callCancel()
	resp, err := grpc_health_v1.NewHealthClient(conn).Check(callCtx, &grpc_health_v1.HealthCheckRequest{Service: "poller"})
	require.NoError(t, err)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, resp.GetStatus())
	require.NoError(t, conn.Close())

	cancel()
	assert.NoError(t, <-done)
}
