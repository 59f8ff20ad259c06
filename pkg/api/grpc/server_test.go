package grpc

import (
	"context"
	"testing"
	"time"

	"github.com/aescanero/labexec/internal/application/workers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type staticHealth struct {
	healthy bool
}

func (h *staticHealth) GetStatus() *workers.HealthStatus {
	return &workers.HealthStatus{Healthy: h.healthy}
}

func startServer(t *testing.T, reporter HealthReporter) (*Server, healthpb.HealthClient) {
	t.Helper()

	srv, err := NewServer(&Config{Port: 0, Health: reporter, SyncInterval: time.Hour, Logger: zap.NewNop()})
	require.NoError(t, err)
	go func() { _ = srv.Start() }()

	conn, err := grpc.NewClient(srv.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = conn.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})

	return srv, healthpb.NewHealthClient(conn)
}

func TestServer_ReportsServing(t *testing.T) {
	_, client := startServer(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}

func TestServer_FollowsPoolHealth(t *testing.T) {
	reporter := &staticHealth{healthy: false}
	srv, client := startServer(t, reporter)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)

	reporter.healthy = true
	srv.SyncHealth()

	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}
