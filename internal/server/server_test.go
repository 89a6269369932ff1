package server

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"github.com/ChuLiYu/flowpool/internal/events"
	"github.com/ChuLiYu/flowpool/pkg/types"
)

type fakeSource struct{ up atomic.Bool }

func (f *fakeSource) Healthy() bool { return f.up.Load() }

func dial(t *testing.T, s *Server) healthpb.HealthClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)

	cc, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { cc.Close() })
	return healthpb.NewHealthClient(cc)
}

func check(t *testing.T, c healthpb.HealthClient, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := c.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	require.NoError(t, err)
	return resp.Status
}

func TestHealthFollowsWorkerEvents(t *testing.T) {
	src := &fakeSource{}
	bus := events.NewBus()
	c := dial(t, NewServer(src, bus))

	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, c, ServiceName))

	src.up.Store(true)
	bus.Publish(events.WorkerStateChanged{WorkerID: "w", From: types.WorkerOffline, To: types.WorkerIdle})
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, c, ServiceName))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, c, ""))

	src.up.Store(false)
	bus.Publish(events.WorkerStateChanged{WorkerID: "w", From: types.WorkerIdle, To: types.WorkerOffline})
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, c, ServiceName))
}

func TestManualRefresh(t *testing.T) {
	src := &fakeSource{}
	s := NewServer(src, nil)
	c := dial(t, s)

	src.up.Store(true)
	s.Refresh()
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, c, ServiceName))
}

func TestUnknownService(t *testing.T) {
	c := dial(t, NewServer(&fakeSource{}, nil))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := c.Check(ctx, &healthpb.HealthCheckRequest{Service: "nope"})
	assert.Error(t, err)
}
