// Package server exposes pool liveness over the standard gRPC health
// protocol so load balancers and orchestrators can probe a flowpool process.
package server

import (
	"log/slog"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/ChuLiYu/flowpool/internal/events"
)

// ServiceName is the health service name reported for the pool.
const ServiceName = "flowpool.v1.Pool"

// Source reports whether the pool can currently run work.
type Source interface {
	Healthy() bool
}

// Server implements the gRPC health service for a pool.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	src    Source
	logger *slog.Logger

	mu      sync.Mutex
	serving bool
	unsub   events.Unsubscribe
}

// NewServer creates a server whose health follows src. Worker state
// changes published on sub trigger a re-check.
func NewServer(src Source, sub events.Subscriber, opts ...grpc.ServerOption) *Server {
	s := &Server{
		grpc:   grpc.NewServer(opts...),
		health: health.NewServer(),
		src:    src,
		logger: slog.With("component", "grpc"),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	reflection.Register(s.grpc)

	if sub != nil {
		s.unsub = events.On(sub, func(events.WorkerStateChanged) { s.Refresh() })
	}
	s.Refresh()
	return s
}

// Refresh re-reads the source and updates the reported status.
func (s *Server) Refresh() {
	serving := s.src.Healthy()

	s.mu.Lock()
	defer s.mu.Unlock()
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	if serving != s.serving {
		s.logger.Info("Pool health changed", "serving", serving)
	}
	s.serving = serving
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// Serve blocks serving on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("gRPC health server listening", "addr", lis.Addr().String())
	return s.grpc.Serve(lis)
}

// Stop marks every service not serving and drains in-flight RPCs.
func (s *Server) Stop() {
	if s.unsub != nil {
		s.unsub()
	}
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
