package httpapi

import (
	"context"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"muwise.app/internal/obs"
)

// GRPCServer serves the standard gRPC health protocol, driven by the same
// readiness probe as /readyz.
type GRPCServer struct {
	server    *grpc.Server
	health    *health.Server
	readiness readinessChecker
}

// NewGRPCServer creates the server with the health service registered. Status
// starts as NOT_SERVING until the first Refresh.
func NewGRPCServer(r readinessChecker, opts ...grpc.ServerOption) *GRPCServer {
	if r == nil {
		r = ReadyProbe{}
	}
	s := &GRPCServer{
		server:    grpc.NewServer(opts...),
		health:    health.NewServer(),
		readiness: r,
	}
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	s.health.SetServingStatus(serviceName, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(s.server, s.health)
	return s
}

// Refresh runs the readiness probe once and publishes the result.
func (s *GRPCServer) Refresh(ctx context.Context) bool {
	status := healthpb.HealthCheckResponse_SERVING
	ok := s.readiness.Check(ctx) == nil
	if !ok {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	obs.SetReady(ok)
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(serviceName, status)
	return ok
}

// Watch refreshes the health status every interval until ctx ends.
func (s *GRPCServer) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		probeCtx, cancel := context.WithTimeout(ctx, interval/2)
		s.Refresh(probeCtx)
		cancel()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *GRPCServer) Serve(lis net.Listener) error { return s.server.Serve(lis) }

// Shutdown marks the service as not serving and drains connections.
func (s *GRPCServer) Shutdown() {
	s.health.Shutdown()
	s.server.GracefulStop()
}
