// Package grpchealth runs the brain/edge processes' gRPC health/reflection
// control-plane probe, grounded on the teacher pack's
// haasonsaas-nexus internal/gateway-server.go: a bare grpc.Server carrying
// only the standard health and reflection services, dialed by orchestrators
// (Kubernetes gRPC probes, service meshes) that want a protocol-level
// liveness check distinct from the HTTP /healthz surface.
package grpchealth

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// Server wraps a grpc.Server exposing only health checking and reflection.
type Server struct {
	name   string
	server *grpc.Server
	health *health.Server
}

// New builds a Server for serviceName (reported back by the health check),
// marking it SERVING immediately — the brain/edge processes have no startup
// phase gating readiness beyond their own bus/store connections, which main
// already verifies before constructing this server.
func New(serviceName string) *Server {
	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)
	healthServer.SetServingStatus(serviceName, grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)

	return &Server{name: serviceName, server: grpcServer, health: healthServer}
}

// SetServing updates the reported status, e.g. flipping to NOT_SERVING
// during graceful shutdown so load balancers stop routing new probes.
func (s *Server) SetServing(serving bool) {
	status := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if serving {
		status = grpc_health_v1.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(s.name, status)
	s.health.SetServingStatus("", status)
}

// Run listens on addr until ctx is canceled, then gracefully stops.
func (s *Server) Run(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("grpchealth: listen %s: %w", addr, err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		slog.Info("grpchealth: stopping", "service", s.name)
		s.SetServing(false)
		s.server.GracefulStop()
		return nil
	case err := <-errCh:
		return err
	}
}
