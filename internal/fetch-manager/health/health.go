package health

import (
	"context"
	"fmt"
	"net"

	"github.com/cloudwego/hertz/pkg/common/hlog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"background-fetch-service/internal/models"
)

const ServiceName = "fetch-scheduler"

// StatusSource reports whether background fetch is currently available.
type StatusSource interface {
	Status() models.FetchStatus
}

// Server exposes grpc.health.v1 for the scheduler. The service is SERVING
// while background fetch is AVAILABLE.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	source StatusSource
}

func NewServer(source StatusSource) *Server {
	s := &Server{grpc: grpc.NewServer(), health: health.NewServer(), source: source}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.Refresh()
	return s
}

// Refresh copies the current fetch status into the health service.
func (s *Server) Refresh() {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if s.source != nil && s.source.Status() == models.FetchStatusAvailable {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(ServiceName, status)
	s.health.SetServingStatus("", status)
}

func (s *Server) Check(ctx context.Context) (healthpb.HealthCheckResponse_ServingStatus, error) {
	s.Refresh()
	resp, err := s.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

// Serve listens on addr and blocks until Stop is called.
func (s *Server) Serve(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	hlog.Infof("gRPC health service listening on %s", lis.Addr())
	return s.ServeListener(lis)
}

func (s *Server) ServeListener(lis net.Listener) error {
	return s.grpc.Serve(lis)
}

func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
