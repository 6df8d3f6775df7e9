// Package grpcx serves the gRPC health protocol of the saga listener.
package grpcx

import (
	"context"
	"log/slog"
	"net"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/jcmexdev/message-sagas/internal/pkg/interceptors"
)

// ServiceName is the health service name reported besides the server-wide "".
const ServiceName = "saga.Listener"

type Server struct {
	grpc   *grpc.Server
	health *health.Server
	log    *slog.Logger
}

// NewServer builds a server reporting NOT_SERVING until SetServing(true).
func NewServer(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		grpc: grpc.NewServer(
			grpc.StatsHandler(otelgrpc.NewServerHandler()),
			grpc.UnaryInterceptor(interceptors.UnaryServerInterceptor(logger)),
		),
		health: health.NewServer(),
		log:    logger,
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.SetServing(false)
	return s
}

// SetServing flips the reported status of both the server and ServiceName.
func (s *Server) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

// Serve blocks until Stop. It returns nil after a graceful stop.
func (s *Server) Serve(lis net.Listener) error {
	s.log.Info("grpc admin server running", "addr", lis.Addr().String())
	return s.grpc.Serve(lis)
}

// Stop waits for in-flight calls until ctx is done, then forces the stop.
func (s *Server) Stop(ctx context.Context) {
	s.health.Shutdown()
	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.grpc.Stop()
		<-done
	}
}
