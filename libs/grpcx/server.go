package grpcx

import (
	"log/slog"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// NewServer builds a gRPC server with tracing, request ids and access logging, and registers
// the standard health service. Callers flip serving status through the returned health server.
func NewServer(logger *slog.Logger, extra ...grpc.ServerOption) (*grpc.Server, *health.Server) {
	opts := []grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			UnaryServerRequestIDInterceptor(),
			UnaryServerAccessLogInterceptor(logger),
		),
	}
	opts = append(opts, extra...)

	srv := grpc.NewServer(opts...)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	return srv, hs
}
