package server

import (
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the name reported by the gRPC health service.
const ServiceName = "outreach.v1.Engine"

// NewGRPCServer returns a gRPC server carrying the health service and
// reflection behind recovery, logging, and auth interceptors. Both the
// overall and the engine health status start SERVING; flip them to
// NOT_SERVING before draining.
func NewGRPCServer(authToken string, logger *slog.Logger) (*grpc.Server, *health.Server) {
	if logger == nil {
		logger = slog.Default()
	}
	srv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(UnaryRecovery(logger), UnaryLogging(logger), UnaryAuth(authToken)),
		grpc.ChainStreamInterceptor(StreamRecovery(logger), StreamLogging(logger), StreamAuth(authToken)),
	)

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)
	reflection.Register(srv)

	return srv, hs
}
