package health

import (
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name reported alongside the overall status.
const ServiceName = "certsync.Sync"

// GRPCServer exposes the health status over the standard gRPC health protocol.
type GRPCServer struct {
	server *health.Server
}

func NewGRPCServer(statusService *Service) *GRPCServer {
	g := &GRPCServer{server: health.NewServer()}
	statusService.Subscribe(g.update)
	return g
}

func (g *GRPCServer) update(status Status) {
	serving := healthpb.HealthCheckResponse_NOT_SERVING
	if status.Healthy() {
		serving = healthpb.HealthCheckResponse_SERVING
	}
	g.server.SetServingStatus("", serving)
	g.server.SetServingStatus(ServiceName, serving)
}

func (g *GRPCServer) Register(grpcServer *grpc.Server) {
	healthpb.RegisterHealthServer(grpcServer, g.server)
}
