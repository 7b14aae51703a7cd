package server

import (
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// service name reported through the grpc health protocol
const ServiceName = "opscoord"

// grpc health endpoint for orchestrators and load balancers
// serving once the first tick succeeded, not serving while ticks fail
type Health struct {
	srv  *health.Server
	grpc *grpc.Server
}

func NewHealth() *Health {
	hs := health.NewServer()
	g := grpc.NewServer()
	healthpb.RegisterHealthServer(g, hs)

	h := &Health{srv: hs, grpc: g}
	h.SetServing(false)
	return h
}

func (h *Health) SetServing(ok bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.srv.SetServingStatus("", status)
	h.srv.SetServingStatus(ServiceName, status)
}

// exposes the underlying health server, mostly for tests
func (h *Health) Server() healthpb.HealthServer {
	return h.srv
}

// blocks serving grpc health checks on lis
func (h *Health) Serve(lis net.Listener) error {
	return h.grpc.Serve(lis)
}

func (h *Health) Stop() {
	h.srv.Shutdown()
	h.grpc.GracefulStop()
}
