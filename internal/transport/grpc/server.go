package grpcx

import (
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthv1 "google.golang.org/grpc/health/grpc_health_v1"
)

// Health exposes the standard grpc health v1 service so the platform's
// mesh can probe readiness over the same port other backends use.
type Health struct {
	srv *health.Server
}

func NewHealth() *Health {
	return &Health{srv: health.NewServer()}
}

func (h *Health) Register(grpcServer *grpc.Server) {
	healthv1.RegisterHealthServer(grpcServer, h.srv)
}

// SetServing flips the whole-server serving status.
func (h *Health) SetServing(serving bool) {
	st := healthv1.HealthCheckResponse_SERVING
	if !serving {
		st = healthv1.HealthCheckResponse_NOT_SERVING
	}
	h.srv.SetServingStatus("", st)
}
