package grpcserver

import (
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/rzbill/correlator/pkg/log"
)

// ServiceName is the health service name reported for the correlation
// engine. The empty name reports the server as a whole.
const ServiceName = "correlator.v1.Correlation"

// HealthChecker reports a fatal error of the engine, if any.
type HealthChecker interface {
	Err() error
}

// Refresh updates the health status from the checker.
func (s *Server) Refresh() healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_SERVING
	if err := s.checker.Err(); err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
		if s.serving.Swap(false) {
			s.logger.Error("engine stopped, reporting not serving", log.Err(err))
		}
	} else {
		s.serving.Store(true)
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
	return status
}
