package grpcserver

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/rzbill/correlator/pkg/log"
)

const refreshInterval = time.Second

// Server owns the gRPC server instance and its health service.
type Server struct {
	checker HealthChecker
	health  *health.Server
	grpc    *grpc.Server
	lis     net.Listener
	logger  log.Logger
	serving atomic.Bool
}

// New constructs a gRPC server and registers the health service.
func New(checker HealthChecker, logger log.Logger, opts ...grpc.ServerOption) *Server {
	if logger == nil {
		logger = log.NewNop()
	}
	s := &Server{
		checker: checker,
		health:  health.NewServer(),
		logger:  logger.WithComponent("grpc"),
	}
	opts = append(opts, grpc.ChainUnaryInterceptor(s.logUnary))
	s.grpc = grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(s.grpc, s.health)
	reflection.Register(s.grpc)
	s.Refresh()
	return s
}

// ListenAndServe binds to addr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, l)
}

// Serve serves on l until ctx is done, refreshing the health status
// periodically.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	s.lis = l
	s.logger.Info("grpc listening", log.Str("addr", l.Addr().String()))
	errCh := make(chan error, 1)
	go func() { errCh <- s.grpc.Serve(l) }()

	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.health.Shutdown()
			s.grpc.GracefulStop()
			return nil
		case err := <-errCh:
			return err
		case <-ticker.C:
			s.Refresh()
		}
	}
}

// Close stops the server and closes the listener.
func (s *Server) Close() {
	if s.grpc != nil {
		s.grpc.GracefulStop()
	}
	if s.lis != nil {
		_ = s.lis.Close()
	}
}

func (s *Server) logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	if err != nil {
		s.logger.Debug("grpc call failed", log.Str("method", info.FullMethod), log.Dur("took", time.Since(start)), log.Err(err))
	}
	return resp, err
}
