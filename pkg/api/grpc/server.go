package grpc

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/aescanero/plugflow/internal/application/orchestrator"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health service name reported for the orchestrator
const ServiceName = "plugflow.Orchestrator"

// Server represents the gRPC server. It serves the standard health service
// so load balancers can track orchestrator availability.
type Server struct {
	server   *grpc.Server
	listener net.Listener
	health   *health.Server
	manager  *orchestrator.Manager
	logger   *zap.Logger
	interval time.Duration
	stop     chan struct{}
}

// Config holds gRPC server configuration
type Config struct {
	Port    int
	Manager *orchestrator.Manager
	Logger  *zap.Logger

	// WatchInterval is how often manager availability is mirrored into the
	// health status
	WatchInterval time.Duration
}

// NewServer creates a new gRPC server listening on the configured port
func NewServer(cfg *Config) (*Server, error) {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("failed to create listener: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := cfg.WatchInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}

	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	s := &Server{
		server:   grpcServer,
		listener: listener,
		health:   healthServer,
		manager:  cfg.Manager,
		logger:   logger,
		interval: interval,
		stop:     make(chan struct{}),
	}
	s.refresh()

	return s, nil
}

// Addr returns the listen address
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	s.logger.Info("starting gRPC server", zap.String("addr", s.Addr()))

	go s.watch()

	if err := s.server.Serve(s.listener); err != nil {
		return fmt.Errorf("failed to serve gRPC: %w", err)
	}

	return nil
}

// Shutdown marks the server NOT_SERVING and stops it gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down gRPC server")

	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	s.health.Shutdown()

	done := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.server.Stop()
	}

	s.logger.Info("gRPC server shut down complete")
	return nil
}

// watch mirrors the manager's availability into the health service
func (s *Server) watch() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.refresh()
		}
	}
}

func (s *Server) refresh() {
	status := healthpb.HealthCheckResponse_SERVING
	if s.manager != nil && !s.manager.Accepting() {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}
