package grpc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/weiawesome/meow-realtime/pkg/log"
)

// ServiceName is the health service name reported for the realtime core.
const ServiceName = "meow.realtime"

// Check reports whether a dependency is reachable.
type Check func(ctx context.Context) error

type Server struct {
	grpc     *grpc.Server
	health   *health.Server
	checks   map[string]Check
	interval time.Duration

	stopOnce sync.Once
	stop     chan struct{}
}

// NewServer builds a gRPC server exposing grpc.health.v1. Each named check
// is probed every interval; the overall status is SERVING only while all pass.
func NewServer(logger zerolog.Logger, checks map[string]Check, interval time.Duration) *Server {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	s := grpc.NewServer(
		grpc.UnaryInterceptor(log.UnaryServerInterceptor(logger)),
		grpc.StreamInterceptor(log.StreamServerInterceptor(logger)),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)

	srv := &Server{
		grpc:     s,
		health:   hs,
		checks:   checks,
		interval: interval,
		stop:     make(chan struct{}),
	}
	srv.probe(context.Background())
	return srv
}

// Serve listens on addr and blocks until the server stops.
func (s *Server) Serve(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.ServeListener(lis)
}

func (s *Server) ServeListener(lis net.Listener) error {
	go s.probeLoop()

	l := log.L()
	l.Info().Str("address", lis.Addr().String()).Msg("grpc health server listening")
	if err := s.grpc.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return err
	}
	return nil
}

func (s *Server) probeLoop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.interval)
			s.probe(ctx)
			cancel()
		}
	}
}

func (s *Server) probe(ctx context.Context) {
	overall := healthpb.HealthCheckResponse_SERVING
	for name, check := range s.checks {
		status := healthpb.HealthCheckResponse_SERVING
		if err := check(ctx); err != nil {
			status = healthpb.HealthCheckResponse_NOT_SERVING
			overall = status
			l := log.L()
			l.Warn().Err(err).Str("check", name).Msg("health check failed")
		}
		s.health.SetServingStatus(ServiceName+"."+name, status)
	}
	s.health.SetServingStatus("", overall)
	s.health.SetServingStatus(ServiceName, overall)
}

// Stop marks every service NOT_SERVING and drains in-flight calls.
func (s *Server) Stop(ctx context.Context) {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.health.Shutdown()

		stopped := make(chan struct{})
		go func() {
			s.grpc.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-ctx.Done():
			s.grpc.Stop()
		}
	})
}
