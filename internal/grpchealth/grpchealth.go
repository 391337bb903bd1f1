// Package grpchealth serves the standard gRPC health protocol for orchestrators
// that probe over gRPC, and provides the matching client probe.
package grpchealth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Service is the name the gateway reports under. The empty name reports overall health.
const Service = "recapflow.gateway"

// Check returns nil when a dependency is healthy.
type Check func(ctx context.Context) error

type Server struct {
	grpc     *grpc.Server
	health   *health.Server
	checks   map[string]Check
	interval time.Duration
	log      *logrus.Logger
}

func NewServer(checks map[string]Check, interval time.Duration, log *logrus.Logger) *Server {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	return &Server{grpc: srv, health: hs, checks: checks, interval: interval, log: log}
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves on lis until ctx is done. Statuses are refreshed every interval.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	s.Refresh(ctx)
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.health.Shutdown()
				s.grpc.GracefulStop()
				return
			case <-ticker.C:
				s.Refresh(ctx)
			}
		}
	}()

	s.log.WithField("addr", lis.Addr().String()).Info("gRPC health service listening")
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("serve grpc health: %w", err)
	}
	return nil
}

// Refresh runs every check and publishes the result.
func (s *Server) Refresh(ctx context.Context) {
	status := healthpb.HealthCheckResponse_SERVING
	for name, check := range s.checks {
		cctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := check(cctx)
		cancel()
		if err != nil {
			s.log.WithError(err).WithField("check", name).Warn("Health check failed")
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(Service, status)
}

// Probe asks the health service at addr about service.
func Probe(ctx context.Context, addr, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("health check %s: %w", addr, err)
	}
	return resp.GetStatus(), nil
}
