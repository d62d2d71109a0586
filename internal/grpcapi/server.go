// Package grpcapi serves the access core over gRPC: the standard health
// service driven by the readiness check, and the access service with
// Struct-encoded messages.
package grpcapi

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"rollcall.io/internal/access"
	"rollcall.io/internal/auth"
	"rollcall.io/internal/obs"
	"rollcall.io/internal/token"
)

// Readiness reports dependency status.
type Readiness interface {
	Check(ctx context.Context) (map[string]string, error)
}

// Server implements the access service and owns the health server.
type Server struct {
	authz     *access.Authorizer
	tokens    *token.Service
	sessions  *auth.Sessions
	readiness Readiness
	health    *health.Server
	logger    *slog.Logger
}

// NewServer wires the gRPC surface. readiness may be nil, in which case the
// service always reports SERVING.
func NewServer(authz *access.Authorizer, tokens *token.Service, sessions *auth.Sessions, readiness Readiness) *Server {
	return &Server{
		authz:     authz,
		tokens:    tokens,
		sessions:  sessions,
		readiness: readiness,
		health:    health.NewServer(),
		logger:    obs.Logger(),
	}
}

// NewGRPCServer builds a grpc.Server with the interceptor chain and both
// services registered.
func (s *Server) NewGRPCServer(opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.ChainUnaryInterceptor(
		UnaryErrors(s.logger),
		UnaryAuth(s.sessions,
			"/grpc.health.v1.Health/Check",
			MethodValidateToken,
		),
	))
	gs := grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(gs, s.health)
	gs.RegisterService(&AccessServiceDesc, s)
	return gs
}

// CheckReadiness runs the readiness check once and publishes the result to the health
// service and the readiness gauge.
func (s *Server) CheckReadiness(ctx context.Context) bool {
	ready := true
	if s.readiness != nil {
		if _, err := s.readiness.Check(ctx); err != nil {
			s.logger.Warn("grpc readiness check failed", "error", err)
			ready = false
		}
	}
	st := healthpb.HealthCheckResponse_SERVING
	if !ready {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(AccessServiceName, st)
	obs.SetReady(ready)
	return ready
}

// WatchReadiness re-checks readiness every interval until ctx ends, then
// marks the service as shutting down.
func (s *Server) WatchReadiness(ctx context.Context, interval time.Duration) {
	s.CheckReadiness(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.health.Shutdown()
			return
		case <-ticker.C:
			s.CheckReadiness(ctx)
		}
	}
}
