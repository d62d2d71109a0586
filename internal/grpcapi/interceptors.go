package grpcapi

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"rollcall.io/internal/apperr"
	"rollcall.io/internal/auth"
)

// UnaryErrors converts taxonomy errors returned by handlers into gRPC
// statuses and logs one line per call.
func UnaryErrors(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if err != nil {
			if _, ok := status.FromError(err); !ok {
				err = apperr.GRPCStatus(err).Err()
			}
		}
		st := status.Convert(err)
		logger.Info("rpc_complete",
			"method", info.FullMethod,
			"code", st.Code().String(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return resp, err
	}
}

// UnaryAuth resolves the bearer token in the authorization metadata into an
// identity. Methods listed in public skip authentication.
func UnaryAuth(sessions *auth.Sessions, public ...string) grpc.UnaryServerInterceptor {
	skip := make(map[string]struct{}, len(public))
	for _, m := range public {
		skip[m] = struct{}{}
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if _, ok := skip[info.FullMethod]; ok {
			return handler(ctx, req)
		}
		if sessions == nil {
			return nil, apperr.GRPCStatus(apperr.Wrap(apperr.Unauthenticated, auth.ErrMissingSecret)).Err()
		}
		var header string
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if v := md.Get("authorization"); len(v) > 0 {
				header = v[0]
			}
		}
		token, err := auth.ParseBearer(header)
		if err != nil {
			return nil, apperr.GRPCStatus(apperr.Wrap(apperr.Unauthenticated, err)).Err()
		}
		id, err := sessions.Parse(token)
		if err != nil {
			return nil, apperr.GRPCStatus(apperr.Wrap(apperr.Unauthenticated, err)).Err()
		}
		ctx = auth.ContextWithIdentity(ctx, id)
		ctx = auth.ContextWithToken(ctx, token)
		return handler(ctx, req)
	}
}
