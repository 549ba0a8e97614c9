package orchestrator

import (
	"context"
	"path"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"yuzu/tutor/internal/auth"
)

// Observe records per-method counts and latency, and logs failures.
func Observe(log *zap.Logger) grpc.UnaryServerInterceptor {
	log = log.Named("orch")
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		method := path.Base(info.FullMethod)
		code := status.Code(err)
		metricRequests.WithLabelValues(method, code.String()).Inc()
		metricRequestMS.WithLabelValues(method).Observe(float64(time.Since(start).Microseconds()) / 1000)
		if err != nil && code != codes.NotFound {
			log.Warn("rpc failed", zap.String("method", method), zap.Error(err))
		}
		return resp, err
	}
}

// Authenticate requires a pipeline bearer token in the "authorization"
// metadata. An empty secret disables the check.
func Authenticate(secret string, skewSeconds int) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if secret == "" {
			return handler(ctx, req)
		}
		md, _ := metadata.FromIncomingContext(ctx)
		var header string
		if v := md.Get("authorization"); len(v) > 0 {
			header = v[0]
		}
		tok, ok := auth.BearerToken(header)
		if !ok {
			metricAuthFailures.WithLabelValues("missing").Inc()
			return nil, status.Error(codes.Unauthenticated, "missing bearer token")
		}
		if _, err := auth.ValidateToken(secret, tok, auth.RolePipeline, "", time.Now(), skewSeconds); err != nil {
			metricAuthFailures.WithLabelValues("invalid").Inc()
			return nil, status.Error(codes.Unauthenticated, err.Error())
		}
		return handler(ctx, req)
	}
}
