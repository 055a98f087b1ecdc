package grpcx

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// UnaryServerRequestIDInterceptor reads request id from incoming metadata (if present),
// stores it in context, and echoes it back in response headers.
func UnaryServerRequestIDInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		id := incomingRequestID(ctx)
		_ = grpc.SetHeader(ctx, metadata.Pairs(RequestIDMetadataKey, id))
		ctx = WithRequestID(ctx, id)
		return handler(ctx, req)
	}
}

// UnaryServerAccessLogInterceptor logs one line per unary call, mirroring the HTTP access log.
func UnaryServerAccessLogInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Debug("grpc request",
			"request_id", RequestIDFromContext(ctx),
			"method", info.FullMethod,
			"code", status.Code(err).String(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return resp, err
	}
}
