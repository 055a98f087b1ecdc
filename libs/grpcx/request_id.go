package grpcx

import (
	"context"

	"github.com/google/uuid"
	"google.golang.org/grpc/metadata"
)

type ctxKey struct{}

// RequestIDMetadataKey carries the request id in gRPC metadata, matching the HTTP header.
const RequestIDMetadataKey = "x-request-id"

const maxRequestIDLen = 128

func RequestIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ctxKey{}).(string)
	return v
}

func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKey{}, id)
}

func NewRequestID() string {
	return uuid.NewString()
}

// incomingRequestID returns the caller's request id, or a fresh one when it is missing or
// oversized.
func incomingRequestID(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if vals := md.Get(RequestIDMetadataKey); len(vals) > 0 && vals[0] != "" && len(vals[0]) <= maxRequestIDLen {
			return vals[0]
		}
	}
	return NewRequestID()
}
