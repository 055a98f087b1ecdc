package httpx

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

type ctxKey struct{}

const RequestIDHeader = "X-Request-Id"

const maxRequestIDLen = 128

func RequestIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ctxKey{}).(string)
	return v
}

// WithRequestID propagates the caller's X-Request-Id, or assigns one, and echoes it back.
func WithRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" || len(id) > maxRequestIDLen {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
	})
}
