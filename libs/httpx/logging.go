package httpx

import (
	"log/slog"
	"net/http"
	"time"

	otelx "github.com/fellipesaraiva88/agentedaauzap-sub004/libs/otel"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (w *statusRecorder) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.bytes += int64(n)
	return n, err
}

// WithAccessLog writes one line per request. Server errors log at error, client errors at
// warn, and health checks only at debug.
func WithAccessLog(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)

			level := slog.LevelInfo
			switch {
			case rec.status >= 500:
				level = slog.LevelError
			case rec.status >= 400:
				level = slog.LevelWarn
			case r.URL.Path == "/healthz" || r.URL.Path == "/readyz":
				level = slog.LevelDebug
			}
			attrs := []any{
				"request_id", RequestIDFromContext(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"bytes", rec.bytes,
				"duration_ms", time.Since(start).Milliseconds(),
			}
			if tenant := tenantOf(r); tenant != "" {
				attrs = append(attrs, "company_id", tenant)
			}
			if traceID := otelx.TraceID(r.Context()); traceID != "" {
				attrs = append(attrs, "trace_id", traceID)
			}
			logger.Log(r.Context(), level, "http request", attrs...)
		})
	}
}

func tenantOf(r *http.Request) string {
	if tenant := r.Header.Get(TenantHeader); tenant != "" {
		return tenant
	}
	return r.URL.Query().Get("company_id")
}
