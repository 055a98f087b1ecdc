package httpx

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// TenantHeader carries the tenant (company) id for API callers that already resolved it.
const TenantHeader = "X-Company-Id"

// counter counts hits of key in the fixed window containing now.
type counter interface {
	hit(ctx context.Context, key string, now time.Time) (int64, error)
}

// window is an aligned fixed window: every replica computes the same bucket for an instant.
type window time.Duration

func (w window) bucket(now time.Time) int64 {
	return now.UnixNano() / int64(w)
}

func (w window) reset(now time.Time) time.Time {
	return time.Unix(0, (w.bucket(now)+1)*int64(w))
}

// RateLimiter is a process-local fixed-window limiter.
type RateLimiter struct {
	limit  int
	window window

	mu     sync.Mutex
	bucket int64
	counts map[string]int64
}

func NewRateLimiter(limit int, per time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = 60
	}
	if per <= 0 {
		per = time.Minute
	}
	return &RateLimiter{limit: limit, window: window(per), counts: make(map[string]int64)}
}

func (rl *RateLimiter) Middleware() Middleware {
	return limitMiddleware(rl, rl.limit, rl.window, nil, true)
}

func (rl *RateLimiter) hit(_ context.Context, key string, now time.Time) (int64, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	// Counts only ever belong to the current bucket.
	if b := rl.window.bucket(now); b != rl.bucket {
		rl.bucket = b
		clear(rl.counts)
	}
	rl.counts[key]++
	return rl.counts[key], nil
}

func limitMiddleware(c counter, limit int, w window, logger *slog.Logger, failOpen bool) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			now := time.Now()
			n, err := c.hit(r.Context(), clientKey(r), now)
			if err != nil {
				if logger != nil {
					logger.Warn("rate limiter error", "err", err)
				}
				if failOpen {
					next.ServeHTTP(rw, r)
					return
				}
				WriteError(rw, http.StatusServiceUnavailable, "rate limiter unavailable")
				return
			}

			remaining := int64(limit) - n
			if remaining < 0 {
				remaining = 0
			}
			h := rw.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(limit))
			h.Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
			if n > int64(limit) {
				retry := int(time.Until(w.reset(now)).Seconds()) + 1
				h.Set("Retry-After", strconv.Itoa(retry))
				WriteError(rw, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(rw, r)
		})
	}
}

// clientKey buckets by tenant when the caller names one, otherwise by client address.
func clientKey(r *http.Request) string {
	if tenant := strings.TrimSpace(r.Header.Get(TenantHeader)); tenant != "" {
		return "tenant:" + tenant
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return "ip:" + strings.TrimSpace(first)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return "ip:" + host
	}
	return "ip:" + r.RemoteAddr
}
