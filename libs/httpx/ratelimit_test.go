package httpx

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRateLimiterBucketsByTenant(t *testing.T) {
	rl := NewRateLimiter(2, time.Hour)
	h := rl.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	call := func(tenant string) int {
		req := httptest.NewRequest(http.MethodGet, "http://example.com", nil)
		req.Header.Set(TenantHeader, tenant)
		rw := httptest.NewRecorder()
		h.ServeHTTP(rw, req)
		return rw.Code
	}

	if code := call("company-1"); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if code := call("company-1"); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if code := call("company-1"); code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", code)
	}
	if code := call("company-2"); code != http.StatusOK {
		t.Fatalf("other tenant should not be limited, got %d", code)
	}
}

func TestRateLimiterWindowResets(t *testing.T) {
	rl := NewRateLimiter(1, time.Second)
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	ctx := context.Background()
	for _, step := range []struct {
		at   time.Duration
		want int64
	}{
		{0, 1},
		{500 * time.Millisecond, 2},
		{2 * time.Second, 1},
	} {
		if n, _ := rl.hit(ctx, "k", now.Add(step.at)); n != step.want {
			t.Fatalf("at +%s: count %d, want %d", step.at, n, step.want)
		}
	}
}

func TestRateLimitHeaders(t *testing.T) {
	h := NewRateLimiter(1, time.Hour).Middleware()(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(TenantHeader, "c1")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("unexpected remaining %q", rec.Header().Get("X-RateLimit-Remaining"))
	}
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests || rec.Header().Get("Retry-After") == "" {
		t.Fatalf("expected 429 with Retry-After, got %d", rec.Code)
	}
}

func TestChainOrder(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	h := Chain(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}), mw("a"), mw("b"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Fatalf("unexpected order %v", order)
	}
}
