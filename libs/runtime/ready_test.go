package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestReadyzReportsEveryCheck(t *testing.T) {
	mux := NewBaseMuxWithReady(
		ReadyCheck{Name: "db", Check: func(context.Context) error { return nil }},
		ReadyCheck{Name: "redis", Check: func(context.Context) error { return errors.New("connection refused") }},
	)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	var report readyReport
	if err := json.NewDecoder(rec.Body).Decode(&report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if report.Status != "unavailable" || report.Checks["db"] != "ok" || report.Checks["redis"] != "connection refused" {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestReadyzWithoutChecks(t *testing.T) {
	mux := NewBaseMuxWithReady()
	for _, path := range []string{"/healthz", "/readyz"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, rec.Code)
		}
	}
}
