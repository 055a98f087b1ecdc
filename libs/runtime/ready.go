package runtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// ReadyCheck is a named dependency check for /readyz.
type ReadyCheck struct {
	Name  string
	Check func(context.Context) error
}

type readyReport struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// NewBaseMuxWithReady serves /healthz (process alive) and /readyz, which runs every check
// concurrently with a 2s budget and answers 503 when any of them fails.
func NewBaseMuxWithReady(checks ...ReadyCheck) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeReport(w, http.StatusOK, readyReport{Status: "ok"})
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		report := readyReport{Status: "ok", Checks: runChecks(ctx, checks)}
		status := http.StatusOK
		for _, result := range report.Checks {
			if result != "ok" {
				report.Status = "unavailable"
				status = http.StatusServiceUnavailable
				break
			}
		}
		writeReport(w, status, report)
	})
	return mux
}

func runChecks(ctx context.Context, checks []ReadyCheck) map[string]string {
	results := make(map[string]string, len(checks))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, c := range checks {
		if c.Check == nil {
			continue
		}
		name := c.Name
		if name == "" {
			name = "dependency"
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			result := "ok"
			if err := c.Check(ctx); err != nil {
				result = err.Error()
			}
			mu.Lock()
			results[name] = result
			mu.Unlock()
		}()
	}
	wg.Wait()
	return results
}

func writeReport(w http.ResponseWriter, status int, report readyReport) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(report)
}
