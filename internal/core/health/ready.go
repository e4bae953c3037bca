// Package health implements the process liveness and readiness endpoints.
package health

import (
	"context"
	"encoding/json"
	"net/http"
)

// Liveness reports the process is up; it never checks dependencies.
func Liveness() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}

// ReadinessReporter is satisfied by anything that can assess its own
// ability to serve traffic (store reachability, upstream availability).
type ReadinessReporter interface {
	Readiness(ctx context.Context) (ready bool, detail string)
}

func Readiness(rr ReadinessReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		type resp struct {
			Status string `json:"status"`
			Detail string `json:"detail,omitempty"`
		}
		ready, detail := rr.Readiness(r.Context())
		out := resp{Status: "not_ready", Detail: detail}
		w.Header().Set("Content-Type", "application/json")
		if ready {
			out.Status = "ready"
			out.Detail = ""
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(out)
	}
}
