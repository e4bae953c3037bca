// Package router wires the Overpass-facing HTTP surface onto a chi
// router: the one cacheable endpoint dispatches through the caching
// pipeline, every other /api path is forwarded verbatim.
package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bietiekay/overpass-proxy/internal/core/observability"
)

// Dispatcher serves /api/interpreter, the only cacheable endpoint.
type Dispatcher interface {
	ServeHTTP(w http.ResponseWriter, r *http.Request)
}

// Passthrough forwards a request verbatim to an upstream.
type Passthrough interface {
	Forward(w http.ResponseWriter, r *http.Request)
}

// Mount attaches the /api surface to r: interpreter is routed through
// dispatcher, everything else (status, timestamp, kill_my_queries, any
// other /api path) is routed through passthrough.
func Mount(r chi.Router, dispatcher Dispatcher, passthrough Passthrough) {
	r.Get("/api/interpreter", instrument("/api/interpreter", dispatcher.ServeHTTP))
	r.Post("/api/interpreter", instrument("/api/interpreter", dispatcher.ServeHTTP))

	r.Get("/api/status", instrument("/api/status", passthrough.Forward))
	r.Get("/api/timestamp", instrument("/api/timestamp", passthrough.Forward))
	r.Get("/api/timestamp/*", instrument("/api/timestamp/*", passthrough.Forward))
	r.Post("/api/kill_my_queries", instrument("/api/kill_my_queries", passthrough.Forward))

	r.HandleFunc("/api/*", instrument("/api/*", passthrough.Forward))
}

// instrument wraps a handler with the HTTP-level Prometheus observation
// the rest of the proxy's components record for their own operations.
func instrument(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		h(sw, r)
		observability.ObserveHTTP(r.Method, route, sw.code, time.Since(start).Seconds())
	}
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
