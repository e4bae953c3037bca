// Package server wires the chi router, middleware chain, and HTTP
// listener, and drives graceful shutdown.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bietiekay/overpass-proxy/internal/core/config"
	"github.com/bietiekay/overpass-proxy/internal/core/health"
	"github.com/bietiekay/overpass-proxy/internal/core/middleware"
	"github.com/bietiekay/overpass-proxy/internal/core/router"
)

// Run builds the chi router and serves it on cfg.Port until ctx is
// cancelled, then drains in-flight requests for cfg.ShutdownTimeout.
// metricsHandler is mounted at /metrics when cfg.MetricsEnabled; callers
// that disable metrics may pass nil.
func Run(ctx context.Context, cfg config.Config, logger *slog.Logger, dispatcher router.Dispatcher, passthrough router.Passthrough, metricsHandler http.Handler, readiness health.ReadinessReporter) error {
	r := chi.NewRouter()
	r.Use(middleware.Recover())
	r.Use(middleware.Logging(logger))
	r.Use(middleware.CORS())

	r.Get("/healthz", health.Liveness())
	if readiness != nil {
		r.Get("/readyz", health.Readiness(readiness))
	}
	if cfg.MetricsEnabled && metricsHandler != nil {
		r.Get("/metrics", metricsHandler.ServeHTTP)
	}

	router.Mount(r, dispatcher, passthrough)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       120 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listen", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
