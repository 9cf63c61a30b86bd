// Package server hosts the HTTP listeners of a running controller.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nholik/cutover/internal/healthcheck"
	"github.com/nholik/cutover/internal/metrics"
	"github.com/rs/zerolog"
)

const shutdownTimeout = 5 * time.Second

// Listener is one HTTP server to run.
type Listener struct {
	Label   string
	Addr    string
	Handler http.Handler
}

// Probes returns the health and metrics listeners for the configured ports.
// A zero port disables that listener; equal ports share one server.
func Probes(tracker *healthcheck.Tracker, pollInterval time.Duration, metricsCollector *metrics.Metrics, healthPort, metricsPort int) []Listener {
	if healthPort == 0 && metricsPort == 0 {
		return nil
	}

	if healthPort > 0 && metricsPort > 0 && healthPort == metricsPort {
		mux := http.NewServeMux()
		registerHealthRoutes(mux, tracker, pollInterval)
		registerMetricsRoute(mux, metricsCollector)
		return []Listener{{Label: "health/metrics", Addr: portAddr(healthPort), Handler: mux}}
	}

	var listeners []Listener
	if healthPort > 0 {
		mux := http.NewServeMux()
		registerHealthRoutes(mux, tracker, pollInterval)
		listeners = append(listeners, Listener{Label: "health", Addr: portAddr(healthPort), Handler: mux})
	}

	if metricsPort > 0 {
		mux := http.NewServeMux()
		registerMetricsRoute(mux, metricsCollector)
		listeners = append(listeners, Listener{Label: "metrics", Addr: portAddr(metricsPort), Handler: mux})
	}
	return listeners
}

func portAddr(port int) string {
	return fmt.Sprintf(":%d", port)
}

func registerHealthRoutes(mux *http.ServeMux, tracker *healthcheck.Tracker, pollInterval time.Duration) {
	mux.HandleFunc("GET /healthz", healthcheck.HealthHandler(tracker, pollInterval))
	mux.HandleFunc("GET /readyz", healthcheck.ReadyHandler(tracker))
}

func registerMetricsRoute(mux *http.ServeMux, metricsCollector *metrics.Metrics) {
	if metricsCollector == nil {
		return
	}
	mux.Handle("GET /metrics", metricsCollector.Handler())
}

// Serve runs l until ctx is done and then shuts it down gracefully.
func Serve(ctx context.Context, logger zerolog.Logger, l Listener) error {
	server := &http.Server{
		Addr:              l.Addr,
		Handler:           l.Handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info().Str("server", l.Label).Str("addr", l.Addr).Msg("http server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- fmt.Errorf("%s server on %s: %w", l.Label, l.Addr, err)
		}
		close(errs)
	}()

	select {
	case err, ok := <-errs:
		if ok {
			logger.Error().Err(err).Str("server", l.Label).Msg("http server failed")
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Str("server", l.Label).Msg("http server shutdown failed")
		return err
	}
	<-errs
	return nil
}
