package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"placecache/internal/core/config"
	"placecache/internal/core/health"
	"placecache/internal/core/middleware"
	"placecache/internal/core/router"
)

// Deps carries everything the HTTP surface needs. Metrics may be nil, in
// which case the default prometheus handler serves /metrics.
type Deps struct {
	Engine  router.Resolver
	Ready   func() bool
	Ping    func(ctx context.Context) error
	Metrics http.Handler
}

// sets up http and starts serving
func Run(ctx context.Context, cfg config.Config, logger *slog.Logger, deps Deps) error {
	r := chi.NewRouter()
	r.Use(middleware.Recover())
	r.Use(middleware.Logging(logger))
	r.Use(middleware.CORS())

	metricsHandler := deps.Metrics
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}

	r.Get("/healthz", health.Liveness())
	r.Get("/health", health.Handler(health.Checker{
		ResolverReady: deps.Ready,
		StorePing:     deps.Ping,
	}))
	r.Get("/metrics", metricsHandler.ServeHTTP)

	r.Get("/geocode", router.HandleResolve(logger, deps.Engine))
	r.Post("/geocode/batch", router.HandleBatch(logger, cfg, deps.Engine))
	r.Get("/geocode/stats", router.HandleStats(logger, deps.Engine))
	r.Delete("/geocode/cache", router.HandleEvict(logger, cfg, deps.Engine))

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listen", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		wait := cfg.ShutdownTimeout
		if wait <= 0 {
			wait = 10 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), wait)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
