package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tendant/vstore/pkg/vstore/config"
)

type healthResponse struct {
	Status string   `json:"status"`
	Jobs   []string `json:"jobs"`
}

func newRouter(app *config.App) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		render.JSON(w, r, healthResponse{Status: "ok", Jobs: app.Registry.Names()})
	})
	return r
}

type metricsServer struct {
	server *http.Server
	logger *slog.Logger
}

func startMetricsServer(addr string, handler http.Handler, logger *slog.Logger) *metricsServer {
	s := &metricsServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
	go func() {
		logger.Info("metrics server starting", "addr", addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "err", err)
		}
	}()
	return s
}

func (s *metricsServer) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("metrics server forced to shutdown", "err", err)
	}
}
