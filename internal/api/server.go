package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/shohag/remindrelay/internal/config"
	"github.com/shohag/remindrelay/internal/metrics"
	"github.com/shohag/remindrelay/internal/schedule"
)

type Server struct {
	cfg       config.ServerConfig
	metrics   config.MetricsConfig
	svc       *schedule.Service
	collector *metrics.Collector
	router    *chi.Mux
	log       zerolog.Logger
	http      *http.Server
}

func NewServer(cfg config.ServerConfig, metricsCfg config.MetricsConfig, svc *schedule.Service, collector *metrics.Collector, log zerolog.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		metrics:   metricsCfg,
		svc:       svc,
		collector: collector,
		log:       log,
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(LoggingMiddleware(s.log))

	schHandler := NewScheduleHandler(s.svc)
	statsHandler := NewStatsHandler(s.svc, s.collector)

	// Health check and scrape endpoint, no auth
	r.Get("/health", statsHandler.Health)
	if s.metrics.Enabled {
		r.Get(s.metrics.Path, statsHandler.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(APIKeyMiddleware(s.cfg.APIKey))

		r.Get("/stats", statsHandler.Stats)

		r.Post("/schedules", schHandler.Create)
		r.Get("/schedules", schHandler.List)
		r.Get("/schedules/{id}", schHandler.Get)
		r.Post("/schedules/{id}/cancel", schHandler.Cancel)
		r.Post("/schedules/{id}/send-now", schHandler.SendNow)
	})

	return r
}

func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	if s.cfg.APIKey == "" {
		s.log.Warn().Msg("server.api_key is empty, /api/v1 will reject every request")
	}
	s.log.Info().Str("addr", addr).Msg("starting HTTP server")
	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(timeout time.Duration) error {
	if s.http == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.http.Shutdown(ctx)
}
