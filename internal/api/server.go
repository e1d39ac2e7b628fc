package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/snarg/voice-sentinel/internal/config"
	"github.com/snarg/voice-sentinel/internal/metrics"
	"github.com/snarg/voice-sentinel/internal/session"
)

// ServerOptions holds everything the HTTP layer serves.
type ServerOptions struct {
	Config   *config.Config
	Sessions *session.Registry
	Analyses AnalysisLister // nil when no database is configured
	Health   HealthOptions
	Log      zerolog.Logger
}

type Server struct {
	http *http.Server
	log  zerolog.Logger
}

func NewServer(opts ServerOptions) *Server {
	cfg := opts.Config
	log := opts.Log.With().Str("component", "http").Logger()
	limits := cfg.Limits()

	r := chi.NewRouter()

	// Global middleware
	r.Use(RequestID)
	r.Use(Logger(log))
	r.Use(Recoverer)
	r.Use(metrics.InstrumentHandler)
	r.Use(CORSWithOrigins(cfg.CORSOrigins))

	health := NewHealthHandler(opts.Health)
	uploads := NewUploadHandler(opts.Sessions, limits, log)

	// Unversioned endpoints: liveness, the one-shot analyzer, metrics
	r.Get("/health", health.Liveness)
	r.Handle("/metrics", promhttp.Handler())
	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(cfg.AuthToken))
		r.Post("/upload-chunk", uploads.Upload)
	})

	r.Route("/api/v1", func(r chi.Router) {
		// Health endpoint, no auth
		r.Get("/health", health.ServeHTTP)

		r.Group(func(r chi.Router) {
			r.Use(BearerAuth(cfg.AuthToken))

			NewSessionsHandler(opts.Sessions, limits).Routes(r)
			r.Get("/sessions/{id}/record", NewRecordHandler(opts.Sessions, cfg.CORSOrigins).ServeHTTP)

			events := NewEventsHandler(opts.Sessions)
			r.Get("/sessions/{id}/events", events.SessionEvents)
			r.Get("/events", events.StreamEvents)

			r.Get("/analyses", NewAnalysesHandler(opts.Analyses).ListAnalyses)
		})
	})

	return &Server{
		http: &http.Server{
			Addr:         cfg.HTTPAddr,
			Handler:      r,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
		log: log,
	}
}

// Handler returns the router, for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http server starting")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.http.Shutdown(ctx)
}
