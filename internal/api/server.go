package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/snarg/conjunx/internal/config"
	"github.com/snarg/conjunx/internal/metrics"
	"github.com/snarg/conjunx/internal/storage"
)

// ServerOptions holds the dependencies of the HTTP server. Ledger and Events
// may be nil.
type ServerOptions struct {
	Config    *config.Config
	Jobs      JobQueue
	Ledger    JobLedger
	Store     storage.OutputStore
	Events    EventSource
	Health    *HealthHandler
	UploadDir string
	Log       zerolog.Logger
}

type Server struct {
	http *http.Server
	log  zerolog.Logger
}

func NewServer(opts ServerOptions) *Server {
	cfg := opts.Config
	log := opts.Log
	r := chi.NewRouter()

	// Global middleware
	r.Use(RequestID)
	r.Use(Logger(log))
	r.Use(Recoverer)
	r.Use(CORS)
	r.Use(metrics.InstrumentHandler)

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// No auth
		r.Get("/health", opts.Health.ServeHTTP)

		r.Group(func(r chi.Router) {
			r.Use(BearerAuth(cfg.AuthToken))
			NewRenderHandler(opts.Jobs, opts.Store, opts.UploadDir, cfg.MaxUploadMB, log).Routes(r)
			NewJobsHandler(opts.Jobs, opts.Ledger, opts.Store, log).Routes(r)
			NewEventsHandler(opts.Events).Routes(r)
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

// Handler exposes the router for tests.
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
