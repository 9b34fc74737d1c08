package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"

	"github.com/lazysync/lazysync/internal/auth"
	"github.com/lazysync/lazysync/internal/config"
	"github.com/lazysync/lazysync/internal/metrics"
	"github.com/lazysync/lazysync/internal/server/handlers"
	"github.com/lazysync/lazysync/internal/server/middleware"
	"github.com/lazysync/lazysync/internal/worker"
)

// Deps are the collaborators the API serves.
type Deps struct {
	Backend handlers.Backend
	// Broker relays credential prompts to websocket clients. Optional.
	Broker *auth.Broker
	// Worker runs deployments in the background. Without it
	// /v1/service/ensure deploys inline.
	Worker *worker.Worker
	// Queue overrides the worker's client for enqueuing.
	Queue handlers.Enqueuer
	// Host names the profile passed to queued tasks.
	Host string
}

type Server struct {
	cfg        *config.Config
	deps       Deps
	router     chi.Router
	httpServer *http.Server
}

func New(cfg *config.Config, deps Deps) (*Server, error) {
	if deps.Queue == nil && deps.Worker != nil {
		deps.Queue = deps.Worker.Client()
	}
	s := &Server{
		cfg:  cfg,
		deps: deps,
	}

	s.setupRouter()

	return s, nil
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// Middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(chimiddleware.Recoverer)

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health checks
	r.Get("/health", handlers.Health)
	r.Get("/ready", handlers.Ready(s.deps.Backend))
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Auth(s.cfg.APIToken))

		// Listing calls wait on the remote service; bound them.
		r.Group(func(r chi.Router) {
			r.Use(chimiddleware.Timeout(s.requestTimeout()))
			r.Get("/path", handlers.GetPath(s.deps.Backend))
			r.Post("/path", handlers.PrefetchPath(s.deps.Backend))
		})
		r.Post("/service/ensure", handlers.EnsureService(s.deps.Backend, s.deps.Queue, s.deps.Host))

		r.Get("/ws", handlers.Stream(s.deps.Backend, s.deps.Broker, handlers.NewUpgrader(s.cfg.CORSAllowedOrigins)))
	})

	s.router = r
}

func (s *Server) requestTimeout() time.Duration {
	// Leave room for the client's own timeout to fire first.
	if s.cfg.RequestTimeout > 0 {
		return s.cfg.RequestTimeout + 5*time.Second
	}
	return 10 * time.Second
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	if s.deps.Worker != nil {
		s.deps.Worker.Start()
	}

	log.Info().Str("component", "api").Str("addr", addr).Msg("starting HTTP server")
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Str("component", "api").Msg("shutting down HTTP server")
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return err
		}
	}

	if s.deps.Worker != nil {
		log.Info().Str("component", "api").Msg("shutting down asynq worker")
		s.deps.Worker.Shutdown()
	}
	return nil
}
