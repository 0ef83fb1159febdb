package server

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/websoft9/webssh/internal/audit"
	"github.com/websoft9/webssh/internal/config"
	"github.com/websoft9/webssh/internal/registry"
	"github.com/websoft9/webssh/internal/server/handlers"
	"github.com/websoft9/webssh/internal/server/middleware"
	"github.com/websoft9/webssh/internal/terminal"
)

// Deps are the collaborators the HTTP server wires into its handlers.
type Deps struct {
	Connector terminal.Connector
	Registry  *registry.Registry
	Audit     audit.Writer
}

type Server struct {
	cfg        *config.Config
	deps       Deps
	router     chi.Router
	httpServer *http.Server
	draining   atomic.Bool
}

func New(cfg *config.Config, deps Deps) (*Server, error) {
	if deps.Registry == nil {
		deps.Registry = registry.New(cfg.TerminalIdleTimeout)
	}
	if deps.Audit == nil {
		deps.Audit = audit.NewLogWriter()
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
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Plain HTTP endpoints
	r.Group(func(r chi.Router) {
		r.Use(chimiddleware.Timeout(60 * time.Second))

		r.Get("/health", handlers.Health(s.cfg.Version))
		r.Get("/ready", handlers.Ready(func() bool { return !s.draining.Load() }))
		if s.cfg.MetricsEnabled {
			r.Handle("/metrics", promhttp.Handler())
		}
	})

	// Terminal WebSocket. No request timeout: the connection is long-lived.
	term := handlers.NewTerminal(s.cfg, s.deps.Connector, s.deps.Registry, s.deps.Audit)
	r.Group(func(r chi.Router) {
		r.Use(middleware.Auth(s.cfg))

		r.Method(http.MethodGet, "/ws", term)
		r.Method(http.MethodGet, "/terminal", term)
	})

	s.router = r
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting requests, then closes every live terminal
// connection. Hijacked WebSocket connections are not tracked by http.Server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.draining.Store(true)

	log.Info().Msg("Shutting down HTTP server")
	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}

	log.Info().Int("connections", s.deps.Registry.Len()).Msg("Closing terminal connections")
	s.deps.Registry.CloseAll()

	return err
}
