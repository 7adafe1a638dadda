// Package server exposes the runbook engine over HTTP.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/stage0-ops/runbook-api/pkg/auth"
	"github.com/stage0-ops/runbook-api/pkg/config"
	"github.com/stage0-ops/runbook-api/pkg/middleware"
	"github.com/stage0-ops/runbook-api/pkg/observability"
	"github.com/stage0-ops/runbook-api/pkg/service"
)

// Server owns the HTTP listener and wires middleware around the engine.
type Server struct {
	log      logrus.FieldLogger
	cfg      *config.Config
	svc      *service.Service
	verifier *auth.Verifier
	limiter  *middleware.RateLimiter
	router   chi.Router

	mu      sync.Mutex
	server  *http.Server
	started bool
}

// New creates a Server with all routes registered.
func New(log logrus.FieldLogger, cfg *config.Config) (*Server, error) {
	svc, err := service.New(log, cfg)
	if err != nil {
		return nil, fmt.Errorf("building service: %w", err)
	}

	s := &Server{
		log:      log.WithField("component", "server"),
		cfg:      cfg,
		svc:      svc,
		verifier: auth.NewVerifier(log, cfg.Auth),
		limiter:  middleware.NewRateLimiter(log, cfg.RateLimit),
	}

	s.router = s.buildRouter(log)

	return s, nil
}

// buildRouter registers all routes and middleware.
func (s *Server) buildRouter(log logrus.FieldLogger) chi.Router {
	logger, ok := log.(*logrus.Logger)
	if !ok {
		logger = observability.DefaultLogger()
	}

	r := chi.NewRouter()
	r.Use(observability.NewLoggingMiddleware(logger).Middleware())

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	if s.cfg.Observability.MetricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		if s.cfg.Auth.EnableLogin {
			r.Post("/dev-login", s.handleDevLogin)
		}

		r.Group(func(r chi.Router) {
			r.Use(s.verifier.Middleware())
			r.Use(s.limiter.Middleware(""))

			r.Get("/config", s.handleConfig)

			r.Route("/runbooks", func(r chi.Router) {
				r.Get("/", s.handleList)
				r.Get("/{filename}", s.handleRead)
				r.Get("/{filename}/required-env", s.handleRequiredEnv)
				r.Patch("/{filename}/validate", s.handleValidate)

				r.Group(func(r chi.Router) {
					r.Use(s.limiter.Middleware(middleware.ScopeExecute))
					r.Post("/{filename}/execute", s.handleExecute)
				})
			})
		})
	})

	return r
}

// Handler exposes the configured router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds the listener and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("server already started")
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)

	// Bind first so port conflicts fail fast.
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("binding to %s: %w", addr, err)
	}

	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	s.log.WithField("addr", addr).Info("Starting runbook API server")

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("Server error")
		}
	}()

	s.started = true

	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}

	_ = s.limiter.Close()

	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutting down server: %w", err)
		}
	}

	s.started = false
	s.log.Info("Runbook API server stopped")

	return nil
}
