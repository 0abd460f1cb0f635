// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Partscout Contributors

// Package server exposes the agent loop over HTTP.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	pserr "github.com/partscout/partscout/pkg/errors"
)

// Version is reported in the OpenAPI document.
var Version = "dev"

// Config holds HTTP server configuration.
type Config struct {
	ListenAddr  string
	CORSOrigins []string
	// AuthRequired rejects requests without valid basic-auth credentials.
	AuthRequired bool
	ReadTimeout  time.Duration
	// WriteTimeout bounds a whole response, streams included.
	WriteTimeout time.Duration
	Logger       *slog.Logger
}

// Server wraps a chi router with huma API and HTTP server.
type Server struct {
	router        chi.Router
	api           huma.API
	cfg           Config
	log           *slog.Logger
	services      *Services
	streamHandler StreamHandler
}

// New creates a Server with chi router, huma API, auth, CORS and every route.
func New(cfg Config, svc *Services) (*Server, error) {
	if cfg.ListenAddr == "" {
		return nil, pserr.New(pserr.CodeServerConfigInvalid, "listen address is required")
	}
	if svc == nil {
		return nil, pserr.New(pserr.CodeServerConfigInvalid, "services are required")
	}
	if cfg.AuthRequired && svc.auth == nil {
		return nil, pserr.New(pserr.CodeServerConfigInvalid, "auth is required but no authenticator is configured")
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 5 * time.Minute
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(corsMiddleware(cfg.CORSOrigins))
	r.Use(authMiddleware(svc.auth, cfg.AuthRequired, log))

	humaConfig := huma.DefaultConfig("Partscout API", Version)
	humaConfig.Info.Description = "Product datasheet assistant"
	api := humachi.New(r, humaConfig)

	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Tags:        []string{"system"},
	}, func(_ context.Context, _ *struct{}) (*HealthResponse, error) {
		return &HealthResponse{Body: HealthBody{Status: "ok", Version: Version}}, nil
	})

	srv := &Server{
		router:        r,
		api:           api,
		cfg:           cfg,
		log:           log,
		services:      svc,
		streamHandler: svc,
	}
	srv.registerSSERoute()
	srv.registerRoutes()

	return srv, nil
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.router
}

// API returns the huma API for registering additional operations.
func (s *Server) API() huma.API {
	return s.api
}

// Start runs the HTTP server and blocks until the context is cancelled,
// then performs graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return pserr.Wrapf(err, pserr.CodeServerStartFailure, "listening on %s", s.cfg.ListenAddr)
	}
	s.log.Info("partscout listening", "addr", ln.Addr().String(), "auth_required", s.cfg.AuthRequired)

	srv := &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return pserr.Wrap(err, pserr.CodeServerStartFailure, "serving http")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return pserr.Wrap(err, pserr.CodeServerShutdownFailure, "shutting down")
	}
	s.services.Close()

	return <-errCh
}

// HealthBody is the JSON body of the health endpoint response.
type HealthBody struct {
	Status  string `json:"status" example:"ok" doc:"Health status"`
	Version string `json:"version,omitempty" doc:"Server version"`
}

// HealthResponse wraps the health check response.
type HealthResponse struct {
	Body HealthBody
}

// corsMiddleware lets browser clients on origins call the API with basic
// auth. With no origins configured no CORS headers are sent.
func corsMiddleware(origins []string) func(http.Handler) http.Handler {
	if len(origins) == 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Content-Type"},
		AllowCredentials: true,
		MaxAge:           600,
	})
}
