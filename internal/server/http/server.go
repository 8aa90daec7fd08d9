// Package http exposes the serving container contract over HTTP.
package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humamux"
	"github.com/gorilla/mux"

	"github.com/ekisa-team/detserve/internal/service"
)

const shutdownTimeout = 10 * time.Second

// Config holds the listener settings.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxBodyBytes int64
}

// Deps are the services the routes call. Audit and Events are optional.
type Deps struct {
	Inference *service.Inference
	Models    Models
	Audit     AuditLog
	Events    http.Handler
	Version   string
}

// Server is the HTTP front of the container.
type Server struct {
	srv    *http.Server
	router *mux.Router
	api    huma.API
}

// New builds the router and registers every route.
func New(cfg Config, deps Deps) *Server {
	router := mux.NewRouter()

	version := deps.Version
	if version == "" {
		version = "dev"
	}
	api := humamux.New(router, huma.DefaultConfig("detserve", version))

	NewInvocationsHandler(api, deps.Inference, deps.Models, cfg.MaxBodyBytes)
	NewModelsHandler(api, deps.Models, deps.Audit)

	if deps.Events != nil {
		router.Handle("/events", deps.Events).Methods(http.MethodGet)
	}

	return &Server{
		srv: &http.Server{
			Addr:         cfg.Addr,
			Handler:      router,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		router: router,
		api:    api,
	}
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is done and then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting HTTP server", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	slog.Info("Shutting down HTTP server")
	return s.srv.Shutdown(shutdownCtx)
}
