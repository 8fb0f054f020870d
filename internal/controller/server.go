// Package controller contains the controller-specific logic for the HTTP API.
package controller

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"caeplane/internal/controller/handlers"
	"caeplane/internal/controller/middleware"
)

// Options configures the API surface.
type Options struct {
	// APIToken protects every route except the probes and metrics.
	APIToken     string
	APIRateLimit float64
	APIRateBurst int
	// Metrics is served at /metrics when set.
	Metrics http.Handler
}

// Server is the HTTP server for the controller API.
type Server struct {
	httpServer *http.Server
}

// New creates a new controller server.
func New(addr string, h *handlers.Handlers, opts Options, log *slog.Logger) *Server {
	authMW := middleware.RequireBearerToken(opts.APIToken)
	rateMW := middleware.NewRateLimiter(opts.APIRateLimit, opts.APIRateBurst).Middleware()
	protected := func(fn http.HandlerFunc) http.Handler {
		return rateMW(authMW(fn))
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics)
	}

	mux.Handle("POST /plans", protected(h.BuildPlan))
	mux.Handle("GET /plans/{id}", protected(h.GetPlan))
	mux.Handle("POST /plans/{id}/execute", protected(h.ExecutePlan))

	mux.Handle("POST /headful/runs", protected(h.StartHeadfulRun))
	mux.Handle("GET /headful/runs/{id}", protected(h.HeadfulRunStatus))
	mux.Handle("POST /headful/runs/{id}/actions", protected(h.ExecuteHeadfulAction))
	mux.Handle("DELETE /headful/runs/{id}", protected(h.CloseHeadfulRun))

	return &Server{
		httpServer: &http.Server{
			Addr:        addr,
			Handler:     middleware.RequestID(middleware.Tracing(mux)),
			ReadTimeout: 10 * time.Second,
			// Real executions wait on the portal and the submit throttle.
			WriteTimeout: 5 * time.Minute,
			ErrorLog:     slog.NewLogLogger(log.Handler(), slog.LevelError),
		},
	}
}

// Handler returns the fully wrapped router.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run starts the HTTP server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		shutDownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return s.Shutdown(shutDownCtx)
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
