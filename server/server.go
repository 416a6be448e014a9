// Package server is the HTTP surface of the download server: submission
// form, file listing, result pages, and the JSON endpoints around them.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jupark12/ydl-server/extractor"
	"github.com/jupark12/ydl-server/history"
	"github.com/jupark12/ydl-server/metrics"
	"github.com/jupark12/ydl-server/models"
	"github.com/jupark12/ydl-server/submit"
	"github.com/jupark12/ydl-server/tenancy"
	"github.com/jupark12/ydl-server/worker"
)

// Submitter turns a request into a queued download.
type Submitter interface {
	Submit(ctx context.Context, tenant models.Tenant, url, presetToken string) (submit.Result, error)
}

// Pipeline exposes the queue and worker for observability endpoints.
type Pipeline interface {
	Pending() []models.JobSummary
	Worker() *worker.Worker
}

// Options are the dependencies of the HTTP server. History, Hub and DBPing
// are optional.
type Options struct {
	Addr            string
	ReadTimeout     time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	StaticDir       string

	Tenants   *tenancy.Resolver
	Presets   *models.PresetTable
	Submitter Submitter
	Pipeline  Pipeline
	Updater   extractor.Updater
	History   history.Reader
	Hub       *models.WebSocketManager
	DBPing    func(ctx context.Context) error
}

// Server handles HTTP requests for download submission and retrieval
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	opts       Options
	upgrader   websocket.Upgrader
}

// New creates a server with all routes and middleware.
func New(opts Options, logger *slog.Logger) *Server {
	s := &Server{
		logger: logger.With(slog.String("component", "http")),
		opts:   opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}

	// WriteTimeout stays unset: submissions wait on the extractor and
	// result downloads can be large.
	s.httpServer = &http.Server{
		Addr:        opts.Addr,
		Handler:     s.routes(),
		ReadTimeout: opts.ReadTimeout,
		IdleTimeout: opts.IdleTimeout,
	}
	return s
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(metrics.Middleware())
	r.Use(RequestLogger(s.logger))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/update", s.handleUpdate)
	if s.opts.StaticDir != "" {
		r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.Dir(s.opts.StaticDir))))
	}

	r.Route("/{user}", func(r chi.Router) {
		r.Get("/", s.handleForm)
		r.Get("/list", s.handleList)
		r.Post("/submit", s.handleSubmit)
		r.Get("/result/*", s.handleResult)
		r.Get("/queue", s.handleQueue)
		r.Get("/history", s.handleHistory)
		r.Get("/ws", s.handleWebSocket)
	})

	return r
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("HTTP server listening", slog.String("addr", s.httpServer.Addr))

		err := s.httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Shutting down HTTP server")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	s.logger.Info("HTTP server stopped")
	return nil
}
