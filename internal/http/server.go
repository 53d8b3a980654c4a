// Package http provides the HTTP server for amps: the playlist and EPG
// surfaces, the byte-stream and segment playback routes, and the REST
// API over the channel registry.
package http

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/amps-project/amps/internal/config"
	"github.com/amps-project/amps/internal/http/middleware"
	"github.com/amps-project/amps/internal/manifest"
	"github.com/amps-project/amps/internal/observability"
	"github.com/amps-project/amps/internal/registry"
	"github.com/amps-project/amps/internal/transcoder"
)

// compressionLevel balances CPU against playlist/API payload size.
const compressionLevel = 5

// Server carries the router and its collaborators.
type Server struct {
	cfg      *config.ServerConfig
	registry *registry.Registry
	streams  *transcoder.Manager
	segments *manifest.Server
	router   *chi.Mux
	logger   *slog.Logger
	started  time.Time

	httpServer *http.Server

	// requestStop initiates process shutdown; wired by the serve command.
	requestStop func()
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server's logger.
func WithLogger(l *slog.Logger) Option { return func(s *Server) { s.logger = l } }

// WithShutdownSignal wires the callback POST /api/shutdown fires.
func WithShutdownSignal(fn func()) Option { return func(s *Server) { s.requestStop = fn } }

// NewServer builds the server and mounts all routes.
func NewServer(cfg *config.ServerConfig, reg *registry.Registry, streams *transcoder.Manager, segments *manifest.Server, opts ...Option) *Server {
	s := &Server{
		cfg:         cfg,
		registry:    reg,
		streams:     streams,
		segments:    segments,
		logger:      slog.Default(),
		started:     time.Now(),
		requestStop: func() {},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = observability.WithComponent(s.logger, "http")

	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.NewLoggingMiddleware(s.logger))
	r.Use(middleware.Recovery(s.logger))
	r.Use(middleware.CORS(cfg.CORSOrigins))
	r.Use(middleware.Compression(compressionLevel))
	r.Use(middleware.TokenAuth(cfg.Token))

	r.Get("/playlist.m3u", s.handlePlaylist)
	r.Get("/epg.xml", s.handleEPGXML)
	r.Get("/stream/{id}", s.handleStream)
	r.Get("/audio/{id}", s.handleAudio)
	r.Get("/hls/{id}/*", s.handleHLS)
	r.Get("/dash/{id}/*", s.handleDASH)
	r.Get("/metrics", s.handleMetrics)

	r.Route("/api", func(r chi.Router) {
		r.Get("/streams", s.handleListStreams)
		r.Post("/streams", s.handleCreateStream)
		r.Get("/streams/{id}", s.handleGetStream)
		r.Put("/streams/{id}", s.handleUpdateStream)
		r.Delete("/streams/{id}", s.handleDeleteStream)
		r.Get("/streams/{id}/programs", s.handleGetPrograms)
		r.Put("/streams/{id}/programs", s.handlePutPrograms)
		r.Get("/epg", s.handleEPGJSON)
		r.Get("/tuners", s.handleTuners)
		r.Post("/shutdown", s.handleShutdown)
	})

	s.router = r
	return s
}

// Router returns the chi router, used by tests and by the serve command
// for extra mounts.
func (s *Server) Router() *chi.Mux { return s.router }

// baseURL returns the absolute URL prefix stream links are built on:
// the configured base_url when set, otherwise derived from the request.
func (s *Server) baseURL(r *http.Request) string {
	if s.cfg.BaseURL != "" {
		return s.cfg.BaseURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

// Start begins serving and blocks until the listener fails or the
// server is shut down.
func (s *Server) Start() error {
	addr := s.cfg.Address()

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
	}

	s.logger.Info("starting http server", slog.String("address", addr))

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("starting server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests, bounded by the configured
// shutdown timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}

	s.logger.Info("shutting down http server",
		slog.Duration("timeout", s.cfg.ShutdownTimeout))

	shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}

	s.logger.Info("http server stopped")
	return nil
}

// ListenAndServe starts the server and shuts it down when ctx is
// cancelled. It blocks until the server has stopped.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		errChan <- s.Start()
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	case err := <-errChan:
		return err
	}
}
