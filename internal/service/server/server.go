package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/vertextoedge/offline-sync/internal/telemetry"
)

// Config contains HTTP server configuration
type Config struct {
	BindAddr     string
	Username     string
	Password     string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultConfig returns default server configuration
func DefaultConfig() *Config {
	return &Config{
		BindAddr:     "127.0.0.1:8080",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Pinger reports whether the backing store is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// Services are the components exposed over HTTP
type Services struct {
	Downloads Downloads
	Sync      Sync
	Quality   Quality
	Storage   Storage
	Store     Pinger
}

// Server represents the HTTP API server
type Server struct {
	config   *Config
	services Services
	tel      *telemetry.Telemetry
	logger   *zap.Logger
	server   *http.Server
	router   chi.Router
}

// New creates a new HTTP server
func New(cfg *Config, services Services, tel *telemetry.Telemetry, logger *zap.Logger) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	s := &Server{
		config:   cfg,
		services: services,
		tel:      tel,
		logger:   logger,
	}
	s.router = s.routes()

	s.server = &http.Server{
		Addr:         cfg.BindAddr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(LoggingMiddleware(s.logger))
	r.Use(telemetry.NewHTTPMiddleware(s.tel).Middleware)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", s.tel.Handler())

	r.Group(func(r chi.Router) {
		if s.config.Username != "" {
			r.Use(BasicAuthMiddleware(s.config.Username, s.config.Password, s.logger))
		}

		r.Route("/downloads", func(r chi.Router) {
			r.Get("/", s.handleListDownloads)
			r.Post("/", s.handleEnqueueDownload)
			r.Get("/{id}", s.handleGetDownload)
			r.Delete("/{id}", s.handleCancelDownload)
			r.Post("/{id}/pause", s.handlePauseDownload)
			r.Post("/{id}/resume", s.handleResumeDownload)
		})
		r.Get("/offline", s.handleOffline)
		r.Get("/offline/file", s.handleOfflineFile)

		r.Route("/sync", func(r chi.Router) {
			r.Get("/items", s.handleListSyncItems)
			r.Post("/items", s.handleAddSyncItem)
			r.Post("/start", s.handleStartSync)
			r.Post("/pause", s.handlePauseSync)
			r.Post("/resume", s.handleResumeSync)
			r.Post("/retry", s.handleRetryFailed)
			r.Delete("/completed", s.handleClearCompleted)
			r.Get("/progress", s.handleSyncProgress)
			r.Get("/status", s.handleSyncStatus)
			r.Get("/conflicts", s.handleListConflicts)
			r.Post("/conflicts/{id}/resolve", s.handleResolveConflict)
			r.Get("/options", s.handleGetSyncOptions)
			r.Put("/options", s.handleUpdateSyncOptions)
		})

		r.Route("/quality", func(r chi.Router) {
			r.Get("/preferences", s.handleGetPreferences)
			r.Put("/preferences", s.handleUpdatePreferences)
			r.Get("/select", s.handleSelectQuality)
		})

		r.Route("/storage", func(r chi.Router) {
			r.Get("/usage", s.handleStorageUsage)
			r.Get("/kinds", s.handleStorageKinds)
			r.Get("/analytics", s.handleStorageAnalytics)
			r.Get("/recommendations", s.handleStorageRecommendations)
			r.Get("/health", s.handleStorageHealth)
			r.Post("/cleanup", s.handleStorageCleanup)
		})
	})

	return r
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping HTTP server")
	return s.server.Shutdown(ctx)
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.services.Store != nil {
		if err := s.services.Store.Ping(r.Context()); err != nil {
			s.logger.Error("health check failed", zap.Error(err))
			http.Error(w, "Database connection failed", http.StatusServiceUnavailable)
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}
