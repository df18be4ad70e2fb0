// Package server provides the HTTP API for the tape engine.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/aristath/tape/internal/system"
)

// Config holds server configuration
type Config struct {
	Log     zerolog.Logger
	Manager *system.Manager
	Port    int
	DevMode bool
}

// Server represents the HTTP server
type Server struct {
	router *chi.Mux
	server *http.Server
	log    zerolog.Logger
	mgr    *system.Manager
}

// New creates a new HTTP server
func New(cfg Config) *Server {
	s := &Server{
		router: chi.NewRouter(),
		log:    cfg.Log.With().Str("component", "server").Logger(),
		mgr:    cfg.Manager,
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware(devMode bool) {
	// Recovery from panics
	s.router.Use(middleware.Recoverer)

	// Request ID
	s.router.Use(middleware.RequestID)

	// Real IP
	s.router.Use(middleware.RealIP)

	// Logging
	s.router.Use(s.loggingMiddleware)

	// CORS
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Compress responses
	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Handle("/metrics", s.mgr.Metrics().Handler())

	s.router.Route("/api", func(r chi.Router) {
		// The SSE stream opts out of the write timeout via response
		// controller; everything else gets the standard budget.
		eventsStream := NewEventsStreamHandler(s.mgr.Events(), s.log)
		r.Get("/events/stream", eventsStream.ServeHTTP)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))

			r.Route("/system", func(r chi.Router) {
				r.Get("/status", s.handleSystemStatus)
				r.Get("/stats", s.handleSystemStats)
			})

			r.Route("/session", func(r chi.Router) {
				r.Get("/status", s.handleSessionStatus)
				r.Post("/start", s.handleSessionStart)
				r.Post("/stop", s.handleSessionStop)
				r.Post("/pause", s.handleSessionPause)
				r.Post("/resume", s.handleSessionResume)
				r.Post("/mode", s.handleSessionMode)
				r.Post("/config", s.handleSessionConfig)
			})

			r.Route("/symbols", func(r chi.Router) {
				r.Get("/", s.handleListSymbols)
				r.Post("/", s.handleAddSymbols)
				r.Post("/{symbol}/upgrade", s.handleUpgradeSymbol)
				r.Delete("/{symbol}", s.handleRemoveSymbol)
			})

			r.Get("/quality", s.handleQuality)
			r.Get("/bars/{symbol}/{interval}", s.handleBars)
			r.Get("/indicators/{symbol}", s.handleIndicators)
		})
	})
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// Router exposes the handler tree for tests
func (s *Server) Router() http.Handler { return s.router }

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
