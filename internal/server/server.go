// Package server provides the HTTP API: price reads, fetch jobs, corporate
// events, and the secret-gated maintenance endpoints.
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

	"github.com/aristath/quotevault/internal/adjustments"
	"github.com/aristath/quotevault/internal/database"
	"github.com/aristath/quotevault/internal/jobs"
	"github.com/aristath/quotevault/internal/maintenance"
	"github.com/aristath/quotevault/internal/marketdata"
	"github.com/aristath/quotevault/internal/symbols"
)

// Config holds server wiring
type Config struct {
	Port       int
	DevMode    bool
	CronSecret string

	Reader      *marketdata.Reader
	Prices      *marketdata.PriceRepository
	Symbols     *symbols.Repository
	Jobs        *jobs.Repository
	Events      *adjustments.EventRepository
	Fixer       *adjustments.Fixer
	Maintenance *maintenance.Service

	MarketDB *database.DB
	CacheDB  *database.DB

	Log zerolog.Logger
}

// Server represents the HTTP server
type Server struct {
	router *chi.Mux
	server *http.Server
	log    zerolog.Logger

	reader  *marketdata.Reader
	prices  *marketdata.PriceRepository
	symbols *symbols.Repository
	jobs    *jobs.Repository
	events  *adjustments.EventRepository
	fixer   *adjustments.Fixer
	maint   *maintenance.Service

	marketDB *database.DB
	cacheDB  *database.DB

	cronSecret  string
	startupTime time.Time
}

// New creates a new HTTP server
func New(cfg Config) *Server {
	s := &Server{
		router:      chi.NewRouter(),
		log:         cfg.Log.With().Str("component", "server").Logger(),
		reader:      cfg.Reader,
		prices:      cfg.Prices,
		symbols:     cfg.Symbols,
		jobs:        cfg.Jobs,
		events:      cfg.Events,
		fixer:       cfg.Fixer,
		maint:       cfg.Maintenance,
		marketDB:    cfg.MarketDB,
		cacheDB:     cfg.CacheDB,
		cronSecret:  cfg.CronSecret,
		startupTime: time.Now(),
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Router exposes the handler tree for tests
func (s *Server) Router() http.Handler {
	return s.router
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)

	// Auto-fetch reads can spend minutes against the provider
	s.router.Use(middleware.Timeout(5 * time.Minute))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Cron-Secret"},
		ExposedHeaders:   []string{"Link", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Route("/prices", func(r chi.Router) {
			r.Get("/", s.handleGetPrices)
			r.Delete("/{symbol}", s.handleDeletePrices)
		})

		r.Get("/coverage", s.handleCoverage)

		r.Route("/fetch-jobs", func(r chi.Router) {
			r.Post("/", s.handleCreateJob)
			r.Get("/", s.handleListJobs)
			r.Get("/{id}", s.handleGetJob)
			r.Post("/{id}/cancel", s.handleCancelJob)
		})

		r.Route("/events", func(r chi.Router) {
			r.Get("/", s.handleListEvents)
			r.Put("/{id}/status", s.handleUpdateEventStatus)
		})

		r.Route("/cron", func(r chi.Router) {
			r.Use(s.cronSecretMiddleware)
			r.Post("/daily-update", s.handleDailyUpdate)
			r.Post("/check-adjustments", s.handleCheckAdjustments)
			r.Post("/fix-adjustments", s.handleFixAdjustments)
			r.Get("/adjustment-report", s.handleAdjustmentReport)
			r.Post("/cleanup", s.handleCleanup)
		})

		r.Route("/system", func(r chi.Router) {
			r.Get("/status", s.handleSystemStatus)
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

// cronSecretMiddleware gates the maintenance endpoints behind X-Cron-Secret.
// An empty configured secret disables the check (development only).
func (s *Server) cronSecretMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cronSecret != "" {
			got := r.Header.Get("X-Cron-Secret")
			if got == "" {
				s.writeError(w, http.StatusUnauthorized, codeMissingAuth,
					"X-Cron-Secret header is required", nil)
				return
			}
			if got != s.cronSecret {
				s.writeError(w, http.StatusForbidden, codeInvalidToken,
					"invalid cron secret", nil)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
