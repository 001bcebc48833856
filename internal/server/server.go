// Package server provides the HTTP server and routing for QuantFlow.
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

	"github.com/quantflow/quantflow/internal/audit"
	"github.com/quantflow/quantflow/internal/calendar"
	"github.com/quantflow/quantflow/internal/config"
	"github.com/quantflow/quantflow/internal/events"
	"github.com/quantflow/quantflow/internal/gaps"
	"github.com/quantflow/quantflow/internal/ingest"
	"github.com/quantflow/quantflow/internal/marketstore"
	"github.com/quantflow/quantflow/internal/plugin"
	"github.com/quantflow/quantflow/internal/quality"
	"github.com/quantflow/quantflow/internal/queryservice"
	"github.com/quantflow/quantflow/internal/reliability"
)

// Config holds everything the HTTP layer needs. All services are constructed
// in main and injected here; the server owns no business logic.
type Config struct {
	Log          zerolog.Logger
	Cfg          *config.Config
	Store        *marketstore.Store
	Registry     *plugin.Registry
	Orchestrator *ingest.Orchestrator
	Calendar     *calendar.Service
	Gaps         *gaps.Detector
	Quality      *quality.Runner
	Query        *queryservice.Service
	Ingestion    *audit.IngestionLog
	QualityLog   *audit.QualityLog
	SchemaLog    *audit.SchemaLog
	Compaction   *reliability.CompactionJob
	Backup       *reliability.BackupService // nil when backups are disabled
	Bus          *events.Bus
}

// Server is the HTTP server.
type Server struct {
	router      *chi.Mux
	server      *http.Server
	log         zerolog.Logger
	cfg         *config.Config
	store       *marketstore.Store
	registry    *plugin.Registry
	orch        *ingest.Orchestrator
	cal         *calendar.Service
	gaps        *gaps.Detector
	quality     *quality.Runner
	query       *queryservice.Service
	ingestion   *audit.IngestionLog
	qualityLog  *audit.QualityLog
	schemaLog   *audit.SchemaLog
	compaction  *reliability.CompactionJob
	backup      *reliability.BackupService
	broadcaster *eventBroadcaster
	startedAt   time.Time
}

// New creates a new HTTP server.
func New(cfg Config) *Server {
	s := &Server{
		router:     chi.NewRouter(),
		log:        cfg.Log.With().Str("component", "server").Logger(),
		cfg:        cfg.Cfg,
		store:      cfg.Store,
		registry:   cfg.Registry,
		orch:       cfg.Orchestrator,
		cal:        cfg.Calendar,
		gaps:       cfg.Gaps,
		quality:    cfg.Quality,
		query:      cfg.Query,
		ingestion:  cfg.Ingestion,
		qualityLog: cfg.QualityLog,
		schemaLog:  cfg.SchemaLog,
		compaction: cfg.Compaction,
		backup:     cfg.Backup,
		startedAt:  time.Now(),
	}

	s.broadcaster = newEventBroadcaster(cfg.Bus, s.log)

	s.setupMiddleware(cfg.Cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
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
		// websocket event stream, must bypass the compress middleware's
		// response wrapping so it is registered on the raw router group
		r.Get("/events/ws", s.handleEventsWS)

		r.Route("/system", func(r chi.Router) {
			r.Get("/status", s.handleSystemStatus)
			r.Get("/database/stats", s.handleDatabaseStats)
			r.Post("/compact", s.handleCompact)
			r.Post("/backup", s.handleBackup)
		})

		r.Route("/ingest", func(r chi.Router) {
			r.Post("/daily", s.handleIngestDaily)
			r.Post("/backfill", s.handleIngestBackfill)
			r.Post("/manual", s.handleIngestManual)
		})

		r.Route("/runs", func(r chi.Router) {
			r.Get("/", s.handleListRuns)
			r.Get("/{runID}", s.handleGetRun)
			r.Get("/{runID}/tasks", s.handleRunTasks)
			r.Post("/{runID}/cancel", s.handleCancelRun)
		})

		r.Get("/gaps", s.handleGaps)

		r.Route("/quality", func(r chi.Router) {
			r.Post("/run", s.handleQualityRun)
			r.Get("/results", s.handleQualityResults)
			r.Get("/failures", s.handleQualityFailures)
		})

		r.Route("/audit", func(r chi.Router) {
			r.Get("/tasks", s.handleAuditTasks)
			r.Get("/schema/{table}", s.handleSchemaHistory)
		})

		r.Get("/plugins", s.handleListPlugins)

		r.Route("/query", func(r chi.Router) {
			r.Get("/methods", s.handleQueryMethods)
			r.Post("/{plugin}/{method}", s.handleQueryExecute)
		})

		r.Route("/tools", func(r chi.Router) {
			r.Get("/", s.handleToolList)
			r.Post("/call", s.handleToolCall)
		})
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.log.Info().Int("port", s.cfg.Port).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	s.broadcaster.close()
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
