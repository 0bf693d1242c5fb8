// Package httpapi exposes the ingest-and-retrieval engine over HTTP:
// chat, schema management, sync control, search and health/metrics.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/atabot/ragengine/internal/chat"
	dbgorm "github.com/atabot/ragengine/internal/db/gorm"
	"github.com/atabot/ragengine/internal/search"
	"github.com/atabot/ragengine/internal/syncpipeline"
)

// defaultHTTPTimeout bounds non-streaming routes. Chat streaming is
// exempted below so SSE connections aren't killed mid-stream.
const defaultHTTPTimeout = 60 * time.Second

// syncCooldown gates POST /sync (full-schema syncs are expensive; the
// per-table SyncTable path isn't gated).
const syncCooldown = 30 * time.Second

// Service is the HTTP surface: chi router plus every collaborator it
// fronts.
type Service struct {
	router           *chi.Mux
	server           *http.Server
	store            *dbgorm.Store
	registry         *syncpipeline.GormRegistry
	pipeline         *syncpipeline.Pipeline
	search           *search.Manager
	orchestrator     *chat.Orchestrator
	stale            StaleChecker
	rateLimiter      *PerClientRateLimiter
	syncLimiter      *cooldownLimiter
	streamingEnabled bool
	realtimeEnabled  bool
	version          string
	startTime        time.Time
	wg               sync.WaitGroup

	metricsRegistry *prometheus.Registry
	requestMetrics  *requestMetrics
}

// StaleChecker reports how many stored vectors were embedded with a
// now-superseded model, so an operator knows when a model swap requires
// a resync.
type StaleChecker interface {
	ModelVersion() string
	CountStale(ctx context.Context, schema string) (int64, error)
}

// Deps bundles the collaborators NewService wires into routes.
type Deps struct {
	Store            *dbgorm.Store
	Registry         *syncpipeline.GormRegistry
	Pipeline         *syncpipeline.Pipeline
	Search           *search.Manager
	Orchestrator     *chat.Orchestrator
	Stale            StaleChecker
	AllowedOrigins   []string
	AuthEnabled      bool
	AuthToken        string
	StreamingEnabled bool
	RealtimeEnabled  bool
	Version          string
}

// NewService builds the HTTP surface and wires its middleware/routes.
func NewService(deps Deps) *Service {
	origins := make(map[string]bool, len(deps.AllowedOrigins))
	for _, o := range deps.AllowedOrigins {
		origins[o] = true
	}

	svc := &Service{
		router:           chi.NewRouter(),
		store:            deps.Store,
		registry:         deps.Registry,
		pipeline:         deps.Pipeline,
		search:           deps.Search,
		orchestrator:     deps.Orchestrator,
		stale:            deps.Stale,
		rateLimiter:      NewPerClientRateLimiter(20.0, 40),
		syncLimiter:      newCooldownLimiter(syncCooldown),
		streamingEnabled: deps.StreamingEnabled,
		realtimeEnabled:  deps.RealtimeEnabled,
		version:          deps.Version,
		startTime:        time.Now(),
	}

	reg, meterProvider, err := newMetricsRegistry(svc)
	if err != nil {
		log.Fatal().Err(err).Msg("httpapi: failed to wire metrics registry")
	}
	svc.metricsRegistry = reg
	reqMetrics, err := newRequestMetrics(meterProvider)
	if err != nil {
		log.Fatal().Err(err).Msg("httpapi: failed to wire request metrics")
	}
	svc.requestMetrics = reqMetrics

	svc.setupMiddleware(origins, deps.AuthEnabled, deps.AuthToken)
	svc.setupRoutes()
	return svc
}

func (s *Service) setupMiddleware(origins map[string]bool, authEnabled bool, authToken string) {
	s.router.Use(RequestID)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RealIP)
	s.router.Use(SecurityHeaders(origins))
	s.router.Use(MaxBodySize(1 << 20)) // 1MB: chat/schema/sync bodies are small JSON
	s.router.Use(RequireJSONContentType)
	s.router.Use(middleware.Compress(5))
	s.router.Use(s.rateLimiter.Middleware)
	s.router.Use(s.requestMetrics.Middleware)

	auth := NewTokenAuth(authEnabled, authToken)
	s.router.Use(auth.Middleware)
}

func (s *Service) setupRoutes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/ready", s.handleReady)
	s.router.Get("/live", s.handleLive)
	s.router.Get("/metrics", metricsHandler(s.metricsRegistry))

	s.router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(defaultHTTPTimeout))

		r.Post("/chat", s.handleChat)
		r.Get("/chat/history/{sessionID}", s.handleGetChatHistory)
		r.Delete("/chat/history/{sessionID}", s.handleDeleteChatHistory)

		r.Post("/schemas/{name}/analyze", s.handleAnalyzeSchema)
		r.Post("/schemas/{name}/activate", s.handleActivateSchema)
		r.Get("/schemas", s.handleListSchemas)
		r.Get("/schemas/{name}/tables", s.handleListSchemaTables)
		r.Get("/schemas/{name}/statistics", s.handleSchemaStatistics)
		r.Get("/schemas/{name}/relationships", s.handleSchemaRelationships)
		r.Delete("/schemas/{name}", s.handleDeleteSchema)

		r.Post("/sync", s.handleSync)
		r.Post("/sync/realtime", s.handleSyncRealtime)
		r.Get("/sync/status", s.handleSyncStatus)
		r.Get("/sync/jobs", s.handleListSyncJobs)
		r.Get("/sync/jobs/{id}", s.handleGetSyncJob)
		r.Delete("/sync/cache", s.handleClearSyncCache)

		r.Get("/search", s.handleSearch)
		r.Get("/search/similar", s.handleSearchSimilar)
		r.Get("/search/suggest", s.handleSearchSuggest)
	})

	// Chat streaming is exempt from the blanket request timeout; the SSE
	// writer loop owns its own lifecycle via request context cancellation.
	s.router.Post("/chat/stream", s.handleChatStream)
}

// Start begins listening. Call Shutdown to stop.
func (s *Service) Start(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      0, // disabled: chat/stream holds the connection open
		IdleTimeout:       120 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("httpapi: server error")
		}
	}()
	log.Info().Str("addr", addr).Msg("httpapi: listening")
	return nil
}

// Shutdown gracefully drains in-flight requests (notably SSE streams)
// before returning.
func (s *Service) Shutdown(ctx context.Context) error {
	log.Info().Msg("httpapi: shutting down")
	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("httpapi: shutdown: %w", err)
		}
	}
	s.wg.Wait()
	return nil
}

// Router exposes the chi.Mux for tests.
func (s *Service) Router() *chi.Mux { return s.router }
