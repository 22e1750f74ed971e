package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/raaihank/beacon-dashboard/internal/cache"
	"github.com/raaihank/beacon-dashboard/internal/config"
	"github.com/raaihank/beacon-dashboard/internal/ingest"
	"github.com/raaihank/beacon-dashboard/internal/logger"
	"github.com/raaihank/beacon-dashboard/internal/metrics"
	"github.com/raaihank/beacon-dashboard/internal/ratelimit"
	"github.com/raaihank/beacon-dashboard/internal/sensor"
	"github.com/raaihank/beacon-dashboard/internal/store"
	"github.com/raaihank/beacon-dashboard/internal/web"
	"github.com/raaihank/beacon-dashboard/internal/websocket"
)

// Version is reported by /info
const Version = "0.1.0"

// Deps are the collaborators of the server. Store and Pipeline are required;
// the rest may be nil when the feature is disabled.
type Deps struct {
	Store    store.UploadStore
	Pipeline *ingest.Pipeline
	Cache    *cache.ViewCache
	Hub      *websocket.Hub
	Limiter  *ratelimit.Limiter
	Metrics  *metrics.Manager
}

// Server serves uploads, dashboard views and live events
type Server struct {
	config   *config.Config
	logger   *logger.Logger
	router   *mux.Router
	server   *http.Server
	store    store.UploadStore
	pipeline *ingest.Pipeline
	cache    *cache.ViewCache
	wsHub    *websocket.Hub
	limiter  *ratelimit.Limiter
	metrics  *metrics.Manager
	loc      *time.Location
	started  time.Time
}

// New creates a new API server instance
func New(cfg *config.Config, log *logger.Logger, deps Deps) (*Server, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("api: store is required")
	}
	if deps.Pipeline == nil {
		return nil, fmt.Errorf("api: ingest pipeline is required")
	}

	loc, err := time.LoadLocation(cfg.Aggregate.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid aggregate timezone %q: %w", cfg.Aggregate.Timezone, err)
	}

	server := &Server{
		config:   cfg,
		logger:   log.WithComponent("api"),
		router:   mux.NewRouter(),
		store:    deps.Store,
		pipeline: deps.Pipeline,
		cache:    deps.Cache,
		wsHub:    deps.Hub,
		limiter:  deps.Limiter,
		metrics:  deps.Metrics,
		loc:      loc,
		started:  time.Now(),
	}

	server.setupRoutes()

	server.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      server.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return server, nil
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.metricsMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/info", s.handleInfo).Methods("GET")

	if s.metrics != nil && s.config.Metrics.Enabled {
		s.router.Handle(s.config.Metrics.Path, s.metrics.Handler()).Methods("GET")
	}

	// Dashboard page
	s.router.HandleFunc("/", web.ServeDashboard).Methods("GET")
	s.router.HandleFunc("/dashboard", web.ServeDashboard).Methods("GET")

	if s.wsHub != nil {
		s.router.HandleFunc("/ws", s.handleWebSocket).Methods("GET")
	}

	api := s.router.PathPrefix("/api").Subrouter()

	upload := api.Path("/upload").Subrouter()
	upload.Use(s.rateLimitMiddleware)
	upload.Methods("POST").HandlerFunc(s.handleUpload)

	users := api.PathPrefix("/users/{userId}").Subrouter()
	users.HandleFunc("/uploads", s.handleListUploads).Methods("GET")
	users.HandleFunc("/uploads/{uploadId}", s.handleGetUpload).Methods("GET")
	users.HandleFunc("/uploads/{uploadId}/export", s.handleExportUpload).Methods("GET")
	users.HandleFunc("/days", s.handleDays).Methods("GET")
	users.HandleFunc("/days/{dayId}", s.handleDay).Methods("GET")
	users.HandleFunc("/hourly", s.handleHourly).Methods("GET")
	users.HandleFunc("/heatmap", s.handleHeatmap).Methods("GET")
	users.HandleFunc("/zones", s.handleZones).Methods("GET")
	users.HandleFunc("/profile/export", s.handleExportProfile).Methods("GET")

	profile := users.Path("/profile").Subrouter()
	profile.Use(s.rateLimitMiddleware)
	profile.Methods("PUT").HandlerFunc(s.handleSaveProfile)
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("Starting beacon dashboard server",
		zap.Int("port", s.config.Server.Port),
		zap.String("upload_policy", s.config.Ingest.UploadPolicy),
		zap.Bool("cache_enabled", s.cache != nil),
		zap.Bool("websocket_enabled", s.wsHub != nil),
		zap.Bool("rate_limit_enabled", s.config.RateLimit.Enabled),
	)

	return s.server.ListenAndServe()
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping beacon dashboard server")
	return s.server.Shutdown(ctx)
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

type infoResponse struct {
	Name             string              `json:"name"`
	Version          string              `json:"version"`
	Uptime           string              `json:"uptime"`
	UploadPolicy     string              `json:"upload_policy"`
	Salvage          bool                `json:"salvage"`
	RelaxedQuotes    bool                `json:"relaxed_quotes"`
	CacheEnabled     bool                `json:"cache_enabled"`
	WebsocketEnabled bool                `json:"websocket_enabled"`
	Store            *store.Stats        `json:"store,omitempty"`
	Cache            *cache.CacheStats   `json:"cache,omitempty"`
	Websocket        *websocket.HubStats `json:"websocket,omitempty"`
	HeatmapWindow    sensor.HourWindow   `json:"heatmap_window"`
}

// handleInfo handles info requests
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	info := infoResponse{
		Name:             "beacon-dashboard",
		Version:          Version,
		Uptime:           time.Since(s.started).Round(time.Second).String(),
		UploadPolicy:     s.config.Ingest.UploadPolicy,
		Salvage:          s.config.Ingest.Salvage,
		RelaxedQuotes:    s.config.Ingest.RelaxedQuotes,
		CacheEnabled:     s.cache != nil,
		WebsocketEnabled: s.wsHub != nil,
		HeatmapWindow:    s.heatmapWindow(),
	}

	if stats, err := s.store.GetStats(r.Context()); err == nil {
		info.Store = stats
	} else {
		s.logger.Warn("Failed to read store stats", zap.Error(err))
	}
	if s.cache != nil {
		if stats, err := s.cache.GetStats(r.Context()); err == nil {
			info.Cache = stats
		}
	}
	if s.wsHub != nil {
		stats := s.wsHub.GetStats()
		info.Websocket = &stats
	}

	writeJSON(w, http.StatusOK, info)
}

// handleWebSocket handles WebSocket connections for the dashboard
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.wsHub.HandleWebSocket(w, r)
}

func (s *Server) heatmapWindow() sensor.HourWindow {
	return sensor.HourWindow{Start: s.config.Aggregate.HeatmapStart, End: s.config.Aggregate.HeatmapEnd}
}

func (s *Server) displayWindow() sensor.HourWindow {
	return sensor.HourWindow{Start: s.config.Aggregate.DisplayStart, End: s.config.Aggregate.DisplayEnd}
}
