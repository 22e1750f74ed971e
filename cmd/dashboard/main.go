package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/beacon-dashboard/internal/api"
	"github.com/raaihank/beacon-dashboard/internal/cache"
	"github.com/raaihank/beacon-dashboard/internal/config"
	"github.com/raaihank/beacon-dashboard/internal/ingest"
	"github.com/raaihank/beacon-dashboard/internal/logger"
	"github.com/raaihank/beacon-dashboard/internal/metrics"
	"github.com/raaihank/beacon-dashboard/internal/mqtt"
	"github.com/raaihank/beacon-dashboard/internal/ratelimit"
	"github.com/raaihank/beacon-dashboard/internal/store"
	"github.com/raaihank/beacon-dashboard/internal/websocket"
)

var (
	version = "0.1.0"
	commit  = "dev"
	date    = "unknown"
)

const (
	sourceMQTT           = "mqtt"
	statusInterval       = 30 * time.Second
	limiterCleanupPeriod = 5 * time.Minute
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to configuration file")
		port        = flag.Int("port", 0, "Override the HTTP port")
		memoryStore = flag.Bool("memory", false, "Keep uploads in memory instead of PostgreSQL")
		showVersion = flag.Bool("version", false, "Show version information")
		healthCheck = flag.Bool("health-check", false, "Perform health check and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("beacon-dashboard %s (commit: %s, built: %s)\n", version, commit, date)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}

	if *healthCheck {
		performHealthCheck(cfg.Server.Port)
		return
	}

	loggerConfig := logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}
	if cfg.Logging.File.Enabled {
		loggerConfig.File = &logger.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		}
	}

	log, err := logger.New(loggerConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	log.Info("Starting beacon dashboard",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("build_date", date),
		zap.Int("port", cfg.Server.Port),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	uploads := openStore(cfg, log, *memoryStore)
	defer uploads.Close()

	var manager *metrics.Manager
	if cfg.Metrics.Enabled {
		manager = metrics.NewManager(metrics.WithNamespace(cfg.Metrics.Namespace))
	}

	var pipelineOpts []ingest.Option
	if manager != nil {
		pipelineOpts = append(pipelineOpts, ingest.WithRecorder(manager))
	}
	pipeline, err := ingest.NewPipeline(uploads, &cfg.Ingest, log.WithComponent("ingest").Logger, pipelineOpts...)
	if err != nil {
		log.Fatal("Failed to create ingestion pipeline", zap.Error(err))
	}

	var views *cache.ViewCache
	if cfg.Redis.Enabled {
		views, err = cache.NewViewCache(&cfg.Redis, log.WithComponent("cache").Logger)
		if err != nil {
			log.Warn("View cache unavailable, serving uncached views", zap.Error(err))
			views = nil
		} else {
			defer views.Close()
		}
	}

	var hub *websocket.Hub
	if cfg.WebSocket.Enabled {
		hub = websocket.NewHub(&cfg.WebSocket, log.WithComponent("websocket").Logger)
		if manager != nil {
			hub.OnClientsChanged(manager.SetWebsocketClients)
		}
		go hub.Run(ctx)
	}

	limiter := ratelimit.New(&cfg.RateLimit)
	limiter.StartCleanup(ctx, limiterCleanupPeriod)

	server, err := api.New(cfg, log, api.Deps{
		Store:    uploads,
		Pipeline: pipeline,
		Cache:    views,
		Hub:      hub,
		Limiter:  limiter,
		Metrics:  manager,
	})
	if err != nil {
		log.Fatal("Failed to create server", zap.Error(err))
	}

	if cfg.MQTT.Enabled {
		subscriber := mqtt.NewSubscriber(&cfg.MQTT, pipeline, log.WithComponent("mqtt").Logger,
			func(ctx context.Context, userID string, result *ingest.Result, err error) {
				if manager != nil {
					manager.RecordMQTTMessage(err)
				}
				if err == nil {
					server.UploadCompleted(ctx, "", sourceMQTT, result)
				}
			})
		if err := subscriber.Start(ctx); err != nil {
			log.Error("MQTT ingestion disabled", zap.Error(err))
		} else {
			defer subscriber.Stop()
		}
	}

	if hub != nil && cfg.WebSocket.BroadcastSystem {
		go reportStatus(ctx, hub, uploads, log)
	}

	watchConfig(*configPath, log)

	serverErrors := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", zap.Int("port", cfg.Server.Port))
		serverErrors <- server.Start()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Error("Server error", zap.Error(err))
		}
	case <-ctx.Done():
		log.Info("Shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := server.Stop(shutdownCtx); err != nil {
			log.Error("Failed to shutdown server gracefully", zap.Error(err))
			os.Exit(1)
		}

		log.Info("Server shutdown complete")
	}
}

// openStore connects to PostgreSQL, falling back to memory when asked or when the database is unreachable
func openStore(cfg *config.Config, log *logger.Logger, memory bool) store.UploadStore {
	if memory {
		log.Warn("Using in-memory upload store; uploads are lost on restart")
		return store.NewMemoryStore()
	}

	uploads, err := store.NewPostgresStore(&cfg.Database, log.WithComponent("store").Logger)
	if err != nil {
		log.Warn("PostgreSQL unavailable, using in-memory upload store", zap.Error(err))
		return store.NewMemoryStore()
	}
	return uploads
}

// watchConfig applies log level changes from the config file without a restart
func watchConfig(configPath string, log *logger.Logger) {
	err := config.Watch(configPath, func(cfg *config.Config) {
		if cfg.Logging.Level == log.Level().String() {
			return
		}
		if err := log.SetLevel(cfg.Logging.Level); err != nil {
			log.Warn("Ignoring invalid log level", zap.String("level", cfg.Logging.Level), zap.Error(err))
			return
		}
		log.Info("Log level changed", zap.String("level", cfg.Logging.Level))
	}, func(err error) {
		log.Warn("Config reload failed", zap.Error(err))
	})
	if err != nil {
		log.Debug("Config file not watched", zap.Error(err))
	}
}

// reportStatus periodically broadcasts store totals to dashboards
func reportStatus(ctx context.Context, hub *websocket.Hub, uploads store.UploadStore, log *logger.Logger) {
	started := time.Now()
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := uploads.GetStats(ctx)
			if err != nil {
				log.Warn("Failed to read store stats", zap.Error(err))
				continue
			}
			hub.BroadcastEvent(websocket.Event{
				Type: websocket.EventTypeSystemStatus,
				Data: websocket.SystemStatusEvent{
					Status:           "healthy",
					Uptime:           time.Since(started).Round(time.Second).String(),
					TotalUploads:     stats.TotalUploads,
					TotalUsers:       stats.TotalUsers,
					ConnectedClients: int(hub.GetStats().ActiveConnections),
				},
			})
		}
	}
}

// performHealthCheck performs a health check against the running server
func performHealthCheck(port int) {
	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	resp, err := client.Get(fmt.Sprintf("http://localhost:%d/health", port))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: HTTP %d\n", resp.StatusCode)
		os.Exit(1)
	}

	fmt.Println("Health check passed")
}
