package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/beacon-dashboard/internal/cache"
	"github.com/raaihank/beacon-dashboard/internal/client"
	"github.com/raaihank/beacon-dashboard/internal/config"
	"github.com/raaihank/beacon-dashboard/internal/export"
	"github.com/raaihank/beacon-dashboard/internal/ingest"
	"github.com/raaihank/beacon-dashboard/internal/logger"
	"github.com/raaihank/beacon-dashboard/internal/store"
)

func main() {
	var (
		configPath = flag.String("config", "", "Configuration file path")
		inputFile  = flag.String("input", "", "Input file (CSV, TXT or Parquet)")
		userID     = flag.String("user", "", "User the upload belongs to")
		dryRun     = flag.Bool("dry-run", false, "Parse and report without writing to the database")
		exportPath = flag.String("export", "", "Write the parsed measurements to out.csv, out.parquet or out.xlsx")
		remote     = flag.String("remote", "", "Post the file to a running server, e.g. http://localhost:8080")
		timeout    = flag.Duration("timeout", time.Minute, "Timeout for --remote uploads")
		clearCache = flag.Bool("clear-cache", false, "Remove every cached dashboard view and exit")
		showStats  = flag.Bool("stats", false, "Show database statistics and exit")
	)
	flag.Parse()

	if *inputFile == "" && !*showStats && !*clearCache {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s --input beacon.csv --user user-1\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --input gateway.txt --dry-run --export out.xlsx\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --input beacon.csv --user user-1 --remote http://localhost:8080\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --stats\n", os.Args[0])
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch {
	case *showStats:
		err = showDatabaseStats(ctx, cfg, log)
	case *clearCache:
		err = clearViewCache(ctx, cfg, log)
	case *remote != "":
		err = uploadRemote(ctx, *remote, *timeout, *inputFile, *userID, log)
	default:
		err = processFile(ctx, cfg, *inputFile, *userID, *dryRun, *exportPath, log)
	}
	if err != nil {
		log.Fatal("Ingestion failed", zap.Error(err))
	}
}

// processFile runs the file through the pipeline, writing it unless dryRun is set
func processFile(ctx context.Context, cfg *config.Config, inputFile, userID string, dryRun bool, exportPath string, log *logger.Logger) error {
	content, err := os.ReadFile(inputFile)
	if err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}
	filename := filepath.Base(inputFile)

	log.Info("Processing file",
		zap.String("file", inputFile),
		zap.Int("bytes", len(content)),
		zap.Bool("dry_run", dryRun))

	var result *ingest.Result
	if dryRun {
		pipeline, err := ingest.NewPipeline(nil, &cfg.Ingest, log.WithComponent("ingest").Logger)
		if err != nil {
			return err
		}
		result, err = pipeline.Parse(ctx, content, filename)
		if err != nil {
			return err
		}
	} else {
		if userID == "" {
			return fmt.Errorf("--user is required unless --dry-run is set")
		}
		uploads, err := store.NewPostgresStore(&cfg.Database, log.WithComponent("store").Logger)
		if err != nil {
			return err
		}
		defer uploads.Close()

		pipeline, err := ingest.NewPipeline(uploads, &cfg.Ingest, log.WithComponent("ingest").Logger)
		if err != nil {
			return err
		}
		result, err = pipeline.Ingest(ctx, content, filename, userID)
		if err != nil {
			return err
		}
		invalidateViews(ctx, cfg, userID, log)
	}

	printResult(result)

	if exportPath != "" {
		if err := writeExport(exportPath, result); err != nil {
			return err
		}
		log.Info("Export written", zap.String("path", exportPath))
	}
	return nil
}

func printResult(result *ingest.Result) {
	fmt.Printf("\n=== %s ===\n", result.Message())
	fmt.Printf("Format:             %s\n", result.Format)
	fmt.Printf("Total Records:      %d\n", result.Stats.TotalRecords)
	fmt.Printf("Processed:          %d\n", result.Stats.ProcessedRecords)
	fmt.Printf("Invalid Timestamp:  %d\n", result.Stats.SkipReasons.InvalidTimestamp)
	fmt.Printf("Invalid Data:       %d\n", result.Stats.SkipReasons.InvalidData)
	if result.Upload != nil {
		fmt.Printf("Upload ID:          %s\n", result.Upload.ID)
	}
	for _, day := range result.Days {
		fmt.Printf("  %-6s %s  %d readings\n", day.ID, day.Date, day.Count)
	}
}

func writeExport(path string, result *ingest.Result) error {
	format, err := export.ParseFormat(strings.TrimPrefix(filepath.Ext(path), "."))
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create export file: %w", err)
	}
	if err := export.Write(f, format, result.DayData); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// invalidateViews drops the user's cached dashboard views after a direct write
func invalidateViews(ctx context.Context, cfg *config.Config, userID string, log *logger.Logger) {
	if !cfg.Redis.Enabled {
		return
	}
	views, err := cache.NewViewCache(&cfg.Redis, log.WithComponent("cache").Logger)
	if err != nil {
		log.Warn("Cached views not invalidated", zap.Error(err))
		return
	}
	defer views.Close()

	if err := views.Invalidate(ctx, userID); err != nil {
		log.Warn("Cached views not invalidated", zap.Error(err))
	}
}

func uploadRemote(ctx context.Context, baseURL string, timeout time.Duration, inputFile, userID string, log *logger.Logger) error {
	if userID == "" {
		return fmt.Errorf("--user is required with --remote")
	}
	content, err := os.ReadFile(inputFile)
	if err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}

	uploader := client.NewUploader(baseURL, timeout, log.WithComponent("client").Logger)
	result, err := uploader.Upload(ctx, filepath.Base(inputFile), content, userID)
	if err != nil {
		return err
	}

	fmt.Printf("\n=== %s ===\n", result.Message)
	fmt.Printf("Upload ID:          %s\n", result.UploadID)
	for _, day := range result.Days {
		fmt.Printf("  %-6s %s  %d readings\n", day.ID, day.Date, day.Count)
	}
	return nil
}

// showDatabaseStats displays upload totals and, when enabled, cache statistics
func showDatabaseStats(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	uploads, err := store.NewPostgresStore(&cfg.Database, log.WithComponent("store").Logger)
	if err != nil {
		return err
	}
	defer uploads.Close()

	stats, err := uploads.GetStats(ctx)
	if err != nil {
		return fmt.Errorf("failed to get database stats: %w", err)
	}

	fmt.Printf("\n=== Beacon Upload Statistics ===\n")
	fmt.Printf("Total Uploads:      %d\n", stats.TotalUploads)
	fmt.Printf("Total Users:        %d\n", stats.TotalUsers)

	if cfg.Redis.Enabled {
		views, err := cache.NewViewCache(&cfg.Redis, log.WithComponent("cache").Logger)
		if err != nil {
			log.Warn("Cache statistics unavailable", zap.Error(err))
			return nil
		}
		defer views.Close()

		if cacheStats, err := views.GetStats(ctx); err == nil {
			fmt.Printf("\n=== Cache Statistics ===\n")
			fmt.Printf("Total Keys:         %d\n", cacheStats.TotalKeys)
			fmt.Printf("Memory Usage:       %.2f MB\n", float64(cacheStats.MemoryUsage)/1024/1024)
		}
	}
	return nil
}

func clearViewCache(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	if !cfg.Redis.Enabled {
		return fmt.Errorf("view cache is not enabled")
	}
	views, err := cache.NewViewCache(&cfg.Redis, log.WithComponent("cache").Logger)
	if err != nil {
		return err
	}
	defer views.Close()

	if err := views.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear cache: %w", err)
	}
	log.Info("View cache cleared")
	return nil
}
