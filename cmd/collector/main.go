package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tabular/location-collector/internal/collector"
	"github.com/tabular/location-collector/internal/config"
	"github.com/tabular/location-collector/internal/export"
	"github.com/tabular/location-collector/internal/logging"
	"github.com/tabular/location-collector/internal/sensor"
	"github.com/tabular/location-collector/internal/server"
	"github.com/tabular/location-collector/internal/storage"
)

var (
	version   = "1.0.0"
	buildTime = "unknown"
	gitCommit = "unknown"
)

const (
	defaultPort   = 9000
	defaultDBPath = "./loccol-data/collector.db"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to configuration file")
		port        = flag.Int("port", defaultPort, "HTTP server port")
		dbPath      = flag.String("db", defaultDBPath, "Database file path")
		logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
		showVersion = flag.Bool("version", false, "Show version information")
		exportFmt   = flag.String("export", "", "Print an export (json, csv, gpx) to stdout and exit")
		clearData   = flag.Bool("clear", false, "Remove all collected data and settings")
		showStats   = flag.Bool("stats", false, "Show collection statistics")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("Location Data Collector\n")
		fmt.Printf("Version: %s\n", version)
		fmt.Printf("Build Time: %s\n", buildTime)
		fmt.Printf("Git Commit: %s\n", gitCommit)
		os.Exit(0)
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.NewLogger(*logLevel).Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Override config with command line flags
	if *port != defaultPort {
		cfg.Port = *port
	}
	if *dbPath != defaultDBPath {
		cfg.DatabasePath = *dbPath
	}
	if *logLevel != "info" {
		cfg.LogLevel = *logLevel
	}

	// Initialize logger
	logger := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	logger.Info("Starting Location Data Collector",
		"version", version,
		"port", cfg.Port,
		"db_path", cfg.DatabasePath,
		"log_level", cfg.LogLevel,
	)

	// Initialize storage
	store, err := storage.NewBoltStore(cfg.DatabasePath)
	if err != nil {
		logger.Error("Failed to initialize storage", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	writer := storage.NewAsyncWriter(store, logger, cfg.PersistBatchSize, cfg.PersistFlushInterval)
	defer writer.Stop()

	// Initialize collector; positions arrive from websocket clients
	remote := sensor.NewRemote()
	col := collector.New(collector.Deps{
		Store:      store,
		Sensor:     remote,
		IPProvider: sensor.NewHTTPProvider(cfg.IPProviderEndpoint, cfg.UserAgent, cfg.IPProviderTimeout),
		Geocoder:   sensor.StubGeocoder{},
		Logger:     logger,
	}, collector.WithWriter(writer), collector.WithUserAgent(cfg.UserAgent))
	defer col.Close()

	// Handle CLI operations
	if *exportFmt != "" {
		col.Restore()
		if err := printExport(col, *exportFmt); err != nil {
			logger.Error("Failed to export", "error", err)
			os.Exit(1)
		}
		return
	}

	if *showStats {
		col.Restore()
		printStats(col)
		return
	}

	if *clearData {
		logger.Info("Clearing all location data", "path", cfg.DatabasePath)
		col.ClearAllData()
		col.Flush()
		logger.Info("Location data cleared")
		return
	}

	// Start HTTP server
	startServer(cfg, col, remote, logger)
}

func startServer(cfg *config.Config, col *collector.Collector, remote *sensor.Remote, logger *logging.Logger) {
	// Restore state and resume tracking if the settings call for it
	col.Init(context.Background())

	service := server.NewService(col, remote, logger, version)

	// Create HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      service.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("Collector service started",
			"port", cfg.Port,
			"endpoint", fmt.Sprintf("http://localhost:%d", cfg.Port),
			"events", fmt.Sprintf("ws://localhost:%d/ws/events", cfg.Port),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed to start", "error", err)
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down server...")

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}

	logger.Info("Server stopped successfully")
}

func printExport(col *collector.Collector, format string) error {
	f, err := export.ParseFormat(format)
	if err != nil {
		return err
	}
	out, err := col.Export(f)
	if err != nil {
		return err
	}
	fmt.Println(out)
	return nil
}

func printStats(col *collector.Collector) {
	s := col.Settings()
	sum := col.Summary()

	fmt.Printf("Location Collection Statistics\n")
	fmt.Printf("==============================\n")
	fmt.Printf("Collection Enabled: %t\n", s.CollectionEnabled)
	fmt.Printf("Method: %s\n", s.CollectionMethod)
	fmt.Printf("Privacy Level: %s\n", s.PrivacyLevel)
	fmt.Printf("Retention: %d days\n", s.RetentionPeriodDays)
	fmt.Printf("History Records: %d\n", sum.HistoryCount)
	fmt.Printf("Consent Records: %d\n", sum.ConsentCount)
	fmt.Printf("Total Distance: %.3f km\n", sum.TotalDistanceKm)

	// Collection window
	if sum.FirstCollectedAt != nil {
		fmt.Printf("First Collected: %s\n", sum.FirstCollectedAt.Format(time.RFC3339))
		fmt.Printf("Last Collected: %s\n", sum.LastCollectedAt.Format(time.RFC3339))
	} else {
		fmt.Printf("Last Collected: Never\n")
	}
}
