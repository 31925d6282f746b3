package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"transit511/pkg/api"
	"transit511/pkg/config"
	"transit511/pkg/feed"
	"transit511/pkg/ingest"
	"transit511/pkg/logging"
	"transit511/pkg/metrics"
	"transit511/pkg/profiling"
	"transit511/pkg/store"
	"transit511/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 15 * time.Second

func main() {
	// Command line flags
	var (
		configPath = flag.String("config", os.Getenv("TRANSIT511_CONFIG"), "Path to a YAML configuration file")
		dryRun     = flag.Bool("dry-run", false, "Print observations and alerts to stdout instead of writing to the database")
		once       = flag.Bool("once", false, "Run a single ingestion pass, report totals and exit")
		apiListen  = flag.String("api-listen", "", "Address for the read-only query API, e.g. :8080 (overrides TRANSIT511_API_LISTEN)")
	)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "511.org Bay Area Transit Ingester\n\n")
		fmt.Fprintf(os.Stderr, "Polls the 511.org SIRI vehicle monitoring feed for each configured agency,\n")
		fmt.Fprintf(os.Stderr, "stores deduplicated vehicle positions in PostgreSQL, flags anomalies and\n")
		fmt.Fprintf(os.Stderr, "optionally serves rolling aggregates over HTTP.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  TRANSIT511_API_KEY       - Your 511.org API key (required)\n")
		fmt.Fprintf(os.Stderr, "  TRANSIT511_AGENCIES      - Agencies, comma-separated (default: SF,AC,CT)\n")
		fmt.Fprintf(os.Stderr, "  TRANSIT511_INTERVAL      - Pause between passes (default: 60s)\n")
		fmt.Fprintf(os.Stderr, "  TRANSIT511_AGENCY_DELAY  - Pause after each agency fetch (default: 2s)\n")
		fmt.Fprintf(os.Stderr, "  TRANSIT511_FETCH_TIMEOUT - Upstream request timeout (default: 10s)\n")
		fmt.Fprintf(os.Stderr, "  TRANSIT511_STATS_EVERY   - Report totals every N passes (default: 5)\n")
		fmt.Fprintf(os.Stderr, "  TRANSIT511_API_LISTEN    - Query API address (default: disabled)\n")
		fmt.Fprintf(os.Stderr, "  TRANSIT511_API_CACHE_TTL - Query API response cache (default: 30s)\n")
		fmt.Fprintf(os.Stderr, "  DATABASE_URL             - PostgreSQL URL, or DB_HOST/DB_PORT/DB_USER/DB_PASSWORD/DB_NAME\n")
		fmt.Fprintf(os.Stderr, "  LOG_LEVEL, LOG_FILE      - Logging level and optional rotated log file\n")
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  # Dry run mode (no database needed)\n")
		fmt.Fprintf(os.Stderr, "  TRANSIT511_API_KEY=your_key %s --dry-run --once\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  # Production mode with the query API\n")
		fmt.Fprintf(os.Stderr, "  TRANSIT511_API_KEY=your_key DATABASE_URL=postgres://localhost/transit_streaming \\\n")
		fmt.Fprintf(os.Stderr, "    %s --api-listen=:8080\n\n", os.Args[0])
	}

	flag.Parse()

	closeLog := logging.InitLogging()
	defer closeLog()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *dryRun {
		cfg.Ingest.DryRun = true
	}
	if *once {
		cfg.Ingest.Once = true
	}
	if *apiListen != "" {
		cfg.Server.Listen = *apiListen
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
		flag.Usage()
		os.Exit(1)
	}

	// Initialize tracing
	shutdownTracing, err := tracing.InitTracing()
	if err != nil {
		log.Fatalf("Failed to initialize tracing: %v", err)
	}
	defer shutdownTracing()

	// Initialize metrics
	shutdownMetrics, err := metrics.InitMetrics()
	if err != nil {
		log.Fatalf("Failed to initialize metrics: %v", err)
	}
	defer shutdownMetrics()

	// Initialize profiling
	shutdownProfiling, err := profiling.InitProfiling()
	if err != nil {
		log.Fatalf("Failed to initialize profiling: %v", err)
	}
	defer shutdownProfiling()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var db *store.Store
	if !cfg.Ingest.DryRun {
		slog.Info("Connecting to database", "target", cfg.Database.Redacted())
		db, err = store.Open(ctx, store.Config{
			DSN:           cfg.Database.DSN(),
			SlowThreshold: store.DefaultSlowThreshold,
			Debug:         logging.IsDebug(),
			Log:           logrus.StandardLogger(),
		})
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			log.Fatalf("Failed to migrate schema: %v", err)
		}
	}

	// The loop takes ownership of the store and closes it on exit.
	var sink ingest.Store
	if db != nil {
		sink = db
	}

	pipeline, err := ingest.New(ingest.Config{
		Agencies:    cfg.Feed.Agencies,
		Interval:    cfg.Ingest.Interval,
		AgencyDelay: cfg.Ingest.AgencyDelay,
		StatsEvery:  cfg.Ingest.StatsEvery,
		DryRun:      cfg.Ingest.DryRun,
		Once:        cfg.Ingest.Once,
	}, feed.NewClient(cfg.Feed.APIKey, cfg.Feed.BaseURL, cfg.Feed.Timeout), sink)
	if err != nil {
		log.Fatalf("Failed to create pipeline: %v", err)
	}

	apiDone := make(chan error, 1)
	apiCtx, stopAPI := context.WithCancel(ctx)
	defer stopAPI()
	switch {
	case cfg.Server.Listen == "":
		apiDone <- nil
	case db == nil:
		slog.Warn("Query API needs a database, not starting it in dry run mode", "listen", cfg.Server.Listen)
		apiDone <- nil
	default:
		gin.SetMode(gin.ReleaseMode)
		server := api.New(api.Config{
			Listen:    cfg.Server.Listen,
			CacheTTL:  cfg.Server.CacheTTL,
			LogWriter: logrus.StandardLogger().Out,
		}, db)
		go func() {
			apiDone <- server.Run(apiCtx)
		}()
	}

	// Print startup information
	if cfg.Ingest.DryRun {
		slog.Info("Starting transit ingester in DRY RUN mode, data will be printed to stdout")
	} else {
		slog.Info("Starting transit ingester", "database", cfg.Database.Redacted())
	}
	slog.Info("Configuration",
		"agencies", cfg.Feed.Agencies,
		"interval", cfg.Ingest.Interval,
		"agency_delay", cfg.Ingest.AgencyDelay,
		"fetch_timeout", cfg.Feed.Timeout,
		"once", cfg.Ingest.Once,
	)

	// Start pipeline in goroutine
	errChan := make(chan error, 1)
	go func() {
		errChan <- pipeline.Run(ctx)
	}()

	// Wait for shutdown signal or completion
	select {
	case <-ctx.Done():
		slog.Info("Received shutdown signal, finishing current work")
		select {
		case <-time.After(shutdownTimeout):
			slog.Warn("Shutdown timeout, forcing exit")
		case <-errChan:
			slog.Info("Pipeline stopped")
		}
	case err := <-errChan:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Fatalf("Pipeline error: %v", err)
		}
		slog.Info("Pipeline stopped")
	}

	stopAPI()
	if err := <-apiDone; err != nil {
		slog.Error("Query API error", "error", err)
	}

	slog.Info("Transit ingester shutdown complete")
}
