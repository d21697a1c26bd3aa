package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"

	"github.com/icsops/changeval/internal/api"
	"github.com/icsops/changeval/internal/engine"
	"github.com/icsops/changeval/internal/ingest"
	"github.com/icsops/changeval/internal/metrics"
	"github.com/icsops/changeval/internal/policy"
	"github.com/icsops/changeval/internal/refstore"
	"github.com/icsops/changeval/internal/resultstore"
	"github.com/icsops/changeval/internal/sink"
	"github.com/icsops/changeval/internal/validate"
)

func main() {
	// Load .env if present; real environment wins
	_ = godotenv.Load()

	// Initialize logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	logger.Info("Starting Change Validation Service")

	// Load environment variables with defaults
	httpAddr := getEnv("CHANGEVAL_HTTP_ADDR", ":8080")
	natsURL := getEnv("CHANGEVAL_NATS_URL", "nats://localhost:4222")
	postgresDSN := getEnv("CHANGEVAL_POSTGRES_DSN", "")
	profilesDir := getEnv("CHANGEVAL_PROFILES_DIR", "profiles.d")
	profileName := getEnv("CHANGEVAL_PROFILE", "default")
	hotReload := getEnv("CHANGEVAL_HOT_RELOAD", "false") == "true"
	debounceMs := getEnvInt("CHANGEVAL_DEBOUNCE_MS", 1000)
	maxResults := getEnvInt("CHANGEVAL_MAX_RESULTS", 10000)
	dedupeCap := getEnvInt("CHANGEVAL_DEDUPE_CAP", 100000)
	workers := getEnvInt("CHANGEVAL_WORKERS", validate.DefaultWorkers)
	cacheSize := getEnvInt("CHANGEVAL_CACHE_SIZE", 10000)
	cacheTTLSec := getEnvInt("CHANGEVAL_CACHE_TTL_SEC", 300)

	logger.Info("Configuration loaded",
		"http_addr", httpAddr,
		"nats_url", natsURL,
		"postgres", postgresDSN != "",
		"profiles_dir", profilesDir,
		"profile", profileName,
		"hot_reload", hotReload,
		"max_results", maxResults,
		"workers", workers)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to NATS. The connection is established in the background so
	// a late-starting server does not block startup; a connect error here
	// means the URL itself is unusable and the service falls back to
	// HTTP-only mode.
	nc, err := nats.Connect(natsURL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.RetryOnFailedConnect(true))
	if err != nil {
		logger.Warn("NATS unavailable, continuing in HTTP-only mode", "error", err)
		nc = nil
	} else {
		defer nc.Close()
		metrics.SetNatsConnected(nc.IsConnected())
		logger.Info("NATS connection established", "url", natsURL)
	}

	// Select the reference store backend
	var (
		refStore refstore.Store
		upserter refstore.Upserter
		cache    ingest.CacheInvalidator
	)
	if postgresDSN != "" {
		pg, err := refstore.NewPostgresStore(ctx, postgresDSN)
		if err != nil {
			logger.Error("Failed to connect to Postgres", "error", err)
			os.Exit(1)
		}
		defer pg.Close()

		cached, err := refstore.NewCachedStore(pg, cacheSize, time.Duration(cacheTTLSec)*time.Second)
		if err != nil {
			logger.Error("Failed to create reference cache", "error", err)
			os.Exit(1)
		}
		refStore = cached
		upserter = pg
		cache = cached
		logger.Info("Reference store initialized", "backend", "postgres", "cache_size", cacheSize)
	} else {
		mem := refstore.NewMemoryStore()
		refStore = mem
		upserter = mem
		logger.Info("Reference store initialized", "backend", "memory")
	}

	// Create policy loader and load initial profiles
	policyLoader := policy.NewLoader(profilesDir, hotReload, debounceMs, logger)
	if _, err := policyLoader.LoadSnapshot(); err != nil {
		logger.Error("Failed to load policy profiles", "error", err)
		os.Exit(1)
	}
	metrics.SetProfilesLoaded(len(policyLoader.Names()))
	policyLoader.WatchForChanges()

	// Wire the validation pipeline
	correlator := engine.New(refStore, logger)
	processor := validate.NewProcessor(correlator, policyLoader, profileName, workers, logger)
	results := resultstore.NewMemoryStore(maxResults, dedupeCap)
	reviews := validate.NewReviewManager(logger)

	// The bus-facing pieces only run with a NATS connection; the HTTP
	// surface below works either way.
	if nc != nil {
		policyManager := policy.NewManager(policyLoader, nc, logger)
		if err := policyManager.Subscribe(); err != nil {
			logger.Warn("Failed to subscribe to policy changes", "error", err)
		}

		publisher := sink.NewResultPublisher(nc, logger)

		refSync := ingest.NewRefSyncSubscriber(nc, upserter, cache, "changeval", logger)
		go func() {
			if err := refSync.Subscribe(ctx); err != nil {
				logger.Error("Reference sync subscriber error", "error", err)
			}
		}()

		subscriber := ingest.NewExceptionSubscriber(nc, processor, results, publisher, "changeval", logger)
		go func() {
			if err := subscriber.Subscribe(ctx); err != nil {
				logger.Error("Exception subscriber error", "error", err)
			}
		}()
	}

	// Create HTTP API
	csvDecoder := ingest.NewExceptionCSVDecoder(logger)
	patchImporter := ingest.NewPatchImporter(upserter, logger)
	httpAPI := api.NewHTTPAPI(processor, results, reviews, policyLoader, csvDecoder, patchImporter, nc)
	mux := http.NewServeMux()
	httpAPI.SetupRoutes(mux)

	httpServer := &http.Server{
		Addr:    httpAddr,
		Handler: mux,
	}

	// Start HTTP server
	go func() {
		logger.Info("Starting HTTP server", "addr", httpAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
		}
	}()

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Change validation service started successfully")
	<-sigChan

	logger.Info("Shutting down change validation service...")

	// Cancel context to drain NATS subscribers
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	logger.Info("Change validation service stopped")
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an environment variable as an integer with a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
