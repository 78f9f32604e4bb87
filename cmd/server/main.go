package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/time/rate"

	"github.com/helix-bio/recalibra/internal/api"
	"github.com/helix-bio/recalibra/internal/auth"
	"github.com/helix-bio/recalibra/internal/cache"
	"github.com/helix-bio/recalibra/internal/metrics"
	"github.com/helix-bio/recalibra/internal/recal"
	"github.com/helix-bio/recalibra/internal/registry"
	"github.com/helix-bio/recalibra/internal/source"
	"github.com/helix-bio/recalibra/internal/store"
	"github.com/helix-bio/recalibra/internal/wal"
	"github.com/helix-bio/recalibra/pkg/otel"
)

// Server holds the wired components behind the HTTP handlers.
type Server struct {
	registry    *registry.Registry
	repo        store.Repository
	source      source.Source
	journal     *wal.IngestJournal
	runner      *recal.Runner
	metrics     *metrics.Metrics
	limiter     *rate.Limiter
	driftCfg    api.DriftConfig
	authEnabled bool
	metricsAuth struct {
		enabled  bool
		user     string
		password string
	}
}

func main() {
	ctx := context.Background()

	// Storage backend
	backend := getEnv("STORE_BACKEND", "memory")
	var repo store.Repository
	var err error

	switch backend {
	case "memory":
		snapshotPath := getEnv("STORE_SNAPSHOT", "data/store.json")
		repo, err = store.NewMemoryStore(snapshotPath)
		if err != nil {
			log.Fatalf("Failed to load store snapshot: %v", err)
		}
	case "postgres":
		connStr := getEnv("POSTGRES_CONN", "")
		repo, err = store.NewPostgresStore(connStr)
		if err != nil {
			log.Fatalf("Failed to create Postgres store: %v", err)
		}
	default:
		log.Fatalf("Unknown STORE_BACKEND: %s", backend)
	}

	// Model registry
	reg, err := registry.New(getEnv("REGISTRY_DIR", "data/models"))
	if err != nil {
		log.Fatalf("Failed to open model registry: %v", err)
	}

	// Pair caches: local LRU always, shared Redis when configured
	pairCache, err := cache.NewPairCache(
		getEnvInt("PAIR_CACHE_SIZE", 256),
		time.Duration(getEnvInt("PAIR_CACHE_TTL_SEC", 0))*time.Second,
	)
	if err != nil {
		log.Fatalf("Failed to create pair cache: %v", err)
	}

	var redisCache *cache.RedisPairCache
	if redisAddr := getEnv("REDIS_ADDR", ""); redisAddr != "" {
		redisCache, err = cache.NewRedisPairCache(
			redisAddr,
			getEnv("REDIS_PASSWORD", ""),
			getEnvInt("REDIS_DB", 0),
			time.Duration(getEnvInt("REDIS_PAIR_TTL_SEC", 3600))*time.Second,
		)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
	}

	src := source.NewRealSource(repo, pairCache, redisCache)
	metrics.RegisterPairCache(
		func() uint64 { return pairCache.Stats().Hits },
		func() uint64 { return pairCache.Stats().Misses },
	)

	// Ingest journal
	journal, err := wal.Open(getEnv("WAL_DIR", "data/wal"))
	if err != nil {
		log.Fatalf("Failed to open ingest journal: %v", err)
	}

	// Recalibration pipeline
	artifacts, err := recal.NewArtifactStore(getEnv("ARTIFACT_DIR", "data/artifacts"))
	if err != nil {
		log.Fatalf("Failed to open artifact store: %v", err)
	}
	orchestrator := recal.NewOrchestrator(reg, repo, artifacts, getEnv("RETRAIN_CMD", "retrain-pipeline"))
	runner := recal.NewRunner(orchestrator,
		getEnvInt("RECAL_QUEUE", 16),
		getEnvInt("RECAL_WORKERS", 2),
	)

	m := metrics.New()
	runner.OnTerminal = func(run *api.RecalibrationRun) {
		if run.Status == api.RunFailed {
			m.RecalibrationFails.WithLabelValues(run.ModelID).Inc()
		}
	}

	// Drift thresholds
	driftCfg := api.DefaultDriftConfig()
	driftCfg.KSAlpha = getEnvFloat("DRIFT_KS_ALPHA", driftCfg.KSAlpha)
	driftCfg.PSIThreshold = getEnvFloat("DRIFT_PSI_THRESHOLD", driftCfg.PSIThreshold)
	driftCfg.MinWindowSize = getEnvInt("DRIFT_MIN_WINDOW", driftCfg.MinWindowSize)
	driftCfg.Bins = getEnvInt("DRIFT_BINS", driftCfg.Bins)

	// Tracing
	var tp *sdktrace.TracerProvider
	if getEnv("OTEL_ENABLED", "") == "true" {
		otelCfg := otel.DefaultConfig("recalibra")
		otelCfg.CollectorEndpoint = getEnv("OTEL_ENDPOINT", otelCfg.CollectorEndpoint)
		otelCfg.Environment = getEnv("ENVIRONMENT", otelCfg.Environment)
		tp, err = otel.InitTracer(ctx, otelCfg)
		if err != nil {
			log.Fatalf("Failed to init tracing: %v", err)
		}
	}

	tokenRate := getEnvInt("TOKEN_RATE", 100)

	srv := &Server{
		registry:    reg,
		repo:        repo,
		source:      src,
		journal:     journal,
		runner:      runner,
		metrics:     m,
		limiter:     rate.NewLimiter(rate.Limit(tokenRate), tokenRate*2),
		driftCfg:    driftCfg,
		authEnabled: getEnv("AUTH_ENABLED", "") == "true",
	}
	srv.metricsAuth.enabled = getEnv("METRICS_USER", "") != ""
	srv.metricsAuth.user = getEnv("METRICS_USER", "")
	srv.metricsAuth.password = getEnv("METRICS_PASS", "")

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/models", srv.handleModels)
	mux.HandleFunc("/v1/records/predictions", srv.handlePredictions)
	mux.HandleFunc("/v1/records/observations", srv.handleObservations)
	mux.HandleFunc("/v1/accuracy", srv.handleAccuracy)
	mux.HandleFunc("/v1/drift/check", srv.handleDriftCheck)
	mux.HandleFunc("/v1/drift/checks", srv.handleListChecks)
	mux.HandleFunc("/v1/recalibrate", srv.handleRecalibrate)
	mux.HandleFunc("/v1/runs", srv.handleListRuns)
	mux.HandleFunc("/v1/runs/", srv.handleGetRun)
	mux.Handle("/metrics", srv.metricsHandler())
	mux.HandleFunc("/health", handleHealth)

	var handler http.Handler = mux
	if srv.authEnabled {
		handler = auth.Middleware(auth.DefaultGatewayConfig())(mux)
	}

	port := getEnv("PORT", "8080")
	httpServer := &http.Server{
		Addr:         ":" + port,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Printf("Starting server on port %s (store=%s)", port, backend)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-shutdown
	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	runner.Stop()

	if err := journal.Close(); err != nil {
		log.Printf("Error closing ingest journal: %v", err)
	}
	if err := repo.Close(); err != nil {
		log.Printf("Error closing store: %v", err)
	}
	if redisCache != nil {
		if err := redisCache.Close(); err != nil {
			log.Printf("Error closing Redis cache: %v", err)
		}
	}
	if err := otel.Shutdown(shutdownCtx, tp); err != nil {
		log.Printf("Error shutting down tracing: %v", err)
	}

	log.Println("Server stopped")
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
