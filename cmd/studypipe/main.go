package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	_ "modernc.org/sqlite"

	"github.com/fjmerc/studypipe/internal/config"
	"github.com/fjmerc/studypipe/internal/generation"
	"github.com/fjmerc/studypipe/internal/media"
	"github.com/fjmerc/studypipe/internal/quota"
	"github.com/fjmerc/studypipe/internal/retry"
	"github.com/fjmerc/studypipe/internal/storage"
	"github.com/fjmerc/studypipe/internal/storage/mock"
	s3store "github.com/fjmerc/studypipe/internal/storage/s3"
	"github.com/fjmerc/studypipe/internal/upload"
)

// staleTaskMaxAge is how long an untouched upload task survives before the
// maintenance loop discards it and its chunks.
const staleTaskMaxAge = 7 * 24 * time.Hour

// services is the composed pipeline handed to the embedding application.
type services struct {
	Media   *media.Preprocessor
	Uploads *upload.Manager
	Gateway *generation.Gateway
	Limiter *quota.Limiter
}

func main() {
	// Setup structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("starting studypipe",
		"storage_backend", cfg.StorageBackend,
		"chunk_size", cfg.ChunkSize,
		"chunking_threshold", cfg.ChunkingThreshold,
		"default_daily_limit", cfg.DefaultDailyLimit,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Local database for upload task state and the SQLite ledger
	db, err := sql.Open("sqlite", cfg.DBPath)
	if err != nil {
		slog.Error("failed to open database", "error", err, "path", cfg.DBPath)
		os.Exit(1)
	}
	defer db.Close()

	taskStore, err := upload.NewSQLiteTaskStore(db)
	if err != nil {
		slog.Error("failed to initialize upload task store", "error", err)
		os.Exit(1)
	}

	slog.Info("database initialized", "path", cfg.DBPath)

	// Storage backend
	var blobs storage.BlobStore
	switch cfg.StorageBackend {
	case "s3":
		blobs, err = s3store.NewBlobStore(ctx, s3store.Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			PathStyle:       cfg.S3PathStyle,
			PublicBaseURL:   cfg.S3PublicBaseURL,
		})
		if err != nil {
			slog.Error("failed to initialize S3 storage", "error", err)
			os.Exit(1)
		}
		slog.Info("storage backend ready", "backend", "s3", "bucket", cfg.S3Bucket)
	case "memory":
		blobs = mock.NewBlobStore()
		slog.Warn("using in-memory storage backend, objects are not durable")
	default:
		slog.Error("unknown storage backend", "backend", cfg.StorageBackend)
		os.Exit(1)
	}

	// Usage ledger: Postgres when a DSN is configured, local SQLite otherwise
	var ledger quota.Ledger
	if cfg.LedgerDSN != "" {
		pgLedger, err := quota.NewPostgresLedger(ctx, cfg.LedgerDSN)
		if err != nil {
			slog.Error("failed to connect to Postgres ledger", "error", err)
			os.Exit(1)
		}
		defer pgLedger.Close()
		ledger = pgLedger
		slog.Info("usage ledger ready", "backend", "postgres")
	} else {
		sqlLedger, err := quota.NewSQLiteLedger(db)
		if err != nil {
			slog.Error("failed to initialize SQLite ledger", "error", err)
			os.Exit(1)
		}
		ledger = sqlLedger
		slog.Info("usage ledger ready", "backend", "sqlite")
	}

	limiter := quota.NewLimiter(ledger, cfg.DefaultDailyLimit)
	policy := retry.DefaultPolicy()

	uploads := upload.NewManager(blobs, taskStore, policy, cfg.ChunkSize, cfg.ChunkingThreshold)

	client := generation.NewClient(generation.ClientConfig{
		BaseURL: cfg.GenerationURL,
		APIKey:  cfg.GenerationAPIKey,
		Model:   cfg.GenerationModel,
		Timeout: time.Duration(cfg.GenerationTimeout) * time.Second,
	})
	signTTL := time.Duration(cfg.SignedURLTTLSecs) * time.Second
	gateway := generation.NewGateway(client, limiter, uploads, blobs, policy, cfg.InlineThreshold, signTTL)

	svc := &services{
		Media:   media.NewPreprocessor(cfg.MaxImageEdge, cfg.ImageQuality),
		Uploads: uploads,
		Gateway: gateway,
		Limiter: limiter,
	}

	slog.Info("pipeline ready",
		"generation_url", cfg.GenerationURL,
		"model", cfg.GenerationModel,
		"inline_threshold", cfg.InlineThreshold,
	)

	// Metrics endpoint
	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.MetricsAddr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}

		go func() {
			slog.Info("metrics endpoint listening", "address", cfg.MetricsAddr)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("metrics server error", "error", err)
			}
		}()
	}

	// Periodic stale upload task cleanup
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := svc.Uploads.CleanupStale(ctx, staleTaskMaxAge); err != nil {
					slog.Error("stale task cleanup failed", "error", err)
				}
			}
		}
	}()

	<-ctx.Done()
	slog.Info("shutdown signal received")

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("metrics server shutdown failed", "error", err)
		}
	}

	slog.Info("shutdown complete")
}
