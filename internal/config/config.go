package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds all application configuration
type Config struct {
	// Local state database (upload task state, usage ledger)
	DBPath string

	// Optional Postgres DSN for the usage ledger. When set, the ledger uses
	// Postgres instead of the local SQLite database (multi-node deployments).
	LedgerDSN string

	// Object storage
	StorageBackend    string // "s3" or "memory"
	S3Bucket          string
	S3Region          string
	S3Endpoint        string // Custom endpoint for MinIO or other S3-compatible services
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3PathStyle       bool   // Use path-style addressing (required for MinIO)
	S3PublicBaseURL   string // Fallback base URL when presigning fails

	// Upload pipeline
	ChunkSize         int64 // Chunk size for chunked uploads
	ChunkingThreshold int64 // Files larger than this are uploaded in chunks
	SignedURLTTLSecs  int   // TTL for presigned object URLs

	// Generation service
	GenerationURL     string
	GenerationAPIKey  string
	GenerationModel   string
	GenerationTimeout int   // Request timeout in seconds
	InlineThreshold   int64 // Payloads above this size use storage-reference transport

	// Quota
	DefaultDailyLimit int // Per-user generation requests per UTC day

	// Media preprocessing
	MaxImageEdge int // Longer edge limit for image downscaling
	ImageQuality int // JPEG re-encode quality

	// Metrics
	MetricsAddr string // Listen address for the Prometheus endpoint ("" = disabled)
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		DBPath:            getEnv("DB_PATH", "./studypipe.db"),
		LedgerDSN:         getEnv("LEDGER_DSN", ""),
		StorageBackend:    getEnv("STORAGE_BACKEND", "s3"),
		S3Bucket:          getEnv("S3_BUCKET", ""),
		S3Region:          getEnv("S3_REGION", ""),
		S3Endpoint:        getEnv("S3_ENDPOINT", ""),
		S3AccessKeyID:     getEnv("S3_ACCESS_KEY_ID", ""),
		S3SecretAccessKey: getEnv("S3_SECRET_ACCESS_KEY", ""),
		S3PathStyle:       getEnvBool("S3_PATH_STYLE", false),
		S3PublicBaseURL:   getEnv("S3_PUBLIC_BASE_URL", ""),
		ChunkSize:         getEnvInt64("CHUNK_SIZE", 5*1024*1024),          // 5MB chunks
		ChunkingThreshold: getEnvInt64("CHUNKING_THRESHOLD", 10*1024*1024), // chunk files > 10MB
		SignedURLTTLSecs:  getEnvInt("SIGNED_URL_TTL_SECONDS", 3600),
		GenerationURL:     getEnv("GENERATION_URL", ""),
		GenerationAPIKey:  getEnv("GENERATION_API_KEY", ""),
		GenerationModel:   getEnv("GENERATION_MODEL", "gemini-2.0-flash"),
		GenerationTimeout: getEnvInt("GENERATION_TIMEOUT_SECONDS", 120),
		InlineThreshold:   getEnvInt64("INLINE_THRESHOLD", 2*1024*1024), // inline payloads <= 2MB
		DefaultDailyLimit: getEnvInt("DEFAULT_DAILY_LIMIT", 30),
		MaxImageEdge:      getEnvInt("MAX_IMAGE_EDGE", 1920),
		ImageQuality:      getEnvInt("IMAGE_QUALITY", 80),
		MetricsAddr:       getEnv("METRICS_ADDR", ""),
	}

	// Validate configuration
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// validate ensures configuration values are sensible
func (c *Config) validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}

	switch c.StorageBackend {
	case "s3":
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required when STORAGE_BACKEND=s3")
		}
	case "memory":
		// In-memory backend needs no further configuration
	default:
		return fmt.Errorf("unknown STORAGE_BACKEND %q (expected s3 or memory)", c.StorageBackend)
	}

	if c.ChunkSize <= 0 {
		return fmt.Errorf("CHUNK_SIZE must be positive, got %d", c.ChunkSize)
	}

	if c.ChunkingThreshold <= 0 {
		return fmt.Errorf("CHUNKING_THRESHOLD must be positive, got %d", c.ChunkingThreshold)
	}

	if c.ChunkSize > c.ChunkingThreshold {
		return fmt.Errorf("CHUNK_SIZE (%d) cannot exceed CHUNKING_THRESHOLD (%d)", c.ChunkSize, c.ChunkingThreshold)
	}

	if c.SignedURLTTLSecs <= 0 {
		return fmt.Errorf("SIGNED_URL_TTL_SECONDS must be positive, got %d", c.SignedURLTTLSecs)
	}

	if c.GenerationTimeout <= 0 {
		return fmt.Errorf("GENERATION_TIMEOUT_SECONDS must be positive, got %d", c.GenerationTimeout)
	}

	if c.InlineThreshold <= 0 {
		return fmt.Errorf("INLINE_THRESHOLD must be positive, got %d", c.InlineThreshold)
	}

	if c.DefaultDailyLimit <= 0 {
		return fmt.Errorf("DEFAULT_DAILY_LIMIT must be positive, got %d", c.DefaultDailyLimit)
	}

	if c.MaxImageEdge <= 0 {
		return fmt.Errorf("MAX_IMAGE_EDGE must be positive, got %d", c.MaxImageEdge)
	}

	if c.ImageQuality < 1 || c.ImageQuality > 100 {
		return fmt.Errorf("IMAGE_QUALITY must be between 1 and 100, got %d", c.ImageQuality)
	}

	return nil
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvInt64 retrieves an int64 environment variable or returns a default value
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvBool retrieves a boolean environment variable or returns a default value
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	}
	return defaultValue
}
