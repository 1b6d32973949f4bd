// Package config loads application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Auth          AuthConfig
	Ingest        IngestConfig
	Storage       StorageConfig
	Gemini        GeminiConfig
	Observability ObservabilityConfig
}

type ServerConfig struct {
	Host               string
	Port               int
	RateLimitPerSecond int
	RateLimitBurst     int
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

type AuthConfig struct {
	JWTSecret string
}

// IngestConfig controls the upload/process pipeline.
type IngestConfig struct {
	MaxUploadBytes   int64
	InsertBatchSize  int
	PreviewRows      int
	HistoryLimit     int
	Strategy         string // "assisted" or "similarity"
	SearchIndexPath  string // empty = in-memory
	BackfillSchedule string // cron spec for the embedding backfill job
}

type StorageConfig struct {
	Type      string // "local" or "s3"
	LocalPath string

	S3Bucket          string
	S3Region          string
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3Endpoint        string
}

type GeminiConfig struct {
	APIKey         string
	Model          string
	EmbeddingModel string
}

type ObservabilityConfig struct {
	MetricsEnabled bool
	MetricsPort    int
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Host:               getEnv("SERVER_HOST", "localhost"),
			Port:               getEnvAsInt("SERVER_PORT", 8080),
			RateLimitPerSecond: getEnvAsInt("SERVER_RATE_LIMIT_PER_SECOND", 100),
			RateLimitBurst:     getEnvAsInt("SERVER_RATE_LIMIT_BURST", 200),
		},
		Database: DatabaseConfig{
			Host:     getEnv("POSTGRES_HOST", "localhost"),
			Port:     getEnvAsInt("POSTGRES_PORT", 5432),
			User:     getEnv("POSTGRES_USER", "postgres"),
			Password: getEnv("POSTGRES_PASSWORD", "postgres"),
			Database: getEnv("POSTGRES_DB", "insight-hunter-dev"),
			SSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", "changeme"),
		},
		Ingest: IngestConfig{
			MaxUploadBytes:   int64(getEnvAsInt("INGEST_MAX_UPLOAD_BYTES", 10*1024*1024)),
			InsertBatchSize:  getEnvAsInt("INGEST_INSERT_BATCH_SIZE", 100),
			PreviewRows:      getEnvAsInt("INGEST_PREVIEW_ROWS", 5),
			HistoryLimit:     getEnvAsInt("INGEST_HISTORY_LIMIT", 20),
			Strategy:         getEnv("INGEST_CATEGORIZATION_STRATEGY", "assisted"),
			SearchIndexPath:  getEnv("INGEST_SEARCH_INDEX_PATH", ""),
			BackfillSchedule: getEnv("INGEST_BACKFILL_SCHEDULE", "@hourly"),
		},
		Storage: StorageConfig{
			Type:              getEnv("STORAGE_TYPE", "local"),
			LocalPath:         getEnv("STORAGE_LOCAL_PATH", "./uploads"),
			S3Bucket:          getEnv("STORAGE_S3_BUCKET", ""),
			S3Region:          getEnv("STORAGE_S3_REGION", ""),
			S3AccessKeyID:     getEnv("STORAGE_S3_ACCESS_KEY_ID", ""),
			S3SecretAccessKey: getEnv("STORAGE_S3_SECRET_ACCESS_KEY", ""),
			S3Endpoint:        getEnv("STORAGE_S3_ENDPOINT", ""),
		},
		Gemini: GeminiConfig{
			APIKey:         getEnv("GEMINI_API_KEY", ""),
			Model:          getEnv("GEMINI_MODEL", "gemini-2.0-flash"),
			EmbeddingModel: getEnv("GEMINI_EMBEDDING_MODEL", "text-embedding-004"),
		},
		Observability: ObservabilityConfig{
			MetricsEnabled: getEnvAsBool("METRICS_ENABLED", true),
			MetricsPort:    getEnvAsInt("METRICS_PORT", 9090),
		},
	}

	if cfg.Ingest.Strategy != "assisted" && cfg.Ingest.Strategy != "similarity" {
		return nil, fmt.Errorf("invalid INGEST_CATEGORIZATION_STRATEGY: %q", cfg.Ingest.Strategy)
	}

	if cfg.Storage.Type == "s3" && cfg.Storage.S3Bucket == "" {
		return nil, errors.New("STORAGE_S3_BUCKET is required when STORAGE_TYPE=s3")
	}

	return cfg, nil
}

// DSN returns the database connection string
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}
