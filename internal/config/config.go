// Package config provides process configuration from the environment
// and the session configuration document loaded from disk.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds process-level configuration read from the environment
type Config struct {
	DataDir           string // base directory for bar stores, caches and snapshots
	SessionConfigPath string // session config JSON loaded at start
	LogLevel          string
	Port              int
	DevMode           bool

	// Bar repository backend: "sqlite" (default) or "postgres"
	RepositoryBackend string
	PostgresDSN       string

	// S3-compatible snapshot archive (live mode); disabled when the
	// bucket is empty
	Archive ArchiveConfig
}

// ArchiveConfig holds the snapshot-archive credentials
type ArchiveConfig struct {
	Bucket    string
	Endpoint  string // custom endpoint for R2-style providers; empty = AWS
	Region    string
	AccessKey string
	SecretKey string
	Prefix    string
	Keep      int // snapshots retained before pruning
}

// Enabled reports whether archiving is configured
func (a ArchiveConfig) Enabled() bool {
	return a.Bucket != ""
}

// Load reads configuration from environment variables.
// A .env file is honored when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	dataDir := getEnv("TAPE_DATA_DIR", "./data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:           absDataDir,
		SessionConfigPath: getEnv("TAPE_SESSION_CONFIG", ""),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		Port:              getEnvAsInt("TAPE_PORT", 8010),
		DevMode:           getEnvAsBool("DEV_MODE", false),
		RepositoryBackend: getEnv("TAPE_REPOSITORY", "sqlite"),
		PostgresDSN:       getEnv("TAPE_POSTGRES_DSN", ""),
		Archive: ArchiveConfig{
			Bucket:    getEnv("TAPE_ARCHIVE_BUCKET", ""),
			Endpoint:  getEnv("TAPE_ARCHIVE_ENDPOINT", ""),
			Region:    getEnv("TAPE_ARCHIVE_REGION", "auto"),
			AccessKey: getEnv("TAPE_ARCHIVE_ACCESS_KEY", ""),
			SecretKey: getEnv("TAPE_ARCHIVE_SECRET_KEY", ""),
			Prefix:    getEnv("TAPE_ARCHIVE_PREFIX", "sessions"),
			Keep:      getEnvAsInt("TAPE_ARCHIVE_KEEP", 30),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks process configuration consistency
func (c *Config) Validate() error {
	switch c.RepositoryBackend {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown repository backend %q", c.RepositoryBackend)
	}
	if c.RepositoryBackend == "postgres" && c.PostgresDSN == "" {
		return fmt.Errorf("postgres backend requires TAPE_POSTGRES_DSN")
	}
	if c.Archive.Enabled() && (c.Archive.AccessKey == "" || c.Archive.SecretKey == "") {
		return fmt.Errorf("archive bucket configured without credentials")
	}
	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
