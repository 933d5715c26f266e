package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/appliedgeo/gips/internal/constants"
)

// Config holds all application configuration
type Config struct {
	Port         string
	DBPath       string
	ArchiveDir   string
	QueueBackend string
	TorqueQueue  string
	FetchBatch   int
	PerJob       int
	ChunkSize    int
	MaxRetries   int
	LocalWorkers int
	TickInterval time.Duration
	LogLevel     string
	LogFormat    string
}

// Load loads configuration from environment variables with defaults
func Load() *Config {
	return &Config{
		Port:         getEnv("PORT", constants.DefaultPort),
		DBPath:       getEnv("DB_PATH", constants.DefaultDBPath),
		ArchiveDir:   getEnv("ARCHIVE_DIR", constants.DefaultArchiveDir),
		QueueBackend: getEnv("QUEUE_BACKEND", constants.DefaultQueueBackend),
		TorqueQueue:  getEnv("TORQUE_QUEUE", ""),
		FetchBatch:   getEnvInt("FETCH_BATCH", constants.DefaultFetchBatch),
		PerJob:       getEnvInt("PER_JOB", constants.DefaultPerJob),
		ChunkSize:    getEnvInt("CHUNK_SIZE", constants.DefaultChunkSize),
		MaxRetries:   getEnvInt("MAX_RETRIES", constants.DefaultMaxRetries),
		LocalWorkers: getEnvInt("LOCAL_WORKERS", constants.DefaultLocalWorkers),
		TickInterval: getEnvDuration("TICK_INTERVAL", constants.DefaultTickInterval),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		LogFormat:    getEnv("LOG_FORMAT", "text"),
	}
}

// Validate validates the configuration and returns detailed errors
func (c *Config) Validate() error {
	var errors []string

	if c.Port == "" {
		errors = append(errors, "PORT cannot be empty")
	} else {
		port, err := strconv.Atoi(c.Port)
		if err != nil {
			errors = append(errors, fmt.Sprintf("PORT must be a valid number, got: %s", c.Port))
		} else if port < 1 || port > 65535 {
			errors = append(errors, fmt.Sprintf("PORT must be between 1 and 65535, got: %d", port))
		}
	}

	if c.DBPath == "" {
		errors = append(errors, "DB_PATH cannot be empty")
	}

	if c.ArchiveDir == "" {
		errors = append(errors, "ARCHIVE_DIR cannot be empty")
	}

	validBackends := map[string]bool{
		constants.QueueBackendLocal:  true,
		constants.QueueBackendTorque: true,
	}
	if !validBackends[c.QueueBackend] {
		errors = append(errors, fmt.Sprintf("QUEUE_BACKEND must be one of: local, torque, got: %s", c.QueueBackend))
	}

	if c.FetchBatch < 1 {
		errors = append(errors, fmt.Sprintf("FETCH_BATCH must be at least 1, got: %d", c.FetchBatch))
	}

	if c.PerJob < 1 {
		errors = append(errors, fmt.Sprintf("PER_JOB must be at least 1, got: %d", c.PerJob))
	}

	if c.ChunkSize < 1 {
		errors = append(errors, fmt.Sprintf("CHUNK_SIZE must be at least 1, got: %d", c.ChunkSize))
	}

	if c.MaxRetries < 0 {
		errors = append(errors, fmt.Sprintf("MAX_RETRIES cannot be negative, got: %d", c.MaxRetries))
	}

	if c.TickInterval < time.Second {
		errors = append(errors, fmt.Sprintf("TICK_INTERVAL must be at least 1s, got: %s", c.TickInterval))
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		errors = append(errors, fmt.Sprintf("LOG_LEVEL must be one of: debug, info, warn, error, got: %s", c.LogLevel))
	}

	validLogFormats := map[string]bool{
		"text": true,
		"json": true,
	}
	if !validLogFormats[c.LogFormat] {
		errors = append(errors, fmt.Sprintf("LOG_FORMAT must be one of: text, json, got: %s", c.LogFormat))
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	return nil
}

// getEnv retrieves an environment variable with a fallback default
func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}
