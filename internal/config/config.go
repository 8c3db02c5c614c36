package config

import (
	"encoding/base64"
	"fmt"
	"log"
	"net/url"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds the application configuration loaded from environment variables.
type Config struct {
	// Environment is the deployment environment (development, production, etc.).
	// Defaults to "development" if MAILSYNC_ENV is not set.
	Environment string
	// EncryptionKeyBase64 is the base64-encoded encryption key used for encrypting/decrypting
	// IMAP credentials at rest. Must be 32 bytes when decoded (44 characters in base64).
	EncryptionKeyBase64 string
	// DBHost is the PostgreSQL database hostname. Defaults to "localhost".
	DBHost string
	// DBPort is the PostgreSQL database port. Defaults to "5432".
	DBPort string
	// DBUsername is the PostgreSQL database username. Defaults to "mailsync".
	DBUsername string
	// DBPassword is the PostgreSQL database password. Required, no default.
	DBPassword string
	// DBName is the PostgreSQL database name. Defaults to "mailsync".
	DBName string
	// DBSSLMode is the PostgreSQL SSL mode (disable, require, verify-full, etc.). Defaults to "disable".
	DBSSLMode string
	// DBMaxConns is the maximum number of pooled database connections. Defaults to 10.
	// This bounds the scheduler bridge's DB-touching work alongside WorkerPoolSize.
	DBMaxConns int
	// WorkerPoolSize is the number of goroutines in the scheduler bridge that execute
	// DB-touching and CPU-bound tasks on behalf of all user workers. Defaults to 8.
	WorkerPoolSize int
	// AMQPURL is the broker URL the default ProcessUid sink publishes new-message
	// events to. Empty disables the default sink (a caller-supplied ProcessUid is
	// still required in that case).
	AMQPURL string
	// StressTestMode suppresses metrics (error counters and the delayed-start gauge).
	// Logging is not affected.
	StressTestMode bool
	// Timezone is the application timezone (e.g., "UTC", "America/New_York"). Defaults to "UTC".
	Timezone string
}

// NewConfig loads and returns a new Config instance from environment variables.
func NewConfig() (*Config, error) {
	env := os.Getenv("MAILSYNC_ENV")
	if env == "" {
		env = "development"
	}

	if env == "development" {
		if err := godotenv.Load(); err != nil {
			log.Printf("Warning: .env file not found, using environment variables")
		}
	}

	workerPoolSize, err := parseIntOrDefault("MAILSYNC_WORKER_POOL_SIZE", 8)
	if err != nil {
		return nil, fmt.Errorf("MAILSYNC_WORKER_POOL_SIZE is not a valid number: %w", err)
	}

	dbMaxConns, err := parseIntOrDefault("MAILSYNC_DB_MAX_CONNS", 10)
	if err != nil {
		return nil, fmt.Errorf("MAILSYNC_DB_MAX_CONNS is not a valid number: %w", err)
	}

	config := &Config{
		Environment:         env,
		EncryptionKeyBase64: os.Getenv("MAILSYNC_ENCRYPTION_KEY_BASE64"),
		DBHost:              getEnvOrDefault("MAILSYNC_DB_HOST", "localhost"),
		DBPort:              getEnvOrDefault("MAILSYNC_DB_PORT", "5432"),
		DBUsername:          getEnvOrDefault("MAILSYNC_DB_USER", "mailsync"),
		DBPassword:          os.Getenv("MAILSYNC_DB_PASSWORD"),
		DBName:              getEnvOrDefault("MAILSYNC_DB_NAME", "mailsync"),
		DBSSLMode:           getEnvOrDefault("MAILSYNC_DB_SSLMODE", "disable"),
		DBMaxConns:          dbMaxConns,
		WorkerPoolSize:      workerPoolSize,
		AMQPURL:             os.Getenv("MAILSYNC_AMQP_URL"),
		StressTestMode:      os.Getenv("MAILSYNC_STRESS_TEST") == "true",
		Timezone:            getEnvOrDefault("TZ", "UTC"),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks that all required configuration values are set and valid.
func (c *Config) Validate() error {
	if c.EncryptionKeyBase64 == "" {
		return fmt.Errorf("MAILSYNC_ENCRYPTION_KEY_BASE64 is required")
	}

	// Validate EncryptionKeyBase64 format: must be valid base64 and decode to 32 bytes
	decoded, err := base64.StdEncoding.DecodeString(c.EncryptionKeyBase64)
	if err != nil {
		return fmt.Errorf("MAILSYNC_ENCRYPTION_KEY_BASE64 is not valid base64: %w", err)
	}
	if len(decoded) != 32 {
		return fmt.Errorf("MAILSYNC_ENCRYPTION_KEY_BASE64 must decode to 32 bytes, got %d bytes", len(decoded))
	}

	if c.DBPassword == "" {
		return fmt.Errorf("MAILSYNC_DB_PASSWORD is required")
	}

	// Validate DBPort format: must be a valid port number (1-65535)
	if err := validatePort(c.DBPort); err != nil {
		return fmt.Errorf("MAILSYNC_DB_PORT is not a valid port number: %w", err)
	}

	if c.WorkerPoolSize < 1 {
		return fmt.Errorf("MAILSYNC_WORKER_POOL_SIZE must be at least 1, got %d", c.WorkerPoolSize)
	}

	if c.DBMaxConns < 1 {
		return fmt.Errorf("MAILSYNC_DB_MAX_CONNS must be at least 1, got %d", c.DBMaxConns)
	}

	return nil
}

// validatePort checks if a string represents a valid port number (1-65535).
func validatePort(portStr string) error {
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("port must be a number: %w", err)
	}
	if port < 1 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", port)
	}
	return nil
}

// GetDatabaseURL returns a PostgreSQL connection string built from the configuration.
// The password and username are properly URL-encoded to handle special characters.
func (c *Config) GetDatabaseURL() string {
	// URL-encode username and password to handle special characters
	encodedUsername := url.QueryEscape(c.DBUsername)
	encodedPassword := url.QueryEscape(c.DBPassword)

	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		encodedUsername,
		encodedPassword,
		c.DBHost,
		c.DBPort,
		c.DBName,
		c.DBSSLMode,
	)
}

// getEnvOrDefault retrieves an environment variable, returning the default value if not set or empty.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseIntOrDefault retrieves an environment variable as an int, returning the default if unset.
func parseIntOrDefault(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	return strconv.Atoi(value)
}
