package config

import (
	"fmt"
	"path/filepath"
	"time"
)

// Config holds the application configuration. It is populated once at
// startup and read-only afterwards.
type Config struct {
	// Server
	HTTPPort        string
	ShutdownTimeout time.Duration

	// Database
	DatabaseURL       string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration
	DBConnMaxIdleTime time.Duration

	// Job lifecycle. A PROCESSING job whose last_change is older than
	// JobTimeout+JobTimeoutGrace is reclaimed by the retry sweeper.
	JobTimeout      time.Duration
	JobTimeoutGrace time.Duration
	JobMaxAttempts  int

	// Authentication
	HMACSecret string
	KeyPrefix  string

	// Blob storage
	BaseDir    string
	JobsDir    string
	ResultsDir string

	// Observability
	OTelEnabled bool
}

// Load parses environment variables into a Config.
func Load() (*Config, error) {
	databaseURL, err := MustGetEnv[string]("DATABASE_URL")
	if err != nil {
		return nil, err
	}
	hmacSecret, err := MustGetEnv[string]("HMAC_SECRET")
	if err != nil {
		return nil, err
	}

	baseDir := GetEnvDefault("BASE_DIR", "./docbroker-data")

	cfg := &Config{
		HTTPPort:        GetEnvDefault("HTTP_PORT", "8080"),
		ShutdownTimeout: time.Duration(GetEnvDefault("SHUTDOWN_TIMEOUT_SECONDS", 15)) * time.Second,

		DatabaseURL:       databaseURL,
		DBMaxOpenConns:    GetEnvDefault("DB_MAX_OPEN_CONNS", 25),
		DBMaxIdleConns:    GetEnvDefault("DB_MAX_IDLE_CONNS", 5),
		DBConnMaxLifetime: time.Duration(GetEnvDefault("DB_CONN_MAX_LIFETIME_SECONDS", 300)) * time.Second,
		DBConnMaxIdleTime: time.Duration(GetEnvDefault("DB_CONN_MAX_IDLE_TIME_SECONDS", 60)) * time.Second,

		JobTimeout:      time.Duration(GetEnvDefault("JOB_TIMEOUT_SECONDS", 300)) * time.Second,
		JobTimeoutGrace: time.Duration(GetEnvDefault("JOB_TIMEOUT_GRACE_SECONDS", 10)) * time.Second,
		JobMaxAttempts:  GetEnvDefault("JOB_MAX_ATTEMPTS", 3),

		HMACSecret: hmacSecret,
		KeyPrefix:  GetEnvDefault("KEY_PREFIX", "doc-broker"),

		BaseDir:    baseDir,
		JobsDir:    GetEnvDefault("JOBS_DIR", filepath.Join(baseDir, "jobs")),
		ResultsDir: GetEnvDefault("RESULTS_DIR", filepath.Join(baseDir, "results")),

		OTelEnabled: GetEnvDefault("OTEL_ENABLED", false),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.JobMaxAttempts < 1 {
		return fmt.Errorf("JOB_MAX_ATTEMPTS must be at least 1, got %d", c.JobMaxAttempts)
	}
	if c.JobTimeout <= 0 {
		return fmt.Errorf("JOB_TIMEOUT_SECONDS must be positive")
	}
	if c.JobTimeoutGrace < 0 {
		return fmt.Errorf("JOB_TIMEOUT_GRACE_SECONDS must not be negative")
	}
	return nil
}

// StaleThreshold returns the cutoff before which a PROCESSING job's
// last_change marks the lease as expired, relative to now.
func (c *Config) StaleThreshold(now time.Time) time.Time {
	return now.Add(-(c.JobTimeout + c.JobTimeoutGrace))
}
