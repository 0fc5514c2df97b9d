// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir  string // Base directory for all databases (always absolute)
	Port     int
	DevMode  bool
	LogLevel string

	Upstream    UpstreamConfig
	API         APIConfig
	Jobs        JobsConfig
	Adjustments AdjustmentsConfig
	Cron        CronConfig
	AutoReg     AutoRegConfig
}

// UpstreamConfig holds market-data provider client settings
type UpstreamConfig struct {
	RateLimitPerSecond float64       // YF_RATE_LIMIT_REQUESTS_PER_SECOND
	RateLimitBurst     int           // YF_RATE_LIMIT_BURST_SIZE
	MaxBackoffDelay    time.Duration // YF_RATE_LIMIT_MAX_BACKOFF_DELAY
	FetchTimeout       time.Duration // FETCH_TIMEOUT_SECONDS
	MaxRetries         int           // FETCH_MAX_RETRIES
	BackoffMax         time.Duration // FETCH_BACKOFF_MAX_SECONDS
	RefetchDays        int           // YF_REFETCH_DAYS (tail refresh window)
	Concurrency        int           // YF_REQ_CONCURRENCY (global upstream semaphore)
}

// APIConfig holds read-endpoint caps
type APIConfig struct {
	MaxSymbols      int // API_MAX_SYMBOLS (auto_fetch=true tier)
	MaxSymbolsLocal int // API_MAX_SYMBOLS_LOCAL (auto_fetch=false tier)
	MaxRows         int // API_MAX_ROWS
	MaxRowsLocal    int // API_MAX_ROWS_LOCAL
}

// JobsConfig holds bulk-fetch job limits and worker sizing
type JobsConfig struct {
	MaxSymbols        int           // FETCH_JOB_MAX_SYMBOLS
	MaxDays           int           // FETCH_JOB_MAX_DAYS
	JobTimeout        time.Duration // FETCH_JOB_TIMEOUT
	WorkerConcurrency int           // FETCH_WORKER_CONCURRENCY
	MaxConcurrentJobs int           // FETCH_MAX_CONCURRENT_JOBS
	CleanupDays       int           // FETCH_JOB_CLEANUP_DAYS
}

// AdjustmentsConfig holds corporate-action detection settings
type AdjustmentsConfig struct {
	CheckEnabled    bool    // ADJUSTMENT_CHECK_ENABLED
	MinThresholdPct float64 // ADJUSTMENT_MIN_THRESHOLD_PCT
	SamplePoints    int     // ADJUSTMENT_SAMPLE_POINTS
	MinDataAgeDays  int     // ADJUSTMENT_MIN_DATA_AGE_DAYS
	AutoFix         bool    // ADJUSTMENT_AUTO_FIX
}

// CronConfig holds scheduled-maintenance settings. Schedules use the
// six-field cron syntax with seconds, or @every / @hourly shorthands.
type CronConfig struct {
	SecretToken string // CRON_SECRET_TOKEN (empty disables the check - dev only)
	BatchSize   int    // CRON_BATCH_SIZE
	UpdateDays  int    // CRON_UPDATE_DAYS

	DailyUpdateSchedule string // CRON_DAILY_UPDATE_SCHEDULE
	AdjustmentSchedule  string // CRON_ADJUSTMENT_SCHEDULE
	FixSweepSchedule    string // CRON_FIX_SWEEP_SCHEDULE
	CleanupSchedule     string // CRON_CLEANUP_SCHEDULE
	CachePurgeSchedule  string // CRON_CACHE_PURGE_SCHEDULE
}

// AutoRegConfig holds symbol auto-registration settings
type AutoRegConfig struct {
	Enabled         bool          // ENABLE_AUTO_REGISTRATION
	Timeout         time.Duration // AUTO_REGISTER_TIMEOUT
	ValidateTimeout time.Duration // YF_VALIDATE_TIMEOUT
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("QUOTEVAULT_DATA_DIR", "./data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:  absDataDir,
		Port:     getEnvAsInt("PORT", 8080),
		DevMode:  getEnvAsBool("DEV_MODE", false),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		Upstream: UpstreamConfig{
			RateLimitPerSecond: getEnvAsFloat("YF_RATE_LIMIT_REQUESTS_PER_SECOND", 2.0),
			RateLimitBurst:     getEnvAsInt("YF_RATE_LIMIT_BURST_SIZE", 5),
			MaxBackoffDelay:    getEnvAsSeconds("YF_RATE_LIMIT_MAX_BACKOFF_DELAY", 60),
			FetchTimeout:       getEnvAsSeconds("FETCH_TIMEOUT_SECONDS", 30),
			MaxRetries:         getEnvAsInt("FETCH_MAX_RETRIES", 3),
			BackoffMax:         getEnvAsSeconds("FETCH_BACKOFF_MAX_SECONDS", 30),
			RefetchDays:        getEnvAsInt("YF_REFETCH_DAYS", 7),
			Concurrency:        getEnvAsInt("YF_REQ_CONCURRENCY", 4),
		},
		API: APIConfig{
			MaxSymbols:      getEnvAsInt("API_MAX_SYMBOLS", 10),
			MaxSymbolsLocal: getEnvAsInt("API_MAX_SYMBOLS_LOCAL", 50),
			MaxRows:         getEnvAsInt("API_MAX_ROWS", 50000),
			MaxRowsLocal:    getEnvAsInt("API_MAX_ROWS_LOCAL", 250000),
		},
		Jobs: JobsConfig{
			MaxSymbols:        getEnvAsInt("FETCH_JOB_MAX_SYMBOLS", 100),
			MaxDays:           getEnvAsInt("FETCH_JOB_MAX_DAYS", 25000),
			JobTimeout:        getEnvAsSeconds("FETCH_JOB_TIMEOUT", 3600),
			WorkerConcurrency: getEnvAsInt("FETCH_WORKER_CONCURRENCY", 4),
			MaxConcurrentJobs: getEnvAsInt("FETCH_MAX_CONCURRENT_JOBS", 1),
			CleanupDays:       getEnvAsInt("FETCH_JOB_CLEANUP_DAYS", 30),
		},
		Adjustments: AdjustmentsConfig{
			CheckEnabled:    getEnvAsBool("ADJUSTMENT_CHECK_ENABLED", true),
			MinThresholdPct: getEnvAsFloat("ADJUSTMENT_MIN_THRESHOLD_PCT", 0.001),
			SamplePoints:    getEnvAsInt("ADJUSTMENT_SAMPLE_POINTS", 10),
			MinDataAgeDays:  getEnvAsInt("ADJUSTMENT_MIN_DATA_AGE_DAYS", 7),
			AutoFix:         getEnvAsBool("ADJUSTMENT_AUTO_FIX", false),
		},
		Cron: CronConfig{
			SecretToken: getEnv("CRON_SECRET_TOKEN", ""),
			BatchSize:   getEnvAsInt("CRON_BATCH_SIZE", 50),
			UpdateDays:  getEnvAsInt("CRON_UPDATE_DAYS", 7),

			// After US market close, UTC
			DailyUpdateSchedule: getEnv("CRON_DAILY_UPDATE_SCHEDULE", "0 30 22 * * MON-FRI"),
			AdjustmentSchedule:  getEnv("CRON_ADJUSTMENT_SCHEDULE", "0 0 6 * * SUN"),
			FixSweepSchedule:    getEnv("CRON_FIX_SWEEP_SCHEDULE", "@every 5m"),
			CleanupSchedule:     getEnv("CRON_CLEANUP_SCHEDULE", "0 0 4 * * *"),
			CachePurgeSchedule:  getEnv("CRON_CACHE_PURGE_SCHEDULE", "@hourly"),
		},
		AutoReg: AutoRegConfig{
			Enabled:         getEnvAsBool("ENABLE_AUTO_REGISTRATION", true),
			Timeout:         getEnvAsSeconds("AUTO_REGISTER_TIMEOUT", 10),
			ValidateTimeout: getEnvAsSeconds("YF_VALIDATE_TIMEOUT", 10),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if configuration values are coherent
func (c *Config) Validate() error {
	if c.Upstream.RateLimitPerSecond <= 0 {
		return fmt.Errorf("YF_RATE_LIMIT_REQUESTS_PER_SECOND must be positive")
	}
	if c.Upstream.RateLimitBurst < 1 {
		return fmt.Errorf("YF_RATE_LIMIT_BURST_SIZE must be at least 1")
	}
	if c.Upstream.Concurrency < 1 {
		return fmt.Errorf("YF_REQ_CONCURRENCY must be at least 1")
	}
	if c.Jobs.WorkerConcurrency < 1 {
		return fmt.Errorf("FETCH_WORKER_CONCURRENCY must be at least 1")
	}
	if c.Jobs.MaxSymbols < 1 {
		return fmt.Errorf("FETCH_JOB_MAX_SYMBOLS must be at least 1")
	}
	if c.Adjustments.SamplePoints < 2 {
		return fmt.Errorf("ADJUSTMENT_SAMPLE_POINTS must be at least 2")
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

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
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

func getEnvAsSeconds(key string, defaultSeconds int) time.Duration {
	return time.Duration(getEnvAsInt(key, defaultSeconds)) * time.Second
}
