// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string
	LogFormat string // "json" or "text"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Balance write retries (optimistic concurrency conflicts)
	BalanceMaxAttempts  int
	BalanceInitialDelay time.Duration
	BalanceMaxDelay     time.Duration
	BalanceMultiplier   float64

	// Whether ADJUSTMENT debits count toward a user's lifetime total spent
	AdjustmentsAffectTotalSpent bool

	// Audit
	SourceSystem           string        // stamped on transactions missing a source
	DailyVerificationHour  int           // local hour for the daily balance sweep
	ReconciliationInterval time.Duration // 0 disables the periodic sweep

	// Order error recovery
	RecoveryMaxRetries   int
	RecoveryInitialDelay time.Duration
	RecoveryMaxDelay     time.Duration
	RecoveryMultiplier   float64
	RecoveryInterval     time.Duration // scheduled retry sweep period, 0 disables
	RecoveryBatchSize    int

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint, empty disables tracing

	// Security
	AdminSecret string // Admin API secret
}

const (
	DefaultPort                 = "8080"
	DefaultEnv                  = "development"
	DefaultLogLevel             = "info"
	DefaultLogFormat            = "json"
	DefaultSourceSystem         = "SMM_PANEL"
	DefaultBalanceMaxAttempts   = 5
	DefaultRecoveryMaxRetries   = 3
	DefaultRecoveryBatchSize    = 100
	DefaultDailyVerificationHour = 2
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:        getEnv("PORT", DefaultPort),
		Env:         getEnv("ENV", DefaultEnv),
		LogLevel:    getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:   getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL: os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set

		BalanceMaxAttempts:  int(getEnvInt64("BALANCE_MAX_ATTEMPTS", DefaultBalanceMaxAttempts)),
		BalanceInitialDelay: getEnvDuration("BALANCE_INITIAL_DELAY", 100*time.Millisecond),
		BalanceMaxDelay:     getEnvDuration("BALANCE_MAX_DELAY", 5*time.Second),
		BalanceMultiplier:   getEnvFloat64("BALANCE_MULTIPLIER", 2.0),

		AdjustmentsAffectTotalSpent: getEnvBool("ADJUSTMENTS_AFFECT_TOTAL_SPENT", true),

		SourceSystem:           getEnv("SOURCE_SYSTEM", DefaultSourceSystem),
		DailyVerificationHour:  int(getEnvInt64("DAILY_VERIFICATION_HOUR", DefaultDailyVerificationHour)),
		ReconciliationInterval: getEnvDuration("RECONCILIATION_INTERVAL", 0),

		RecoveryMaxRetries:   int(getEnvInt64("RECOVERY_MAX_RETRIES", DefaultRecoveryMaxRetries)),
		RecoveryInitialDelay: getEnvDuration("RECOVERY_INITIAL_DELAY", 5*time.Minute),
		RecoveryMaxDelay:     getEnvDuration("RECOVERY_MAX_DELAY", 24*time.Hour),
		RecoveryMultiplier:   getEnvFloat64("RECOVERY_MULTIPLIER", 2.0),
		RecoveryInterval:     getEnvDuration("RECOVERY_INTERVAL", time.Minute),
		RecoveryBatchSize:    int(getEnvInt64("RECOVERY_BATCH_SIZE", DefaultRecoveryBatchSize)),

		OTLPEndpoint: os.Getenv("OTLP_ENDPOINT"),
		AdminSecret:  os.Getenv("ADMIN_SECRET"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent
func (c *Config) Validate() error {
	if c.BalanceMaxAttempts < 1 {
		return fmt.Errorf("BALANCE_MAX_ATTEMPTS must be at least 1")
	}
	if c.BalanceInitialDelay <= 0 {
		return fmt.Errorf("BALANCE_INITIAL_DELAY must be positive")
	}
	if c.BalanceMultiplier < 1 {
		return fmt.Errorf("BALANCE_MULTIPLIER must be at least 1")
	}
	if c.RecoveryMaxRetries < 0 {
		return fmt.Errorf("RECOVERY_MAX_RETRIES must not be negative")
	}
	if c.RecoveryInitialDelay <= 0 {
		return fmt.Errorf("RECOVERY_INITIAL_DELAY must be positive")
	}
	if c.RecoveryMultiplier < 1 {
		return fmt.Errorf("RECOVERY_MULTIPLIER must be at least 1")
	}
	if c.RecoveryBatchSize < 1 {
		return fmt.Errorf("RECOVERY_BATCH_SIZE must be at least 1")
	}
	if c.DailyVerificationHour < 0 || c.DailyVerificationHour > 23 {
		return fmt.Errorf("DAILY_VERIFICATION_HOUR must be between 0 and 23")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat64(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
