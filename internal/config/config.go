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

// SchedulerBackend selects where job handlers execute.
type SchedulerBackend string

const (
	// BackendInProcess runs handlers in a worker pool inside this process.
	BackendInProcess SchedulerBackend = "inprocess"
	// BackendRedis enqueues fires to a Redis list consumed by workers.
	BackendRedis SchedulerBackend = "redis"
)

// Config holds application configuration
type Config struct {
	DataDir          string // Base directory for the database (always absolute)
	DatabasePath     string
	Port             int
	LogLevel         string
	DevMode          bool
	SchedulerBackend SchedulerBackend
	RedisAddr        string
	RedisQueueKey    string
	WorkerPoolSize   int

	ExchangeBaseURL   string
	ExchangeAPIKey    string
	ExchangeAPISecret string
	ExchangeTimeout   time.Duration

	CommissionRate  string // default commission as a decimal string, e.g. "0.001"
	SymbolCacheTTL  time.Duration
	RetentionWindow time.Duration // candles/indicators/signals/job logs
	HubTokenSecret  string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("CRYPTODESK_DATA_DIR", "./data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:          absDataDir,
		DatabasePath:     filepath.Join(absDataDir, "core.db"),
		Port:             getEnvAsInt("PORT", 8080),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		DevMode:          getEnvAsBool("DEV_MODE", false),
		SchedulerBackend: SchedulerBackend(getEnv("SCHEDULER_BACKEND", string(BackendInProcess))),
		RedisAddr:        getEnv("REDIS_ADDR", "localhost:6379"),
		RedisQueueKey:    getEnv("REDIS_QUEUE_KEY", "cryptodesk:jobs"),
		WorkerPoolSize:   getEnvAsInt("WORKER_POOL_SIZE", 20),

		ExchangeBaseURL:   getEnv("EXCHANGE_BASE_URL", "https://api.binance.com"),
		ExchangeAPIKey:    getEnv("EXCHANGE_API_KEY", ""),
		ExchangeAPISecret: getEnv("EXCHANGE_API_SECRET", ""),
		ExchangeTimeout:   getEnvAsDuration("EXCHANGE_TIMEOUT", 10*time.Second),

		CommissionRate:  getEnv("COMMISSION_RATE", "0.001"),
		SymbolCacheTTL:  getEnvAsDuration("SYMBOL_CACHE_TTL", time.Hour),
		RetentionWindow: getEnvAsDuration("RETENTION_WINDOW", 30*24*time.Hour),
		HubTokenSecret:  getEnv("HUB_TOKEN_SECRET", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	switch c.SchedulerBackend {
	case BackendInProcess, BackendRedis:
	default:
		return fmt.Errorf("unknown scheduler backend %q", c.SchedulerBackend)
	}
	if c.WorkerPoolSize <= 0 {
		return fmt.Errorf("worker pool size must be positive, got %d", c.WorkerPoolSize)
	}
	// Exchange credentials are optional: market data endpoints are
	// unauthenticated, only live trading needs keys.
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

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
