package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store backend selectors.
const (
	StoreBackendBadger = "badger"
	StoreBackendSQLite = "sqlite"
)

// Config holds all service-level configuration. Per-user trading parameters
// arrive with each start request and are not part of this struct.
type Config struct {
	// Venue
	IsTestnet bool // route agents to the exchange testnet

	// Persistence
	StoreBackend string // "badger" or "sqlite"
	StorePath    string // badger directory or sqlite file path

	// Logging
	LogLevel      string // DEBUG, INFO, WARN, ERROR
	LogFile       string // empty disables file output
	LogMaxSizeMB  int    // rotate after this many megabytes
	LogMaxBackups int
	LogMaxAgeDays int
	LogCompress   bool

	// Orchestration
	MonitorInterval  time.Duration // global status sync cadence
	MaxStartsPerUser int           // start attempts allowed per window
	StartRateWindow  time.Duration

	// Batch persistence
	BatchFlushInterval   time.Duration
	MaxPendingUserFlush  int // emergency flush threshold for user updates
	MaxPendingTradeFlush int // emergency flush threshold for trade records
}

// LoadConfig loads configuration from environment variables (.env file).
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var errs []string // Collect validation errors

	// Venue
	cfg.IsTestnet = getEnvAsBool("IS_TESTNET", true) // Default to testnet for safety

	// Persistence
	cfg.StoreBackend = strings.ToLower(getEnv("STORE_BACKEND", StoreBackendBadger))
	if cfg.StoreBackend != StoreBackendBadger && cfg.StoreBackend != StoreBackendSQLite {
		errs = append(errs, fmt.Sprintf("STORE_BACKEND must be %q or %q, got %q",
			StoreBackendBadger, StoreBackendSQLite, cfg.StoreBackend))
	}
	cfg.StorePath = getEnv("STORE_PATH", "./data/botfleet")
	if cfg.StorePath == "" {
		errs = append(errs, "STORE_PATH must be set")
	}

	// Logging
	cfg.LogLevel = strings.ToUpper(getEnv("LOG_LEVEL", "INFO"))
	cfg.LogFile = getEnv("LOG_FILE", "")
	cfg.LogMaxSizeMB = getEnvAsInt("LOG_MAX_SIZE_MB", 50)
	cfg.LogMaxBackups = getEnvAsInt("LOG_MAX_BACKUPS", 5)
	cfg.LogMaxAgeDays = getEnvAsInt("LOG_MAX_AGE_DAYS", 14)
	cfg.LogCompress = getEnvAsBool("LOG_COMPRESS", true)
	if cfg.LogMaxSizeMB <= 0 {
		errs = append(errs, "LOG_MAX_SIZE_MB must be positive")
	}

	// Orchestration
	monitorSeconds := getEnvAsInt("MONITOR_INTERVAL_SECONDS", 30)
	if monitorSeconds <= 0 {
		errs = append(errs, "MONITOR_INTERVAL_SECONDS must be positive")
	}
	cfg.MonitorInterval = time.Duration(monitorSeconds) * time.Second

	cfg.MaxStartsPerUser = getEnvAsInt("MAX_STARTS_PER_USER", 5)
	if cfg.MaxStartsPerUser <= 0 {
		errs = append(errs, "MAX_STARTS_PER_USER must be positive")
	}
	startWindowSeconds := getEnvAsInt("START_RATE_WINDOW_SECONDS", 300)
	if startWindowSeconds <= 0 {
		errs = append(errs, "START_RATE_WINDOW_SECONDS must be positive")
	}
	cfg.StartRateWindow = time.Duration(startWindowSeconds) * time.Second

	// Batch persistence
	batchSeconds := getEnvAsInt("BATCH_FLUSH_INTERVAL_SECONDS", 180)
	if batchSeconds <= 0 {
		errs = append(errs, "BATCH_FLUSH_INTERVAL_SECONDS must be positive")
	}
	cfg.BatchFlushInterval = time.Duration(batchSeconds) * time.Second

	cfg.MaxPendingUserFlush = getEnvAsInt("MAX_PENDING_USER_FLUSH", 100)
	cfg.MaxPendingTradeFlush = getEnvAsInt("MAX_PENDING_TRADE_FLUSH", 50)
	if cfg.MaxPendingUserFlush <= 0 || cfg.MaxPendingTradeFlush <= 0 {
		errs = append(errs, "emergency flush thresholds must be positive")
	}

	// Combine validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return cfg, nil
}

// --- Env Var Helpers ---

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
