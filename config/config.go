package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"futuresPositionBot/internal/adapters/logger" // Import the logger package for LogLevel
)

// Exchange selects which gateway adapter backs the engine.
type Exchange string

const (
	ExchangeOKX     Exchange = "okx"
	ExchangeBinance Exchange = "binance"
)

// Config holds all application configuration. Runtime-tunable knobs (reopen
// delay, recovery ladder) live in the settings store, not here.
type Config struct {
	// Gateway selection
	Exchange Exchange

	// OKX API (demo trading by default)
	OKXAPIKey     string
	OKXAPISecret  string
	OKXPassphrase string
	OKXDemo       bool

	// Binance API (testnet by default)
	BinanceAPIKey    string
	BinanceSecretKey string
	BinanceTestnet   bool

	// Database
	DBPath string

	// Dashboard API
	APIHost string
	APIPort int

	// Scheduler
	Workers              int
	ClosureCheckInterval time.Duration
	RestoreInterval      time.Duration
	OrphanSweepInterval  time.Duration
	RecoveryInterval     time.Duration
	ReopenInterval       time.Duration
	JobTimeout           time.Duration
	OrderSettleDelay     time.Duration

	// Logging
	LogLevel logger.LogLevel
}

// LoadConfig loads configuration from environment variables (.env file).
// Credentials may legitimately be absent: the gateway then reports
// not-configured and every scheduler job no-ops until keys arrive.
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var errs []string // Collect validation errors

	exchange := strings.ToLower(getEnv("EXCHANGE", string(ExchangeOKX)))
	switch Exchange(exchange) {
	case ExchangeOKX, ExchangeBinance:
		cfg.Exchange = Exchange(exchange)
	default:
		errs = append(errs, fmt.Sprintf("EXCHANGE must be %q or %q, got %q", ExchangeOKX, ExchangeBinance, exchange))
	}

	cfg.OKXAPIKey = getEnv("OKX_API_KEY", "")
	cfg.OKXAPISecret = getEnv("OKX_API_SECRET", "")
	cfg.OKXPassphrase = getEnv("OKX_PASSPHRASE", "")
	cfg.OKXDemo = getEnvAsBool("OKX_DEMO", true) // Default to demo trading for safety

	cfg.BinanceAPIKey = getEnv("BINANCE_API_KEY", "")
	cfg.BinanceSecretKey = getEnv("BINANCE_API_SECRET", "")
	cfg.BinanceTestnet = getEnvAsBool("BINANCE_TESTNET", true)

	cfg.DBPath = getEnv("DB_PATH", "./data/positions.db")
	if cfg.DBPath == "" {
		errs = append(errs, "DB_PATH must be set")
	}

	cfg.APIHost = getEnv("API_HOST", "0.0.0.0")
	cfg.APIPort = getEnvAsInt("API_PORT", 8080)
	if cfg.APIPort <= 0 || cfg.APIPort > 65535 {
		errs = append(errs, "API_PORT must be a valid TCP port")
	}

	cfg.Workers = getEnvAsInt("SCHEDULER_WORKERS", 3)
	if cfg.Workers <= 0 {
		errs = append(errs, "SCHEDULER_WORKERS must be positive")
	}

	cfg.ClosureCheckInterval = getEnvAsSeconds("CLOSURE_CHECK_INTERVAL_SECONDS", 30, &errs)
	cfg.RestoreInterval = getEnvAsSeconds("RESTORE_ORDERS_INTERVAL_SECONDS", 60, &errs)
	cfg.OrphanSweepInterval = getEnvAsSeconds("ORPHAN_SWEEP_INTERVAL_SECONDS", 60, &errs)
	cfg.RecoveryInterval = getEnvAsSeconds("RECOVERY_CHECK_INTERVAL_SECONDS", 15, &errs)
	cfg.ReopenInterval = getEnvAsSeconds("REOPEN_CHECK_INTERVAL_SECONDS", 30, &errs)
	cfg.JobTimeout = getEnvAsSeconds("JOB_TIMEOUT_SECONDS", 25, &errs)
	cfg.OrderSettleDelay = getEnvAsSeconds("ORDER_SETTLE_DELAY_SECONDS", 2, &errs)

	logLevelStr := getEnv("LOG_LEVEL", "INFO")
	cfg.LogLevel = logger.ParseLevel(logLevelStr) // Use the parser from the logger package

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

func getEnvAsSeconds(key string, defaultSeconds int, errs *[]string) time.Duration {
	seconds := getEnvAsInt(key, defaultSeconds)
	if seconds <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s must be positive", key))
		seconds = defaultSeconds
	}
	return time.Duration(seconds) * time.Second
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
