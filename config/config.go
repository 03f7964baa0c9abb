// Package config loads runtime settings from the environment (optionally
// seeded from a .env file) and builds the process logger.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	HTTPPort       int
	DBDriver       string
	DBDSN          string
	DBMaxOpenConns int

	// RedisAddress empty means in-process cache and no distributed lock.
	RedisAddress string
	CacheTTL     time.Duration

	LogLevel  string
	LogFormat string

	ConsolidationMaxBatchesWarning int
	ConsolidationAmountWarning     decimal.Decimal

	ReconciliationLockTTL time.Duration
}

// Load reads the environment. A missing .env file is not an error; variables
// already set in the environment win over the file.
func Load(files ...string) Config {
	_ = godotenv.Load(files...)

	return Config{
		HTTPPort:       intFromEnv("HTTP_PORT", 8080),
		DBDriver:       stringFromEnv("DB_DRIVER", "sqlite3"),
		DBDSN:          stringFromEnv("DB_DSN", "grower-ledger.db"),
		DBMaxOpenConns: intFromEnv("DB_MAX_OPEN_CONNS", 0),

		RedisAddress: os.Getenv("REDIS_ADDRESS"),
		CacheTTL:     time.Duration(intFromEnv("CACHE_TTL_SECONDS", 300)) * time.Second,

		LogLevel:  stringFromEnv("LOG_LEVEL", "info"),
		LogFormat: stringFromEnv("LOG_FORMAT", "json"),

		ConsolidationMaxBatchesWarning: intFromEnv("CONSOLIDATION_MAX_BATCHES_WARNING", 5),
		ConsolidationAmountWarning:     decimalFromEnv("CONSOLIDATION_AMOUNT_WARNING", decimal.NewFromInt(10000)),

		ReconciliationLockTTL: time.Duration(intFromEnv("RECONCILIATION_LOCK_TTL_SECONDS", 60)) * time.Second,
	}
}

func stringFromEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func intFromEnv(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func decimalFromEnv(key string, def decimal.Decimal) decimal.Decimal {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return def
	}
	return v
}
