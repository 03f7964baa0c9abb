package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{"HTTP_PORT", "DB_DRIVER", "DB_DSN", "REDIS_ADDRESS", "CACHE_TTL_SECONDS",
		"CONSOLIDATION_MAX_BATCHES_WARNING", "CONSOLIDATION_AMOUNT_WARNING"} {
		t.Setenv(k, "")
	}

	cfg := Load(filepath.Join(t.TempDir(), "missing.env"))

	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, "sqlite3", cfg.DBDriver)
	assert.Equal(t, "grower-ledger.db", cfg.DBDSN)
	assert.Empty(t, cfg.RedisAddress)
	assert.Equal(t, 5*time.Minute, cfg.CacheTTL)
	assert.Equal(t, 5, cfg.ConsolidationMaxBatchesWarning)
	assert.Equal(t, "10000", cfg.ConsolidationAmountWarning.String())
}

func TestLoad_EnvOverridesAndMalformedFallback(t *testing.T) {
	t.Setenv("HTTP_PORT", "9090")
	t.Setenv("CACHE_TTL_SECONDS", "not-a-number")
	t.Setenv("CONSOLIDATION_AMOUNT_WARNING", "2500.50")

	cfg := Load(filepath.Join(t.TempDir(), "missing.env"))

	assert.Equal(t, 9090, cfg.HTTPPort)
	assert.Equal(t, 5*time.Minute, cfg.CacheTTL, "malformed values keep the default")
	assert.Equal(t, "2500.5", cfg.ConsolidationAmountWarning.String())
}

func TestLoad_DotEnvFile(t *testing.T) {
	t.Setenv("DB_DRIVER", "")
	os.Unsetenv("DB_DRIVER")

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("DB_DRIVER=mysql\n"), 0o600))

	cfg := Load(path)
	assert.Equal(t, "mysql", cfg.DBDriver)
}

func TestNewLogger(t *testing.T) {
	l := NewLogger("debug", "json")
	assert.Equal(t, logrus.DebugLevel, l.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, l.Formatter)

	l = NewLogger("nonsense", "text")
	assert.Equal(t, logrus.InfoLevel, l.GetLevel())
	assert.IsType(t, &logrus.TextFormatter{}, l.Formatter)
}

func TestLogError_Fields(t *testing.T) {
	logger, hook := test.NewNullLogger()

	LogError(logger, "batches", "CreateBatch", "insert", map[string]int{"id": 1}, errors.New("boom"))

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.ErrorLevel, entry.Level)
	assert.Equal(t, "boom", entry.Message)
	assert.Equal(t, "batches", entry.Data["module"])
	assert.Contains(t, entry.Data, "data")
}
