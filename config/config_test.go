package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("DB_PASSWORD", "secret")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0:8080", cfg.GetServerAddress())
	assert.Equal(t, "localhost:6379", cfg.GetRedisAddress())
	assert.Equal(t, 1024, cfg.Vector.Dimension)
	assert.Equal(t, 10, cfg.Retry.MaxAttempts)
	assert.Equal(t, 300, cfg.Retry.MaxDurationSec)
	assert.Equal(t, "version-based", cfg.Reconciler.Strategy)
	assert.InDelta(t, 0.55, cfg.Retrieval.VectorWeight, 0.001)
	assert.InDelta(t, 0.30, cfg.Retrieval.FTSWeight, 0.001)
	assert.InDelta(t, 0.15, cfg.Retrieval.MetadataWeight, 0.001)
}

func TestLoadConfig_DatabaseDSN(t *testing.T) {
	t.Setenv("DB_PASSWORD", "secret")
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("DB_NAME", "graphrag_prod")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	dsn := cfg.GetDatabaseDSN()
	assert.Contains(t, dsn, "host=db.internal")
	assert.Contains(t, dsn, "dbname=graphrag_prod")
	assert.Contains(t, dsn, "password=secret")
}

func TestLoadConfig_RequiresDatabasePassword(t *testing.T) {
	t.Setenv("DB_PASSWORD", "")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DB_PASSWORD")
}

func TestLoadConfig_RejectsUnknownReconcilerStrategy(t *testing.T) {
	t.Setenv("DB_PASSWORD", "secret")
	t.Setenv("RECONCILER_STRATEGY", "coin-flip")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reconciler strategy")
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("DB_PASSWORD", "secret")
	t.Setenv("QUEUE_CONCURRENCY", "12")
	t.Setenv("QUEUE_RATE_PER_SECOND", "2.5")
	t.Setenv("DLQ_TRANSIENT_PATTERNS", "timeout,throttled")
	t.Setenv("REDIS_ENABLE_CACHE", "false")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 12, cfg.Queue.Concurrency)
	assert.InDelta(t, 2.5, cfg.Queue.RatePerSecond, 0.001)
	assert.Equal(t, []string{"timeout", "throttled"}, cfg.DLQ.TransientPatterns)
	assert.False(t, cfg.Redis.EnableCache)
}
