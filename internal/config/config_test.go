package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-job-orchestrator/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "dev", cfg.AppEnv)
	assert.Equal(t, 2, cfg.WorkersMin)
	assert.Equal(t, 10, cfg.WorkersMax)
	assert.Equal(t, 3, cfg.RetryLimit)
	assert.Equal(t, 2*time.Second, cfg.RetryDelay)
	assert.Equal(t, 5*time.Minute, cfg.JobTimeout())
	assert.Equal(t, 2*time.Second, cfg.DispatchInterval)
	assert.Equal(t, "proceed", cfg.ConditionFailurePolicy)
	assert.True(t, cfg.IsDev())
	assert.False(t, cfg.IsProd())
}

func TestLoad_PoolBoundsValidated(t *testing.T) {
	t.Setenv("JOB_WORKERS_MIN", "5")
	t.Setenv("JOB_WORKERS_MAX", "2")
	_, err := config.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JOB_WORKERS_MAX")
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("JOB_RETRY_LIMIT", "7")
	t.Setenv("JOB_EXPIRE_SECONDS", "60")
	t.Setenv("JOB_HEALTH_CHECK_INTERVAL", "10s")
	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.RetryLimit)
	assert.Equal(t, time.Minute, cfg.JobTimeout())
	assert.Equal(t, 10*time.Second, cfg.HealthCheckInterval)
}

func TestGetGenBackoffConfig_TestEnvShortens(t *testing.T) {
	t.Setenv("APP_ENV", "test")
	cfg, err := config.Load()
	require.NoError(t, err)
	maxElapsed, initial, maxInt, mult := cfg.GetGenBackoffConfig()
	assert.Equal(t, 5*time.Second, maxElapsed)
	assert.Equal(t, 100*time.Millisecond, initial)
	assert.Equal(t, time.Second, maxInt)
	assert.Equal(t, 2.0, mult)
}
