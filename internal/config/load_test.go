package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Tests set env vars with t.Setenv, so none of them run in parallel.

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("ADVISOR_DATABASE_URL", "postgres://localhost:5432/advisor")
	t.Setenv("ADVISOR_WEBHOOK_HUBSPOT_SECRET", "0123456789abcdef0123456789abcdef")
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Server.LogLevel)
	assert.Equal(t, 5*time.Second, cfg.Worker.PollInterval)
	assert.Equal(t, 10, cfg.Worker.MaxConcurrent)
	assert.Equal(t, 300*time.Second, cfg.Worker.LockTimeout)
	assert.Equal(t, 3, cfg.Worker.MaxAttempts)
	assert.Equal(t, time.Minute, cfg.Worker.BaseBackoff)
	assert.Equal(t, 24*time.Hour, cfg.Webhook.DedupTTL)
}

func TestLoadEnvOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("ADVISOR_SERVER_PORT", "9091")
	t.Setenv("ADVISOR_SERVER_LOG_LEVEL", "debug")
	t.Setenv("ADVISOR_WORKER_POLL_INTERVAL", "250ms")
	t.Setenv("ADVISOR_WORKER_MAX_CONCURRENT", "4")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9091, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Server.LogLevel)
	assert.Equal(t, 250*time.Millisecond, cfg.Worker.PollInterval)
	assert.Equal(t, 4, cfg.Worker.MaxConcurrent)
}

func TestLoadValidation(t *testing.T) {
	t.Run("missing database URL", func(t *testing.T) {
		t.Setenv("ADVISOR_WEBHOOK_HUBSPOT_SECRET", "0123456789abcdef0123456789abcdef")

		_, err := Load()
		assert.ErrorContains(t, err, "invalid configuration")
	})

	t.Run("short webhook secret", func(t *testing.T) {
		t.Setenv("ADVISOR_DATABASE_URL", "postgres://localhost:5432/advisor")
		t.Setenv("ADVISOR_WEBHOOK_HUBSPOT_SECRET", "short")

		_, err := Load()
		assert.ErrorContains(t, err, "invalid configuration")
	})

	t.Run("bad log level", func(t *testing.T) {
		setRequiredEnv(t)
		t.Setenv("ADVISOR_SERVER_LOG_LEVEL", "loud")

		_, err := Load()
		assert.ErrorContains(t, err, "invalid configuration")
	})
}
