package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsAndEnvOverride(t *testing.T) {
	t.Setenv("XTEAM_JWT_SECRET", "test-secret")
	t.Setenv("XTEAM_RATE_LIMIT_RPM", "120")
	t.Setenv("REDIS_ADDR", "redis:6380")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "8000", cfg.Server.Port)
	assert.Equal(t, 30, cfg.Auth.AccessTokenMinutes)
	assert.Equal(t, 12, cfg.Auth.BcryptCost)
	assert.Equal(t, 120, cfg.RateLimit.RequestsPerMinute)
	assert.Equal(t, "redis:6380", cfg.Redis.Addr)
	assert.Equal(t, 100, cfg.Events.BufferSize)
	assert.Equal(t, 50, cfg.Events.BatchTimeoutMs)
}

func TestLoadYAMLFile(t *testing.T) {
	t.Setenv("XTEAM_JWT_SECRET", "test-secret")

	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
server:
  port: "9000"
queue:
  max_retries: 5
  timeout_seconds: 120
sessions:
  idle_timeout_seconds: 60
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Server.Port)
	assert.Equal(t, 5, cfg.Queue.MaxRetries)
	assert.Equal(t, 120, cfg.Queue.TimeoutSeconds)
	assert.Equal(t, 60, cfg.Sessions.IdleTimeoutSeconds)
	// Untouched keys keep their defaults.
	assert.Equal(t, 60, cfg.RateLimit.RequestsPerMinute)
}

func TestLoadRequiresJWTSecret(t *testing.T) {
	t.Setenv("XTEAM_JWT_SECRET", "")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jwt secret")
}
