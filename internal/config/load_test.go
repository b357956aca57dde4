package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Server.LogLevel)
	assert.Equal(t, 4, cfg.Worker.Concurrency)
	assert.Equal(t, 10*time.Second, cfg.Worker.HeartbeatInterval)
	assert.Equal(t, 2*time.Second, cfg.Worker.PollInterval)
	assert.Equal(t, 168*time.Hour, cfg.Retention.Window)
	assert.Equal(t, 10*time.Minute, cfg.Retention.SweepInterval)
	assert.Equal(t, "artifacts", cfg.Storage.ArtifactDir)
	assert.Equal(t, "uploads", cfg.Storage.StagingDir)
	assert.Empty(t, cfg.Database.URL)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("FORGE_SERVER_PORT", "9999")
	t.Setenv("FORGE_SERVER_LOG_LEVEL", "debug")
	t.Setenv("FORGE_WORKER_CONCURRENCY", "2")
	t.Setenv("FORGE_RETENTION_WINDOW", "1h")
	t.Setenv("FORGE_STORAGE_ARTIFACT_DIR", "/tmp/forge-artifacts")
	t.Setenv("FORGE_STORAGE_STAGING_DIR", "/tmp/forge-uploads")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Server.LogLevel)
	assert.Equal(t, 2, cfg.Worker.Concurrency)
	assert.Equal(t, time.Hour, cfg.Retention.Window)
	assert.Equal(t, "/tmp/forge-artifacts", cfg.Storage.ArtifactDir)
	assert.Equal(t, "/tmp/forge-uploads", cfg.Storage.StagingDir)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name   string
		envVar string
		value  string
	}{
		{"port out of range", "FORGE_SERVER_PORT", "70000"},
		{"unknown log level", "FORGE_SERVER_LOG_LEVEL", "verbose"},
		{"zero concurrency", "FORGE_WORKER_CONCURRENCY", "0"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(tc.envVar, tc.value)

			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), "validation failed")
		})
	}
}
