package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memoryEnv — минимальное окружение без внешних зависимостей.
func memoryEnv(t *testing.T) {
	t.Helper()
	t.Setenv("VGAP_STORE", "memory")
	t.Setenv("VGAP_ARTIFACTS_BACKEND", "memory")
}

func TestLoad_Defaults(t *testing.T) {
	memoryEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "production", cfg.Env)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 4, cfg.Orchestrator.Capacity)
	assert.Equal(t, 2*time.Hour, cfg.Orchestrator.StageTimeout)
	assert.Equal(t, 30*time.Second, cfg.Orchestrator.LeaseTTL)
	assert.Equal(t, "none", cfg.Orchestrator.Executor)
	assert.True(t, cfg.Preflight.CheckFiles)
	assert.Equal(t, "0 3 * * *", cfg.Retention.Cron)
	assert.Equal(t, 90*24*time.Hour, cfg.RetentionMaxAge())
	assert.False(t, cfg.IsDev())
}

func TestLoad_Overrides(t *testing.T) {
	memoryEnv(t)
	t.Setenv("VGAP_ORCHESTRATOR_CAPACITY", "16")
	t.Setenv("VGAP_ORCHESTRATOR_LEASE_TTL", "1m")
	t.Setenv("VGAP_PREFLIGHT_CHECK_FILES", "false")
	t.Setenv("VGAP_RETENTION_DAYS", "7")
	t.Setenv("VGAP_LOG_FORMAT", "text")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 16, cfg.Orchestrator.Capacity)
	assert.Equal(t, time.Minute, cfg.Orchestrator.LeaseTTL)
	assert.False(t, cfg.PreflightConfig().CheckFiles)
	assert.Equal(t, 7*24*time.Hour, cfg.RetentionMaxAge())
	assert.Equal(t, "text", cfg.LogFormat)
}

func TestLoad_UnprefixedDatabaseURL(t *testing.T) {
	t.Setenv("VGAP_ARTIFACTS_BACKEND", "memory")
	t.Setenv("DATABASE_URL", "postgresql://vgap:secret@db:5432/vgap")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Store)
	assert.Equal(t, "postgresql://vgap:secret@db:5432/vgap", cfg.DatabaseURL)
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name  string
		env   map[string]string
		field string
	}{
		{
			name:  "postgres without dsn",
			env:   map[string]string{"VGAP_ARTIFACTS_BACKEND": "memory", "VGAP_DATABASE_URL": "", "DATABASE_URL": ""},
			field: "Config.DatabaseURL",
		},
		{
			name:  "invalid cron",
			env:   map[string]string{"VGAP_STORE": "memory", "VGAP_ARTIFACTS_BACKEND": "memory", "VGAP_RETENTION_CRON": "every day"},
			field: "Config.Retention.Cron",
		},
		{
			name:  "zero capacity",
			env:   map[string]string{"VGAP_STORE": "memory", "VGAP_ARTIFACTS_BACKEND": "memory", "VGAP_ORCHESTRATOR_CAPACITY": "0"},
			field: "Config.Orchestrator.Capacity",
		},
		{
			name:  "unknown store",
			env:   map[string]string{"VGAP_STORE": "sqlite", "VGAP_ARTIFACTS_BACKEND": "memory"},
			field: "Config.Store",
		},
		{
			name:  "minio without bucket",
			env:   map[string]string{"VGAP_STORE": "memory", "VGAP_ARTIFACTS_BUCKET": ""},
			field: "Config.Artifacts.Bucket",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	memoryEnv(t)
	t.Setenv("VGAP_ORCHESTRATOR_STAGE_TIMEOUT", "forever")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "process environment")
}

func TestLoad_DotEnvInDevelopment(t *testing.T) {
	memoryEnv(t)
	t.Setenv("VGAP_ENV", "development")

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("VGAP_ORCHESTRATOR_CAPACITY=7\nVGAP_HTTP_ADDR=:18080\n"), 0o600))
	t.Cleanup(func() {
		os.Unsetenv("VGAP_ORCHESTRATOR_CAPACITY")
		os.Unsetenv("VGAP_HTTP_ADDR")
	})

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.IsDev())
	assert.Equal(t, 7, cfg.Orchestrator.Capacity)
	assert.Equal(t, ":18080", cfg.HTTPAddr)
}

func TestLoad_MissingDotEnvIgnored(t *testing.T) {
	memoryEnv(t)
	t.Setenv("VGAP_ENV", "development")

	_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
}

func TestRedacted(t *testing.T) {
	cfg := &Config{
		DatabaseURL: "postgresql://vgap:secret@db:5432/vgap",
		RabbitURL:   "amqp://guest:guest@mq:5672/",
		Artifacts:   Artifacts{SecretKey: "minio-secret-key"},
	}

	out := cfg.Redacted()
	assert.NotContains(t, out.DatabaseURL, "secret")
	assert.Contains(t, out.DatabaseURL, "db:5432")
	assert.NotContains(t, out.RabbitURL, "guest:guest")
	assert.Equal(t, "mini...-key", out.Artifacts.SecretKey)
	assert.Equal(t, "postgresql://vgap:secret@db:5432/vgap", cfg.DatabaseURL)
}
