package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  port: 9090
  host: "0.0.0.0"
  frontend_url: "https://app.example.com"
  allowed_origins:
    - "https://app.example.com"

google:
  client_id: "test-client-id"
  client_secret: "test-client-secret"
  redirect_url: "https://api.example.com/auth/google/callback"
  timeout_seconds: 45

storage:
  type: "postgres"
  database_url: "postgres://localhost/mailmate_test"

tracking:
  base_url: "https://track.example.com"

newsletter:
  enabled: true
  schedule: "30 9 * * *"
  timezone: "UTC"
  from_email: "digest@example.com"
  subject: "Morning Digest"
  provider: "ses"
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, "https://app.example.com", cfg.Server.FrontendURL)

	assert.Equal(t, "test-client-id", cfg.Google.ClientID)
	assert.Equal(t, "test-client-secret", cfg.Google.ClientSecret)
	assert.Equal(t, 45, cfg.Google.TimeoutSeconds)

	assert.Equal(t, "postgres", cfg.Storage.Type)
	assert.Equal(t, "postgres://localhost/mailmate_test", cfg.Storage.DatabaseURL)

	assert.Equal(t, "https://track.example.com", cfg.Tracking.BaseURL)

	assert.True(t, cfg.Newsletter.Enabled)
	assert.Equal(t, "30 9 * * *", cfg.Newsletter.Schedule)
	assert.Equal(t, "UTC", cfg.Newsletter.Timezone)
	assert.Equal(t, "ses", cfg.Newsletter.Provider)
}

func TestLoadDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	err := os.WriteFile(configPath, []byte("server:\n  port: 0\n"), 0644)
	require.NoError(t, err)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, 5000, cfg.Server.Port)
	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, 30, cfg.Google.TimeoutSeconds)
	assert.Equal(t, "http://localhost:5000/auth/google/callback", cfg.Google.RedirectURL)
	assert.Equal(t, "postgres", cfg.Storage.Type)
	assert.Equal(t, "http://localhost:5000", cfg.Tracking.BaseURL)
	assert.Equal(t, "0 16 * * *", cfg.Newsletter.Schedule)
	assert.Equal(t, "Asia/Kolkata", cfg.Newsletter.Timezone)
	assert.Equal(t, "log", cfg.Newsletter.Provider)
	assert.Equal(t, 60, cfg.Redis.SendPerMinute)
}

func TestLoadFromEnvOverrides(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	err := os.WriteFile(configPath, []byte("server:\n  port: 5000\n"), 0644)
	require.NoError(t, err)

	t.Setenv("GOOGLE_CLIENT_ID", "env-client-id")
	t.Setenv("DATABASE_URL", "postgres://env-host/mailmate")
	t.Setenv("NGROK_URL", "https://abc123.ngrok.io")

	cfg, err := LoadFromEnv(configPath)
	require.NoError(t, err)

	assert.Equal(t, "env-client-id", cfg.Google.ClientID)
	assert.Equal(t, "postgres://env-host/mailmate", cfg.Storage.DatabaseURL)
	assert.Equal(t, "https://abc123.ngrok.io", cfg.Tracking.BaseURL)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)
}
