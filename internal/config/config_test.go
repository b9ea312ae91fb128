package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chTempDir(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
}

func TestLoadDefaults(t *testing.T) {
	chTempDir(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "finewatch.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "https://shtrafy-gibdd.ru/api/v1/fines", cfg.API.BaseURL)
	assert.Equal(t, 30*time.Second, cfg.API.Timeout())
	assert.Equal(t, 3, cfg.API.MaxRetries)
	assert.InDelta(t, 0.2, cfg.API.RatePerSec, 0.001)
	assert.Equal(t, 24*time.Hour, cfg.Poll.Interval())
	assert.Equal(t, 6500*time.Millisecond, cfg.Poll.RequestDelay())
	assert.False(t, cfg.Poll.SkipUnchanged)
	assert.Equal(t, "smtp.gmail.com", cfg.SMTP.Host)
	assert.Equal(t, 587, cfg.SMTP.Port)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadFromYAML(t *testing.T) {
	chTempDir(t)

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/finewatch
poll:
  interval_hours: 6
  request_delay_secs: 2.5
  skip_unchanged: true
log:
  level: debug
  format: console
`
	dir, _ := os.Getwd()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/finewatch", cfg.Store.DatabaseURL)
	assert.Equal(t, 6*time.Hour, cfg.Poll.Interval())
	assert.Equal(t, 2500*time.Millisecond, cfg.Poll.RequestDelay())
	assert.True(t, cfg.Poll.SkipUnchanged)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
}

func TestLoadFromEnv(t *testing.T) {
	chTempDir(t)

	t.Setenv("FINEWATCH_STORE_DRIVER", "postgres")
	t.Setenv("FINEWATCH_SMTP_LOGIN", "alerts@example.com")
	t.Setenv("FINEWATCH_POLL_INTERVAL_HOURS", "12")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "alerts@example.com", cfg.SMTP.Login)
	assert.Equal(t, 12*time.Hour, cfg.Poll.Interval())
}

func TestInitLogger(t *testing.T) {
	require.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
	require.NoError(t, InitLogger(LogConfig{Level: "info", Format: "json"}))
	require.Error(t, InitLogger(LogConfig{Level: "nope", Format: "json"}))
}
