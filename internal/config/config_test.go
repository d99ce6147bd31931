package config_test

import (
	"testing"
	"time"

	"github.com/ignatij/execflow/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	for _, key := range []string{
		"EXECFLOW_SERVER_URL", "EXECFLOW_STREAM_PATH", "EXECFLOW_HISTORY_PATH",
		"EXECFLOW_RECENT_LIMIT", "EXECFLOW_LOG_LIMIT", "EXECFLOW_DIAL_TIMEOUT",
		"EXECFLOW_HTTP_TIMEOUT", "PORT", "METRICS_ADDR", "EXECFLOW_CLIENT_METRICS_ADDR", "DATABASE_URL", "SCRIPTS_FILE",
		"DB_USERNAME", "DB_PASSWORD", "DB_HOST", "DB_PORT", "DB_NAME", "LOG_LEVEL",
	} {
		t.Setenv(key, "")
	}
}

func TestLoad(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		clearEnv(t)
		cfg, err := config.Load()
		require.NoError(t, err)
		assert.Equal(t, "http://localhost:8080", cfg.ServerURL)
		assert.Equal(t, "/api/execution/stream", cfg.StreamPath)
		assert.Equal(t, "/api/executions", cfg.HistoryPath)
		assert.Equal(t, 20, cfg.RecentLimit)
		assert.Equal(t, 500, cfg.LogLimit)
		assert.Equal(t, 10*time.Second, cfg.DialTimeout)
		assert.Equal(t, 15*time.Second, cfg.HTTPTimeout)
		assert.Equal(t, ":8080", cfg.ListenAddr())
		assert.Empty(t, cfg.DatabaseURL)
		assert.Empty(t, cfg.ClientMetricsAddr)
		assert.Equal(t, "INFO", cfg.LogLevel)
	})

	t.Run("Overrides", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("EXECFLOW_SERVER_URL", "https://dash.example.com")
		t.Setenv("EXECFLOW_RECENT_LIMIT", "50")
		t.Setenv("EXECFLOW_DIAL_TIMEOUT", "2s")
		t.Setenv("PORT", "9090")
		t.Setenv("EXECFLOW_CLIENT_METRICS_ADDR", "127.0.0.1:2113")
		t.Setenv("LOG_LEVEL", "debug")
		t.Setenv("DB_USERNAME", "execflow")
		t.Setenv("DB_PASSWORD", "secret")
		t.Setenv("DB_HOST", "db")
		t.Setenv("DB_NAME", "history")

		cfg, err := config.Load()
		require.NoError(t, err)
		assert.Equal(t, "https://dash.example.com", cfg.ServerURL)
		assert.Equal(t, 50, cfg.RecentLimit)
		assert.Equal(t, 2*time.Second, cfg.DialTimeout)
		assert.Equal(t, 9090, cfg.Port)
		assert.Equal(t, "127.0.0.1:2113", cfg.ClientMetricsAddr)
		assert.Equal(t, "debug", cfg.LogLevel)
		assert.Equal(t, "postgres://execflow:secret@db:5432/history?sslmode=disable", cfg.DatabaseURL)
	})

	t.Run("DatabaseURLWins", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("DATABASE_URL", "postgres://u:p@h:1/d")
		t.Setenv("DB_USERNAME", "ignored")
		t.Setenv("DB_HOST", "ignored")
		t.Setenv("DB_NAME", "ignored")
		cfg, err := config.Load()
		require.NoError(t, err)
		assert.Equal(t, "postgres://u:p@h:1/d", cfg.DatabaseURL)
	})

	t.Run("MalformedValuesFallBack", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("EXECFLOW_LOG_LIMIT", "many")
		t.Setenv("EXECFLOW_HTTP_TIMEOUT", "soon")
		cfg, err := config.Load()
		require.NoError(t, err)
		assert.Equal(t, 500, cfg.LogLimit)
		assert.Equal(t, 15*time.Second, cfg.HTTPTimeout)
	})

	t.Run("Invalid", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("EXECFLOW_SERVER_URL", "ftp://files")
		_, err := config.Load()
		assert.ErrorContains(t, err, "scheme")

		clearEnv(t)
		t.Setenv("PORT", "70000")
		_, err = config.Load()
		assert.ErrorContains(t, err, "PORT")

		clearEnv(t)
		t.Setenv("EXECFLOW_RECENT_LIMIT", "0")
		_, err = config.Load()
		assert.ErrorContains(t, err, "EXECFLOW_RECENT_LIMIT")
	})
}
