package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadFrom(t *testing.T) {
	t.Run("valid config", func(t *testing.T) {
		path := writeConfig(t, `
base_url: http://localhost:5000/
bootstrap_session: s-boot
request_timeout: 5s
stream_idle_timeout: 2m
refresh_delay: 250ms
id_scheme: ulid
store:
  backend: sqlite
  sqlite_path: /tmp/chat.db
`)

		cfg, err := LoadFrom(path)
		require.NoError(t, err)

		assert.Equal(t, "http://localhost:5000", cfg.BaseURL)
		assert.Equal(t, "s-boot", cfg.BootstrapSession)
		assert.Equal(t, 5*time.Second, cfg.RequestTimeout)
		assert.Equal(t, 2*time.Minute, cfg.StreamIdleTimeout)
		assert.Equal(t, 250*time.Millisecond, cfg.RefreshDelay)
		assert.Equal(t, IDULID, cfg.IDScheme)
		assert.Equal(t, StoreSQLite, cfg.Store.Backend)
		assert.Equal(t, "/tmp/chat.db", cfg.Store.SQLitePath)
	})

	t.Run("defaults applied", func(t *testing.T) {
		path := writeConfig(t, "{}\n")

		cfg, err := LoadFrom(path)
		require.NoError(t, err)

		assert.Equal(t, DefaultBaseURL, cfg.BaseURL)
		assert.Equal(t, DefaultBootstrapSession, cfg.BootstrapSession)
		assert.Equal(t, DefaultRequestTimeout, cfg.RequestTimeout)
		assert.Equal(t, DefaultStreamIdle, cfg.StreamIdleTimeout)
		assert.Equal(t, DefaultRefreshDelay, cfg.RefreshDelay)
		assert.Equal(t, IDTimeRandom, cfg.IDScheme)
		assert.Equal(t, StoreFile, cfg.Store.Backend)
		assert.NotEmpty(t, cfg.Store.Dir)
		assert.Equal(t, "newsgpt:", cfg.Store.RedisPrefix)
	})

	t.Run("negative refresh delay disables the wait", func(t *testing.T) {
		cfg, err := LoadFrom(writeConfig(t, "refresh_delay: -1s\n"))
		require.NoError(t, err)
		assert.Equal(t, time.Duration(0), cfg.RefreshDelay)
	})

	t.Run("environment overrides file", func(t *testing.T) {
		t.Setenv("NEWSGPT_BASE_URL", "https://chat.example.com")
		t.Setenv("NEWSGPT_STORE_BACKEND", "redis")
		t.Setenv("NEWSGPT_STORE_REDIS_ADDR", "cache:6380")

		cfg, err := LoadFrom(writeConfig(t, "base_url: http://localhost:5000\n"))
		require.NoError(t, err)

		assert.Equal(t, "https://chat.example.com", cfg.BaseURL)
		assert.Equal(t, StoreRedis, cfg.Store.Backend)
		assert.Equal(t, "cache:6380", cfg.Store.RedisAddr)
	})

	t.Run("invalid store backend", func(t *testing.T) {
		_, err := LoadFrom(writeConfig(t, "store:\n  backend: s3\n"))
		assert.ErrorIs(t, err, ErrInvalidStoreBackend)
	})

	t.Run("invalid id scheme", func(t *testing.T) {
		_, err := LoadFrom(writeConfig(t, "id_scheme: snowflake\n"))
		assert.ErrorIs(t, err, ErrInvalidIDScheme)
	})

	t.Run("invalid base url", func(t *testing.T) {
		_, err := LoadFrom(writeConfig(t, "base_url: localhost:5000\n"))
		assert.ErrorIs(t, err, ErrInvalidBaseURL)
	})

	t.Run("blank bootstrap session", func(t *testing.T) {
		_, err := LoadFrom(writeConfig(t, "bootstrap_session: \"   \"\n"))
		assert.ErrorIs(t, err, ErrInvalidSession)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadFrom("/nonexistent/path/config.yaml")
		assert.ErrorIs(t, err, ErrNoConfig)
	})

	t.Run("invalid yaml", func(t *testing.T) {
		_, err := LoadFrom(writeConfig(t, "base_url: [unterminated\n"))
		assert.ErrorIs(t, err, ErrInvalidYAML)
	})
}

func TestFromEnv(t *testing.T) {
	t.Setenv("NEWSGPT_REFRESH_DELAY", "1s")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, time.Second, cfg.RefreshDelay)
	assert.Equal(t, DefaultBaseURL, cfg.BaseURL)
}

func TestFromEnvInvalidDuration(t *testing.T) {
	t.Setenv("NEWSGPT_REQUEST_TIMEOUT", "soon")

	_, err := FromEnv()
	assert.ErrorIs(t, err, ErrInvalidEnv)
}
