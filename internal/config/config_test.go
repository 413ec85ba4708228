package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate points every lookup at a fresh temporary tree.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	t.Setenv("XDG_CACHE_HOME", filepath.Join(dir, "cache"))
	t.Setenv(EnvConfig, "")
	t.Setenv(EnvStoreDir, "")
	t.Setenv(EnvFeedDirs, "")
	t.Setenv(EnvWorkers, "")
	return dir
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestLoad_Defaults(t *testing.T) {
	isolate(t)
	cacheDir, err := os.UserCacheDir()
	require.NoError(t, err)
	configDir, err := os.UserConfigDir()
	require.NoError(t, err)

	cfg, err := Load("")

	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cacheDir, "yarun", "implementations"), cfg.StoreDir)
	assert.Equal(t, []string{filepath.Join(configDir, "yarun", "feeds")}, cfg.FeedDirs)
	assert.Equal(t, 24*time.Hour, cfg.FeedTTL)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.False(t, cfg.IsolateEnv)
	assert.Empty(t, cfg.SharedStoreDirs)
}

func TestLoad_OverridesDefinedKeysOnly(t *testing.T) {
	isolate(t)
	p := writeConfig(t, `
store_dir = "/var/lib/yarun"
shared_store_dirs = ["/var/cache/yarun/implementations"]
feed_dirs = ["/etc/yarun/feeds", " ", "~/feeds"]
workers = 8
backoff_initial = "1s"
http_timeout = "30s"
isolate_env = true
log_level = "debug"
`)

	cfg, err := Load(p)

	require.NoError(t, err)
	def := Default()
	assert.Equal(t, "/var/lib/yarun", cfg.StoreDir)
	assert.Equal(t, []string{"/var/cache/yarun/implementations"}, cfg.SharedStoreDirs)
	home, _ := os.UserHomeDir()
	assert.Equal(t, []string{"/etc/yarun/feeds", filepath.Join(home, "feeds")}, cfg.FeedDirs)
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, time.Second, cfg.BackoffInitial)
	assert.Equal(t, 30*time.Second, cfg.HTTPTimeout)
	assert.True(t, cfg.IsolateEnv)
	assert.Equal(t, "debug", cfg.LogLevel)

	assert.Equal(t, def.MaxAttempts, cfg.MaxAttempts)
	assert.Equal(t, def.BackoffMax, cfg.BackoffMax)
	assert.Equal(t, def.FeedTTL, cfg.FeedTTL)
	assert.Equal(t, def.FeedCacheDir, cfg.FeedCacheDir)
}

func TestLoad_ConfigFromEnv(t *testing.T) {
	isolate(t)
	p := writeConfig(t, "max_attempts = 7\n")
	t.Setenv(EnvConfig, p)

	cfg, err := Load("")

	require.NoError(t, err)
	assert.Equal(t, 7, cfg.MaxAttempts)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	isolate(t)
	p := writeConfig(t, "store_dir = \"/from/file\"\nworkers = 2\n")
	t.Setenv(EnvStoreDir, "/from/env")
	t.Setenv(EnvWorkers, "6")
	t.Setenv(EnvFeedDirs, "/a"+string(os.PathListSeparator)+"/b")

	cfg, err := Load(p)

	require.NoError(t, err)
	assert.Equal(t, "/from/env", cfg.StoreDir)
	assert.Equal(t, 6, cfg.Workers)
	assert.Equal(t, []string{"/a", "/b"}, cfg.FeedDirs)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"bad duration", `feed_ttl = "soon"`, "parse feed_ttl"},
		{"unknown key", `wokers = 3`, "unknown key"},
		{"invalid toml", `workers = `, "load config"},
		{"zero workers", `workers = 0`, "workers must be at least 1"},
		{"small multiplier", `backoff_multiplier = 0.5`, "backoff_multiplier"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolate(t)
			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	isolate(t)

	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))

	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoad_BadWorkersEnv(t *testing.T) {
	isolate(t)
	t.Setenv(EnvWorkers, "many")

	_, err := Load("")

	assert.ErrorContains(t, err, EnvWorkers)
}
