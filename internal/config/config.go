// Package config loads yarun settings from a TOML file. Only keys present in
// the file override the defaults; a few environment variables override both.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	EnvConfig   = "YARUN_CONFIG"
	EnvStoreDir = "YARUN_STORE_DIR"
	EnvFeedDirs = "YARUN_FEED_DIRS"
	EnvWorkers  = "YARUN_WORKERS"
)

const appName = "yarun"

// Config holds the resolved settings.
type Config struct {
	StoreDir          string
	SharedStoreDirs   []string
	FeedDirs          []string
	FeedCacheDir      string
	FeedTTL           time.Duration
	Workers           int
	MaxAttempts       int
	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	BackoffMultiplier float64
	HTTPTimeout       time.Duration
	IsolateEnv        bool
	LogLevel          string
}

type fileConfig struct {
	StoreDir          string   `toml:"store_dir"`
	SharedStoreDirs   []string `toml:"shared_store_dirs"`
	FeedDirs          []string `toml:"feed_dirs"`
	FeedCacheDir      string   `toml:"feed_cache_dir"`
	FeedTTL           string   `toml:"feed_ttl"`
	Workers           int      `toml:"workers"`
	MaxAttempts       int      `toml:"max_attempts"`
	BackoffInitial    string   `toml:"backoff_initial"`
	BackoffMax        string   `toml:"backoff_max"`
	BackoffMultiplier float64  `toml:"backoff_multiplier"`
	HTTPTimeout       string   `toml:"http_timeout"`
	IsolateEnv        bool     `toml:"isolate_env"`
	LogLevel          string   `toml:"log_level"`
}

// Default returns the built-in settings.
func Default() Config {
	cacheDir, err := os.UserCacheDir()
	if err != nil {
		cacheDir = os.TempDir()
	}
	cfg := Config{
		StoreDir:          filepath.Join(cacheDir, appName, "implementations"),
		FeedCacheDir:      filepath.Join(cacheDir, appName, "feeds"),
		FeedTTL:           24 * time.Hour,
		Workers:           4,
		MaxAttempts:       3,
		BackoffInitial:    500 * time.Millisecond,
		BackoffMax:        10 * time.Second,
		BackoffMultiplier: 2.0,
		HTTPTimeout:       5 * time.Minute,
		LogLevel:          "info",
	}
	if configDir, err := os.UserConfigDir(); err == nil {
		cfg.FeedDirs = []string{filepath.Join(configDir, appName, "feeds")}
	}
	return cfg
}

// DefaultPath returns $XDG_CONFIG_HOME/yarun/config.toml or the platform equivalent.
func DefaultPath() string {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(configDir, appName, "config.toml")
}

// Load reads the configuration file at path. An empty path means the file
// named by YARUN_CONFIG, or DefaultPath; a missing default file is not an
// error, a missing explicit one is.
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = os.Getenv(EnvConfig)
		explicit = path != ""
	}
	if !explicit {
		path = DefaultPath()
	}

	if path != "" {
		err := loadFile(path, &cfg)
		switch {
		case err == nil:
		case !explicit && errors.Is(err, fs.ErrNotExist):
		default:
			return Config{}, err
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("load config %s: unknown key %q", path, undecoded[0].String())
	}

	if meta.IsDefined("store_dir") {
		cfg.StoreDir = expandHome(strings.TrimSpace(raw.StoreDir))
	}
	if meta.IsDefined("shared_store_dirs") {
		cfg.SharedStoreDirs = normalizeDirs(raw.SharedStoreDirs)
	}
	if meta.IsDefined("feed_dirs") {
		cfg.FeedDirs = normalizeDirs(raw.FeedDirs)
	}
	if meta.IsDefined("feed_cache_dir") {
		cfg.FeedCacheDir = expandHome(strings.TrimSpace(raw.FeedCacheDir))
	}
	if meta.IsDefined("workers") {
		cfg.Workers = raw.Workers
	}
	if meta.IsDefined("max_attempts") {
		cfg.MaxAttempts = raw.MaxAttempts
	}
	if meta.IsDefined("backoff_multiplier") {
		cfg.BackoffMultiplier = raw.BackoffMultiplier
	}
	if meta.IsDefined("isolate_env") {
		cfg.IsolateEnv = raw.IsolateEnv
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"feed_ttl", raw.FeedTTL, &cfg.FeedTTL},
		{"backoff_initial", raw.BackoffInitial, &cfg.BackoffInitial},
		{"backoff_max", raw.BackoffMax, &cfg.BackoffMax},
		{"http_timeout", raw.HTTPTimeout, &cfg.HTTPTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if v := strings.TrimSpace(os.Getenv(EnvStoreDir)); v != "" {
		cfg.StoreDir = expandHome(v)
	}
	if v := os.Getenv(EnvFeedDirs); v != "" {
		cfg.FeedDirs = normalizeDirs(filepath.SplitList(v))
	}
	if v := strings.TrimSpace(os.Getenv(EnvWorkers)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse %s: %w", EnvWorkers, err)
		}
		cfg.Workers = n
	}
	return nil
}

// Validate rejects settings the pipeline cannot run with.
func (c Config) Validate() error {
	switch {
	case c.StoreDir == "":
		return fmt.Errorf("store_dir must not be empty")
	case c.Workers < 1:
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	case c.MaxAttempts < 1:
		return fmt.Errorf("max_attempts must be at least 1, got %d", c.MaxAttempts)
	case c.BackoffMultiplier < 1:
		return fmt.Errorf("backoff_multiplier must be at least 1, got %g", c.BackoffMultiplier)
	case c.BackoffInitial < 0 || c.BackoffMax < 0:
		return fmt.Errorf("backoff delays must not be negative")
	case c.HTTPTimeout <= 0:
		return fmt.Errorf("http_timeout must be positive")
	}
	return nil
}

func normalizeDirs(in []string) []string {
	out := make([]string, 0, len(in))
	for _, dir := range in {
		v := strings.TrimSpace(dir)
		if v == "" {
			continue
		}
		out = append(out, expandHome(v))
	}
	return out
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[1:])
}
