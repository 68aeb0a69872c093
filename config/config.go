package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds everything the service needs at runtime. Values come
// from the JSON config file with environment variables (optionally via
// a .env file) taking precedence.
type Config struct {
	ListenAddr string `json:"listen_addr"`

	// EngineURL is the base URL of the analysis engine that serves the
	// NDJSON event feed.
	EngineURL string `json:"engine_url"`

	// FeedTimeout bounds one full engine feed; a run exceeding it is
	// treated as failed.
	FeedTimeoutSec int `json:"feed_timeout_sec"`

	// HeartbeatSec is the interval between keep-alive frames sent to
	// live stream subscribers.
	HeartbeatSec int `json:"heartbeat_sec"`

	DataDir      string `json:"data_dir"`
	SnapshotPath string `json:"snapshot_path"`
	UsersPath    string `json:"users_path"`

	CacheEnabled bool `json:"cache_enabled"`
	Debug        bool `json:"debug"`

	// Longport API configuration, used for HK/A-share ticker lookups
	// when present.
	LongportAppKey      string `json:"longport_app_key"`
	LongportAppSecret   string `json:"longport_app_secret"`
	LongportAccessToken string `json:"longport_access_token"`
}

// DefaultConfig builds a configuration rooted at the working directory,
// then applies .env and environment overrides.
func DefaultConfig() *Config {
	currentDir, _ := os.Getwd()
	cfg := DefaultConfigWithRoot(currentDir)

	_ = godotenv.Load()
	cfg.ApplyEnv()

	return cfg
}

// DefaultConfigWithRoot builds the default configuration with data
// paths under root, without consulting the environment.
func DefaultConfigWithRoot(root string) *Config {
	return &Config{
		ListenAddr:     "127.0.0.1:8080",
		EngineURL:      "http://127.0.0.1:8000",
		FeedTimeoutSec: 1800,
		HeartbeatSec:   15,
		DataDir:        filepath.Join(root, "data"),
		SnapshotPath:   filepath.Join(root, "data", "sessions.json"),
		UsersPath:      filepath.Join(root, "data", "users.json"),
		CacheEnabled:   true,
	}
}

// ApplyEnv overlays TRADEFLOW_* and LONGPORT_* environment variables
// onto the configuration. Set variables win over file values.
func (c *Config) ApplyEnv() {
	if val := os.Getenv("TRADEFLOW_LISTEN_ADDR"); val != "" {
		c.ListenAddr = val
	}
	if val := os.Getenv("TRADEFLOW_ENGINE_URL"); val != "" {
		c.EngineURL = val
	}
	if val := os.Getenv("TRADEFLOW_DATA_DIR"); val != "" {
		c.DataDir = val
		c.SnapshotPath = filepath.Join(val, "sessions.json")
		c.UsersPath = filepath.Join(val, "users.json")
	}
	if val := os.Getenv("TRADEFLOW_SNAPSHOT_PATH"); val != "" {
		c.SnapshotPath = val
	}
	if val := os.Getenv("TRADEFLOW_USERS_PATH"); val != "" {
		c.UsersPath = val
	}

	if val := os.Getenv("TRADEFLOW_FEED_TIMEOUT_SEC"); val != "" {
		if v, err := strconv.Atoi(val); err == nil {
			c.FeedTimeoutSec = v
		}
	}
	if val := os.Getenv("TRADEFLOW_HEARTBEAT_SEC"); val != "" {
		if v, err := strconv.Atoi(val); err == nil {
			c.HeartbeatSec = v
		}
	}

	if val := os.Getenv("TRADEFLOW_CACHE_ENABLED"); val != "" {
		if enabled, err := strconv.ParseBool(val); err == nil {
			c.CacheEnabled = enabled
		}
	}
	if val := os.Getenv("TRADEFLOW_DEBUG"); val != "" {
		if enabled, err := strconv.ParseBool(val); err == nil {
			c.Debug = enabled
		}
	}

	if val := os.Getenv("LONGPORT_APP_KEY"); val != "" {
		c.LongportAppKey = val
	}
	if val := os.Getenv("LONGPORT_APP_SECRET"); val != "" {
		c.LongportAppSecret = val
	}
	if val := os.Getenv("LONGPORT_ACCESS_TOKEN"); val != "" {
		c.LongportAccessToken = val
	}
}

// Validate checks the fields the service cannot run without.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ListenAddr) == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if strings.TrimSpace(c.EngineURL) == "" {
		return fmt.Errorf("engine_url is required")
	}
	if c.FeedTimeoutSec <= 0 {
		return fmt.Errorf("feed_timeout_sec must be positive")
	}
	if c.HeartbeatSec <= 0 {
		return fmt.Errorf("heartbeat_sec must be positive")
	}
	if strings.TrimSpace(c.SnapshotPath) == "" {
		return fmt.Errorf("snapshot_path is required")
	}
	return nil
}

// FeedTimeout returns the feed timeout as a duration.
func (c *Config) FeedTimeout() time.Duration {
	return time.Duration(c.FeedTimeoutSec) * time.Second
}

// HeartbeatInterval returns the subscriber heartbeat interval.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatSec) * time.Second
}

// EnsureDirectories creates the directories the service writes to.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.DataDir, filepath.Dir(c.SnapshotPath)}
	for _, dir := range dirs {
		path := strings.TrimSpace(dir)
		if path == "" {
			continue
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", path, err)
		}
	}
	return nil
}
