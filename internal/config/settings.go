package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Settings holds all ralph configuration.
// Priority: env vars > settings.json > defaults.
type Settings struct {
	StateDir     string `json:"state_dir"`
	DBPath       string `json:"db_path"`
	LogLevel     string `json:"log_level"`
	LogFormat    string `json:"log_format"` // "text" or "json"
	PoolSize     int    `json:"pool_size"`
	AgentCommand string `json:"agent_command"`
	StageTimeout string `json:"stage_timeout"`
}

func defaultSettings() Settings {
	return Settings{
		StateDir:     filepath.Join(ralphDir(), "runs"),
		DBPath:       filepath.Join(ralphDir(), "ralph.db"),
		LogLevel:     "info",
		LogFormat:    "text",
		PoolSize:     4,
		AgentCommand: "claude",
		StageTimeout: "30m",
	}
}

func ralphDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ralph"
	}
	return filepath.Join(home, ".ralph")
}

func settingsPath() string {
	return filepath.Join(ralphDir(), "settings.json")
}

// Load resolves settings from defaults, settings.json, and RALPH_* env vars,
// in increasing priority.
func Load() Settings {
	cfg := defaultSettings()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("RALPH_STATE_DIR"); v != "" {
		cfg.StateDir = v
	}
	if v := os.Getenv("RALPH_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("RALPH_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("RALPH_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("RALPH_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("RALPH_AGENT"); v != "" {
		cfg.AgentCommand = v
	}
	if v := os.Getenv("RALPH_STAGE_TIMEOUT"); v != "" {
		cfg.StageTimeout = v
	}

	return cfg
}

// StageTimeoutDuration parses the configured stage timeout, falling back to
// 30 minutes on a malformed value.
func (s Settings) StageTimeoutDuration() time.Duration {
	if d, err := time.ParseDuration(s.StageTimeout); err == nil && d > 0 {
		return d
	}
	return 30 * time.Minute
}
