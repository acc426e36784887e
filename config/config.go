// Package config loads and persists the daemon's local settings. Settings
// live in config.json under the root directory; the only environment
// overrides are USEAI_PORT and USEAI_SYNC_URL. A .env file in the root
// directory is applied best-effort before either is read.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

const (
	// FileName is the configuration file name under the root directory.
	FileName = "config.json"

	// DefaultPort is the local port the daemon binds when neither
	// config.json nor USEAI_PORT names one.
	DefaultPort = 4517

	// DefaultSyncURL is the remote aggregation base URL used when
	// USEAI_SYNC_URL is unset.
	DefaultSyncURL = "https://api.useai.dev"
)

// EvaluationSettings controls whether session ends carry a structured
// self-evaluation and at what level of detail.
type EvaluationSettings struct {
	Enabled bool   `json:"enabled"`
	Detail  string `json:"detail,omitempty"`
}

// UserSettings is the local user profile attached to synced sessions.
type UserSettings struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

// Config holds the daemon's persisted settings.
type Config struct {
	SyncEnabled       bool               `json:"sync_enabled"`
	AuthToken         string             `json:"auth_token,omitempty"`
	Evaluation        EvaluationSettings `json:"evaluation"`
	User              UserSettings       `json:"user"`
	MilestonesEnabled bool               `json:"milestones_enabled"`
	Port              int                `json:"port,omitempty"`
}

// Default returns the configuration used when config.json does not exist.
func Default() *Config {
	return &Config{
		Evaluation:        EvaluationSettings{Enabled: true, Detail: "standard"},
		MilestonesEnabled: true,
	}
}

// Load reads config.json from dir. A missing file yields the defaults; a
// malformed file is an error so a typo never silently resets settings.
func Load(dir string) (*Config, error) {
	godotenv.Load(filepath.Join(dir, ".env"))

	cfg := Default()
	data, err := os.ReadFile(filepath.Join(dir, FileName))
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// Save writes cfg to config.json in dir atomically, by writing a temporary
// file and renaming it into place.
func Save(dir string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	path := filepath.Join(dir, FileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace config: %w", err)
	}
	return nil
}

// EffectivePort resolves the listen port: USEAI_PORT wins, then the
// configured port, then DefaultPort.
func (c *Config) EffectivePort() int {
	if v := os.Getenv("USEAI_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			return port
		}
	}
	if c.Port > 0 {
		return c.Port
	}
	return DefaultPort
}

// SyncURL resolves the remote sync base URL from USEAI_SYNC_URL, falling
// back to DefaultSyncURL.
func SyncURL() string {
	if v := os.Getenv("USEAI_SYNC_URL"); v != "" {
		return v
	}
	return DefaultSyncURL
}
