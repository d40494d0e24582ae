package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// ConfigDir returns the sandclaw home directory, honoring SANDCLAW_HOME.
func ConfigDir() string {
	if dir := os.Getenv("SANDCLAW_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".sandclaw"
	}
	return filepath.Join(home, ".sandclaw")
}

// ConfigPath returns the JSON config file location.
func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// Load builds the effective configuration: defaults, overlaid by the config
// file when present, overlaid by environment variables. An optional .env
// file in the config dir is loaded into the environment first.
func Load() (*Config, error) {
	_ = godotenv.Load(filepath.Join(ConfigDir(), ".env"))

	cfg := DefaultConfig()

	path := ConfigPath()
	if raw, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("process environment: %w", err)
	}

	cfg.expandPaths()
	return cfg, nil
}

// Save writes the config file with owner-only permissions.
func (c *Config) Save() error {
	path := ConfigPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o600)
}

// expandPaths resolves leading ~ in every path-valued setting.
func (c *Config) expandPaths() {
	c.Storage.DBPath = expandHome(c.Storage.DBPath)
	c.Sandbox.SharedDir = expandHome(c.Sandbox.SharedDir)
	c.Sandbox.WorkspaceRoot = expandHome(c.Sandbox.WorkspaceRoot)
	c.Channels.WhatsApp.SessionPath = expandHome(c.Channels.WhatsApp.SessionPath)
	c.Channels.WhatsApp.QRPath = expandHome(c.Channels.WhatsApp.QRPath)
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}
