package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Load reads, parses, and validates the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config %s: %w", path, err)
	}
	return &cfg, nil
}

// SnapshotPath returns the location of the pre-restart config snapshot.
func SnapshotPath(dataDir string) string {
	return filepath.Join(dataDir, "pending", "config.yml.pre-restart")
}

// Snapshot copies the config file to the pre-restart snapshot location.
// Called before any cooperative restart so a broken edit can be rolled back.
func Snapshot(configPath, dataDir string) error {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("snapshot config: %w", err)
	}
	dst := SnapshotPath(dataDir)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o600)
}

// LoadWithRollback loads the config, restoring the pre-restart snapshot when
// the current file fails to parse. Returns the config and whether a rollback
// happened. With no usable snapshot a parse failure aborts startup.
func LoadWithRollback(configPath, dataDir string) (*Config, bool, error) {
	cfg, err := Load(configPath)
	if err == nil {
		// Config is good; the snapshot has served its purpose.
		os.Remove(SnapshotPath(dataDir))
		return cfg, false, nil
	}

	snap := SnapshotPath(dataDir)
	data, readErr := os.ReadFile(snap)
	if readErr != nil {
		return nil, false, fmt.Errorf("config unusable and no snapshot: %w", err)
	}

	slog.Warn("config failed to load, rolling back to pre-restart snapshot",
		"config", configPath, "error", err)

	if writeErr := os.WriteFile(configPath, data, 0o600); writeErr != nil {
		return nil, false, fmt.Errorf("restore config snapshot: %w", writeErr)
	}
	os.Remove(snap)

	cfg, err = Load(configPath)
	if err != nil {
		return nil, false, fmt.Errorf("config still unusable after rollback: %w", err)
	}
	return cfg, true, nil
}
