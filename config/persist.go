package config

import (
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"

	"github.com/lumenxr/lumen/errors"
)

// Save writes the configuration to configPath as TOML, creating parent
// directories as needed. An existing file is backed up first.
func Save(cfg *Config, configPath string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return errors.Wrap(err, "failed to create config directory")
	}

	if err := createBackup(configPath); err != nil {
		return err
	}

	data, err := toml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "failed to marshal config")
	}

	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write config file %s", configPath)
	}
	return nil
}

// createBackup keeps one .back copy of the previous config so a bad
// write is recoverable.
func createBackup(configPath string) error {
	content, err := os.ReadFile(configPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "failed to read config for backup")
	}

	if err := os.WriteFile(configPath+".back", content, 0o644); err != nil {
		return errors.Wrap(err, "failed to write config backup")
	}
	return nil
}
