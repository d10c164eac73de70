package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Load loads a build configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", path, err)
	}

	return LoadFromYAML(data)
}

// LoadFromYAML loads a build configuration from YAML bytes, applies
// defaults, and validates it.
func LoadFromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	if cfg.Storage.Disk.Type != DiskTypePhysical {
		abs, err := filepath.Abs(cfg.Storage.Disk.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve disk path: %w", err)
		}
		cfg.Storage.Disk.Path = abs
	}

	return &cfg, nil
}

// applyDefaults sets default values for optional fields.
func applyDefaults(cfg *Config) {
	if cfg.Storage.Disk.PTable == "" {
		cfg.Storage.Disk.PTable = "gpt"
	}
	if cfg.Install != nil && cfg.Install.Base == "" {
		cfg.Install.Base = "archlinux"
	}
}
