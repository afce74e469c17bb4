package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Initialize loads configuration the same way the teacher does: built-in
// defaults, overlaid by an optional user YAML file in configDir, with
// environment-variable expansion applied to the raw bytes before parsing.
// Missing or absent overlay files are not an error — the built-in defaults
// alone are a valid configuration.
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	cfg := builtin()
	cfg.configDir = configDir

	overlayPath := filepath.Join(configDir, "config.yaml")
	data, err := os.ReadFile(overlayPath)
	if err != nil {
		if os.IsNotExist(err) {
			if verr := validate(cfg); verr != nil {
				return nil, fmt.Errorf("invalid built-in configuration: %w", verr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config overlay %s: %w", overlayPath, err)
	}

	expanded := ExpandEnv(data)

	var overlay Config
	if err := yaml.Unmarshal(expanded, &overlay); err != nil {
		return nil, fmt.Errorf("parsing config overlay %s: %w", overlayPath, err)
	}

	if err := mergo.Merge(cfg, overlay, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("merging config overlay: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadDatabasePassword resolves the DB password from the environment when
// not present in the overlay, matching spec §6's VAULT_ROOT_TOKEN /
// ANIME_DB_PASSWORD precedence (either suffices; VAULT_ROOT_TOKEN wins if
// both are set, matching a vault-managed secret taking priority over a
// static one).
func (c *Config) LoadDatabasePassword() string {
	if c.Database.Password != "" {
		return c.Database.Password
	}
	if v := os.Getenv("VAULT_ROOT_TOKEN"); v != "" {
		return v
	}
	return os.Getenv("ANIME_DB_PASSWORD")
}
