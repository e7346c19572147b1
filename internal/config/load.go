package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// ConfigFileName is the name of the orchestrator configuration file.
const ConfigFileName = "jeeves.toml"

// FindConfigFile walks up from the given directory to find jeeves.toml.
// Returns the absolute path to the config file, or an empty string if not
// found. Stops at the filesystem root.
func FindConfigFile(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("config: resolving path: %w", err)
	}
	for {
		candidate := filepath.Join(dir, ConfigFileName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", nil
		}
		dir = parent
	}
}

// LoadFromFile parses the TOML file at path, merges it over NewDefaults,
// and validates the result.
func LoadFromFile(path string) (*Config, toml.MetaData, error) {
	cfg := NewDefaults()
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, md, fmt.Errorf("config: loading %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, md, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, md, nil
}
