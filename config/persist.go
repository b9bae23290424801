package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aluiziolira/go-wikidump/runstore"
	"gopkg.in/yaml.v3"
)

// FileName is the persisted run configuration inside the output directory.
const FileName = "config.yaml"

// ErrNoSavedConfig is returned by Load when the directory holds no config.
var ErrNoSavedConfig = errors.New("no saved run configuration")

// Save writes c to <c.Path>/config.yaml.
func (c *Config) Save() error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal run config: %w", err)
	}
	return runstore.WriteBytes(filepath.Join(c.Path, FileName), data)
}

// Load reads the run configuration persisted in dir. Runtime-only fields
// (verbosity, metrics address) are left at their zero values.
func Load(dir string) (*Config, error) {
	data, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w in %s", ErrNoSavedConfig, dir)
		}
		return nil, fmt.Errorf("read run config: %w", err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse run config: %w", err)
	}
	cfg.Path = dir
	return cfg, nil
}
