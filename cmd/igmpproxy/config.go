package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/igmpproxy/igmpproxy/internal/ifreg"
	"github.com/igmpproxy/igmpproxy/internal/igmpio"
	"github.com/igmpproxy/igmpproxy/internal/logging"
	"github.com/igmpproxy/igmpproxy/internal/proxycore"
)

// Config is the daemon's on-disk configuration, per SPEC_FULL.md §4.J.
type Config struct {
	Logging    logging.Config   `yaml:"logging"`
	Interfaces ifreg.RoleConfig `yaml:"interfaces"`
	Proxy      proxycore.Config `yaml:"proxy"`
	Socket     igmpio.Config    `yaml:"socket"`
}

// DefaultConfig returns the configuration used when a field is absent from
// the YAML file.
func DefaultConfig() *Config {
	return &Config{
		Logging: logging.DefaultConfig(),
		Proxy:   proxycore.DefaultConfig(),
		Socket:  igmpio.DefaultConfig(),
	}
}

// LoadConfig reads and parses the YAML configuration at path.
func LoadConfig(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(buf, cfg); err != nil {
		return nil, fmt.Errorf("failed to deserialize config: %w", err)
	}
	if cfg.Interfaces.Upstream == "" {
		return nil, fmt.Errorf("interfaces.upstream is required")
	}
	return cfg, nil
}
