// Package bootcfg implements the YAML boot configuration consumed by
// cmd/hypocaust: which guest images to load. Guest RAM size is not
// configurable here; every guest gets the fixed riscv.GuestSlice.
package bootcfg

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// GuestConfig describes one guest to boot.
type GuestConfig struct {
	Name  string `yaml:"name"`
	Image string `yaml:"image"`
}

// Config is the top-level boot configuration file.
type Config struct {
	Guests []GuestConfig `yaml:"guests"`
}

func (c *Config) normalize() {
	for i := range c.Guests {
		if c.Guests[i].Name == "" {
			c.Guests[i].Name = fmt.Sprintf("guest%d", i)
		}
	}
}

// Load reads and parses a boot config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("bootcfg: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("bootcfg: parse %s: %w", path, err)
	}
	if len(cfg.Guests) == 0 {
		return nil, fmt.Errorf("bootcfg: %s names no guests", path)
	}
	cfg.normalize()
	return &cfg, nil
}
