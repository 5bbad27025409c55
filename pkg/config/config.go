// Package config loads the server configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "30s" decode.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Config contains the launcher configuration. Fields the YAML file does not
// set keep their defaults; a value the file sets explicitly, zero included,
// replaces the default. Flags may override individual values afterwards.
type Config struct {
	ListenAddr   string   `yaml:"listen_addr"`
	AdminAddr    string   `yaml:"admin_addr"`
	LogLevel     string   `yaml:"log_level"`
	SnapshotPath string   `yaml:"snapshot_path"`
	IdleTimeout  Duration `yaml:"idle_timeout"`
	MaxLineBytes int      `yaml:"max_line_bytes"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		ListenAddr:   ":8888",
		AdminAddr:    ":9090",
		LogLevel:     "info",
		IdleTimeout:  Duration(5 * time.Minute),
		MaxLineBytes: 1 << 20,
	}
}

// Load reads a YAML config file and merges it over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}
