// Package config loads the relay's YAML configuration file, in the style of
// the teacher's generic LoadConfig helper, extended with environment
// variable overrides for the two values §6 requires every deployment to be
// able to set without editing the file: PORT and DB.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Configurable is implemented by every config struct loadable via
// LoadConfig; Check reports whether the parsed values are usable.
type Configurable interface {
	Check() error
}

// LoadConfig reads path as YAML into a zero-valued T and validates the
// result with Check. It does not apply environment variable overrides;
// RelayConfig.ApplyEnv does that as a separate step.
func LoadConfig[T Configurable](path string) (*T, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("could not open configuration file: %w", err)
	}
	defer file.Close()
	var cfg T
	if err := yaml.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("could not parse configuration file: %w", err)
	}
	if err := cfg.Check(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// RelayConfig is the relay entry point's configuration, loadable from a YAML
// file and overridable by the PORT and DB environment variables per §6.
type RelayConfig struct {
	Port     int    `yaml:"port"`
	DB       string `yaml:"db"`
	KeyFile  string `yaml:"keyFile"`
	RelayKey string `yaml:"relayKey"`
}

const (
	DefaultPort = 7447
	DefaultDB   = "./relay-db"
)

// Default returns a RelayConfig with the §6 defaults, before env overrides
// are applied.
func Default() RelayConfig {
	return RelayConfig{Port: DefaultPort, DB: DefaultDB, KeyFile: "relay.key"}
}

// ApplyEnv overrides Port and DB from the PORT and DB environment variables,
// when set, per §6's CLI surface.
func (c *RelayConfig) ApplyEnv() error {
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT environment variable %q: %w", v, err)
		}
		c.Port = port
	}
	if v := os.Getenv("DB"); v != "" {
		c.DB = v
	}
	return nil
}

// Check implements Configurable.
func (c RelayConfig) Check() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.DB == "" {
		return fmt.Errorf("db path must not be empty")
	}
	return nil
}
