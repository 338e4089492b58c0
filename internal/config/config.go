// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-p11engine.
//
// go-p11engine is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jeremyhahn/go-p11engine/pkg/pin"
	"github.com/jeremyhahn/go-p11engine/pkg/uri"
)

// Config represents the complete engine configuration
type Config struct {
	// Module is the path to the PKCS#11 shared object.
	Module string `yaml:"module"`

	// ReadWrite opens read/write sessions.
	ReadWrite bool `yaml:"read_write"`

	// PIN is the user PIN. Prefer PINFile; a PIN in a config file is
	// readable by anyone who can read the file.
	PIN string `yaml:"pin"`

	// PINFile names a file whose first line is the user PIN.
	PINFile string `yaml:"pin_file"`

	// ForceLogin logs in before every lookup.
	ForceLogin bool `yaml:"force_login"`

	// LoginInterval is the minimum spacing between login attempts.
	// Zero disables throttling.
	LoginInterval time.Duration `yaml:"login_interval"`

	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// LoggingConfig controls logging behavior
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls metric collection
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns a configuration that logs warnings as text and
// collects metrics.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "warn",
			Format: "text",
		},
		Metrics: MetricsConfig{Enabled: true},
	}
}

// Load reads configuration from a YAML file and applies environment variable overrides
func Load(path string) (*Config, error) {
	// #nosec G304 - Config file path is provided by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the configuration
func applyEnvOverrides(cfg *Config) {
	if module := os.Getenv("P11ENGINE_MODULE"); module != "" {
		cfg.Module = module
	}
	if p := os.Getenv("P11ENGINE_PIN"); p != "" {
		cfg.PIN = p
	}
	if pinFile := os.Getenv("P11ENGINE_PIN_FILE"); pinFile != "" {
		cfg.PINFile = pinFile
	}
	if force := os.Getenv("P11ENGINE_FORCE_LOGIN"); force != "" {
		v, err := strconv.ParseBool(force)
		if err != nil {
			log.Printf("Warning: invalid P11ENGINE_FORCE_LOGIN value %q, using %t: %v",
				force, cfg.ForceLogin, err)
		} else {
			cfg.ForceLogin = v
		}
	}
	if interval := os.Getenv("P11ENGINE_LOGIN_INTERVAL"); interval != "" {
		d, err := time.ParseDuration(interval)
		if err != nil {
			log.Printf("Warning: invalid P11ENGINE_LOGIN_INTERVAL value %q, using %s: %v",
				interval, cfg.LoginInterval, err)
		} else {
			cfg.LoginInterval = d
		}
	}

	if level := os.Getenv("P11ENGINE_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if format := os.Getenv("P11ENGINE_LOG_FORMAT"); format != "" {
		cfg.Logging.Format = format
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Module == "" {
		return fmt.Errorf("module must be specified")
	}
	if c.PIN != "" && c.PINFile != "" {
		return fmt.Errorf("pin and pin_file are mutually exclusive")
	}
	if len(c.PIN) > pin.MaxLength {
		return fmt.Errorf("pin exceeds %d bytes", pin.MaxLength)
	}
	if c.LoginInterval < 0 {
		return fmt.Errorf("invalid login_interval: %s", c.LoginInterval)
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "warning": true, "error": true,
	}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validFormats := map[string]bool{
		"json": true, "text": true,
	}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		return fmt.Errorf("invalid log format: %s (must be json or text)", c.Logging.Format)
	}
	return nil
}

// UserPIN returns the configured PIN, reading PINFile when set. It returns
// nil when neither is configured. The caller owns the buffer.
func (c *Config) UserPIN() (*pin.Buffer, error) {
	switch {
	case c.PINFile != "":
		p, err := uri.ReadPINFile(c.PINFile)
		if err != nil {
			return nil, err
		}
		defer pin.Zero(p)
		return pin.New(p)
	case c.PIN != "":
		return pin.FromString(c.PIN)
	}
	return nil, nil
}
