// Package config loads the daemon configuration. Everything has a default;
// the YAML file and command-line arguments only override.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPort is the TCP port the bridge listens on when none is given.
const DefaultPort = 8752

// Service pre-declares a service in the configuration file. Declared services
// are registered at startup but not started.
type Service struct {
	Name           string            `yaml:"name"`
	Kind           string            `yaml:"kind"`
	Command        string            `yaml:"command,omitempty"`
	Args           []string          `yaml:"args,omitempty"`
	WorkingDir     string            `yaml:"working_dir,omitempty"`
	Env            map[string]string `yaml:"env,omitempty"`
	Endpoint       string            `yaml:"endpoint,omitempty"`
	ConnectionType string            `yaml:"connection_type,omitempty"`
	Description    string            `yaml:"description,omitempty"`
}

// Timeouts carries the wire-facing deadlines. Values are duration strings
// ("180s", "2m"); Normalize parses them into the *Duration fields.
type Timeouts struct {
	Request string `yaml:"request,omitempty"`
	Sweep   string `yaml:"sweep,omitempty"`
	Idle    string `yaml:"idle,omitempty"`

	RequestDuration time.Duration `yaml:"-"`
	SweepDuration   time.Duration `yaml:"-"`
	IdleDuration    time.Duration `yaml:"-"`
}

// Restart carries the reconnection policy for services that exit or drop.
type Restart struct {
	BaseDelay       string `yaml:"base_delay,omitempty"`
	MaxAttempts     int    `yaml:"max_attempts,omitempty"`
	StabilityWindow string `yaml:"stability_window,omitempty"`

	BaseDelayDuration       time.Duration `yaml:"-"`
	StabilityWindowDuration time.Duration `yaml:"-"`
}

// Config is the root configuration document.
type Config struct {
	Listen   string    `yaml:"listen,omitempty"`
	PIDFile  string    `yaml:"pid_file,omitempty"`
	Timeouts Timeouts  `yaml:"timeouts,omitempty"`
	Restart  Restart   `yaml:"restart,omitempty"`
	Services []Service `yaml:"services,omitempty"`
}

// Default returns a configuration with every knob at its built-in value.
func Default() *Config {
	return &Config{
		Listen: fmt.Sprintf("127.0.0.1:%d", DefaultPort),
		Timeouts: Timeouts{
			RequestDuration: 180 * time.Second,
			SweepDuration:   5 * time.Second,
			IdleDuration:    120 * time.Second,
		},
		Restart: Restart{
			MaxAttempts:             5,
			BaseDelayDuration:       5 * time.Second,
			StabilityWindowDuration: 60 * time.Second,
		},
	}
}

// Load reads the YAML file at path on top of the defaults. A missing file is
// not an error; the defaults are returned unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Normalize(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Normalize parses duration strings and validates the declared services.
func (c *Config) Normalize() error {
	if c.Listen == "" {
		c.Listen = fmt.Sprintf("127.0.0.1:%d", DefaultPort)
	}
	if err := parseDuration(c.Timeouts.Request, &c.Timeouts.RequestDuration, "timeouts.request"); err != nil {
		return err
	}
	if err := parseDuration(c.Timeouts.Sweep, &c.Timeouts.SweepDuration, "timeouts.sweep"); err != nil {
		return err
	}
	if err := parseDuration(c.Timeouts.Idle, &c.Timeouts.IdleDuration, "timeouts.idle"); err != nil {
		return err
	}
	if err := parseDuration(c.Restart.BaseDelay, &c.Restart.BaseDelayDuration, "restart.base_delay"); err != nil {
		return err
	}
	if err := parseDuration(c.Restart.StabilityWindow, &c.Restart.StabilityWindowDuration, "restart.stability_window"); err != nil {
		return err
	}
	if c.Restart.MaxAttempts <= 0 {
		c.Restart.MaxAttempts = 5
	}

	for i, svc := range c.Services {
		if svc.Name == "" {
			return fmt.Errorf("services[%d]: missing name", i)
		}
		switch svc.Kind {
		case "local":
			if svc.Command == "" {
				return fmt.Errorf("services[%d] %q: local service requires a command", i, svc.Name)
			}
		case "remote":
			if svc.Endpoint == "" {
				return fmt.Errorf("services[%d] %q: remote service requires an endpoint", i, svc.Name)
			}
		default:
			return fmt.Errorf("services[%d] %q: unknown kind %q", i, svc.Name, svc.Kind)
		}
	}
	return nil
}

func parseDuration(raw string, dst *time.Duration, field string) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("%s: invalid duration %q", field, raw)
	}
	if d <= 0 {
		return fmt.Errorf("%s: duration must be positive", field)
	}
	*dst = d
	return nil
}
