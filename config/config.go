// Package config loads the YAML configuration of instrumentsd.
package config

import (
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/guseggert/instruments/device"
	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel    string            `yaml:"log_level"`
	TraceFile   string            `yaml:"trace_file"`
	Session     SessionConfig     `yaml:"session"`
	Instruments InstrumentsConfig `yaml:"instruments"`
	Application ApplicationConfig `yaml:"application"`
	Device      DeviceConfig      `yaml:"device"`
}

type SessionConfig struct {
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	// Port of the command channel. 0 picks a free one.
	Port     int           `yaml:"port"`
	PollWait time.Duration `yaml:"poll_wait"`
}

type InstrumentsConfig struct {
	Version string `yaml:"version"`
	// Path skips the lookup entirely when set.
	Path     string `yaml:"path"`
	Template string `yaml:"template"`
	// ExtraArgs are appended to the tool's command line as given, e.g. ["-e", "NAME", "VALUE"].
	ExtraArgs []string `yaml:"extra_args"`
}

type ApplicationConfig struct {
	Path     string `yaml:"path"`
	BundleID string `yaml:"bundle_id"`
}

type DeviceConfig struct {
	device.Descriptor `yaml:",inline"`

	UDID           string        `yaml:"udid"`
	LockDir        string        `yaml:"lock_dir"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
}

func defaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Session: SessionConfig{
			HandshakeTimeout: 30 * time.Second,
			PollWait:         10 * time.Second,
		},
		Device: DeviceConfig{
			Descriptor: device.Descriptor{
				Type:      device.IPhone,
				Variation: device.Regular,
			},
			LockDir:        os.TempDir(),
			CommandTimeout: time.Minute,
		},
	}
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return defaultConfig()
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Session.HandshakeTimeout <= 0 {
		return fmt.Errorf("session.handshake_timeout must be positive")
	}
	if c.Session.Port < 0 || c.Session.Port > 65535 {
		return fmt.Errorf("session.port %d out of range", c.Session.Port)
	}
	if _, err := device.ParseType(string(c.Device.Type)); err != nil {
		return fmt.Errorf("device.type: %w", err)
	}
	return nil
}

// ExtraArgs returns the configured extra tool arguments, in order.
func (c *Config) ExtraArgs() []string {
	return slices.Clone(c.Instruments.ExtraArgs)
}
