// Package config loads the CLI-level configuration file. The library
// itself is configured through builders; this package only translates a
// TOML file (plus an environment override for the host) into builder
// inputs.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/amrlink/amrlink/pkg/amrlink"
)

// EnvHost is the environment variable that overrides the configured
// robot host.
const EnvHost = "AMRLINK_HOST"

// Duration is a time.Duration that unmarshals from TOML strings like
// "5s" or "250ms".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the plain time.Duration value.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the top-level configuration loaded from a TOML file.
type Config struct {
	// Host is the robot's IP address or hostname.
	Host string `toml:"host"`

	Ports PortsConfig `toml:"ports"`
	Push  PushConfig  `toml:"push"`

	DialTimeout Duration `toml:"dial_timeout"`
	CallTimeout Duration `toml:"call_timeout"`

	// MaxPayloadBytes bounds the payload length accepted from the robot.
	MaxPayloadBytes uint32 `toml:"max_payload_bytes"`
}

// PortsConfig maps each command category to its TCP port.
type PortsConfig struct {
	Status  int `toml:"status"`
	Control int `toml:"control"`
	Task    int `toml:"task"`
	Config  int `toml:"config"`
	Other   int `toml:"other"`
	Push    int `toml:"push"`
}

// PushConfig tunes the push listener's per-subscriber buffering.
type PushConfig struct {
	BufferSize int `toml:"buffer_size"`
	// OverflowPolicy is "drop-newest" or "drop-oldest".
	OverflowPolicy string `toml:"overflow_policy"`
}

// Default returns the configuration used when no file is present: the
// robot's stock port assignment and the library's default timeouts.
func Default() Config {
	ports := amrlink.DefaultPorts()
	return Config{
		Ports: PortsConfig{
			Status:  ports.Status,
			Control: ports.Control,
			Task:    ports.Task,
			Config:  ports.Config,
			Other:   ports.Other,
			Push:    ports.Push,
		},
		Push: PushConfig{
			BufferSize:     amrlink.DefaultPushBuffer,
			OverflowPolicy: amrlink.DropNewest.String(),
		},
		DialTimeout:     Duration(amrlink.DefaultDialTimeout),
		CallTimeout:     Duration(amrlink.DefaultCallTimeout),
		MaxPayloadBytes: 0, // library default
	}
}

// Load reads a TOML file over the defaults. A missing file is an
// error; callers that treat the file as optional should check for it
// first. The AMRLINK_HOST environment variable, when set, overrides the
// configured host.
func Load(path string) (Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: loading %s: %w", path, err)
	}
	cfg.applyEnv()
	return cfg, nil
}

// FromEnv returns the defaults with environment overrides applied, for
// running without any configuration file.
func FromEnv() Config {
	cfg := Default()
	cfg.applyEnv()
	return cfg
}

func (c *Config) applyEnv() {
	if host := os.Getenv(EnvHost); host != "" {
		c.Host = host
	}
}

// Validate checks the configuration for values the builders would
// reject.
func (c Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("config: host is required (set host in the file or %s)", EnvHost)
	}
	if _, err := c.Policy(); err != nil {
		return err
	}
	return nil
}

// RobotPorts converts the port section to the library's Ports value.
func (c Config) RobotPorts() amrlink.Ports {
	return amrlink.Ports{
		Status:  c.Ports.Status,
		Control: c.Ports.Control,
		Task:    c.Ports.Task,
		Config:  c.Ports.Config,
		Other:   c.Ports.Other,
		Push:    c.Ports.Push,
	}
}

// Policy parses the configured overflow policy name.
func (c Config) Policy() (amrlink.OverflowPolicy, error) {
	switch c.Push.OverflowPolicy {
	case "", amrlink.DropNewest.String():
		return amrlink.DropNewest, nil
	case amrlink.DropOldest.String():
		return amrlink.DropOldest, nil
	default:
		return 0, fmt.Errorf("config: unknown overflow policy %q", c.Push.OverflowPolicy)
	}
}
