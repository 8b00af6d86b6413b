// Package config loads and validates the lanvoice configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Duration wraps time.Duration so YAML values like "10ms" parse.
type Duration time.Duration

// UnmarshalYAML parses a duration from its string form.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML renders the duration in its string form.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config carries every engine tunable. Zero values are filled from
// Default() when loading from file.
type Config struct {
	Audio struct {
		SampleRate    uint32   `yaml:"sample_rate"`
		FrameDuration Duration `yaml:"frame_duration"`
		Channels      int      `yaml:"channels"`
		Codec         string   `yaml:"codec"`
	} `yaml:"audio"`

	Network struct {
		ListenAddr    string `yaml:"listen_addr"`
		DiscoveryPort int    `yaml:"discovery_port"`
	} `yaml:"network"`

	Session struct {
		DisplayName   string   `yaml:"display_name"`
		JoinAttempts  int      `yaml:"join_attempts"`
		InviteTimeout Duration `yaml:"invite_timeout"`
	} `yaml:"session"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
		PrometheusPort    int  `yaml:"prometheus_port"`
	} `yaml:"monitoring"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// Default returns the standard configuration: 48kHz mono 10ms frames over
// the Opus codec, the well-known discovery port, and a join retry ceiling
// of three.
func Default() *Config {
	cfg := &Config{}
	cfg.Audio.SampleRate = 48000
	cfg.Audio.FrameDuration = Duration(10 * time.Millisecond)
	cfg.Audio.Channels = 1
	cfg.Audio.Codec = "opus"
	cfg.Network.ListenAddr = ":0"
	cfg.Network.DiscoveryPort = 41099
	cfg.Session.DisplayName = hostname()
	cfg.Session.JoinAttempts = 3
	cfg.Session.InviteTimeout = Duration(5 * time.Second)
	cfg.Monitoring.PrometheusEnabled = false
	cfg.Monitoring.PrometheusPort = 9109
	cfg.Logging.Level = "info"
	return cfg
}

// Load reads a YAML configuration file over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	switch c.Audio.SampleRate {
	case 8000, 12000, 16000, 24000, 48000:
	default:
		return fmt.Errorf("unsupported sample rate %d", c.Audio.SampleRate)
	}
	if c.Audio.FrameDuration <= 0 {
		return fmt.Errorf("frame duration must be positive, got %s", c.Audio.FrameDuration.Std())
	}
	if c.Audio.Channels != 1 {
		return fmt.Errorf("only mono audio is supported, got %d channels", c.Audio.Channels)
	}
	if c.Session.JoinAttempts < 1 {
		return fmt.Errorf("join attempts must be at least 1, got %d", c.Session.JoinAttempts)
	}
	if c.Session.InviteTimeout <= 0 {
		return fmt.Errorf("invite timeout must be positive, got %s", c.Session.InviteTimeout.Std())
	}
	if c.Network.DiscoveryPort <= 0 || c.Network.DiscoveryPort > 65535 {
		return fmt.Errorf("invalid discovery port %d", c.Network.DiscoveryPort)
	}
	return nil
}

// FrameSize returns the configured frame size in samples.
func (c *Config) FrameSize() int {
	return int(int64(c.Audio.SampleRate) * int64(c.Audio.FrameDuration) / int64(time.Second))
}

// hostname is the default display name source.
func hostname() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "lanvoice"
	}
	return name
}
