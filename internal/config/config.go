// Package config handles loading, parsing, and validating the YAML
// configuration file for the nicolive CLI, with environment variable
// overrides for secrets.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nicolive-tools/nicolive-go/internal/watch"
)

// DefaultConfigPath is checked when no --config flag is given.
const DefaultConfigPath = "nicolive.yaml"

// Config is the full CLI configuration.
type Config struct {
	// UserSession is the login cookie value. Empty means anonymous.
	UserSession string `yaml:"user_session"`

	Stream  StreamConfig  `yaml:"stream"`
	History HistoryConfig `yaml:"history"`
	Log     LogConfig     `yaml:"log"`
}

// StreamConfig controls the optional media stream request sent on the
// watch channel.
type StreamConfig struct {
	Enabled bool   `yaml:"enabled"`
	Quality string `yaml:"quality"`
	Latency string `yaml:"latency"`
}

// HistoryConfig controls the backward fetch issued at startup.
type HistoryConfig struct {
	// Segments is how many backward pages to pull before tailing live;
	// 0 disables the startup fetch.
	Segments int `yaml:"segments"`
	// Delay is the pause between page fetches.
	Delay time.Duration `yaml:"delay"`
}

// LogConfig controls console and file logging.
type LogConfig struct {
	Level   string `yaml:"level"`
	Dir     string `yaml:"dir"`
	NoColor bool   `yaml:"no_color"`
}

// Load reads a config file and overlays environment variables. A
// missing file at the default path is not an error; flags and env
// cover everything.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	case os.IsNotExist(err) && path == DefaultConfigPath:
	default:
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Stream.Quality == "" {
		cfg.Stream.Quality = string(watch.QualityAbr)
	}
	if cfg.Stream.Latency == "" {
		cfg.Stream.Latency = string(watch.LatencyLow)
	}
	if cfg.History.Delay == 0 {
		cfg.History.Delay = time.Second
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "INFO"
	}
}

// applyEnvOverrides overlays environment variables for secrets.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("NICONICO_SESSION"); v != "" {
		cfg.UserSession = v
	}
	if v := os.Getenv("NICOLIVE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

// Validate checks the configuration for common errors.
func Validate(cfg *Config) error {
	if cfg.Stream.Enabled {
		if !watch.StreamQuality(cfg.Stream.Quality).Valid() {
			return fmt.Errorf("stream.quality %q is not a known quality", cfg.Stream.Quality)
		}
		if !watch.Latency(cfg.Stream.Latency).Valid() {
			return fmt.Errorf("stream.latency %q must be low or high", cfg.Stream.Latency)
		}
	}
	if cfg.History.Segments < 0 {
		return fmt.Errorf("history.segments must not be negative")
	}
	if cfg.History.Delay < 0 {
		return fmt.Errorf("history.delay must not be negative")
	}
	return nil
}

// StreamRequest converts the stream section into a watch channel
// request, or nil when disabled.
func (c *Config) StreamRequest() *watch.StreamRequest {
	if !c.Stream.Enabled {
		return nil
	}
	return &watch.StreamRequest{
		Quality: watch.StreamQuality(c.Stream.Quality),
		Latency: watch.Latency(c.Stream.Latency),
	}
}
