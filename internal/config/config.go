// Package config loads the pool server's YAML configuration file and
// overlays CLI flag values on top of it.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/TheBerg/apppool/internal/poolerrors"
)

// Config is the server-wide configuration, loadable from a YAML file
// and overridden by CLI flags.
type Config struct {
	SocketPath string `yaml:"socket_path"`
	// Max is the hard cap on total worker processes across every
	// application; zero means unlimited.
	Max       int `yaml:"max"`
	MaxPerApp int `yaml:"max_per_app"`
	MaxIdleTime time.Duration `yaml:"max_idle_time"`
	MetricsAddr string        `yaml:"metrics_addr"`
	LogLevel    string        `yaml:"log_level"`
	AuthFile    string        `yaml:"auth_file"`
	TraceExporter string      `yaml:"trace_exporter"`
}

// Default returns a Config with the server's built-in defaults.
func Default() Config {
	return Config{
		SocketPath:    "/var/run/apppool/apppool.sock",
		Max:           0,
		MaxPerApp:     6,
		MaxIdleTime:   5 * time.Minute,
		MetricsAddr:   "",
		LogLevel:      "info",
		TraceExporter: "stdout",
	}
}

// Load reads a YAML file at path and merges it over Default().
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, poolerrors.Runtime("read config file").WithContext("path", path).WithCause(err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, poolerrors.Runtime("parse config file").WithContext("path", path).WithCause(err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the configuration for obviously broken values and
// fills in log_level and trace_exporter when they are empty. Other
// zero values are kept as they are.
func (c *Config) Validate() error {
	if c.SocketPath == "" {
		return poolerrors.Runtime("socket_path must not be empty")
	}
	if c.Max < 0 {
		return poolerrors.Runtime("max must not be negative")
	}
	if c.MaxPerApp < 0 {
		return poolerrors.Runtime("max_per_app must not be negative")
	}
	if c.MaxIdleTime < 0 {
		return poolerrors.Runtime("max_idle_time must not be negative")
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.TraceExporter == "" {
		c.TraceExporter = "stdout"
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return poolerrors.Runtime(fmt.Sprintf("unknown log_level %q", c.LogLevel))
	}
	return nil
}
