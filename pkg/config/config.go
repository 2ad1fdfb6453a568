// Package config handles loading and validating the bridge's
// configuration, adapted from the teacher's pkg/config: the same
// default-path search, yaml.v3 unmarshal, and validator.v10 validation,
// reshaped around SPEC_FULL.md §2.2's bridge config instead of the
// teacher's gateway/plugin/AI config.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Default config file search path, in order.
var configPaths = []string{
	"./config.yaml",
	"./config.yml",
	"./uartbridge.yaml",
	"./uartbridge.yml",
	"~/.config/uartbridge/config.yaml",
	"/etc/uartbridge/config.yaml",
}

// Config is the bridge's full configuration (SPEC_FULL.md §2.2): the
// listener bind address, the three runtime tunables from spec.md §6, and
// the ambient logging/metrics stacks.
type Config struct {
	Host string `yaml:"host" validate:"required"`
	Port int    `yaml:"port" validate:"required,min=1,max=65535"`

	EthRecvSize    int `yaml:"eth_recv_size" validate:"min=1"`
	EthPollSeconds int `yaml:"eth_poll_seconds" validate:"min=1"`
	SerRecvSize    int `yaml:"ser_recv_size" validate:"min=1"`

	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// LoggingConfig configures pkg/logger (SPEC_FULL.md §2.1).
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
	Output string `yaml:"output" validate:"oneof=stdout stderr file"`
	File   string `yaml:"file"`
}

// MetricsConfig configures the optional /metrics + /healthz HTTP surface.
type MetricsConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Bind     string        `yaml:"bind"`
	Interval time.Duration `yaml:"interval"`
}

// EthPoll returns the TCP poll interval as a time.Duration.
func (c *Config) EthPoll() time.Duration {
	return time.Duration(c.EthPollSeconds) * time.Second
}

// Load loads configuration from path, or from the first default path that
// exists, or returns DefaultConfig if none is found.
func Load(path string) (*Config, error) {
	if path != "" {
		return loadFile(path)
	}

	for _, p := range configPaths {
		if len(p) > 0 && p[0] == '~' {
			home, err := os.UserHomeDir()
			if err == nil {
				p = filepath.Join(home, p[2:])
			}
		}
		if _, err := os.Stat(p); err == nil {
			return loadFile(p)
		}
	}

	return DefaultConfig(), nil
}

func loadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate validates the configuration.
func Validate(cfg *Config) error {
	validate := validator.New()
	return validate.Struct(cfg)
}

// Save saves configuration to file.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	return os.WriteFile(path, data, 0644)
}

// DefaultConfig mirrors pyuartsocket.py's module-level defaults:
// HOST, PORT = "localhost", 5001, and g_eth_recv_size=8, g_eth_poll=1,
// g_ser_recv_size=1.
func DefaultConfig() *Config {
	return &Config{
		Host:           "localhost",
		Port:           5001,
		EthRecvSize:    8,
		EthPollSeconds: 1,
		SerRecvSize:    1,
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Bind:     ":9090",
			Interval: 10 * time.Second,
		},
	}
}
