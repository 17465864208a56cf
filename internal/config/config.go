// Package config
package config

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// Application holds the license, the reserved tuning keys, and one
	// config block per plugin instance group. It is handed to the agent as
	// live state: config-producing plugins rewrite blocks between cycles.
	Application map[string]any `yaml:"application"`
	Status      StatusConfig   `yaml:"status"`
	Logging     LoggingConfig  `yaml:"logging"`
}

type StatusConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	ReadTimeoutMS  int    `yaml:"read_timeout_ms"`
	WriteTimeoutMS int    `yaml:"write_timeout_ms"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

// Load reads configuration from file and applies environment variable overrides
func Load(configPath string) (*Config, error) {
	cfg := &Config{}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate ensures the configuration can drive a polling session
func (c *Config) Validate() error {
	if len(c.Application) == 0 {
		return fmt.Errorf("application section is required")
	}

	if !c.HasLicenseKey() {
		return fmt.Errorf("license_key is required (set application.license_key or export NEW_RELIC_LICENSE_KEY)")
	}

	if c.Logging.Level != "" && !c.Logging.IsLogLevelValid() {
		return fmt.Errorf("invalid log level %q", c.Logging.Level)
	}

	if c.Status.Enabled && (c.Status.Port < 1 || c.Status.Port > 65535) {
		return fmt.Errorf("status port %d is out of range", c.Status.Port)
	}

	return nil
}

// HasLicenseKey reports whether a license is reachable through either the
// environment or the application section.
func (c *Config) HasLicenseKey() bool {
	if os.Getenv("NEW_RELIC_LICENSE_KEY") != "" || os.Getenv("NEWRELIC_LICENSE_KEY") != "" {
		return true
	}
	key, _ := c.Application["license_key"].(string)
	return key != ""
}

// applyEnvOverrides checks for environment variables with RELICAGENT_ prefix
func applyEnvOverrides(cfg *Config) {
	if cfg.Application == nil {
		cfg.Application = make(map[string]any)
	}

	// Application overrides
	if v := os.Getenv("RELICAGENT_ENDPOINT"); v != "" {
		cfg.Application["endpoint"] = v
	}
	if v := os.Getenv("RELICAGENT_PROXY"); v != "" {
		cfg.Application["proxy"] = v
	}

	// Status server overrides
	if v := os.Getenv("RELICAGENT_STATUS_PORT"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Status.Port)
	}

	// Logging overrides
	if v := os.Getenv("RELICAGENT_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// GetReadTimeout returns the read timeout as a duration
func (s *StatusConfig) GetReadTimeout() time.Duration {
	return time.Duration(s.ReadTimeoutMS) * time.Millisecond
}

// GetWriteTimeout returns the write timeout as a duration
func (s *StatusConfig) GetWriteTimeout() time.Duration {
	return time.Duration(s.WriteTimeoutMS) * time.Millisecond
}

// Addr returns the listen address for the status server
func (s *StatusConfig) Addr() string {
	host := s.Host
	if host == "" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("%s:%d", host, s.Port)
}

// IsLogLevelValid checks if the log level is valid
func (l *LoggingConfig) IsLogLevelValid() bool {
	validLevels := []string{"debug", "info", "warn", "error"}
	return slices.Contains(validLevels, strings.ToLower(l.Level))
}
