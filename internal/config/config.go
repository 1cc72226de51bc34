// ABOUTME: Configuration loading and parsing for avatar-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete avatar-gateway configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Assets     AssetsConfig     `yaml:"assets"`
	Assistant  AssistantConfig  `yaml:"assistant"`
	ImageGen   ImageGenConfig   `yaml:"imagegen"`
	Generation GenerationConfig `yaml:"generation"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AssetsConfig holds generated-image storage configuration
type AssetsConfig struct {
	Dir       string `yaml:"dir"`
	URLPrefix string `yaml:"url_prefix"`
}

// AssistantConfig holds the assistant service connection and run settings
type AssistantConfig struct {
	APIKey       string        `yaml:"api_key"`
	BaseURL      string        `yaml:"base_url"`
	Model        string        `yaml:"model"`
	AssistantID  string        `yaml:"assistant_id"`
	PollInterval time.Duration `yaml:"-"`
	PollAttempts int           `yaml:"poll_max_attempts"`

	// Raw string value for YAML unmarshaling
	PollIntervalRaw string `yaml:"poll_interval"`
}

// ImageGenConfig holds the image generation service connection settings
type ImageGenConfig struct {
	BaseURL      string        `yaml:"base_url"`
	APIKey       string        `yaml:"api_key"`
	SecretKey    string        `yaml:"secret_key"`
	Width        int           `yaml:"width"`
	Height       int           `yaml:"height"`
	PollInterval time.Duration `yaml:"-"`
	PollAttempts int           `yaml:"poll_max_attempts"`

	// Raw string value for YAML unmarshaling
	PollIntervalRaw string `yaml:"poll_interval"`
}

// GenerationConfig holds background job dispatch configuration
type GenerationConfig struct {
	Workers int64 `yaml:"workers"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Assistant.APIKey == "" {
		return fmt.Errorf("assistant.api_key is required")
	}

	if c.ImageGen.BaseURL != "" {
		if c.ImageGen.APIKey == "" {
			return fmt.Errorf("imagegen.api_key is required when imagegen.base_url is set")
		}
		if c.ImageGen.SecretKey == "" {
			return fmt.Errorf("imagegen.secret_key is required when imagegen.base_url is set")
		}
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Assistant.PollIntervalRaw != "" {
		cfg.Assistant.PollInterval, err = time.ParseDuration(cfg.Assistant.PollIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing assistant poll_interval %q: %w", cfg.Assistant.PollIntervalRaw, err)
		}
	}

	if cfg.ImageGen.PollIntervalRaw != "" {
		cfg.ImageGen.PollInterval, err = time.ParseDuration(cfg.ImageGen.PollIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing imagegen poll_interval %q: %w", cfg.ImageGen.PollIntervalRaw, err)
		}
	}

	return nil
}
