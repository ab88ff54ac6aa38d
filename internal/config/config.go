// Package config provides configuration management for the mjapi tools
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/alexbotov/mjapi/internal/logger"
	"github.com/alexbotov/mjapi/pkg/mjapi"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the mjapi binary
type Config struct {
	Client  ClientConfig  `yaml:"client"`
	Mock    MockConfig    `yaml:"mock"`
	Bridge  BridgeConfig  `yaml:"bridge"`
	Logging LoggingConfig `yaml:"logging"`
}

// ClientConfig holds the MJAPI client settings used by the bridge
type ClientConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"-"`
	Name    string        `yaml:"name"`
	Secret  string        `yaml:"secret"`

	TimeoutRaw string `yaml:"timeout"`
}

// MockConfig holds the mock MJAPI server settings
type MockConfig struct {
	Addr        string        `yaml:"addr"`
	Driver      string        `yaml:"driver"`
	DSN         string        `yaml:"dsn"`
	JWTSecret   string        `yaml:"jwt_secret"`
	TokenExpiry time.Duration `yaml:"-"`
	Models      []string      `yaml:"models"`
	QueryLimit  int           `yaml:"query_limit"`

	TokenExpiryRaw string `yaml:"token_expiry"`
}

// BridgeConfig holds the websocket relay settings
type BridgeConfig struct {
	Addr  string `yaml:"addr"`
	Model string `yaml:"model"`
	Bound int    `yaml:"bound"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
	Compress   bool   `yaml:"compress"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	log := logger.DefaultLogConfig()
	return &Config{
		Client: ClientConfig{
			BaseURL: "http://localhost:8081",
			Timeout: mjapi.DefaultTimeout,
		},
		Mock: MockConfig{
			Addr:        ":8081",
			Driver:      "sqlite",
			DSN:         ":memory:",
			JWTSecret:   "mjapi-dev-secret-change-in-production",
			TokenExpiry: 24 * time.Hour,
			Models:      []string{"mortal", "mortal-v4"},
			QueryLimit:  1000,
		},
		Bridge: BridgeConfig{
			Addr:  ":8082",
			Model: "mortal",
			Bound: 3,
		},
		Logging: LoggingConfig{
			Level:      log.Level,
			Format:     log.Format,
			MaxSize:    log.MaxSize,
			MaxBackups: log.MaxBackups,
			MaxAge:     log.MaxAge,
			Compress:   log.Compress,
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file at
// path and MJAPI_* environment variables, in that order of precedence.
// ${VAR} references inside the file are expanded.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyEnv(cfg)

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Logger converts the logging section for internal/logger
func (c *Config) Logger() logger.LogConfig {
	return logger.LogConfig{
		Level:      c.Logging.Level,
		Format:     c.Logging.Format,
		FilePath:   c.Logging.File,
		MaxSize:    c.Logging.MaxSize,
		MaxBackups: c.Logging.MaxBackups,
		MaxAge:     c.Logging.MaxAge,
		Compress:   c.Logging.Compress,
	}
}

// Validate checks the fields each mode depends on
func (c *Config) Validate() error {
	if c.Client.BaseURL == "" {
		return fmt.Errorf("client.base_url is required")
	}
	if c.Client.Timeout <= 0 {
		return fmt.Errorf("client.timeout must be positive")
	}
	switch c.Mock.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("mock.driver %q is not supported (sqlite, postgres)", c.Mock.Driver)
	}
	if len(c.Mock.JWTSecret) < 16 {
		return fmt.Errorf("mock.jwt_secret must be at least 16 bytes")
	}
	if len(c.Mock.Models) == 0 {
		return fmt.Errorf("mock.models must not be empty")
	}
	if c.Bridge.Bound < 0 {
		return fmt.Errorf("bridge.bound must not be negative")
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Client.BaseURL = getEnv("MJAPI_BASE_URL", cfg.Client.BaseURL)
	cfg.Client.TimeoutRaw = getEnv("MJAPI_TIMEOUT", cfg.Client.TimeoutRaw)
	cfg.Client.Name = getEnv("MJAPI_NAME", cfg.Client.Name)
	cfg.Client.Secret = getEnv("MJAPI_SECRET", cfg.Client.Secret)

	cfg.Mock.Addr = getEnv("MJAPI_MOCK_ADDR", cfg.Mock.Addr)
	cfg.Mock.Driver = getEnv("MJAPI_DB_DRIVER", cfg.Mock.Driver)
	cfg.Mock.DSN = getEnv("MJAPI_DB_DSN", cfg.Mock.DSN)
	cfg.Mock.JWTSecret = getEnv("MJAPI_JWT_SECRET", cfg.Mock.JWTSecret)
	if v := getEnv("MJAPI_QUERY_LIMIT", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Mock.QueryLimit = n
		}
	}

	cfg.Bridge.Addr = getEnv("MJAPI_BRIDGE_ADDR", cfg.Bridge.Addr)
	cfg.Bridge.Model = getEnv("MJAPI_BRIDGE_MODEL", cfg.Bridge.Model)

	cfg.Logging.Level = getEnv("MJAPI_LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getEnv("MJAPI_LOG_FORMAT", cfg.Logging.Format)
}

// expandEnvVars replaces ${VAR_NAME} patterns with environment values
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(re.FindStringSubmatch(match)[1])
	})
}

func parseDurations(cfg *Config) error {
	var err error

	if cfg.Client.TimeoutRaw != "" {
		cfg.Client.Timeout, err = time.ParseDuration(cfg.Client.TimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing client.timeout %q: %w", cfg.Client.TimeoutRaw, err)
		}
	}

	if cfg.Mock.TokenExpiryRaw != "" {
		cfg.Mock.TokenExpiry, err = time.ParseDuration(cfg.Mock.TokenExpiryRaw)
		if err != nil {
			return fmt.Errorf("parsing mock.token_expiry %q: %w", cfg.Mock.TokenExpiryRaw, err)
		}
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}
