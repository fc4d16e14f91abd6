// ABOUTME: Configuration loading and parsing for mcp-router
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete mcp-router configuration
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Database  DatabaseConfig   `yaml:"database"`
	Auth      AuthConfig       `yaml:"auth"`
	Logging   LoggingConfig    `yaml:"logging"`
	Upstreams []UpstreamConfig `yaml:"upstreams"`
}

// ServerConfig holds the HTTP front door configuration
type ServerConfig struct {
	Addr string `yaml:"addr"`

	// CallTimeout bounds a single upstream call; parsed from call_timeout.
	CallTimeoutRaw string        `yaml:"call_timeout"`
	CallTimeout    time.Duration `yaml:"-"`

	// ShutdownGrace bounds how long in-flight calls may drain on shutdown.
	ShutdownGraceRaw string        `yaml:"shutdown_grace"`
	ShutdownGrace    time.Duration `yaml:"-"`

	// MaxStreams caps concurrent SSE relays across all callers.
	MaxStreams int `yaml:"max_streams"`
}

// DatabaseConfig holds SQLite database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds caller authentication configuration.
// Both fields are optional; with neither set, requests pass through
// unauthenticated and metering relies on caller-supplied user ids.
type AuthConfig struct {
	// JWTSecret enables HS256 bearer JWT verification when set.
	JWTSecret string `yaml:"jwt_secret"`
	// RequireToken rejects requests whose bearer token resolves to no user.
	RequireToken bool `yaml:"require_token"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// UpstreamConfig declares one backend MCP server.
type UpstreamConfig struct {
	Name         string   `yaml:"name"`
	Kind         string   `yaml:"kind"` // "stdio" or "http"
	Command      string   `yaml:"command"`
	Args         []string `yaml:"args"`
	URL          string   `yaml:"url"`
	Bearer       string   `yaml:"bearer"`
	ProviderSlug string   `yaml:"provider_slug"`
}

// Defaults applied when the corresponding fields are absent.
const (
	DefaultAddr          = "127.0.0.1:8848"
	DefaultCallTimeout   = 30 * time.Second
	DefaultShutdownGrace = 10 * time.Second
	DefaultMaxStreams    = 64
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultAddr
	}
	if c.Server.MaxStreams == 0 {
		c.Server.MaxStreams = DefaultMaxStreams
	}
	if c.Server.CallTimeoutRaw == "" {
		c.Server.CallTimeout = DefaultCallTimeout
	}
	if c.Server.ShutdownGraceRaw == "" {
		c.Server.ShutdownGrace = DefaultShutdownGrace
	}
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	seen := make(map[string]bool)
	for i, up := range c.Upstreams {
		if up.Name == "" {
			return fmt.Errorf("upstreams[%d]: name is required", i)
		}
		if seen[up.Name] {
			return fmt.Errorf("upstreams[%d]: duplicate name %q", i, up.Name)
		}
		seen[up.Name] = true

		switch up.Kind {
		case "stdio":
			if up.Command == "" {
				return fmt.Errorf("upstream %q: command is required for stdio kind", up.Name)
			}
		case "http":
			if up.URL == "" {
				return fmt.Errorf("upstream %q: url is required for http kind", up.Name)
			}
		default:
			return fmt.Errorf("upstream %q: kind must be \"stdio\" or \"http\", got %q", up.Name, up.Kind)
		}
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Server.CallTimeoutRaw != "" {
		cfg.Server.CallTimeout, err = time.ParseDuration(cfg.Server.CallTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing call_timeout %q: %w", cfg.Server.CallTimeoutRaw, err)
		}
	}

	if cfg.Server.ShutdownGraceRaw != "" {
		cfg.Server.ShutdownGrace, err = time.ParseDuration(cfg.Server.ShutdownGraceRaw)
		if err != nil {
			return fmt.Errorf("parsing shutdown_grace %q: %w", cfg.Server.ShutdownGraceRaw, err)
		}
	}

	return nil
}
