// Package config provides configuration loading for the runbook API server.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	RunbooksDir   string              `yaml:"runbooks_dir"`
	Script        ScriptConfig        `yaml:"script"`
	Auth          AuthConfig          `yaml:"auth"`
	Observability ObservabilityConfig `yaml:"observability"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`

	// items is the ordered audit snapshot built at load time.
	items []Item
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// BaseURL is the externally reachable URL of this server. It is injected
	// into executing scripts as RUNBOOK_URL so they can call back into the
	// execution API.
	BaseURL string `yaml:"base_url"`
}

// ScriptConfig holds script execution resource limits.
type ScriptConfig struct {
	// TimeoutSeconds is the hard wall-clock budget for a single script run.
	TimeoutSeconds int `yaml:"timeout_seconds"`
	// MaxOutputBytes caps captured stdout and stderr, each independently.
	MaxOutputBytes int `yaml:"max_output_bytes"`
	// MaxRecursionDepth bounds the runbook-calls-runbook chain length.
	MaxRecursionDepth int `yaml:"max_recursion_depth"`
	// Shell is the interpreter the script file is handed to.
	Shell string `yaml:"shell"`
}

// AuthConfig holds JWT authentication configuration.
type AuthConfig struct {
	SecretKey  string `yaml:"secret_key"`
	Issuer     string `yaml:"issuer"`
	Audience   string `yaml:"audience"`
	TTLMinutes int    `yaml:"ttl_minutes"`
	// EnableLogin exposes the dev-login token minting endpoint. Never enable
	// outside local development.
	EnableLogin bool `yaml:"enable_login"`
}

// ObservabilityConfig holds logging and metrics configuration.
type ObservabilityConfig struct {
	Logging        LoggingConfig `yaml:"logging"`
	MetricsEnabled bool          `yaml:"metrics_enabled"`
}

// LoggingConfig holds logger configuration.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	OutputPath string `yaml:"output_path,omitempty"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	Enabled bool `yaml:"enabled"`
	// RequestsPerMinute applies to all API operations by default.
	RequestsPerMinute int `yaml:"requests_per_minute"`
	// ExecutePerMinute is the stricter budget for the execute operation.
	ExecutePerMinute int `yaml:"execute_per_minute"`
}

// Item records one effective configuration value and where it came from.
// Secrets are masked before recording. The ordered item list is embedded
// into every history record for audit.
type Item struct {
	Name   string `json:"name" yaml:"name"`
	Value  string `json:"value" yaml:"value"`
	Source string `json:"from" yaml:"from"`
}

// Defaults for script execution limits. Non-positive configured values fall
// back to these rather than failing.
const (
	DefaultTimeoutSeconds    = 600
	DefaultMaxOutputBytes    = 10 * 1024 * 1024
	DefaultMaxRecursionDepth = 5
	DefaultShell             = "/bin/sh"
)

// Load loads configuration from a YAML file with environment variable
// substitution. An empty path falls back to $CONFIG_PATH, then config.yaml.
// A missing file yields a default configuration rather than an error, so the
// CLI works without any config at all.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
		if path == "" {
			path = "config.yaml"
		}
	}

	var cfg Config

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		substituted := substituteEnvVars(string(data))
		if err := yaml.Unmarshal([]byte(substituted), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	case os.IsNotExist(err) && !explicit:
		// No config file: run on defaults.
	default:
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	cfg.buildItems()

	return &cfg, nil
}

// envVarPattern matches ${VAR_NAME} and ${VAR_NAME:-default} patterns.
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// substituteEnvVars replaces ${VAR} and ${VAR:-default} with environment
// values. Comment lines are left untouched. Missing variables without a
// default become empty strings.
func substituteEnvVars(content string) string {
	lines := strings.Split(content, "\n")

	for i, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "#") {
			continue
		}

		lines[i] = envVarPattern.ReplaceAllStringFunc(line, func(match string) string {
			parts := envVarPattern.FindStringSubmatch(match)
			if value := os.Getenv(parts[1]); value != "" {
				return value
			}

			return parts[2]
		})
	}

	return strings.Join(lines, "\n")
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}

	if c.Server.Port == 0 {
		c.Server.Port = 8083
	}

	if c.Server.BaseURL == "" {
		c.Server.BaseURL = fmt.Sprintf("http://localhost:%d", c.Server.Port)
	}

	if c.RunbooksDir == "" {
		c.RunbooksDir = "./samples/runbooks"
	}

	if c.Script.TimeoutSeconds <= 0 {
		c.Script.TimeoutSeconds = DefaultTimeoutSeconds
	}

	if c.Script.MaxOutputBytes <= 0 {
		c.Script.MaxOutputBytes = DefaultMaxOutputBytes
	}

	if c.Script.MaxRecursionDepth <= 0 {
		c.Script.MaxRecursionDepth = DefaultMaxRecursionDepth
	}

	if c.Script.Shell == "" {
		c.Script.Shell = DefaultShell
	}

	if c.Auth.SecretKey == "" {
		c.Auth.SecretKey = "dev-secret-change-me"
	}

	if c.Auth.Issuer == "" {
		c.Auth.Issuer = "dev-idp"
	}

	if c.Auth.Audience == "" {
		c.Auth.Audience = "dev-api"
	}

	if c.Auth.TTLMinutes == 0 {
		c.Auth.TTLMinutes = 480
	}

	if c.Observability.Logging.Level == "" {
		c.Observability.Logging.Level = "info"
	}

	if c.Observability.Logging.Format == "" {
		c.Observability.Logging.Format = "text"
	}

	if c.RateLimit.RequestsPerMinute == 0 {
		c.RateLimit.RequestsPerMinute = 60
	}

	if c.RateLimit.ExecutePerMinute == 0 {
		c.RateLimit.ExecutePerMinute = 10
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.RunbooksDir == "" {
		return errors.New("runbooks_dir is required")
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}

	return nil
}

// buildItems records the effective values of the engine-relevant settings in
// a stable order. The JWT secret is masked.
func (c *Config) buildItems() {
	add := func(name, value string, isDefault bool) {
		source := "config"
		if isDefault {
			source = "default"
		}

		c.items = append(c.items, Item{Name: name, Value: value, Source: source})
	}

	add("RUNBOOKS_DIR", c.RunbooksDir, c.RunbooksDir == "./samples/runbooks")
	add("SCRIPT_TIMEOUT_SECONDS", strconv.Itoa(c.Script.TimeoutSeconds), c.Script.TimeoutSeconds == DefaultTimeoutSeconds)
	add("MAX_OUTPUT_SIZE_BYTES", strconv.Itoa(c.Script.MaxOutputBytes), c.Script.MaxOutputBytes == DefaultMaxOutputBytes)
	add("MAX_RECURSION_DEPTH", strconv.Itoa(c.Script.MaxRecursionDepth), c.Script.MaxRecursionDepth == DefaultMaxRecursionDepth)
	add("SHELL", c.Script.Shell, c.Script.Shell == DefaultShell)
	add("API_PORT", strconv.Itoa(c.Server.Port), c.Server.Port == 8083)
	add("BASE_URL", c.Server.BaseURL, false)
	add("JWT_ISSUER", c.Auth.Issuer, c.Auth.Issuer == "dev-idp")
	add("JWT_AUDIENCE", c.Auth.Audience, c.Auth.Audience == "dev-api")
	add("JWT_SECRET", "secret", false)
	add("ENABLE_LOGIN", strconv.FormatBool(c.Auth.EnableLogin), !c.Auth.EnableLogin)
	add("RATE_LIMIT_ENABLED", strconv.FormatBool(c.RateLimit.Enabled), !c.RateLimit.Enabled)
	add("LOGGING_LEVEL", c.Observability.Logging.Level, c.Observability.Logging.Level == "info")
}

// Items returns the ordered audit snapshot of the effective configuration.
// Secret values are masked.
func (c *Config) Items() []Item {
	return c.items
}
