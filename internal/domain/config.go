package domain

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Search bounds. The ceiling can never exceed the remote batch limit.
const (
	DefaultMaxResults   = 20
	DefaultResultsLimit = 200
	RemoteBatchLimit    = 200
)

// Config represents the server configuration.
// Connection credentials are deliberately absent: they come from the
// environment through CredentialProvider.
type Config struct {
	Transport TransportConfig `yaml:"transport"`
	Remote    RemoteConfig    `yaml:"remote"`
	Retry     RetryConfig     `yaml:"retry"`
	Search    SearchConfig    `yaml:"search"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// TransportConfig defines transport settings.
// Specifies whether to use stdio or HTTP transport.
type TransportConfig struct {
	Type string     `yaml:"type"` // "stdio" or "http"
	HTTP HTTPConfig `yaml:"http,omitempty"`
}

// HTTPConfig defines HTTP transport settings.
// Only used when transport type is "http".
type HTTPConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// RemoteConfig tunes calls against the Azure DevOps REST API.
type RemoteConfig struct {
	APIVersion string        `yaml:"api_version"`
	Timeout    time.Duration `yaml:"timeout"`
	AuthScheme string        `yaml:"auth_scheme"` // "basic" or "bearer"
}

// RetryConfig bounds automatic retries of transient faults.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

// SearchConfig bounds the size of search results.
type SearchConfig struct {
	DefaultMaxResults int `yaml:"default_max_results"`
	MaxResultsCeiling int `yaml:"max_results_ceiling"`
}

// TelemetryConfig controls OpenTelemetry export.
type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Stdout       bool   `yaml:"stdout"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

// DefaultConfig returns a configuration with every default filled in.
func DefaultConfig() *Config {
	return &Config{
		Transport: TransportConfig{
			Type: "stdio",
			HTTP: HTTPConfig{Host: "127.0.0.1", Port: 8080},
		},
		Remote: RemoteConfig{
			APIVersion: "7.1",
			Timeout:    30 * time.Second,
			AuthScheme: "basic",
		},
		Retry: RetryConfig{
			MaxAttempts:     3,
			InitialInterval: 200 * time.Millisecond,
			MaxInterval:     2 * time.Second,
		},
		Search: SearchConfig{
			DefaultMaxResults: DefaultMaxResults,
			MaxResultsCeiling: DefaultResultsLimit,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "azure-devops-mcp-server",
		},
	}
}

// LoadConfig reads and validates configuration from a YAML file.
// Keys missing from the file keep their defaults. An empty path yields the
// defaults.
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()
	if path == "" {
		return config, nil
	}

	// Read the file
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("configuration file not found: %s", path)
		}
		return nil, fmt.Errorf("failed to read configuration file: %w", err)
	}

	// Parse YAML over the defaults
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("invalid YAML syntax in configuration file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Validate checks the configuration for completeness and correctness.
// Returns an error describing all validation failures.
func (c *Config) Validate() error {
	var errors []string

	if err := c.validateTransport(); err != nil {
		errors = append(errors, err.Error())
	}

	if _, err := ParseAuthScheme(c.Remote.AuthScheme); err != nil {
		errors = append(errors, err.Error())
	}
	if c.Remote.APIVersion == "" {
		errors = append(errors, "remote api_version is required")
	}
	if c.Remote.Timeout <= 0 {
		errors = append(errors, fmt.Sprintf("invalid remote timeout %s: must be positive", c.Remote.Timeout))
	}

	if c.Retry.MaxAttempts < 1 {
		errors = append(errors, fmt.Sprintf("invalid retry max_attempts %d: must be at least 1", c.Retry.MaxAttempts))
	}
	if c.Retry.InitialInterval <= 0 {
		errors = append(errors, "retry initial_interval must be positive")
	}
	if c.Retry.MaxInterval < c.Retry.InitialInterval {
		errors = append(errors, "retry max_interval must not be shorter than initial_interval")
	}

	if c.Search.MaxResultsCeiling < 1 || c.Search.MaxResultsCeiling > RemoteBatchLimit {
		errors = append(errors, fmt.Sprintf("invalid search max_results_ceiling %d: must be between 1 and %d", c.Search.MaxResultsCeiling, RemoteBatchLimit))
	}
	if c.Search.DefaultMaxResults < 1 || c.Search.DefaultMaxResults > c.Search.MaxResultsCeiling {
		errors = append(errors, fmt.Sprintf("invalid search default_max_results %d: must be between 1 and the ceiling", c.Search.DefaultMaxResults))
	}

	if len(errors) > 0 {
		return fmt.Errorf("validation errors: %s", strings.Join(errors, "; "))
	}

	return nil
}

// validateTransport validates the transport configuration.
func (c *Config) validateTransport() error {
	var errors []string

	// Check transport type is specified
	if c.Transport.Type == "" {
		errors = append(errors, "transport type is required")
	} else if c.Transport.Type != "stdio" && c.Transport.Type != "http" {
		errors = append(errors, fmt.Sprintf("invalid transport type '%s': must be 'stdio' or 'http'", c.Transport.Type))
	}

	// If HTTP transport, validate HTTP configuration
	if c.Transport.Type == "http" {
		if c.Transport.HTTP.Host == "" {
			errors = append(errors, "HTTP host is required when transport type is 'http'")
		}
		if c.Transport.HTTP.Port <= 0 || c.Transport.HTTP.Port > 65535 {
			errors = append(errors, fmt.Sprintf("invalid HTTP port %d: must be between 1 and 65535", c.Transport.HTTP.Port))
		}
	}

	if len(errors) > 0 {
		return fmt.Errorf("%s", strings.Join(errors, "; "))
	}

	return nil
}

// Address returns the listen address for the HTTP transport.
func (h HTTPConfig) Address() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}
