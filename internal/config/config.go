package config

import (
	"fmt"
	"time"
)

// Config holds the process-level settings for the nosql server.
type Config struct {
	// ProfilesPath is the path to the YAML file describing connection profiles
	ProfilesPath string

	// WatchProfiles restarts all profiles when the profiles file changes
	WatchProfiles bool

	// MetricsAddr is the listen address of the introspection server (/metrics, /healthz, /profiles)
	MetricsAddr string

	// LogLevel is the logging level (debug, info, warn, error)
	LogLevel string

	// HealthInterval is how often active profiles are pinged. Zero disables health checks.
	HealthInterval time.Duration

	// ShutdownTimeout bounds the time spent stopping components
	ShutdownTimeout time.Duration

	// TracingEnabled indicates whether OpenTelemetry tracing is enabled
	TracingEnabled bool

	// TracingEndpoint is the OTLP gRPC endpoint for trace export
	TracingEndpoint string

	// TracingTLSCAPath is the path to the CA certificate for TLS verification
	TracingTLSCAPath string

	// TracingTLSInsecure skips certificate verification of the OTLP endpoint
	TracingTLSInsecure bool

	// LogFile, when set, writes logs to a rotating file instead of stdout/stderr
	LogFile string
}

// Default returns a Config populated with the server defaults.
func Default() *Config {
	return &Config{
		MetricsAddr:     ":9090",
		LogLevel:        "info",
		HealthInterval:  30 * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.ProfilesPath == "" {
		return NewConfigError("ProfilesPath must not be empty")
	}

	if c.MetricsAddr == "" {
		return NewConfigError("MetricsAddr must not be empty")
	}

	if c.HealthInterval < 0 {
		return NewConfigError("HealthInterval must not be negative")
	}

	if c.ShutdownTimeout < time.Second {
		return NewConfigError(fmt.Sprintf("ShutdownTimeout must be at least 1s, got %s", c.ShutdownTimeout))
	}

	if c.TracingEnabled && c.TracingEndpoint == "" {
		return NewConfigError("TracingEndpoint must be set when tracing is enabled")
	}

	return nil
}

// ConfigError represents a configuration error
type ConfigError struct {
	message string
}

// NewConfigError creates a new configuration error
func NewConfigError(message string) *ConfigError {
	return &ConfigError{message: message}
}

// Error returns the error message
func (e *ConfigError) Error() string {
	return e.message
}
