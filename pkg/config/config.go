package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned when a required setting is missing or invalid.
var ErrInvalidConfig = errors.New("invalid configuration")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Config holds the application configuration
type Config struct {
	// Listener settings
	Server ServerConfig `yaml:"server"`

	// Upstream resolver
	Upstream UpstreamConfig `yaml:"upstream"`

	// Block and allow rule files
	Lists ListsConfig `yaml:"lists"`

	// Audit trail of filtering decisions
	Audit AuditConfig `yaml:"audit"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`

	// Telemetry (OTEL)
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds listener settings
type ServerConfig struct {
	Host    string `yaml:"host" validate:"required"`
	DNSPort int    `yaml:"dns_port" validate:"min=1,max=65535"`
	// MaxConcurrentQueries bounds in-flight handlers; 0 means unbounded.
	MaxConcurrentQueries int `yaml:"max_concurrent_queries" validate:"min=0"`
}

// UpstreamConfig holds the upstream resolver settings
type UpstreamConfig struct {
	Address        string               `yaml:"address" validate:"required"`
	Timeout        time.Duration        `yaml:"timeout" validate:"gt=0"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig configures fail-fast behaviour for an unhealthy upstream
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold" validate:"min=0"`
	SuccessThreshold int           `yaml:"success_threshold" validate:"min=0"`
	OpenTimeout      time.Duration `yaml:"open_timeout" validate:"min=0"`
}

// ListsConfig holds block/allow list locations
type ListsConfig struct {
	BlockDir    string `yaml:"block_dir" validate:"required"`
	AllowFile   string `yaml:"allow_file"`
	CustomFile  string `yaml:"custom_file"`  // file name inside BlockDir that receives added domains
	SourcesFile string `yaml:"sources_file"` // one URL per line, used by "lists update"
	Watch       bool   `yaml:"watch"`
}

// AuditConfig holds audit sink settings
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	Backend string `yaml:"backend" validate:"oneof=csv sqlite"`
	Path    string `yaml:"path" validate:"required_if=Enabled true"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level     string `yaml:"level" validate:"oneof=debug info warn error"`
	Format    string `yaml:"format" validate:"oneof=json text"`
	Output    string `yaml:"output" validate:"oneof=stdout stderr file"`
	FilePath  string `yaml:"file_path" validate:"required_if=Output file"`
	AddSource bool   `yaml:"add_source"`
}

// TelemetryConfig holds OpenTelemetry settings
type TelemetryConfig struct {
	Enabled           bool   `yaml:"enabled"`
	ServiceName       string `yaml:"service_name"`
	ServiceVersion    string `yaml:"service_version"`
	PrometheusEnabled bool   `yaml:"prometheus_enabled"`
	PrometheusPort    int    `yaml:"prometheus_port" validate:"min=0,max=65535"`
	TracingEnabled    bool   `yaml:"tracing_enabled"`
}

// Load loads the configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read config file: %v", ErrInvalidConfig, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to parse config YAML: %v", ErrInvalidConfig, err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadWithDefaults creates a configuration with sensible defaults
func LoadWithDefaults() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults sets default values for unset configuration fields
func (c *Config) applyDefaults() {
	// Server defaults
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.DNSPort == 0 {
		c.Server.DNSPort = 53
	}

	// Upstream defaults
	if c.Upstream.Address == "" {
		c.Upstream.Address = "8.8.8.8"
	}
	if c.Upstream.Timeout == 0 {
		c.Upstream.Timeout = 2 * time.Second
	}
	if c.Upstream.CircuitBreaker.FailureThreshold == 0 {
		c.Upstream.CircuitBreaker.FailureThreshold = 5
	}
	if c.Upstream.CircuitBreaker.SuccessThreshold == 0 {
		c.Upstream.CircuitBreaker.SuccessThreshold = 2
	}
	if c.Upstream.CircuitBreaker.OpenTimeout == 0 {
		c.Upstream.CircuitBreaker.OpenTimeout = 30 * time.Second
	}

	// Lists defaults
	if c.Lists.CustomFile == "" {
		c.Lists.CustomFile = "custom.txt"
	}

	// Audit defaults
	if c.Audit.Backend == "" {
		c.Audit.Backend = "csv"
	}

	// Logging defaults
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}

	// Telemetry defaults
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "adward"
	}
	if c.Telemetry.ServiceVersion == "" {
		c.Telemetry.ServiceVersion = "dev"
	}
	if c.Telemetry.PrometheusPort == 0 {
		c.Telemetry.PrometheusPort = 9090
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%w: %s failed on '%s' (value %v)", ErrInvalidConfig, fe.Namespace(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// ListenAddress returns the host:port pair the listener binds to
func (c *Config) ListenAddress() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.DNSPort))
}
