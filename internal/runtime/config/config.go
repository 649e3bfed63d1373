package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
)

// Config groups the settings required to run the rabbitscope server. Every
// field can be supplied through the environment; FromEnv applies the tag
// defaults for anything left unset.
type Config struct {
	// HTTPAddress is the listen address of the REST and WebSocket API.
	HTTPAddress string `env:"RABBITSCOPE_HTTP_ADDR,default=:8000"`

	// CORSAllowedOrigins specifies allowed origins for CORS. Use "*" for development
	// or specific origins like "https://example.com" for production. Empty disables CORS headers.
	// ENV: RABBITSCOPE_CORS_ORIGINS, separated by ";".
	CORSAllowedOrigins []string `env:"RABBITSCOPE_CORS_ORIGINS,default=*"`

	// Metrics configuration.
	MetricsEnabled bool `env:"RABBITSCOPE_METRICS_ENABLED,default=true"`
	// MetricsPort is the port where Prometheus metrics will be exposed.
	MetricsPort int `env:"RABBITSCOPE_METRICS_PORT,default=9090"`

	// DatabasePath is the SQLite file holding connection profiles.
	// Use ":memory:" for an in-memory database (useful for testing).
	DatabasePath string `env:"RABBITSCOPE_DB_PATH,default=rabbitscope.db"`
	// EncryptionSecret derives the key used to encrypt stored broker passwords.
	EncryptionSecret string `env:"RABBITSCOPE_ENCRYPTION_SECRET"`

	// StreamBufferSize bounds the event channel of auto-ack sessions.
	StreamBufferSize int `env:"RABBITSCOPE_STREAM_BUFFER,default=64"`
	// SetupTimeout bounds dial, channel open and the passive queue check.
	SetupTimeout time.Duration `env:"RABBITSCOPE_SETUP_TIMEOUT,default=10s"`
	// ShutdownGrace bounds worker teardown after a stop request.
	ShutdownGrace time.Duration `env:"RABBITSCOPE_SHUTDOWN_GRACE,default=5s"`

	// RateLimitPerMinute caps one-shot broker requests per client IP. Zero
	// disables the limit.
	RateLimitPerMinute int `env:"RABBITSCOPE_RATE_LIMIT,default=600"`

	// ManagementTimeout is the HTTP timeout for management API calls.
	ManagementTimeout time.Duration `env:"RABBITSCOPE_MANAGEMENT_TIMEOUT,default=10s"`

	// One-shot consume/browse limits.
	DefaultMaxMessages int `env:"RABBITSCOPE_DEFAULT_MAX_MESSAGES,default=10"`
	MaxMessagesLimit   int `env:"RABBITSCOPE_MAX_MESSAGES_LIMIT,default=1000"`

	LogFormat string `env:"RABBITSCOPE_LOG_FORMAT,default=json"`
	LogLevel  string `env:"RABBITSCOPE_LOG_LEVEL,default=info"`
}

// Default returns a Config populated with the same defaults FromEnv applies.
func Default() Config {
	return Config{
		HTTPAddress:        ":8000",
		CORSAllowedOrigins: []string{"*"},
		MetricsEnabled:     true,
		MetricsPort:        9090,
		DatabasePath:       "rabbitscope.db",
		StreamBufferSize:   64,
		SetupTimeout:       10 * time.Second,
		ShutdownGrace:      5 * time.Second,
		RateLimitPerMinute: 600,
		ManagementTimeout:  10 * time.Second,
		DefaultMaxMessages: 10,
		MaxMessagesLimit:   1000,
		LogFormat:          "json",
		LogLevel:           "info",
	}
}

// FromEnv decodes the configuration from the process environment.
func FromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.StrictDecode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("config: decode environment: %w", err)
	}
	return cfg, nil
}

func (c Config) String() string {
	copy := c
	if copy.EncryptionSecret != "" {
		copy.EncryptionSecret = "***REDACTED***"
	}
	// Use a type alias to avoid infinite recursion when printing
	type configAlias Config
	return fmt.Sprintf("%+v", configAlias(copy))
}

// Validate checks the configuration and returns every problem found.
func (c *Config) Validate() error {
	var errs []error

	errs = append(errs, c.validateServer()...)
	errs = append(errs, c.validateStream()...)
	errs = append(errs, c.validateOneShot()...)

	return errors.Join(errs...)
}

func (c *Config) validateServer() []error {
	var errs []error
	if strings.TrimSpace(c.HTTPAddress) == "" {
		errs = append(errs, errors.New("http: listen address is required"))
	}
	if c.MetricsEnabled && (c.MetricsPort <= 0 || c.MetricsPort > 65535) {
		errs = append(errs, fmt.Errorf("metrics: invalid port %d", c.MetricsPort))
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		errs = append(errs, errors.New("profiles: database path is required"))
	}
	if c.EncryptionSecret == "" {
		errs = append(errs, errors.New("profiles: encryption secret is required"))
	}
	if c.RateLimitPerMinute < 0 {
		errs = append(errs, errors.New("http: rate limit cannot be negative"))
	}
	if c.ManagementTimeout <= 0 {
		errs = append(errs, errors.New("management: timeout must be positive"))
	}
	return errs
}

func (c *Config) validateStream() []error {
	var errs []error
	if c.StreamBufferSize < 1 {
		errs = append(errs, fmt.Errorf("stream: buffer size must be at least 1, got %d", c.StreamBufferSize))
	}
	if c.SetupTimeout <= 0 {
		errs = append(errs, errors.New("stream: setup timeout must be positive"))
	}
	if c.ShutdownGrace <= 0 {
		errs = append(errs, errors.New("stream: shutdown grace must be positive"))
	}
	return errs
}

func (c *Config) validateOneShot() []error {
	var errs []error
	if c.DefaultMaxMessages < 1 {
		errs = append(errs, errors.New("oneshot: default max messages must be at least 1"))
	}
	if c.MaxMessagesLimit < c.DefaultMaxMessages {
		errs = append(errs, errors.New("oneshot: max messages limit cannot be below the default"))
	}
	return errs
}

// ValidateConfig is a convenience function to validate a config pointer.
// Returns nil if the config is valid.
func ValidateConfig(c *Config) error {
	if c == nil {
		return errors.New("config is nil")
	}
	return c.Validate()
}
