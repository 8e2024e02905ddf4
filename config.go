package ldappool

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/creasty/defaults"
	"gopkg.in/yaml.v3"
)

// Config is the file representation of a pool: where to connect, how to
// connect and how many sessions to keep.
//
//	url: ldaps://ldap.example.com
//	connection:
//	  conn_timeout: 5s
//	  starttls: false
//	pool:
//	  max_size: 10
//	  health_check: 30s
type Config struct {
	URL        string           `yaml:"url"`
	Connection ConnectionConfig `yaml:"connection"`
	Pool       PoolConfig       `yaml:"pool"`
}

// ConnectionConfig is the file representation of ConnSettings.
type ConnectionConfig struct {
	ConnTimeout    time.Duration `yaml:"conn_timeout" default:"30s"`
	RequestTimeout time.Duration `yaml:"request_timeout" default:"30s"`
	StartTLS       bool          `yaml:"starttls"`
	NoTLSVerify    bool          `yaml:"no_tls_verify"`
}

// DefaultConfig returns a configuration with every default applied and no URL.
func DefaultConfig() *Config {
	config := &Config{}
	if err := defaults.Set(config); err != nil {
		panic(fmt.Sprintf("ldappool: invalid default tags: %v", err))
	}
	return config
}

// LoadConfig reads a YAML configuration file. Fields missing from the file
// keep their defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config, err := ParseConfig(data)
	if err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return config, nil
}

// ParseConfig parses a YAML configuration document.
func ParseConfig(data []byte) (*Config, error) {
	config := &Config{}

	// Apply defaults first
	if err := defaults.Set(config); err != nil {
		return nil, fmt.Errorf("failed to set default values: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(config); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks the configuration without touching the network.
func (c *Config) Validate() error {
	if c.URL == "" {
		return errors.New("url is required")
	}
	if _, err := parseURL(c.URL); err != nil {
		return err
	}
	if c.Connection.ConnTimeout < 0 || c.Connection.RequestTimeout < 0 {
		return errors.New("connection timeouts cannot be negative")
	}
	return validatePoolConfig(c.Pool)
}

// ConnSettings converts the connection section to ConnSettings.
func (c *Config) ConnSettings() ConnSettings {
	return NewConnSettings().
		WithConnTimeout(c.Connection.ConnTimeout).
		WithRequestTimeout(c.Connection.RequestTimeout).
		WithStartTLS(c.Connection.StartTLS).
		WithNoTLSVerify(c.Connection.NoTLSVerify)
}

// Manager returns a manager for the configured URL and connection settings.
func (c *Config) Manager() Manager {
	return NewManager(c.URL).WithConnectionSettings(c.ConnSettings())
}

// PoolConfig returns the pool section.
func (c *Config) PoolConfig() PoolConfig {
	return c.Pool
}

// validatePoolConfig mirrors the checks NewPool makes so a bad file is
// reported before anything is started.
func validatePoolConfig(config PoolConfig) error {
	if config.MaxSize <= 0 {
		return errors.New("pool.max_size must be positive")
	}
	if config.MaxSize > MaxPoolSizeLimit {
		return fmt.Errorf("pool.max_size too high (max %d)", MaxPoolSizeLimit)
	}
	if config.WaitTimeout < 0 || config.CreateTimeout < 0 || config.RecycleTimeout < 0 ||
		config.MaxIdleTime < 0 || config.HealthCheck < 0 {
		return errors.New("pool durations cannot be negative")
	}
	return nil
}
