package managed

import (
	"errors"
	"fmt"
	"time"

	"github.com/creasty/defaults"
)

// Pool size limits.
const (
	// MaxPoolSizeLimit is the maximum allowed size of a pool.
	MaxPoolSizeLimit = 100
)

// Config controls pool sizing and timeouts. Zero timeouts mean no timeout
// beyond the caller's context.
type Config struct {
	// MaxSize is the maximum number of objects, idle or in use.
	MaxSize int `yaml:"max_size" default:"10"`

	// WaitTimeout bounds Get, including any create and recycle.
	WaitTimeout time.Duration `yaml:"wait_timeout"`

	CreateTimeout  time.Duration `yaml:"create_timeout"`
	RecycleTimeout time.Duration `yaml:"recycle_timeout"`

	// MaxIdleTime is how long an object may sit idle before the health
	// check evicts it. Zero keeps idle objects forever.
	MaxIdleTime time.Duration `yaml:"max_idle_time" default:"5m"`

	// HealthCheck is the interval between health checks, 0 disables them.
	HealthCheck time.Duration `yaml:"health_check" default:"30s"`
}

// DefaultConfig returns the default pool configuration.
func DefaultConfig() Config {
	var config Config
	if err := defaults.Set(&config); err != nil {
		// struct tags are static
		panic(fmt.Sprintf("managed: invalid default tags: %v", err))
	}
	return config
}

// validateConfig validates the pool configuration.
func validateConfig(config Config) error {
	if config.MaxSize <= 0 {
		return errors.New("MaxSize must be positive")
	}

	if config.MaxSize > MaxPoolSizeLimit {
		return fmt.Errorf("MaxSize too high (max %d)", MaxPoolSizeLimit)
	}

	if config.WaitTimeout < 0 || config.CreateTimeout < 0 || config.RecycleTimeout < 0 {
		return errors.New("timeouts cannot be negative")
	}

	if config.MaxIdleTime < 0 {
		return errors.New("MaxIdleTime cannot be negative")
	}

	if config.HealthCheck < 0 {
		return errors.New("HealthCheck cannot be negative")
	}

	return nil
}
