package ldappool

import (
	"context"
	"fmt"

	"github.com/isometry/go-ldappool/internal/managed"
)

// Pool is a pool of LDAP sessions. Sessions taken with Get are anonymous:
// a session handed back with Release is rebound anonymously before reuse.
type Pool = managed.Pool[*Session]

// PoolConfig controls pool sizing and timeouts.
type PoolConfig = managed.Config

// PoolStatus is a snapshot of a Pool.
type PoolStatus = managed.Status

// PooledSession is a session checked out of a Pool.
type PooledSession = managed.Object[*Session]

// ErrClosedPool is returned by Get after the pool was closed.
var ErrClosedPool = managed.ErrClosedPool

// MaxPoolSizeLimit is the maximum allowed PoolConfig.MaxSize.
const MaxPoolSizeLimit = managed.MaxPoolSizeLimit

// DefaultPoolConfig returns the default pool configuration.
func DefaultPoolConfig() PoolConfig {
	return managed.DefaultConfig()
}

// NewPool creates a pool of sessions opened by m. No connection is made until
// the first Get.
func NewPool(ctx context.Context, m Manager, config PoolConfig) (*Pool, error) {
	pool, err := managed.New[*Session](ctx, m, config)
	if err != nil {
		LogPoolEvent(ctx, "pool_creation_failed", map[string]any{
			"url":   m.URL(),
			"error": err.Error(),
		})
		return nil, fmt.Errorf("failed to create pool for %s: %w", m.URL(), err)
	}

	LogPoolEvent(ctx, "pool_initialized", map[string]any{
		"url":      m.URL(),
		"max_size": config.MaxSize,
	})
	return pool, nil
}
