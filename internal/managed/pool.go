// Package managed adapts a two-method object manager to the puddle resource
// pool. It recycles objects before reuse and destroys those that fail.
// Queueing, sizing and construction bookkeeping are puddle's.
package managed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/puddle/v2"
)

// ErrClosedPool is returned by Get after Close.
var ErrClosedPool = puddle.ErrClosedPool

// Manager creates objects for the pool and prepares them for reuse.
type Manager[T any] interface {
	// Create returns a new object.
	Create(ctx context.Context) (T, error)

	// Recycle prepares a previously used object to be handed out again. An
	// error means the object must be destroyed.
	Recycle(ctx context.Context, obj T, metrics Metrics) error
}

// Metrics is the pool's accounting metadata for an object.
type Metrics struct {
	Created      time.Time // When the object was created
	Recycled     time.Time // When the object was last recycled, zero if never
	RecycleCount int       // How many times the object was recycled
}

// entry is the value stored in puddle. Only the owner of the puddle resource
// touches it.
type entry[T any] struct {
	value   T
	metrics Metrics
	fresh   bool
}

// Pool hands out objects created by a Manager.
type Pool[T any] struct {
	ctx     context.Context // Logging context
	manager Manager[T]
	config  Config
	pool    *puddle.Pool[*entry[T]]

	// Statistics
	created       atomic.Int64
	recycled      atomic.Int64
	recycleErrors atomic.Int64
	createErrors  atomic.Int64

	// Health checking
	closeOnce    sync.Once
	healthCtx    context.Context
	healthCancel context.CancelFunc
	healthTicker *time.Ticker
	healthWg     sync.WaitGroup
}

// New creates a pool. No objects are created until the first Get.
//
// ctx is used for logging and is passed, without its cancellation, to
// Create calls made by the pool.
func New[T any](ctx context.Context, m Manager[T], config Config) (*Pool[T], error) {
	if m == nil {
		return nil, errors.New("manager cannot be nil")
	}
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	p := &Pool[T]{
		ctx:     context.WithoutCancel(ctx),
		manager: m,
		config:  config,
	}
	p.healthCtx, p.healthCancel = context.WithCancel(p.ctx)

	pool, err := puddle.NewPool(&puddle.Config[*entry[T]]{
		Constructor: p.construct,
		Destructor:  p.destruct,
		MaxSize:     int32(config.MaxSize),
	})
	if err != nil {
		p.healthCancel()
		return nil, err
	}
	p.pool = pool

	if config.HealthCheck > 0 {
		p.startHealthChecker()
	}
	return p, nil
}

func (p *Pool[T]) construct(ctx context.Context) (*entry[T], error) {
	if p.config.CreateTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.CreateTimeout)
		defer cancel()
	}

	value, err := p.manager.Create(ctx)
	if err != nil {
		p.createErrors.Add(1)
		LogEvent(p.ctx, "create_failed", map[string]any{
			"error": err.Error(),
		})
		return nil, err
	}
	p.created.Add(1)

	return &entry[T]{
		value:   value,
		metrics: Metrics{Created: time.Now()},
		fresh:   true,
	}, nil
}

func (p *Pool[T]) destruct(e *entry[T]) {
	closer, ok := any(e.value).(io.Closer)
	if !ok {
		return
	}
	if err := closer.Close(); err != nil {
		LogEvent(p.ctx, "close_failed", map[string]any{
			"error": err.Error(),
		})
	}
}

// Get returns an object from the pool, creating one if none is idle and the
// pool is not full. A reused object is recycled first; objects that fail to
// recycle are destroyed and Get tries the next one.
//
// When ctx ends before an object is available, Get returns the context error
// along with the last recycle error if there was one.
func (p *Pool[T]) Get(ctx context.Context) (*Object[T], error) {
	if p.config.WaitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.WaitTimeout)
		defer cancel()
	}

	var lastErr error
	for {
		res, err := p.pool.Acquire(ctx)
		if err != nil {
			if lastErr != nil && ctx.Err() != nil {
				return nil, fmt.Errorf("%w (last recycle error: %w)", err, lastErr)
			}
			return nil, err
		}

		obj, err := p.checkout(ctx, res)
		if err == nil {
			return obj, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			if lastErr != nil {
				return nil, fmt.Errorf("%w (last recycle error: %w)", err, lastErr)
			}
			return nil, err
		}
		lastErr = err
	}
}

// checkout hands an acquired resource to the caller. A reused object is
// recycled first and destroyed if that fails.
func (p *Pool[T]) checkout(ctx context.Context, res *puddle.Resource[*entry[T]]) (*Object[T], error) {
	e := res.Value()
	if e.fresh {
		e.fresh = false
		return p.acquired(res), nil
	}

	// the caller gave up, the object itself is fine
	if err := ctx.Err(); err != nil {
		res.ReleaseUnused()
		return nil, err
	}

	if err := p.recycle(ctx, e, p.config.RecycleTimeout); err != nil {
		res.Destroy()
		return nil, err
	}
	return p.acquired(res), nil
}

func (p *Pool[T]) acquired(res *puddle.Resource[*entry[T]]) *Object[T] {
	LogEvent(p.ctx, "connection_acquired", map[string]any{
		"recycle_count": res.Value().metrics.RecycleCount,
	})
	return &Object[T]{res: res, pool: p}
}

// recycle runs the manager's Recycle on e, bounded by timeout when it is
// positive, and updates its metrics.
func (p *Pool[T]) recycle(ctx context.Context, e *entry[T], timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := p.manager.Recycle(ctx, e.value, e.metrics); err != nil {
		p.recycleErrors.Add(1)
		LogEvent(p.ctx, "recycle_failed", map[string]any{
			"recycle_count": e.metrics.RecycleCount,
			"error":         err.Error(),
		})
		return err
	}

	p.recycled.Add(1)
	e.metrics.Recycled = time.Now()
	e.metrics.RecycleCount++
	return nil
}

// Status is a snapshot of the pool.
type Status struct {
	MaxSize       int   // Configured maximum size
	Size          int   // Objects currently held, idle or in use or being created
	Available     int   // Idle objects
	InUse         int   // Objects handed out and not yet returned
	Created       int64 // Objects successfully created since the pool started
	Recycled      int64 // Successful recycles
	RecycleErrors int64 // Failed recycles, each destroying an object
	CreateErrors  int64 // Failed creates
}

// Status returns a snapshot of the pool.
func (p *Pool[T]) Status() Status {
	stat := p.pool.Stat()
	return Status{
		MaxSize:       int(stat.MaxResources()),
		Size:          int(stat.TotalResources()),
		Available:     int(stat.IdleResources()),
		InUse:         int(stat.AcquiredResources()),
		Created:       p.created.Load(),
		Recycled:      p.recycled.Load(),
		RecycleErrors: p.recycleErrors.Load(),
		CreateErrors:  p.createErrors.Load(),
	}
}

// Close stops health checking and destroys all objects. A health check in
// progress is cancelled. Close blocks until objects in use are returned; Get
// fails with ErrClosedPool afterwards.
func (p *Pool[T]) Close() {
	p.closeOnce.Do(func() {
		p.healthCancel()
		if p.healthTicker != nil {
			p.healthWg.Wait()
			p.healthTicker.Stop()
		}
		p.pool.Close()
		LogEvent(p.ctx, "pool_closed", map[string]any{
			"created":        p.created.Load(),
			"recycled":       p.recycled.Load(),
			"recycle_errors": p.recycleErrors.Load(),
		})
	})
}

// startHealthChecker starts the periodic health checker.
func (p *Pool[T]) startHealthChecker() {
	p.healthTicker = time.NewTicker(p.config.HealthCheck)

	p.healthWg.Go(func() {
		for {
			select {
			case <-p.healthTicker.C:
				p.performHealthCheck()
			case <-p.healthCtx.Done():
				return
			}
		}
	})
}

// performHealthCheck takes every idle object, evicts those idle longer than
// MaxIdleTime and recycles the rest so dead connections are found before a
// caller gets them. Each recycle is bounded by RecycleTimeout, or by the
// health check interval when that is unset.
func (p *Pool[T]) performHealthCheck() {
	idle := p.pool.AcquireAllIdle()
	if len(idle) == 0 {
		return
	}

	timeout := p.config.RecycleTimeout
	if timeout == 0 {
		timeout = p.config.HealthCheck
	}

	var evicted, failed int
	for _, res := range idle {
		if p.config.MaxIdleTime > 0 && res.IdleDuration() > p.config.MaxIdleTime {
			evicted++
			res.Destroy()
			continue
		}

		if err := p.recycle(p.healthCtx, res.Value(), timeout); err != nil {
			failed++
			res.Destroy()
			continue
		}
		// keep the idle clock running
		res.ReleaseUnused()
	}

	fields := map[string]any{
		"checked": len(idle),
		"evicted": evicted,
		"failed":  failed,
	}
	if failed > 0 {
		LogEvent(p.ctx, "health_check_failed", fields)
		return
	}
	LogEvent(p.ctx, "health_check_completed", fields)
}

// Object is an object checked out of the pool. Exactly one of Release or
// Destroy must be called when the caller is done with it.
type Object[T any] struct {
	res  *puddle.Resource[*entry[T]]
	pool *Pool[T]
}

// Value returns the pooled object.
func (o *Object[T]) Value() T {
	return o.res.Value().value
}

// Metrics returns the pool's accounting metadata for the object.
func (o *Object[T]) Metrics() Metrics {
	return o.res.Value().metrics
}

// Release returns the object to the pool.
func (o *Object[T]) Release() {
	LogEvent(o.pool.ctx, "connection_released", map[string]any{
		"recycle_count": o.res.Value().metrics.RecycleCount,
	})
	o.res.Release()
}

// Destroy removes the object from the pool and closes it.
func (o *Object[T]) Destroy() {
	o.res.Destroy()
}
