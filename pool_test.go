package ldappool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/terraform-plugin-log/tflogtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isometry/go-ldappool/internal/ldaptest"
)

func testPoolConfig() PoolConfig {
	config := DefaultPoolConfig()
	config.MaxSize = 2
	config.HealthCheck = 0
	return config
}

func newTestPool(t *testing.T, ctx context.Context, server *ldaptest.Server) *Pool {
	t.Helper()
	pool, err := NewPool(ctx, NewManager(server.URL()), testPoolConfig())
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func TestNewPool(t *testing.T) {
	ctx, output := newTestLogContext(t)

	pool, err := NewPool(ctx, NewManager("ldap://127.0.0.1:389"), testPoolConfig())
	require.NoError(t, err)
	defer pool.Close()

	status := pool.Status()
	assert.Equal(t, 2, status.MaxSize)
	assert.Zero(t, status.Size, "no connection is made before the first Get")

	entry := findEvent(decodeLogs(t, output), "pool_initialized")
	require.NotNil(t, entry)
	assert.Equal(t, "info", entry["@level"])
	assert.Equal(t, "ldap://127.0.0.1:389", entry["url"])
}

func TestNewPool_InvalidConfig(t *testing.T) {
	ctx, output := newTestLogContext(t)
	config := testPoolConfig()
	config.MaxSize = 0

	pool, err := NewPool(ctx, NewManager("ldap://127.0.0.1:389"), config)
	require.Error(t, err)
	assert.Nil(t, pool)
	assert.Contains(t, err.Error(), "MaxSize must be positive")

	entry := findEvent(decodeLogs(t, output), "pool_creation_failed")
	require.NotNil(t, entry)
	assert.Equal(t, "error", entry["@level"])
}

func TestPool_ReleasedSessionIsAnonymous(t *testing.T) {
	server := ldaptest.Start(t)
	pool := newTestPool(t, context.Background(), server)
	ctx := context.Background()

	obj, err := pool.Get(ctx)
	require.NoError(t, err)
	first := obj.Value()
	assert.Empty(t, whoAmI(t, first))
	assert.Zero(t, obj.Metrics().RecycleCount)

	require.NoError(t, first.Bind(ldaptest.AdminDN, ldaptest.AdminPassword))
	assert.Equal(t, "dn:"+ldaptest.AdminDN, whoAmI(t, first))
	obj.Release()

	obj, err = pool.Get(ctx)
	require.NoError(t, err)
	defer obj.Release()

	assert.Same(t, first, obj.Value(), "idle session is reused")
	assert.Empty(t, whoAmI(t, obj.Value()), "reused session must be anonymous")
	assert.Equal(t, 1, obj.Metrics().RecycleCount)
	assert.False(t, obj.Metrics().Recycled.IsZero())

	status := pool.Status()
	assert.Equal(t, int64(1), status.Created)
	assert.Equal(t, int64(1), status.Recycled)
	assert.Equal(t, 1, status.InUse)
	assert.Equal(t, int64(1), server.Accepted())
}

func TestPool_DeadSessionIsReplaced(t *testing.T) {
	server := ldaptest.Start(t)
	var output syncBuffer
	ctx := NewLoggingContext(tflogtest.RootLogger(context.Background(), &output))
	pool := newTestPool(t, ctx, server)

	obj, err := pool.Get(ctx)
	require.NoError(t, err)
	first := obj.Value()
	obj.Release()

	server.DropConnections()
	require.Eventually(t, func() bool { return !first.Alive() }, 5*time.Second, 10*time.Millisecond)

	obj, err = pool.Get(ctx)
	require.NoError(t, err)
	defer obj.Release()

	assert.NotSame(t, first, obj.Value())
	assert.NotEqual(t, first.ID(), obj.Value().ID())
	assert.True(t, obj.Value().Alive())
	assert.Empty(t, whoAmI(t, obj.Value()))

	status := pool.Status()
	assert.Equal(t, int64(2), status.Created)
	assert.Equal(t, int64(1), status.RecycleErrors)

	failed := findEvent(output.entries(t), "recycle_failed")
	require.NotNil(t, failed)
	assert.Equal(t, "warn", failed["@level"])
}

func TestPool_UnresponsiveServer(t *testing.T) {
	config := testPoolConfig()
	config.WaitTimeout = 5 * time.Second
	config.RecycleTimeout = 100 * time.Millisecond

	pool, err := NewPool(context.Background(), NewManager(silentListener(t)), config)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	obj, err := pool.Get(context.Background())
	require.NoError(t, err)
	first := obj.Value()
	obj.Release()

	start := time.Now()
	obj, err = pool.Get(context.Background())
	require.NoError(t, err)
	defer obj.Release()

	assert.Less(t, time.Since(start), 2*time.Second, "recycle must give up after RecycleTimeout")
	assert.NotEqual(t, first.ID(), obj.Value().ID())
	assert.Eventually(t, func() bool { return !first.Alive() }, time.Second, 10*time.Millisecond)

	status := pool.Status()
	assert.Equal(t, int64(2), status.Created)
	assert.Equal(t, int64(1), status.RecycleErrors)
}

func TestPool_UnreachableServer(t *testing.T) {
	config := testPoolConfig()
	config.WaitTimeout = 2 * time.Second

	manager := NewManager("ldap://" + unusedAddress(t)).
		WithConnectionSettings(NewConnSettings().WithConnTimeout(time.Second))
	pool, err := NewPool(context.Background(), manager, config)
	require.NoError(t, err)
	defer pool.Close()

	obj, err := pool.Get(context.Background())
	require.Error(t, err)
	assert.Nil(t, obj)
	assert.True(t, IsConnectionError(err))
	assert.Equal(t, int64(1), pool.Status().CreateErrors)
}

func TestPool_Exhausted(t *testing.T) {
	server := ldaptest.Start(t)
	pool := newTestPool(t, context.Background(), server)

	a, err := pool.Get(context.Background())
	require.NoError(t, err)
	b, err := pool.Get(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = pool.Get(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	a.Release()
	b.Destroy()

	require.Eventually(t, func() bool {
		status := pool.Status()
		return status.Size == 1 && status.Available == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestPool_Concurrent(t *testing.T) {
	server := ldaptest.Start(t)
	pool := newTestPool(t, context.Background(), server)

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Go(func() {
			obj, err := pool.Get(context.Background())
			if !assert.NoError(t, err) {
				return
			}
			defer obj.Release()

			if i%2 == 0 {
				assert.NoError(t, obj.Value().Bind(ldaptest.AdminDN, ldaptest.AdminPassword))
				return
			}
			res, err := obj.Value().WhoAmI(nil)
			if assert.NoError(t, err) {
				assert.Empty(t, res.AuthzID)
			}
		})
	}
	wg.Wait()

	status := pool.Status()
	assert.LessOrEqual(t, status.Created, int64(2))
	assert.Zero(t, status.InUse)
	assert.Zero(t, status.RecycleErrors)
}

func TestPool_Close(t *testing.T) {
	server := ldaptest.Start(t)
	pool, err := NewPool(context.Background(), NewManager(server.URL()), testPoolConfig())
	require.NoError(t, err)

	obj, err := pool.Get(context.Background())
	require.NoError(t, err)
	session := obj.Value()
	obj.Release()

	pool.Close()
	pool.Close()

	select {
	case <-session.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("idle session was not closed with the pool")
	}

	_, err = pool.Get(context.Background())
	require.ErrorIs(t, err, ErrClosedPool)
}
