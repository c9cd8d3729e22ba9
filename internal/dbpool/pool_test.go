package dbpool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantry-io/gantry/internal/config"
)

func TestAcquireDialsUpToMaxSize(t *testing.T) {
	pool, driver := newTestPool(config.Pool{MaxSize: 2, AcquireTimeoutSeconds: 5})

	c1, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	c2, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, driver.dialCount())
	assert.Equal(t, StateInUse, c1.State())
	assert.Equal(t, StateInUse, c2.State())

	stats := pool.Stats()
	assert.Equal(t, 2, stats.InUse)
	assert.Equal(t, 0, stats.Idle)
}

func TestAcquireReusesIdleConnections(t *testing.T) {
	pool, driver := newTestPool(config.Pool{MaxSize: 2, AcquireTimeoutSeconds: 5})

	c1, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	first := c1.Conn()
	c1.Release()
	assert.Equal(t, StateIdle, c1.State())

	c2, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	assert.Same(t, first, c2.Conn())
	assert.Equal(t, 1, driver.dialCount())
}

func TestAcquireBlocksUntilRelease(t *testing.T) {
	pool, _ := newTestPool(config.Pool{MaxSize: 1, AcquireTimeoutSeconds: 5})

	held, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	got := make(chan *PooledConn, 1)
	go func() {
		pc, err := pool.Acquire(context.Background())
		if err == nil {
			got <- pc
		}
	}()

	time.Sleep(20 * time.Millisecond)
	select {
	case <-got:
		t.Fatal("second acquire should block while the pool is exhausted")
	default:
	}

	held.Release()
	select {
	case pc := <-got:
		assert.Same(t, held.Conn(), pc.Conn())
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken by release")
	}
}

func TestAcquireTimesOut(t *testing.T) {
	pool, _ := newTestPool(config.Pool{MaxSize: 1, AcquireTimeoutSeconds: 30})

	_, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = pool.Acquire(ctx)
	assert.ErrorIs(t, err, ErrAcquireTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestAcquireRetriesOnceThenFails(t *testing.T) {
	pool, driver := newTestPool(config.Pool{MaxSize: 2, AcquireTimeoutSeconds: 5})

	driver.refuseDials(1)
	pc, err := pool.Acquire(context.Background())
	require.NoError(t, err, "one dial failure should be retried")
	assert.Equal(t, 1, driver.dialCount())

	// Keep pc checked out so the next acquire must dial, not reuse.
	driver.refuseDials(2)
	_, err = pool.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrPool)

	stats := pool.Stats()
	assert.Equal(t, 1, stats.InUse)
	assert.Equal(t, 0, stats.Idle)
	pc.Release()
}

func TestBrokenConnectionIsDestroyedOnRelease(t *testing.T) {
	pool, driver := newTestPool(config.Pool{MaxSize: 1, AcquireTimeoutSeconds: 5})

	pc, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	fake := pc.Conn().(*fakeConn)

	pc.MarkBroken()
	pc.Release()

	assert.True(t, fake.isClosed())
	assert.Equal(t, StateBroken, pc.State())
	assert.Equal(t, 0, pool.Stats().Idle)

	// The slot is free again: the next acquire dials a fresh connection.
	next, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, fake, next.Conn())
	assert.Equal(t, 2, driver.dialCount())
}

func TestDoubleReleaseIsNoop(t *testing.T) {
	pool, _ := newTestPool(config.Pool{MaxSize: 2, AcquireTimeoutSeconds: 5})

	pc, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	pc.Release()
	pc.Release()

	assert.Equal(t, 1, pool.Stats().Idle)
}

func TestProbeRunsAtMostOncePerInterval(t *testing.T) {
	pool, _ := newTestPool(config.Pool{MaxSize: 1, AcquireTimeoutSeconds: 5})
	pool.probeInterval = 30 * time.Millisecond

	pc, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	fake := pc.Conn().(*fakeConn)
	pc.Release()

	// Fresh connection: probe not yet due.
	pc, err = pool.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, fake.pings)
	pc.Release()

	time.Sleep(40 * time.Millisecond)
	pc, err = pool.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, fake.pings)
	pc.Release()
}

func TestFailedProbeRetriesAgainstFreshConnection(t *testing.T) {
	pool, driver := newTestPool(config.Pool{MaxSize: 1, AcquireTimeoutSeconds: 5})
	pool.probeInterval = time.Nanosecond

	pc, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	stale := pc.Conn().(*fakeConn)
	pc.Release()

	stale.failPings(errDialRefused)
	time.Sleep(time.Millisecond)

	pc, err = pool.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, stale, pc.Conn())
	assert.True(t, stale.isClosed())
	assert.Equal(t, 2, driver.dialCount())
}

func TestProbeUsesHealthQueryWhenConfigured(t *testing.T) {
	pool, _ := newTestPool(config.Pool{MaxSize: 1, AcquireTimeoutSeconds: 5, HealthCheckQuery: "SELECT 1"})
	pool.probeInterval = time.Nanosecond

	pc, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	fake := pc.Conn().(*fakeConn)
	pc.Release()
	time.Sleep(time.Millisecond)

	pc, err = pool.Acquire(context.Background())
	require.NoError(t, err)
	fake.mu.Lock()
	execs := append([]string(nil), fake.execs...)
	pings := fake.pings
	fake.mu.Unlock()
	assert.Equal(t, []string{"SELECT 1"}, execs)
	assert.Equal(t, 0, pings)
	pc.Release()
}

func TestIdleEvictionKeepsMinSize(t *testing.T) {
	pool, _ := newTestPool(config.Pool{MinSize: 1, MaxSize: 3, AcquireTimeoutSeconds: 5, IdleTimeoutSeconds: 1})
	pool.idleTimeout = 20 * time.Millisecond

	var conns []*PooledConn
	for i := 0; i < 3; i++ {
		pc, err := pool.Acquire(context.Background())
		require.NoError(t, err)
		conns = append(conns, pc)
	}
	for _, pc := range conns {
		pc.Release()
	}
	require.Equal(t, 3, pool.Stats().Idle)

	time.Sleep(40 * time.Millisecond)
	pool.evictIdle()

	assert.Equal(t, 1, pool.Stats().Idle)
}

func TestEnsureMinWarmsPool(t *testing.T) {
	pool, driver := newTestPool(config.Pool{MinSize: 2, MaxSize: 4, AcquireTimeoutSeconds: 5})

	pool.ensureMin(context.Background())

	assert.Equal(t, 2, pool.Stats().Idle)
	assert.Equal(t, 2, driver.dialCount())
}

func TestShutdownDrainsAndRejectsAcquires(t *testing.T) {
	pool, _ := newTestPool(config.Pool{MaxSize: 2, AcquireTimeoutSeconds: 5})

	held, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	idle, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	idle.Release()

	go func() {
		time.Sleep(30 * time.Millisecond)
		held.Release()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, pool.Shutdown(ctx))

	stats := pool.Stats()
	assert.Equal(t, 0, stats.Idle)
	assert.Equal(t, 0, stats.InUse)
	assert.True(t, stats.Closed)

	_, err = pool.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrPoolClosed)

	// Idempotent.
	require.NoError(t, pool.Shutdown(context.Background()))
}

func TestShutdownForcesConnectionsAfterGrace(t *testing.T) {
	pool, _ := newTestPool(config.Pool{MaxSize: 1, AcquireTimeoutSeconds: 5})

	held, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	fake := held.Conn().(*fakeConn)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, pool.Shutdown(ctx))

	assert.True(t, fake.isClosed())
	stats := pool.Stats()
	assert.Equal(t, 0, stats.Idle)
	assert.Equal(t, 0, stats.InUse)
}

func TestCardinalityInvariantUnderLoad(t *testing.T) {
	const maxSize = 4
	pool, _ := newTestPool(config.Pool{MaxSize: maxSize, AcquireTimeoutSeconds: 5})

	var wg sync.WaitGroup
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				pc, err := pool.Acquire(context.Background())
				if err != nil {
					continue
				}
				if i%7 == 0 {
					pc.MarkBroken()
				}
				pc.Release()
			}
		}()
	}
	wg.Wait()

	stats := pool.Stats()
	assert.LessOrEqual(t, stats.Idle+stats.InUse, maxSize)
	assert.Equal(t, 0, stats.InUse)
}

func TestMaintenanceLoopStops(t *testing.T) {
	pool, _ := newTestPool(config.Pool{MinSize: 1, MaxSize: 2, AcquireTimeoutSeconds: 5})
	pool.maintenance = 5 * time.Millisecond

	pool.Start(context.Background())
	assert.Eventually(t, func() bool { return pool.Stats().Idle == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, pool.Shutdown(context.Background()))
}
