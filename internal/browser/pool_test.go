package browser

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type fakeInstance struct {
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	dropOnce sync.Once
	closed   atomic.Bool
}

func newFakeInstance() *fakeInstance {
	ctx, cancel := context.WithCancel(context.Background())
	return &fakeInstance{ctx: ctx, cancel: cancel, done: make(chan struct{})}
}

func (f *fakeInstance) Context() context.Context { return f.ctx }
func (f *fakeInstance) Done() <-chan struct{}    { return f.done }

func (f *fakeInstance) Close() error {
	f.closed.Store(true)
	f.disconnect()
	return nil
}

func (f *fakeInstance) disconnect() {
	f.dropOnce.Do(func() {
		f.cancel()
		close(f.done)
	})
}

type fakeLauncher struct {
	mu        sync.Mutex
	instances []*fakeInstance
	err       error
	gate      chan struct{}
}

func (l *fakeLauncher) Launch(ctx context.Context) (Instance, error) {
	l.mu.Lock()
	gate, err := l.gate, l.err
	l.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	inst := newFakeInstance()
	l.mu.Lock()
	l.instances = append(l.instances, inst)
	l.mu.Unlock()
	return inst, nil
}

func (l *fakeLauncher) setErr(err error) {
	l.mu.Lock()
	l.err = err
	l.mu.Unlock()
}

func (l *fakeLauncher) launched() []*fakeInstance {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*fakeInstance(nil), l.instances...)
}

func newTestPool(t *testing.T, cfg Config) (*Pool, *fakeLauncher) {
	t.Helper()
	launcher := &fakeLauncher{}
	pool, err := NewPool(cfg, launcher, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { pool.CloseAll(context.Background()) })
	return pool, launcher
}

func TestNewPoolValidation(t *testing.T) {
	t.Parallel()

	_, err := NewPool(Config{MaxPoolSize: 0}, &fakeLauncher{}, nil)
	require.Error(t, err)
	_, err = NewPool(Config{MaxPoolSize: 1}, nil, nil)
	require.Error(t, err)
}

func TestPoolLaunchesLazilyAndReusesIdle(t *testing.T) {
	t.Parallel()
	pool, launcher := newTestPool(t, Config{MaxPoolSize: 2})
	ctx := context.Background()

	assert.Empty(t, launcher.launched())

	first, err := pool.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, first.Connected())
	pool.Release(first)

	second, err := pool.Acquire(ctx)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.EqualValues(t, 2, second.Uses())
	assert.Len(t, launcher.launched(), 1)

	stats := pool.Stats()
	assert.Equal(t, 1, stats.InUse)
	assert.Equal(t, 0, stats.Idle)
	assert.EqualValues(t, 1, stats.Reused)
}

func TestPoolIdleIsLIFO(t *testing.T) {
	t.Parallel()
	pool, _ := newTestPool(t, Config{MaxPoolSize: 2})
	ctx := context.Background()

	a, err := pool.Acquire(ctx)
	require.NoError(t, err)
	b, err := pool.Acquire(ctx)
	require.NoError(t, err)
	pool.Release(a)
	pool.Release(b)

	got, err := pool.Acquire(ctx)
	require.NoError(t, err)
	assert.Same(t, b, got)
}

func TestPoolBlocksAtCapacity(t *testing.T) {
	t.Parallel()
	pool, launcher := newTestPool(t, Config{MaxPoolSize: 2})
	ctx := context.Background()

	a, err := pool.Acquire(ctx)
	require.NoError(t, err)
	b, err := pool.Acquire(ctx)
	require.NoError(t, err)
	assert.NotSame(t, a, b)

	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = pool.Acquire(waitCtx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	stats := pool.Stats()
	assert.Equal(t, 2, stats.InUse)
	assert.Equal(t, 0, stats.Waiting, "canceled waiter must leave the queue")
	assert.Len(t, launcher.launched(), 2)
}

func TestPoolWaitersServedFIFO(t *testing.T) {
	t.Parallel()
	pool, _ := newTestPool(t, Config{MaxPoolSize: 1})
	ctx := context.Background()

	held, err := pool.Acquire(ctx)
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := 0; i < 3; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := pool.Acquire(ctx)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			pool.Release(h)
		}()
		require.Eventually(t, func() bool { return pool.Stats().Waiting == i+1 }, time.Second, time.Millisecond)
	}

	pool.Release(held)
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestPoolNeverExceedsCapacityUnderContention(t *testing.T) {
	t.Parallel()
	const capacity = 3
	pool, launcher := newTestPool(t, Config{MaxPoolSize: capacity})
	ctx := context.Background()

	var (
		holders sync.Map
		active  atomic.Int32
		peak    atomic.Int32
		wg      sync.WaitGroup
	)
	for worker := 0; worker < 12; worker++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				h, err := pool.Acquire(ctx)
				if !assert.NoError(t, err) {
					return
				}
				if _, loaded := holders.LoadOrStore(h, struct{}{}); loaded {
					t.Errorf("handle %d lent to two callers", h.ID())
				}
				n := active.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				stats := pool.Stats()
				if total := stats.Idle + stats.InUse + stats.Launching; total > capacity {
					t.Errorf("pool tracks %d handles, capacity %d", total, capacity)
				}
				time.Sleep(100 * time.Microsecond)
				active.Add(-1)
				holders.Delete(h)
				pool.Release(h)
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, int(peak.Load()), capacity)
	assert.LessOrEqual(t, len(launcher.launched()), capacity)
	assert.Equal(t, 0, pool.Stats().InUse)
}

func TestPoolDoubleReleaseIsNoop(t *testing.T) {
	t.Parallel()
	pool, _ := newTestPool(t, Config{MaxPoolSize: 1})
	ctx := context.Background()

	h, err := pool.Acquire(ctx)
	require.NoError(t, err)
	pool.Release(h)
	pool.Release(h)
	pool.Release(nil)

	stats := pool.Stats()
	assert.Equal(t, 1, stats.Idle)
	assert.Equal(t, 0, stats.InUse)
}

func TestPoolCloseAllRejectsWaiters(t *testing.T) {
	t.Parallel()
	pool, launcher := newTestPool(t, Config{MaxPoolSize: 1})
	ctx := context.Background()

	held, err := pool.Acquire(ctx)
	require.NoError(t, err)

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := pool.Acquire(ctx)
			errs <- err
		}()
	}
	require.Eventually(t, func() bool { return pool.Stats().Waiting == 2 }, time.Second, time.Millisecond)

	pool.CloseAll(ctx)
	for i := 0; i < 2; i++ {
		require.ErrorIs(t, <-errs, ErrPoolClosed)
	}

	for _, inst := range launcher.launched() {
		assert.True(t, inst.closed.Load(), "browser left running after CloseAll")
	}
	stats := pool.Stats()
	assert.True(t, stats.Closed)
	assert.Zero(t, stats.Idle+stats.InUse+stats.Waiting)

	_, err = pool.Acquire(ctx)
	require.ErrorIs(t, err, ErrPoolClosed)

	// Late release from an in-flight aggregation is harmless.
	pool.Release(held)
	pool.CloseAll(ctx)
}

func TestPoolLaunchFailure(t *testing.T) {
	t.Parallel()
	pool, launcher := newTestPool(t, Config{MaxPoolSize: 1})
	ctx := context.Background()

	launcher.setErr(errors.New("chrome not found"))
	_, err := pool.Acquire(ctx)
	require.ErrorIs(t, err, ErrLaunch)
	assert.ErrorContains(t, err, "chrome not found")

	stats := pool.Stats()
	assert.Zero(t, stats.Launching, "failed launch must free its slot")
	assert.EqualValues(t, 1, stats.LaunchFailures)

	launcher.setErr(nil)
	h, err := pool.Acquire(ctx)
	require.NoError(t, err)
	pool.Release(h)
}

func TestPoolLaunchFailureWakesWaiter(t *testing.T) {
	t.Parallel()
	pool, launcher := newTestPool(t, Config{MaxPoolSize: 1})
	ctx := context.Background()

	gate := make(chan struct{})
	launcher.mu.Lock()
	launcher.gate = gate
	launcher.err = errors.New("boom")
	launcher.mu.Unlock()

	first := make(chan error, 1)
	go func() {
		_, err := pool.Acquire(ctx)
		first <- err
	}()
	require.Eventually(t, func() bool { return pool.Stats().Launching == 1 }, time.Second, time.Millisecond)

	second := make(chan *Handle, 1)
	go func() {
		h, err := pool.Acquire(ctx)
		assert.NoError(t, err)
		second <- h
	}()
	require.Eventually(t, func() bool { return pool.Stats().Waiting == 1 }, time.Second, time.Millisecond)

	launcher.mu.Lock()
	launcher.err = nil
	launcher.mu.Unlock()
	close(gate)

	require.ErrorIs(t, <-first, ErrLaunch)
	h := <-second
	require.NotNil(t, h)
	pool.Release(h)
}

func TestPoolPurgesDisconnectedIdle(t *testing.T) {
	t.Parallel()
	pool, launcher := newTestPool(t, Config{MaxPoolSize: 1})
	ctx := context.Background()

	h, err := pool.Acquire(ctx)
	require.NoError(t, err)
	pool.Release(h)

	launcher.launched()[0].disconnect()
	require.Eventually(t, func() bool { return pool.Stats().Idle == 0 }, time.Second, time.Millisecond)

	fresh, err := pool.Acquire(ctx)
	require.NoError(t, err)
	assert.NotSame(t, h, fresh)
	assert.True(t, fresh.Connected())
	assert.Len(t, launcher.launched(), 2)
}

func TestPoolPurgesDisconnectedInUse(t *testing.T) {
	t.Parallel()
	pool, launcher := newTestPool(t, Config{MaxPoolSize: 1})
	ctx := context.Background()

	h, err := pool.Acquire(ctx)
	require.NoError(t, err)

	waited := make(chan *Handle, 1)
	go func() {
		next, err := pool.Acquire(ctx)
		assert.NoError(t, err)
		waited <- next
	}()
	require.Eventually(t, func() bool { return pool.Stats().Waiting == 1 }, time.Second, time.Millisecond)

	launcher.launched()[0].disconnect()

	select {
	case next := <-waited:
		assert.NotSame(t, h, next)
		pool.Release(next)
	case <-time.After(time.Second):
		t.Fatal("waiter not served after in-use browser disconnected")
	}

	// Releasing the purged handle does not resurrect it.
	pool.Release(h)
	stats := pool.Stats()
	assert.Equal(t, 1, stats.Idle)
	assert.Equal(t, 0, stats.InUse)
	assert.GreaterOrEqual(t, stats.Purged, int64(1))
}

func TestPoolRecyclesAfterMaxUses(t *testing.T) {
	t.Parallel()
	pool, launcher := newTestPool(t, Config{MaxPoolSize: 1, MaxUses: 2})
	ctx := context.Background()

	first, err := pool.Acquire(ctx)
	require.NoError(t, err)
	pool.Release(first)
	again, err := pool.Acquire(ctx)
	require.NoError(t, err)
	require.Same(t, first, again)
	pool.Release(again)

	instances := launcher.launched()
	require.Len(t, instances, 1)
	assert.True(t, instances[0].closed.Load())
	assert.Zero(t, pool.Stats().Idle)

	next, err := pool.Acquire(ctx)
	require.NoError(t, err)
	assert.NotSame(t, first, next)
}

func TestPoolRecyclesAfterMaxAge(t *testing.T) {
	t.Parallel()
	now := time.Unix(1_700_000_000, 0)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	launcher := &fakeLauncher{}
	pool, err := NewPool(Config{MaxPoolSize: 1, MaxAge: time.Minute}, launcher, nil, WithClock(clock))
	require.NoError(t, err)
	defer pool.CloseAll(context.Background())

	h, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()
	pool.Release(h)

	assert.Zero(t, pool.Stats().Idle)
	assert.True(t, launcher.launched()[0].closed.Load())
}

func TestPoolAcquireCanceledContext(t *testing.T) {
	t.Parallel()
	pool, launcher := newTestPool(t, Config{MaxPoolSize: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := pool.Acquire(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, launcher.launched())
}

func TestPoolAbandonedHandoverIsNotAUse(t *testing.T) {
	t.Parallel()
	pool, launcher := newTestPool(t, Config{MaxPoolSize: 1, MaxUses: 2})

	h, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, h.Uses())

	// Hand h to a waiter the way Release does, then have the waiter give it back.
	pool.mu.Lock()
	delete(pool.inUse, h)
	pool.checkoutLocked(h)
	pool.reused++
	pool.mu.Unlock()
	pool.abandon(grant{handle: h})

	assert.EqualValues(t, 1, h.Uses())
	assert.Equal(t, 1, pool.Stats().Idle)
	assert.False(t, launcher.launched()[0].closed.Load())

	again, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	require.Same(t, h, again)
	pool.Release(again)
	assert.True(t, launcher.launched()[0].closed.Load(), "second real use reaches MaxUses")
}

func TestPoolCanceledLaunchIsNotAFailure(t *testing.T) {
	t.Parallel()
	core, logs := observer.New(zap.ErrorLevel)
	launcher := &fakeLauncher{gate: make(chan struct{})}
	pool, err := NewPool(Config{MaxPoolSize: 1}, launcher, zap.New(core))
	require.NoError(t, err)
	defer pool.CloseAll(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() {
		_, err := pool.Acquire(ctx)
		result <- err
	}()
	require.Eventually(t, func() bool { return pool.Stats().Launching == 1 }, time.Second, time.Millisecond)
	cancel()

	err = <-result
	require.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrLaunch)

	stats := pool.Stats()
	assert.Zero(t, stats.Launching)
	assert.Zero(t, stats.LaunchFailures)
	assert.Zero(t, logs.Len())
}
