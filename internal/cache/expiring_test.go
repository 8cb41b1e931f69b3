package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-job-aggregator/internal/jobs"
)

func TestExpiringGetAfterTTL(t *testing.T) {
	t.Parallel()
	c := New[string]()

	c.Set("k", "v", time.Second)
	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", got)

	time.Sleep(1100 * time.Millisecond)
	_, ok = c.Get("k")
	assert.False(t, ok)
}

func TestExpiringReadDoesNotExtendTTL(t *testing.T) {
	t.Parallel()
	c := New[string]()

	c.Set("k", "v", 300*time.Millisecond)
	for n := 0; n < 3; n++ {
		time.Sleep(60 * time.Millisecond)
		_, ok := c.Get("k")
		require.True(t, ok)
	}
	time.Sleep(200 * time.Millisecond)
	_, ok := c.Get("k")
	assert.False(t, ok, "hits must not push the expiry out")
}

// Scaled version of "set at t=0 with 10s, overwrite at t=8s, still present at t=15s".
func TestExpiringOverwriteResetsTTL(t *testing.T) {
	t.Parallel()
	c := New[int]()

	c.Set("k", 1, 500*time.Millisecond)
	time.Sleep(400 * time.Millisecond)
	c.Set("k", 2, 500*time.Millisecond)
	time.Sleep(350 * time.Millisecond)

	got, ok := c.Get("k")
	require.True(t, ok, "overwritten entry must outlive the first TTL")
	assert.Equal(t, 2, got)

	require.Eventually(t, func() bool {
		_, ok := c.Get("k")
		return !ok
	}, time.Second, 20*time.Millisecond)
}

func TestExpiringNoTTL(t *testing.T) {
	t.Parallel()
	c := New[string]()

	c.Set("forever", "v", 0)
	c.Set("also", "w", -time.Second)
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, c.Sweep())
	_, ok := c.Get("forever")
	assert.True(t, ok)
	_, ok = c.Get("also")
	assert.True(t, ok)
}

func TestExpiringSweepDeleteClear(t *testing.T) {
	t.Parallel()
	c := New[string]()

	c.Set("short", "a", 20*time.Millisecond)
	c.Set("long", "b", time.Hour)
	c.Set("gone", "c", time.Hour)
	time.Sleep(60 * time.Millisecond)

	assert.Equal(t, 1, c.Sweep())
	assert.Equal(t, 2, c.Len())

	c.Delete("gone")
	_, ok := c.Get("gone")
	assert.False(t, ok)

	c.Clear()
	assert.Zero(t, c.Len())
}

func TestExpiringConcurrentAccess(t *testing.T) {
	t.Parallel()
	c := New[int]()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Set("shared", i*j, time.Minute)
				c.Get("shared")
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, c.Len())
}

func TestExpiringRunStopsWithContext(t *testing.T) {
	t.Parallel()
	c := New[string]()
	c.Set("k", "v", time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestJobResultsCopies(t *testing.T) {
	t.Parallel()
	r := NewJobResults()
	ctx := context.Background()

	records := []jobs.JobRecord{{Title: "Go Engineer", Source: jobs.SourceLinkedIn}}
	require.NoError(t, r.Store(ctx, "fp", records, 150*time.Millisecond))
	records[0].Title = "mutated"

	got, ok, err := r.Lookup(ctx, "fp")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Go Engineer", got[0].Title)

	got[0].Title = "mutated again"
	again, _, _ := r.Lookup(ctx, "fp")
	assert.Equal(t, "Go Engineer", again[0].Title)

	time.Sleep(200 * time.Millisecond)
	_, ok, err = r.Lookup(ctx, "fp")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestJobResultsEmptyListIsAHit(t *testing.T) {
	t.Parallel()
	r := NewJobResults()
	ctx := context.Background()

	require.NoError(t, r.Store(ctx, "fp", nil, time.Minute))
	got, ok, err := r.Lookup(ctx, "fp")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, got)
	assert.Equal(t, 1, r.Len())
}
