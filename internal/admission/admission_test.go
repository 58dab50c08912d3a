package admission

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestController(limit int, window time.Duration) (*Controller, *MemoryStore, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := NewMemoryStore()
	return NewController(store, limit, window, WithClock(clock.Now)), store, clock
}

func TestAdmitFirstRequestOpensWindow(t *testing.T) {
	c, _, _ := newTestController(10, time.Hour)

	d, err := c.Admit(context.Background(), "1.2.3.4")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 9, d.Remaining)
	assert.Equal(t, time.Hour, d.ResetIn)
}

func TestAdmitRejectsAfterLimit(t *testing.T) {
	c, _, clock := newTestController(10, time.Hour)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		d, err := c.Admit(ctx, "1.2.3.4")
		require.NoError(t, err)
		assert.True(t, d.Allowed, "call %d", i+1)
		assert.Equal(t, 10-(i+1), d.Remaining)
	}

	clock.Advance(20 * time.Minute)
	d, err := c.Admit(ctx, "1.2.3.4")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
	assert.Equal(t, 40*time.Minute, d.ResetIn)

	other, err := c.Admit(ctx, "5.6.7.8")
	require.NoError(t, err)
	assert.True(t, other.Allowed, "keys are independent")
}

func TestAdmitResetsAfterWindow(t *testing.T) {
	c, _, clock := newTestController(2, time.Hour)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := c.Admit(ctx, "k")
		require.NoError(t, err)
	}

	clock.Advance(time.Hour)
	d, err := c.Admit(ctx, "k")
	require.NoError(t, err)
	assert.False(t, d.Allowed, "window boundary itself is still inside the window")

	clock.Advance(time.Millisecond)
	d, err = c.Admit(ctx, "k")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Remaining, "fresh window counts this call as the first")
	assert.Equal(t, time.Hour, d.ResetIn)
}

func TestAdmitConcurrentNoLostUpdates(t *testing.T) {
	c, _, _ := newTestController(50, time.Hour)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := c.Admit(ctx, "shared")
			if err != nil {
				return
			}
			if d.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, allowed)
}

func TestPurgeDropsExpiredOnly(t *testing.T) {
	c, store, clock := newTestController(10, time.Minute)
	ctx := context.Background()

	_, err := c.Admit(ctx, "old")
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)
	_, err = c.Admit(ctx, "fresh")
	require.NoError(t, err)

	n, err := store.Purge(ctx, clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, store.Len())
}

func TestRunJanitorStopsOnCancel(t *testing.T) {
	c, store, clock := newTestController(10, time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())

	_, err := c.Admit(ctx, "k")
	require.NoError(t, err)
	clock.Advance(time.Second)

	done := make(chan struct{})
	go func() {
		c.RunJanitor(ctx, 5*time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool { return store.Len() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop")
	}
}

type failingStore struct{}

func (failingStore) Increment(context.Context, string, time.Duration, time.Time) (int, time.Time, error) {
	return 0, time.Time{}, errors.New("store down")
}

func (failingStore) Purge(context.Context, time.Time) (int, error) { return 0, nil }

func TestAdmitSurfacesStoreError(t *testing.T) {
	c := NewController(failingStore{}, 10, time.Hour)
	_, err := c.Admit(context.Background(), "k")
	assert.Error(t, err)
}

func TestRedisStore(t *testing.T) {
	url := os.Getenv("FLIPBG_TEST_REDIS_URL")
	if url == "" {
		t.Skip("FLIPBG_TEST_REDIS_URL not set")
	}
	ctx := context.Background()
	store, err := NewRedisStore(ctx, url, fmt.Sprintf("flipbg-test:%d:", time.Now().UnixNano()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	c := NewController(store, 2, time.Minute)
	for i := 0; i < 2; i++ {
		d, err := c.Admit(ctx, "k")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}
	d, err := c.Admit(ctx, "k")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.InDelta(t, time.Minute.Seconds(), d.ResetIn.Seconds(), 2)
}
