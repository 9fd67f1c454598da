package ratelimit_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/groupcast/internal/ratelimit"
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

func stores(t *testing.T) map[string]ratelimit.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return map[string]ratelimit.Store{
		"memory": ratelimit.NewMemoryStore(),
		"redis":  ratelimit.NewRedisStore(client, "test:"),
	}
}

func TestNewSlidingWindowValidates(t *testing.T) {
	_, err := ratelimit.NewSlidingWindow(nil, 1, time.Second)
	assert.ErrorIs(t, err, ratelimit.ErrStoreRequired)
	_, err = ratelimit.NewSlidingWindow(ratelimit.NewMemoryStore(), 0, time.Second)
	assert.ErrorIs(t, err, ratelimit.ErrInvalidLimit)
	_, err = ratelimit.NewSlidingWindow(ratelimit.NewMemoryStore(), 1, 0)
	assert.ErrorIs(t, err, ratelimit.ErrInvalidWindow)
}

func TestReserveNeverExceedsLimitInAnyWindow(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
			sw, err := ratelimit.NewSlidingWindow(store, 3, time.Minute, ratelimit.WithClock(clock.Now))
			require.NoError(t, err)
			ctx := context.Background()

			for i := range 3 {
				wait, err := sw.Reserve(ctx, "acc")
				require.NoError(t, err)
				assert.Zero(t, wait, "slot %d", i)
				clock.Advance(10 * time.Second)
			}

			// oldest event was 30s ago, so it leaves the window in 30s
			wait, err := sw.Reserve(ctx, "acc")
			require.NoError(t, err)
			assert.Equal(t, 30*time.Second, wait)

			clock.Advance(wait)
			wait, err = sw.Reserve(ctx, "acc")
			require.NoError(t, err)
			assert.Zero(t, wait)
		})
	}
}

func TestKeysAreIndependent(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
			sw, err := ratelimit.NewSlidingWindow(store, 1, time.Minute, ratelimit.WithClock(clock.Now))
			require.NoError(t, err)
			ctx := context.Background()

			wait, _ := sw.Reserve(ctx, "a")
			assert.Zero(t, wait)
			wait, _ = sw.Reserve(ctx, "b")
			assert.Zero(t, wait)
			wait, _ = sw.Reserve(ctx, "a")
			assert.Positive(t, wait)

			require.NoError(t, sw.Reset(ctx, "a"))
			wait, _ = sw.Reserve(ctx, "a")
			assert.Zero(t, wait)
		})
	}
}

func TestWaitHonoursContext(t *testing.T) {
	sw, err := ratelimit.NewSlidingWindow(ratelimit.NewMemoryStore(), 1, time.Hour)
	require.NoError(t, err)
	require.NoError(t, sw.Wait(context.Background(), "acc"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, sw.Wait(ctx, "acc"), context.DeadlineExceeded)
}

func TestEmptyKeyRejected(t *testing.T) {
	sw, err := ratelimit.NewSlidingWindow(ratelimit.NewMemoryStore(), 1, time.Second)
	require.NoError(t, err)
	_, err = sw.Reserve(context.Background(), "")
	assert.ErrorIs(t, err, ratelimit.ErrKeyRequired)
}

func TestConnect(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := ratelimit.Connect(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	assert.NoError(t, client.Ping(context.Background()).Err())
}

func TestConnectInvalidURL(t *testing.T) {
	_, err := ratelimit.Connect(context.Background(), "mysql://nope")
	assert.Error(t, err)
}

func TestConnectGivesUpWithContext(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := ratelimit.Connect(ctx, "redis://"+addr)
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}
