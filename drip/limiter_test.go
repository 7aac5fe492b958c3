package drip

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"dripline/models"
	"dripline/testutil"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func TestMemoryLimiter_CapacityPerChannel(t *testing.T) {
	clock := testutil.NewClock(t0)
	l := NewMemoryLimiter(map[models.Channel]int{models.ChannelEmail: 2, models.ChannelSMS: 1}, time.Hour, clock.Now)
	ctx := context.Background()

	for i, want := range []bool{true, true, false} {
		ok, err := l.TryAcquire(ctx, models.ChannelEmail)
		require.NoError(t, err)
		assert.Equal(t, want, ok, "email acquire %d", i)
	}

	ok, err := l.TryAcquire(ctx, models.ChannelSMS)
	require.NoError(t, err)
	assert.True(t, ok, "buckets are independent")

	for i := 0; i < 100; i++ {
		ok, err := l.TryAcquire(ctx, models.ChannelVoice)
		require.NoError(t, err)
		require.True(t, ok, "no capacity configured means unlimited")
	}
	assert.Equal(t, -1, l.Available(models.ChannelVoice))
	assert.Equal(t, 0, l.Available(models.ChannelEmail))
}

func TestMemoryLimiter_TokensReturnAfterWindow(t *testing.T) {
	clock := testutil.NewClock(t0)
	l := NewMemoryLimiter(map[models.Channel]int{models.ChannelEmail: 2}, time.Hour, clock.Now)
	ctx := context.Background()

	ok, _ := l.TryAcquire(ctx, models.ChannelEmail)
	require.True(t, ok)
	clock.Advance(30 * time.Minute)
	ok, _ = l.TryAcquire(ctx, models.ChannelEmail)
	require.True(t, ok)

	clock.Advance(29 * time.Minute)
	ok, _ = l.TryAcquire(ctx, models.ChannelEmail)
	assert.False(t, ok)

	clock.Advance(time.Minute) // first token is exactly an hour old
	assert.Equal(t, 1, l.Available(models.ChannelEmail))
	ok, _ = l.TryAcquire(ctx, models.ChannelEmail)
	assert.True(t, ok)
	ok, _ = l.TryAcquire(ctx, models.ChannelEmail)
	assert.False(t, ok, "the second token only returns at t0+90m")
}

func TestMemoryLimiter_RollingWindowNeverExceedsCapacity(t *testing.T) {
	clock := testutil.NewClock(t0)
	const capacity = 10
	l := NewMemoryLimiter(map[models.Channel]int{models.ChannelSMS: capacity}, time.Hour, clock.Now)
	ctx := context.Background()

	var granted []time.Time
	for i := 0; i < 24*60/7; i++ {
		for j := 0; j < 3; j++ {
			if ok, _ := l.TryAcquire(ctx, models.ChannelSMS); ok {
				granted = append(granted, clock.Now())
			}
		}
		clock.Advance(7 * time.Minute)
	}

	for i, start := range granted {
		n := 0
		for _, g := range granted[i:] {
			if g.Before(start.Add(time.Hour)) {
				n++
			}
		}
		require.LessOrEqual(t, n, capacity, "window starting %s", start)
	}
}

func TestMemoryLimiter_Concurrent(t *testing.T) {
	clock := testutil.NewClock(t0)
	l := NewMemoryLimiter(map[models.Channel]int{models.ChannelEmail: 10}, time.Hour, clock.Now)

	var granted int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := l.TryAcquire(context.Background(), models.ChannelEmail); ok {
				atomic.AddInt64(&granted, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(10), granted)
}

func TestMemoryLimiter_CanceledContext(t *testing.T) {
	l := NewMemoryLimiter(nil, 0, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := l.TryAcquire(ctx, models.ChannelEmail)
	assert.ErrorIs(t, err, context.Canceled)
}

// TestRedisLimiter runs against a real server when DRIPLINE_TEST_REDIS is set,
// e.g. DRIPLINE_TEST_REDIS=localhost:6379.
func TestRedisLimiter(t *testing.T) {
	addr := os.Getenv("DRIPLINE_TEST_REDIS")
	if addr == "" {
		t.Skip("DRIPLINE_TEST_REDIS not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	ctx := context.Background()
	prefix := "drip-test-" + time.Now().Format("150405.000000")
	clock := testutil.NewClock(t0)
	l := NewRedisLimiter(client, prefix, map[models.Channel]int{models.ChannelEmail: 10}, time.Hour)
	l.now = clock.Now
	defer client.Del(ctx, l.key(models.ChannelEmail))

	var granted int64
	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := l.TryAcquire(ctx, models.ChannelEmail)
			assert.NoError(t, err)
			if ok {
				atomic.AddInt64(&granted, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(10), granted)

	clock.Advance(time.Hour)
	ok, err := l.TryAcquire(ctx, models.ChannelEmail)
	require.NoError(t, err)
	assert.True(t, ok)
}
