package models

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"basement/utils"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testLogger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	epoch      = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
)

const (
	testWindow = 10 * time.Second
	testBurst  = 3
)

func TestRateLimiterWindow(t *testing.T) {
	ctx := context.Background()
	clock := utils.NewFakeClock(epoch)
	rl := NewRateLimiter(nil, clock, testLogger)

	for i := 0; i < testBurst; i++ {
		assert.False(t, rl.IsRateLimited(ctx, "anon1", testWindow, testBurst), "hit %d should pass", i+1)
		clock.Advance(time.Second)
	}
	assert.True(t, rl.IsRateLimited(ctx, "anon1", testWindow, testBurst), "hit past the burst should be limited")
	assert.False(t, rl.IsRateLimited(ctx, "anon2", testWindow, testBurst), "other identifiers are independent")

	// The window opened at epoch, so it resets at epoch+10s.
	clock.Set(epoch.Add(testWindow))
	assert.False(t, rl.IsRateLimited(ctx, "anon1", testWindow, testBurst), "a new window should open at reset")
}

func TestRateLimiterDeniedHitsDoNotExtend(t *testing.T) {
	ctx := context.Background()
	clock := utils.NewFakeClock(epoch)
	store := NewMemoryWindowStore()
	rl := NewRateLimiter(store, clock, testLogger)

	for i := 0; i < testBurst; i++ {
		require.False(t, rl.IsRateLimited(ctx, "anon", testWindow, testBurst))
	}
	for i := 0; i < 5; i++ {
		clock.Advance(time.Second)
		assert.True(t, rl.IsRateLimited(ctx, "anon", testWindow, testBurst))
	}

	w, ok, err := store.Get(ctx, rateKey("anon"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, testBurst, w.Count)
	assert.Equal(t, epoch.Add(testWindow), w.ResetAt)
}

func TestSecondsUntilReset(t *testing.T) {
	ctx := context.Background()
	clock := utils.NewFakeClock(epoch)
	rl := NewRateLimiter(nil, clock, testLogger)

	assert.Equal(t, 0, rl.SecondsUntilReset(ctx, "anon"), "no window yet")

	rl.IsRateLimited(ctx, "anon", testWindow, testBurst)
	assert.Equal(t, 10, rl.SecondsUntilReset(ctx, "anon"))

	prev := rl.SecondsUntilReset(ctx, "anon")
	for i := 0; i < 12; i++ {
		clock.Advance(900 * time.Millisecond)
		got := rl.SecondsUntilReset(ctx, "anon")
		assert.LessOrEqual(t, got, prev, "must not increase as time passes")
		assert.GreaterOrEqual(t, got, 0)
		prev = got
	}
	assert.Equal(t, 0, prev)

	clock.Set(epoch.Add(9500 * time.Millisecond))
	assert.Equal(t, 1, rl.SecondsUntilReset(ctx, "anon"), "partial seconds round up")
}

func TestRateLimiterClearAndSweep(t *testing.T) {
	ctx := context.Background()
	clock := utils.NewFakeClock(epoch)
	store := NewMemoryWindowStore()
	rl := NewRateLimiter(store, clock, testLogger)

	for i := 0; i < testBurst; i++ {
		rl.IsRateLimited(ctx, "a", testWindow, testBurst)
	}
	require.True(t, rl.IsRateLimited(ctx, "a", testWindow, testBurst))
	require.NoError(t, rl.Clear(ctx, "a"))
	assert.False(t, rl.IsRateLimited(ctx, "a", testWindow, testBurst), "cleared identifier starts fresh")

	clock.Advance(5 * time.Second)
	rl.IsRateLimited(ctx, "b", testWindow, testBurst)
	require.Equal(t, 2, store.Len())

	// "a" reset at epoch+10s, "b" at epoch+15s.
	clock.Set(epoch.Add(testWindow))
	n, err := rl.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, store.Len())

	clock.Advance(time.Hour)
	n, err = rl.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, store.Len())
}

// TestRateLimiterConcurrent checks that concurrent hits never exceed the burst.
func TestRateLimiterConcurrent(t *testing.T) {
	ctx := context.Background()
	clock := utils.NewFakeClock(epoch)
	store := NewMemoryWindowStore()
	rl := NewRateLimiter(store, clock, testLogger)

	const workers = 50
	var (
		wg      sync.WaitGroup
		allowed atomic.Int32
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !rl.IsRateLimited(ctx, "shared", testWindow, testBurst) {
				allowed.Add(1)
			}
			// Sweeping concurrently must not lose the live window.
			store.Sweep(ctx, epoch)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, testBurst, allowed.Load())
}

type failingStore struct{ MemoryWindowStore }

func (*failingStore) Update(context.Context, string, func(Window, bool) Window) (Window, error) {
	return Window{}, ErrWindowContention
}

func TestRateLimiterFailsOpen(t *testing.T) {
	rl := NewRateLimiter(&failingStore{}, utils.NewFakeClock(epoch), testLogger)
	for i := 0; i < 10; i++ {
		assert.False(t, rl.IsRateLimited(context.Background(), "x", testWindow, 1))
	}
	_, err := rl.Allow(context.Background(), "x", testWindow, 1)
	assert.ErrorIs(t, err, ErrWindowContention)
}

// TestRedisWindowStore runs against a live Redis when BASEMENT_TEST_REDIS_ADDR is set.
func TestRedisWindowStore(t *testing.T) {
	addr := os.Getenv("BASEMENT_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("BASEMENT_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })
	require.NoError(t, client.Ping(ctx).Err())

	store := NewRedisWindowStore(client, "basement:test:"+time.Now().Format("150405.000")+":")
	clock := utils.NewFakeClock(time.Now())
	rl := NewRateLimiter(store, clock, testLogger)
	t.Cleanup(func() { rl.Clear(ctx, "anon") })

	for i := 0; i < testBurst; i++ {
		assert.False(t, rl.IsRateLimited(ctx, "anon", testWindow, testBurst))
	}
	assert.True(t, rl.IsRateLimited(ctx, "anon", testWindow, testBurst))
	assert.InDelta(t, 10, rl.SecondsUntilReset(ctx, "anon"), 1)

	require.NoError(t, rl.Clear(ctx, "anon"))
	_, ok, err := store.Get(ctx, rateKey("anon"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNewPagination(t *testing.T) {
	testCases := []struct {
		page, size, total, pages int
	}{
		{1, 15, 0, 0},
		{1, 15, 15, 1},
		{2, 15, 16, 2},
		{1, 0, 10, 0},
	}
	for _, tc := range testCases {
		p := NewPagination(tc.page, tc.size, tc.total)
		assert.Equal(t, tc.pages, p.TotalPages, "total=%d size=%d", tc.total, tc.size)
	}
}

func TestBanJSON(t *testing.T) {
	permanent := Ban{ID: 1, Reason: "spam", CreatedAt: epoch}
	data, err := permanent.MarshalJSON()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"expiresAt":null`)
	assert.NotContains(t, string(data), "ipHash")
}
