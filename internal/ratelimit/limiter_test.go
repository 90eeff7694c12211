package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestIntervalFloor(t *testing.T) {
	l := New("binance", 50*time.Millisecond, 20)
	assert.Equal(t, rate.Every(minRequestInterval), l.interval.Limit())

	l.SetRateLimit(50)
	assert.Equal(t, rate.Every(minRequestInterval), l.interval.Limit())

	l.SetRateLimit(1200)
	assert.Equal(t, rate.Every(1200*time.Millisecond), l.interval.Limit())
}

// Sliding-window property: with cap N, request N+1 cannot complete before
// the oldest approval has aged out of the window. The window and interval
// are shrunk so the test runs in well under a second.
func TestSlidingWindowCap(t *testing.T) {
	l := New("binance", time.Second, 5)
	l.window = 300 * time.Millisecond
	l.interval = rate.NewLimiter(rate.Inf, 1) // isolate the window limit

	ctx := context.Background()
	start := time.Now()

	for i := 0; i < 5; i++ {
		require.NoError(t, l.WaitIfNeeded(ctx))
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond,
		"first five approvals should not block")

	require.NoError(t, l.WaitIfNeeded(ctx))
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, l.window-100*time.Millisecond,
		"sixth approval must wait for the window")
}

func TestWindowNeverExceedsCap(t *testing.T) {
	l := New("binance", time.Second, 3)
	l.window = 200 * time.Millisecond
	l.interval = rate.NewLimiter(rate.Inf, 1)

	ctx := context.Background()
	for i := 0; i < 9; i++ {
		require.NoError(t, l.WaitIfNeeded(ctx))
		assert.LessOrEqual(t, l.InFlight(), 3)
	}
}

func TestWaitCancellation(t *testing.T) {
	l := New("binance", time.Second, 1)
	l.interval = rate.NewLimiter(rate.Inf, 1)

	require.NoError(t, l.WaitIfNeeded(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := l.WaitIfNeeded(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRegistryReturnsSameLimiter(t *testing.T) {
	r := NewRegistry()
	a := r.For("binance", time.Second, 20)
	b := r.For("binance", 2*time.Second, 5)
	c := r.For("bybit", time.Second, 20)

	assert.Same(t, a, b, "same exchange shares one limiter")
	assert.NotSame(t, a, c)
}
