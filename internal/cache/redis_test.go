package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTier(t *testing.T) (*RedisTier, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	tier := NewRedisTier(client, func(string) time.Duration { return time.Minute })
	require.NotNil(t, tier)
	return tier, mr
}

func TestNewRedisTierNilClient(t *testing.T) {
	assert.Nil(t, NewRedisTier(nil, nil))
}

func TestRedisTierRoundTrip(t *testing.T) {
	tier, _ := newTestTier(t)
	ctx := context.Background()

	type window struct {
		Symbol  string    `json:"symbol"`
		Closes  []float64 `json:"closes"`
		Updated time.Time `json:"updated"`
	}
	in := window{Symbol: "BTC/USDT", Closes: []float64{1, 2, 3}}

	tier.Set(NSOHLCV4h, "BTC/USDT:100", in)

	// Set is async; poll briefly
	var out window
	require.Eventually(t, func() bool {
		return tier.Get(ctx, NSOHLCV4h, "BTC/USDT:100", &out)
	}, time.Second, 10*time.Millisecond)

	assert.Equal(t, in.Symbol, out.Symbol)
	assert.Equal(t, in.Closes, out.Closes)
}

func TestRedisTierMiss(t *testing.T) {
	tier, _ := newTestTier(t)

	var out map[string]interface{}
	assert.False(t, tier.Get(context.Background(), NSTickers, "nope", &out))
}

func TestRedisTierTTLExpiry(t *testing.T) {
	tier, mr := newTestTier(t)
	ctx := context.Background()

	tier.Set(NSTickers, "BTC/USDT", 52000.0)
	var price float64
	require.Eventually(t, func() bool {
		return tier.Get(ctx, NSTickers, "BTC/USDT", &price)
	}, time.Second, 10*time.Millisecond)

	mr.FastForward(2 * time.Minute)

	assert.False(t, tier.Get(ctx, NSTickers, "BTC/USDT", &price))
}

func TestRedisTierInvalidate(t *testing.T) {
	tier, _ := newTestTier(t)
	ctx := context.Background()

	tier.Set(NSOrderbook, "BTC/USDT", "a")
	tier.Set(NSOrderbook, "ETH/USDT", "b")
	tier.Set(NSTrades, "BTC/USDT", "c")

	var s string
	require.Eventually(t, func() bool {
		return tier.Get(ctx, NSOrderbook, "BTC/USDT", &s) &&
			tier.Get(ctx, NSTrades, "BTC/USDT", &s)
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, tier.Invalidate(ctx, NSOrderbook))

	assert.False(t, tier.Get(ctx, NSOrderbook, "BTC/USDT", &s))
	assert.False(t, tier.Get(ctx, NSOrderbook, "ETH/USDT", &s))
	assert.True(t, tier.Get(ctx, NSTrades, "BTC/USDT", &s))
}

func TestRedisTierHealth(t *testing.T) {
	tier, mr := newTestTier(t)
	assert.NoError(t, tier.Health(context.Background()))

	mr.Close()
	assert.Error(t, tier.Health(context.Background()))
}
