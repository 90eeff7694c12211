package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetGetDelete(t *testing.T) {
	c := New()

	c.Set(NSTickers, "BTC/USDT", 52000.0)
	v, ok := c.Get(NSTickers, "BTC/USDT")
	require.True(t, ok)
	assert.Equal(t, 52000.0, v)

	c.Delete(NSTickers, "BTC/USDT")
	_, ok = c.Get(NSTickers, "BTC/USDT")
	assert.False(t, ok)
}

func TestExpiryEvictsOnRead(t *testing.T) {
	c := New()
	c.SetTTL(NSTickers, 10*time.Millisecond)

	c.Set(NSTickers, "ETH/USDT", 3100.0)
	time.Sleep(20 * time.Millisecond)

	_, ok := c.Get(NSTickers, "ETH/USDT")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestInvalidateNamespace(t *testing.T) {
	c := New()
	c.Set(NSOHLCV3m, "BTC/USDT:100", []int{1})
	c.Set(NSOHLCV3m, "ETH/USDT:100", []int{2})
	c.Set(NSTickers, "BTC/USDT", 1.0)

	c.Invalidate(NSOHLCV3m)

	_, ok := c.Get(NSOHLCV3m, "BTC/USDT:100")
	assert.False(t, ok)
	_, ok = c.Get(NSOHLCV3m, "ETH/USDT:100")
	assert.False(t, ok)
	_, ok = c.Get(NSTickers, "BTC/USDT")
	assert.True(t, ok)
}

func TestInvalidateSpecificKeys(t *testing.T) {
	c := New()
	c.Set(NSOrderbook, "BTC/USDT", "ob1")
	c.Set(NSOrderbook, "ETH/USDT", "ob2")

	c.Invalidate(NSOrderbook, "BTC/USDT")

	_, ok := c.Get(NSOrderbook, "BTC/USDT")
	assert.False(t, ok)
	_, ok = c.Get(NSOrderbook, "ETH/USDT")
	assert.True(t, ok)
}

func TestCleanupExpired(t *testing.T) {
	c := New()
	c.SetTTL(NSTrades, 5*time.Millisecond)
	c.Set(NSTrades, "a", 1)
	c.Set(NSTrades, "b", 2)
	c.Set(NSMarkets, "binance", 3)

	time.Sleep(15 * time.Millisecond)
	removed := c.CleanupExpired()

	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, c.Len())
}

func TestSetCycleIntervalPerBot(t *testing.T) {
	c := New()

	// Bot 1 runs fast cycles, bot 2 slow; each gets its own
	// coin_selection TTL.
	c.SetCycleInterval(1, 20*time.Millisecond)
	c.SetCycleInterval(2, time.Hour)

	c.Set(NSCoinSelection, "bot_1", []string{"BTC/USDT"})
	c.Set(NSCoinSelection, "bot_2", []string{"ETH/USDT"})

	time.Sleep(30 * time.Millisecond)

	_, ok := c.Get(NSCoinSelection, "bot_1")
	assert.False(t, ok, "bot 1 selection should have expired")
	_, ok = c.Get(NSCoinSelection, "bot_2")
	assert.True(t, ok, "bot 2 selection should still be live")
}

func TestStoredAt(t *testing.T) {
	c := New()
	before := time.Now()
	c.Set(NSTickers, "BTC/USDT", 1.0)

	at, ok := c.StoredAt(NSTickers, "BTC/USDT")
	require.True(t, ok)
	assert.WithinDuration(t, before, at, time.Second)

	_, ok = c.StoredAt(NSTickers, "missing")
	assert.False(t, ok)
}
