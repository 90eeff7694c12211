package klines_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/perpcycle/internal/db/testhelpers"
	"github.com/ajitpratap0/perpcycle/internal/exchange"
	"github.com/ajitpratap0/perpcycle/internal/klines"
)

func testCandles(n int, startMs int64) []exchange.Candle {
	out := make([]exchange.Candle, 0, n)
	price := 100.0
	for i := 0; i < n; i++ {
		out = append(out, exchange.Candle{
			OpenTime: startMs + int64(i)*180_000,
			Open:     price,
			High:     price * 1.001,
			Low:      price * 0.999,
			Close:    price * 1.0005,
			Volume:   50,
		})
		price *= 1.0005
	}
	return out
}

func TestArchiveRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("requires docker")
	}
	tc := testhelpers.SetupTestDatabase(t)

	archive, err := klines.Open(tc.ConnectionStr)
	require.NoError(t, err)
	defer archive.Close()

	ctx := context.Background()
	candles := testCandles(10, 1_000_000)
	require.NoError(t, archive.Store(ctx, "BTC/USDT", "3m", candles))

	t.Run("load full range", func(t *testing.T) {
		got, err := archive.Load(ctx, "BTC/USDT", "3m", 0, 10_000_000)
		require.NoError(t, err)
		require.Len(t, got, 10)
		assert.Equal(t, candles[0].OpenTime, got[0].OpenTime)
		assert.InDelta(t, candles[0].Close, got[0].Close, 1e-9)
	})

	t.Run("load sub range", func(t *testing.T) {
		got, err := archive.Load(ctx, "BTC/USDT", "3m", 1_180_000, 1_540_000)
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, int64(1_180_000), got[0].OpenTime)
	})

	t.Run("other series stays empty", func(t *testing.T) {
		got, err := archive.Load(ctx, "ETH/USDT", "3m", 0, 10_000_000)
		require.NoError(t, err)
		assert.Empty(t, got)

		got, err = archive.Load(ctx, "BTC/USDT", "4h", 0, 10_000_000)
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestArchiveUpsertOverwrites(t *testing.T) {
	if testing.Short() {
		t.Skip("requires docker")
	}
	tc := testhelpers.SetupTestDatabase(t)

	archive, err := klines.Open(tc.ConnectionStr)
	require.NoError(t, err)
	defer archive.Close()

	ctx := context.Background()
	require.NoError(t, archive.Store(ctx, "BTC/USDT", "3m", testCandles(5, 0)))

	// Re-sync the same range with corrected closes.
	revised := testCandles(5, 0)
	for i := range revised {
		revised[i].Close = 999
	}
	require.NoError(t, archive.Store(ctx, "BTC/USDT", "3m", revised))

	count, err := archive.Count(ctx, "BTC/USDT", "3m")
	require.NoError(t, err)
	assert.Equal(t, 5, count)

	got, err := archive.Load(ctx, "BTC/USDT", "3m", 0, 10_000_000)
	require.NoError(t, err)
	for _, c := range got {
		assert.Equal(t, 999.0, c.Close)
	}
}

func TestArchiveLastOpenTime(t *testing.T) {
	if testing.Short() {
		t.Skip("requires docker")
	}
	tc := testhelpers.SetupTestDatabase(t)

	archive, err := klines.Open(tc.ConnectionStr)
	require.NoError(t, err)
	defer archive.Close()

	ctx := context.Background()

	last, err := archive.LastOpenTime(ctx, "BTC/USDT", "3m")
	require.NoError(t, err)
	assert.Zero(t, last)

	require.NoError(t, archive.Store(ctx, "BTC/USDT", "3m", testCandles(4, 2_000_000)))

	last, err = archive.LastOpenTime(ctx, "BTC/USDT", "3m")
	require.NoError(t, err)
	assert.Equal(t, int64(2_000_000+3*180_000), last)
}

func TestArchiveStoreEmptyBatch(t *testing.T) {
	archive := klines.NewArchive(nil)
	// An empty batch never touches the database.
	assert.NoError(t, archive.Store(context.Background(), "BTC/USDT", "3m", nil))
}
