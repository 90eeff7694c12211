package backtest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/perpcycle/internal/cache"
	"github.com/ajitpratap0/perpcycle/internal/exchange"
)

const stepMS = 180_000 // one 3m candle

// rampCandles builds an ascending 3m series with closes rising by one
// per candle, starting at basePrice.
func rampCandles(n int, startMS int64, basePrice float64) []exchange.Candle {
	out := make([]exchange.Candle, 0, n)
	for i := 0; i < n; i++ {
		price := basePrice + float64(i)
		out = append(out, exchange.Candle{
			OpenTime: startMS + int64(i)*stepMS,
			Open:     price,
			High:     price + 0.5,
			Low:      price - 0.5,
			Close:    price,
			Volume:   10,
		})
	}
	return out
}

func TestWindowFiltersByClock(t *testing.T) {
	ds := NewDataSource([]string{"BTC/USDT"}, []string{"3m"})
	ds.SetSeries("BTC/USDT", "3m", rampCandles(10, 0, 100))

	t.Run("mid series", func(t *testing.T) {
		ds.SetNow(4 * stepMS)
		w := ds.Window("BTC/USDT", "3m", 3)
		require.Len(t, w, 3)
		// Candles 2, 3, 4 are the last three at or before the clock.
		assert.Equal(t, 102.0, w[0].Close)
		assert.Equal(t, 104.0, w[2].Close)
	})

	t.Run("before first candle", func(t *testing.T) {
		ds.SetNow(-1)
		assert.Empty(t, ds.Window("BTC/USDT", "3m", 5))
	})

	t.Run("limit wider than history", func(t *testing.T) {
		ds.SetNow(2 * stepMS)
		w := ds.Window("BTC/USDT", "3m", 100)
		assert.Len(t, w, 3)
	})

	t.Run("unknown series", func(t *testing.T) {
		assert.Empty(t, ds.Window("ETH/USDT", "3m", 5))
	})
}

func TestCurrentAndNextClose(t *testing.T) {
	ds := NewDataSource([]string{"BTC/USDT"}, []string{"3m"})
	ds.SetSeries("BTC/USDT", "3m", rampCandles(5, 0, 100))

	ds.SetNow(2 * stepMS)
	cur, ok := ds.Current("BTC/USDT", "3m")
	require.True(t, ok)
	assert.Equal(t, 102.0, cur.Close)

	next, ok := ds.NextClose("BTC/USDT", "3m")
	require.True(t, ok)
	assert.Equal(t, 103.0, next)

	// At the end of the series the current close stands in.
	ds.SetNow(10 * stepMS)
	next, ok = ds.NextClose("BTC/USDT", "3m")
	require.True(t, ok)
	assert.Equal(t, 104.0, next)
}

func TestFundingAt(t *testing.T) {
	ds := NewDataSource([]string{"BTC/USDT"}, []string{"3m"})
	ds.setFunding("BTC/USDT", []exchange.FundingRate{
		{Symbol: "BTC/USDT", Rate: 0.0001, Timestamp: 1000},
		{Symbol: "BTC/USDT", Rate: 0.0003, Timestamp: 2000},
	}, 10_000)

	ds.SetNow(500)
	assert.Zero(t, ds.FundingAt("BTC/USDT"))

	ds.SetNow(1500)
	assert.Equal(t, 0.0001, ds.FundingAt("BTC/USDT"))

	ds.SetNow(5000)
	assert.Equal(t, 0.0003, ds.FundingAt("BTC/USDT"))
	assert.Len(t, ds.FundingHistory("BTC/USDT"), 2)
}

func TestPreloadCoversWarmup(t *testing.T) {
	mock := exchange.NewMockAdapter(0)
	// Series spans 40 days at 4h so the 35-day warmup is covered.
	fourH := int64(4 * time.Hour / time.Millisecond)
	base := int64(1_600_000_000_000)
	var candles []exchange.Candle
	for i := 0; i < 240; i++ {
		candles = append(candles, exchange.Candle{
			OpenTime: base + int64(i)*fourH, Close: 100 + float64(i), Volume: 1,
		})
	}
	mock.SetCandles("BTC/USDT", "4h", candles)
	mock.FundingHist["BTC/USDT"] = []exchange.FundingRate{
		{Symbol: "BTC/USDT", Rate: 0.0002, Timestamp: base},
	}

	start := time.UnixMilli(base + 220*fourH)
	end := time.UnixMilli(base + 230*fourH)

	ds := NewDataSource([]string{"BTC/USDT"}, []string{"4h"})
	require.NoError(t, ds.Preload(context.Background(), mock, start, end))

	loaded := ds.candles[seriesKey("BTC/USDT", "4h")]
	require.NotEmpty(t, loaded)
	// Warmup reaches 35 days before start; candles after end are dropped.
	assert.LessOrEqual(t, loaded[0].OpenTime, start.UnixMilli())
	assert.GreaterOrEqual(t, loaded[0].OpenTime, start.Add(-warmupPeriod).UnixMilli())
	assert.LessOrEqual(t, loaded[len(loaded)-1].OpenTime, end.UnixMilli())

	ds.SetNow(start.UnixMilli())
	assert.Equal(t, 0.0002, ds.FundingAt("BTC/USDT"))
}

func TestPreloadEmptySeriesFails(t *testing.T) {
	mock := exchange.NewMockAdapter(0)
	ds := NewDataSource([]string{"BTC/USDT"}, []string{"3m"})
	err := ds.Preload(context.Background(), mock,
		time.UnixMilli(0), time.UnixMilli(1_000_000))
	assert.ErrorContains(t, err, "no candles")
}

func TestSeedCycleWritesCacheWindows(t *testing.T) {
	ds := NewDataSource([]string{"BTC/USDT"}, []string{"3m"})
	ds.SetSeries("BTC/USDT", "3m", rampCandles(150, 0, 100))
	ds.SetNow(120 * stepMS)

	c := cache.New()
	ds.SeedCycle(c, 100)

	v, ok := c.Get("ohlcv_3m", fmt.Sprintf("%s:%d", "BTC/USDT", 100))
	require.True(t, ok)
	w, ok := v.([]exchange.Candle)
	require.True(t, ok)
	require.Len(t, w, 100)
	// The last window candle is the one at the clock, index 120.
	assert.Equal(t, 220.0, w[99].Close)
	assert.Equal(t, int64(120*stepMS), w[99].OpenTime)
}
