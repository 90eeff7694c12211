package nodes

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/perpcycle/internal/cache"
	"github.com/ajitpratap0/perpcycle/internal/db"
	"github.com/ajitpratap0/perpcycle/internal/exchange"
	"github.com/ajitpratap0/perpcycle/internal/pipeline"
)

func uptrendCandles(n int, start float64) []exchange.Candle {
	out := make([]exchange.Candle, n)
	px := start
	for i := range out {
		out[i] = exchange.Candle{
			OpenTime: int64(i) * 180_000,
			Open:     px, High: px * 1.01, Low: px * 0.99, Close: px * 1.002,
			Volume: 100,
		}
		px *= 1.002
	}
	return out
}

func newMarketDataNode(t *testing.T, pc *pipeline.PluginContext) *MarketData {
	t.Helper()
	node, err := newMarketData(pc, nil)
	require.NoError(t, err)
	return node.(*MarketData)
}

func marketDataBot() *db.Bot {
	return &db.Bot{ID: 1, Timeframes: []string{"3m", "4h"}}
}

func TestMarketDataGathersBundlesPricesAndFunding(t *testing.T) {
	mock := exchange.NewMockAdapter(10000)
	mock.SetPrice("BTC/USDT", 50000)
	mock.SetCandles("BTC/USDT", "3m", uptrendCandles(100, 50000))
	mock.SetCandles("BTC/USDT", "4h", uptrendCandles(100, 48000))
	mock.Funding["BTC/USDT"] = &exchange.FundingRate{Symbol: "BTC/USDT", Rate: 0.0001}

	node := newMarketDataNode(t, &pipeline.PluginContext{
		Exchange: mock, Cache: cache.New(), Bot: marketDataBot(),
	})
	st := pipeline.NewState(1)
	st.Symbols = []string{"BTC/USDT"}

	_, err := node.Run(context.Background(), st)
	require.NoError(t, err)

	d := st.Data("BTC/USDT")
	require.NotNil(t, d.Bundle("3m"))
	require.NotNil(t, d.Bundle("4h"))
	assert.Equal(t, 50000.0, d.CurrentPrice)
	assert.Equal(t, 0.0001, d.FundingRate)

	// Live cycle: microstructure comes from the synthetic one-level book.
	require.NotNil(t, d.Microstructure)
	assert.Zero(t, d.Microstructure.Imbalance)
	assert.InDelta(t, 20.0, d.Microstructure.LiquidityDepth, 1e-9)
}

func TestMarketDataDropsSymbolsMissingCandles(t *testing.T) {
	mock := exchange.NewMockAdapter(10000)
	mock.SetPrice("BTC/USDT", 50000)
	mock.SetPrice("ETH/USDT", 2000)
	mock.SetCandles("BTC/USDT", "3m", uptrendCandles(100, 50000))
	mock.SetCandles("BTC/USDT", "4h", uptrendCandles(100, 48000))
	// ETH has the fast timeframe only; an incomplete bundle set drops it.
	mock.SetCandles("ETH/USDT", "3m", uptrendCandles(100, 2000))

	node := newMarketDataNode(t, &pipeline.PluginContext{
		Exchange: mock, Cache: cache.New(), Bot: marketDataBot(),
	})
	st := pipeline.NewState(1)
	st.Symbols = []string{"BTC/USDT", "ETH/USDT"}

	_, err := node.Run(context.Background(), st)
	require.NoError(t, err)
	assert.Equal(t, []string{"BTC/USDT"}, st.Symbols)
}

func TestMarketDataBacktestIsCacheOnly(t *testing.T) {
	mock := exchange.NewMockAdapter(10000)
	mock.SetPrice("BTC/USDT", 50000)
	// REST has candles, but backtests must never reach it.
	mock.SetCandles("BTC/USDT", "3m", uptrendCandles(100, 50000))
	mock.SetCandles("BTC/USDT", "4h", uptrendCandles(100, 48000))

	c := cache.New()
	node := newMarketDataNode(t, &pipeline.PluginContext{
		Exchange: mock, Cache: c, Bot: marketDataBot(),
	})

	t.Run("cache miss drops the symbol", func(t *testing.T) {
		st := pipeline.NewState(1)
		st.Backtest = true
		st.Symbols = []string{"BTC/USDT"}

		_, err := node.Run(context.Background(), st)
		require.NoError(t, err)
		assert.Empty(t, st.Symbols)
	})

	t.Run("seeded cache serves the window", func(t *testing.T) {
		key := fmt.Sprintf("BTC/USDT:%d", ohlcvWindow)
		c.Set("ohlcv_3m", key, uptrendCandles(100, 50000))
		c.Set("ohlcv_4h", key, uptrendCandles(100, 48000))
		c.Set(cache.NSTickers, "BTC/USDT", &exchange.Ticker{Symbol: "BTC/USDT", Last: 50100})

		st := pipeline.NewState(1)
		st.Backtest = true
		st.Symbols = []string{"BTC/USDT"}

		_, err := node.Run(context.Background(), st)
		require.NoError(t, err)

		d := st.Data("BTC/USDT")
		require.NotNil(t, d.Bundle("3m"))
		assert.Equal(t, 50100.0, d.CurrentPrice)
		// No order book in a backtest.
		assert.Nil(t, d.Microstructure)
	})
}

func TestMarketDataBackfillsPositionPrices(t *testing.T) {
	mock := exchange.NewMockAdapter(10000)
	mock.SetPrice("BTC/USDT", 50000)
	mock.SetCandles("BTC/USDT", "3m", uptrendCandles(100, 50000))
	mock.SetCandles("BTC/USDT", "4h", uptrendCandles(100, 48000))
	mock.SetPrice("SOL/USDT", 150)

	node := newMarketDataNode(t, &pipeline.PluginContext{
		Exchange: mock, Cache: cache.New(), Bot: marketDataBot(),
	})
	st := pipeline.NewState(1)
	st.Symbols = []string{"BTC/USDT"}
	st.Positions = []exchange.Position{{
		Symbol: "SOL/USDT", Side: exchange.OrderSideBuy,
		EntryPrice: 140, Amount: 1, Leverage: 2, Status: "open",
	}}

	_, err := node.Run(context.Background(), st)
	require.NoError(t, err)

	// The held symbol is not in the universe but its PnL stays computable
	// and the position stays open.
	assert.Equal(t, 150.0, st.Price("SOL/USDT"))
	require.Len(t, st.Positions, 1)
}

func TestComputeMicrostructure(t *testing.T) {
	book := &exchange.OrderBook{
		Symbol: "BTC/USDT",
		Bids:   []exchange.OrderBookLevel{{Price: 99, Amount: 30}, {Price: 98, Amount: 30}},
		Asks:   []exchange.OrderBookLevel{{Price: 101, Amount: 20}, {Price: 102, Amount: 20}},
	}
	trades := []exchange.Trade{
		{Side: exchange.OrderSideBuy, Price: 100, Amount: 6, Timestamp: 1},
		{Side: exchange.OrderSideSell, Price: 101, Amount: 2, Timestamp: 2},
		{Side: exchange.OrderSideBuy, Price: 102, Amount: 1, Timestamp: 3},
	}

	ms := computeMicrostructure(book, trades)

	assert.InDelta(t, 2.0/100.0, ms.Spread, 1e-9)
	assert.InDelta(t, 60.0, ms.BidVol10, 1e-9)
	assert.InDelta(t, 40.0, ms.AskVol10, 1e-9)
	assert.InDelta(t, 0.2, ms.Imbalance, 1e-9) // (60-40)/100
	assert.InDelta(t, 100.0, ms.LiquidityDepth, 1e-9)

	assert.InDelta(t, 3.5, ms.BuySellRatio, 1e-9) // 7 bought vs 2 sold
	assert.Equal(t, 3.0, ms.TradeIntensity)
	assert.InDelta(t, 3.0, ms.AvgTradeSize, 1e-9)
	assert.InDelta(t, 2.0, ms.PriceMomentum, 1e-9) // 100 -> 102

	t.Run("newest-first prints are reordered", func(t *testing.T) {
		reversed := []exchange.Trade{
			{Side: exchange.OrderSideBuy, Price: 102, Amount: 1, Timestamp: 3},
			{Side: exchange.OrderSideSell, Price: 101, Amount: 2, Timestamp: 2},
			{Side: exchange.OrderSideBuy, Price: 100, Amount: 6, Timestamp: 1},
		}
		ms := computeMicrostructure(nil, reversed)
		assert.InDelta(t, 2.0, ms.PriceMomentum, 1e-9)
	})

	t.Run("no book no trades", func(t *testing.T) {
		ms := computeMicrostructure(nil, nil)
		assert.Zero(t, ms.Spread)
		assert.Zero(t, ms.TradeIntensity)
	})
}
