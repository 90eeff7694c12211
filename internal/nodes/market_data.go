package nodes

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/ajitpratap0/perpcycle/internal/cache"
	"github.com/ajitpratap0/perpcycle/internal/exchange"
	"github.com/ajitpratap0/perpcycle/internal/indicators"
	"github.com/ajitpratap0/perpcycle/internal/pipeline"
)

const (
	dataWorkers    = 5
	ohlcvWindow    = 100
	orderBookDepth = 20
	tradeWindow    = 100
)

// MarketData gathers everything the decision stage reads: candle windows
// and indicator bundles per timeframe, realtime prices, funding rates,
// and (live only) order-book and trade-flow microstructure.
type MarketData struct {
	pc     *pipeline.PluginContext
	params indicators.Params
}

func newMarketData(pc *pipeline.PluginContext, config map[string]any) (pipeline.Node, error) {
	if pc.Exchange == nil {
		return nil, fmt.Errorf("market_data requires an exchange adapter")
	}
	return &MarketData{pc: pc, params: indicators.DefaultParams()}, nil
}

func (n *MarketData) timeframes() []string {
	if n.pc.Bot != nil {
		return n.pc.Bot.EffectiveTimeframes()
	}
	return []string{"3m", "4h"}
}

func (n *MarketData) Run(ctx context.Context, st *pipeline.State) (*pipeline.State, error) {
	if len(st.Symbols) == 0 {
		return st, nil
	}
	timeframes := n.timeframes()

	var (
		mu      sync.Mutex
		skipped []string
	)
	sem := semaphore.NewWeighted(dataWorkers)
	g, gctx := errgroup.WithContext(ctx)
	for _, symbol := range st.Symbols {
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			bundles := make(map[string]*indicators.Bundle, len(timeframes))
			for _, tf := range timeframes {
				window := n.fetchWindow(gctx, st, symbol, tf)
				if len(window) == 0 {
					continue
				}
				bundles[tf] = indicators.Compute(indicators.FromCandles(window), tf, n.params)
			}
			mu.Lock()
			defer mu.Unlock()
			if len(bundles) < len(timeframes) {
				skipped = append(skipped, symbol)
				return nil
			}
			st.Data(symbol).Bundles = bundles
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return st, err
	}

	if len(skipped) > 0 {
		log.Warn().
			Str("component", "nodes").
			Int64("bot_id", st.BotID).
			Strs("symbols", skipped).
			Msg("symbols skipped for missing candle data")
		drop := make(map[string]bool, len(skipped))
		for _, s := range skipped {
			drop[s] = true
		}
		kept := st.Symbols[:0]
		for _, s := range st.Symbols {
			if !drop[s] {
				kept = append(kept, s)
			}
		}
		st.Symbols = kept
	}

	n.fetchPrices(ctx, st)
	n.backfillPositionPrices(ctx, st)
	n.fetchFunding(ctx, st)

	if !st.Backtest {
		n.fetchMicrostructure(ctx, st)
	}
	return st, nil
}

// fetchWindow resolves the candle window for one (symbol, timeframe):
// stream manager first, then cache, then REST. Backtests are cache-only;
// a miss there means the symbol has no data at the simulated clock.
func (n *MarketData) fetchWindow(ctx context.Context, st *pipeline.State, symbol, tf string) []exchange.Candle {
	ns := "ohlcv_" + tf
	key := fmt.Sprintf("%s:%d", symbol, ohlcvWindow)

	if st.Backtest {
		if v, ok := n.pc.Cache.Get(ns, key); ok {
			if w, ok := v.([]exchange.Candle); ok {
				return w
			}
		}
		return nil
	}

	if n.pc.Stream != nil {
		return n.pc.Stream.GetLatestOHLCV(ctx, symbol, tf, ohlcvWindow)
	}

	if n.pc.Cache != nil {
		if v, ok := n.pc.Cache.Get(ns, key); ok {
			if w, ok := v.([]exchange.Candle); ok {
				return w
			}
		}
	}
	candles, err := n.pc.Exchange.FetchOHLCV(ctx, symbol, tf, 0, ohlcvWindow)
	if err != nil {
		log.Warn().
			Str("component", "nodes").
			Str("symbol", symbol).
			Str("timeframe", tf).
			Err(err).
			Msg("OHLCV fetch failed")
		return nil
	}
	if n.pc.Cache != nil && len(candles) > 0 {
		n.pc.Cache.Set(ns, key, candles)
	}
	return candles
}

// fetchPrices writes current_price per symbol: ticker cache first, one
// batch fetch for the misses, last close as the final fallback.
func (n *MarketData) fetchPrices(ctx context.Context, st *pipeline.State) {
	var missing []string
	for _, symbol := range st.Symbols {
		if n.applyCachedTicker(st, symbol) {
			continue
		}
		missing = append(missing, symbol)
	}
	if len(missing) > 0 {
		tickers, err := n.pc.Exchange.FetchTickers(ctx, missing)
		if err != nil {
			log.Warn().Str("component", "nodes").Err(err).Msg("batch ticker fetch failed")
		} else {
			for _, symbol := range missing {
				if t, ok := tickers[symbol]; ok && t != nil && t.Last > 0 {
					st.Data(symbol).CurrentPrice = t.Last
					if n.pc.Cache != nil {
						n.pc.Cache.Set(cache.NSTickers, symbol, t)
					}
				}
			}
		}
	}

	// Last close stands in when no ticker was available at all.
	for _, symbol := range st.Symbols {
		d := st.Data(symbol)
		if d.CurrentPrice > 0 {
			continue
		}
		for _, b := range d.Bundles {
			if b.LastPrice > 0 {
				d.CurrentPrice = b.LastPrice
				break
			}
		}
	}
}

func (n *MarketData) applyCachedTicker(st *pipeline.State, symbol string) bool {
	if n.pc.Cache == nil {
		return false
	}
	if v, ok := n.pc.Cache.Get(cache.NSTickers, symbol); ok {
		if t, ok := v.(*exchange.Ticker); ok && t.Last > 0 {
			st.Data(symbol).CurrentPrice = t.Last
			return true
		}
	}
	if v, ok := n.pc.Cache.Get(cache.NSTickers, "universe"); ok {
		if m, ok := v.(map[string]*exchange.Ticker); ok {
			if t, ok := m[symbol]; ok && t != nil && t.Last > 0 {
				st.Data(symbol).CurrentPrice = t.Last
				return true
			}
		}
	}
	return false
}

// backfillPositionPrices fetches tickers for open positions whose symbol
// fell out of the trading universe so their PnL stays computable. Such
// positions are not auto-closed; the trailing stop and the decision
// stage keep managing them.
func (n *MarketData) backfillPositionPrices(ctx context.Context, st *pipeline.State) {
	for i := range st.Positions {
		symbol := st.Positions[i].Symbol
		if st.Price(symbol) > 0 {
			continue
		}
		t, err := n.pc.Exchange.FetchTicker(ctx, symbol)
		if err != nil || t == nil || t.Last <= 0 {
			log.Warn().
				Str("component", "nodes").
				Str("symbol", symbol).
				Msg("no price for out-of-universe position")
			continue
		}
		st.Data(symbol).CurrentPrice = t.Last
	}
}

func (n *MarketData) fetchFunding(ctx context.Context, st *pipeline.State) {
	if !n.pc.Exchange.Capabilities().FundingRates || len(st.Symbols) == 0 {
		return
	}

	var rates map[string]*exchange.FundingRate
	if n.pc.Cache != nil {
		if v, ok := n.pc.Cache.Get(cache.NSFundingRates, "all"); ok {
			rates, _ = v.(map[string]*exchange.FundingRate)
		}
	}
	if rates == nil {
		var err error
		rates, err = n.pc.Exchange.FetchFundingRates(ctx, st.Symbols)
		if err != nil {
			log.Warn().Str("component", "nodes").Err(err).Msg("funding rate fetch failed")
			return
		}
		if n.pc.Cache != nil {
			n.pc.Cache.Set(cache.NSFundingRates, "all", rates)
		}
	}

	for _, symbol := range st.Symbols {
		if r, ok := rates[symbol]; ok && r != nil {
			st.Data(symbol).FundingRate = r.Rate
		}
	}
}

// fetchMicrostructure computes order-book and trade-flow metrics per
// symbol. Live cycles only; both snapshots are cached for their
// namespace TTL (60s) so overlapping cycles share them.
func (n *MarketData) fetchMicrostructure(ctx context.Context, st *pipeline.State) {
	sem := semaphore.NewWeighted(dataWorkers)
	g, gctx := errgroup.WithContext(ctx)
	var mu sync.Mutex
	for _, symbol := range st.Symbols {
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			book := n.fetchOrderBook(gctx, symbol)
			trades := n.fetchTrades(gctx, symbol)
			if book == nil && len(trades) == 0 {
				return nil
			}
			ms := computeMicrostructure(book, trades)
			mu.Lock()
			st.Data(symbol).Microstructure = ms
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
}

func (n *MarketData) fetchOrderBook(ctx context.Context, symbol string) *exchange.OrderBook {
	if n.pc.Cache != nil {
		if v, ok := n.pc.Cache.Get(cache.NSOrderbook, symbol); ok {
			if b, ok := v.(*exchange.OrderBook); ok {
				return b
			}
		}
	}
	book, err := n.pc.Exchange.FetchOrderBook(ctx, symbol, orderBookDepth)
	if err != nil {
		log.Debug().Str("component", "nodes").Str("symbol", symbol).Err(err).Msg("order book fetch failed")
		return nil
	}
	if n.pc.Cache != nil {
		n.pc.Cache.Set(cache.NSOrderbook, symbol, book)
	}
	return book
}

func (n *MarketData) fetchTrades(ctx context.Context, symbol string) []exchange.Trade {
	if n.pc.Cache != nil {
		if v, ok := n.pc.Cache.Get(cache.NSTrades, symbol); ok {
			if t, ok := v.([]exchange.Trade); ok {
				return t
			}
		}
	}
	trades, err := n.pc.Exchange.FetchTrades(ctx, symbol, tradeWindow)
	if err != nil {
		log.Debug().Str("component", "nodes").Str("symbol", symbol).Err(err).Msg("trade fetch failed")
		return nil
	}
	if n.pc.Cache != nil {
		n.pc.Cache.Set(cache.NSTrades, symbol, trades)
	}
	return trades
}

// computeMicrostructure derives the book and flow metrics. Imbalance is
// in [-1, 1]; trade_intensity is a pure trade count over the window.
func computeMicrostructure(book *exchange.OrderBook, trades []exchange.Trade) *pipeline.Microstructure {
	ms := &pipeline.Microstructure{}

	if book != nil && len(book.Bids) > 0 && len(book.Asks) > 0 {
		bid, ask := book.Bids[0].Price, book.Asks[0].Price
		if mid := (bid + ask) / 2; mid > 0 {
			ms.Spread = (ask - bid) / mid
		}
		for i := 0; i < len(book.Bids) && i < 10; i++ {
			ms.BidVol10 += book.Bids[i].Amount
		}
		for i := 0; i < len(book.Asks) && i < 10; i++ {
			ms.AskVol10 += book.Asks[i].Amount
		}
		ms.LiquidityDepth = ms.BidVol10 + ms.AskVol10
		if ms.LiquidityDepth > 0 {
			ms.Imbalance = (ms.BidVol10 - ms.AskVol10) / ms.LiquidityDepth
		}
	}

	if len(trades) > 0 {
		var buyVol, sellVol, totalAmount float64
		for _, t := range trades {
			totalAmount += t.Amount
			if t.Side == exchange.OrderSideBuy {
				buyVol += t.Amount
			} else {
				sellVol += t.Amount
			}
		}
		if sellVol > 0 {
			ms.BuySellRatio = buyVol / sellVol
		} else if buyVol > 0 {
			ms.BuySellRatio = buyVol
		}
		ms.TradeIntensity = float64(len(trades))
		ms.AvgTradeSize = totalAmount / float64(len(trades))

		first, last := trades[0].Price, trades[len(trades)-1].Price
		if trades[0].Timestamp > trades[len(trades)-1].Timestamp {
			first, last = last, first
		}
		if first > 0 {
			ms.PriceMomentum = (last - first) / first * 100
		}
	}
	return ms
}
