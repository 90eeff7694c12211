// Package coins selects the symbols a cycle trades: liquid perps ranked
// by volume, merged with the open-interest leaders, then scored on a
// fast multi-timeframe indicator read.
package coins

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/ajitpratap0/perpcycle/internal/cache"
	"github.com/ajitpratap0/perpcycle/internal/exchange"
	"github.com/ajitpratap0/perpcycle/internal/indicators"
)

// Selection limits.
const (
	staticFilterCap = 100
	rankLimit       = 20
	defaultLimit    = 5
	scoreWorkers    = 5
	minBars         = 20
	maxMinNotional  = 50.0
	maxSpread       = 0.005
	maxDailyChange  = 30.0
)

// shortTimeframes tried in order for the fast leg of scoring.
var shortTimeframes = []string{"3m", "5m", "15m"}

// Selector picks tradable symbols for one bot.
type Selector struct {
	adapter exchange.Adapter
	cache   *cache.Cache
}

func NewSelector(adapter exchange.Adapter, c *cache.Cache) *Selector {
	return &Selector{adapter: adapter, cache: c}
}

// Select returns up to limit symbols for the cycle. The result is cached
// per bot for most of a cycle so a crashed-and-resumed cycle sees the
// same universe.
func (s *Selector) Select(ctx context.Context, botID int64, limit int) ([]string, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	key := fmt.Sprintf("bot_%d", botID)
	if v, ok := s.cache.Get(cache.NSCoinSelection, key); ok {
		return v.([]string), nil
	}

	universe, err := s.staticFilter(ctx)
	if err != nil {
		return nil, err
	}
	if len(universe) == 0 {
		return nil, fmt.Errorf("no symbols passed the static filter")
	}

	volTop, err := s.volumeRank(ctx, universe, rankLimit)
	if err != nil {
		return nil, err
	}
	oiTop := s.openInterestRank(ctx, universe, rankLimit)

	combined := interleave(oiTop, volTop, limit)
	scored := s.scoreCoins(ctx, combined)
	if len(scored) == 0 {
		// Scoring can fail wholesale on thin data; the ranked merge is
		// still a usable universe.
		scored = combined
	}

	s.cache.Set(cache.NSCoinSelection, key, scored)
	log.Info().
		Str("component", "coins").
		Int64("bot_id", botID).
		Strs("symbols", scored).
		Msg("coin selection completed")
	return scored, nil
}

// staticFilter keeps active USDT/USDC perps whose minimum order cost is
// accessible, capped to keep the ranking cheap.
func (s *Selector) staticFilter(ctx context.Context) ([]string, error) {
	markets, err := s.adapter.LoadMarkets(ctx)
	if err != nil {
		return nil, fmt.Errorf("load markets: %w", err)
	}

	symbols := make([]string, 0, len(markets))
	for sym, m := range markets {
		if m.ContractType != "swap" || !m.Active {
			continue
		}
		if m.Quote != "USDT" && m.Quote != "USDC" {
			continue
		}
		if m.MinNotional > maxMinNotional {
			continue
		}
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	if len(symbols) > staticFilterCap {
		symbols = symbols[:staticFilterCap]
	}
	return symbols, nil
}

// volumeRank orders symbols by quote volume (descending), breaking ties
// on spread, dropping illiquid or violently moving markets.
func (s *Selector) volumeRank(ctx context.Context, symbols []string, limit int) ([]string, error) {
	tickers, err := s.fetchTickers(ctx, symbols)
	if err != nil {
		return nil, err
	}

	type ranked struct {
		symbol string
		qvol   float64
		spread float64
	}
	var rows []ranked
	for _, sym := range symbols {
		t, ok := tickers[sym]
		if !ok || t == nil || t.Bid <= 0 || t.Ask <= 0 {
			continue
		}
		spread := (t.Ask - t.Bid) / t.Ask
		if spread > maxSpread {
			continue
		}
		if math.Abs(t.ChangePct) > maxDailyChange {
			continue
		}
		rows = append(rows, ranked{symbol: sym, qvol: t.QuoteVolume, spread: spread})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].qvol != rows[j].qvol {
			return rows[i].qvol > rows[j].qvol
		}
		return rows[i].spread < rows[j].spread
	})

	out := make([]string, 0, limit)
	for _, r := range rows {
		if len(out) == limit {
			break
		}
		out = append(out, r.symbol)
	}
	return out, nil
}

func (s *Selector) fetchTickers(ctx context.Context, symbols []string) (map[string]*exchange.Ticker, error) {
	key := "universe"
	if v, ok := s.cache.Get(cache.NSTickers, key); ok {
		return v.(map[string]*exchange.Ticker), nil
	}
	tickers, err := s.adapter.FetchTickers(ctx, symbols)
	if err != nil {
		return nil, fmt.Errorf("fetch tickers: %w", err)
	}
	s.cache.Set(cache.NSTickers, key, tickers)
	return tickers, nil
}

// openInterestRank orders symbols by open interest. Adapters without the
// capability yield an empty list; selection then rests on volume alone.
func (s *Selector) openInterestRank(ctx context.Context, symbols []string, limit int) []string {
	if !s.adapter.Capabilities().OpenInterests {
		return nil
	}
	if v, ok := s.cache.Get(cache.NSOpenInterests, "top"); ok {
		return v.([]string)
	}

	type oi struct {
		symbol string
		amount float64
	}
	var (
		mu   sync.Mutex
		rows []oi
	)
	sem := semaphore.NewWeighted(scoreWorkers)
	g, gctx := errgroup.WithContext(ctx)
	for _, sym := range symbols {
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			amount, err := s.adapter.FetchOpenInterest(gctx, sym)
			if err != nil || amount <= 0 {
				return nil // missing OI just drops the symbol from this leg
			}
			mu.Lock()
			rows = append(rows, oi{symbol: sym, amount: amount})
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(rows, func(i, j int) bool { return rows[i].amount > rows[j].amount })
	out := make([]string, 0, limit)
	for _, r := range rows {
		if len(out) == limit {
			break
		}
		out = append(out, r.symbol)
	}
	s.cache.Set(cache.NSOpenInterests, "top", out)
	return out
}

// interleave alternates picks from the open-interest and volume lists so
// both dimensions stay represented, deduplicating as it goes.
func interleave(oiTop, volTop []string, limit int) []string {
	result := make([]string, 0, limit)
	seen := make(map[string]bool)
	i, j := 0, 0
	for len(result) < limit {
		for i < len(oiTop) && seen[oiTop[i]] {
			i++
		}
		if i < len(oiTop) && len(result) < limit {
			result = append(result, oiTop[i])
			seen[oiTop[i]] = true
			i++
		}
		for j < len(volTop) && seen[volTop[j]] {
			j++
		}
		if j < len(volTop) && len(result) < limit {
			result = append(result, volTop[j])
			seen[volTop[j]] = true
			j++
		}
		if i >= len(oiTop) && j >= len(volTop) {
			break
		}
	}
	return result
}

// scoreCoins computes a quick trend read per symbol and returns the
// symbols ordered best first. Symbols with insufficient data drop out.
func (s *Selector) scoreCoins(ctx context.Context, symbols []string) []string {
	type scored struct {
		symbol string
		score  int
	}
	var (
		mu   sync.Mutex
		rows []scored
	)
	sem := semaphore.NewWeighted(scoreWorkers)
	g, gctx := errgroup.WithContext(ctx)
	for _, sym := range symbols {
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			score, ok := s.scoreOne(gctx, sym)
			if !ok {
				return nil
			}
			mu.Lock()
			rows = append(rows, scored{symbol: sym, score: score})
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.SliceStable(rows, func(i, j int) bool { return rows[i].score > rows[j].score })
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.symbol)
	}
	return out
}

func (s *Selector) scoreOne(ctx context.Context, symbol string) (int, bool) {
	slow := s.fetchOHLCV(ctx, symbol, "4h")
	if len(slow) < minBars {
		log.Warn().Str("component", "coins").Str("symbol", symbol).Msg("insufficient 4h data, skipping")
		return 0, false
	}

	// The fast leg falls back through shorter timeframes on thin markets.
	var fast []exchange.Candle
	for _, tf := range shortTimeframes {
		if c := s.fetchOHLCV(ctx, symbol, tf); len(c) >= minBars {
			fast = c
			break
		}
	}
	if fast == nil {
		log.Warn().Str("component", "coins").Str("symbol", symbol).Msg("insufficient short-timeframe data, skipping")
		return 0, false
	}

	fastSeries := indicators.FromCandles(fast)
	slowSeries := indicators.FromCandles(slow)
	price := fastSeries.LastClose()

	return scoreIndicators(price,
		indicators.EMA(fastSeries.Close, 20),
		indicators.EMA(slowSeries.Close, 20),
		indicators.MACD(fastSeries.Close, 12, 26, 9).MACD,
		indicators.MACD(slowSeries.Close, 12, 26, 9).MACD,
		indicators.RSI(fastSeries.Close, 7),
		indicators.RSI(slowSeries.Close, 7),
	), true
}

// scoreIndicators is a coarse 0..100 trend score used only for ranking
// candidates; the quant filter does the real scoring later.
func scoreIndicators(price, emaFast, emaSlow, macdFast, macdSlow, rsiFast, rsiSlow float64) int {
	score := 50
	if price > emaFast {
		score += 10
	} else {
		score -= 10
	}
	if price > emaSlow {
		score += 10
	} else {
		score -= 10
	}
	if price > macdFast {
		score += 10
	} else {
		score -= 10
	}
	if macdFast > 0 {
		score += 10
	} else {
		score -= 10
	}
	if macdSlow > 0 {
		score += 15
	} else {
		score -= 15
	}
	if rsiFast > 30 && rsiFast < 70 {
		score += 5
	}
	if rsiSlow > 30 && rsiSlow < 70 {
		score += 5
	}
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

func (s *Selector) fetchOHLCV(ctx context.Context, symbol, timeframe string) []exchange.Candle {
	ns := "ohlcv_" + timeframe
	key := symbol + ":100"
	if v, ok := s.cache.Get(ns, key); ok {
		return v.([]exchange.Candle)
	}
	candles, err := s.adapter.FetchOHLCV(ctx, symbol, timeframe, 0, 100)
	if err != nil {
		log.Warn().
			Str("component", "coins").
			Str("symbol", symbol).
			Str("timeframe", timeframe).
			Err(err).
			Msg("OHLCV fetch failed")
		return nil
	}
	s.cache.Set(ns, key, candles)
	return candles
}
