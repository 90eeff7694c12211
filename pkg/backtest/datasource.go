// Package backtest replays a historical date range through the same
// compiled cycle graph live bots run. A DataSource serves candle windows
// at a simulated clock, a MockTrader stands in for the exchange adapter,
// and a MockPerformance keeps the closed-trade ledger in memory.
package backtest

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ajitpratap0/perpcycle/internal/cache"
	"github.com/ajitpratap0/perpcycle/internal/exchange"
	"github.com/ajitpratap0/perpcycle/internal/klines"
)

const (
	// warmupPeriod is loaded before the start date so 200-period 4h EMAs
	// are warm on the first cycle.
	warmupPeriod = 35 * 24 * time.Hour

	fetchPageLimit   = 1000
	fundingPageLimit = 1000
)

// DataSource holds the preloaded candle and funding series for a fixed
// symbol list and serves time-filtered views of them at a simulated
// clock. All series are ascending by open time.
type DataSource struct {
	symbols    []string
	timeframes []string

	candles map[string][]exchange.Candle     // symbol|timeframe
	funding map[string][]exchange.FundingRate // ascending by timestamp

	nowMS int64
}

// NewDataSource creates an empty source for the given symbol list and
// timeframes. Preload or PreloadArchive fills it before the run.
func NewDataSource(symbols, timeframes []string) *DataSource {
	return &DataSource{
		symbols:    append([]string(nil), symbols...),
		timeframes: append([]string(nil), timeframes...),
		candles:    make(map[string][]exchange.Candle),
		funding:    make(map[string][]exchange.FundingRate),
	}
}

func seriesKey(symbol, timeframe string) string {
	return symbol + "|" + timeframe
}

// Preload fetches every (symbol, timeframe) series plus funding history
// over [start−warmup, end] through the adapter's rate-limited REST path.
func (s *DataSource) Preload(ctx context.Context, adapter exchange.Adapter, start, end time.Time) error {
	warmStartMS := start.Add(-warmupPeriod).UnixMilli()
	endMS := end.UnixMilli()

	for _, symbol := range s.symbols {
		for _, tf := range s.timeframes {
			candles, err := fetchCandleRange(ctx, adapter, symbol, tf, warmStartMS, endMS)
			if err != nil {
				return fmt.Errorf("preload %s %s: %w", symbol, tf, err)
			}
			if len(candles) == 0 {
				return fmt.Errorf("no candles for %s %s in the requested range", symbol, tf)
			}
			s.candles[seriesKey(symbol, tf)] = candles
			log.Info().
				Str("component", "backtest").
				Str("symbol", symbol).
				Str("timeframe", tf).
				Int("candles", len(candles)).
				Msg("candle series preloaded")
		}

		if adapter.Capabilities().FundingRateHistory {
			hist, err := adapter.FetchFundingRateHistory(ctx, symbol, warmStartMS, fundingPageLimit)
			if err != nil {
				log.Warn().
					Str("component", "backtest").
					Str("symbol", symbol).
					Err(err).
					Msg("funding history preload failed, rates default to zero")
				continue
			}
			s.setFunding(symbol, hist, endMS)
		}
	}
	return nil
}

// PreloadArchive fills the candle series from the klines archive instead
// of REST. Funding rates stay zero; the archive holds no funding data.
func (s *DataSource) PreloadArchive(ctx context.Context, archive *klines.Archive, start, end time.Time) error {
	warmStartMS := start.Add(-warmupPeriod).UnixMilli()
	endMS := end.UnixMilli()

	for _, symbol := range s.symbols {
		for _, tf := range s.timeframes {
			candles, err := archive.Load(ctx, symbol, tf, warmStartMS, endMS)
			if err != nil {
				return fmt.Errorf("archive load %s %s: %w", symbol, tf, err)
			}
			if len(candles) == 0 {
				return fmt.Errorf("archive holds no candles for %s %s in the requested range", symbol, tf)
			}
			s.candles[seriesKey(symbol, tf)] = candles
		}
	}
	return nil
}

// SetSeries injects a candle series directly, for tests and custom
// loaders. The series must be ascending by open time.
func (s *DataSource) SetSeries(symbol, timeframe string, candles []exchange.Candle) {
	s.candles[seriesKey(symbol, timeframe)] = append([]exchange.Candle(nil), candles...)
}

func (s *DataSource) setFunding(symbol string, hist []exchange.FundingRate, endMS int64) {
	kept := make([]exchange.FundingRate, 0, len(hist))
	for _, fr := range hist {
		if fr.Timestamp <= endMS {
			kept = append(kept, fr)
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].Timestamp < kept[j].Timestamp })
	s.funding[symbol] = kept
}

// SetNow moves the simulated clock (epoch ms).
func (s *DataSource) SetNow(ms int64) { s.nowMS = ms }

// Now returns the simulated clock in epoch ms.
func (s *DataSource) Now() int64 { return s.nowMS }

// Symbols returns the configured symbol list.
func (s *DataSource) Symbols() []string { return s.symbols }

// Timeframes returns the configured timeframes.
func (s *DataSource) Timeframes() []string { return s.timeframes }

// Window returns the last `limit` candles with open time at or before
// the simulated clock.
func (s *DataSource) Window(symbol, timeframe string, limit int) []exchange.Candle {
	series := s.candles[seriesKey(symbol, timeframe)]
	n := s.countThrough(series)
	if n == 0 {
		return nil
	}
	startIdx := 0
	if limit > 0 && n > limit {
		startIdx = n - limit
	}
	out := make([]exchange.Candle, n-startIdx)
	copy(out, series[startIdx:n])
	return out
}

// Current returns the newest candle at or before the simulated clock.
func (s *DataSource) Current(symbol, timeframe string) (exchange.Candle, bool) {
	series := s.candles[seriesKey(symbol, timeframe)]
	n := s.countThrough(series)
	if n == 0 {
		return exchange.Candle{}, false
	}
	return series[n-1], true
}

// NextClose returns the close of the first candle after the simulated
// clock; orders fill there. At the end of the series the current close
// stands in.
func (s *DataSource) NextClose(symbol, timeframe string) (float64, bool) {
	series := s.candles[seriesKey(symbol, timeframe)]
	n := s.countThrough(series)
	if n < len(series) {
		return series[n].Close, true
	}
	if n > 0 {
		return series[n-1].Close, true
	}
	return 0, false
}

// countThrough returns how many candles open at or before the clock.
func (s *DataSource) countThrough(series []exchange.Candle) int {
	return sort.Search(len(series), func(i int) bool {
		return series[i].OpenTime > s.nowMS
	})
}

// FundingAt returns the latest funding rate at or before the simulated
// clock, zero when none was recorded yet.
func (s *DataSource) FundingAt(symbol string) float64 {
	hist := s.funding[symbol]
	idx := sort.Search(len(hist), func(i int) bool {
		return hist[i].Timestamp > s.nowMS
	})
	if idx == 0 {
		return 0
	}
	return hist[idx-1].Rate
}

// FundingHistory returns the funding entries at or before the clock.
func (s *DataSource) FundingHistory(symbol string) []exchange.FundingRate {
	hist := s.funding[symbol]
	idx := sort.Search(len(hist), func(i int) bool {
		return hist[i].Timestamp > s.nowMS
	})
	out := make([]exchange.FundingRate, idx)
	copy(out, hist[:idx])
	return out
}

// SeedCycle writes the candle windows for the current clock into the
// cycle cache under the namespaces the market data stage reads in
// backtest mode.
func (s *DataSource) SeedCycle(c *cache.Cache, window int) {
	for _, symbol := range s.symbols {
		for _, tf := range s.timeframes {
			w := s.Window(symbol, tf, window)
			if len(w) == 0 {
				continue
			}
			c.Set("ohlcv_"+tf, fmt.Sprintf("%s:%d", symbol, window), w)
		}
	}
}

// fetchCandleRange pages through FetchOHLCV with a since cursor until
// the range is covered or the adapter runs out of data.
func fetchCandleRange(ctx context.Context, adapter exchange.Adapter,
	symbol, timeframe string, startMS, endMS int64) ([]exchange.Candle, error) {

	var out []exchange.Candle
	since := startMS
	for {
		batch, err := adapter.FetchOHLCV(ctx, symbol, timeframe, since, fetchPageLimit)
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			break
		}
		done := false
		for _, c := range batch {
			if c.OpenTime < since {
				continue
			}
			if c.OpenTime > endMS {
				done = true
				break
			}
			out = append(out, c)
		}
		if done || len(batch) < fetchPageLimit {
			break
		}
		next := batch[len(batch)-1].OpenTime + 1
		if next <= since {
			break
		}
		since = next
	}
	return out, nil
}
