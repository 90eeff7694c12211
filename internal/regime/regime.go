package regime

import (
	"fmt"
	"math"

	"github.com/ajitpratap0/perpcycle/internal/indicators"
)

// Regime labels the market character observed on the primary timeframe.
type Regime string

const (
	TrendingUp   Regime = "trending_up"
	TrendingDown Regime = "trending_down"
	Ranging      Regime = "ranging"
	Volatile     Regime = "volatile"
	Uncertain    Regime = "uncertain"
)

// Config holds the detector thresholds. Runtime overrides come from the
// SystemConfig `market_regime.*` keys.
type Config struct {
	ADXTrendingThreshold    float64
	BBWidthRangingThreshold float64
	BBWidthVolatileThreshold float64
	ContinueIfHasPositions  bool
	PrimaryTimeframe        string
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		ADXTrendingThreshold:     25,
		BBWidthRangingThreshold:  0.03,
		BBWidthVolatileThreshold: 0.08,
		ContinueIfHasPositions:   true,
		PrimaryTimeframe:         "4h",
	}
}

// Vote is the per-symbol classification.
type Vote struct {
	Symbol     string  `json:"symbol"`
	Regime     Regime  `json:"regime"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// defaultBBWidth stands in when a symbol has no Bollinger data; it sits
// between the ranging and volatile thresholds so neither branch fires on
// width alone.
const defaultBBWidth = 0.05

// Detector classifies symbols into regimes from their primary-timeframe
// indicator bundle.
type Detector struct {
	cfg Config
}

func NewDetector(cfg Config) *Detector {
	if cfg.ADXTrendingThreshold == 0 {
		cfg = DefaultConfig()
	}
	return &Detector{cfg: cfg}
}

func (d *Detector) Config() Config { return d.cfg }

// Classify judges one symbol. Precedence: volatile on wide bands, ranging
// on weak ADX with narrow bands, trending on strong ADX with an EMA/price
// direction read (RSI tie-break at confidence 0.5), else uncertain.
func (d *Detector) Classify(symbol string, b *indicators.Bundle, currentPrice float64) Vote {
	adx := 0.0
	rsi := 50.0
	bbWidth := defaultBBWidth
	ema20, ema50 := 0.0, 0.0

	if b != nil {
		adx = b.ADX.ADX
		rsi = b.RSI
		ema20 = b.EMA[20]
		ema50 = b.EMA[50]
		if bb := b.Bollinger; bb.Middle > 0 && bb.Upper > 0 && bb.Lower > 0 {
			bbWidth = (bb.Upper - bb.Lower) / bb.Middle
		}
	}

	cfg := d.cfg

	if bbWidth > cfg.BBWidthVolatileThreshold {
		return Vote{
			Symbol:     symbol,
			Regime:     Volatile,
			Confidence: math.Min(bbWidth/0.12, 1.0),
			Reason:     fmt.Sprintf("BB width %.1f%% above %.0f%%", bbWidth*100, cfg.BBWidthVolatileThreshold*100),
		}
	}

	if adx < cfg.ADXTrendingThreshold && bbWidth < cfg.BBWidthRangingThreshold {
		conf := 0.5
		if cfg.ADXTrendingThreshold > 0 {
			conf = 1 - adx/cfg.ADXTrendingThreshold
		}
		return Vote{
			Symbol:     symbol,
			Regime:     Ranging,
			Confidence: conf,
			Reason:     fmt.Sprintf("ADX %.1f below %.0f with BB width %.1f%%", adx, cfg.ADXTrendingThreshold, bbWidth*100),
		}
	}

	if adx >= cfg.ADXTrendingThreshold {
		if currentPrice > 0 && ema20 > 0 && ema50 > 0 {
			switch {
			case ema20 > ema50 && currentPrice > ema20:
				return Vote{
					Symbol:     symbol,
					Regime:     TrendingUp,
					Confidence: math.Min(adx/50, 1.0),
					Reason:     fmt.Sprintf("ADX %.1f, EMA20 above EMA50, price above EMA20", adx),
				}
			case ema20 < ema50 && currentPrice < ema20:
				return Vote{
					Symbol:     symbol,
					Regime:     TrendingDown,
					Confidence: math.Min(adx/50, 1.0),
					Reason:     fmt.Sprintf("ADX %.1f, EMA20 below EMA50, price below EMA20", adx),
				}
			}
		}

		direction := TrendingDown
		if rsi > 50 {
			direction = TrendingUp
		}
		return Vote{
			Symbol:     symbol,
			Regime:     direction,
			Confidence: 0.5,
			Reason:     fmt.Sprintf("ADX %.1f with unclear direction, RSI %.0f tie-break", adx, rsi),
		}
	}

	return Vote{
		Symbol:     symbol,
		Regime:     Uncertain,
		Confidence: 0.3,
		Reason:     fmt.Sprintf("mixed signals: ADX %.1f, BB width %.1f%%, RSI %.0f", adx, bbWidth*100, rsi),
	}
}

// Aggregate sums per-regime confidence and picks the heaviest bucket;
// the reported confidence is that bucket's average.
func Aggregate(votes []Vote) (Regime, float64) {
	if len(votes) == 0 {
		return Uncertain, 0
	}

	type bucket struct {
		count     int
		totalConf float64
	}
	scores := make(map[Regime]*bucket)
	for _, v := range votes {
		b, ok := scores[v.Regime]
		if !ok {
			b = &bucket{}
			scores[v.Regime] = b
		}
		b.count++
		b.totalConf += v.Confidence
	}

	var best Regime
	bestTotal := math.Inf(-1)
	for r, b := range scores {
		if b.totalConf > bestTotal || (b.totalConf == bestTotal && r < best) {
			best = r
			bestTotal = b.totalConf
		}
	}
	b := scores[best]
	return best, b.totalConf / float64(b.count)
}
