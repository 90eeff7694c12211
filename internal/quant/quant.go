package quant

import (
	"fmt"
	"math"

	"github.com/ajitpratap0/perpcycle/internal/indicators"
)

// Weights distributes the composite across the four sub-scores.
type Weights struct {
	Trend     float64 `json:"trend"`
	Momentum  float64 `json:"momentum"`
	Volume    float64 `json:"volume"`
	Sentiment float64 `json:"sentiment"`
}

// DefaultWeights returns the standard 40/30/20/10 split.
func DefaultWeights() Weights {
	return Weights{Trend: 0.4, Momentum: 0.3, Volume: 0.2, Sentiment: 0.1}
}

// Inputs carries the per-symbol values the scorer consumes: the indicator
// bundles for the fast and slow timeframes, the realtime price and the
// current funding rate (decimal fraction as published by the exchange).
type Inputs struct {
	Fast         *indicators.Bundle
	Slow         *indicators.Bundle
	CurrentPrice float64
	FundingRate  float64
}

// Signal is the scored result for one symbol.
type Signal struct {
	TotalScore float64            `json:"total_score"`
	Breakdown  map[string]float64 `json:"breakdown"`
	Reasons    []string           `json:"reasons"`
	PassFilter bool               `json:"pass_filter"`
}

type subScore struct {
	score   float64
	reasons []string
}

func clampScore(raw float64) float64 {
	return math.Max(0, math.Min(100, raw))
}

// trendScore rewards multi-timeframe EMA alignment and price above the
// long EMA. Base 50, clamped to [0,100].
func trendScore(in Inputs) subScore {
	var score float64
	var reasons []string

	px := in.CurrentPrice
	ema20Fast := in.Fast.EMA[20]
	ema20Slow := in.Slow.EMA[20]
	ema50Slow := in.Slow.EMA[50]
	ema200Slow := in.Slow.EMA[200]

	switch {
	case px > ema20Fast && ema20Fast > ema20Slow:
		score += 30
		reasons = append(reasons, "bullish EMA alignment across timeframes")
	case px < ema20Fast && ema20Fast < ema20Slow:
		score -= 20
		reasons = append(reasons, "bearish EMA alignment")
	}

	if ema20Slow > ema50Slow && ema50Slow > ema200Slow {
		score += 20
		reasons = append(reasons, "long-term uptrend on slow timeframe")
	}

	if px > ema200Slow {
		score += 10
		reasons = append(reasons, "price above EMA200")
	}

	return subScore{score: clampScore(score + 50), reasons: reasons}
}

// momentumScore combines MACD agreement, RSI bands and a stochastic
// confirmation on the fast timeframe.
func momentumScore(in Inputs) subScore {
	var score float64
	var reasons []string

	macdFast := in.Fast.MACD.MACD
	macdSlow := in.Slow.MACD.MACD
	rsiFast := in.Fast.RSI
	rsiSlow := in.Slow.RSI

	switch {
	case macdFast > 0 && macdSlow > 0:
		score += 25
		reasons = append(reasons, "MACD bullish on both timeframes")
	case macdFast < 0 && macdSlow < 0:
		score -= 20
		reasons = append(reasons, "MACD bearish on both timeframes")
	}

	switch {
	case rsiFast > 40 && rsiFast < 70 && rsiSlow > 40 && rsiSlow < 70:
		score += 15
		reasons = append(reasons, "RSI in healthy range")
	case rsiFast > 80 || rsiSlow > 80:
		score -= 25
		reasons = append(reasons, "RSI overbought (>80)")
	case rsiFast < 20 || rsiSlow < 20:
		score -= 15
		reasons = append(reasons, "RSI oversold (<20)")
	}

	st := in.Fast.Stochastic
	if st.K > st.D && st.K < 80 {
		score += 10
		reasons = append(reasons, "stochastic bullish cross below overbought")
	}

	return subScore{score: clampScore(score + 50), reasons: reasons}
}

// volumeScore rewards expanding volume and positive OBV on both timeframes.
func volumeScore(in Inputs) subScore {
	var score float64
	var reasons []string

	ratio := in.Fast.Volume.Ratio
	switch {
	case ratio > 1.5:
		score += 30
		reasons = append(reasons, fmt.Sprintf("volume expansion %.1fx", ratio))
	case ratio < 0.7:
		score -= 20
		reasons = append(reasons, "volume contraction")
	}

	if in.Fast.OBV > 0 && in.Slow.OBV > 0 {
		score += 20
		reasons = append(reasons, "OBV inflow on both timeframes")
	}

	return subScore{score: clampScore(score + 50), reasons: reasons}
}

// sentimentScore reads the funding rate. Neutral 50 with no data, 70 in
// the healthy band, 30 when longs are overheated, 80 when deeply negative
// funding marks a long opportunity.
func sentimentScore(in Inputs) subScore {
	fr := in.FundingRate
	if fr == 0 {
		return subScore{score: 50, reasons: []string{"no funding rate data"}}
	}

	switch {
	case fr > -0.01 && fr < 0.05:
		return subScore{score: 70, reasons: []string{fmt.Sprintf("healthy funding rate (%.3f%%)", fr*100)}}
	case fr > 0.1:
		return subScore{score: 30, reasons: []string{fmt.Sprintf("longs overheated (funding %.3f%%)", fr*100)}}
	case fr < -0.05:
		return subScore{score: 80, reasons: []string{fmt.Sprintf("shorts overextended (funding %.3f%%, long opportunity)", fr*100)}}
	}
	return subScore{score: 50, reasons: nil}
}

// Composite scores one symbol: four sub-scores in [0,100] around a base
// of 50, weighted into the total, with per-dimension breakdown and the
// human-readable reasons that produced it.
func Composite(in Inputs, w Weights, threshold float64) Signal {
	if in.Fast == nil || in.Slow == nil {
		return Signal{Breakdown: map[string]float64{}, Reasons: []string{"missing indicator data"}}
	}

	trend := trendScore(in)
	momentum := momentumScore(in)
	volume := volumeScore(in)
	sentiment := sentimentScore(in)

	total := trend.score*w.Trend +
		momentum.score*w.Momentum +
		volume.score*w.Volume +
		sentiment.score*w.Sentiment
	total = math.Round(total*10) / 10

	reasons := make([]string, 0,
		len(trend.reasons)+len(momentum.reasons)+len(volume.reasons)+len(sentiment.reasons))
	reasons = append(reasons, trend.reasons...)
	reasons = append(reasons, momentum.reasons...)
	reasons = append(reasons, volume.reasons...)
	reasons = append(reasons, sentiment.reasons...)

	return Signal{
		TotalScore: total,
		Breakdown: map[string]float64{
			"trend":     trend.score,
			"momentum":  momentum.score,
			"volume":    volume.score,
			"sentiment": sentiment.score,
		},
		Reasons:    reasons,
		PassFilter: total >= threshold,
	}
}
