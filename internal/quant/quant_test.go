package quant

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/perpcycle/internal/indicators"
)

func bullishInputs() Inputs {
	return Inputs{
		Fast: &indicators.Bundle{
			EMA:        map[int]float64{20: 105},
			MACD:       indicators.MACDResult{MACD: 0.5},
			RSI:        55,
			Stochastic: indicators.StochasticResult{K: 70, D: 65},
			OBV:        1200,
			Volume:     indicators.VolumeStats{Ratio: 2.0},
		},
		Slow: &indicators.Bundle{
			EMA:  map[int]float64{20: 100, 50: 95, 200: 90},
			MACD: indicators.MACDResult{MACD: 0.3},
			RSI:  60,
			OBV:  800,
		},
		CurrentPrice: 110,
		FundingRate:  0.0001,
	}
}

func bearishInputs() Inputs {
	return Inputs{
		Fast: &indicators.Bundle{
			EMA:        map[int]float64{20: 95},
			MACD:       indicators.MACDResult{MACD: -0.5},
			RSI:        25,
			Stochastic: indicators.StochasticResult{K: 30, D: 40},
			OBV:        -900,
			Volume:     indicators.VolumeStats{Ratio: 0.5},
		},
		Slow: &indicators.Bundle{
			EMA:  map[int]float64{20: 100, 50: 105, 200: 110},
			MACD: indicators.MACDResult{MACD: -0.3},
			RSI:  35,
			OBV:  -400,
		},
		CurrentPrice: 90,
		FundingRate:  0.0001,
	}
}

func TestTrendScore(t *testing.T) {
	t.Run("bullish alignment scores above base", func(t *testing.T) {
		s := trendScore(bullishInputs())
		// 30 alignment + 20 long-term + 10 above EMA200 + base 50, clamped
		assert.Equal(t, 100.0, s.score)
		assert.NotEmpty(t, s.reasons)
	})

	t.Run("bearish alignment scores below base", func(t *testing.T) {
		s := trendScore(bearishInputs())
		assert.Less(t, s.score, 50.0)
	})

	t.Run("no alignment stays at base", func(t *testing.T) {
		in := bullishInputs()
		in.CurrentPrice = 80 // below every EMA but not in bearish order
		in.Fast.EMA[20] = 100
		in.Slow.EMA[20] = 90
		in.Slow.EMA[50] = 95
		s := trendScore(in)
		assert.Equal(t, 50.0, s.score)
	})
}

func TestMomentumScore(t *testing.T) {
	t.Run("strong momentum scores high", func(t *testing.T) {
		s := momentumScore(bullishInputs())
		// 25 macd + 15 rsi + 10 stoch + base 50
		assert.Equal(t, 100.0, s.score)
	})

	t.Run("overbought rsi drags score down", func(t *testing.T) {
		in := bullishInputs()
		in.Fast.RSI = 85
		in.Slow.RSI = 82
		s := momentumScore(in)
		assert.LessOrEqual(t, s.score, 60.0)
	})

	t.Run("oversold rsi penalized less than overbought", func(t *testing.T) {
		over := bullishInputs()
		over.Fast.RSI = 85
		under := bullishInputs()
		under.Fast.RSI = 15
		assert.Greater(t, momentumScore(under).score, momentumScore(over).score)
	})
}

func TestVolumeScore(t *testing.T) {
	t.Run("expansion with obv inflow", func(t *testing.T) {
		s := volumeScore(bullishInputs())
		assert.Equal(t, 100.0, s.score)
	})

	t.Run("contraction penalized", func(t *testing.T) {
		s := volumeScore(bearishInputs())
		assert.Less(t, s.score, 50.0)
	})
}

func TestSentimentScore(t *testing.T) {
	tests := []struct {
		name    string
		funding float64
		want    float64
	}{
		{"no data is neutral", 0, 50},
		{"healthy funding", 0.0001, 70},
		{"overheated longs", 0.2, 30},
		{"deeply negative is long opportunity", -0.08, 80},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := Inputs{FundingRate: tt.funding}
			assert.Equal(t, tt.want, sentimentScore(in).score)
		})
	}
}

func TestComposite(t *testing.T) {
	w := DefaultWeights()

	t.Run("bullish inputs pass default threshold", func(t *testing.T) {
		sig := Composite(bullishInputs(), w, 50)
		require.True(t, sig.PassFilter)
		assert.Greater(t, sig.TotalScore, 50.0)
		assert.Len(t, sig.Breakdown, 4)
		assert.NotEmpty(t, sig.Reasons)
	})

	t.Run("bearish inputs fail default threshold", func(t *testing.T) {
		sig := Composite(bearishInputs(), w, 50)
		assert.False(t, sig.PassFilter)
		assert.Less(t, sig.TotalScore, 50.0)
	})

	t.Run("weights drive the total", func(t *testing.T) {
		in := bullishInputs()
		sig := Composite(in, w, 50)
		want := sig.Breakdown["trend"]*w.Trend +
			sig.Breakdown["momentum"]*w.Momentum +
			sig.Breakdown["volume"]*w.Volume +
			sig.Breakdown["sentiment"]*w.Sentiment
		assert.InDelta(t, want, sig.TotalScore, 0.06)
	})

	t.Run("missing bundles never pass", func(t *testing.T) {
		sig := Composite(Inputs{}, w, 0)
		assert.False(t, sig.PassFilter)
		assert.Zero(t, sig.TotalScore)
	})

	t.Run("scores stay within bounds", func(t *testing.T) {
		for _, in := range []Inputs{bullishInputs(), bearishInputs()} {
			sig := Composite(in, w, 50)
			for dim, v := range sig.Breakdown {
				assert.GreaterOrEqual(t, v, 0.0, dim)
				assert.LessOrEqual(t, v, 100.0, dim)
			}
		}
	})
}
