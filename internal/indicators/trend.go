package indicators

import (
	"github.com/cinar/indicator/v2/trend"
)

// MACDResult holds the MACD line, signal line and histogram
type MACDResult struct {
	MACD      float64 `json:"macd"`
	Signal    float64 `json:"signal"`
	Histogram float64 `json:"histogram"`
}

// EMA returns the latest exponential moving average over closes.
// Returns 0 when the window is shorter than the period.
func EMA(closes []float64, period int) float64 {
	if period < 1 || len(closes) < period {
		return 0
	}
	ema := trend.NewEmaWithPeriod[float64](period)
	return last(collect(ema.Compute(sliceToChan(closes))))
}

// EMASeries returns the full EMA series (cinar drops the warmup bars).
func EMASeries(closes []float64, period int) []float64 {
	if period < 1 || len(closes) < period {
		return nil
	}
	ema := trend.NewEmaWithPeriod[float64](period)
	return collect(ema.Compute(sliceToChan(closes)))
}

// MACD returns the latest MACD values for the given periods. Neutral
// zeros when the window is too short.
func MACD(closes []float64, fast, slow, signal int) MACDResult {
	if len(closes) < slow+signal {
		return MACDResult{}
	}
	macd := trend.NewMacdWithPeriod[float64](fast, slow, signal)
	macdChan, signalChan := macd.Compute(sliceToChan(closes))

	// Drain both outputs in lockstep; they are not buffered.
	var m, s float64
	seen := false
	for {
		mv, mok := <-macdChan
		sv, sok := <-signalChan
		if !mok || !sok {
			break
		}
		m, s, seen = mv, sv, true
	}
	if !seen {
		return MACDResult{}
	}
	return MACDResult{MACD: m, Signal: s, Histogram: m - s}
}

// VWAP returns the volume-weighted average price over the window,
// 0 when there is no volume.
func VWAP(s Series) float64 {
	var pv, vol float64
	for i := range s.Close {
		typical := (s.High[i] + s.Low[i] + s.Close[i]) / 3
		pv += typical * s.Volume[i]
		vol += s.Volume[i]
	}
	if vol == 0 {
		return 0
	}
	return pv / vol
}
