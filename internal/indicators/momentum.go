package indicators

import (
	"github.com/cinar/indicator/v2/momentum"
)

// StochasticResult holds %K and %D
type StochasticResult struct {
	K float64 `json:"k"`
	D float64 `json:"d"`
}

// RSI returns the latest relative strength index. Neutral 50 when the
// window is shorter than period+1.
func RSI(closes []float64, period int) float64 {
	if period < 1 || len(closes) < period+1 {
		return 50
	}
	rsi := momentum.NewRsiWithPeriod[float64](period)
	values := collect(rsi.Compute(sliceToChan(closes)))
	if len(values) == 0 {
		return 50
	}
	return last(values)
}

// Stochastic returns the latest %K and slow %D (SMA of %K over dPeriod).
// Neutral 50/50 when the window is too short.
func Stochastic(s Series, kPeriod, dPeriod int) StochasticResult {
	n := s.Len()
	if kPeriod < 1 || dPeriod < 1 || n < kPeriod+dPeriod-1 {
		return StochasticResult{K: 50, D: 50}
	}

	kValues := make([]float64, 0, n-kPeriod+1)
	for i := kPeriod - 1; i < n; i++ {
		lo, hi := s.Low[i], s.High[i]
		for j := i - kPeriod + 1; j <= i; j++ {
			if s.Low[j] < lo {
				lo = s.Low[j]
			}
			if s.High[j] > hi {
				hi = s.High[j]
			}
		}
		if hi == lo {
			kValues = append(kValues, 50)
			continue
		}
		kValues = append(kValues, 100*(s.Close[i]-lo)/(hi-lo))
	}

	k := last(kValues)
	d := 0.0
	if len(kValues) >= dPeriod {
		sum := 0.0
		for _, v := range kValues[len(kValues)-dPeriod:] {
			sum += v
		}
		d = sum / float64(dPeriod)
	} else {
		d = k
	}
	return StochasticResult{K: k, D: d}
}

// OBV returns the latest on-balance volume. 0 for windows under 2 bars.
func OBV(s Series) float64 {
	if s.Len() < 2 {
		return 0
	}
	obv := 0.0
	for i := 1; i < s.Len(); i++ {
		switch {
		case s.Close[i] > s.Close[i-1]:
			obv += s.Volume[i]
		case s.Close[i] < s.Close[i-1]:
			obv -= s.Volume[i]
		}
	}
	return obv
}
