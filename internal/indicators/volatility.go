package indicators

import (
	"math"

	"github.com/cinar/indicator/v2/volatility"
)

// BollingerResult holds the band values and the relative band width
type BollingerResult struct {
	Upper  float64 `json:"upper"`
	Middle float64 `json:"middle"`
	Lower  float64 `json:"lower"`
	Width  float64 `json:"width"` // (upper-lower)/middle
}

// ADXResult holds the directional index values
type ADXResult struct {
	ADX     float64 `json:"adx"`
	PlusDI  float64 `json:"plus_di"`
	MinusDI float64 `json:"minus_di"`
}

// Bollinger returns the latest Bollinger Bands (cinar uses the standard
// 2 standard deviations). All zeros when the window is too short.
func Bollinger(closes []float64, period int) BollingerResult {
	if period < 1 || len(closes) < period {
		return BollingerResult{}
	}
	bb := volatility.NewBollingerBandsWithPeriod[float64](period)
	upperChan, middleChan, lowerChan := bb.Compute(sliceToChan(closes))

	// Drain the three outputs in lockstep; they are not buffered.
	var lower, middle, upper float64
	for {
		l, lok := <-lowerChan
		m, mok := <-middleChan
		u, uok := <-upperChan
		if !lok || !mok || !uok {
			break
		}
		lower, middle, upper = l, m, u
	}

	width := 0.0
	if middle != 0 {
		width = (upper - lower) / middle
	}
	return BollingerResult{Upper: upper, Middle: middle, Lower: lower, Width: width}
}

// ATR returns the latest average true range (Wilder smoothing).
// 0 when the window is shorter than period+1.
func ATR(s Series, period int) float64 {
	n := s.Len()
	if period < 1 || n < period+1 {
		return 0
	}
	tr := trueRanges(s)
	smoothed := smoothWilder(tr, period)
	return last(smoothed)
}

// ADX returns the latest average directional index with +DI/-DI.
// ADX needs 2×period bars for smoothing to settle; below that the result
// is all zeros.
func ADX(s Series, period int) ADXResult {
	n := s.Len()
	if period < 1 || n < period*2 {
		return ADXResult{}
	}

	tr := make([]float64, n)
	plusDM := make([]float64, n)
	minusDM := make([]float64, n)
	for i := 1; i < n; i++ {
		tr[i] = math.Max(s.High[i]-s.Low[i],
			math.Max(math.Abs(s.High[i]-s.Close[i-1]),
				math.Abs(s.Low[i]-s.Close[i-1])))

		upMove := s.High[i] - s.High[i-1]
		downMove := s.Low[i-1] - s.Low[i]
		if upMove > downMove && upMove > 0 {
			plusDM[i] = upMove
		}
		if downMove > upMove && downMove > 0 {
			minusDM[i] = downMove
		}
	}

	smoothTR := smoothWilder(tr, period)
	smoothPlusDM := smoothWilder(plusDM, period)
	smoothMinusDM := smoothWilder(minusDM, period)

	plusDI := make([]float64, n)
	minusDI := make([]float64, n)
	dx := make([]float64, n)
	for i := period; i < n; i++ {
		if smoothTR[i] == 0 {
			continue
		}
		plusDI[i] = 100 * smoothPlusDM[i] / smoothTR[i]
		minusDI[i] = 100 * smoothMinusDM[i] / smoothTR[i]
		if diSum := plusDI[i] + minusDI[i]; diSum != 0 {
			dx[i] = 100 * math.Abs(plusDI[i]-minusDI[i]) / diSum
		}
	}

	adxValues := smoothWilder(dx, period)
	return ADXResult{
		ADX:     adxValues[n-1],
		PlusDI:  plusDI[n-1],
		MinusDI: minusDI[n-1],
	}
}

func trueRanges(s Series) []float64 {
	n := s.Len()
	tr := make([]float64, n)
	for i := 1; i < n; i++ {
		tr[i] = math.Max(s.High[i]-s.Low[i],
			math.Max(math.Abs(s.High[i]-s.Close[i-1]),
				math.Abs(s.Low[i]-s.Close[i-1])))
	}
	return tr
}

// smoothWilder applies Wilder's smoothing method
func smoothWilder(data []float64, period int) []float64 {
	n := len(data)
	result := make([]float64, n)
	if n < period {
		return result
	}

	sum := 0.0
	for i := 0; i < period; i++ {
		sum += data[i]
	}
	result[period-1] = sum / float64(period)

	for i := period; i < n; i++ {
		result[i] = (result[i-1]*float64(period-1) + data[i]) / float64(period)
	}
	return result
}
