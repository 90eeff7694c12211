package indicators

import "github.com/ajitpratap0/perpcycle/internal/exchange"

// Series is a column-oriented view over an ordered OHLCV window. All
// indicator functions take a Series (or one of its columns) and never
// mutate it.
type Series struct {
	Times  []int64
	Open   []float64
	High   []float64
	Low    []float64
	Close  []float64
	Volume []float64
}

// FromCandles converts an ordered candle window into a Series.
func FromCandles(candles []exchange.Candle) Series {
	s := Series{
		Times:  make([]int64, len(candles)),
		Open:   make([]float64, len(candles)),
		High:   make([]float64, len(candles)),
		Low:    make([]float64, len(candles)),
		Close:  make([]float64, len(candles)),
		Volume: make([]float64, len(candles)),
	}
	for i, c := range candles {
		s.Times[i] = c.OpenTime
		s.Open[i] = c.Open
		s.High[i] = c.High
		s.Low[i] = c.Low
		s.Close[i] = c.Close
		s.Volume[i] = c.Volume
	}
	return s
}

// Len returns the number of bars.
func (s Series) Len() int { return len(s.Close) }

// LastClose returns the latest close, 0 on an empty series.
func (s Series) LastClose() float64 {
	if len(s.Close) == 0 {
		return 0
	}
	return s.Close[len(s.Close)-1]
}

// sliceToChan feeds a slice into a closed channel, the input form
// cinar/indicator v2 computations consume.
func sliceToChan(values []float64) chan float64 {
	ch := make(chan float64, len(values))
	for _, v := range values {
		ch <- v
	}
	close(ch)
	return ch
}

// collect drains a cinar result channel into a slice.
func collect(ch <-chan float64) []float64 {
	var out []float64
	for v := range ch {
		out = append(out, v)
	}
	return out
}

func last(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return values[len(values)-1]
}
