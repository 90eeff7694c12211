package indicators

// Params holds the indicator periods used across the pipeline. Defaults
// match the bot-level configuration defaults; BotConfig may override.
type Params struct {
	EMAPeriods  []int
	RSIPeriod   int
	MACDFast    int
	MACDSlow    int
	MACDSignal  int
	ATRPeriod   int
	BollPeriod  int
	StochK      int
	StochD      int
	VolumeAvg   int
}

// DefaultParams returns the standard indicator parameter set.
func DefaultParams() Params {
	return Params{
		EMAPeriods: []int{20, 50, 200},
		RSIPeriod:  7,
		MACDFast:   12,
		MACDSlow:   26,
		MACDSignal: 9,
		ATRPeriod:  14,
		BollPeriod: 20,
		StochK:     14,
		StochD:     3,
		VolumeAvg:  20,
	}
}

// RequiredLen returns the window length needed for every indicator in the
// bundle to have settled: twice the largest period.
func (p Params) RequiredLen() int {
	max := p.MACDSlow + p.MACDSignal
	for _, e := range p.EMAPeriods {
		if e > max {
			max = e
		}
	}
	for _, v := range []int{p.RSIPeriod, p.ATRPeriod, p.BollPeriod, p.StochK} {
		if v > max {
			max = v
		}
	}
	return max * 2
}

// Bundle is the full indicator snapshot for one symbol/timeframe window.
// Every field follows the neutral-value edge policy: a window too short
// for an indicator yields 0 (50 for RSI and Stochastic, zeroed structs
// for Bollinger and ADX) rather than an error.
type Bundle struct {
	Timeframe      string             `json:"timeframe"`
	Bars           int                `json:"bars"`
	LastPrice      float64            `json:"last_price"`
	PriceChangePct float64            `json:"price_change_pct"`
	EMA            map[int]float64    `json:"ema"`
	MACD           MACDResult         `json:"macd"`
	RSI            float64            `json:"rsi"`
	ATR            float64            `json:"atr"`
	Bollinger      BollingerResult    `json:"bollinger"`
	ADX            ADXResult          `json:"adx"`
	Stochastic     StochasticResult   `json:"stochastic"`
	OBV            float64            `json:"obv"`
	VWAP           float64            `json:"vwap"`
	Volume         VolumeStats        `json:"volume"`
}

// Compute builds the full indicator bundle for one window. Pure: no I/O,
// never fails, short windows degrade to neutral values.
func Compute(s Series, timeframe string, p Params) *Bundle {
	b := &Bundle{
		Timeframe: timeframe,
		Bars:      s.Len(),
		LastPrice: s.LastClose(),
		EMA:       make(map[int]float64, len(p.EMAPeriods)),
	}
	if s.Len() == 0 {
		b.RSI = 50
		b.Stochastic = StochasticResult{K: 50, D: 50}
		return b
	}

	if s.Len() >= 2 && s.Close[s.Len()-2] != 0 {
		b.PriceChangePct = (s.Close[s.Len()-1] - s.Close[s.Len()-2]) / s.Close[s.Len()-2] * 100
	}

	for _, period := range p.EMAPeriods {
		b.EMA[period] = EMA(s.Close, period)
	}
	b.MACD = MACD(s.Close, p.MACDFast, p.MACDSlow, p.MACDSignal)
	b.RSI = RSI(s.Close, p.RSIPeriod)
	b.ATR = ATR(s, p.ATRPeriod)
	b.Bollinger = Bollinger(s.Close, p.BollPeriod)
	b.ADX = ADX(s, p.ATRPeriod)
	b.Stochastic = Stochastic(s, p.StochK, p.StochD)
	b.OBV = OBV(s)
	b.VWAP = VWAP(s)
	b.Volume = Volumes(s.Volume, p.VolumeAvg)

	return b
}
