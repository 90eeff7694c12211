package exchange

// FeeSchedule holds maker/taker fee rates as fractions of notional
type FeeSchedule struct {
	Maker float64
	Taker float64
}

// defaultFees is the conservative fallback for unknown exchanges
var defaultFees = FeeSchedule{Maker: 0.0002, Taker: 0.0007}

// feesByExchange holds published perp fee schedules
var feesByExchange = map[string]FeeSchedule{
	"binance": {Maker: 0.0002, Taker: 0.0004},
	"bybit":   {Maker: 0.0002, Taker: 0.00055},
	"okx":     {Maker: 0.0002, Taker: 0.0005},
	"mock":    {Maker: 0.0002, Taker: 0.0004},
}

// FeesFor returns the fee schedule for an exchange.
func FeesFor(exchange string) FeeSchedule {
	if f, ok := feesByExchange[exchange]; ok {
		return f
	}
	return defaultFees
}

// RateFor returns the fee rate for an order type: market orders pay taker,
// limit orders maker.
func (f FeeSchedule) RateFor(orderType OrderType) float64 {
	if orderType == OrderTypeLimit {
		return f.Maker
	}
	return f.Taker
}

// Cost returns the fee in quote currency for a fill.
func (f FeeSchedule) Cost(orderType OrderType, notional float64) float64 {
	return notional * f.RateFor(orderType)
}
