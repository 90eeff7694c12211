package exchange

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFeesForKnownAndUnknown(t *testing.T) {
	binance := FeesFor("binance")
	assert.Equal(t, 0.0004, binance.Taker)
	assert.Equal(t, 0.0002, binance.Maker)

	unknown := FeesFor("some-exchange")
	assert.Equal(t, defaultFees, unknown)
}

func TestFeeRateByOrderType(t *testing.T) {
	f := FeesFor("binance")
	assert.Equal(t, f.Taker, f.RateFor(OrderTypeMarket))
	assert.Equal(t, f.Maker, f.RateFor(OrderTypeLimit))
}

func TestFeeCost(t *testing.T) {
	f := FeeSchedule{Maker: 0.0002, Taker: 0.0004}
	assert.InDelta(t, 4.0, f.Cost(OrderTypeMarket, 10000), 1e-9)
	assert.InDelta(t, 2.0, f.Cost(OrderTypeLimit, 10000), 1e-9)
}

func TestTickerSpread(t *testing.T) {
	tk := Ticker{Bid: 99.9, Ask: 100.1}
	assert.InDelta(t, 0.002, tk.Spread(), 1e-9)

	empty := Ticker{}
	assert.Equal(t, 0.0, empty.Spread())
}

func TestPositionDerivedValues(t *testing.T) {
	p := Position{
		Symbol: "BTC/USDT", Side: OrderSideBuy,
		EntryPrice: 100, Amount: 0.5, Leverage: 5,
	}
	assert.InDelta(t, 55.0, p.Notional(110), 1e-9)
	assert.InDelta(t, 11.0, p.MarginUsed(110), 1e-9)
	// +10% price move at 5x = +50% on margin
	assert.InDelta(t, 50.0, p.PnLPct(110), 1e-9)

	short := Position{Side: OrderSideSell, EntryPrice: 100, Amount: 1, Leverage: 1}
	assert.InDelta(t, 4.0, short.PnLPct(96), 1e-9)
}

func TestTimeframeDuration(t *testing.T) {
	assert.Equal(t, 3*60*1000, int(TimeframeDuration("3m").Milliseconds()))
	assert.Equal(t, 4*3600*1000, int(TimeframeDuration("4h").Milliseconds()))
	assert.Equal(t, 0, int(TimeframeDuration("bogus").Milliseconds()))
}
