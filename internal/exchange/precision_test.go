package exchange

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCeilToPrecision(t *testing.T) {
	tests := []struct {
		value    float64
		decimals int
		want     float64
	}{
		{0.0032272, 4, 0.0033},
		{0.0033, 4, 0.0033}, // already exact, no bump
		{1.00001, 2, 1.01},
		{2.0, 0, 2.0},
		{0.1, 3, 0.1},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, CeilToPrecision(tt.value, tt.decimals), 1e-12,
			"ceil(%v, %d)", tt.value, tt.decimals)
	}
}

// Amount-precision round-trip: converting a USD notional to a base amount
// and back must never undershoot the original notional.
func TestAmountFromNotionalNeverUndershoots(t *testing.T) {
	cases := []struct {
		notional float64
		price    float64
		decimals int
	}{
		{10.03, 3108, 4},
		{10.0, 3108, 4},
		{250.55, 52123.45, 3},
		{5.01, 0.08731, 0},
		{1000, 1.2345, 1},
	}
	for _, c := range cases {
		amount := AmountFromNotional(c.notional, c.price, c.decimals)
		back := amount * c.price
		assert.GreaterOrEqual(t, back+1e-9, c.notional,
			"notional %v price %v k=%d -> amount %v -> back %v",
			c.notional, c.price, c.decimals, amount, back)
	}
}

func TestAmountFromNotionalScenario(t *testing.T) {
	// N=10.03 at P=3108 with k=4: raw 0.0032272..., ceiled 0.0033,
	// back 10.2564 >= 10.
	amount := AmountFromNotional(10.03, 3108, 4)
	assert.InDelta(t, 0.0033, amount, 1e-12)
	assert.GreaterOrEqual(t, amount*3108, 10.0)
}

func TestFloorAndRound(t *testing.T) {
	assert.InDelta(t, 0.0032, FloorToPrecision(0.0032272, 4), 1e-12)
	assert.InDelta(t, 0.0032, RoundToPrecision(0.0032272, 4), 1e-12)
	assert.InDelta(t, 0.0033, RoundToPrecision(0.00325, 4), 1e-12)
}
