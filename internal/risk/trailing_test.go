package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/perpcycle/internal/db"
	"github.com/ajitpratap0/perpcycle/internal/exchange"
)

func trailingCfg() db.TrailingStopConfig {
	return db.TrailingStopConfig{Enabled: true, TriggerPct: 3.0, DistancePct: 1.5, LockPct: 1.0}
}

func longPos(entry float64) *exchange.Position {
	return &exchange.Position{Symbol: "BTC/USDT", Side: exchange.OrderSideBuy, EntryPrice: entry, Amount: 1}
}

func shortPos(entry float64) *exchange.Position {
	return &exchange.Position{Symbol: "ETH/USDT", Side: exchange.OrderSideSell, EntryPrice: entry, Amount: 1}
}

func TestTrailingActivation(t *testing.T) {
	ts := NewTrailingStop(trailingCfg())
	p := longPos(100)

	// Below trigger: nothing happens.
	_, moved := ts.Update(p, 102)
	assert.False(t, moved)
	assert.Nil(t, ts.State("BTC/USDT"))

	// At +3% the stop activates at the distance level, which already sits
	// above the entry×1.01 lock floor.
	sl, moved := ts.Update(p, 103)
	require.True(t, moved)
	assert.InDelta(t, 103*0.985, sl, 1e-9)

	st := ts.State("BTC/USDT")
	require.NotNil(t, st)
	assert.True(t, st.Activated)
	assert.InDelta(t, 3.0, st.PeakPnLPct, 1e-9)
}

func TestTrailingLockFloor(t *testing.T) {
	cfg := trailingCfg()
	cfg.DistancePct = 2.5
	ts := NewTrailingStop(cfg)
	p := longPos(100)

	// Distance stop 103×0.975 = 100.425 sits under the 101 lock floor, so
	// the floor wins and at least 1% profit stays locked.
	sl, moved := ts.Update(p, 103)
	require.True(t, moved)
	assert.InDelta(t, 101.0, sl, 1e-9)
}

func TestTrailingRatchetInvariant(t *testing.T) {
	ts := NewTrailingStop(trailingCfg())
	p := longPos(100)

	prices := []float64{103, 105, 108, 104, 110, 107, 106}
	var lastSL float64
	for _, px := range prices {
		sl, moved := ts.Update(p, px)
		if moved {
			// The stop never moves down.
			assert.Greater(t, sl, lastSL)
			lastSL = sl
		}
		st := ts.State("BTC/USDT")
		require.NotNil(t, st)
		assert.Equal(t, lastSL, st.TrailingSL)
	}

	// Peak from 110, stop at 110×0.985.
	st := ts.State("BTC/USDT")
	assert.InDelta(t, 10.0, st.PeakPnLPct, 1e-9)
	assert.InDelta(t, 110*0.985, st.TrailingSL, 1e-9)
}

func TestTrailingShortMirrors(t *testing.T) {
	ts := NewTrailingStop(trailingCfg())
	p := shortPos(100)

	// +3% profit on a short means price fell to 97.
	sl, moved := ts.Update(p, 97)
	require.True(t, moved)
	// min(97×1.015, 100×0.99) = 98.455... vs lock cap 99.
	assert.InDelta(t, 97*1.015, sl, 1e-9)

	// Further drop ratchets the stop down.
	sl2, moved := ts.Update(p, 94)
	require.True(t, moved)
	assert.Less(t, sl2, sl)

	// A bounce must not move the stop back up.
	_, moved = ts.Update(p, 96)
	assert.False(t, moved)
	assert.InDelta(t, sl2, ts.State("ETH/USDT").TrailingSL, 1e-9)
}

func TestTrailingShortLockCap(t *testing.T) {
	ts := NewTrailingStop(trailingCfg())
	p := shortPos(100)

	// Barely over trigger: distance stop (96.9×1.015 ≈ 98.35) is below the
	// 99 lock cap, so the distance stop wins.
	sl, moved := ts.Update(p, 96.9)
	require.True(t, moved)
	assert.InDelta(t, 96.9*1.015, sl, 1e-9)
	assert.LessOrEqual(t, sl, 99.0)
}

func TestShouldClose(t *testing.T) {
	ts := NewTrailingStop(trailingCfg())
	p := longPos(100)

	assert.False(t, ts.ShouldClose(p, 95), "inactive stop never closes")

	_, _ = ts.Update(p, 110) // stop at 108.35
	assert.False(t, ts.ShouldClose(p, 109))
	assert.True(t, ts.ShouldClose(p, 108.35))
	assert.True(t, ts.ShouldClose(p, 108))
}

func TestSweep(t *testing.T) {
	ts := NewTrailingStop(trailingCfg())
	positions := []exchange.Position{*longPos(100), *shortPos(100)}

	// First sweep activates both stops.
	signals := ts.Sweep(positions, map[string]float64{"BTC/USDT": 110, "ETH/USDT": 90})
	assert.Empty(t, signals)

	// BTC retraces through its stop; ETH has no price and is skipped.
	signals = ts.Sweep(positions, map[string]float64{"BTC/USDT": 105})
	require.Len(t, signals, 1)
	assert.Equal(t, "BTC/USDT", signals[0].Position.Symbol)
	assert.Equal(t, "close_long", signals[0].Action)

	// Short stop from 90 is 91.35; a rally through it closes the short.
	signals = ts.Sweep(positions, map[string]float64{"ETH/USDT": 92})
	require.Len(t, signals, 1)
	assert.Equal(t, "close_short", signals[0].Action)
}

func TestClearDropsState(t *testing.T) {
	ts := NewTrailingStop(trailingCfg())
	p := longPos(100)
	_, _ = ts.Update(p, 110)
	require.NotNil(t, ts.State("BTC/USDT"))

	ts.Clear("BTC/USDT")
	assert.Nil(t, ts.State("BTC/USDT"))

	// A fresh position starts from scratch.
	assert.False(t, ts.ShouldClose(p, 50))
}

func TestDisabledTrailingIsInert(t *testing.T) {
	cfg := trailingCfg()
	cfg.Enabled = false
	ts := NewTrailingStop(cfg)

	_, moved := ts.Update(longPos(100), 200)
	assert.False(t, moved)
	assert.False(t, ts.ShouldClose(longPos(100), 1))
	assert.Empty(t, ts.Sweep([]exchange.Position{*longPos(100)}, map[string]float64{"BTC/USDT": 1}))
}
