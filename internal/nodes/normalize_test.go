package nodes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/perpcycle/internal/exchange"
	"github.com/ajitpratap0/perpcycle/internal/pipeline"
)

func stateWithPrices(prices map[string]float64) *pipeline.State {
	st := pipeline.NewState(1)
	for sym, px := range prices {
		st.Symbols = append(st.Symbols, sym)
		st.Data(sym).CurrentPrice = px
	}
	return st
}

func longPosition(symbol string, entry, amount, leverage float64) exchange.Position {
	return exchange.Position{
		Symbol: symbol, Side: exchange.OrderSideBuy,
		EntryPrice: entry, MarkPrice: entry, Amount: amount,
		Leverage: leverage, Status: "open",
	}
}

func TestNormalizeForcedClose(t *testing.T) {
	st := stateWithPrices(map[string]float64{"BTC/USDT": 96})
	st.Positions = []exchange.Position{longPosition("BTC/USDT", 100, 0.1, 1)}

	// The model wants to add to a position that is 4% underwater. The
	// forced close replaces it.
	res := normalizeDecisions(st, &pipeline.BatchDecisionResult{
		Decisions: []pipeline.Decision{
			{Symbol: "BTC/USDT", Action: "open_long", AllocationPct: 30, Confidence: 70, Priority: 1},
		},
	}, 30, 80)

	require.Len(t, res.Decisions, 1)
	d := res.Decisions[0]
	assert.Equal(t, "close_long", d.Action)
	assert.Equal(t, 0, d.Priority)
	assert.Equal(t, 100.0, d.Confidence)
	assert.Contains(t, d.Reasoning, "forced close")
	assert.Zero(t, res.TotalAllocationPct)
	assert.Equal(t, 100.0, res.CashReservePct)
}

func TestNormalizeForcedClosePrepended(t *testing.T) {
	st := stateWithPrices(map[string]float64{"BTC/USDT": 95, "ETH/USDT": 2000})
	st.Positions = []exchange.Position{longPosition("BTC/USDT", 100, 0.1, 1)}

	res := normalizeDecisions(st, &pipeline.BatchDecisionResult{
		Decisions: []pipeline.Decision{
			{Symbol: "ETH/USDT", Action: "open_long", AllocationPct: 20, Priority: 1},
		},
	}, 30, 80)

	require.Len(t, res.Decisions, 2)
	assert.Equal(t, "BTC/USDT", res.Decisions[0].Symbol)
	assert.Equal(t, "close_long", res.Decisions[0].Action)
	assert.Equal(t, "ETH/USDT", res.Decisions[1].Symbol)
	assert.Equal(t, 20.0, res.TotalAllocationPct)
	assert.Equal(t, 80.0, res.CashReservePct)
}

func TestNormalizeForcedCloseShort(t *testing.T) {
	st := stateWithPrices(map[string]float64{"BTC/USDT": 104})
	short := longPosition("BTC/USDT", 100, 0.1, 1)
	short.Side = exchange.OrderSideSell
	st.Positions = []exchange.Position{short}

	res := normalizeDecisions(st, &pipeline.BatchDecisionResult{}, 30, 80)
	require.Len(t, res.Decisions, 1)
	assert.Equal(t, "close_short", res.Decisions[0].Action)
}

func TestNormalizeWhitelist(t *testing.T) {
	st := stateWithPrices(map[string]float64{"BTC/USDT": 50000})
	st.Positions = []exchange.Position{longPosition("SOL/USDT", 100, 1, 1)}
	st.Data("SOL/USDT").CurrentPrice = 101

	res := normalizeDecisions(st, &pipeline.BatchDecisionResult{
		Decisions: []pipeline.Decision{
			// Hallucinated symbol, never selected this cycle.
			{Symbol: "PEPE/USDT", Action: "open_long", AllocationPct: 20, Priority: 1},
			// Close on a held symbol that fell out of the universe.
			{Symbol: "SOL/USDT", Action: "close_long", Priority: 1},
			// Open on a held but non-universe symbol is still dropped.
			{Symbol: "SOL/USDT", Action: "open_long", AllocationPct: 10, Priority: 2},
			{Symbol: "BTC/USDT", Action: "open_long", AllocationPct: 20, Priority: 1},
		},
	}, 30, 80)

	require.Len(t, res.Decisions, 2)
	assert.Equal(t, "SOL/USDT", res.Decisions[0].Symbol)
	assert.Equal(t, "close_long", res.Decisions[0].Action)
	assert.Equal(t, "BTC/USDT", res.Decisions[1].Symbol)
}

func TestNormalizeAllocationCaps(t *testing.T) {
	t.Run("per symbol then total", func(t *testing.T) {
		st := stateWithPrices(map[string]float64{"BTC/USDT": 50000, "ETH/USDT": 2000})
		res := normalizeDecisions(st, &pipeline.BatchDecisionResult{
			Decisions: []pipeline.Decision{
				{Symbol: "BTC/USDT", Action: "open_long", AllocationPct: 50, Priority: 1},
				{Symbol: "ETH/USDT", Action: "open_long", AllocationPct: 50, Priority: 1},
			},
		}, 40, 80)

		require.Len(t, res.Decisions, 2)
		assert.Equal(t, 40.0, res.Decisions[0].AllocationPct)
		assert.Equal(t, 40.0, res.Decisions[1].AllocationPct)
		assert.Equal(t, 80.0, res.TotalAllocationPct)
		assert.Equal(t, 20.0, res.CashReservePct)
	})

	t.Run("total scaled proportionally", func(t *testing.T) {
		st := stateWithPrices(map[string]float64{
			"BTC/USDT": 50000, "ETH/USDT": 2000, "SOL/USDT": 100, "XRP/USDT": 1,
		})
		var decisions []pipeline.Decision
		for _, sym := range st.Symbols {
			decisions = append(decisions, pipeline.Decision{
				Symbol: sym, Action: "open_long", AllocationPct: 30, Priority: 1,
			})
		}
		res := normalizeDecisions(st, &pipeline.BatchDecisionResult{Decisions: decisions}, 30, 80)

		require.Len(t, res.Decisions, 4)
		for _, d := range res.Decisions {
			assert.InDelta(t, 20.0, d.AllocationPct, 1e-9)
		}
		assert.InDelta(t, 80.0, res.TotalAllocationPct, 1e-9)
		assert.InDelta(t, 20.0, res.CashReservePct, 1e-9)
	})

	t.Run("holds and closes excluded from total", func(t *testing.T) {
		st := stateWithPrices(map[string]float64{"BTC/USDT": 50000, "ETH/USDT": 2000})
		st.Positions = []exchange.Position{longPosition("ETH/USDT", 1900, 1, 1)}
		res := normalizeDecisions(st, &pipeline.BatchDecisionResult{
			Decisions: []pipeline.Decision{
				{Symbol: "BTC/USDT", Action: "hold", AllocationPct: 50},
				{Symbol: "ETH/USDT", Action: "close_long", AllocationPct: 50, Priority: 1},
			},
		}, 30, 80)

		assert.Zero(t, res.TotalAllocationPct)
		assert.Equal(t, 100.0, res.CashReservePct)
	})
}

func TestNormalizeConsumesAlerts(t *testing.T) {
	st := stateWithPrices(map[string]float64{"BTC/USDT": 50000})
	st.AddAlert("open_long ETH/USDT rejected: funding too expensive")

	normalizeDecisions(st, &pipeline.BatchDecisionResult{}, 30, 80)
	assert.Nil(t, st.Alerts)
}

func TestNormalizeNilResult(t *testing.T) {
	st := stateWithPrices(map[string]float64{"BTC/USDT": 50000})
	res := normalizeDecisions(st, nil, 30, 80)
	require.NotNil(t, res)
	assert.Empty(t, res.Decisions)
	assert.Equal(t, 100.0, res.CashReservePct)
}

func TestAllWaitResult(t *testing.T) {
	st := stateWithPrices(map[string]float64{"BTC/USDT": 50000, "ETH/USDT": 2000})
	res := allWaitResult(st, "llm unavailable")

	require.Len(t, res.Decisions, 2)
	for _, d := range res.Decisions {
		assert.Equal(t, "wait", d.Action)
		assert.Equal(t, "llm unavailable", d.Reasoning)
		assert.False(t, d.Actionable())
	}
	assert.Equal(t, 100.0, res.CashReservePct)
}
