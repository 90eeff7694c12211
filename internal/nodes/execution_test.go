package nodes

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/perpcycle/internal/db"
	"github.com/ajitpratap0/perpcycle/internal/exchange"
	"github.com/ajitpratap0/perpcycle/internal/pipeline"
	"github.com/ajitpratap0/perpcycle/internal/risk"
)

func newExecutionNode(t *testing.T, pc *pipeline.PluginContext) *Execution {
	t.Helper()
	node, err := newExecution(pc, nil)
	require.NoError(t, err)
	return node.(*Execution)
}

func executionState(t *testing.T, mock *exchange.MockAdapter) *pipeline.State {
	t.Helper()
	st := pipeline.NewState(1)
	st.InitialBalance = 10000
	account, err := mock.FetchBalance(context.Background())
	require.NoError(t, err)
	st.Account = account
	return st
}

// entryOrders filters the call log down to position-changing market
// orders, skipping the reduce-only exit orders placed after each entry.
func entryOrders(calls []exchange.OrderRequest) []exchange.OrderRequest {
	var out []exchange.OrderRequest
	for _, c := range calls {
		if !c.ReduceOnly {
			out = append(out, c)
		}
	}
	return out
}

func TestExecutionClosesBeforeOpens(t *testing.T) {
	mock := exchange.NewMockAdapter(10000)
	mock.SetPrice("BTC/USDT", 50000)
	mock.SetPrice("ETH/USDT", 2000)
	_, err := mock.LoadMarkets(context.Background())
	require.NoError(t, err)

	node := newExecutionNode(t, &pipeline.PluginContext{Exchange: mock})
	st := executionState(t, mock)
	st.Symbols = []string{"BTC/USDT", "ETH/USDT"}
	st.Data("BTC/USDT").CurrentPrice = 50000
	st.Data("ETH/USDT").CurrentPrice = 2000
	st.Positions = []exchange.Position{{
		Symbol: "ETH/USDT", Side: exchange.OrderSideBuy,
		EntryPrice: 1900, MarkPrice: 2000, Amount: 1, Leverage: 3, Status: "open",
	}}
	st.BatchDecision = &pipeline.BatchDecisionResult{
		Decisions: []pipeline.Decision{
			// Listed after the close on purpose; the close must still run
			// first.
			{Symbol: "BTC/USDT", Action: "open_long", AllocationPct: 20, Priority: 1},
			{Symbol: "ETH/USDT", Action: "close_long", Priority: 0, Reasoning: "take profit"},
		},
	}

	_, err = node.Run(context.Background(), st)
	require.NoError(t, err)

	require.GreaterOrEqual(t, len(mock.CreateOrderCalls), 2)
	first := mock.CreateOrderCalls[0]
	assert.Equal(t, "ETH/USDT", first.Symbol)
	assert.True(t, first.ReduceOnly)
	assert.Equal(t, exchange.OrderSideSell, first.Side)

	entries := entryOrders(mock.CreateOrderCalls)
	require.Len(t, entries, 1)
	assert.Equal(t, "BTC/USDT", entries[0].Symbol)
	assert.Equal(t, exchange.OrderSideBuy, entries[0].Side)

	assert.Nil(t, st.PositionFor("ETH/USDT"))
	require.NotNil(t, st.PositionFor("BTC/USDT"))

	require.Len(t, st.ExecutionResults, 2)
	for _, r := range st.ExecutionResults {
		assert.Equal(t, "success", r.Status)
	}
}

func TestExecutionPlacesExitOrders(t *testing.T) {
	mock := exchange.NewMockAdapter(10000)
	mock.SetPrice("BTC/USDT", 50000)
	_, err := mock.LoadMarkets(context.Background())
	require.NoError(t, err)

	node := newExecutionNode(t, &pipeline.PluginContext{Exchange: mock})
	st := executionState(t, mock)
	st.Symbols = []string{"BTC/USDT"}
	st.Data("BTC/USDT").CurrentPrice = 50000
	st.BatchDecision = &pipeline.BatchDecisionResult{
		Decisions: []pipeline.Decision{
			{Symbol: "BTC/USDT", Action: "open_long", AllocationPct: 20, Priority: 1},
		},
	}

	_, err = node.Run(context.Background(), st)
	require.NoError(t, err)

	// Entry plus a reduce-only stop and a reduce-only take profit: the
	// mock adapter cannot attach exits to the entry order.
	require.Len(t, mock.CreateOrderCalls, 3)
	sl, tp := mock.CreateOrderCalls[1], mock.CreateOrderCalls[2]

	assert.True(t, sl.ReduceOnly)
	assert.Equal(t, exchange.OrderSideSell, sl.Side)
	assert.InDelta(t, 50000*0.97, sl.StopPrice, 1e-6)

	assert.True(t, tp.ReduceOnly)
	assert.Equal(t, exchange.OrderTypeLimit, tp.Type)
	assert.InDelta(t, 50000*1.06, tp.Price, 1e-6)

	pos := st.PositionFor("BTC/USDT")
	require.NotNil(t, pos)
	assert.InDelta(t, 50000*0.97, pos.StopLossPrice, 1e-6)
	assert.InDelta(t, 50000*1.06, pos.TakeProfitPrice, 1e-6)
}

func TestExecutionPreflightScale(t *testing.T) {
	mock := exchange.NewMockAdapter(10000)
	mock.SetPrice("BTC/USDT", 50000)
	mock.SetPrice("ETH/USDT", 2000)
	_, err := mock.LoadMarkets(context.Background())
	require.NoError(t, err)

	limits := db.DefaultRiskLimits()
	limits.MaxSinglePosition = 0.5
	bot := &db.Bot{ID: 1, RiskLimits: limits}

	node := newExecutionNode(t, &pipeline.PluginContext{Exchange: mock, Bot: bot})
	st := executionState(t, mock)
	st.Symbols = []string{"BTC/USDT", "ETH/USDT"}
	st.Data("BTC/USDT").CurrentPrice = 50000
	st.Data("ETH/USDT").CurrentPrice = 2000
	st.BatchDecision = &pipeline.BatchDecisionResult{
		Decisions: []pipeline.Decision{
			// At 1x these need 100% of free balance as margin; the budget
			// is 80%, so both allocations scale by 0.8.
			{Symbol: "BTC/USDT", Action: "open_long", AllocationPct: 50, Leverage: 1, Priority: 1},
			{Symbol: "ETH/USDT", Action: "open_long", AllocationPct: 50, Leverage: 1, Priority: 2},
		},
	}

	_, err = node.Run(context.Background(), st)
	require.NoError(t, err)

	entries := entryOrders(mock.CreateOrderCalls)
	require.Len(t, entries, 2)
	// 40% of 10000 = 4000 USD notional after scaling.
	assert.InDelta(t, 0.08, entries[0].Amount, 1e-9) // 4000 / 50000
	assert.InDelta(t, 2.0, entries[1].Amount, 1e-9)  // 4000 / 2000
}

func TestExecutionRiskRejection(t *testing.T) {
	mock := exchange.NewMockAdapter(10000)
	mock.SetPrice("BTC/USDT", 50000)
	_, err := mock.LoadMarkets(context.Background())
	require.NoError(t, err)

	node := newExecutionNode(t, &pipeline.PluginContext{Exchange: mock})
	st := executionState(t, mock)
	st.Symbols = []string{"BTC/USDT"}
	st.Data("BTC/USDT").CurrentPrice = 50000
	st.Data("BTC/USDT").FundingRate = 0.001 // above the 0.0005 cap for longs
	st.BatchDecision = &pipeline.BatchDecisionResult{
		Decisions: []pipeline.Decision{
			{Symbol: "BTC/USDT", Action: "open_long", AllocationPct: 20, Priority: 1},
		},
	}

	_, err = node.Run(context.Background(), st)
	require.NoError(t, err)

	assert.Empty(t, mock.CreateOrderCalls)
	assert.Empty(t, st.Positions)

	require.Len(t, st.ExecutionResults, 1)
	assert.Equal(t, "skipped", st.ExecutionResults[0].Status)
	assert.Contains(t, st.ExecutionResults[0].Message, "funding rate")

	// The rejection is carried into the next cycle's prompt.
	require.Len(t, st.Alerts, 1)
	assert.Contains(t, st.Alerts[0], "open_long BTC/USDT rejected")
}

func TestExecutionAmountPrecision(t *testing.T) {
	mock := exchange.NewMockAdapter(100)
	mock.SetPrice("LTC/USDT", 3108)
	_, err := mock.LoadMarkets(context.Background())
	require.NoError(t, err)

	node := newExecutionNode(t, &pipeline.PluginContext{Exchange: mock})
	st := executionState(t, mock)
	st.Symbols = []string{"LTC/USDT"}
	st.Data("LTC/USDT").CurrentPrice = 3108
	st.BatchDecision = &pipeline.BatchDecisionResult{
		Decisions: []pipeline.Decision{
			{Symbol: "LTC/USDT", Action: "open_long", AllocationPct: 10.03, Priority: 1},
		},
	}

	_, err = node.Run(context.Background(), st)
	require.NoError(t, err)

	// 10.03 USD at 3108 is 0.003227 raw; ceiling at 4 decimals keeps the
	// notional above the exchange minimum.
	entries := entryOrders(mock.CreateOrderCalls)
	require.Len(t, entries, 1)
	assert.InDelta(t, 0.0033, entries[0].Amount, 1e-9)
	assert.GreaterOrEqual(t, entries[0].Amount*3108, 10.0)
}

func TestExecutionFillConfirmation(t *testing.T) {
	mock := exchange.NewMockAdapter(10000)
	mock.SetPrice("BTC/USDT", 50000)
	_, err := mock.LoadMarkets(context.Background())
	require.NoError(t, err)
	mock.FillDelayPolls = 2

	node := newExecutionNode(t, &pipeline.PluginContext{Exchange: mock})
	st := executionState(t, mock)
	st.Symbols = []string{"BTC/USDT"}
	st.Data("BTC/USDT").CurrentPrice = 50000
	st.BatchDecision = &pipeline.BatchDecisionResult{
		Decisions: []pipeline.Decision{
			{Symbol: "BTC/USDT", Action: "open_long", AllocationPct: 20, Priority: 1},
		},
	}

	_, err = node.Run(context.Background(), st)
	require.NoError(t, err)

	require.NotNil(t, st.PositionFor("BTC/USDT"))
	var opened *pipeline.ExecutionResult
	for i := range st.ExecutionResults {
		if st.ExecutionResults[i].Action == "open_long" {
			opened = &st.ExecutionResults[i]
		}
	}
	require.NotNil(t, opened)
	assert.Equal(t, "success", opened.Status)
	assert.Greater(t, opened.ExecutedAmount, 0.0)
}

func TestExecutionTrailingSweep(t *testing.T) {
	mock := exchange.NewMockAdapter(10000)
	mock.SetPrice("BTC/USDT", 103)
	_, err := mock.LoadMarkets(context.Background())
	require.NoError(t, err)

	trailing := risk.NewTrailingStop(db.TrailingStopConfig{
		Enabled: true, TriggerPct: 3.0, DistancePct: 1.5, LockPct: 1.0,
	})
	pos := exchange.Position{
		Symbol: "BTC/USDT", Side: exchange.OrderSideBuy,
		EntryPrice: 100, MarkPrice: 103, Amount: 1, Leverage: 1, Status: "open",
	}
	// Ratchet the stop at the peak, then let the price fall through it.
	_, moved := trailing.Update(&pos, 105)
	require.True(t, moved)

	node := newExecutionNode(t, &pipeline.PluginContext{Exchange: mock, Trailing: trailing})
	st := executionState(t, mock)
	st.Data("BTC/USDT").CurrentPrice = 103
	st.Positions = []exchange.Position{pos}

	_, err = node.Run(context.Background(), st)
	require.NoError(t, err)

	require.Len(t, mock.CreateOrderCalls, 1)
	assert.True(t, mock.CreateOrderCalls[0].ReduceOnly)
	assert.Empty(t, st.Positions)
	assert.Nil(t, trailing.State("BTC/USDT"))

	require.Len(t, st.ExecutionResults, 1)
	assert.Equal(t, "close_long", st.ExecutionResults[0].Action)
	assert.Equal(t, "success", st.ExecutionResults[0].Status)
}

func TestExecutionCloseWithoutPosition(t *testing.T) {
	mock := exchange.NewMockAdapter(10000)
	node := newExecutionNode(t, &pipeline.PluginContext{Exchange: mock})
	st := executionState(t, mock)
	st.BatchDecision = &pipeline.BatchDecisionResult{
		Decisions: []pipeline.Decision{
			{Symbol: "BTC/USDT", Action: "close_long", Priority: 0},
		},
	}

	_, err := node.Run(context.Background(), st)
	require.NoError(t, err)

	assert.Empty(t, mock.CreateOrderCalls)
	require.Len(t, st.ExecutionResults, 1)
	assert.Equal(t, "skipped", st.ExecutionResults[0].Status)
	assert.Equal(t, "no open position", st.ExecutionResults[0].Message)
}

func TestRealizedPnL(t *testing.T) {
	long := &exchange.Position{Side: exchange.OrderSideBuy, EntryPrice: 100}
	usd, pct := realizedPnL(long, 110, 0.1, 0.0055)
	assert.InDelta(t, 0.9945, usd, 1e-9)
	assert.InDelta(t, 9.945, pct, 1e-9)

	short := &exchange.Position{Side: exchange.OrderSideSell, EntryPrice: 100}
	usd, pct = realizedPnL(short, 90, 0.1, 0.0055)
	assert.InDelta(t, 0.9945, usd, 1e-9)
	assert.InDelta(t, 9.945, pct, 1e-9)

	usd, _ = realizedPnL(long, 95, 0.1, 0.0055)
	assert.InDelta(t, -0.5055, usd, 1e-9)
}

func TestExitPercents(t *testing.T) {
	sl, tp := exitPercents(100, 97, 106, true)
	assert.InDelta(t, 3.0, sl, 1e-9)
	assert.InDelta(t, 6.0, tp, 1e-9)

	sl, tp = exitPercents(100, 103, 94, false)
	assert.InDelta(t, 3.0, sl, 1e-9)
	assert.InDelta(t, 6.0, tp, 1e-9)

	// Wrong-way prices come out negative and fail the risk check.
	sl, _ = exitPercents(100, 103, 106, true)
	assert.Negative(t, sl)
}
