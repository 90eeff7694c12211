package backtest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/perpcycle/internal/db"
	"github.com/ajitpratap0/perpcycle/internal/llm"
	"github.com/ajitpratap0/perpcycle/internal/nodes"
)

const seriesBase = int64(1_600_000_000_000)

// scriptedLLM answers the first call with an open, the second with a
// close, and waits from then on. Every run gets a fresh call counter so
// replays are reproducible.
func scriptedLLM(t *testing.T) *httptest.Server {
	t.Helper()

	openLong := `{"decisions":[{"symbol":"BTC/USDT","action":"open_long",` +
		`"allocation_pct":20,"confidence":80,"priority":1,"leverage":2,` +
		`"reasoning":"uptrend"}],"total_allocation_pct":20,"cash_reserve_pct":80}`
	closeLong := `{"decisions":[{"symbol":"BTC/USDT","action":"close_long",` +
		`"allocation_pct":0,"confidence":85,"priority":1,` +
		`"reasoning":"take profit"}],"total_allocation_pct":0,"cash_reserve_pct":100}`
	wait := `{"decisions":[{"symbol":"BTC/USDT","action":"wait",` +
		`"allocation_pct":0,"confidence":50,"priority":5,` +
		`"reasoning":"flat"}],"total_allocation_pct":0,"cash_reserve_pct":100}`

	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var content string
		switch atomic.AddInt32(&calls, 1) {
		case 1:
			content = openLong
		case 2:
			content = closeLong
		default:
			content = wait
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": content}},
			},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

// scriptedFactory backs the llm factory with a single config row whose
// base_url points at the scripted server.
func scriptedFactory(t *testing.T, baseURL string) *llm.Factory {
	t.Helper()
	pool, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	rows := pgxmock.NewRows([]string{
		"id", "name", "provider", "model", "api_key",
		"base_url", "temperature", "max_tokens", "is_default",
	}).AddRow(int64(1), "scripted", "openai", "test-model", "test-key",
		baseURL, 0.0, 512, true)
	pool.ExpectQuery("SELECT (.+) FROM llm_configs WHERE id").
		WithArgs(int64(1)).
		WillReturnRows(rows)

	return llm.NewFactory(db.NewWithPool(pool))
}

func backtestBot() *db.Bot {
	llmID := int64(1)
	return &db.Bot{
		ID:             1,
		Name:           "replay",
		ExchangeID:     1,
		LLMConfigID:    &llmID,
		CycleInterval:  180,
		Symbols:        []string{"BTC/USDT"},
		Timeframes:     []string{"3m"},
		InitialBalance: 10000,
		PromptName:     "default",
		RiskLimits:     db.DefaultRiskLimits(),
	}
}

func backtestWorkflow() *db.Workflow {
	return &db.Workflow{
		Name: "replay",
		Nodes: []db.WorkflowNode{
			{NodeName: "coins_pick", ExecutionOrder: 10, Enabled: true},
			{NodeName: "market_data", ExecutionOrder: 20, Enabled: true},
			{NodeName: "batch_decision", ExecutionOrder: 50, Enabled: true},
			{NodeName: "execution", ExecutionOrder: 60, Enabled: true},
		},
	}
}

// replaySource has 260 rising 3m candles so every cycle sees a full
// indicator window plus a next candle to fill against.
func replaySource() *DataSource {
	series := rampCandles(260, seriesBase, 0)
	for i := range series {
		price := 100 + 0.1*float64(i)
		series[i].Open = price
		series[i].High = price + 0.05
		series[i].Low = price - 0.05
		series[i].Close = price
	}

	ds := NewDataSource([]string{"BTC/USDT"}, []string{"3m"})
	ds.SetSeries("BTC/USDT", "3m", series)
	return ds
}

func runScripted(t *testing.T, maxCycles int) *Report {
	t.Helper()
	require.NoError(t, nodes.RegisterAll())

	srv := scriptedLLM(t)
	engine, err := NewEngine(Config{
		Bot:        backtestBot(),
		Workflow:   backtestWorkflow(),
		Source:     replaySource(),
		LLMFactory: scriptedFactory(t, srv.URL),
		Start:      time.UnixMilli(seriesBase + 200*stepMS),
		End:        time.UnixMilli(seriesBase + 240*stepMS),
		MaxCycles:  maxCycles,
	})
	require.NoError(t, err)

	report, err := engine.Run(context.Background())
	require.NoError(t, err)
	return report
}

func TestBacktestScriptedRoundTrip(t *testing.T) {
	report := runScripted(t, 5)

	assert.Equal(t, 5, report.Cycles)
	// One open and one close produce exactly one ledger entry.
	assert.Equal(t, 1, report.TotalTrades)
	// Slippage and commission move the balance even on a near-flat trade.
	assert.NotEqual(t, 10000.0, report.FinalBalance)
	assert.InDelta(t, report.FinalBalance-10000, report.TotalReturn, 1e-9)
}

func TestBacktestReproducible(t *testing.T) {
	first := runScripted(t, 5)
	second := runScripted(t, 5)

	assert.Equal(t, first.FinalBalance, second.FinalBalance)
	assert.Equal(t, first.TotalTrades, second.TotalTrades)
	assert.Equal(t, first.MaxDrawdown, second.MaxDrawdown)
	assert.Equal(t, first.ReturnPct, second.ReturnPct)
	assert.Equal(t, first.WinRate, second.WinRate)
}

func TestNewEngineValidation(t *testing.T) {
	source := NewDataSource([]string{"BTC/USDT"}, []string{"3m"})
	start := time.UnixMilli(0)
	end := time.UnixMilli(1_000_000)

	t.Run("missing bot", func(t *testing.T) {
		_, err := NewEngine(Config{Source: source, Start: start, End: end})
		assert.ErrorContains(t, err, "requires a bot")
	})

	t.Run("missing symbols", func(t *testing.T) {
		bot := backtestBot()
		bot.Symbols = nil
		_, err := NewEngine(Config{Bot: bot, Source: source, Start: start, End: end})
		assert.ErrorContains(t, err, "fixed symbol list")
	})

	t.Run("missing source", func(t *testing.T) {
		_, err := NewEngine(Config{Bot: backtestBot(), Start: start, End: end})
		assert.ErrorContains(t, err, "data source")
	})

	t.Run("end before start", func(t *testing.T) {
		_, err := NewEngine(Config{Bot: backtestBot(), Source: source, Start: end, End: start})
		assert.ErrorContains(t, err, "not after start")
	})
}

func TestReportString(t *testing.T) {
	r := &Report{
		FinalBalance: 10100, TotalReturn: 100, ReturnPct: 1,
		TotalTrades: 3, WinRate: 66.7, MaxDrawdown: 0.02, Cycles: 40,
	}
	out := r.String()
	assert.Contains(t, out, "Backtest Report")
	assert.Contains(t, out, "Final Balance: 10100.00 USDT")
	assert.Contains(t, out, "Max Drawdown:  2.00%")
}
