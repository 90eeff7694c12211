package backtest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ajitpratap0/perpcycle/internal/cache"
	"github.com/ajitpratap0/perpcycle/internal/db"
	"github.com/ajitpratap0/perpcycle/internal/llm"
	"github.com/ajitpratap0/perpcycle/internal/pipeline"
	"github.com/ajitpratap0/perpcycle/internal/risk"
)

// ohlcvWindow matches the candle window the market data stage reads.
const ohlcvWindow = 100

// Config assembles one backtest run. The bot must carry a fixed symbol
// list; coin selection has no universe to rank in a replay.
type Config struct {
	Bot      *db.Bot
	Workflow *db.Workflow
	Source   *DataSource

	// Trader overrides the default MockTrader, for custom cost models.
	Trader *MockTrader

	LLMFactory   *llm.Factory
	SystemConfig *db.SystemConfig

	Start time.Time
	End   time.Time

	// MaxCycles caps the iteration count; 0 means until End.
	MaxCycles int
}

// Engine replays the date range through the compiled cycle graph, one
// cycle per cycle_interval of simulated time. The graph, nodes, and risk
// checks are the identical live code path; only the adapter, the clock,
// and the performance source differ.
type Engine struct {
	cfg    Config
	trader *MockTrader
	cache  *cache.Cache
	graph  *pipeline.Graph

	alerts []string
	cycles int
	errors int
}

// NewEngine validates the config and compiles the graph.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Bot == nil {
		return nil, fmt.Errorf("backtest requires a bot")
	}
	if len(cfg.Bot.Symbols) == 0 {
		return nil, fmt.Errorf("backtest requires a fixed symbol list on the bot")
	}
	if cfg.Source == nil {
		return nil, fmt.Errorf("backtest requires a preloaded data source")
	}
	if !cfg.End.After(cfg.Start) {
		return nil, fmt.Errorf("backtest end %s is not after start %s",
			cfg.End.Format("2006-01-02"), cfg.Start.Format("2006-01-02"))
	}

	trader := cfg.Trader
	if trader == nil {
		trader = NewMockTrader(cfg.Source, cfg.Bot.InitialBalance)
	}

	c := cache.New()
	c.SetCycleInterval(cfg.Bot.ID, cfg.Bot.CycleDuration())

	pc := &pipeline.PluginContext{
		SystemConfig: cfg.SystemConfig,
		Bot:          cfg.Bot,
		Exchange:     trader,
		Cache:        c,
		LLMFactory:   cfg.LLMFactory,
		Performance:  trader.Performance(),
		Trailing:     risk.NewTrailingStop(cfg.Bot.RiskLimits.Trailing),
	}
	graph, err := pipeline.Build(pc, cfg.Workflow, pipeline.NewMemoryCheckpointer())
	if err != nil {
		return nil, fmt.Errorf("build graph: %w", err)
	}

	return &Engine{cfg: cfg, trader: trader, cache: c, graph: graph}, nil
}

// Run executes the backtest and returns the report. Cycle errors are
// logged and the replay continues, like the live loop; only context
// cancellation stops it early.
func (e *Engine) Run(ctx context.Context) (*Report, error) {
	if _, err := e.trader.LoadMarkets(ctx); err != nil {
		return nil, fmt.Errorf("load markets: %w", err)
	}

	stepMS := e.cfg.Bot.CycleDuration().Milliseconds()
	nowMS := e.cfg.Start.UnixMilli()
	endMS := e.cfg.End.UnixMilli()

	log.Info().
		Str("component", "backtest").
		Int64("bot_id", e.cfg.Bot.ID).
		Time("start", e.cfg.Start).
		Time("end", e.cfg.End).
		Strs("symbols", e.cfg.Bot.Symbols).
		Int64("step_ms", stepMS).
		Msg("backtest starting")

	for nowMS <= endMS {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if e.cfg.MaxCycles > 0 && e.cycles >= e.cfg.MaxCycles {
			break
		}

		e.cfg.Source.SetNow(nowMS)
		e.cfg.Source.SeedCycle(e.cache, ohlcvWindow)

		if err := e.runCycle(ctx, nowMS); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			e.errors++
			log.Warn().
				Str("component", "backtest").
				Int64("bot_id", e.cfg.Bot.ID).
				Int("cycle", e.cycles).
				Err(err).
				Msg("backtest cycle failed")
		}

		e.cycles++
		nowMS += stepMS
	}

	report := e.report(ctx)
	log.Info().
		Str("component", "backtest").
		Int64("bot_id", e.cfg.Bot.ID).
		Int("cycles", e.cycles).
		Int("errors", e.errors).
		Float64("final_balance", report.FinalBalance).
		Int("trades", report.TotalTrades).
		Msg("backtest complete")
	return report, nil
}

func (e *Engine) runCycle(ctx context.Context, nowMS int64) error {
	st := pipeline.NewState(e.cfg.Bot.ID)
	st.Backtest = true
	st.NowMS = nowMS
	st.PromptName = e.cfg.Bot.PromptName
	st.InitialBalance = e.cfg.Bot.InitialBalance
	st.Alerts = e.alerts

	if account, err := e.trader.FetchBalance(ctx); err == nil {
		st.Account = account
	}
	if positions, err := e.trader.FetchPositions(ctx, nil); err == nil {
		st.Positions = positions
	}

	final, err := e.graph.Run(ctx, pipeline.ThreadID(e.cfg.Bot.ID), st)
	if final != nil {
		e.alerts = final.Alerts
	}
	return err
}

func (e *Engine) report(ctx context.Context) *Report {
	perf := e.trader.Performance()
	metrics, _ := perf.Metrics(ctx, e.cfg.Bot.ID, len(perf.Trades()))

	finalBalance := e.trader.Equity()
	totalReturn := finalBalance - e.cfg.Bot.InitialBalance
	var returnPct float64
	if e.cfg.Bot.InitialBalance > 0 {
		returnPct = totalReturn / e.cfg.Bot.InitialBalance * 100
	}

	return &Report{
		FinalBalance: finalBalance,
		TotalReturn:  totalReturn,
		ReturnPct:    returnPct,
		TotalTrades:  metrics.TotalTrades,
		WinRate:      metrics.WinRate,
		Sharpe:       metrics.SharpeRatio,
		MaxDrawdown:  metrics.MaxDrawdown,
		ProfitFactor: metrics.ProfitFactor,
		Cycles:       e.cycles,
	}
}

// Report is the end-of-run summary.
type Report struct {
	FinalBalance float64 `json:"final_balance"`
	TotalReturn  float64 `json:"total_return"`
	ReturnPct    float64 `json:"return_pct"`
	TotalTrades  int     `json:"total_trades"`
	WinRate      float64 `json:"win_rate"`
	Sharpe       float64 `json:"sharpe"`
	MaxDrawdown  float64 `json:"max_drawdown"`
	ProfitFactor float64 `json:"profit_factor"`
	Cycles       int     `json:"cycles"`
}

// String renders the report for the CLI.
func (r *Report) String() string {
	var b strings.Builder
	b.WriteString("Backtest Report\n")
	b.WriteString("===============\n")
	fmt.Fprintf(&b, "  Cycles:        %d\n", r.Cycles)
	fmt.Fprintf(&b, "  Final Balance: %.2f USDT\n", r.FinalBalance)
	fmt.Fprintf(&b, "  Total Return:  %+.2f USDT (%+.2f%%)\n", r.TotalReturn, r.ReturnPct)
	fmt.Fprintf(&b, "  Total Trades:  %d\n", r.TotalTrades)
	fmt.Fprintf(&b, "  Win Rate:      %.1f%%\n", r.WinRate)
	fmt.Fprintf(&b, "  Sharpe:        %.2f\n", r.Sharpe)
	fmt.Fprintf(&b, "  Max Drawdown:  %.2f%%\n", r.MaxDrawdown*100)
	fmt.Fprintf(&b, "  Profit Factor: %.2f\n", r.ProfitFactor)
	return b.String()
}
