package nodes

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/ajitpratap0/perpcycle/internal/exchange"
	"github.com/ajitpratap0/perpcycle/internal/pipeline"
)

// Prompt building shared by the batch and debate decision nodes. Every
// block degrades to a short placeholder rather than being omitted so the
// model always sees the same document structure.

func promptAccountBlock(st *pipeline.State) string {
	var b strings.Builder
	b.WriteString("Account:\n")
	fmt.Fprintf(&b, "- Free balance: %.2f USD\n", st.FreeBalance())
	fmt.Fprintf(&b, "- Total balance: %.2f USD\n", st.TotalBalance())
	fmt.Fprintf(&b, "- Margin in use: %.2f USD\n", st.UsedMargin())
	if st.InitialBalance > 0 {
		fmt.Fprintf(&b, "- Initial balance: %.2f USD\n", st.InitialBalance)
	}
	return b.String()
}

func promptPositionsBlock(st *pipeline.State) string {
	if len(st.Positions) == 0 {
		return "Open positions: none\n"
	}
	var b strings.Builder
	b.WriteString("Open positions:\n")
	for i := range st.Positions {
		p := &st.Positions[i]
		price := st.Price(p.Symbol)
		if price <= 0 {
			price = p.MarkPrice
		}
		side := "long"
		if p.Side == exchange.OrderSideSell {
			side = "short"
		}
		pnl := p.PnLPct(price)
		fmt.Fprintf(&b, "- %s %s: amount %.6f, entry %.4f, current %.4f, leverage %.0fx, unrealized PnL %.2f%%",
			p.Symbol, side, p.Amount, p.EntryPrice, price, p.Leverage, pnl)
		if pnl <= forcedClosePct {
			fmt.Fprintf(&b, " [WILL BE FORCE-CLOSED: below %.1f%%]", forcedClosePct)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func promptCandidatesBlock(st *pipeline.State) string {
	if len(st.Symbols) == 0 {
		return "Candidate symbols: none\n"
	}
	var b strings.Builder
	b.WriteString("Candidate symbols:\n")
	for _, symbol := range st.Symbols {
		d := st.Data(symbol)
		fmt.Fprintf(&b, "- %s: price %.4f, funding rate %.6f", symbol, d.CurrentPrice, d.FundingRate)
		if s := d.Signal; s != nil {
			fmt.Fprintf(&b, ", quant score %.1f (trend %.0f, momentum %.0f, volume %.0f, sentiment %.0f)",
				s.TotalScore,
				s.Breakdown["trend"], s.Breakdown["momentum"],
				s.Breakdown["volume"], s.Breakdown["sentiment"])
			if len(s.Reasons) > 0 {
				fmt.Fprintf(&b, "; %s", strings.Join(s.Reasons, "; "))
			}
		}
		if ms := d.Microstructure; ms != nil {
			fmt.Fprintf(&b, "; book imbalance %.2f, buy/sell ratio %.2f", ms.Imbalance, ms.BuySellRatio)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func promptRegimeBlock(st *pipeline.State) string {
	if st.MarketRegime == "" {
		return ""
	}
	return fmt.Sprintf("Market regime: %s (confidence %.2f)\n", st.MarketRegime, st.RegimeConfidence)
}

func promptRiskBlock(pc *pipeline.PluginContext, maxSinglePct, maxTotalPct float64) string {
	var b strings.Builder
	b.WriteString("Risk constraints (hard limits, violations are rejected):\n")
	fmt.Fprintf(&b, "- Per-symbol allocation cap: %.0f%%\n", maxSinglePct)
	fmt.Fprintf(&b, "- Total allocation cap: %.0f%%\n", maxTotalPct)
	if pc.Bot != nil {
		l := pc.Bot.RiskLimits
		fmt.Fprintf(&b, "- Leverage: max %dx (default %dx)\n", l.MaxLeverage, l.DefaultLeverage)
		fmt.Fprintf(&b, "- Position size: %.0f to %.0f USD\n", l.MinPositionUSD, l.MaxPositionUSD)
		fmt.Fprintf(&b, "- Minimum risk/reward: %.1f\n", l.MinRiskReward)
		fmt.Fprintf(&b, "- Default stop loss %.1f%%, take profit %.1f%%\n",
			l.DefaultStopLossPct, l.DefaultTakeProfitPct)
	}
	return b.String()
}

func promptAlertsBlock(st *pipeline.State) string {
	if len(st.Alerts) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Previous cycle issues (avoid repeating these):\n")
	for _, a := range st.Alerts {
		fmt.Fprintf(&b, "- %s\n", a)
	}
	return b.String()
}

const defaultMemoryRecallK = 5

func promptMemoryBlock(ctx context.Context, pc *pipeline.PluginContext, st *pipeline.State) string {
	if pc.Memory == nil {
		return ""
	}
	k := defaultMemoryRecallK
	if sc := pc.SystemConfig; sc != nil {
		k = sc.GetInt(ctx, "memory.recall_k", k)
	}
	query := fmt.Sprintf("regime=%s; candidates=%s", st.MarketRegime, strings.Join(st.Symbols, ","))
	block, err := pc.Memory.RecallBlock(ctx, st.BotID, query, k)
	if err != nil {
		log.Warn().
			Str("component", "nodes").
			Int64("bot_id", st.BotID).
			Err(err).
			Msg("decision memory recall failed")
		return ""
	}
	return block
}

func promptPerformanceBlock(ctx context.Context, pc *pipeline.PluginContext, st *pipeline.State, tradeLimit int) string {
	if pc.Performance == nil {
		return ""
	}
	var b strings.Builder
	if m, err := pc.Performance.Metrics(ctx, st.BotID, 0); err == nil && m.TotalTrades > 0 {
		b.WriteString(m.PromptText())
		b.WriteString("\n")
	}
	if tradeLimit > 0 {
		if summary, err := pc.Performance.RecentTradesSummary(ctx, st.BotID, tradeLimit); err == nil && summary != "" {
			b.WriteString("Recent trades:\n")
			b.WriteString(summary)
			b.WriteString("\n")
		}
	}
	return b.String()
}

// batchDecisionSchema is the output contract echoed into the prompt so
// even providers without native JSON-schema binding answer decodable.
const batchDecisionSchema = `Respond with a single JSON object:
{
  "decisions": [
    {
      "symbol": "BTC/USDT",
      "action": "open_long|open_short|close_long|close_short|hold|wait",
      "allocation_pct": 0.0,
      "confidence": 0.0,
      "priority": 1,
      "leverage": 3,
      "stop_loss_price": 0.0,
      "take_profit_price": 0.0,
      "reasoning": "one sentence"
    }
  ],
  "total_allocation_pct": 0.0,
  "cash_reserve_pct": 100.0,
  "strategy_rationale": "one short paragraph"
}
Include one decision per candidate symbol. Stop loss and take profit are
absolute prices. Use "wait" when no edge exists.`
