// Package performance computes trade-ledger statistics that feed risk
// checks and the decision prompts.
package performance

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/ajitpratap0/perpcycle/internal/db"
)

// DefaultWindow is the number of recent closed trades metrics are
// computed over.
const DefaultWindow = 50

// Metrics summarizes recent closed trades. MaxDrawdown is a fraction of
// peak equity so it compares directly against risk_limits.max_drawdown.
type Metrics struct {
	TotalTrades    int     `json:"total_trades"`
	WinningTrades  int     `json:"winning_trades"`
	LosingTrades   int     `json:"losing_trades"`
	WinRate        float64 `json:"win_rate"`
	AvgReturnPct   float64 `json:"avg_return_pct"`
	TotalReturnUSD float64 `json:"total_return_usd"`
	SharpeRatio    float64 `json:"sharpe_ratio"`
	MaxDrawdown    float64 `json:"max_drawdown"`
	AvgWinPct      float64 `json:"avg_win_pct"`
	AvgLossPct     float64 `json:"avg_loss_pct"`
	ProfitFactor   float64 `json:"profit_factor"`
}

// Compute derives metrics from a window of closed trades. Trades without
// a recorded pnl_percent are counted but contribute nothing else.
func Compute(trades []db.Trade) Metrics {
	if len(trades) == 0 {
		return Metrics{}
	}

	var returnsPct []float64
	var totalUSD float64
	for _, t := range trades {
		if t.PnLPercent != nil {
			returnsPct = append(returnsPct, *t.PnLPercent)
		}
		if t.PnLUSD != nil {
			totalUSD += *t.PnLUSD
		}
	}
	if len(returnsPct) == 0 {
		return Metrics{TotalTrades: len(trades)}
	}

	m := Metrics{
		TotalTrades:    len(returnsPct),
		TotalReturnUSD: totalUSD,
	}

	var sum, winSum, lossSum float64
	for _, r := range returnsPct {
		sum += r
		switch {
		case r > 0:
			m.WinningTrades++
			winSum += r
		case r < 0:
			m.LosingTrades++
			lossSum += r
		}
	}
	m.WinRate = float64(m.WinningTrades) / float64(m.TotalTrades) * 100
	m.AvgReturnPct = sum / float64(m.TotalTrades)
	if m.WinningTrades > 0 {
		m.AvgWinPct = winSum / float64(m.WinningTrades)
	}
	if m.LosingTrades > 0 {
		m.AvgLossPct = lossSum / float64(m.LosingTrades)
	}
	if lossSum < 0 {
		m.ProfitFactor = winSum / math.Abs(lossSum)
	}
	m.SharpeRatio = sharpe(returnsPct)
	m.MaxDrawdown = maxDrawdown(returnsPct)
	return m
}

// sharpe is mean over sample standard deviation, zero risk-free rate,
// not annualized. Fewer than two returns or zero variance yields 0.
func sharpe(returns []float64) float64 {
	n := len(returns)
	if n < 2 {
		return 0
	}
	var sum float64
	for _, r := range returns {
		sum += r
	}
	mean := sum / float64(n)

	var ss float64
	for _, r := range returns {
		d := r - mean
		ss += d * d
	}
	std := math.Sqrt(ss / float64(n-1))
	if std == 0 {
		return 0
	}
	return mean / std
}

// maxDrawdown compounds the percent returns into an equity curve starting
// at 1.0 and returns the worst peak-to-trough fraction.
func maxDrawdown(returnsPct []float64) float64 {
	if len(returnsPct) == 0 {
		return 0
	}
	equity := 1.0
	peak := 1.0
	maxDD := 0.0
	for _, r := range returnsPct {
		equity *= 1 + r/100
		if equity > peak {
			peak = equity
		}
		if peak > 0 {
			if dd := (peak - equity) / peak; dd > maxDD {
				maxDD = dd
			}
		}
	}
	return maxDD
}

// PromptText renders the metrics for the decision prompts, including the
// Sharpe-based stance advice.
func (m Metrics) PromptText() string {
	if m.TotalTrades == 0 {
		return "No historical trades yet.\n"
	}

	var b strings.Builder
	b.WriteString("Historical Performance:\n")
	b.WriteString("-------------------\n")
	fmt.Fprintf(&b, "  Total Trades: %d\n", m.TotalTrades)
	fmt.Fprintf(&b, "  Win Rate: %.1f%%\n", m.WinRate)
	fmt.Fprintf(&b, "  Sharpe Ratio: %.2f\n", m.SharpeRatio)
	fmt.Fprintf(&b, "  Avg Return per Trade: %.2f%%\n", m.AvgReturnPct)
	fmt.Fprintf(&b, "  Total Return: $%.2f\n", m.TotalReturnUSD)
	fmt.Fprintf(&b, "  Max Drawdown: %.2f%%\n", m.MaxDrawdown*100)

	switch {
	case m.SharpeRatio < -0.5:
		b.WriteString("\n  WARNING: Sharpe < -0.5, persistent losses.\n")
		b.WriteString("  Advice: stop trading and only observe for at least 6 cycles.\n")
	case m.SharpeRatio < 0:
		b.WriteString("\n  CAUTION: Sharpe < 0, mild losses.\n")
		b.WriteString("  Advice: only take trades with confidence > 80 and reduce frequency.\n")
	case m.SharpeRatio > 0.7:
		b.WriteString("\n  EXCELLENT: Sharpe > 0.7.\n")
		b.WriteString("  Advice: position sizes may be scaled up moderately.\n")
	}

	b.WriteString("-------------------\n")
	return b.String()
}

// Calculator computes metrics from the trade_history ledger.
type Calculator struct {
	db *db.DB
}

func NewCalculator(database *db.DB) *Calculator {
	return &Calculator{db: database}
}

// Metrics loads the last `window` closed trades for the bot and computes
// the summary. window <= 0 uses DefaultWindow.
func (c *Calculator) Metrics(ctx context.Context, botID int64, window int) (Metrics, error) {
	if window <= 0 {
		window = DefaultWindow
	}
	trades, err := c.db.GetRecentTrades(ctx, botID, window)
	if err != nil {
		return Metrics{}, fmt.Errorf("load closed trades: %w", err)
	}
	m := Compute(derefTrades(trades))
	log.Info().
		Str("component", "performance").
		Int64("bot_id", botID).
		Int("trades", m.TotalTrades).
		Float64("win_rate", m.WinRate).
		Float64("sharpe", m.SharpeRatio).
		Float64("total_pnl_usd", m.TotalReturnUSD).
		Msg("performance window computed")
	return m, nil
}

// RecentTradesSummary renders the last few closed trades for the prompts.
func (c *Calculator) RecentTradesSummary(ctx context.Context, botID int64, limit int) (string, error) {
	if limit <= 0 {
		limit = 10
	}
	trades, err := c.db.GetRecentTrades(ctx, botID, limit)
	if err != nil {
		return "", fmt.Errorf("load closed trades: %w", err)
	}
	return TradesSummary(derefTrades(trades)), nil
}

func derefTrades(trades []*db.Trade) []db.Trade {
	out := make([]db.Trade, 0, len(trades))
	for _, t := range trades {
		if t != nil {
			out = append(out, *t)
		}
	}
	return out
}

// TradesSummary renders one line per closed trade.
func TradesSummary(trades []db.Trade) string {
	if len(trades) == 0 {
		return "No recent trades.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Recent %d Trades:\n", len(trades))
	for i, t := range trades {
		pnl := 0.0
		if t.PnLPercent != nil {
			pnl = *t.PnLPercent
		}
		fmt.Fprintf(&b, "  %d. %s %s: %+.2f%%\n", i+1, t.Symbol, t.Side, pnl)
	}
	return b.String()
}
