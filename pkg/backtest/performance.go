package backtest

import (
	"context"
	"sync"

	"github.com/ajitpratap0/perpcycle/internal/db"
	"github.com/ajitpratap0/perpcycle/internal/performance"
)

// MockPerformance is the in-memory twin of the trade-ledger calculator.
// It serves the same PerformanceSource interface the decision prompts
// consume, over the trades the MockTrader closed so far. Drawdown is
// additive in percent points rather than compounded.
type MockPerformance struct {
	mu     sync.Mutex
	trades []db.Trade
}

func NewMockPerformance() *MockPerformance {
	return &MockPerformance{}
}

// Record appends a closed trade. Trades arrive in simulation order.
func (p *MockPerformance) Record(t db.Trade) {
	p.mu.Lock()
	p.trades = append(p.trades, t)
	p.mu.Unlock()
}

// Trades returns a copy of the closed-trade ledger, oldest first.
func (p *MockPerformance) Trades() []db.Trade {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]db.Trade, len(p.trades))
	copy(out, p.trades)
	return out
}

// Metrics computes the summary over the last `window` closed trades.
// window <= 0 uses the default window.
func (p *MockPerformance) Metrics(ctx context.Context, botID int64, window int) (performance.Metrics, error) {
	if window <= 0 {
		window = performance.DefaultWindow
	}

	p.mu.Lock()
	trades := p.trades
	if len(trades) > window {
		trades = trades[len(trades)-window:]
	}
	trades = append([]db.Trade(nil), trades...)
	p.mu.Unlock()

	m := performance.Compute(trades)

	var returnsPct []float64
	for _, t := range trades {
		if t.PnLPercent != nil {
			returnsPct = append(returnsPct, *t.PnLPercent)
		}
	}
	m.MaxDrawdown = additiveDrawdown(returnsPct)
	return m, nil
}

// RecentTradesSummary renders the newest trades for the prompts.
func (p *MockPerformance) RecentTradesSummary(ctx context.Context, botID int64, limit int) (string, error) {
	if limit <= 0 {
		limit = 10
	}

	p.mu.Lock()
	n := len(p.trades)
	if n > limit {
		n = limit
	}
	recent := make([]db.Trade, n)
	for i := 0; i < n; i++ {
		recent[i] = p.trades[len(p.trades)-1-i]
	}
	p.mu.Unlock()

	return performance.TradesSummary(recent), nil
}

// additiveDrawdown sums percent returns into a running total and returns
// the worst peak-to-trough distance as a fraction. Percent points add
// rather than compound.
func additiveDrawdown(returnsPct []float64) float64 {
	var cum, peak, maxDD float64
	for _, r := range returnsPct {
		cum += r
		if cum > peak {
			peak = cum
		}
		if dd := peak - cum; dd > maxDD {
			maxDD = dd
		}
	}
	return maxDD / 100
}
