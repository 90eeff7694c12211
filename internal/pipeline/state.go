// Package pipeline is the cycle execution graph: a State that flows
// through an ordered set of nodes, a registry of node factories, and a
// checkpointer that lets a restarted process resume mid-cycle.
package pipeline

import (
	"time"

	"github.com/google/uuid"

	"github.com/ajitpratap0/perpcycle/internal/exchange"
	"github.com/ajitpratap0/perpcycle/internal/indicators"
	"github.com/ajitpratap0/perpcycle/internal/performance"
	"github.com/ajitpratap0/perpcycle/internal/quant"
	"github.com/ajitpratap0/perpcycle/internal/regime"
)

// Microstructure holds order-book and recent-trade metrics for a symbol.
// Live cycles only; backtests have no book.
type Microstructure struct {
	Spread         float64 `json:"spread"`
	Imbalance      float64 `json:"imbalance"`
	LiquidityDepth float64 `json:"liquidity_depth"`
	BidVol10       float64 `json:"bid_vol_10"`
	AskVol10       float64 `json:"ask_vol_10"`
	BuySellRatio   float64 `json:"buy_sell_ratio"`
	TradeIntensity float64 `json:"trade_intensity"`
	AvgTradeSize   float64 `json:"avg_trade_size"`
	PriceMomentum  float64 `json:"price_momentum"`
}

// SymbolData is everything the cycle gathered for one symbol.
type SymbolData struct {
	Bundles        map[string]*indicators.Bundle `json:"bundles,omitempty"`
	Signal         *quant.Signal                 `json:"signal,omitempty"`
	CurrentPrice   float64                       `json:"current_price"`
	FundingRate    float64                       `json:"funding_rate"`
	Microstructure *Microstructure               `json:"microstructure,omitempty"`
}

// Bundle returns the indicator bundle for one timeframe, nil when absent.
func (d *SymbolData) Bundle(timeframe string) *indicators.Bundle {
	if d == nil {
		return nil
	}
	return d.Bundles[timeframe]
}

// Decision is one per-symbol portfolio decision. Stop loss and take
// profit are absolute prices. Priority 0 is reserved for forced closes.
type Decision struct {
	Symbol          string  `json:"symbol"`
	Action          string  `json:"action"` // open_long, open_short, close_long, close_short, hold, wait
	AllocationPct   float64 `json:"allocation_pct"`
	Confidence      float64 `json:"confidence"`
	Priority        int     `json:"priority"`
	Leverage        int     `json:"leverage"`
	StopLossPrice   float64 `json:"stop_loss_price,omitempty"`
	TakeProfitPrice float64 `json:"take_profit_price,omitempty"`
	Reasoning       string  `json:"reasoning"`
}

// Actionable reports whether the decision places or closes a position.
func (d *Decision) Actionable() bool {
	return d.Action != "wait" && d.Action != "hold" && d.Action != ""
}

// IsClose reports whether the decision closes an existing position.
func (d *Decision) IsClose() bool {
	return d.Action == "close_long" || d.Action == "close_short"
}

// BatchDecisionResult is the portfolio-coordinated decision set for one
// cycle.
type BatchDecisionResult struct {
	Decisions          []Decision `json:"decisions"`
	TotalAllocationPct float64    `json:"total_allocation_pct"`
	CashReservePct     float64    `json:"cash_reserve_pct"`
	StrategyRationale  string     `json:"strategy_rationale,omitempty"`
}

// AnalystView is the analyst role's read on one symbol.
type AnalystView struct {
	Symbol    string `json:"symbol"`
	Trend     string `json:"trend"` // bullish, bearish, neutral
	KeyLevels string `json:"key_levels,omitempty"`
	Summary   string `json:"summary"`
}

// TraderSuggestion is a structured final-round opinion from the bull or
// bear role.
type TraderSuggestion struct {
	Symbol        string  `json:"symbol"`
	Action        string  `json:"action"` // long, short, wait
	Confidence    float64 `json:"confidence"`
	AllocationPct float64 `json:"allocation_pct"`
	StopLossPct   float64 `json:"stop_loss_pct"`
	TakeProfitPct float64 `json:"take_profit_pct"`
	Reasoning     string  `json:"reasoning"`
}

// DebateResult records the full multi-role debate for one cycle.
type DebateResult struct {
	AnalystViews    []AnalystView        `json:"analyst_views,omitempty"`
	BullSuggestions []TraderSuggestion   `json:"bull_suggestions,omitempty"`
	BearSuggestions []TraderSuggestion   `json:"bear_suggestions,omitempty"`
	Transcript      []string             `json:"transcript,omitempty"`
	FinalDecision   *BatchDecisionResult `json:"final_decision,omitempty"`
	Summary         string               `json:"summary,omitempty"`
	CompletedAt     time.Time            `json:"completed_at"`
}

// ExecutionResult is the outcome of executing one decision.
type ExecutionResult struct {
	Symbol         string  `json:"symbol"`
	Action         string  `json:"action"`
	Status         string  `json:"status"` // skipped, pending, success, failed
	Message        string  `json:"message,omitempty"`
	OrderID        string  `json:"order_id,omitempty"`
	ExecutedPrice  float64 `json:"executed_price,omitempty"`
	ExecutedAmount float64 `json:"executed_amount,omitempty"`
	FeePaid        float64 `json:"fee_paid,omitempty"`
}

// State flows through the graph. It must stay JSON-serializable for the
// checkpointer.
type State struct {
	BotID          int64   `json:"bot_id"`
	CycleID        string  `json:"cycle_id"`
	PromptName     string  `json:"prompt_name,omitempty"`
	InitialBalance float64 `json:"initial_balance,omitempty"`

	Symbols    []string               `json:"symbols,omitempty"`
	MarketData map[string]*SymbolData `json:"market_data,omitempty"`

	Account   *exchange.Account   `json:"account,omitempty"`
	Positions []exchange.Position `json:"positions,omitempty"`

	Performance *performance.Metrics `json:"performance,omitempty"`

	MarketRegime     string                 `json:"market_regime,omitempty"`
	RegimeConfidence float64                `json:"regime_confidence,omitempty"`
	RegimeDetails    map[string]regime.Vote `json:"regime_details,omitempty"`

	BatchDecision  *BatchDecisionResult `json:"batch_decision,omitempty"`
	DebateDecision *DebateResult        `json:"debate_decision,omitempty"`

	ExecutionResults []ExecutionResult `json:"execution_results,omitempty"`

	// Alerts carries rejection and warning messages forward into the next
	// cycle's decision prompt.
	Alerts []string `json:"alerts,omitempty"`

	// Backtest suppresses stream, order-book, and REST access in the data
	// nodes; NowMS is the simulated clock in epoch milliseconds.
	Backtest bool  `json:"backtest,omitempty"`
	NowMS    int64 `json:"now_ms,omitempty"`

	StartedAt time.Time `json:"started_at"`
}

// NewState starts a fresh cycle state.
func NewState(botID int64) *State {
	return &State{
		BotID:      botID,
		CycleID:    uuid.NewString(),
		MarketData: make(map[string]*SymbolData),
		StartedAt:  time.Now(),
	}
}

// Data returns the SymbolData for a symbol, creating it on first use.
func (s *State) Data(symbol string) *SymbolData {
	if s.MarketData == nil {
		s.MarketData = make(map[string]*SymbolData)
	}
	d, ok := s.MarketData[symbol]
	if !ok {
		d = &SymbolData{Bundles: make(map[string]*indicators.Bundle)}
		s.MarketData[symbol] = d
	}
	return d
}

// Price returns the current price for a symbol, 0 when unknown.
func (s *State) Price(symbol string) float64 {
	if d, ok := s.MarketData[symbol]; ok {
		return d.CurrentPrice
	}
	return 0
}

// Prices returns the current-price map for all symbols with data.
func (s *State) Prices() map[string]float64 {
	out := make(map[string]float64, len(s.MarketData))
	for sym, d := range s.MarketData {
		if d.CurrentPrice > 0 {
			out[sym] = d.CurrentPrice
		}
	}
	return out
}

// quoteAssets in preference order.
var quoteAssets = []string{"USDT", "USDC"}

// FreeBalance returns the free quote balance (USDT, falling back to USDC).
func (s *State) FreeBalance() float64 {
	for _, asset := range quoteAssets {
		if v := s.Account.Free(asset); v > 0 {
			return v
		}
	}
	return 0
}

// TotalBalance returns the total quote balance.
func (s *State) TotalBalance() float64 {
	for _, asset := range quoteAssets {
		if v := s.Account.Total(asset); v > 0 {
			return v
		}
	}
	return 0
}

// UsedMargin sums margin across open positions at current prices (mark
// price when the cycle has no fresher quote).
func (s *State) UsedMargin() float64 {
	var total float64
	for i := range s.Positions {
		p := &s.Positions[i]
		price := s.Price(p.Symbol)
		if price <= 0 {
			price = p.MarkPrice
		}
		if price <= 0 {
			price = p.EntryPrice
		}
		total += p.MarginUsed(price)
	}
	return total
}

// PositionFor returns the open position for a symbol, nil when flat.
func (s *State) PositionFor(symbol string) *exchange.Position {
	for i := range s.Positions {
		if s.Positions[i].Symbol == symbol {
			return &s.Positions[i]
		}
	}
	return nil
}

// RemovePosition drops a position from the snapshot after a close.
func (s *State) RemovePosition(symbol string) {
	out := s.Positions[:0]
	for _, p := range s.Positions {
		if p.Symbol != symbol {
			out = append(out, p)
		}
	}
	s.Positions = out
}

// AddAlert appends a structured alert line for the next decision prompt.
func (s *State) AddAlert(msg string) {
	s.Alerts = append(s.Alerts, msg)
}
