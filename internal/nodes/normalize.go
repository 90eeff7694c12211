package nodes

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/ajitpratap0/perpcycle/internal/exchange"
	"github.com/ajitpratap0/perpcycle/internal/pipeline"
)

// Allocation caps applied after the model answered, overridable through
// SystemConfig batch_decision.* keys.
const (
	defaultMaxSingleAllocationPct = 30.0
	defaultMaxTotalAllocationPct  = 80.0

	// forcedClosePct is the unrealized-PnL floor below which a position
	// is closed regardless of what the model decided.
	forcedClosePct = -3.0
)

// normalizeDecisions applies the post-processing contract shared by both
// decision variants: forced-close injection, symbol whitelist, per-symbol
// and total allocation caps, total/cash recompute, alert consumption.
// The model's output is advisory; this function owns the final numbers.
func normalizeDecisions(st *pipeline.State, res *pipeline.BatchDecisionResult,
	maxSinglePct, maxTotalPct float64) *pipeline.BatchDecisionResult {

	if res == nil {
		res = &pipeline.BatchDecisionResult{}
	}

	// Forced closes for deeply underwater positions. Any model decision
	// on the same symbol is dropped; the close wins.
	var forced []pipeline.Decision
	forcedSymbols := make(map[string]bool)
	for i := range st.Positions {
		p := &st.Positions[i]
		price := st.Price(p.Symbol)
		if price <= 0 {
			price = p.MarkPrice
		}
		if price <= 0 {
			continue
		}
		pnl := p.PnLPct(price)
		if pnl > forcedClosePct {
			continue
		}
		action := "close_long"
		if p.Side == exchange.OrderSideSell {
			action = "close_short"
		}
		forced = append(forced, pipeline.Decision{
			Symbol:     p.Symbol,
			Action:     action,
			Confidence: 100,
			Priority:   0,
			Reasoning:  fmt.Sprintf("forced close: unrealized PnL %.2f%% breached %.1f%%", pnl, forcedClosePct),
		})
		forcedSymbols[p.Symbol] = true
		log.Warn().
			Str("component", "nodes").
			Int64("bot_id", st.BotID).
			Str("symbol", p.Symbol).
			Float64("pnl_pct", pnl).
			Msg("forcing position close")
	}

	// Whitelist: the universe plus symbols we actually hold. Close
	// decisions on held symbols survive even after the symbol fell out
	// of the candidate list.
	allowed := make(map[string]bool, len(st.Symbols)+len(st.Positions))
	for _, s := range st.Symbols {
		allowed[s] = true
	}
	held := make(map[string]bool, len(st.Positions))
	for i := range st.Positions {
		held[st.Positions[i].Symbol] = true
	}

	kept := make([]pipeline.Decision, 0, len(res.Decisions)+len(forced))
	kept = append(kept, forced...)
	for _, d := range res.Decisions {
		if forcedSymbols[d.Symbol] {
			continue
		}
		if !allowed[d.Symbol] && !(d.IsClose() && held[d.Symbol]) {
			log.Warn().
				Str("component", "nodes").
				Str("symbol", d.Symbol).
				Str("action", d.Action).
				Msg("dropping decision for symbol outside the universe")
			continue
		}
		if d.AllocationPct > maxSinglePct {
			d.AllocationPct = maxSinglePct
		}
		kept = append(kept, d)
	}

	// Total cap: scale open allocations proportionally.
	var total float64
	for _, d := range kept {
		if d.Actionable() && !d.IsClose() {
			total += d.AllocationPct
		}
	}
	if total > maxTotalPct && total > 0 {
		scale := maxTotalPct / total
		for i := range kept {
			if kept[i].Actionable() && !kept[i].IsClose() {
				kept[i].AllocationPct *= scale
			}
		}
		total = maxTotalPct
	}

	res.Decisions = kept
	res.TotalAllocationPct = total
	res.CashReservePct = 100 - total

	// The decision stage has consumed last cycle's alerts.
	st.Alerts = nil
	return res
}

// allWaitResult is the fallback when every model call failed: one wait
// decision per candidate symbol.
func allWaitResult(st *pipeline.State, reason string) *pipeline.BatchDecisionResult {
	decisions := make([]pipeline.Decision, 0, len(st.Symbols))
	for _, symbol := range st.Symbols {
		decisions = append(decisions, pipeline.Decision{
			Symbol:    symbol,
			Action:    "wait",
			Reasoning: reason,
		})
	}
	return &pipeline.BatchDecisionResult{
		Decisions:      decisions,
		CashReservePct: 100,
	}
}
