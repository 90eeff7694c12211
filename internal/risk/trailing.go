package risk

import (
	"math"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/ajitpratap0/perpcycle/internal/db"
	"github.com/ajitpratap0/perpcycle/internal/exchange"
)

// TrailingState is the per-position trailing stop state.
type TrailingState struct {
	Symbol     string  `json:"symbol"`
	PeakPnLPct float64 `json:"peak_pnl_pct"`
	TrailingSL float64 `json:"trailing_sl"`
	Activated  bool    `json:"activated"`
}

// CloseSignal names a position the trailing stop wants closed.
type CloseSignal struct {
	Position exchange.Position
	Action   string // "close_long" or "close_short"
}

// TrailingStop moves stop levels toward profit once a position clears the
// trigger threshold. Stops only ratchet in the profitable direction and a
// minimum profit lock is always honored.
type TrailingStop struct {
	cfg db.TrailingStopConfig

	mu     sync.Mutex
	states map[string]*TrailingState
}

func NewTrailingStop(cfg db.TrailingStopConfig) *TrailingStop {
	return &TrailingStop{cfg: cfg, states: make(map[string]*TrailingState)}
}

// Enabled reports whether trailing is configured on.
func (t *TrailingStop) Enabled() bool { return t.cfg.Enabled }

// pnlPct is the raw price-move percent, not margin-leveraged. Trailing
// thresholds are defined on price distance.
func pnlPct(p *exchange.Position, price float64) float64 {
	if p.EntryPrice <= 0 {
		return 0
	}
	if p.Side == exchange.OrderSideBuy {
		return (price - p.EntryPrice) / p.EntryPrice * 100
	}
	return (p.EntryPrice - price) / p.EntryPrice * 100
}

// Update recomputes the trailing stop for one position at the given
// price. It returns the new stop and true when the stop moved.
func (t *TrailingStop) Update(p *exchange.Position, price float64) (float64, bool) {
	if !t.cfg.Enabled || price <= 0 {
		return 0, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.states[p.Symbol]
	if !ok {
		st = &TrailingState{Symbol: p.Symbol}
		t.states[p.Symbol] = st
	}

	pnl := pnlPct(p, price)
	if pnl < t.cfg.TriggerPct {
		return 0, false
	}

	if !st.Activated {
		st.Activated = true
		log.Info().
			Str("component", "risk").
			Str("symbol", p.Symbol).
			Float64("pnl_pct", pnl).
			Msg("trailing stop activated")
	}
	if pnl > st.PeakPnLPct {
		st.PeakPnLPct = pnl
	}

	if p.Side == exchange.OrderSideBuy {
		newSL := price * (1 - t.cfg.DistancePct/100)
		if minSL := p.EntryPrice * (1 + t.cfg.LockPct/100); newSL < minSL {
			newSL = minSL
		}
		if newSL > st.TrailingSL {
			st.TrailingSL = newSL
			return newSL, true
		}
		return 0, false
	}

	newSL := price * (1 + t.cfg.DistancePct/100)
	if maxSL := p.EntryPrice * (1 - t.cfg.LockPct/100); newSL > maxSL {
		newSL = maxSL
	}
	cur := st.TrailingSL
	if cur == 0 {
		cur = math.Inf(1)
	}
	if newSL < cur {
		st.TrailingSL = newSL
		return newSL, true
	}
	return 0, false
}

// ShouldClose reports whether the price crossed the active trailing stop.
func (t *TrailingStop) ShouldClose(p *exchange.Position, price float64) bool {
	if !t.cfg.Enabled || price <= 0 {
		return false
	}

	t.mu.Lock()
	st, ok := t.states[p.Symbol]
	t.mu.Unlock()
	if !ok || !st.Activated || st.TrailingSL == 0 {
		return false
	}

	var hit bool
	if p.Side == exchange.OrderSideBuy {
		hit = price <= st.TrailingSL
	} else {
		hit = price >= st.TrailingSL
	}
	if hit {
		log.Warn().
			Str("component", "risk").
			Str("symbol", p.Symbol).
			Float64("price", price).
			Float64("trailing_sl", st.TrailingSL).
			Float64("peak_pnl_pct", st.PeakPnLPct).
			Msg("trailing stop hit")
	}
	return hit
}

// Sweep updates every position and returns those whose stop was crossed.
// Positions without a current price are skipped; trailing cannot track
// them and the caller is expected to have backfilled prices already.
func (t *TrailingStop) Sweep(positions []exchange.Position, prices map[string]float64) []CloseSignal {
	if !t.cfg.Enabled {
		return nil
	}

	var out []CloseSignal
	for i := range positions {
		p := &positions[i]
		price, ok := prices[p.Symbol]
		if !ok || price <= 0 {
			log.Warn().
				Str("component", "risk").
				Str("symbol", p.Symbol).
				Float64("entry_price", p.EntryPrice).
				Msg("no realtime price for position, trailing stop skipped")
			continue
		}

		t.Update(p, price)
		if t.ShouldClose(p, price) {
			action := "close_long"
			if p.Side == exchange.OrderSideSell {
				action = "close_short"
			}
			out = append(out, CloseSignal{Position: *p, Action: action})
		}
	}
	return out
}

// Clear drops the state for a closed position. Closes from any source
// (LLM decision, exchange-side stop, trailing itself) must call this.
func (t *TrailingStop) Clear(symbol string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, symbol)
}

// State returns a copy of the trailing state for one symbol, nil when the
// position is not tracked.
func (t *TrailingStop) State(symbol string) *TrailingState {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.states[symbol]
	if !ok {
		return nil
	}
	cp := *st
	return &cp
}
