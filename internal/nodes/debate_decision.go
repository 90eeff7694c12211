package nodes

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/perpcycle/internal/events"
	"github.com/ajitpratap0/perpcycle/internal/llm"
	"github.com/ajitpratap0/perpcycle/internal/pipeline"
)

const (
	defaultDebatePhaseTimeout = 120 * time.Second
	defaultDebateMaxRounds    = 2
)

// Debate roles resolved through the bot's role_llm_ids overrides.
const (
	roleAnalyst     = "analyst"
	roleBull        = "bull"
	roleBear        = "bear"
	roleRiskManager = "risk_manager"
)

// DebateDecision runs the four-role debate: analyst briefing, per-symbol
// bull/bear rounds, and a risk-manager verdict that becomes the batch
// decision.
type DebateDecision struct {
	pc *pipeline.PluginContext
}

func newDebateDecision(pc *pipeline.PluginContext, config map[string]any) (pipeline.Node, error) {
	if pc.LLMFactory == nil {
		return nil, fmt.Errorf("debate_decision requires an llm factory")
	}
	if pc.Bot == nil {
		return nil, fmt.Errorf("debate_decision requires a bot")
	}
	return &DebateDecision{pc: pc}, nil
}

func (n *DebateDecision) phaseTimeout(ctx context.Context) time.Duration {
	if sc := n.pc.SystemConfig; sc != nil {
		return sc.GetDuration(ctx, "debate.phase_timeout", defaultDebatePhaseTimeout)
	}
	return defaultDebatePhaseTimeout
}

func (n *DebateDecision) maxRounds(ctx context.Context) int {
	rounds := defaultDebateMaxRounds
	if sc := n.pc.SystemConfig; sc != nil {
		rounds = sc.GetInt(ctx, "debate.max_rounds", rounds)
	}
	if rounds < 1 {
		rounds = 1
	}
	return rounds
}

func (n *DebateDecision) caps(ctx context.Context) (single, total float64) {
	single, total = defaultMaxSingleAllocationPct, defaultMaxTotalAllocationPct
	if sc := n.pc.SystemConfig; sc != nil {
		single = sc.GetFloat(ctx, "batch_decision.max_single_allocation_pct", single)
		total = sc.GetFloat(ctx, "batch_decision.max_total_allocation_pct", total)
	}
	return single, total
}

func (n *DebateDecision) Run(ctx context.Context, st *pipeline.State) (*pipeline.State, error) {
	maxSingle, maxTotal := n.caps(ctx)

	if len(st.Symbols) == 0 && len(st.Positions) == 0 {
		st.BatchDecision = normalizeDecisions(st, allWaitResult(st, "no candidates"), maxSingle, maxTotal)
		return st, nil
	}

	timeout := n.phaseTimeout(ctx)
	debate := &pipeline.DebateResult{}

	views := n.analystPhase(ctx, st, timeout)
	debate.AnalystViews = views
	debate.Transcript = append(debate.Transcript, "analyst phase completed")

	for _, symbol := range st.Symbols {
		bull, bear := n.debateSymbol(ctx, st, symbol, viewFor(views, symbol), timeout, debate)
		debate.BullSuggestions = append(debate.BullSuggestions, bull)
		debate.BearSuggestions = append(debate.BearSuggestions, bear)
	}

	result := n.riskManagerPhase(ctx, st, debate, maxSingle, maxTotal, timeout)

	normalized := normalizeDecisions(st, result, maxSingle, maxTotal)
	debate.FinalDecision = normalized
	debate.Summary = normalized.StrategyRationale
	debate.CompletedAt = time.Now()

	st.BatchDecision = normalized
	st.DebateDecision = debate

	log.Info().
		Str("component", "nodes").
		Int64("bot_id", st.BotID).
		Int("decisions", len(normalized.Decisions)).
		Int("transcript_lines", len(debate.Transcript)).
		Msg("debate decision completed")
	if n.pc.Events != nil {
		_ = n.pc.Events.Publish(st.BotID, events.KindDecision, st.CycleID, normalized)
	}
	return st, nil
}

// analystPhase is one structured call producing a view per symbol.
// Fallback is all-neutral.
func (n *DebateDecision) analystPhase(ctx context.Context, st *pipeline.State, timeout time.Duration) []pipeline.AnalystView {
	neutral := func() []pipeline.AnalystView {
		out := make([]pipeline.AnalystView, 0, len(st.Symbols))
		for _, s := range st.Symbols {
			out = append(out, pipeline.AnalystView{Symbol: s, Trend: "neutral", Summary: "no analyst data"})
		}
		return out
	}

	clients, err := n.pc.LLMFactory.Chain(ctx, n.pc.Bot, roleAnalyst)
	if err != nil {
		log.Warn().Str("component", "nodes").Err(err).Msg("no analyst client, using neutral views")
		return neutral()
	}

	prompt := fmt.Sprintf(`%s%s
Analyze each candidate symbol. Respond with a JSON array, one object per
symbol: {"symbol": "...", "trend": "bullish|bearish|neutral",
"key_levels": "optional support/resistance", "summary": "one sentence"}.`,
		promptRegimeBlock(st), promptCandidatesBlock(st))

	views, err := llm.Structured[[]pipeline.AnalystView](ctx, clients, llm.Request{
		System:   "You are a technical market analyst for crypto perpetual futures.",
		Messages: []llm.Message{{Role: "user", Content: prompt}},
	}, timeout)
	if err != nil || views == nil || len(*views) == 0 {
		log.Warn().Str("component", "nodes").Err(err).Msg("analyst phase failed, using neutral views")
		return neutral()
	}
	return *views
}

func viewFor(views []pipeline.AnalystView, symbol string) *pipeline.AnalystView {
	for i := range views {
		if views[i].Symbol == symbol {
			return &views[i]
		}
	}
	return nil
}

// debateSymbol runs the bull/bear rounds for one symbol. The two roles
// run in parallel within a round; rounds are sequential so rebuttals can
// quote the opponent.
func (n *DebateDecision) debateSymbol(ctx context.Context, st *pipeline.State, symbol string,
	view *pipeline.AnalystView, timeout time.Duration, debate *pipeline.DebateResult) (bull, bear pipeline.TraderSuggestion) {

	maxRounds := n.maxRounds(ctx)
	marketCtx := n.symbolContext(st, symbol, view)

	var bullPrior, bearPrior string
	bull = waitSuggestion(symbol)
	bear = waitSuggestion(symbol)

	for round := 1; round <= maxRounds; round++ {
		final := round == maxRounds
		var bullOut, bearOut string
		var bullSugg, bearSugg *pipeline.TraderSuggestion

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			bullOut, bullSugg = n.traderCall(gctx, roleBull, symbol, marketCtx, bearPrior, round, final, timeout)
			return nil
		})
		g.Go(func() error {
			bearOut, bearSugg = n.traderCall(gctx, roleBear, symbol, marketCtx, bullPrior, round, final, timeout)
			return nil
		})
		_ = g.Wait()

		if bullOut != "" {
			debate.Transcript = append(debate.Transcript,
				fmt.Sprintf("[%s round %d bull] %s", symbol, round, bullOut))
		}
		if bearOut != "" {
			debate.Transcript = append(debate.Transcript,
				fmt.Sprintf("[%s round %d bear] %s", symbol, round, bearOut))
		}
		bullPrior, bearPrior = bullOut, bearOut

		if final {
			if bullSugg != nil {
				bull = *bullSugg
			}
			if bearSugg != nil {
				bear = *bearSugg
			}
		}
	}
	return bull, bear
}

func waitSuggestion(symbol string) pipeline.TraderSuggestion {
	return pipeline.TraderSuggestion{Symbol: symbol, Action: "wait", Reasoning: "call failed"}
}

func (n *DebateDecision) symbolContext(st *pipeline.State, symbol string, view *pipeline.AnalystView) string {
	var b strings.Builder
	d := st.Data(symbol)
	fmt.Fprintf(&b, "Symbol: %s, price %.4f, funding rate %.6f\n", symbol, d.CurrentPrice, d.FundingRate)
	if s := d.Signal; s != nil {
		fmt.Fprintf(&b, "Quant score %.1f: %s\n", s.TotalScore, strings.Join(s.Reasons, "; "))
	}
	if view != nil {
		fmt.Fprintf(&b, "Analyst: trend %s, %s", view.Trend, view.Summary)
		if view.KeyLevels != "" {
			fmt.Fprintf(&b, " (levels: %s)", view.KeyLevels)
		}
		b.WriteString("\n")
	}
	if p := st.PositionFor(symbol); p != nil {
		fmt.Fprintf(&b, "Existing position: %s, entry %.4f\n", p.Side, p.EntryPrice)
	}
	return b.String()
}

// traderCall is one bull or bear turn: free text for early rounds, a
// structured TraderSuggestion in the final round. Returns the free-text
// transcript line (possibly a rendering of the suggestion) and, for the
// final round, the decoded suggestion.
func (n *DebateDecision) traderCall(ctx context.Context, role, symbol, marketCtx, opponentPrior string,
	round int, final bool, timeout time.Duration) (string, *pipeline.TraderSuggestion) {

	stance := "bullish: argue the strongest case FOR taking a long position"
	if role == roleBear {
		stance = "bearish: argue the strongest case AGAINST longs, for a short or for waiting"
	}

	var b strings.Builder
	b.WriteString(marketCtx)
	if round > 1 && opponentPrior != "" {
		fmt.Fprintf(&b, "\nYour opponent argued:\n%s\nRebut their weakest point.\n", opponentPrior)
	}
	if final {
		b.WriteString(`
Give your final verdict as a single JSON object:
{"symbol": "` + symbol + `", "action": "long|short|wait", "confidence": 0-100,
"allocation_pct": 0-30, "stop_loss_pct": 0.0, "take_profit_pct": 0.0,
"reasoning": "one sentence"}`)
	} else {
		b.WriteString("\nGive a concise analysis in 3 sentences or fewer.")
	}

	clients, err := n.pc.LLMFactory.Chain(ctx, n.pc.Bot, role)
	if err != nil {
		log.Warn().Str("component", "nodes").Str("role", role).Err(err).Msg("no client for debate role")
		return "", nil
	}
	system := fmt.Sprintf("You are a %s futures trader debating %s. Be %s.", role, symbol, stance)

	if final {
		sugg, err := llm.Structured[pipeline.TraderSuggestion](ctx, clients, llm.Request{
			System:   system,
			Messages: []llm.Message{{Role: "user", Content: b.String()}},
		}, timeout)
		if err != nil || sugg == nil {
			log.Warn().Str("component", "nodes").Str("role", role).Str("symbol", symbol).
				Err(err).Msg("final debate round failed, defaulting to wait")
			return "", nil
		}
		sugg.Symbol = symbol
		return fmt.Sprintf("%s %.0f%% confident, allocation %.0f%%: %s",
			sugg.Action, sugg.Confidence, sugg.AllocationPct, sugg.Reasoning), sugg
	}

	callCtx, cancel := contextWithTimeout(ctx, timeout)
	defer cancel()
	out, err := clients[0].Chat(callCtx, llm.Request{
		System:   system,
		Messages: []llm.Message{{Role: "user", Content: b.String()}},
	})
	if err != nil {
		log.Warn().Str("component", "nodes").Str("role", role).Str("symbol", symbol).
			Err(err).Msg("debate round failed")
		return "", nil
	}
	return strings.TrimSpace(out), nil
}

func contextWithTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// riskManagerPhase turns the suggestions into the final portfolio
// decision. Fallback is all-wait.
func (n *DebateDecision) riskManagerPhase(ctx context.Context, st *pipeline.State,
	debate *pipeline.DebateResult, maxSingle, maxTotal float64, timeout time.Duration) *pipeline.BatchDecisionResult {

	clients, err := n.pc.LLMFactory.Chain(ctx, n.pc.Bot, roleRiskManager)
	if err != nil {
		log.Warn().Str("component", "nodes").Err(err).Msg("no risk manager client, all-wait")
		return allWaitResult(st, "risk manager unavailable")
	}

	var b strings.Builder
	b.WriteString(promptAccountBlock(st))
	b.WriteString(promptPositionsBlock(st))
	b.WriteString(promptRegimeBlock(st))
	b.WriteString(promptMemoryBlock(ctx, n.pc, st))
	b.WriteString(promptRiskBlock(n.pc, maxSingle, maxTotal))
	b.WriteString("Trader suggestions:\n")
	for _, s := range debate.BullSuggestions {
		fmt.Fprintf(&b, "- bull %s: %s conf %.0f alloc %.0f%% sl %.1f%% tp %.1f%% (%s)\n",
			s.Symbol, s.Action, s.Confidence, s.AllocationPct, s.StopLossPct, s.TakeProfitPct, s.Reasoning)
	}
	for _, s := range debate.BearSuggestions {
		fmt.Fprintf(&b, "- bear %s: %s conf %.0f alloc %.0f%% sl %.1f%% tp %.1f%% (%s)\n",
			s.Symbol, s.Action, s.Confidence, s.AllocationPct, s.StopLossPct, s.TakeProfitPct, s.Reasoning)
	}
	b.WriteString("\nWeigh both sides and the risk limits, then decide.\n")
	b.WriteString(batchDecisionSchema)

	result, err := llm.Structured[pipeline.BatchDecisionResult](ctx, clients, llm.Request{
		System: "You are the risk manager with final authority over this portfolio. " +
			"You may veto any suggestion and you never exceed the risk limits.",
		Messages: []llm.Message{{Role: "user", Content: b.String()}},
	}, timeout)
	if err != nil || result == nil {
		log.Warn().Str("component", "nodes").Err(err).Msg("risk manager phase failed, all-wait")
		return allWaitResult(st, "risk manager call failed")
	}
	return result
}
