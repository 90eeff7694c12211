package nodes

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ajitpratap0/perpcycle/internal/events"
	"github.com/ajitpratap0/perpcycle/internal/llm"
	"github.com/ajitpratap0/perpcycle/internal/pipeline"
)

const defaultBatchTimeout = 90 * time.Second

// BatchDecision asks one model for the whole portfolio in a single call.
type BatchDecision struct {
	pc *pipeline.PluginContext
}

func newBatchDecision(pc *pipeline.PluginContext, config map[string]any) (pipeline.Node, error) {
	if pc.LLMFactory == nil {
		return nil, fmt.Errorf("batch_decision requires an llm factory")
	}
	if pc.Bot == nil {
		return nil, fmt.Errorf("batch_decision requires a bot")
	}
	return &BatchDecision{pc: pc}, nil
}

func (n *BatchDecision) caps(ctx context.Context) (single, total float64) {
	single, total = defaultMaxSingleAllocationPct, defaultMaxTotalAllocationPct
	if sc := n.pc.SystemConfig; sc != nil {
		single = sc.GetFloat(ctx, "batch_decision.max_single_allocation_pct", single)
		total = sc.GetFloat(ctx, "batch_decision.max_total_allocation_pct", total)
	}
	return single, total
}

func (n *BatchDecision) timeout(ctx context.Context) time.Duration {
	if sc := n.pc.SystemConfig; sc != nil {
		return sc.GetDuration(ctx, "batch_decision.timeout", defaultBatchTimeout)
	}
	return defaultBatchTimeout
}

func (n *BatchDecision) Run(ctx context.Context, st *pipeline.State) (*pipeline.State, error) {
	maxSingle, maxTotal := n.caps(ctx)

	if len(st.Symbols) == 0 && len(st.Positions) == 0 {
		st.BatchDecision = normalizeDecisions(st, allWaitResult(st, "no candidates"), maxSingle, maxTotal)
		return st, nil
	}

	tradeLimit := 10
	if sc := n.pc.SystemConfig; sc != nil {
		tradeLimit = sc.GetInt(ctx, "debate.trade_history_limit", tradeLimit)
	}
	prompt := n.buildPrompt(ctx, st, maxSingle, maxTotal, tradeLimit)

	clients, err := n.pc.LLMFactory.Chain(ctx, n.pc.Bot, "batch")
	var result *pipeline.BatchDecisionResult
	if err != nil {
		log.Error().Str("component", "nodes").Err(err).Msg("no llm client for batch decision")
		result = allWaitResult(st, "llm unavailable")
	} else {
		result, err = llm.Structured[pipeline.BatchDecisionResult](ctx, clients, llm.Request{
			System: "You are a disciplined crypto perpetual-futures portfolio manager. " +
				"You coordinate allocations across symbols and never exceed the stated risk limits.",
			Messages: []llm.Message{{Role: "user", Content: prompt}},
		}, n.timeout(ctx))
		if err != nil {
			log.Warn().
				Str("component", "nodes").
				Int64("bot_id", st.BotID).
				Err(err).
				Msg("batch decision failed, falling back to all-wait")
			result = allWaitResult(st, "llm call failed")
		}
	}

	st.BatchDecision = normalizeDecisions(st, result, maxSingle, maxTotal)

	log.Info().
		Str("component", "nodes").
		Int64("bot_id", st.BotID).
		Int("decisions", len(st.BatchDecision.Decisions)).
		Float64("total_allocation_pct", st.BatchDecision.TotalAllocationPct).
		Msg("batch decision completed")
	if n.pc.Events != nil {
		_ = n.pc.Events.Publish(st.BotID, events.KindDecision, st.CycleID, st.BatchDecision)
	}
	return st, nil
}

func (n *BatchDecision) buildPrompt(ctx context.Context, st *pipeline.State,
	maxSingle, maxTotal float64, tradeLimit int) string {

	sections := []string{
		promptPerformanceBlock(ctx, n.pc, st, tradeLimit),
		promptMemoryBlock(ctx, n.pc, st),
		promptAlertsBlock(st),
		promptAccountBlock(st),
		promptPositionsBlock(st),
		promptRegimeBlock(st),
		promptCandidatesBlock(st),
		promptRiskBlock(n.pc, maxSingle, maxTotal),
		batchDecisionSchema,
	}
	var b strings.Builder
	for _, s := range sections {
		if s == "" {
			continue
		}
		b.WriteString(s)
		b.WriteString("\n")
	}
	return b.String()
}
