package nodes

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/ajitpratap0/perpcycle/internal/pipeline"
	"github.com/ajitpratap0/perpcycle/internal/regime"
)

// MarketRegime classifies the market character per symbol and aggregates
// the votes into one label. The decision stage consumes the label as
// context only; the node never blocks the cycle.
type MarketRegime struct {
	pc       *pipeline.PluginContext
	detector *regime.Detector
}

func newMarketRegime(pc *pipeline.PluginContext, config map[string]any) (pipeline.Node, error) {
	cfg := regime.DefaultConfig()
	if pc.SystemConfig != nil {
		ctx := context.Background()
		cfg.ADXTrendingThreshold = pc.SystemConfig.GetFloat(ctx,
			"market_regime.adx_trending_threshold", cfg.ADXTrendingThreshold)
		cfg.BBWidthRangingThreshold = pc.SystemConfig.GetFloat(ctx,
			"market_regime.bb_width_ranging_threshold", cfg.BBWidthRangingThreshold)
		cfg.BBWidthVolatileThreshold = pc.SystemConfig.GetFloat(ctx,
			"market_regime.bb_width_volatile_threshold", cfg.BBWidthVolatileThreshold)
		cfg.ContinueIfHasPositions = pc.SystemConfig.GetBool(ctx,
			"market_regime.continue_if_has_positions", cfg.ContinueIfHasPositions)
		cfg.PrimaryTimeframe = pc.SystemConfig.GetString(ctx,
			"market_regime.primary_timeframe", cfg.PrimaryTimeframe)
	}
	return &MarketRegime{pc: pc, detector: regime.NewDetector(cfg)}, nil
}

func (n *MarketRegime) Run(ctx context.Context, st *pipeline.State) (*pipeline.State, error) {
	if len(st.Symbols) == 0 {
		st.MarketRegime = string(regime.Uncertain)
		return st, nil
	}
	primaryTF := n.detector.Config().PrimaryTimeframe

	votes := make([]regime.Vote, 0, len(st.Symbols))
	details := make(map[string]regime.Vote, len(st.Symbols))
	for _, symbol := range st.Symbols {
		d := st.Data(symbol)
		vote := n.detector.Classify(symbol, d.Bundle(primaryTF), d.CurrentPrice)
		votes = append(votes, vote)
		details[symbol] = vote
	}

	label, confidence := regime.Aggregate(votes)
	st.MarketRegime = string(label)
	st.RegimeConfidence = confidence
	st.RegimeDetails = details

	evt := log.Info().
		Str("component", "nodes").
		Int64("bot_id", st.BotID).
		Str("regime", string(label)).
		Float64("confidence", confidence)
	if label == regime.Ranging && len(st.Positions) > 0 && n.detector.Config().ContinueIfHasPositions {
		evt = evt.Bool("continuing_for_positions", true)
	}
	evt.Msg("market regime classified")
	return st, nil
}
