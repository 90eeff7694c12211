package nodes

import "github.com/ajitpratap0/perpcycle/internal/pipeline"

// builtins is the registration table for the stages shipped with the
// engine. suggested_order leaves gaps so operators can insert custom
// nodes between stages.
var builtins = []struct {
	meta    pipeline.NodeMetadata
	factory pipeline.Factory
}{
	{
		meta: pipeline.NodeMetadata{
			Name:           "coins_pick",
			DisplayName:    "Coin Selection",
			Version:        "1.0.0",
			Description:    "Selects the symbols this cycle trades",
			Category:       "data",
			Outputs:        []string{"symbols"},
			SuggestedOrder: 10,
			AutoRegister:   true,
		},
		factory: newCoinsPick,
	},
	{
		meta: pipeline.NodeMetadata{
			Name:           "market_data",
			DisplayName:    "Market Data",
			Version:        "1.0.0",
			Description:    "Gathers candles, indicators, prices, funding and microstructure",
			Category:       "data",
			Requires:       []string{"coins_pick"},
			Inputs:         []string{"symbols"},
			Outputs:        []string{"market_data"},
			SuggestedOrder: 20,
			AutoRegister:   true,
		},
		factory: newMarketData,
	},
	{
		meta: pipeline.NodeMetadata{
			Name:              "quant_filter",
			DisplayName:       "Quant Filter",
			Version:           "1.0.0",
			Description:       "Drops symbols below the composite signal threshold",
			Category:          "analysis",
			Requires:          []string{"market_data"},
			Inputs:            []string{"market_data"},
			Outputs:           []string{"symbols"},
			SuggestedOrder:    30,
			AutoRegister:      true,
			IsConditional:     true,
			ConditionalRoutes: []string{RouteHalt},
		},
		factory: newQuantFilter,
	},
	{
		meta: pipeline.NodeMetadata{
			Name:           "market_regime",
			DisplayName:    "Market Regime",
			Version:        "1.0.0",
			Description:    "Classifies the market character for decision context",
			Category:       "analysis",
			Requires:       []string{"market_data"},
			Inputs:         []string{"market_data"},
			Outputs:        []string{"market_regime"},
			SuggestedOrder: 40,
			AutoRegister:   true,
		},
		factory: newMarketRegime,
	},
	{
		meta: pipeline.NodeMetadata{
			Name:           "batch_decision",
			DisplayName:    "Batch Decision",
			Version:        "1.0.0",
			Description:    "Single-call portfolio decision",
			Category:       "decision",
			Requires:       []string{"market_data"},
			Inputs:         []string{"market_data", "symbols"},
			Outputs:        []string{"batch_decision"},
			RequiresLLM:    true,
			SuggestedOrder: 50,
			AutoRegister:   true,
		},
		factory: newBatchDecision,
	},
	{
		meta: pipeline.NodeMetadata{
			Name:           "debate_decision",
			DisplayName:    "Debate Decision",
			Version:        "1.0.0",
			Description:    "Analyst, bull/bear and risk-manager debate decision",
			Category:       "decision",
			Requires:       []string{"market_data"},
			Inputs:         []string{"market_data", "symbols"},
			Outputs:        []string{"batch_decision", "debate_decision"},
			RequiresLLM:    true,
			SuggestedOrder: 50,
			AutoRegister:   false,
		},
		factory: newDebateDecision,
	},
	{
		meta: pipeline.NodeMetadata{
			Name:           "execution",
			DisplayName:    "Execution",
			Version:        "1.0.0",
			Description:    "Executes decisions through the exchange with risk checks",
			Category:       "trading",
			Inputs:         []string{"batch_decision"},
			Outputs:        []string{"execution_results"},
			RequiresTrader: true,
			SuggestedOrder: 60,
			AutoRegister:   true,
		},
		factory: newExecution,
	},
}

// RegisterAll registers the built-in stages with the node registry.
// Called once at process start before any graph is built.
func RegisterAll() error {
	for _, b := range builtins {
		if err := pipeline.Register(b.meta, b.factory); err != nil {
			return err
		}
	}
	return nil
}
