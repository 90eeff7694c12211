// Package nodes holds the built-in pipeline stages: coin selection,
// market data, quant filter, regime detection, the two decision variants
// and order execution. RegisterAll wires them into the node registry.
package nodes

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/ajitpratap0/perpcycle/internal/coins"
	"github.com/ajitpratap0/perpcycle/internal/pipeline"
)

// CoinsPick fills State.Symbols at the top of the cycle. Bots with a
// fixed symbol list skip selection entirely.
type CoinsPick struct {
	pc       *pipeline.PluginContext
	selector *coins.Selector
	limit    int
}

func newCoinsPick(pc *pipeline.PluginContext, config map[string]any) (pipeline.Node, error) {
	if pc.Exchange == nil {
		return nil, fmt.Errorf("coins_pick requires an exchange adapter")
	}
	n := &CoinsPick{pc: pc}
	if v, ok := config["limit"]; ok {
		if f, ok := toFloat(v); ok && f > 0 {
			n.limit = int(f)
		}
	}
	if pc.Cache != nil {
		n.selector = coins.NewSelector(pc.Exchange, pc.Cache)
	}
	return n, nil
}

func (n *CoinsPick) Run(ctx context.Context, st *pipeline.State) (*pipeline.State, error) {
	if bot := n.pc.Bot; bot != nil && len(bot.Symbols) > 0 {
		st.Symbols = append([]string(nil), bot.Symbols...)
		log.Debug().
			Str("component", "nodes").
			Int64("bot_id", st.BotID).
			Strs("symbols", st.Symbols).
			Msg("using configured symbol list")
		return st, nil
	}
	if n.selector == nil {
		return st, fmt.Errorf("bot %d has no symbols configured and no cache for selection", st.BotID)
	}

	symbols, err := n.selector.Select(ctx, st.BotID, n.limit)
	if err != nil {
		return st, fmt.Errorf("coin selection: %w", err)
	}
	st.Symbols = symbols
	return st, nil
}

// toFloat normalizes the numeric types YAML and JSON configs produce.
func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	}
	return 0, false
}
