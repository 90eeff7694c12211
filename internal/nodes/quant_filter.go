package nodes

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/ajitpratap0/perpcycle/internal/pipeline"
	"github.com/ajitpratap0/perpcycle/internal/quant"
)

// RouteHalt ends the cycle early when nothing passed the filter and no
// positions need managing.
const RouteHalt = "halt"

// QuantFilter scores every symbol with the composite signal and keeps
// only those at or above the bot's threshold. The full signal breakdown
// stays attached so the decision prompt can cite it.
type QuantFilter struct {
	pc        *pipeline.PluginContext
	weights   quant.Weights
	threshold float64
}

func newQuantFilter(pc *pipeline.PluginContext, config map[string]any) (pipeline.Node, error) {
	n := &QuantFilter{pc: pc, weights: quant.DefaultWeights(), threshold: 45}
	if bot := pc.Bot; bot != nil {
		n.threshold = bot.EffectiveThreshold()
		if len(bot.QuantWeights) > 0 {
			n.weights = weightsFromMap(bot.QuantWeights)
		}
	}
	if v, ok := config["threshold"]; ok {
		if f, ok := toFloat(v); ok && f > 0 {
			n.threshold = f
		}
	}
	return n, nil
}

func weightsFromMap(m map[string]float64) quant.Weights {
	w := quant.DefaultWeights()
	if v, ok := m["trend"]; ok {
		w.Trend = v
	}
	if v, ok := m["momentum"]; ok {
		w.Momentum = v
	}
	if v, ok := m["volume"]; ok {
		w.Volume = v
	}
	if v, ok := m["sentiment"]; ok {
		w.Sentiment = v
	}
	return w
}

func (n *QuantFilter) Run(ctx context.Context, st *pipeline.State) (*pipeline.State, error) {
	timeframes := []string{"3m", "4h"}
	if n.pc.Bot != nil {
		timeframes = n.pc.Bot.EffectiveTimeframes()
	}
	fastTF, slowTF := timeframes[0], timeframes[len(timeframes)-1]

	passed := make([]string, 0, len(st.Symbols))
	for _, symbol := range st.Symbols {
		d := st.Data(symbol)
		signal := quant.Composite(quant.Inputs{
			Fast:         d.Bundle(fastTF),
			Slow:         d.Bundle(slowTF),
			CurrentPrice: d.CurrentPrice,
			FundingRate:  d.FundingRate,
		}, n.weights, n.threshold)
		d.Signal = &signal

		if signal.PassFilter {
			passed = append(passed, symbol)
		} else {
			log.Debug().
				Str("component", "nodes").
				Str("symbol", symbol).
				Float64("score", signal.TotalScore).
				Float64("threshold", n.threshold).
				Msg("symbol filtered out")
		}
	}

	log.Info().
		Str("component", "nodes").
		Int64("bot_id", st.BotID).
		Int("candidates", len(st.Symbols)).
		Int("passed", len(passed)).
		Msg(fmt.Sprintf("quant filter kept %d of %d symbols", len(passed), len(st.Symbols)))
	st.Symbols = passed
	return st, nil
}

// Route halts the cycle when the filter emptied the universe and no
// open positions remain to manage.
func (n *QuantFilter) Route(st *pipeline.State) string {
	if len(st.Symbols) == 0 && len(st.Positions) == 0 {
		return RouteHalt
	}
	return ""
}
