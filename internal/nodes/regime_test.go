package nodes

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/perpcycle/internal/pipeline"
	"github.com/ajitpratap0/perpcycle/internal/regime"
)

func TestMarketRegimeClassifies(t *testing.T) {
	node, err := newMarketRegime(&pipeline.PluginContext{}, nil)
	require.NoError(t, err)

	st := stateWithBundles(t, "BTC/USDT", "ETH/USDT")
	_, err = node.Run(context.Background(), st)
	require.NoError(t, err)

	assert.NotEmpty(t, st.MarketRegime)
	assert.GreaterOrEqual(t, st.RegimeConfidence, 0.0)
	require.Len(t, st.RegimeDetails, 2)
	assert.Contains(t, st.RegimeDetails, "BTC/USDT")
	assert.Contains(t, st.RegimeDetails, "ETH/USDT")
}

func TestMarketRegimeEmptyUniverse(t *testing.T) {
	node, err := newMarketRegime(&pipeline.PluginContext{}, nil)
	require.NoError(t, err)

	st := pipeline.NewState(1)
	_, err = node.Run(context.Background(), st)
	require.NoError(t, err)
	assert.Equal(t, string(regime.Uncertain), st.MarketRegime)
}
