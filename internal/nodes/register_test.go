package nodes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/perpcycle/internal/pipeline"
)

func TestRegisterAll(t *testing.T) {
	require.NoError(t, RegisterAll())

	registered := pipeline.RegisteredNodes()
	for _, name := range []string{
		"coins_pick", "market_data", "quant_filter",
		"market_regime", "batch_decision", "debate_decision", "execution",
	} {
		assert.Contains(t, registered, name)
	}

	meta, ok := pipeline.Metadata("quant_filter")
	require.True(t, ok)
	assert.True(t, meta.IsConditional)
	assert.Contains(t, meta.ConditionalRoutes, RouteHalt)

	meta, ok = pipeline.Metadata("debate_decision")
	require.True(t, ok)
	assert.False(t, meta.AutoRegister)
	assert.True(t, meta.RequiresLLM)

	// Re-registration overwrites the previous entry and is not an error.
	assert.NoError(t, RegisterAll())
}
