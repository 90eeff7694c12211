package pipeline

import (
	"context"

	"github.com/ajitpratap0/perpcycle/internal/alerts"
	"github.com/ajitpratap0/perpcycle/internal/cache"
	"github.com/ajitpratap0/perpcycle/internal/db"
	"github.com/ajitpratap0/perpcycle/internal/events"
	"github.com/ajitpratap0/perpcycle/internal/exchange"
	"github.com/ajitpratap0/perpcycle/internal/llm"
	"github.com/ajitpratap0/perpcycle/internal/performance"
	"github.com/ajitpratap0/perpcycle/internal/risk"
	"github.com/ajitpratap0/perpcycle/internal/stream"
)

// Node is one stage of the cycle graph. Run receives the cycle state and
// returns it (usually the same pointer) after mutating its slice of the
// world.
type Node interface {
	Run(ctx context.Context, st *State) (*State, error)
}

// Router picks the outgoing route name of a conditional node after it
// ran. Routes map to target nodes in the graph's conditional edges; the
// empty string means "continue to the next node in order".
type Router interface {
	Route(st *State) string
}

// NodeMetadata describes a node for registration, validation, and
// workflow seeding.
type NodeMetadata struct {
	Name        string   `json:"name"`
	DisplayName string   `json:"display_name"`
	Version     string   `json:"version"`
	Author      string   `json:"author"`
	Description string   `json:"description"`
	Category    string   `json:"category"`
	Tags        []string `json:"tags,omitempty"`

	Inputs  []string `json:"inputs,omitempty"`
	Outputs []string `json:"outputs,omitempty"`

	// Requires names nodes that must be enabled upstream of this one.
	Requires []string `json:"requires,omitempty"`

	RequiresLLM    bool `json:"requires_llm,omitempty"`
	RequiresTrader bool `json:"requires_trader,omitempty"`
	RequiresDB     bool `json:"requires_db,omitempty"`

	SuggestedOrder int    `json:"suggested_order,omitempty"`
	InsertAfter    string `json:"insert_after,omitempty"`
	AutoRegister   bool   `json:"auto_register,omitempty"`

	IsConditional     bool     `json:"is_conditional,omitempty"`
	ConditionalRoutes []string `json:"conditional_routes,omitempty"`

	// MinCoreVersion is a semver floor on the engine version.
	MinCoreVersion string `json:"min_core_version,omitempty"`
}

// PerformanceSource serves the performance feedback the decision prompts
// consume. Live bots use the TradeHistory-backed calculator; backtests
// substitute an in-memory twin.
type PerformanceSource interface {
	Metrics(ctx context.Context, botID int64, window int) (performance.Metrics, error)
	RecentTradesSummary(ctx context.Context, botID int64, limit int) (string, error)
}

// DecisionMemory recalls similar past cycle decisions as a rendered
// prompt block and records new ones. Satisfied by *memory.Store.
type DecisionMemory interface {
	RecallBlock(ctx context.Context, botID int64, query string, k int) (string, error)
	SaveCycle(ctx context.Context, botID int64, cycleID, regime string, actions []string) error
}

// PluginContext is the dependency bag handed to node factories. Fields a
// node does not need stay nil; factories validate what they require.
type PluginContext struct {
	DB           *db.DB
	SystemConfig *db.SystemConfig
	Bot          *db.Bot
	Exchange     exchange.Adapter
	Stream       *stream.Manager
	Cache        *cache.Cache
	LLMFactory   *llm.Factory
	Performance  PerformanceSource
	Trailing     *risk.TrailingStop
	Alerts       *alerts.Manager
	Events       *events.Bus
	Memory       DecisionMemory
}
