package db

import (
	"time"
)

// TrailingStopConfig controls the trailing-stop behavior per bot.
type TrailingStopConfig struct {
	Enabled     bool    `json:"enabled"`
	TriggerPct  float64 `json:"trigger_pct"`
	DistancePct float64 `json:"distance_pct"`
	LockPct     float64 `json:"lock_pct"`
}

// RiskLimits is the per-bot risk envelope stored as JSONB on the bot row.
// Exposure fractions are relative to free balance; position bounds are USD.
type RiskLimits struct {
	MaxTotalExposure     float64            `json:"max_total_exposure"`
	MaxSinglePosition    float64            `json:"max_single_position"`
	MaxLeverage          int                `json:"max_leverage"`
	DefaultLeverage      int                `json:"default_leverage"`
	MaxConsecutiveLosses int                `json:"max_consecutive_losses"`
	MaxDailyLoss         float64            `json:"max_daily_loss"`
	MaxDrawdown          float64            `json:"max_drawdown"`
	MaxFundingRate       float64            `json:"max_funding_rate"`
	FundingCheck         bool               `json:"funding_check"`
	MinPositionUSD       float64            `json:"min_position_usd"`
	MaxPositionUSD       float64            `json:"max_position_usd"`
	MinRiskReward        float64            `json:"min_risk_reward"`
	DefaultStopLossPct   float64            `json:"default_stop_loss_pct"`
	DefaultTakeProfitPct float64            `json:"default_take_profit_pct"`
	Trailing             TrailingStopConfig `json:"trailing_stop"`
}

// DefaultRiskLimits returns the standard risk envelope applied when a bot
// row carries no explicit limits.
func DefaultRiskLimits() RiskLimits {
	return RiskLimits{
		MaxTotalExposure:     0.8,
		MaxSinglePosition:    0.3,
		MaxLeverage:          5,
		DefaultLeverage:      3,
		MaxConsecutiveLosses: 8,
		MaxDailyLoss:         0.05,
		MaxDrawdown:          0.15,
		MaxFundingRate:       0.0005,
		FundingCheck:         true,
		MinPositionUSD:       10,
		MaxPositionUSD:       5000,
		MinRiskReward:        2.0,
		DefaultStopLossPct:   3.0,
		DefaultTakeProfitPct: 6.0,
		Trailing:             TrailingStopConfig{Enabled: false, TriggerPct: 3.0, DistancePct: 1.5, LockPct: 1.0},
	}
}

// Bot is one configured trading bot.
type Bot struct {
	ID             int64              `db:"id" json:"id"`
	Name           string             `db:"name" json:"name"`
	Status         string             `db:"status" json:"status"`
	ExchangeID     int64              `db:"exchange_id" json:"exchange_id"`
	LLMConfigID    *int64             `db:"llm_config_id" json:"llm_config_id,omitempty"`
	WorkflowID     *int64             `db:"workflow_id" json:"workflow_id,omitempty"`
	CycleInterval  int                `db:"cycle_interval" json:"cycle_interval"`
	QuantThreshold float64            `db:"quant_threshold" json:"quant_threshold"`
	Symbols        []string           `db:"symbols" json:"symbols,omitempty"`
	Timeframes     []string           `db:"timeframes" json:"timeframes"`
	InitialBalance float64            `db:"initial_balance" json:"initial_balance"`
	PromptName     string             `db:"prompt_name" json:"prompt_name"`
	RiskLimits     RiskLimits         `db:"risk_limits" json:"risk_limits"`
	QuantWeights   map[string]float64 `db:"quant_weights" json:"quant_weights,omitempty"`
	RoleLLMIDs     map[string]int64   `db:"role_llm_ids" json:"role_llm_ids,omitempty"`
	CreatedAt      time.Time          `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time          `db:"updated_at" json:"updated_at"`
}

// CycleDuration returns the cycle interval as a duration, defaulting to
// 180 seconds when unset.
func (b *Bot) CycleDuration() time.Duration {
	if b.CycleInterval <= 0 {
		return 180 * time.Second
	}
	return time.Duration(b.CycleInterval) * time.Second
}

// EffectiveTimeframes returns the configured timeframes, defaulting to
// the fast/slow pair the indicator pipeline expects.
func (b *Bot) EffectiveTimeframes() []string {
	if len(b.Timeframes) == 0 {
		return []string{"3m", "4h"}
	}
	return b.Timeframes
}

// EffectiveThreshold returns the quant filter threshold, defaulting to 45.
func (b *Bot) EffectiveThreshold() float64 {
	if b.QuantThreshold <= 0 {
		return 45
	}
	return b.QuantThreshold
}

// Workflow is a stored pipeline definition.
type Workflow struct {
	ID        int64          `db:"id" json:"id"`
	Name      string         `db:"name" json:"name"`
	Nodes     []WorkflowNode `json:"nodes"`
	Edges     []WorkflowEdge `json:"edges"`
	CreatedAt time.Time      `db:"created_at" json:"created_at"`
}

// WorkflowNode is one node row within a workflow.
type WorkflowNode struct {
	ID             int64          `db:"id" json:"id"`
	WorkflowID     int64          `db:"workflow_id" json:"workflow_id"`
	NodeName       string         `db:"node_name" json:"node_name"`
	ExecutionOrder int            `db:"execution_order" json:"execution_order"`
	Enabled        bool           `db:"enabled" json:"enabled"`
	Config         map[string]any `db:"config" json:"config,omitempty"`
}

// WorkflowEdge is one directed edge within a workflow. An empty Condition
// is a plain edge; otherwise it names a route emitted by the source node.
type WorkflowEdge struct {
	ID         int64  `db:"id" json:"id"`
	WorkflowID int64  `db:"workflow_id" json:"workflow_id"`
	FromNode   string `db:"from_node" json:"from_node"`
	ToNode     string `db:"to_node" json:"to_node"`
	Condition  string `db:"condition" json:"condition,omitempty"`
}

// Exchange is one configured exchange account.
type Exchange struct {
	ID          int64     `db:"id" json:"id"`
	Name        string    `db:"name" json:"name"`
	Type        string    `db:"type" json:"type"`
	APIKey      string    `db:"api_key" json:"-"`
	APISecret   string    `db:"api_secret" json:"-"`
	Testnet     bool      `db:"testnet" json:"testnet"`
	RateLimitMS int       `db:"rate_limit_ms" json:"rate_limit_ms"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// LLMConfig is one configured model endpoint.
type LLMConfig struct {
	ID          int64   `db:"id" json:"id"`
	Name        string  `db:"name" json:"name"`
	Provider    string  `db:"provider" json:"provider"`
	Model       string  `db:"model" json:"model"`
	APIKey      string  `db:"api_key" json:"-"`
	BaseURL     string  `db:"base_url" json:"base_url"`
	Temperature float64 `db:"temperature" json:"temperature"`
	MaxTokens   int     `db:"max_tokens" json:"max_tokens"`
	IsDefault   bool    `db:"is_default" json:"is_default"`
}

// SystemConfigRow is one key/value row of the runtime config store.
type SystemConfigRow struct {
	Key       string    `db:"key" json:"key"`
	Value     string    `db:"value" json:"value"`
	ValueType string    `db:"value_type" json:"value_type"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Trade status values.
const (
	TradeStatusOpen   = "open"
	TradeStatusClosed = "closed"
)

// Trade is one row of the trade history ledger. At most one open row
// exists per (bot, symbol).
type Trade struct {
	ID         int64      `db:"id" json:"id"`
	BotID      int64      `db:"bot_id" json:"bot_id"`
	Symbol     string     `db:"symbol" json:"symbol"`
	Side       string     `db:"side" json:"side"`
	Action     string     `db:"action" json:"action"`
	EntryPrice float64    `db:"entry_price" json:"entry_price"`
	ExitPrice  *float64   `db:"exit_price" json:"exit_price,omitempty"`
	Amount     float64    `db:"amount" json:"amount"`
	Leverage   int        `db:"leverage" json:"leverage"`
	PnLUSD     *float64   `db:"pnl_usd" json:"pnl_usd,omitempty"`
	PnLPercent *float64   `db:"pnl_percent" json:"pnl_percent,omitempty"`
	FeePaid    float64    `db:"fee_paid" json:"fee_paid"`
	Status     string     `db:"status" json:"status"`
	CycleID    string     `db:"cycle_id" json:"cycle_id"`
	OrderID    string     `db:"order_id" json:"order_id"`
	OpenedAt   time.Time  `db:"opened_at" json:"opened_at"`
	ClosedAt   *time.Time `db:"closed_at" json:"closed_at,omitempty"`
}
