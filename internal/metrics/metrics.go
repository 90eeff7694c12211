// Package metrics registers the engine's Prometheus instruments. Label
// cardinality is bounded: bot_id and symbol come from configuration, not
// from user input.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Cycle metrics
var (
	CycleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "perpcycle_cycle_duration_seconds",
		Help:    "Wall-clock duration of one full trading cycle",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 180, 300},
	}, []string{"bot_id"})

	CyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpcycle_cycles_total",
		Help: "Completed trading cycles",
	}, []string{"bot_id", "status"})

	NodeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "perpcycle_node_duration_seconds",
		Help:    "Duration of one pipeline node run",
		Buckets: []float64{0.05, 0.25, 1, 5, 15, 60, 120},
	}, []string{"node"})
)

// Trading metrics
var (
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpcycle_orders_total",
		Help: "Orders placed, by action and outcome",
	}, []string{"bot_id", "action", "status"})

	RiskRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpcycle_risk_rejections_total",
		Help: "Orders rejected by the risk checker",
	}, []string{"bot_id"})

	OpenPositions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "perpcycle_open_positions",
		Help: "Currently open positions per bot",
	}, []string{"bot_id"})

	TotalPnL = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "perpcycle_total_pnl_usd",
		Help: "Realized PnL over the performance window, USD",
	}, []string{"bot_id"})

	WinRate = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "perpcycle_win_rate",
		Help: "Win rate over the performance window, 0.0 to 1.0",
	}, []string{"bot_id"})

	SharpeRatio = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "perpcycle_sharpe_ratio",
		Help: "Sharpe ratio over the performance window",
	}, []string{"bot_id"})

	CurrentDrawdown = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "perpcycle_current_drawdown",
		Help: "Current drawdown fraction over the performance window",
	}, []string{"bot_id"})
)

// Infrastructure metrics
var (
	LLMCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpcycle_llm_calls_total",
		Help: "LLM calls, by provider and outcome",
	}, []string{"provider", "status"})

	LLMLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "perpcycle_llm_latency_seconds",
		Help:    "LLM call latency",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"provider"})

	StreamReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perpcycle_stream_reconnects_total",
		Help: "Websocket stream reconnect attempts",
	})

	StreamSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perpcycle_stream_subscriptions",
		Help: "Active websocket kline subscriptions",
	})

	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpcycle_cache_hits_total",
		Help: "Cache lookups, by namespace and outcome",
	}, []string{"namespace", "outcome"})
)
