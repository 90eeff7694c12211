// Package scheduler owns the per-bot cycle loops: it builds one runtime
// (adapter, cache, stream, pipeline graph) per bot, runs cycles on the
// bot's interval, and tears everything down on shutdown.
package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/perpcycle/internal/alerts"
	"github.com/ajitpratap0/perpcycle/internal/cache"
	"github.com/ajitpratap0/perpcycle/internal/config"
	"github.com/ajitpratap0/perpcycle/internal/db"
	"github.com/ajitpratap0/perpcycle/internal/events"
	"github.com/ajitpratap0/perpcycle/internal/exchange"
	"github.com/ajitpratap0/perpcycle/internal/llm"
	"github.com/ajitpratap0/perpcycle/internal/metrics"
	"github.com/ajitpratap0/perpcycle/internal/performance"
	"github.com/ajitpratap0/perpcycle/internal/pipeline"
	"github.com/ajitpratap0/perpcycle/internal/ratelimit"
	"github.com/ajitpratap0/perpcycle/internal/risk"
	"github.com/ajitpratap0/perpcycle/internal/stream"
)

// Deps bundles the process-wide dependencies the scheduler hands to each
// bot runtime. Events and Alerts may be nil.
type Deps struct {
	Config       *config.Config
	DB           *db.DB
	SystemConfig *db.SystemConfig
	Events       *events.Bus
	Alerts       *alerts.Manager
	Memory       pipeline.DecisionMemory

	// Redis warms coin selections across process restarts. May be nil.
	Redis *cache.RedisTier

	// WorkflowSeed is the YAML fallback used when a bot has no workflow
	// row.
	WorkflowSeed string
}

// runtime is everything one bot needs to run cycles.
type runtime struct {
	bot      *db.Bot
	adapter  exchange.Adapter
	cache    *cache.Cache
	stream   *stream.Manager
	trailing *risk.TrailingStop
	graph    *pipeline.Graph

	// carry holds the pieces of state that survive between cycles. The
	// mutex covers it; the cycle loop and the ops API both read it.
	carryMu sync.Mutex
	carry   struct {
		account   *exchange.Account
		positions []exchange.Position
		alerts    []string
	}
}

// CycleSummary is the per-cycle digest kept for the ops API.
type CycleSummary struct {
	BotID      int64     `json:"bot_id"`
	CycleID    string    `json:"cycle_id"`
	Duration   float64   `json:"duration_seconds"`
	Symbols    []string  `json:"symbols,omitempty"`
	Positions  int       `json:"positions"`
	Executions int       `json:"executions"`
	Regime     string    `json:"regime,omitempty"`
	Alerts     []string  `json:"alerts,omitempty"`
	Error      string    `json:"error,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

// BotStatus is the ops-API view of one running bot.
type BotStatus struct {
	Bot       *db.Bot             `json:"bot"`
	LastCycle *CycleSummary       `json:"last_cycle,omitempty"`
	Positions []exchange.Position `json:"positions,omitempty"`
}

const recentCyclesKept = 50

// Scheduler runs the cycle loops for a set of bots.
type Scheduler struct {
	deps     Deps
	limiters *ratelimit.Registry

	mu       sync.Mutex
	runtimes map[int64]*runtime
	last     map[int64]*CycleSummary
	recent   []CycleSummary
}

func New(deps Deps) *Scheduler {
	return &Scheduler{
		deps:     deps,
		limiters: ratelimit.NewRegistry(),
		runtimes: make(map[int64]*runtime),
		last:     make(map[int64]*CycleSummary),
	}
}

// StreamStats returns the websocket stream statistics per bot. Bots
// without a stream manager (mock adapters, backtests) are omitted.
func (s *Scheduler) StreamStats() map[int64]stream.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int64]stream.Stats)
	for id, rt := range s.runtimes {
		if rt.stream != nil {
			out[id] = rt.stream.Stats()
		}
	}
	return out
}

// BotStatus returns the latest view of one bot, false when unknown.
func (s *Scheduler) BotStatus(botID int64) (BotStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.runtimes[botID]
	if !ok {
		return BotStatus{}, false
	}
	rt.carryMu.Lock()
	positions := append([]exchange.Position(nil), rt.carry.positions...)
	rt.carryMu.Unlock()
	return BotStatus{
		Bot:       rt.bot,
		LastCycle: s.last[botID],
		Positions: positions,
	}, true
}

// RecentCycles returns the newest cycle summaries, newest first.
func (s *Scheduler) RecentCycles(limit int) []CycleSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.recent) {
		limit = len(s.recent)
	}
	out := make([]CycleSummary, limit)
	for i := 0; i < limit; i++ {
		out[i] = s.recent[len(s.recent)-1-i]
	}
	return out
}

func (s *Scheduler) record(summary CycleSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := summary
	s.last[summary.BotID] = &cp
	s.recent = append(s.recent, summary)
	if len(s.recent) > recentCyclesKept {
		s.recent = s.recent[len(s.recent)-recentCyclesKept:]
	}
}

// RunMany builds the runtimes for the given bots concurrently, drops the
// ones that fail to initialize, and runs one cycle loop per surviving
// bot until the context is cancelled. It returns an error when no bot
// initializes.
func (s *Scheduler) RunMany(ctx context.Context, botIDs []int64) error {
	if s.deps.DB == nil {
		return fmt.Errorf("scheduler requires a database")
	}
	if len(botIDs) == 0 {
		return fmt.Errorf("no bots to run")
	}

	var initGroup errgroup.Group
	for _, id := range botIDs {
		initGroup.Go(func() error {
			rt, err := s.buildRuntime(ctx, id)
			if err != nil {
				log.Error().
					Str("component", "scheduler").
					Int64("bot_id", id).
					Err(err).
					Msg("bot initialization failed, dropping")
				return nil
			}
			s.mu.Lock()
			s.runtimes[id] = rt
			s.mu.Unlock()
			return nil
		})
	}
	_ = initGroup.Wait()

	s.mu.Lock()
	started := len(s.runtimes)
	s.mu.Unlock()
	if started == 0 {
		return fmt.Errorf("no bots initialized (%d requested)", len(botIDs))
	}
	log.Info().
		Str("component", "scheduler").
		Int("bots", started).
		Int("requested", len(botIDs)).
		Msg("scheduler starting cycle loops")

	var wg sync.WaitGroup
	s.mu.Lock()
	for _, rt := range s.runtimes {
		wg.Add(1)
		go func(rt *runtime) {
			defer wg.Done()
			s.loop(ctx, rt)
		}(rt)
	}
	s.mu.Unlock()
	wg.Wait()

	s.teardown()
	return nil
}

// buildRuntime assembles the adapter, cache, stream manager, plugin
// context and compiled graph for one bot.
func (s *Scheduler) buildRuntime(ctx context.Context, botID int64) (*runtime, error) {
	bot, err := s.deps.DB.GetBot(ctx, botID)
	if err != nil {
		return nil, fmt.Errorf("load bot: %w", err)
	}

	adapter, err := s.buildAdapter(ctx, bot)
	if err != nil {
		return nil, err
	}
	if _, err := adapter.LoadMarkets(ctx); err != nil {
		return nil, fmt.Errorf("load markets: %w", err)
	}

	c := cache.New()
	c.SetCycleInterval(bot.ID, bot.CycleDuration())

	// A restarted process reuses the last coin selection instead of
	// burning REST quota on a cold re-rank.
	if s.deps.Redis != nil {
		key := fmt.Sprintf("bot_%d", bot.ID)
		var warm []string
		if s.deps.Redis.Get(ctx, cache.NSCoinSelection, key, &warm) && len(warm) > 0 {
			c.Set(cache.NSCoinSelection, key, warm)
			log.Info().
				Str("component", "scheduler").
				Int64("bot_id", bot.ID).
				Strs("symbols", warm).
				Msg("coin selection warmed from redis")
		}
	}

	var mgr *stream.Manager
	if adapter.Name() == "binance" {
		mgr = stream.NewManager(adapter, c, "")
		if len(bot.Symbols) > 0 {
			mgr.SyncSubscriptions(ctx, bot.Symbols, bot.EffectiveTimeframes())
		}
	}

	trailing := risk.NewTrailingStop(bot.RiskLimits.Trailing)
	pc := &pipeline.PluginContext{
		DB:           s.deps.DB,
		SystemConfig: s.deps.SystemConfig,
		Bot:          bot,
		Exchange:     adapter,
		Stream:       mgr,
		Cache:        c,
		LLMFactory:   llm.NewFactory(s.deps.DB),
		Performance:  performance.NewCalculator(s.deps.DB),
		Trailing:     trailing,
		Alerts:       s.deps.Alerts,
		Events:       s.deps.Events,
		Memory:       s.deps.Memory,
	}

	wf, err := s.workflowFor(ctx, bot)
	if err != nil {
		return nil, err
	}
	graph, err := pipeline.Build(pc, wf, pipeline.NewDBCheckpointer(s.deps.DB))
	if err != nil {
		return nil, fmt.Errorf("build graph: %w", err)
	}

	rt := &runtime{
		bot: bot, adapter: adapter, cache: c,
		stream: mgr, trailing: trailing, graph: graph,
	}
	rt.refreshSnapshot(ctx)

	if err := s.deps.DB.UpdateBotStatus(ctx, bot.ID, "running"); err != nil {
		log.Warn().
			Str("component", "scheduler").
			Int64("bot_id", bot.ID).
			Err(err).
			Msg("bot status update failed")
	}
	return rt, nil
}

// buildAdapter maps the bot's exchange row to an adapter. Unknown types
// are a configuration error; "mock" serves paper runs and tests.
func (s *Scheduler) buildAdapter(ctx context.Context, bot *db.Bot) (exchange.Adapter, error) {
	exch, err := s.deps.DB.GetExchange(ctx, bot.ExchangeID)
	if err != nil {
		return nil, fmt.Errorf("load exchange: %w", err)
	}

	switch exch.Type {
	case "binance":
		pacing := config.ExchangeConfig{RateLimitMS: exch.RateLimitMS}
		windowCap := 20
		if s.deps.Config != nil {
			if ec, ok := s.deps.Config.Exchanges["binance"]; ok {
				if pacing.RateLimitMS <= 0 {
					pacing.RateLimitMS = ec.RateLimitMS
				}
				if ec.WindowCap > 0 {
					windowCap = ec.WindowCap
				}
			}
		}
		limiter := s.limiters.For("binance", pacing.MinInterval(), windowCap)
		if exch.RateLimitMS > 0 {
			limiter.SetRateLimit(exch.RateLimitMS)
		}
		return exchange.NewBinanceAdapter(exchange.BinanceConfig{
			APIKey:    exch.APIKey,
			SecretKey: exch.APISecret,
			Testnet:   exch.Testnet,
		}, limiter), nil
	case "mock":
		return exchange.NewMockAdapter(bot.InitialBalance), nil
	default:
		return nil, fmt.Errorf("unsupported exchange type %q", exch.Type)
	}
}

func (s *Scheduler) workflowFor(ctx context.Context, bot *db.Bot) (*db.Workflow, error) {
	if bot.WorkflowID != nil {
		wf, err := s.deps.DB.GetWorkflow(ctx, *bot.WorkflowID)
		if err == nil && wf != nil && len(wf.Nodes) > 0 {
			return wf, nil
		}
		if err != nil {
			log.Warn().
				Str("component", "scheduler").
				Int64("bot_id", bot.ID).
				Err(err).
				Msg("workflow load failed, trying the seed file")
		}
	}
	if s.deps.WorkflowSeed == "" {
		return nil, fmt.Errorf("bot %d has no workflow and no seed file is configured", bot.ID)
	}
	return pipeline.LoadSeedWorkflow(s.deps.WorkflowSeed)
}

// loop runs cycles on the bot's interval until the context is cancelled.
// The first cycle starts immediately. At most one cycle per bot is in
// flight; an overrun simply delays the next tick.
func (s *Scheduler) loop(ctx context.Context, rt *runtime) {
	log.Info().
		Str("component", "scheduler").
		Int64("bot_id", rt.bot.ID).
		Dur("interval", rt.bot.CycleDuration()).
		Msg("cycle loop started")

	ticker := time.NewTicker(rt.bot.CycleDuration())
	defer ticker.Stop()

	s.runCycle(ctx, rt)
	for {
		select {
		case <-ctx.Done():
			log.Info().
				Str("component", "scheduler").
				Int64("bot_id", rt.bot.ID).
				Msg("cycle loop stopping")
			return
		case <-ticker.C:
			s.runCycle(ctx, rt)
		}
	}
}

// runCycle executes one full cycle. Errors and panics are logged and
// swallowed; the loop lives on and the alerts carry into the next prompt.
func (s *Scheduler) runCycle(ctx context.Context, rt *runtime) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("component", "scheduler").
				Int64("bot_id", rt.bot.ID).
				Interface("panic", r).
				Msg("cycle panicked")
			metrics.CyclesTotal.WithLabelValues(botLabel(rt.bot.ID), "panic").Inc()
		}
	}()

	rt.cache.CleanupExpired()

	st := rt.newCycleState(ctx)
	started := time.Now()

	final, err := rt.graph.Run(ctx, pipeline.ThreadID(rt.bot.ID), st)
	elapsed := time.Since(started)
	metrics.CycleDuration.WithLabelValues(botLabel(rt.bot.ID)).Observe(elapsed.Seconds())

	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Error().
			Str("component", "scheduler").
			Int64("bot_id", rt.bot.ID).
			Str("cycle_id", st.CycleID).
			Dur("elapsed", elapsed).
			Err(err).
			Msg("cycle failed")
		metrics.CyclesTotal.WithLabelValues(botLabel(rt.bot.ID), "error").Inc()
		if final != nil {
			rt.carryMu.Lock()
			rt.carry.alerts = final.Alerts
			rt.carryMu.Unlock()
		}
		s.record(CycleSummary{
			BotID: rt.bot.ID, CycleID: st.CycleID,
			Duration: elapsed.Seconds(), Error: err.Error(),
			FinishedAt: time.Now(),
		})
		return
	}

	rt.absorb(final)
	s.record(CycleSummary{
		BotID:      rt.bot.ID,
		CycleID:    final.CycleID,
		Duration:   elapsed.Seconds(),
		Symbols:    final.Symbols,
		Positions:  len(final.Positions),
		Executions: len(final.ExecutionResults),
		Regime:     final.MarketRegime,
		Alerts:     final.Alerts,
		FinishedAt: time.Now(),
	})
	metrics.CyclesTotal.WithLabelValues(botLabel(rt.bot.ID), "ok").Inc()
	metrics.OpenPositions.WithLabelValues(botLabel(rt.bot.ID)).Set(float64(len(final.Positions)))

	log.Info().
		Str("component", "scheduler").
		Int64("bot_id", rt.bot.ID).
		Str("cycle_id", final.CycleID).
		Dur("elapsed", elapsed).
		Int("symbols", len(final.Symbols)).
		Int("positions", len(final.Positions)).
		Int("executions", len(final.ExecutionResults)).
		Str("regime", final.MarketRegime).
		Msg("cycle completed")

	if s.deps.Events != nil {
		_ = s.deps.Events.Publish(rt.bot.ID, events.KindCycle, final.CycleID, map[string]any{
			"duration_seconds": elapsed.Seconds(),
			"symbols":          final.Symbols,
			"positions":        len(final.Positions),
			"executions":       len(final.ExecutionResults),
			"regime":           final.MarketRegime,
			"alerts":           final.Alerts,
		})
	}

	if s.deps.Redis != nil && len(final.Symbols) > 0 {
		s.deps.Redis.Set(cache.NSCoinSelection, fmt.Sprintf("bot_%d", rt.bot.ID), final.Symbols)
	}

	if s.deps.Memory != nil && final.BatchDecision != nil {
		if err := s.deps.Memory.SaveCycle(ctx, rt.bot.ID, final.CycleID,
			final.MarketRegime, decisionActions(final.BatchDecision)); err != nil {
			log.Warn().
				Str("component", "scheduler").
				Int64("bot_id", rt.bot.ID).
				Err(err).
				Msg("decision memory save failed")
		}
	}

	// Keep the websocket slots aligned with what the cycle traded.
	if rt.stream != nil && len(final.Symbols) > 0 {
		rt.stream.SyncSubscriptions(ctx, final.Symbols, rt.bot.EffectiveTimeframes())
	}
}

// decisionActions renders the actionable decisions of a cycle for the
// memory summary.
func decisionActions(result *pipeline.BatchDecisionResult) []string {
	var out []string
	for i := range result.Decisions {
		d := &result.Decisions[i]
		if !d.Actionable() {
			continue
		}
		out = append(out, fmt.Sprintf("%s %s conf=%.0f", d.Action, d.Symbol, d.Confidence))
	}
	return out
}

// newCycleState builds a fresh State, carrying the bot identity, the
// previous cycle's alerts, and a refreshed account/position snapshot.
// Fetch failures fall back to the stale copy from the last cycle.
func (rt *runtime) newCycleState(ctx context.Context) *pipeline.State {
	rt.refreshSnapshot(ctx)

	st := pipeline.NewState(rt.bot.ID)
	st.PromptName = rt.bot.PromptName
	st.InitialBalance = rt.bot.InitialBalance
	rt.carryMu.Lock()
	st.Alerts = rt.carry.alerts
	st.Account = rt.carry.account
	st.Positions = append([]exchange.Position(nil), rt.carry.positions...)
	rt.carryMu.Unlock()
	return st
}

func (rt *runtime) refreshSnapshot(ctx context.Context) {
	if account, err := rt.adapter.FetchBalance(ctx); err == nil {
		rt.carryMu.Lock()
		rt.carry.account = account
		rt.carryMu.Unlock()
	} else {
		log.Warn().
			Str("component", "scheduler").
			Int64("bot_id", rt.bot.ID).
			Err(err).
			Msg("balance fetch failed, using stale snapshot")
	}
	if positions, err := rt.adapter.FetchPositions(ctx, nil); err == nil {
		rt.carryMu.Lock()
		rt.carry.positions = positions
		rt.carryMu.Unlock()
	} else {
		log.Warn().
			Str("component", "scheduler").
			Int64("bot_id", rt.bot.ID).
			Err(err).
			Msg("position fetch failed, using stale snapshot")
	}
}

// absorb records what the finished cycle leaves for the next one.
func (rt *runtime) absorb(final *pipeline.State) {
	rt.carryMu.Lock()
	defer rt.carryMu.Unlock()
	rt.carry.alerts = final.Alerts
	if final.Account != nil {
		rt.carry.account = final.Account
	}
	rt.carry.positions = append(rt.carry.positions[:0], final.Positions...)
}

// teardown shuts the per-bot infrastructure down. Safe to call once all
// loops returned; adapters and stream managers tolerate repeat closes.
func (s *Scheduler) teardown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, rt := range s.runtimes {
		if rt.stream != nil {
			rt.stream.Shutdown()
		}
		if err := rt.adapter.Close(); err != nil {
			log.Warn().
				Str("component", "scheduler").
				Int64("bot_id", id).
				Err(err).
				Msg("adapter close failed")
		}
		if err := s.deps.DB.UpdateBotStatus(context.Background(), id, "stopped"); err != nil {
			log.Warn().
				Str("component", "scheduler").
				Int64("bot_id", id).
				Err(err).
				Msg("bot status update failed")
		}
		delete(s.runtimes, id)
	}
	log.Info().Str("component", "scheduler").Msg("scheduler stopped")
}

func botLabel(botID int64) string {
	return strconv.FormatInt(botID, 10)
}
