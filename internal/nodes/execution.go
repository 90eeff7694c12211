package nodes

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ajitpratap0/perpcycle/internal/db"
	"github.com/ajitpratap0/perpcycle/internal/events"
	"github.com/ajitpratap0/perpcycle/internal/exchange"
	"github.com/ajitpratap0/perpcycle/internal/metrics"
	"github.com/ajitpratap0/perpcycle/internal/pipeline"
	"github.com/ajitpratap0/perpcycle/internal/risk"
)

const (
	// preflightBudgetFraction of free balance the open decisions may
	// collectively consume as margin.
	preflightBudgetFraction = 0.8

	fillWait         = 5 * time.Second
	fillPollInterval = 500 * time.Millisecond
)

// Execution turns the normalized decisions into exchange orders: the
// trailing-stop sweep runs first, then closes, then budget-checked opens.
// Rejections become alerts for the next cycle; nothing is retried within
// the cycle.
type Execution struct {
	pc      *pipeline.PluginContext
	limits  db.RiskLimits
	checker *risk.Checker
}

func newExecution(pc *pipeline.PluginContext, config map[string]any) (pipeline.Node, error) {
	if pc.Exchange == nil {
		return nil, fmt.Errorf("execution requires an exchange adapter")
	}
	limits := db.DefaultRiskLimits()
	if pc.Bot != nil {
		limits = pc.Bot.RiskLimits
	}
	return &Execution{pc: pc, limits: limits, checker: risk.NewChecker(limits)}, nil
}

func (n *Execution) Run(ctx context.Context, st *pipeline.State) (*pipeline.State, error) {
	n.trailingSweep(ctx, st)

	if st.BatchDecision == nil || len(st.BatchDecision.Decisions) == 0 {
		return st, nil
	}

	decisions := make([]pipeline.Decision, 0, len(st.BatchDecision.Decisions))
	for _, d := range st.BatchDecision.Decisions {
		if d.Actionable() {
			decisions = append(decisions, d)
		}
	}
	sort.SliceStable(decisions, func(i, j int) bool {
		return decisions[i].Priority < decisions[j].Priority
	})

	// Closes run first and are never budget-checked; each close frees
	// margin the following opens can use.
	var opens []pipeline.Decision
	for _, d := range decisions {
		if d.IsClose() {
			n.executeClose(ctx, st, d)
		} else {
			opens = append(opens, d)
		}
	}
	if len(opens) == 0 {
		return st, nil
	}

	n.refreshBalance(ctx, st)
	opens = n.preflightScale(st, opens)

	for _, d := range opens {
		n.executeOpen(ctx, st, d)
	}
	return st, nil
}

// trailingSweep closes positions whose trailing stop fired. Positions
// without a current price are skipped inside Sweep with a warning.
func (n *Execution) trailingSweep(ctx context.Context, st *pipeline.State) {
	if n.pc.Trailing == nil || !n.pc.Trailing.Enabled() {
		return
	}
	for _, sig := range n.pc.Trailing.Sweep(st.Positions, st.Prices()) {
		p := sig.Position
		log.Info().
			Str("component", "nodes").
			Int64("bot_id", st.BotID).
			Str("symbol", p.Symbol).
			Msg("trailing stop fired")
		n.closePosition(ctx, st, p, sig.Action, "trailing stop")
	}
}

// preflightScale checks the opens' combined margin need against the
// budget fraction of free balance and scales allocations proportionally
// when they exceed it.
func (n *Execution) preflightScale(st *pipeline.State, opens []pipeline.Decision) []pipeline.Decision {
	free := st.FreeBalance()
	if free <= 0 {
		return opens
	}

	var needed float64
	for _, d := range opens {
		lev := d.Leverage
		if lev <= 0 {
			lev = n.limits.DefaultLeverage
		}
		if lev < 1 {
			lev = 1
		}
		needed += (d.AllocationPct / 100) * free / float64(lev)
	}
	budget := preflightBudgetFraction * free
	if needed <= budget || needed == 0 {
		return opens
	}

	scale := budget / needed
	for i := range opens {
		opens[i].AllocationPct *= scale
	}
	log.Warn().
		Str("component", "nodes").
		Int64("bot_id", st.BotID).
		Float64("needed", needed).
		Float64("budget", budget).
		Float64("scale", scale).
		Msg("open allocations scaled to fit the margin budget")
	return opens
}

func (n *Execution) executeClose(ctx context.Context, st *pipeline.State, d pipeline.Decision) {
	p := st.PositionFor(d.Symbol)
	if p == nil {
		st.ExecutionResults = append(st.ExecutionResults, pipeline.ExecutionResult{
			Symbol: d.Symbol, Action: d.Action, Status: "skipped",
			Message: "no open position",
		})
		return
	}
	pos := *p
	n.closePosition(ctx, st, pos, d.Action, d.Reasoning)
}

// closePosition submits a reduce-only market order for the full amount,
// waits for the fill and books the realized PnL.
func (n *Execution) closePosition(ctx context.Context, st *pipeline.State,
	p exchange.Position, action, reason string) {

	side := exchange.OrderSideSell
	if p.Side == exchange.OrderSideSell {
		side = exchange.OrderSideBuy
	}

	res, err := n.pc.Exchange.CreateOrder(ctx, exchange.OrderRequest{
		Symbol:     p.Symbol,
		Type:       exchange.OrderTypeMarket,
		Side:       side,
		Amount:     p.Amount,
		ReduceOnly: true,
	})
	if err != nil {
		n.recordFailure(st, p.Symbol, action, fmt.Sprintf("close order failed: %v", err))
		return
	}
	if !res.Success {
		n.recordFailure(st, p.Symbol, action, "close rejected: "+res.Message)
		return
	}
	res = n.confirmFill(ctx, res, p.Symbol)
	if res.Filled <= 0 {
		st.ExecutionResults = append(st.ExecutionResults, pipeline.ExecutionResult{
			Symbol: p.Symbol, Action: action, Status: "pending",
			OrderID: res.OrderID, Message: "close not filled within the confirmation window",
		})
		return
	}

	exitPrice := res.AveragePrice
	pnlUSD, pnlPct := realizedPnL(&p, exitPrice, res.Filled, res.FeeCost)

	if n.pc.DB != nil {
		if err := n.pc.DB.CloseTradeBySymbol(ctx, st.BotID, p.Symbol,
			exitPrice, pnlUSD, pnlPct, res.FeeCost, time.Now()); err != nil {
			log.Warn().
				Str("component", "nodes").
				Str("symbol", p.Symbol).
				Err(err).
				Msg("trade close bookkeeping failed")
		}
	}

	st.RemovePosition(p.Symbol)
	if n.pc.Trailing != nil {
		n.pc.Trailing.Clear(p.Symbol)
	}
	n.refreshBalance(ctx, st)

	st.ExecutionResults = append(st.ExecutionResults, pipeline.ExecutionResult{
		Symbol: p.Symbol, Action: action, Status: "success",
		Message: reason, OrderID: res.OrderID,
		ExecutedPrice: exitPrice, ExecutedAmount: res.Filled, FeePaid: res.FeeCost,
	})
	metrics.OrdersTotal.WithLabelValues(botLabel(st.BotID), action, "success").Inc()
	log.Info().
		Str("component", "nodes").
		Int64("bot_id", st.BotID).
		Str("symbol", p.Symbol).
		Float64("exit_price", exitPrice).
		Float64("pnl_usd", pnlUSD).
		Float64("pnl_pct", pnlPct).
		Msg("position closed")
	n.publishOrder(st, p.Symbol, action, res)
}

// realizedPnL applies the ledger formulas: long (exit−entry)×amount−fee,
// short (entry−exit)×amount−fee; percent is against cost basis.
func realizedPnL(p *exchange.Position, exitPrice, amount, fee float64) (usd, pct float64) {
	if p.Side == exchange.OrderSideBuy {
		usd = (exitPrice-p.EntryPrice)*amount - fee
	} else {
		usd = (p.EntryPrice-exitPrice)*amount - fee
	}
	if basis := p.EntryPrice * amount; basis > 0 {
		pct = usd / basis * 100
	}
	return usd, pct
}

func (n *Execution) executeOpen(ctx context.Context, st *pipeline.State, d pipeline.Decision) {
	symbol := d.Symbol
	price := st.Price(symbol)
	if price <= 0 {
		n.recordRejection(st, d, []string{"no current price"})
		return
	}

	leverage := d.Leverage
	if leverage <= 0 {
		leverage = n.limits.DefaultLeverage
	}
	free := st.FreeBalance()
	notional := (d.AllocationPct / 100) * free

	slPrice, tpPrice := d.StopLossPrice, d.TakeProfitPrice
	long := d.Action == "open_long"
	if slPrice <= 0 || tpPrice <= 0 {
		slPrice, tpPrice = defaultExits(price, long, n.limits)
	}
	slPct, tpPct := exitPercents(price, slPrice, tpPrice, long)

	check := risk.OrderCheck{
		Symbol:            symbol,
		Side:              sideWord(long),
		NotionalUSD:       notional,
		Leverage:          leverage,
		StopLossPct:       slPct,
		TakeProfitPct:     tpPct,
		FundingRate:       st.Data(symbol).FundingRate,
		FreeBalance:       free,
		TotalMarginUsed:   st.UsedMargin(),
		ConsecutiveLosses: n.consecutiveLosses(ctx, st.BotID),
	}
	if st.Performance != nil {
		check.DrawdownPct = st.Performance.MaxDrawdown
	}
	check.DailyLossPct = n.dailyLossFraction(ctx, st)

	if verdict := n.checker.Check(check); !verdict.Approved {
		n.recordRejection(st, d, verdict.Reasons)
		return
	}

	// Ceiling keeps a rounded amount from dropping under the exchange
	// minimum notional.
	amount := exchange.AmountFromNotional(notional, price, n.pc.Exchange.AmountPrecision(symbol))
	if amount <= 0 {
		n.recordRejection(st, d, []string{fmt.Sprintf("notional %.2f too small at price %.4f", notional, price)})
		return
	}

	if err := n.pc.Exchange.SetLeverage(ctx, symbol, leverage); err != nil {
		log.Warn().Str("component", "nodes").Str("symbol", symbol).Err(err).Msg("leverage change failed")
	}

	side := exchange.OrderSideBuy
	if !long {
		side = exchange.OrderSideSell
	}
	req := exchange.OrderRequest{
		Symbol:   symbol,
		Type:     exchange.OrderTypeMarket,
		Side:     side,
		Amount:   amount,
		Leverage: leverage,
	}
	attached := n.pc.Exchange.Capabilities().AttachedSLTP
	if attached {
		req.StopLossPrice = slPrice
		req.TakeProfitPrice = tpPrice
	}

	res, err := n.pc.Exchange.CreateOrder(ctx, req)
	if err != nil {
		n.recordFailure(st, symbol, d.Action, fmt.Sprintf("order failed: %v", err))
		return
	}
	if !res.Success {
		n.recordRejection(st, d, []string{"exchange rejected order: " + res.Message})
		return
	}
	res = n.confirmFill(ctx, res, symbol)
	if res.Filled <= 0 {
		st.ExecutionResults = append(st.ExecutionResults, pipeline.ExecutionResult{
			Symbol: symbol, Action: d.Action, Status: "pending",
			OrderID: res.OrderID, Message: "order not filled within the confirmation window",
		})
		metrics.OrdersTotal.WithLabelValues(botLabel(st.BotID), d.Action, "pending").Inc()
		return
	}

	if n.pc.DB != nil {
		if _, err := n.pc.DB.CreateTrade(ctx, &db.Trade{
			BotID:      st.BotID,
			Symbol:     symbol,
			Side:       sideWord(long),
			Action:     d.Action,
			EntryPrice: res.AveragePrice,
			Amount:     res.Filled,
			Leverage:   leverage,
			FeePaid:    res.FeeCost,
			CycleID:    st.CycleID,
			OrderID:    res.OrderID,
			OpenedAt:   time.Now(),
		}); err != nil {
			log.Warn().Str("component", "nodes").Str("symbol", symbol).Err(err).
				Msg("trade open bookkeeping failed")
		}
	}

	if !attached {
		n.placeExitOrders(ctx, symbol, side, res.Filled, slPrice, tpPrice)
	}

	st.Positions = append(st.Positions, exchange.Position{
		Symbol:          symbol,
		Side:            side,
		EntryPrice:      res.AveragePrice,
		MarkPrice:       res.AveragePrice,
		Amount:          res.Filled,
		Leverage:        float64(leverage),
		Status:          "open",
		StopLossPrice:   slPrice,
		TakeProfitPrice: tpPrice,
	})
	n.refreshBalance(ctx, st)

	st.ExecutionResults = append(st.ExecutionResults, pipeline.ExecutionResult{
		Symbol: symbol, Action: d.Action, Status: "success",
		OrderID:       res.OrderID,
		ExecutedPrice: res.AveragePrice, ExecutedAmount: res.Filled, FeePaid: res.FeeCost,
	})
	metrics.OrdersTotal.WithLabelValues(botLabel(st.BotID), d.Action, "success").Inc()
	log.Info().
		Str("component", "nodes").
		Int64("bot_id", st.BotID).
		Str("symbol", symbol).
		Str("action", d.Action).
		Float64("entry_price", res.AveragePrice).
		Float64("amount", res.Filled).
		Int("leverage", leverage).
		Msg("position opened")
	n.publishOrder(st, symbol, d.Action, res)
}

// placeExitOrders adds reduce-only stop and take-profit orders when the
// adapter cannot attach them to the entry.
func (n *Execution) placeExitOrders(ctx context.Context, symbol string,
	entrySide exchange.OrderSide, amount, slPrice, tpPrice float64) {

	exitSide := exchange.OrderSideSell
	if entrySide == exchange.OrderSideSell {
		exitSide = exchange.OrderSideBuy
	}
	if slPrice > 0 {
		if _, err := n.pc.Exchange.CreateOrder(ctx, exchange.OrderRequest{
			Symbol: symbol, Type: exchange.OrderTypeMarket, Side: exitSide,
			Amount: amount, StopPrice: slPrice, ReduceOnly: true,
		}); err != nil {
			log.Warn().Str("component", "nodes").Str("symbol", symbol).Err(err).
				Msg("stop-loss order placement failed")
		}
	}
	if tpPrice > 0 {
		if _, err := n.pc.Exchange.CreateOrder(ctx, exchange.OrderRequest{
			Symbol: symbol, Type: exchange.OrderTypeLimit, Side: exitSide,
			Amount: amount, Price: tpPrice, ReduceOnly: true,
		}); err != nil {
			log.Warn().Str("component", "nodes").Str("symbol", symbol).Err(err).
				Msg("take-profit order placement failed")
		}
	}
}

// confirmFill polls an unfilled order for up to the confirmation window.
func (n *Execution) confirmFill(ctx context.Context, res *exchange.OrderResult, symbol string) *exchange.OrderResult {
	if res.Filled > 0 || res.OrderID == "" {
		return res
	}
	polled, err := exchange.WaitForOrderFill(ctx, n.pc.Exchange, res.OrderID, symbol, fillWait, fillPollInterval)
	if err != nil || polled == nil {
		return res
	}
	return polled
}

// consecutiveLosses counts the losing streak at the head of the closed
// trade ledger.
func (n *Execution) consecutiveLosses(ctx context.Context, botID int64) int {
	if n.pc.DB == nil || n.limits.MaxConsecutiveLosses <= 0 {
		return 0
	}
	trades, err := n.pc.DB.GetRecentTrades(ctx, botID, n.limits.MaxConsecutiveLosses)
	if err != nil {
		log.Warn().Str("component", "nodes").Err(err).Msg("recent trade load failed")
		return 0
	}
	streak := 0
	for _, tr := range trades {
		if tr.PnLUSD == nil || *tr.PnLUSD >= 0 {
			break
		}
		streak++
	}
	return streak
}

// dailyLossFraction sums today's realized losses against the initial
// balance, as a fraction.
func (n *Execution) dailyLossFraction(ctx context.Context, st *pipeline.State) float64 {
	if n.pc.DB == nil || st.InitialBalance <= 0 {
		return 0
	}
	trades, err := n.pc.DB.GetRecentTrades(ctx, st.BotID, 100)
	if err != nil {
		return 0
	}
	dayStart := time.Now().Truncate(24 * time.Hour)
	var pnl float64
	for _, tr := range trades {
		if tr.ClosedAt == nil || tr.ClosedAt.Before(dayStart) || tr.PnLUSD == nil {
			continue
		}
		pnl += *tr.PnLUSD
	}
	if pnl >= 0 {
		return 0
	}
	return -pnl / st.InitialBalance
}

func (n *Execution) refreshBalance(ctx context.Context, st *pipeline.State) {
	account, err := n.pc.Exchange.FetchBalance(ctx)
	if err != nil {
		log.Warn().Str("component", "nodes").Err(err).Msg("balance refresh failed, keeping stale snapshot")
		return
	}
	st.Account = account
}

func (n *Execution) recordRejection(st *pipeline.State, d pipeline.Decision, reasons []string) {
	msg := fmt.Sprintf("%s %s rejected: %s", d.Action, d.Symbol, joinReasons(reasons))
	st.AddAlert(msg)
	st.ExecutionResults = append(st.ExecutionResults, pipeline.ExecutionResult{
		Symbol: d.Symbol, Action: d.Action, Status: "skipped", Message: joinReasons(reasons),
	})
	metrics.RiskRejections.WithLabelValues(botLabel(st.BotID)).Inc()
	metrics.OrdersTotal.WithLabelValues(botLabel(st.BotID), d.Action, "rejected").Inc()
	if n.pc.Alerts != nil {
		_ = n.pc.Alerts.SendWarning(context.Background(), "Order rejected", msg,
			map[string]interface{}{"bot_id": st.BotID, "symbol": d.Symbol})
	}
}

func (n *Execution) recordFailure(st *pipeline.State, symbol, action, msg string) {
	st.AddAlert(fmt.Sprintf("%s %s failed: %s", action, symbol, msg))
	st.ExecutionResults = append(st.ExecutionResults, pipeline.ExecutionResult{
		Symbol: symbol, Action: action, Status: "failed", Message: msg,
	})
	metrics.OrdersTotal.WithLabelValues(botLabel(st.BotID), action, "failed").Inc()
}

func (n *Execution) publishOrder(st *pipeline.State, symbol, action string, res *exchange.OrderResult) {
	if n.pc.Events == nil {
		return
	}
	_ = n.pc.Events.Publish(st.BotID, events.KindOrder, st.CycleID, map[string]any{
		"symbol": symbol, "action": action, "order_id": res.OrderID,
		"filled": res.Filled, "average_price": res.AveragePrice, "fee": res.FeeCost,
	})
}

func defaultExits(price float64, long bool, limits db.RiskLimits) (sl, tp float64) {
	slPct, tpPct := limits.DefaultStopLossPct, limits.DefaultTakeProfitPct
	if long {
		return price * (1 - slPct/100), price * (1 + tpPct/100)
	}
	return price * (1 + slPct/100), price * (1 - tpPct/100)
}

// exitPercents converts absolute exit prices into price-move percents.
// Negative values mean the prices point the wrong way and fail the
// directional check downstream.
func exitPercents(price, slPrice, tpPrice float64, long bool) (slPct, tpPct float64) {
	if price <= 0 {
		return 0, 0
	}
	if long {
		return (price - slPrice) / price * 100, (tpPrice - price) / price * 100
	}
	return (slPrice - price) / price * 100, (price - tpPrice) / price * 100
}

func sideWord(long bool) string {
	if long {
		return "long"
	}
	return "short"
}

func joinReasons(reasons []string) string {
	if len(reasons) == 0 {
		return "unspecified"
	}
	out := reasons[0]
	for _, r := range reasons[1:] {
		out += "; " + r
	}
	return out
}

func botLabel(botID int64) string {
	return strconv.FormatInt(botID, 10)
}
