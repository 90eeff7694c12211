package backtest

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ajitpratap0/perpcycle/internal/db"
	"github.com/ajitpratap0/perpcycle/internal/exchange"
)

const (
	// DefaultSlippage is applied symmetrically around the fill candle
	// close: buys pay close×(1+s), sells receive close×(1−s).
	DefaultSlippage = 0.0002

	// DefaultCommission is charged on every fill as a fraction of
	// notional.
	DefaultCommission = 0.0005
)

// MockTrader is the exchange adapter of a backtest. Orders fill at the
// next candle close of the finest timeframe, slippage and commission
// applied, against a virtual USDT ledger: buys debit notional plus fee,
// sells credit notional minus fee. Closing fills are recorded into the
// in-memory performance ledger.
type MockTrader struct {
	mu sync.Mutex

	source *DataSource
	perf   *MockPerformance
	fillTF string

	slippage   float64
	commission float64

	cash      float64
	positions []exchange.Position
	leverages map[string]int
	orders    map[string]*exchange.OrderResult
	nextID    int64

	markets map[string]exchange.Market
}

// NewMockTrader creates a trader over a preloaded data source with the
// given starting USDT balance and the default cost model.
func NewMockTrader(source *DataSource, initialBalance float64) *MockTrader {
	fillTF := "3m"
	if len(source.Timeframes()) > 0 {
		fillTF = source.Timeframes()[0]
	}
	return &MockTrader{
		source:     source,
		perf:       NewMockPerformance(),
		fillTF:     fillTF,
		slippage:   DefaultSlippage,
		commission: DefaultCommission,
		cash:       initialBalance,
		leverages:  make(map[string]int),
		orders:     make(map[string]*exchange.OrderResult),
		markets:    make(map[string]exchange.Market),
	}
}

// SetCosts overrides the slippage and commission fractions.
func (t *MockTrader) SetCosts(slippage, commission float64) {
	t.mu.Lock()
	t.slippage = slippage
	t.commission = commission
	t.mu.Unlock()
}

// Performance returns the in-memory closed-trade ledger.
func (t *MockTrader) Performance() *MockPerformance { return t.perf }

func (t *MockTrader) Name() string { return "backtest" }

func (t *MockTrader) Capabilities() exchange.Capabilities {
	return exchange.Capabilities{
		AttachedSLTP:       true,
		FundingRates:       true,
		FundingRateHistory: true,
		OpenInterests:      false,
	}
}

func (t *MockTrader) LoadMarkets(ctx context.Context) (map[string]exchange.Market, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.markets) == 0 {
		for _, sym := range t.source.Symbols() {
			t.markets[sym] = exchange.Market{
				Symbol: sym, Active: true, ContractType: "swap",
				AmountPrecision: 4, PricePrecision: 2, MinNotional: 5,
			}
		}
	}
	out := make(map[string]exchange.Market, len(t.markets))
	for k, v := range t.markets {
		out[k] = v
	}
	return out, nil
}

func (t *MockTrader) Market(symbol string) (exchange.Market, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.markets[symbol]
	return m, ok
}

func (t *MockTrader) AmountPrecision(symbol string) int {
	if m, ok := t.Market(symbol); ok {
		return m.AmountPrecision
	}
	return 8
}

func (t *MockTrader) FetchOHLCV(ctx context.Context, symbol, timeframe string, since int64, limit int) ([]exchange.Candle, error) {
	return t.source.Window(symbol, timeframe, limit), nil
}

func (t *MockTrader) FetchTicker(ctx context.Context, symbol string) (*exchange.Ticker, error) {
	cur, ok := t.source.Current(symbol, t.fillTF)
	if !ok {
		return nil, fmt.Errorf("no candle for %s at the simulated clock", symbol)
	}
	return t.tickerFromCandle(symbol, cur), nil
}

func (t *MockTrader) FetchTickers(ctx context.Context, symbols []string) (map[string]*exchange.Ticker, error) {
	if len(symbols) == 0 {
		symbols = t.source.Symbols()
	}
	out := make(map[string]*exchange.Ticker, len(symbols))
	for _, sym := range symbols {
		if cur, ok := t.source.Current(sym, t.fillTF); ok {
			out[sym] = t.tickerFromCandle(sym, cur)
		}
	}
	return out, nil
}

func (t *MockTrader) tickerFromCandle(symbol string, c exchange.Candle) *exchange.Ticker {
	return &exchange.Ticker{
		Symbol:      symbol,
		Last:        c.Close,
		Bid:         c.Close * (1 - t.slippage),
		Ask:         c.Close * (1 + t.slippage),
		QuoteVolume: c.Volume * c.Close,
		Timestamp:   t.source.Now(),
	}
}

func (t *MockTrader) FetchOrderBook(ctx context.Context, symbol string, depth int) (*exchange.OrderBook, error) {
	ticker, err := t.FetchTicker(ctx, symbol)
	if err != nil {
		return nil, err
	}
	return &exchange.OrderBook{
		Symbol:    symbol,
		Bids:      []exchange.OrderBookLevel{{Price: ticker.Bid, Amount: 10}},
		Asks:      []exchange.OrderBookLevel{{Price: ticker.Ask, Amount: 10}},
		Timestamp: t.source.Now(),
	}, nil
}

func (t *MockTrader) FetchTrades(ctx context.Context, symbol string, limit int) ([]exchange.Trade, error) {
	return nil, nil
}

func (t *MockTrader) FetchFundingRates(ctx context.Context, symbols []string) (map[string]*exchange.FundingRate, error) {
	if len(symbols) == 0 {
		symbols = t.source.Symbols()
	}
	out := make(map[string]*exchange.FundingRate, len(symbols))
	for _, sym := range symbols {
		out[sym] = &exchange.FundingRate{
			Symbol:    sym,
			Rate:      t.source.FundingAt(sym),
			Timestamp: t.source.Now(),
		}
	}
	return out, nil
}

func (t *MockTrader) FetchFundingRateHistory(ctx context.Context, symbol string, since int64, limit int) ([]exchange.FundingRate, error) {
	hist := t.source.FundingHistory(symbol)
	if limit > 0 && len(hist) > limit {
		hist = hist[len(hist)-limit:]
	}
	return hist, nil
}

func (t *MockTrader) FetchOpenInterest(ctx context.Context, symbol string) (float64, error) {
	return 0, nil
}

func (t *MockTrader) FetchBalance(ctx context.Context) (*exchange.Account, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return &exchange.Account{
		Timestamp: time.UnixMilli(t.source.Now()),
		Balances: map[string]exchange.Balance{
			"USDT": {Free: t.cash, Total: t.equityLocked()},
		},
	}, nil
}

func (t *MockTrader) FetchPositions(ctx context.Context, symbols []string) ([]exchange.Position, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]exchange.Position, len(t.positions))
	for i := range t.positions {
		p := t.positions[i]
		if cur, ok := t.source.Current(p.Symbol, t.fillTF); ok {
			p.MarkPrice = cur.Close
			p.UnrealizedPnL = unrealized(&p, cur.Close)
		}
		out[i] = p
	}
	return out, nil
}

// Equity returns cash plus the signed notional of open positions at the
// current candle closes. This is the final-balance figure of the report.
func (t *MockTrader) Equity() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.equityLocked()
}

func (t *MockTrader) equityLocked() float64 {
	eq := t.cash
	for i := range t.positions {
		p := &t.positions[i]
		price := p.EntryPrice
		if cur, ok := t.source.Current(p.Symbol, t.fillTF); ok {
			price = cur.Close
		}
		if p.Side == exchange.OrderSideBuy {
			eq += p.Amount * price
		} else {
			eq -= p.Amount * price
		}
	}
	return eq
}

func unrealized(p *exchange.Position, price float64) float64 {
	if p.Side == exchange.OrderSideBuy {
		return (price - p.EntryPrice) * p.Amount
	}
	return (p.EntryPrice - price) * p.Amount
}

func (t *MockTrader) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	t.mu.Lock()
	t.leverages[symbol] = leverage
	t.mu.Unlock()
	return nil
}

// CreateOrder fills immediately at the next candle close with slippage
// and commission applied. Validation failures are reported as rejected
// results with a nil error, matching the live adapters.
func (t *MockTrader) CreateOrder(ctx context.Context, req exchange.OrderRequest) (*exchange.OrderResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if req.Amount <= 0 {
		return t.rejectLocked(req, "amount must be positive"), nil
	}
	next, ok := t.source.NextClose(req.Symbol, t.fillTF)
	if !ok || next <= 0 {
		return t.rejectLocked(req, "no candle data for "+req.Symbol), nil
	}

	price := next * (1 + t.slippage)
	if req.Side == exchange.OrderSideSell {
		price = next * (1 - t.slippage)
	}

	pos := t.positionLocked(req.Symbol)
	reducing := req.ReduceOnly || (pos != nil && pos.Side != req.Side)
	if req.ReduceOnly && pos == nil {
		return t.rejectLocked(req, "reduce-only order with no open position"), nil
	}

	amount := req.Amount
	if reducing && pos != nil && amount > pos.Amount {
		amount = pos.Amount
	}

	notional := amount * price
	fee := notional * t.commission

	if req.Side == exchange.OrderSideBuy {
		if t.cash < notional+fee {
			return t.rejectLocked(req, fmt.Sprintf(
				"insufficient balance: need %.2f, have %.2f", notional+fee, t.cash)), nil
		}
		t.cash -= notional + fee
	} else {
		t.cash += notional - fee
	}

	if reducing && pos != nil {
		t.reduceLocked(pos, amount, price, fee)
	} else {
		t.extendLocked(req, amount, price)
	}

	t.nextID++
	id := strconv.FormatInt(t.nextID, 10)
	result := &exchange.OrderResult{
		Success:      true,
		OrderID:      id,
		Symbol:       req.Symbol,
		Side:         req.Side,
		Type:         req.Type,
		Status:       exchange.OrderStatusClosed,
		Requested:    req.Amount,
		Filled:       amount,
		Remaining:    req.Amount - amount,
		AveragePrice: price,
		FeeCost:      fee,
		Timestamp:    time.UnixMilli(t.source.Now()),
	}
	t.orders[id] = result

	log.Debug().
		Str("component", "backtest").
		Str("symbol", req.Symbol).
		Str("side", string(req.Side)).
		Float64("price", price).
		Float64("amount", amount).
		Float64("fee", fee).
		Float64("cash", t.cash).
		Msg("simulated fill")
	return result, nil
}

func (t *MockTrader) rejectLocked(req exchange.OrderRequest, msg string) *exchange.OrderResult {
	return &exchange.OrderResult{
		Symbol: req.Symbol, Side: req.Side, Type: req.Type,
		Status: exchange.OrderStatusRejected, Requested: req.Amount,
		Remaining: req.Amount, Message: msg,
		Timestamp: time.UnixMilli(t.source.Now()),
	}
}

func (t *MockTrader) positionLocked(symbol string) *exchange.Position {
	for i := range t.positions {
		if t.positions[i].Symbol == symbol {
			return &t.positions[i]
		}
	}
	return nil
}

// reduceLocked shrinks or closes a position and books the realized PnL
// into the performance ledger.
func (t *MockTrader) reduceLocked(pos *exchange.Position, amount, exitPrice, fee float64) {
	var pnlUSD float64
	if pos.Side == exchange.OrderSideBuy {
		pnlUSD = (exitPrice-pos.EntryPrice)*amount - fee
	} else {
		pnlUSD = (pos.EntryPrice-exitPrice)*amount - fee
	}
	var pnlPct float64
	if basis := pos.EntryPrice * amount; basis > 0 {
		pnlPct = pnlUSD / basis * 100
	}

	side := "long"
	if pos.Side == exchange.OrderSideSell {
		side = "short"
	}
	closedAt := time.UnixMilli(t.source.Now())
	t.perf.Record(db.Trade{
		Symbol:     pos.Symbol,
		Side:       side,
		Action:     "close_" + side,
		EntryPrice: pos.EntryPrice,
		ExitPrice:  &exitPrice,
		Amount:     amount,
		Leverage:   int(pos.Leverage),
		FeePaid:    fee,
		PnLUSD:     &pnlUSD,
		PnLPercent: &pnlPct,
		OpenedAt:   closedAt,
		ClosedAt:   &closedAt,
		Status:     "closed",
	})

	pos.Amount -= amount
	if pos.Amount <= 1e-12 {
		kept := t.positions[:0]
		for _, p := range t.positions {
			if p.Symbol != pos.Symbol {
				kept = append(kept, p)
			}
		}
		t.positions = kept
	}
}

// extendLocked opens a position or extends one on the same side at a
// volume-weighted entry.
func (t *MockTrader) extendLocked(req exchange.OrderRequest, amount, price float64) {
	if pos := t.positionLocked(req.Symbol); pos != nil && pos.Side == req.Side {
		total := pos.Amount + amount
		pos.EntryPrice = (pos.EntryPrice*pos.Amount + price*amount) / total
		pos.Amount = total
		return
	}

	leverage := req.Leverage
	if leverage <= 0 {
		leverage = t.leverages[req.Symbol]
	}
	if leverage < 1 {
		leverage = 1
	}
	t.positions = append(t.positions, exchange.Position{
		Symbol:          req.Symbol,
		Side:            req.Side,
		Type:            req.Type,
		Status:          "open",
		EntryPrice:      price,
		MarkPrice:       price,
		Amount:          amount,
		Leverage:        float64(leverage),
		StopLossPrice:   req.StopLossPrice,
		TakeProfitPrice: req.TakeProfitPrice,
	})
}

func (t *MockTrader) EditOrder(ctx context.Context, orderID, symbol string, req exchange.OrderRequest) (*exchange.OrderResult, error) {
	if err := t.CancelOrder(ctx, orderID, symbol); err != nil {
		return nil, err
	}
	return t.CreateOrder(ctx, req)
}

func (t *MockTrader) CancelOrder(ctx context.Context, orderID, symbol string) error {
	return nil
}

func (t *MockTrader) CancelAllOrders(ctx context.Context, symbol string) error {
	return nil
}

func (t *MockTrader) FetchOrder(ctx context.Context, orderID, symbol string) (*exchange.OrderResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	o, ok := t.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("unknown order %s", orderID)
	}
	cp := *o
	return &cp, nil
}

func (t *MockTrader) Close() error { return nil }
