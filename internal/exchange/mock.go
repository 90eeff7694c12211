package exchange

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// MockAdapter is a scripted in-memory Adapter used by node, scheduler and
// backtest tests. Prices, candles, funding and books are preloaded; orders
// fill instantly at the scripted price unless a hook says otherwise.
type MockAdapter struct {
	mu sync.Mutex

	ExchangeName string
	Caps         Capabilities

	Markets      map[string]Market
	Candles      map[string][]Candle // key: symbol|timeframe
	Tickers      map[string]*Ticker
	Funding      map[string]*FundingRate
	FundingHist  map[string][]FundingRate
	Books        map[string]*OrderBook
	TradePrints  map[string][]Trade
	OpenInterest map[string]float64

	Balances  map[string]Balance
	Positions []Position

	// CreateOrderHook, when set, intercepts order placement.
	CreateOrderHook func(req OrderRequest) (*OrderResult, error)
	// FillDelayPolls makes FetchOrder report filled only after N polls,
	// to exercise the fill-confirmation path.
	FillDelayPolls int

	orders     map[string]*OrderResult
	pollCounts map[string]int
	nextID     int64

	CreateOrderCalls []OrderRequest
	CancelledOrders  []string
	closed           bool
}

// NewMockAdapter creates an empty mock with USDT balance funded.
func NewMockAdapter(balanceUSDT float64) *MockAdapter {
	return &MockAdapter{
		ExchangeName: "mock",
		Caps: Capabilities{
			AttachedSLTP:       false,
			FundingRates:       true,
			FundingRateHistory: true,
			OpenInterests:      true,
		},
		Markets:      make(map[string]Market),
		Candles:      make(map[string][]Candle),
		Tickers:      make(map[string]*Ticker),
		Funding:      make(map[string]*FundingRate),
		FundingHist:  make(map[string][]FundingRate),
		Books:        make(map[string]*OrderBook),
		TradePrints:  make(map[string][]Trade),
		OpenInterest: make(map[string]float64),
		Balances: map[string]Balance{
			"USDT": {Free: balanceUSDT, Total: balanceUSDT},
		},
		orders:     make(map[string]*OrderResult),
		pollCounts: make(map[string]int),
	}
}

// SetCandles scripts a candle window for symbol/timeframe.
func (m *MockAdapter) SetCandles(symbol, timeframe string, candles []Candle) {
	m.mu.Lock()
	m.Candles[symbol+"|"+timeframe] = candles
	m.mu.Unlock()
}

// SetPrice scripts the last price (and a tight book) for a symbol.
func (m *MockAdapter) SetPrice(symbol string, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Tickers[symbol] = &Ticker{
		Symbol:    symbol,
		Last:      price,
		Bid:       price * 0.9999,
		Ask:       price * 1.0001,
		Timestamp: time.Now().UnixMilli(),
	}
}

// SetFreeBalance overrides the free USDT balance.
func (m *MockAdapter) SetFreeBalance(free float64) {
	m.mu.Lock()
	b := m.Balances["USDT"]
	b.Free = free
	if b.Total < free {
		b.Total = free
	}
	m.Balances["USDT"] = b
	m.mu.Unlock()
}

func (m *MockAdapter) Name() string { return m.ExchangeName }

func (m *MockAdapter) Capabilities() Capabilities { return m.Caps }

func (m *MockAdapter) LoadMarkets(ctx context.Context) (map[string]Market, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Markets) == 0 {
		for sym := range m.Tickers {
			m.Markets[sym] = Market{
				Symbol: sym, Active: true, ContractType: "swap",
				AmountPrecision: 4, PricePrecision: 2, MinNotional: 5,
			}
		}
	}
	out := make(map[string]Market, len(m.Markets))
	for k, v := range m.Markets {
		out[k] = v
	}
	return out, nil
}

func (m *MockAdapter) Market(symbol string) (Market, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mk, ok := m.Markets[symbol]
	return mk, ok
}

func (m *MockAdapter) AmountPrecision(symbol string) int {
	if mk, ok := m.Market(symbol); ok {
		return mk.AmountPrecision
	}
	return 4
}

func (m *MockAdapter) FetchOHLCV(ctx context.Context, symbol, timeframe string, since int64, limit int) ([]Candle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	candles, ok := m.Candles[symbol+"|"+timeframe]
	if !ok {
		return nil, nil
	}
	if limit > 0 && len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}
	out := make([]Candle, len(candles))
	copy(out, candles)
	return out, nil
}

func (m *MockAdapter) FetchTicker(ctx context.Context, symbol string) (*Ticker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.Tickers[symbol]
	if !ok {
		return nil, fmt.Errorf("no ticker for %s", symbol)
	}
	cp := *t
	return &cp, nil
}

func (m *MockAdapter) FetchTickers(ctx context.Context, symbols []string) (map[string]*Ticker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		want[s] = true
	}
	out := make(map[string]*Ticker)
	for sym, t := range m.Tickers {
		if len(symbols) > 0 && !want[sym] {
			continue
		}
		cp := *t
		out[sym] = &cp
	}
	return out, nil
}

func (m *MockAdapter) FetchOrderBook(ctx context.Context, symbol string, depth int) (*OrderBook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ob, ok := m.Books[symbol]; ok {
		return ob, nil
	}
	t, ok := m.Tickers[symbol]
	if !ok {
		return nil, fmt.Errorf("no order book for %s", symbol)
	}
	return &OrderBook{
		Symbol:    symbol,
		Bids:      []OrderBookLevel{{Price: t.Bid, Amount: 10}},
		Asks:      []OrderBookLevel{{Price: t.Ask, Amount: 10}},
		Timestamp: time.Now().UnixMilli(),
	}, nil
}

func (m *MockAdapter) FetchTrades(ctx context.Context, symbol string, limit int) ([]Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.TradePrints[symbol], nil
}

func (m *MockAdapter) FetchFundingRates(ctx context.Context, symbols []string) (map[string]*FundingRate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*FundingRate)
	for sym, fr := range m.Funding {
		cp := *fr
		out[sym] = &cp
	}
	return out, nil
}

func (m *MockAdapter) FetchFundingRateHistory(ctx context.Context, symbol string, since int64, limit int) ([]FundingRate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.FundingHist[symbol], nil
}

func (m *MockAdapter) FetchOpenInterest(ctx context.Context, symbol string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.OpenInterest[symbol], nil
}

func (m *MockAdapter) FetchBalance(ctx context.Context) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	balances := make(map[string]Balance, len(m.Balances))
	for k, v := range m.Balances {
		balances[k] = v
	}
	return &Account{Timestamp: time.Now(), Balances: balances}, nil
}

func (m *MockAdapter) FetchPositions(ctx context.Context, symbols []string) ([]Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Position, len(m.Positions))
	copy(out, m.Positions)
	return out, nil
}

func (m *MockAdapter) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return nil
}

func (m *MockAdapter) CreateOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	m.mu.Lock()
	m.CreateOrderCalls = append(m.CreateOrderCalls, req)
	hook := m.CreateOrderHook
	m.mu.Unlock()

	if hook != nil {
		return hook(req)
	}
	if err := validateOrderRequest(req); err != nil {
		return &OrderResult{
			Symbol: req.Symbol, Side: req.Side, Type: req.Type,
			Status: OrderStatusRejected, Requested: req.Amount,
			Remaining: req.Amount, Message: err.Error(),
			Timestamp: time.Now(),
		}, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	price := req.Price
	if t, ok := m.Tickers[req.Symbol]; ok && price == 0 {
		price = t.Last
	}

	m.nextID++
	id := strconv.FormatInt(m.nextID, 10)
	fee := FeesFor(m.ExchangeName).Cost(req.Type, req.Amount*price)

	filled := req.Amount
	status := OrderStatusClosed
	if m.FillDelayPolls > 0 {
		filled = 0
		status = OrderStatusOpen
		m.pollCounts[id] = 0
	}

	result := &OrderResult{
		Success:      true,
		OrderID:      id,
		Symbol:       req.Symbol,
		Side:         req.Side,
		Type:         req.Type,
		Status:       status,
		Requested:    req.Amount,
		Filled:       filled,
		Remaining:    req.Amount - filled,
		AveragePrice: price,
		FeeCost:      fee,
		Timestamp:    time.Now(),
	}
	stored := *result
	stored.Filled = req.Amount
	stored.Remaining = 0
	stored.Status = OrderStatusClosed
	m.orders[id] = &stored

	return result, nil
}

func (m *MockAdapter) EditOrder(ctx context.Context, orderID, symbol string, req OrderRequest) (*OrderResult, error) {
	if err := m.CancelOrder(ctx, orderID, symbol); err != nil {
		return nil, err
	}
	return m.CreateOrder(ctx, req)
}

func (m *MockAdapter) CancelOrder(ctx context.Context, orderID, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CancelledOrders = append(m.CancelledOrders, orderID)
	if o, ok := m.orders[orderID]; ok && o.Status == OrderStatusOpen {
		o.Status = OrderStatusCanceled
	}
	return nil
}

func (m *MockAdapter) CancelAllOrders(ctx context.Context, symbol string) error {
	return nil
}

func (m *MockAdapter) FetchOrder(ctx context.Context, orderID, symbol string) (*OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("unknown order %s", orderID)
	}
	if m.FillDelayPolls > 0 {
		m.pollCounts[orderID]++
		if m.pollCounts[orderID] < m.FillDelayPolls {
			pending := *o
			pending.Filled = 0
			pending.Remaining = pending.Requested
			pending.Status = OrderStatusOpen
			return &pending, nil
		}
	}
	cp := *o
	return &cp, nil
}

func (m *MockAdapter) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Closed reports whether Close was called, for teardown tests.
func (m *MockAdapter) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
