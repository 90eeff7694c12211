package exchange

import "time"

// OrderSide represents buy or sell
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType represents market or limit order
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// OrderStatus represents the current state of an order on the exchange
type OrderStatus string

const (
	OrderStatusPending  OrderStatus = "pending"
	OrderStatusOpen     OrderStatus = "open"
	OrderStatusClosed   OrderStatus = "closed"
	OrderStatusCanceled OrderStatus = "canceled"
	OrderStatusExpired  OrderStatus = "expired"
	OrderStatusRejected OrderStatus = "rejected"
)

// Candle is one OHLCV bar. Times are epoch milliseconds, exchange
// convention.
type Candle struct {
	OpenTime  int64   `json:"open_time"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	CloseTime int64   `json:"close_time"`
}

// Ticker is a 24h rolling snapshot for one symbol
type Ticker struct {
	Symbol      string  `json:"symbol"`
	Last        float64 `json:"last"`
	Bid         float64 `json:"bid"`
	Ask         float64 `json:"ask"`
	QuoteVolume float64 `json:"quote_volume"`
	ChangePct   float64 `json:"change_pct"` // 24h price change, percent
	Timestamp   int64   `json:"timestamp"`
}

// Spread returns the relative bid/ask spread, 0 when unavailable.
func (t *Ticker) Spread() float64 {
	if t.Bid <= 0 || t.Ask <= 0 {
		return 0
	}
	mid := (t.Bid + t.Ask) / 2
	if mid == 0 {
		return 0
	}
	return (t.Ask - t.Bid) / mid
}

// OrderBookLevel is one price level
type OrderBookLevel struct {
	Price  float64 `json:"price"`
	Amount float64 `json:"amount"`
}

// OrderBook is a depth snapshot, best levels first
type OrderBook struct {
	Symbol    string           `json:"symbol"`
	Bids      []OrderBookLevel `json:"bids"`
	Asks      []OrderBookLevel `json:"asks"`
	Timestamp int64            `json:"timestamp"`
}

// Trade is one public trade print
type Trade struct {
	ID        string    `json:"id"`
	Symbol    string    `json:"symbol"`
	Side      OrderSide `json:"side"`
	Price     float64   `json:"price"`
	Amount    float64   `json:"amount"`
	Timestamp int64     `json:"timestamp"`
}

// FundingRate is the current (or historical) perp funding rate
type FundingRate struct {
	Symbol          string  `json:"symbol"`
	Rate            float64 `json:"rate"` // fraction, e.g. 0.0001 = 0.01%
	NextFundingTime int64   `json:"next_funding_time,omitempty"`
	Timestamp       int64   `json:"timestamp"`
}

// Balance holds per-asset balances
type Balance struct {
	Free  float64 `json:"free"`
	Used  float64 `json:"used"`
	Total float64 `json:"total"`
	Debt  float64 `json:"debt"`
}

// Account is a timestamped balance snapshot
type Account struct {
	Timestamp time.Time          `json:"timestamp"`
	Balances  map[string]Balance `json:"balances"`
}

// Free returns the free balance for an asset, 0 when absent.
func (a *Account) Free(asset string) float64 {
	if a == nil {
		return 0
	}
	return a.Balances[asset].Free
}

// Total returns the total balance for an asset, 0 when absent.
func (a *Account) Total(asset string) float64 {
	if a == nil {
		return 0
	}
	return a.Balances[asset].Total
}

// Position is an open perp position as reported by the exchange
type Position struct {
	ID              string    `json:"id"`
	Symbol          string    `json:"symbol"`
	Side            OrderSide `json:"side"`
	Type            OrderType `json:"type"`
	Status          string    `json:"status"`
	EntryPrice      float64   `json:"entry_price"`
	MarkPrice       float64   `json:"mark_price"`
	Amount          float64   `json:"amount"` // base-asset units, > 0
	Leverage        float64   `json:"leverage"`
	UnrealizedPnL   float64   `json:"unrealized_pnl"`
	StopLossPrice   float64   `json:"stop_loss_price,omitempty"`
	TakeProfitPrice float64   `json:"take_profit_price,omitempty"`
}

// Notional returns amount × price at the given price.
func (p *Position) Notional(price float64) float64 {
	return p.Amount * price
}

// MarginUsed returns notional / leverage.
func (p *Position) MarginUsed(price float64) float64 {
	if p.Leverage < 1 {
		return p.Notional(price)
	}
	return p.Notional(price) / p.Leverage
}

// PnLPct returns the unrealized PnL percent on margin at the given price.
func (p *Position) PnLPct(price float64) float64 {
	if p.EntryPrice <= 0 || price <= 0 {
		return 0
	}
	var move float64
	if p.Side == OrderSideBuy {
		move = (price - p.EntryPrice) / p.EntryPrice
	} else {
		move = (p.EntryPrice - price) / p.EntryPrice
	}
	lev := p.Leverage
	if lev < 1 {
		lev = 1
	}
	return move * lev * 100
}

// OrderRequest is a request to place (or replace) an order
type OrderRequest struct {
	Symbol        string    `json:"symbol"`
	Type          OrderType `json:"type"`
	Side          OrderSide `json:"side"`
	Amount        float64   `json:"amount"`
	Price         float64   `json:"price,omitempty"` // limit orders
	StopPrice     float64   `json:"stop_price,omitempty"`
	ReduceOnly    bool      `json:"reduce_only,omitempty"`
	Leverage      int       `json:"leverage,omitempty"`
	ClientOrderID string    `json:"client_order_id,omitempty"`
	// Attached stop-loss / take-profit prices; honored only when the
	// adapter reports Capabilities().AttachedSLTP.
	StopLossPrice   float64 `json:"stop_loss_price,omitempty"`
	TakeProfitPrice float64 `json:"take_profit_price,omitempty"`
}

// OrderResult reports the outcome of an order operation. Invariant:
// Filled + Remaining = Requested.
type OrderResult struct {
	Success      bool        `json:"success"`
	OrderID      string      `json:"order_id,omitempty"`
	Symbol       string      `json:"symbol"`
	Side         OrderSide   `json:"side"`
	Type         OrderType   `json:"type"`
	Status       OrderStatus `json:"status"`
	Requested    float64     `json:"requested"`
	Filled       float64     `json:"filled"`
	Remaining    float64     `json:"remaining"`
	AveragePrice float64     `json:"average_price"`
	FeeCost      float64     `json:"fee_cost"`
	Message      string      `json:"message,omitempty"`
	Raw          interface{} `json:"raw,omitempty"`
	Timestamp    time.Time   `json:"timestamp"`
}

// Market describes one tradable perp market
type Market struct {
	Symbol          string  `json:"symbol"`
	Base            string  `json:"base"`
	Quote           string  `json:"quote"`
	Active          bool    `json:"active"`
	ContractType    string  `json:"contract_type"` // "swap" for perps
	AmountPrecision int     `json:"amount_precision"`
	PricePrecision  int     `json:"price_precision"`
	MinNotional     float64 `json:"min_notional"`
	MinAmount       float64 `json:"min_amount"`
}

// Capabilities are the adapter-specific feature flags upper layers probe
// before use. Missing capabilities degrade to defaults (e.g. zero funding
// rates), they never fail the cycle.
type Capabilities struct {
	AttachedSLTP       bool `json:"attached_sl_tp"`
	FundingRates       bool `json:"funding_rates"`
	FundingRateHistory bool `json:"funding_rate_history"`
	OpenInterests      bool `json:"open_interests"`
}

// TimeframeDuration converts a timeframe string ("3m", "4h", "1d") to a
// duration; 0 for unknown formats.
func TimeframeDuration(tf string) time.Duration {
	if len(tf) < 2 {
		return 0
	}
	n := 0
	for _, r := range tf[:len(tf)-1] {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int(r-'0')
	}
	switch tf[len(tf)-1] {
	case 'm':
		return time.Duration(n) * time.Minute
	case 'h':
		return time.Duration(n) * time.Hour
	case 'd':
		return time.Duration(n) * 24 * time.Hour
	case 'w':
		return time.Duration(n) * 7 * 24 * time.Hour
	default:
		return 0
	}
}
