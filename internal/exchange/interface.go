package exchange

import (
	"context"
	"time"
)

// Adapter is the uniform surface over one perp exchange. Every REST method
// passes through the per-exchange rate limiter before hitting the wire;
// WebSocket subscriptions (internal/stream) do not.
type Adapter interface {
	// Name returns the exchange identifier ("binance", "mock", ...).
	Name() string

	// LoadMarkets fetches and caches market metadata for all perp symbols.
	LoadMarkets(ctx context.Context) (map[string]Market, error)

	// Market returns cached metadata for one symbol; LoadMarkets must have
	// run first.
	Market(symbol string) (Market, bool)

	// FetchOHLCV returns up to limit candles for symbol/timeframe starting
	// at since (epoch ms; 0 = most recent window).
	FetchOHLCV(ctx context.Context, symbol, timeframe string, since int64, limit int) ([]Candle, error)

	FetchTicker(ctx context.Context, symbol string) (*Ticker, error)
	FetchTickers(ctx context.Context, symbols []string) (map[string]*Ticker, error)
	FetchOrderBook(ctx context.Context, symbol string, depth int) (*OrderBook, error)
	FetchTrades(ctx context.Context, symbol string, limit int) ([]Trade, error)

	FetchFundingRates(ctx context.Context, symbols []string) (map[string]*FundingRate, error)
	FetchFundingRateHistory(ctx context.Context, symbol string, since int64, limit int) ([]FundingRate, error)
	FetchOpenInterest(ctx context.Context, symbol string) (float64, error)

	FetchBalance(ctx context.Context) (*Account, error)
	FetchPositions(ctx context.Context, symbols []string) ([]Position, error)

	// CreateOrder places an order. Parameter-validation failures are
	// reported as a rejected OrderResult with a nil error; only transport
	// failures return errors.
	CreateOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
	// EditOrder replaces price/amount of a resting order.
	EditOrder(ctx context.Context, orderID, symbol string, req OrderRequest) (*OrderResult, error)
	CancelOrder(ctx context.Context, orderID, symbol string) error
	CancelAllOrders(ctx context.Context, symbol string) error
	FetchOrder(ctx context.Context, orderID, symbol string) (*OrderResult, error)

	SetLeverage(ctx context.Context, symbol string, leverage int) error

	Capabilities() Capabilities
	// AmountPrecision returns the quantity decimal places for a symbol
	// (falls back to 8 when markets are not loaded).
	AmountPrecision(symbol string) int

	Close() error
}

// WaitForOrderFill polls FetchOrder until the order reaches a terminal
// status or maxWait elapses, returning the latest snapshot either way.
func WaitForOrderFill(ctx context.Context, a Adapter, orderID, symbol string, maxWait, pollInterval time.Duration) (*OrderResult, error) {
	deadline := time.Now().Add(maxWait)
	var last *OrderResult

	for {
		res, err := a.FetchOrder(ctx, orderID, symbol)
		if err == nil {
			last = res
			switch res.Status {
			case OrderStatusClosed, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired:
				return res, nil
			}
		}

		if time.Now().After(deadline) {
			if last != nil {
				return last, nil
			}
			return nil, err
		}

		timer := time.NewTimer(pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			if last != nil {
				return last, ctx.Err()
			}
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}
