package exchange

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	binance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/rs/zerolog/log"

	"github.com/ajitpratap0/perpcycle/internal/ratelimit"
)

// BinanceAdapter implements Adapter against Binance USDT-M perpetual
// futures. Symbols use the "BASE/QUOTE" form throughout the core and are
// normalized to the exchange's concatenated form at this boundary.
type BinanceAdapter struct {
	client  *futures.Client
	limiter *ratelimit.Limiter

	mu         sync.RWMutex
	markets    map[string]Market // core symbol -> market
	fromNative map[string]string // exchange symbol -> core symbol

	testnet     bool
	retryConfig RetryConfig
}

// BinanceConfig contains configuration for the Binance futures adapter
type BinanceConfig struct {
	APIKey      string
	SecretKey   string
	Testnet     bool
	RetryConfig RetryConfig
}

// NewBinanceAdapter creates a Binance USDT-M futures adapter. All REST
// calls pass through the given rate limiter.
func NewBinanceAdapter(config BinanceConfig, limiter *ratelimit.Limiter) *BinanceAdapter {
	if config.Testnet {
		futures.UseTestnet = true
		log.Info().Msg("Binance futures adapter initialized (TESTNET mode)")
	} else {
		log.Warn().Msg("Binance futures adapter initialized (LIVE TRADING mode)")
	}
	if config.RetryConfig.MaxRetries == 0 {
		config.RetryConfig = DefaultRetryConfig()
	}

	return &BinanceAdapter{
		client:      binance.NewFuturesClient(config.APIKey, config.SecretKey),
		limiter:     limiter,
		markets:     make(map[string]Market),
		fromNative:  make(map[string]string),
		testnet:     config.Testnet,
		retryConfig: config.RetryConfig,
	}
}

// Name returns "binance".
func (b *BinanceAdapter) Name() string { return "binance" }

// Capabilities reports the futures client feature flags. The futures REST
// API has no attached SL/TP on the main order, so the execution layer
// places separate reduce-only stop orders.
func (b *BinanceAdapter) Capabilities() Capabilities {
	return Capabilities{
		AttachedSLTP:       false,
		FundingRates:       true,
		FundingRateHistory: true,
		OpenInterests:      true,
	}
}

// toNative converts "BTC/USDT" to "BTCUSDT".
func toNative(symbol string) string {
	return strings.ReplaceAll(symbol, "/", "")
}

func (b *BinanceAdapter) toCore(native string) string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if core, ok := b.fromNative[native]; ok {
		return core
	}
	return native
}

// call wraps one REST operation in rate limiting and retry.
func (b *BinanceAdapter) call(ctx context.Context, op RetryableOperation) error {
	if b.limiter != nil {
		if err := b.limiter.WaitIfNeeded(ctx); err != nil {
			return err
		}
	}
	return WithRetry(ctx, b.retryConfig, op)
}

// LoadMarkets fetches exchange info and caches perp market metadata.
func (b *BinanceAdapter) LoadMarkets(ctx context.Context) (map[string]Market, error) {
	var info *futures.ExchangeInfo
	err := b.call(ctx, func() error {
		var err error
		info, err = b.client.NewExchangeInfoService().Do(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("load markets: %w", err)
	}

	markets := make(map[string]Market, len(info.Symbols))
	fromNative := make(map[string]string, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.ContractType != futures.ContractTypePerpetual {
			continue
		}
		core := s.BaseAsset + "/" + s.QuoteAsset
		m := Market{
			Symbol:          core,
			Base:            s.BaseAsset,
			Quote:           s.QuoteAsset,
			Active:          s.Status == "TRADING",
			ContractType:    "swap",
			AmountPrecision: s.QuantityPrecision,
			PricePrecision:  s.PricePrecision,
		}
		if f := s.MinNotionalFilter(); f != nil {
			m.MinNotional, _ = strconv.ParseFloat(f.Notional, 64)
		}
		if f := s.LotSizeFilter(); f != nil {
			m.MinAmount, _ = strconv.ParseFloat(f.MinQuantity, 64)
		}
		markets[core] = m
		fromNative[s.Symbol] = core
	}

	b.mu.Lock()
	b.markets = markets
	b.fromNative = fromNative
	b.mu.Unlock()

	log.Info().Int("markets", len(markets)).Msg("Binance futures markets loaded")
	return markets, nil
}

// Market returns cached metadata for one symbol.
func (b *BinanceAdapter) Market(symbol string) (Market, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	m, ok := b.markets[symbol]
	return m, ok
}

// AmountPrecision returns the quantity precision for a symbol, defaulting
// to 8 when markets are not loaded.
func (b *BinanceAdapter) AmountPrecision(symbol string) int {
	if m, ok := b.Market(symbol); ok {
		return m.AmountPrecision
	}
	return 8
}

// FetchOHLCV returns candles for symbol/timeframe.
func (b *BinanceAdapter) FetchOHLCV(ctx context.Context, symbol, timeframe string, since int64, limit int) ([]Candle, error) {
	if limit <= 0 {
		limit = 100
	}
	svc := b.client.NewKlinesService().
		Symbol(toNative(symbol)).
		Interval(timeframe).
		Limit(limit)
	if since > 0 {
		svc = svc.StartTime(since)
	}

	var klines []*futures.Kline
	err := b.call(ctx, func() error {
		var err error
		klines, err = svc.Do(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("fetch ohlcv %s %s: %w", symbol, timeframe, err)
	}

	candles := make([]Candle, 0, len(klines))
	for _, k := range klines {
		candles = append(candles, Candle{
			OpenTime:  k.OpenTime,
			Open:      parseF(k.Open),
			High:      parseF(k.High),
			Low:       parseF(k.Low),
			Close:     parseF(k.Close),
			Volume:    parseF(k.Volume),
			CloseTime: k.CloseTime,
		})
	}
	return candles, nil
}

// FetchTicker returns the 24h stats for one symbol.
func (b *BinanceAdapter) FetchTicker(ctx context.Context, symbol string) (*Ticker, error) {
	var stats []*futures.PriceChangeStats
	err := b.call(ctx, func() error {
		var err error
		stats, err = b.client.NewListPriceChangeStatsService().Symbol(toNative(symbol)).Do(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("fetch ticker %s: %w", symbol, err)
	}
	if len(stats) == 0 {
		return nil, fmt.Errorf("fetch ticker %s: empty response", symbol)
	}
	return b.statsToTicker(stats[0]), nil
}

// FetchTickers returns 24h stats for the requested symbols (all perp
// symbols when the list is empty). One batch REST call.
func (b *BinanceAdapter) FetchTickers(ctx context.Context, symbols []string) (map[string]*Ticker, error) {
	var stats []*futures.PriceChangeStats
	err := b.call(ctx, func() error {
		var err error
		stats, err = b.client.NewListPriceChangeStatsService().Do(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("fetch tickers: %w", err)
	}

	want := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		want[s] = true
	}

	out := make(map[string]*Ticker)
	for _, st := range stats {
		core := b.toCore(st.Symbol)
		if len(symbols) > 0 && !want[core] {
			continue
		}
		out[core] = b.statsToTicker(st)
	}
	return out, nil
}

func (b *BinanceAdapter) statsToTicker(st *futures.PriceChangeStats) *Ticker {
	return &Ticker{
		Symbol:      b.toCore(st.Symbol),
		Last:        parseF(st.LastPrice),
		QuoteVolume: parseF(st.QuoteVolume),
		ChangePct:   parseF(st.PriceChangePercent),
		Timestamp:   st.CloseTime,
	}
}

// FetchOrderBook returns a depth snapshot.
func (b *BinanceAdapter) FetchOrderBook(ctx context.Context, symbol string, depth int) (*OrderBook, error) {
	if depth <= 0 {
		depth = 20
	}
	var resp *futures.DepthResponse
	err := b.call(ctx, func() error {
		var err error
		resp, err = b.client.NewDepthService().Symbol(toNative(symbol)).Limit(depth).Do(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("fetch order book %s: %w", symbol, err)
	}

	ob := &OrderBook{Symbol: symbol, Timestamp: time.Now().UnixMilli()}
	for _, lvl := range resp.Bids {
		ob.Bids = append(ob.Bids, OrderBookLevel{Price: parseF(lvl.Price), Amount: parseF(lvl.Quantity)})
	}
	for _, lvl := range resp.Asks {
		ob.Asks = append(ob.Asks, OrderBookLevel{Price: parseF(lvl.Price), Amount: parseF(lvl.Quantity)})
	}
	return ob, nil
}

// FetchTrades returns recent public trades (aggregated prints).
func (b *BinanceAdapter) FetchTrades(ctx context.Context, symbol string, limit int) ([]Trade, error) {
	if limit <= 0 {
		limit = 100
	}
	var aggs []*futures.AggTrade
	err := b.call(ctx, func() error {
		var err error
		aggs, err = b.client.NewAggTradesService().Symbol(toNative(symbol)).Limit(limit).Do(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("fetch trades %s: %w", symbol, err)
	}

	trades := make([]Trade, 0, len(aggs))
	for _, a := range aggs {
		side := OrderSideBuy
		if a.IsBuyerMaker {
			// The aggressor sold into resting bids.
			side = OrderSideSell
		}
		trades = append(trades, Trade{
			ID:        strconv.FormatInt(a.AggTradeID, 10),
			Symbol:    symbol,
			Side:      side,
			Price:     parseF(a.Price),
			Amount:    parseF(a.Quantity),
			Timestamp: a.Timestamp,
		})
	}
	return trades, nil
}

// FetchFundingRates returns the current funding rate per symbol via the
// premium index endpoint (one batch call).
func (b *BinanceAdapter) FetchFundingRates(ctx context.Context, symbols []string) (map[string]*FundingRate, error) {
	var premiums []*futures.PremiumIndex
	err := b.call(ctx, func() error {
		var err error
		premiums, err = b.client.NewPremiumIndexService().Do(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("fetch funding rates: %w", err)
	}

	want := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		want[s] = true
	}

	out := make(map[string]*FundingRate)
	for _, p := range premiums {
		core := b.toCore(p.Symbol)
		if len(symbols) > 0 && !want[core] {
			continue
		}
		out[core] = &FundingRate{
			Symbol:          core,
			Rate:            parseF(p.LastFundingRate),
			NextFundingTime: p.NextFundingTime,
			Timestamp:       p.Time,
		}
	}
	return out, nil
}

// FetchFundingRateHistory returns historical funding settlements.
func (b *BinanceAdapter) FetchFundingRateHistory(ctx context.Context, symbol string, since int64, limit int) ([]FundingRate, error) {
	if limit <= 0 {
		limit = 100
	}
	svc := b.client.NewFundingRateService().Symbol(toNative(symbol)).Limit(limit)
	if since > 0 {
		svc = svc.StartTime(since)
	}

	var rows []*futures.FundingRate
	err := b.call(ctx, func() error {
		var err error
		rows, err = svc.Do(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("fetch funding history %s: %w", symbol, err)
	}

	out := make([]FundingRate, 0, len(rows))
	for _, r := range rows {
		out = append(out, FundingRate{
			Symbol:    symbol,
			Rate:      parseF(r.FundingRate),
			Timestamp: r.FundingTime,
		})
	}
	return out, nil
}

// FetchOpenInterest returns the current open interest in base units.
func (b *BinanceAdapter) FetchOpenInterest(ctx context.Context, symbol string) (float64, error) {
	var oi *futures.OpenInterest
	err := b.call(ctx, func() error {
		var err error
		oi, err = b.client.NewGetOpenInterestService().Symbol(toNative(symbol)).Do(ctx)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("fetch open interest %s: %w", symbol, err)
	}
	return parseF(oi.OpenInterest), nil
}

// FetchBalance returns the futures wallet snapshot.
func (b *BinanceAdapter) FetchBalance(ctx context.Context) (*Account, error) {
	var balances []*futures.Balance
	err := b.call(ctx, func() error {
		var err error
		balances, err = b.client.NewGetBalanceService().Do(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("fetch balance: %w", err)
	}

	account := &Account{
		Timestamp: time.Now(),
		Balances:  make(map[string]Balance),
	}
	for _, bal := range balances {
		total := parseF(bal.Balance)
		free := parseF(bal.AvailableBalance)
		if total == 0 && free == 0 {
			continue
		}
		account.Balances[bal.Asset] = Balance{
			Free:  free,
			Used:  total - free,
			Total: total,
		}
	}
	return account, nil
}

// FetchPositions returns open positions. An empty symbol list returns all.
func (b *BinanceAdapter) FetchPositions(ctx context.Context, symbols []string) ([]Position, error) {
	var risks []*futures.PositionRisk
	err := b.call(ctx, func() error {
		var err error
		risks, err = b.client.NewGetPositionRiskService().Do(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("fetch positions: %w", err)
	}

	want := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		want[s] = true
	}

	var positions []Position
	for _, r := range risks {
		amt := parseF(r.PositionAmt)
		if amt == 0 {
			continue
		}
		core := b.toCore(r.Symbol)
		if len(symbols) > 0 && !want[core] {
			continue
		}

		side := OrderSideBuy
		if amt < 0 {
			side = OrderSideSell
			amt = -amt
		}
		leverage := parseF(r.Leverage)
		if leverage < 1 {
			leverage = 1
		}
		positions = append(positions, Position{
			ID:            core + ":" + string(side),
			Symbol:        core,
			Side:          side,
			Type:          OrderTypeMarket,
			Status:        "open",
			EntryPrice:    parseF(r.EntryPrice),
			MarkPrice:     parseF(r.MarkPrice),
			Amount:        amt,
			Leverage:      leverage,
			UnrealizedPnL: parseF(r.UnRealizedProfit),
		})
	}
	return positions, nil
}

// SetLeverage sets the leverage for a symbol.
func (b *BinanceAdapter) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return b.call(ctx, func() error {
		_, err := b.client.NewChangeLeverageService().
			Symbol(toNative(symbol)).
			Leverage(leverage).
			Do(ctx)
		return err
	})
}

// CreateOrder places an order. Validation failures come back as a
// rejected OrderResult with a nil error: a rejection is data for the risk
// layer, not a transport fault.
func (b *BinanceAdapter) CreateOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	if err := validateOrderRequest(req); err != nil {
		log.Warn().
			Err(err).
			Str("symbol", req.Symbol).
			Str("side", string(req.Side)).
			Msg("Order validation failed")
		return &OrderResult{
			Symbol:    req.Symbol,
			Side:      req.Side,
			Type:      req.Type,
			Status:    OrderStatusRejected,
			Requested: req.Amount,
			Remaining: req.Amount,
			Message:   err.Error(),
			Timestamp: time.Now(),
		}, nil
	}

	if req.Leverage > 0 {
		if err := b.SetLeverage(ctx, req.Symbol, req.Leverage); err != nil {
			log.Warn().
				Err(err).
				Str("symbol", req.Symbol).
				Int("leverage", req.Leverage).
				Msg("Failed to set leverage, proceeding with current")
		}
	}

	svc := b.client.NewCreateOrderService().
		Symbol(toNative(req.Symbol)).
		Side(nativeSide(req.Side)).
		Quantity(formatAmount(req.Amount, b.AmountPrecision(req.Symbol)))

	switch {
	case req.StopPrice > 0 && req.ReduceOnly:
		// Reduce-only stop: STOP_MARKET or TAKE_PROFIT_MARKET depending
		// on which side of the mark the trigger sits, per caller choice.
		orderType := futures.OrderTypeStopMarket
		if req.Type == OrderTypeLimit {
			orderType = futures.OrderTypeTakeProfitMarket
		}
		svc = svc.Type(orderType).
			StopPrice(formatAmount(req.StopPrice, b.pricePrecision(req.Symbol))).
			WorkingType(futures.WorkingTypeMarkPrice).
			ReduceOnly(true)
	case req.Type == OrderTypeLimit:
		svc = svc.Type(futures.OrderTypeLimit).
			TimeInForce(futures.TimeInForceTypeGTC).
			Price(formatAmount(req.Price, b.pricePrecision(req.Symbol)))
		if req.ReduceOnly {
			svc = svc.ReduceOnly(true)
		}
	default:
		svc = svc.Type(futures.OrderTypeMarket)
		if req.ReduceOnly {
			svc = svc.ReduceOnly(true)
		}
	}
	if req.ClientOrderID != "" {
		svc = svc.NewClientOrderID(req.ClientOrderID)
	}

	var resp *futures.CreateOrderResponse
	err := b.call(ctx, func() error {
		var err error
		resp, err = svc.Do(ctx)
		return err
	})
	if err != nil {
		log.Error().
			Err(err).
			Str("symbol", req.Symbol).
			Str("side", string(req.Side)).
			Float64("amount", req.Amount).
			Msg("Order placement failed")
		return &OrderResult{
			Symbol:    req.Symbol,
			Side:      req.Side,
			Type:      req.Type,
			Status:    OrderStatusRejected,
			Requested: req.Amount,
			Remaining: req.Amount,
			Message:   err.Error(),
			Timestamp: time.Now(),
		}, nil
	}

	filled := parseF(resp.ExecutedQuantity)
	avg := parseF(resp.AvgPrice)
	if avg == 0 && filled > 0 {
		avg = parseF(resp.CumQuote) / filled
	}
	result := &OrderResult{
		Success:      true,
		OrderID:      strconv.FormatInt(resp.OrderID, 10),
		Symbol:       req.Symbol,
		Side:         req.Side,
		Type:         req.Type,
		Status:       mapOrderStatus(resp.Status),
		Requested:    req.Amount,
		Filled:       filled,
		Remaining:    req.Amount - filled,
		AveragePrice: avg,
		FeeCost:      FeesFor("binance").Cost(req.Type, filled*avg),
		Raw:          resp,
		Timestamp:    time.Now(),
	}

	log.Info().
		Str("symbol", req.Symbol).
		Str("side", string(req.Side)).
		Str("order_id", result.OrderID).
		Str("status", string(result.Status)).
		Float64("filled", filled).
		Msg("Order placed")

	return result, nil
}

// EditOrder replaces a resting order by cancel + re-create. The futures
// modify endpoint only covers limit price/quantity and rejects everything
// else, so cancel-and-replace is the uniform path.
func (b *BinanceAdapter) EditOrder(ctx context.Context, orderID, symbol string, req OrderRequest) (*OrderResult, error) {
	if err := b.CancelOrder(ctx, orderID, symbol); err != nil {
		return nil, fmt.Errorf("edit order %s: cancel failed: %w", orderID, err)
	}
	return b.CreateOrder(ctx, req)
}

// CancelOrder cancels one order.
func (b *BinanceAdapter) CancelOrder(ctx context.Context, orderID, symbol string) error {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid order id %q: %w", orderID, err)
	}
	return b.call(ctx, func() error {
		_, err := b.client.NewCancelOrderService().
			Symbol(toNative(symbol)).
			OrderID(id).
			Do(ctx)
		return err
	})
}

// CancelAllOrders cancels every open order on a symbol.
func (b *BinanceAdapter) CancelAllOrders(ctx context.Context, symbol string) error {
	return b.call(ctx, func() error {
		return b.client.NewCancelAllOpenOrdersService().
			Symbol(toNative(symbol)).
			Do(ctx)
	})
}

// FetchOrder returns the current snapshot of one order.
func (b *BinanceAdapter) FetchOrder(ctx context.Context, orderID, symbol string) (*OrderResult, error) {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid order id %q: %w", orderID, err)
	}

	var order *futures.Order
	err = b.call(ctx, func() error {
		var err error
		order, err = b.client.NewGetOrderService().
			Symbol(toNative(symbol)).
			OrderID(id).
			Do(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("fetch order %s: %w", orderID, err)
	}

	requested := parseF(order.OrigQuantity)
	filled := parseF(order.ExecutedQuantity)
	avg := parseF(order.AvgPrice)
	if avg == 0 && filled > 0 {
		avg = parseF(order.CumQuote) / filled
	}
	side := OrderSideBuy
	if order.Side == futures.SideTypeSell {
		side = OrderSideSell
	}
	return &OrderResult{
		Success:      true,
		OrderID:      orderID,
		Symbol:       symbol,
		Side:         side,
		Status:       mapOrderStatus(order.Status),
		Requested:    requested,
		Filled:       filled,
		Remaining:    requested - filled,
		AveragePrice: avg,
		FeeCost:      FeesFor("binance").Cost(OrderTypeMarket, filled*avg),
		Raw:          order,
		Timestamp:    time.Now(),
	}, nil
}

// Close releases adapter resources. The futures client holds no
// long-lived connections, so this only logs.
func (b *BinanceAdapter) Close() error {
	log.Debug().Msg("Binance adapter closed")
	return nil
}

func (b *BinanceAdapter) pricePrecision(symbol string) int {
	if m, ok := b.Market(symbol); ok {
		return m.PricePrecision
	}
	return 8
}

func validateOrderRequest(req OrderRequest) error {
	if req.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if req.Amount <= 0 {
		return fmt.Errorf("amount must be positive, got %f", req.Amount)
	}
	if req.Side != OrderSideBuy && req.Side != OrderSideSell {
		return fmt.Errorf("invalid side: %s", req.Side)
	}
	if req.Type == OrderTypeLimit && req.Price <= 0 && req.StopPrice <= 0 {
		return fmt.Errorf("limit order requires a positive price")
	}
	return nil
}

func nativeSide(side OrderSide) futures.SideType {
	if side == OrderSideSell {
		return futures.SideTypeSell
	}
	return futures.SideTypeBuy
}

func mapOrderStatus(status futures.OrderStatusType) OrderStatus {
	switch status {
	case futures.OrderStatusTypeNew, futures.OrderStatusTypePartiallyFilled:
		return OrderStatusOpen
	case futures.OrderStatusTypeFilled:
		return OrderStatusClosed
	case futures.OrderStatusTypeCanceled:
		return OrderStatusCanceled
	case futures.OrderStatusTypeRejected:
		return OrderStatusRejected
	case futures.OrderStatusTypeExpired:
		return OrderStatusExpired
	default:
		return OrderStatusPending
	}
}

func formatAmount(v float64, decimals int) string {
	return strconv.FormatFloat(v, 'f', decimals, 64)
}

func parseF(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
