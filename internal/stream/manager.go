package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ajitpratap0/perpcycle/internal/cache"
	"github.com/ajitpratap0/perpcycle/internal/exchange"
)

// DefaultEndpoint is the Binance USDT-M futures combined stream base.
const DefaultEndpoint = "wss://fstream.binance.com/stream"

const (
	windowLimit          = 100
	maxReconnectAttempts = 5
	readTimeout          = 90 * time.Second
	pingInterval         = 50 * time.Second
)

// Reconnect backoff bounds; vars so tests can shrink them.
var (
	reconnectInitialDelay = time.Second
	reconnectMaxDelay     = 30 * time.Second
)

type slotKey struct {
	symbol    string
	timeframe string
}

func (k slotKey) String() string { return k.symbol + "@" + k.timeframe }

type slot struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager supervises one WebSocket kline subscription per (symbol,
// timeframe) and writes closed and partial candles back into the shared
// cache window.
type Manager struct {
	adapter  exchange.Adapter
	cache    *cache.Cache
	endpoint string
	logger   zerolog.Logger

	mu         sync.Mutex
	slots      map[slotKey]*slot
	failed     map[slotKey]struct{}
	lastClosed map[slotKey]int64 // open time of the newest closed candle written
	reconnects int64
}

// NewManager builds a stream manager over the shared cache. The adapter
// serves the REST pre-population on first subscribe.
func NewManager(adapter exchange.Adapter, c *cache.Cache, endpoint string) *Manager {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	return &Manager{
		adapter:    adapter,
		cache:      c,
		endpoint:   endpoint,
		logger:     log.With().Str("component", "stream").Logger(),
		slots:      make(map[slotKey]*slot),
		failed:     make(map[slotKey]struct{}),
		lastClosed: make(map[slotKey]int64),
	}
}

func ohlcvNS(timeframe string) string { return "ohlcv_" + timeframe }

func ohlcvKey(symbol string) string { return fmt.Sprintf("%s:%d", symbol, windowLimit) }

// streamName converts a core symbol and timeframe to the exchange's
// combined-stream segment (BTC/USDT, 3m -> btcusdt@kline_3m).
func streamName(symbol, timeframe string) string {
	return strings.ToLower(strings.ReplaceAll(symbol, "/", "")) + "@kline_" + timeframe
}

// SyncSubscriptions reconciles running subscriptions with the desired
// (symbols × timeframes) set: new pairs are started with a REST
// pre-population, dropped pairs are stopped, previously failed pairs
// still wanted are retried.
func (m *Manager) SyncSubscriptions(ctx context.Context, symbols, timeframes []string) {
	desired := make(map[slotKey]struct{}, len(symbols)*len(timeframes))
	for _, s := range symbols {
		for _, tf := range timeframes {
			desired[slotKey{symbol: s, timeframe: tf}] = struct{}{}
		}
	}

	m.mu.Lock()
	var toStop []slotKey
	for k := range m.slots {
		if _, want := desired[k]; !want {
			toStop = append(toStop, k)
		}
	}
	var toStart []slotKey
	for k := range desired {
		_, running := m.slots[k]
		_, failed := m.failed[k]
		if !running || failed {
			if failed {
				delete(m.failed, k)
			}
			if !running {
				toStart = append(toStart, k)
			}
		}
	}
	m.mu.Unlock()

	for _, k := range toStop {
		m.stopSlot(k)
	}
	for _, k := range toStart {
		m.startSlot(ctx, k)
	}

	if len(toStart) > 0 || len(toStop) > 0 {
		m.logger.Info().
			Int("started", len(toStart)).
			Int("stopped", len(toStop)).
			Int("active", m.ActiveCount()).
			Msg("Subscriptions reconciled")
	}
}

func (m *Manager) startSlot(ctx context.Context, k slotKey) {
	// Pre-populate the window so downstream reads never cold-start.
	if _, ok := m.cache.Get(ohlcvNS(k.timeframe), ohlcvKey(k.symbol)); !ok {
		candles, err := m.adapter.FetchOHLCV(ctx, k.symbol, k.timeframe, 0, windowLimit)
		if err != nil {
			m.logger.Warn().Err(err).Str("pair", k.String()).Msg("OHLCV pre-population failed")
		} else if len(candles) > 0 {
			m.cache.Set(ohlcvNS(k.timeframe), ohlcvKey(k.symbol), candles)
		}
	}

	slotCtx, cancel := context.WithCancel(context.Background())
	s := &slot{cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	m.slots[k] = s
	m.mu.Unlock()

	go m.run(slotCtx, k, s)
}

func (m *Manager) stopSlot(k slotKey) {
	m.mu.Lock()
	s, ok := m.slots[k]
	if ok {
		delete(m.slots, k)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	s.cancel()
	<-s.done
}

// run is the supervised loop for one subscription: dial, consume, and on
// error back off exponentially; after maxReconnectAttempts consecutive
// failures the pair is marked failed and the task exits (the next
// SyncSubscriptions retries it).
func (m *Manager) run(ctx context.Context, k slotKey, s *slot) {
	defer close(s.done)
	// The slot context must die with the loop; the failed-exit path has
	// no stopSlot call left to cancel it.
	defer s.cancel()

	url := m.endpoint + "?streams=" + streamName(k.symbol, k.timeframe)
	delay := reconnectInitialDelay
	attempts := 0

	for {
		if ctx.Err() != nil {
			return
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			attempts++
			m.mu.Lock()
			m.reconnects++
			m.mu.Unlock()
			if attempts >= maxReconnectAttempts {
				m.markFailed(k)
				return
			}
			m.logger.Warn().Err(err).Str("pair", k.String()).
				Int("attempt", attempts).Dur("backoff", delay).
				Msg("Stream dial failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay = min(delay*2, reconnectMaxDelay)
			continue
		}

		if err := m.consume(ctx, conn, k); err != nil && ctx.Err() == nil {
			attempts++
			m.mu.Lock()
			m.reconnects++
			m.mu.Unlock()
			if attempts >= maxReconnectAttempts {
				m.markFailed(k)
				return
			}
			m.logger.Warn().Err(err).Str("pair", k.String()).
				Int("attempt", attempts).Msg("Stream read failed, reconnecting")
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay = min(delay*2, reconnectMaxDelay)
			continue
		}
		return
	}
}

func (m *Manager) markFailed(k slotKey) {
	m.mu.Lock()
	m.failed[k] = struct{}{}
	delete(m.slots, k)
	m.mu.Unlock()
	m.logger.Error().Str("pair", k.String()).Msg("Stream subscription failed after max attempts")
}

// combinedMessage is the combined-stream envelope.
type combinedMessage struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type klineEvent struct {
	EventType string `json:"e"`
	Kline     struct {
		OpenTime  int64  `json:"t"`
		CloseTime int64  `json:"T"`
		Open      string `json:"o"`
		High      string `json:"h"`
		Low       string `json:"l"`
		Close     string `json:"c"`
		Volume    string `json:"v"`
		Closed    bool   `json:"x"`
	} `json:"k"`
}

func (m *Manager) consume(ctx context.Context, conn *websocket.Conn, k slotKey) error {
	// Each connection gets its own keepalive goroutine; tie its lifetime
	// to this consume call so a reconnect does not stack pingers.
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer conn.Close()

	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-connCtx.Done():
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second))
				_ = conn.Close()
				return
			case <-ticker.C:
				_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			}
		}
	}()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		var envelope combinedMessage
		if err := json.Unmarshal(payload, &envelope); err != nil {
			m.logger.Debug().Err(err).Str("pair", k.String()).Msg("Unparseable stream message")
			continue
		}
		var event klineEvent
		if err := json.Unmarshal(envelope.Data, &event); err != nil || event.EventType != "kline" {
			continue
		}

		candle, err := parseKline(event)
		if err != nil {
			m.logger.Debug().Err(err).Str("pair", k.String()).Msg("Unparseable kline")
			continue
		}
		m.applyKline(k, candle, event.Kline.Closed)
	}
}

func parseKline(event klineEvent) (exchange.Candle, error) {
	k := event.Kline
	open, err := strconv.ParseFloat(k.Open, 64)
	if err != nil {
		return exchange.Candle{}, err
	}
	high, err := strconv.ParseFloat(k.High, 64)
	if err != nil {
		return exchange.Candle{}, err
	}
	low, err := strconv.ParseFloat(k.Low, 64)
	if err != nil {
		return exchange.Candle{}, err
	}
	closePx, err := strconv.ParseFloat(k.Close, 64)
	if err != nil {
		return exchange.Candle{}, err
	}
	volume, err := strconv.ParseFloat(k.Volume, 64)
	if err != nil {
		return exchange.Candle{}, err
	}
	return exchange.Candle{
		OpenTime:  k.OpenTime,
		CloseTime: k.CloseTime,
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closePx,
		Volume:    volume,
	}, nil
}

// applyKline merges one pushed candle into the cached window. Closed
// candles only move the window forward (monotonic by open time); open
// candles replace the in-progress tail. The cached slice is never
// mutated: readers hold whatever window they fetched, so every update
// builds a fresh slice and swaps it in with cache.Set.
func (m *Manager) applyKline(k slotKey, candle exchange.Candle, closed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if closed {
		if candle.OpenTime <= m.lastClosed[k] {
			return
		}
		m.lastClosed[k] = candle.OpenTime
	}

	ns, key := ohlcvNS(k.timeframe), ohlcvKey(k.symbol)
	var window []exchange.Candle
	if v, ok := m.cache.Get(ns, key); ok {
		if w, ok := v.([]exchange.Candle); ok {
			window = w
		}
	}

	n := len(window)
	var next []exchange.Candle
	switch {
	case n > 0 && window[n-1].OpenTime == candle.OpenTime:
		next = make([]exchange.Candle, n)
		copy(next, window)
		next[n-1] = candle
	case n == 0 || candle.OpenTime > window[n-1].OpenTime:
		next = make([]exchange.Candle, n, n+1)
		copy(next, window)
		next = append(next, candle)
		if len(next) > windowLimit {
			next = next[len(next)-windowLimit:]
		}
	default:
		// Stale push older than the window tail.
		return
	}
	m.cache.Set(ns, key, next)
}

// GetLatestOHLCV returns the candle window for (symbol, timeframe):
// cache first, then REST with writeback, then empty.
func (m *Manager) GetLatestOHLCV(ctx context.Context, symbol, timeframe string, limit int) []exchange.Candle {
	ns, key := ohlcvNS(timeframe), ohlcvKey(symbol)
	if v, ok := m.cache.Get(ns, key); ok {
		if window, ok := v.([]exchange.Candle); ok {
			if limit > 0 && len(window) > limit {
				return window[len(window)-limit:]
			}
			return window
		}
	}

	candles, err := m.adapter.FetchOHLCV(ctx, symbol, timeframe, 0, windowLimit)
	if err != nil {
		m.logger.Warn().Err(err).Str("symbol", symbol).Str("timeframe", timeframe).
			Msg("OHLCV fallback fetch failed")
		return nil
	}
	if len(candles) > 0 {
		m.cache.Set(ns, key, candles)
	}
	if limit > 0 && len(candles) > limit {
		return candles[len(candles)-limit:]
	}
	return candles
}

// Stats is the operational snapshot surfaced on the ops API.
type Stats struct {
	ActiveSubscriptions int      `json:"active_subscriptions"`
	Reconnects          int64    `json:"reconnects"`
	Failed              []string `json:"failed,omitempty"`
}

// Stats returns the current subscription counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	failed := make([]string, 0, len(m.failed))
	for k := range m.failed {
		failed = append(failed, k.String())
	}
	return Stats{
		ActiveSubscriptions: len(m.slots),
		Reconnects:          m.reconnects,
		Failed:              failed,
	}
}

// ActiveCount returns the number of running subscriptions.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.slots)
}

// Shutdown stops every subscription and waits for the tasks to drain.
// Safe to call more than once.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	slots := make(map[slotKey]*slot, len(m.slots))
	for k, s := range m.slots {
		slots[k] = s
	}
	m.slots = make(map[slotKey]*slot)
	m.mu.Unlock()

	for _, s := range slots {
		s.cancel()
	}
	for _, s := range slots {
		<-s.done
	}
	if len(slots) > 0 {
		m.logger.Info().Int("stopped", len(slots)).Msg("Stream manager shut down")
	}
}
