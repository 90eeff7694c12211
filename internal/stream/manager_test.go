package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/perpcycle/internal/cache"
	"github.com/ajitpratap0/perpcycle/internal/exchange"
)

// wsServer is a scripted combined-stream endpoint: each connection
// receives the queued frames, then blocks until the test closes it.
type wsServer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu     sync.Mutex
	frames [][]byte
	conns  []*websocket.Conn
	dials  int
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	ws := &wsServer{}
	ws.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := ws.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ws.mu.Lock()
		ws.dials++
		ws.conns = append(ws.conns, conn)
		frames := make([][]byte, len(ws.frames))
		copy(frames, ws.frames)
		ws.mu.Unlock()

		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, f); err != nil {
				return
			}
		}
		// Hold the connection open; reads discard client frames.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(func() {
		ws.mu.Lock()
		for _, c := range ws.conns {
			_ = c.Close()
		}
		ws.mu.Unlock()
		ws.srv.Close()
	})
	return ws
}

func (ws *wsServer) url() string {
	return "ws" + strings.TrimPrefix(ws.srv.URL, "http")
}

func (ws *wsServer) queue(frame []byte) {
	ws.mu.Lock()
	ws.frames = append(ws.frames, frame)
	ws.mu.Unlock()
}

func klineFrame(t *testing.T, stream string, openTime int64, closePx float64, closed bool) []byte {
	t.Helper()
	frame, err := json.Marshal(map[string]any{
		"stream": stream,
		"data": map[string]any{
			"e": "kline",
			"k": map[string]any{
				"t": openTime,
				"T": openTime + 180_000 - 1,
				"o": fmt.Sprintf("%.2f", closePx-1),
				"h": fmt.Sprintf("%.2f", closePx+1),
				"l": fmt.Sprintf("%.2f", closePx-2),
				"c": fmt.Sprintf("%.2f", closePx),
				"v": "100",
				"x": closed,
			},
		},
	})
	require.NoError(t, err)
	return frame
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestStreamName(t *testing.T) {
	assert.Equal(t, "btcusdt@kline_3m", streamName("BTC/USDT", "3m"))
}

func TestSyncSubscriptionsPrePopulatesAndReconciles(t *testing.T) {
	ws := newWSServer(t)
	mock := exchange.NewMockAdapter(1000)
	seed := []exchange.Candle{{OpenTime: 1_000, Close: 100}}
	mock.SetCandles("BTC/USDT", "3m", seed)

	c := cache.New()
	m := NewManager(mock, c, ws.url())
	defer m.Shutdown()

	m.SyncSubscriptions(context.Background(), []string{"BTC/USDT"}, []string{"3m"})
	assert.Equal(t, 1, m.ActiveCount())

	// REST pre-population landed in the cache before the stream started.
	v, ok := c.Get("ohlcv_3m", "BTC/USDT:100")
	require.True(t, ok)
	assert.Equal(t, seed, v.([]exchange.Candle))

	// Dropping the symbol stops its subscription.
	m.SyncSubscriptions(context.Background(), nil, []string{"3m"})
	assert.Equal(t, 0, m.ActiveCount())
}

func TestKlinePushUpdatesWindow(t *testing.T) {
	ws := newWSServer(t)
	stream := streamName("BTC/USDT", "3m")
	ws.queue(klineFrame(t, stream, 180_000, 101, true))  // closed candle
	ws.queue(klineFrame(t, stream, 360_000, 102, false)) // partial next candle
	ws.queue(klineFrame(t, stream, 360_000, 103, false)) // partial update

	mock := exchange.NewMockAdapter(1000)
	mock.SetCandles("BTC/USDT", "3m", []exchange.Candle{{OpenTime: 0, Close: 100}})

	c := cache.New()
	m := NewManager(mock, c, ws.url())
	defer m.Shutdown()

	m.SyncSubscriptions(context.Background(), []string{"BTC/USDT"}, []string{"3m"})

	waitFor(t, func() bool {
		v, ok := c.Get("ohlcv_3m", "BTC/USDT:100")
		if !ok {
			return false
		}
		w := v.([]exchange.Candle)
		return len(w) == 3 && w[2].Close == 103
	}, "window never reached the partial update")

	v, _ := c.Get("ohlcv_3m", "BTC/USDT:100")
	w := v.([]exchange.Candle)
	assert.Equal(t, int64(0), w[0].OpenTime)
	assert.Equal(t, int64(180_000), w[1].OpenTime)
	assert.Equal(t, 101.0, w[1].Close)
	assert.Equal(t, int64(360_000), w[2].OpenTime)
}

func TestClosedCandleMonotonicity(t *testing.T) {
	mock := exchange.NewMockAdapter(1000)
	c := cache.New()
	m := NewManager(mock, c, "ws://unused")
	k := slotKey{symbol: "BTC/USDT", timeframe: "3m"}

	m.applyKline(k, exchange.Candle{OpenTime: 360_000, Close: 102}, true)
	// Older closed candle must not rewind the window.
	m.applyKline(k, exchange.Candle{OpenTime: 180_000, Close: 99}, true)

	v, ok := c.Get("ohlcv_3m", "BTC/USDT:100")
	require.True(t, ok)
	w := v.([]exchange.Candle)
	require.Len(t, w, 1)
	assert.Equal(t, int64(360_000), w[0].OpenTime)
}

func TestWindowCapped(t *testing.T) {
	mock := exchange.NewMockAdapter(1000)
	c := cache.New()
	m := NewManager(mock, c, "ws://unused")
	k := slotKey{symbol: "BTC/USDT", timeframe: "3m"}

	for i := 0; i < windowLimit+10; i++ {
		m.applyKline(k, exchange.Candle{OpenTime: int64(i+1) * 180_000, Close: 100}, true)
	}

	v, _ := c.Get("ohlcv_3m", "BTC/USDT:100")
	w := v.([]exchange.Candle)
	assert.Len(t, w, windowLimit)
	assert.Equal(t, int64(windowLimit+10)*180_000, w[len(w)-1].OpenTime)
}

func TestApplyKlineLeavesReaderWindowsUntouched(t *testing.T) {
	mock := exchange.NewMockAdapter(1000)
	c := cache.New()
	m := NewManager(mock, c, "ws://unused")
	k := slotKey{symbol: "BTC/USDT", timeframe: "3m"}

	c.Set("ohlcv_3m", "BTC/USDT:100", []exchange.Candle{{OpenTime: 180_000, Close: 100}})
	v, ok := c.Get("ohlcv_3m", "BTC/USDT:100")
	require.True(t, ok)
	held := v.([]exchange.Candle)

	// A reader iterating its fetched window while partial updates land
	// must never observe a write into the shared backing array.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1_000; i++ {
			for j := range held {
				_ = held[j].Close
			}
		}
	}()
	for i := 0; i < 1_000; i++ {
		m.applyKline(k, exchange.Candle{OpenTime: 180_000, Close: 100 + float64(i)}, false)
	}
	<-done

	assert.Equal(t, 100.0, held[0].Close)
	v, _ = c.Get("ohlcv_3m", "BTC/USDT:100")
	assert.Equal(t, 1099.0, v.([]exchange.Candle)[0].Close)

	// The append path also swaps in a fresh slice.
	m.applyKline(k, exchange.Candle{OpenTime: 360_000, Close: 200}, true)
	require.Len(t, held, 1)
	assert.Equal(t, 100.0, held[0].Close)
}

func TestFailedSlotStopsKeepalive(t *testing.T) {
	origInitial, origMax := reconnectInitialDelay, reconnectMaxDelay
	reconnectInitialDelay, reconnectMaxDelay = 5*time.Millisecond, 20*time.Millisecond
	t.Cleanup(func() { reconnectInitialDelay, reconnectMaxDelay = origInitial, origMax })

	// Every dial succeeds and the connection drops immediately, so each
	// attempt spawns a keepalive goroutine before the read loop errors.
	// Once the attempts run out, nothing may linger.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		up := websocket.Upgrader{}
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = conn.Close()
	}))
	t.Cleanup(srv.Close)

	mock := exchange.NewMockAdapter(1000)
	mock.SetCandles("BTC/USDT", "3m", []exchange.Candle{{OpenTime: 0, Close: 100}})
	m := NewManager(mock, cache.New(), "ws"+strings.TrimPrefix(srv.URL, "http"))
	defer m.Shutdown()

	base := runtime.NumGoroutine()
	m.SyncSubscriptions(context.Background(), []string{"BTC/USDT"}, []string{"3m"})

	waitFor(t, func() bool {
		return len(m.Stats().Failed) == 1
	}, "subscription never marked failed")
	waitFor(t, func() bool {
		return runtime.NumGoroutine() <= base
	}, "keepalive goroutines outlived the failed subscription")
}

func TestGetLatestOHLCVFallsBackToREST(t *testing.T) {
	mock := exchange.NewMockAdapter(1000)
	candles := []exchange.Candle{{OpenTime: 1}, {OpenTime: 2}}
	mock.SetCandles("ETH/USDT", "4h", candles)

	c := cache.New()
	m := NewManager(mock, c, "ws://unused")

	got := m.GetLatestOHLCV(context.Background(), "ETH/USDT", "4h", 100)
	assert.Equal(t, candles, got)

	// Writeback: second read is served from cache.
	_, ok := c.Get("ohlcv_4h", "ETH/USDT:100")
	assert.True(t, ok)

	// Unknown symbol yields empty, not an error.
	assert.Empty(t, m.GetLatestOHLCV(context.Background(), "NOPE/USDT", "4h", 100))
}

func TestShutdownIdempotent(t *testing.T) {
	ws := newWSServer(t)
	mock := exchange.NewMockAdapter(1000)
	c := cache.New()
	m := NewManager(mock, c, ws.url())

	m.SyncSubscriptions(context.Background(), []string{"BTC/USDT"}, []string{"3m"})
	m.Shutdown()
	m.Shutdown()
	assert.Equal(t, 0, m.ActiveCount())
}

func TestStatsTracksFailures(t *testing.T) {
	origInitial, origMax := reconnectInitialDelay, reconnectMaxDelay
	reconnectInitialDelay, reconnectMaxDelay = 5*time.Millisecond, 20*time.Millisecond
	t.Cleanup(func() { reconnectInitialDelay, reconnectMaxDelay = origInitial, origMax })

	// Dead endpoint: dials fail immediately and exhaust the attempts.
	mock := exchange.NewMockAdapter(1000)
	c := cache.New()
	m := NewManager(mock, c, "ws://127.0.0.1:1")
	defer m.Shutdown()

	m.SyncSubscriptions(context.Background(), []string{"BTC/USDT"}, []string{"3m"})

	waitFor(t, func() bool {
		s := m.Stats()
		return len(s.Failed) == 1
	}, "subscription never marked failed")

	s := m.Stats()
	assert.Equal(t, 0, s.ActiveSubscriptions)
	assert.Equal(t, []string{"BTC/USDT@3m"}, s.Failed)
	assert.GreaterOrEqual(t, s.Reconnects, int64(5))
}
