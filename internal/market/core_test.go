package market

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pattty847/Sentinel-sub000/internal/liquidity"
	"github.com/pattty847/Sentinel-sub000/internal/transport"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func testTransport(url string) *transport.Config {
	cfg := transport.DefaultConfig(url)
	cfg.ReconnectDelay = 20 * time.Millisecond
	cfg.MaxReconnectDelay = 100 * time.Millisecond
	return &cfg
}

func testCore(url string) *Core {
	cfg := liquidity.DefaultConfig()
	cfg.TimeframesMs = []int64{100, 500}
	return NewCore(Options{
		URL:              url,
		Transport:        testTransport(url),
		LiquidityConfig:  cfg,
		SnapshotInterval: 25 * time.Millisecond,
	})
}

func frameTime() string { return time.Now().UTC().Format(time.RFC3339Nano) }

func sendSnapshot(t *testing.T, conn *websocket.Conn, product string) {
	t.Helper()
	frame := `{"channel":"l2_data","timestamp":"` + frameTime() + `","events":[{"type":"snapshot","product_id":"` + product + `","updates":[
		{"side":"bid","price_level":"100.00","new_quantity":"1.0"},
		{"side":"bid","price_level":"99.99","new_quantity":"2.0"},
		{"side":"offer","price_level":"100.01","new_quantity":"0.5"}]}]}`
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func TestCore_EndToEnd(t *testing.T) {
	gotSubscribe := make(chan map[string]interface{}, 2)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		// Expect one subscribe frame per channel, then stream data.
		for i := 0; i < 2; i++ {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req map[string]interface{}
			require.NoError(t, json.Unmarshal(msg, &req))
			gotSubscribe <- req
		}

		sendSnapshot(t, conn, "BTC-USD")

		update := `{"channel":"l2_data","timestamp":"` + frameTime() + `","events":[{"type":"update","product_id":"BTC-USD","updates":[
			{"side":"bid","price_level":"99.99","new_quantity":"0"}]}]}`
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(update)))

		trade := `{"channel":"market_trades","timestamp":"` + frameTime() + `","events":[{"type":"update","trades":[
			{"trade_id":"t1","product_id":"BTC-USD","price":"100.00","size":"0.25","side":"SELL","time":"` + frameTime() + `"}]}]}`
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(trade)))

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	core := testCore(wsURL(server))
	_, events := core.SubscribeEvents(64)

	require.NoError(t, core.Start(context.Background()))
	defer core.Stop()

	require.NoError(t, core.Subscribe([]string{"BTC-USD"}))

	channels := make(map[string]bool)
	for i := 0; i < 2; i++ {
		select {
		case req := <-gotSubscribe:
			assert.Equal(t, "subscribe", req["type"])
			channels[req["channel"].(string)] = true
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for subscribe frames")
		}
	}
	assert.True(t, channels["level2"])
	assert.True(t, channels["market_trades"])

	// Wait for the trade plus both book events (snapshot, then update).
	deadline := time.After(2 * time.Second)
	var sawTrade bool
	var bookEvents int
	for !sawTrade || bookEvents < 2 {
		select {
		case ev := <-events:
			switch ev.Kind {
			case TradeReceived:
				sawTrade = true
				assert.Equal(t, "BTC-USD", ev.ProductID)
				assert.InDelta(t, 0.25, ev.Trade.Size, 1e-9)
			case OrderBookUpdated:
				bookEvents++
				assert.Equal(t, "BTC-USD", ev.ProductID)
			}
		case <-deadline:
			t.Fatal("timeout waiting for consumer events")
		}
	}

	trades := core.Cache().RecentTrades("BTC-USD")
	require.Len(t, trades, 1)
	assert.Equal(t, "t1", trades[0].TradeID)

	// The zero-size update removed the 99.99 bid.
	require.Eventually(t, func() bool {
		ob := core.Cache().Book("BTC-USD")
		return len(ob.Bids) == 1 && len(ob.Asks) == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{"BTC-USD"}, core.Products())
	assert.Positive(t, core.Monitor().Snapshot().TradesProcessed)
}

func TestCore_MalformedTailKeepsDecodedEvents(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		// A well-formed trade event followed by a malformed one.
		frame := `{"channel":"market_trades","timestamp":"` + frameTime() + `","events":[
			{"type":"update","trades":[{"trade_id":"t1","product_id":"BTC-USD","price":"100.00","size":"0.25","side":"BUY","time":"` + frameTime() + `"}]},
			"bogus"]}`
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	core := testCore(wsURL(server))
	_, events := core.SubscribeEvents(16)

	require.NoError(t, core.Start(context.Background()))
	defer core.Stop()

	// The good head of the frame still lands in the cache.
	require.Eventually(t, func() bool {
		return len(core.Cache().RecentTrades("BTC-USD")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// And the malformed tail still surfaces as an error event.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Kind == ErrorOccurred {
				assert.Contains(t, ev.Err, "malformed")
				return
			}
		case <-deadline:
			t.Fatal("timeout waiting for error event")
		}
	}
}

func TestCore_SnapshotFeedsLiquidity(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		sendSnapshot(t, conn, "ETH-USD")
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	core := testCore(wsURL(server))
	require.NoError(t, core.Start(context.Background()))
	defer core.Stop()

	// The snapshot loop ticks every 25ms; slices accumulate shortly after
	// the book arrives.
	require.Eventually(t, func() bool {
		return len(core.Liquidity("ETH-USD").VisibleSlices(100, 0, time.Now().UnixMilli())) > 0
	}, 3*time.Second, 20*time.Millisecond)

	assert.Positive(t, core.Monitor().Snapshot().PointsPushed)
}

func TestCore_ReconnectReplaysSubscriptions(t *testing.T) {
	var connCount atomic.Int32
	subscribes := make(chan string, 8)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)

		n := connCount.Add(1)
		for i := 0; i < 2; i++ {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				conn.Close()
				return
			}
			var req map[string]interface{}
			if json.Unmarshal(msg, &req) == nil && req["type"] == "subscribe" {
				subscribes <- req["channel"].(string)
			}
		}
		if n == 1 {
			// Drop the first connection after the initial subscribe.
			conn.Close()
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	core := testCore(wsURL(server))
	require.NoError(t, core.Start(context.Background()))
	defer core.Stop()

	require.NoError(t, core.Subscribe([]string{"BTC-USD"}))

	// Two subscribes on the first connection, two replayed on the second.
	seen := 0
	deadline := time.After(3 * time.Second)
	for seen < 4 {
		select {
		case <-subscribes:
			seen++
		case <-deadline:
			t.Fatalf("timeout, saw %d subscribe frames", seen)
		}
	}
	assert.GreaterOrEqual(t, connCount.Load(), int32(2))
}

func TestCore_EventBusDropsWhenFull(t *testing.T) {
	core := testCore("ws://unused")
	_, ch := core.SubscribeEvents(1)

	for i := 0; i < 5; i++ {
		core.publish(ConsumerEvent{Kind: ErrorOccurred, Err: "x"})
	}

	// One delivered, the rest dropped without blocking.
	assert.Len(t, ch, 1)
	assert.Equal(t, uint64(4), core.Monitor().Snapshot().DroppedEvents)
}

func TestCore_StartStopLifecycle(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	core := testCore(wsURL(server))
	id, ch := core.SubscribeEvents(0)
	_ = id

	require.NoError(t, core.Start(context.Background()))
	assert.Error(t, core.Start(context.Background()))
	assert.True(t, core.Connected())

	core.Stop()
	core.Stop() // idempotent

	// Subscriber channels are closed on stop.
	for range ch {
	}
}

func TestCore_UnsubscribeEvents(t *testing.T) {
	core := testCore("ws://unused")
	id, ch := core.SubscribeEvents(4)
	core.UnsubscribeEvents(id)

	_, open := <-ch
	assert.False(t, open)

	core.publish(ConsumerEvent{Kind: ErrorOccurred}) // no panic after removal
}
