package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func testConfig(url string) Config {
	cfg := DefaultConfig(url)
	cfg.ReconnectDelay = 20 * time.Millisecond
	cfg.MaxReconnectDelay = 100 * time.Millisecond
	cfg.ReadTimeout = 5 * time.Second
	return cfg
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestClient_ConnectAndReceive(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"hello":"world"}`)))

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	frames := make(chan []byte, 1)
	client := NewClient(testConfig(wsURL(server)), Callbacks{
		OnFrame: func(raw []byte, arrival time.Time) { frames <- raw },
	}, nil, nil)

	require.NoError(t, client.Start(context.Background()))
	defer client.Close()

	select {
	case raw := <-frames:
		assert.JSONEq(t, `{"hello":"world"}`, string(raw))
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for frame")
	}
	assert.True(t, client.Connected())
}

func TestClient_Send(t *testing.T) {
	received := make(chan []byte, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		received <- msg

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	client := NewClient(testConfig(wsURL(server)), Callbacks{}, nil, nil)
	require.NoError(t, client.Start(context.Background()))
	defer client.Close()

	require.NoError(t, client.Send([]byte(`{"type":"subscribe"}`)))

	select {
	case msg := <-received:
		assert.JSONEq(t, `{"type":"subscribe"}`, string(msg))
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for server receive")
	}
}

func TestClient_EnqueueDrainsInOrder(t *testing.T) {
	received := make(chan string, 8)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			received <- string(msg)
		}
	}))
	defer server.Close()

	client := NewClient(testConfig(wsURL(server)), Callbacks{}, nil, nil)
	require.NoError(t, client.Start(context.Background()))
	defer client.Close()

	client.Enqueue([]byte("one"))
	client.Enqueue([]byte("two"))
	client.Enqueue([]byte("three"))

	for _, want := range []string{"one", "two", "three"} {
		select {
		case got := <-received:
			assert.Equal(t, want, got)
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout waiting for %q", want)
		}
	}
}

func TestClient_SendWhenDisconnected(t *testing.T) {
	client := NewClient(testConfig("ws://127.0.0.1:1"), Callbacks{}, nil, nil)
	assert.Error(t, client.Send([]byte("x")))
}

func TestClient_InitialDialFailure(t *testing.T) {
	client := NewClient(testConfig("ws://127.0.0.1:1"), Callbacks{}, nil, nil)
	assert.Error(t, client.Start(context.Background()))
}

func TestClient_ReconnectReplaysOnOpen(t *testing.T) {
	var connCount atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)

		n := connCount.Add(1)
		if n == 1 {
			// Drop the first connection to force a reconnect.
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

	var mu sync.Mutex
	var opens []bool
	closed := make(chan struct{}, 4)
	reopened := make(chan struct{})
	var once sync.Once

	client := NewClient(testConfig(wsURL(server)), Callbacks{
		OnOpen: func(reconnected bool) {
			mu.Lock()
			opens = append(opens, reconnected)
			mu.Unlock()
			if reconnected {
				once.Do(func() { close(reopened) })
			}
		},
		OnClose: func(err error) { closed <- struct{}{} },
	}, nil, nil)

	require.NoError(t, client.Start(context.Background()))
	defer client.Close()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for connection drop")
	}
	select {
	case <-reopened:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for reconnect")
	}

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(opens), 2)
	assert.False(t, opens[0])
	assert.True(t, opens[1])
	assert.GreaterOrEqual(t, connCount.Load(), int32(2))
}

func TestClient_CloseDuringReconnectSkipsReopen(t *testing.T) {
	var connCount atomic.Int32
	dialing := make(chan struct{})
	release := make(chan struct{})
	var dialingOnce sync.Once

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := connCount.Add(1)
		if n > 1 {
			// Hold the reconnect handshake until the test says go.
			dialingOnce.Do(func() { close(dialing) })
			<-release
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if n == 1 {
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

	var reopened atomic.Bool
	dropped := make(chan struct{}, 4)
	client := NewClient(testConfig(wsURL(server)), Callbacks{
		OnOpen: func(reconnected bool) {
			if reconnected {
				reopened.Store(true)
			}
		},
		OnClose: func(err error) { dropped <- struct{}{} },
	}, nil, nil)

	require.NoError(t, client.Start(context.Background()))

	select {
	case <-dropped:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for connection drop")
	}
	select {
	case <-dialing:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for reconnect dial")
	}

	// Close races the in-flight dial; the fresh conn must be discarded
	// without firing OnOpen.
	closedCh := make(chan struct{})
	go func() {
		client.Close()
		close(closedCh)
	}()
	time.Sleep(50 * time.Millisecond)
	close(release)

	select {
	case <-closedCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for Close")
	}
	assert.False(t, reopened.Load())
}

func TestClient_CloseIdempotent(t *testing.T) {
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

	client := NewClient(testConfig(wsURL(server)), Callbacks{}, nil, nil)
	require.NoError(t, client.Start(context.Background()))

	assert.NoError(t, client.Close())
	assert.NoError(t, client.Close())
	assert.Error(t, client.Start(context.Background()))
}
