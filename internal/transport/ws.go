// Package transport maintains a persistent WebSocket connection to the
// market data provider with automatic reconnection.
package transport

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/pattty847/Sentinel-sub000/internal/monitor"
	"github.com/pattty847/Sentinel-sub000/internal/observability"
)

// Config configures connection behavior.
type Config struct {
	// URL is the WebSocket endpoint (ws:// or wss://).
	URL string
	// Header is sent with the handshake request.
	Header http.Header
	// HandshakeTimeout bounds the dial.
	HandshakeTimeout time.Duration
	// ReadTimeout is the per-message read deadline.
	ReadTimeout time.Duration
	// WriteTimeout is the per-message write deadline.
	WriteTimeout time.Duration
	// PingInterval is the keepalive ping cadence.
	PingInterval time.Duration
	// ReconnectDelay is the initial delay before a reconnect attempt.
	ReconnectDelay time.Duration
	// MaxReconnectDelay caps the backoff schedule.
	MaxReconnectDelay time.Duration
}

// DefaultConfig returns production connection settings.
func DefaultConfig(url string) Config {
	return Config{
		URL:               url,
		HandshakeTimeout:  30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		PingInterval:      25 * time.Second,
		ReconnectDelay:    1 * time.Second,
		MaxReconnectDelay: 60 * time.Second,
	}
}

// Callbacks are invoked from the client's read goroutine and must not block.
// Any of them may be nil.
type Callbacks struct {
	// OnOpen fires after each successful handshake. reconnected is false
	// for the initial connection.
	OnOpen func(reconnected bool)
	// OnFrame fires for every received text/binary message.
	OnFrame func(raw []byte, arrival time.Time)
	// OnClose fires when an established connection drops.
	OnClose func(err error)
	// OnError fires for dial failures during reconnection.
	OnError func(err error)
}

// Client is a reconnecting WebSocket client. Writes are serialized behind
// connMu; reads happen on a single internal goroutine.
type Client struct {
	config    Config
	callbacks Callbacks
	logger    *log.Logger
	mon       *monitor.Monitor

	conn   *websocket.Conn
	connMu sync.Mutex
	closed atomic.Bool

	// Outbound FIFO drained by writeLoop. Cleared on disconnect; callers
	// replay state through OnOpen instead.
	outMu    sync.Mutex
	outbound [][]byte
	outKick  chan struct{}

	done chan struct{}
	wg   sync.WaitGroup
}

// NewClient creates a client. Start must be called to connect. logger and
// mon may be nil.
func NewClient(config Config, callbacks Callbacks, logger *log.Logger, mon *monitor.Monitor) *Client {
	if logger == nil {
		logger = log.Default()
	}
	return &Client{
		config:    config,
		callbacks: callbacks,
		logger:    logger,
		mon:       mon,
		outKick:   make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// Start dials the endpoint and launches the read and ping goroutines.
// A failed initial dial is returned to the caller; later drops reconnect
// automatically with exponential backoff.
func (c *Client) Start(ctx context.Context) error {
	if c.closed.Load() {
		return fmt.Errorf("transport: client closed")
	}

	if err := c.connect(ctx); err != nil {
		return err
	}
	observability.SetConnected(true)
	if c.callbacks.OnOpen != nil {
		c.callbacks.OnOpen(false)
	}

	c.wg.Add(1)
	go c.readLoop()

	c.wg.Add(1)
	go c.writeLoop()

	c.wg.Add(1)
	go c.pingLoop()

	return nil
}

// connect establishes the WebSocket connection.
func (c *Client) connect(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: c.config.HandshakeTimeout,
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.config.HandshakeTimeout)
	defer cancel()

	conn, _, err := dialer.DialContext(dialCtx, c.config.URL, c.config.Header)
	if err != nil {
		return fmt.Errorf("transport: dial %s: %w", c.config.URL, err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	return nil
}

// Enqueue appends one text message to the outbound FIFO. Callable from any
// goroutine; the queue is drained by a single writer and cleared when the
// connection drops, so callers replay state through OnOpen.
func (c *Client) Enqueue(data []byte) {
	if c.closed.Load() {
		return
	}
	c.outMu.Lock()
	c.outbound = append(c.outbound, data)
	c.outMu.Unlock()

	select {
	case c.outKick <- struct{}{}:
	default:
	}
}

func (c *Client) dequeue() ([]byte, bool) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	if len(c.outbound) == 0 {
		return nil, false
	}
	data := c.outbound[0]
	c.outbound = c.outbound[1:]
	return data, true
}

func (c *Client) clearQueue() {
	c.outMu.Lock()
	c.outbound = nil
	c.outMu.Unlock()
}

// writeLoop drains the outbound queue strictly in FIFO with one in-flight
// write at a time.
func (c *Client) writeLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.done:
			return
		case <-c.outKick:
			for {
				data, ok := c.dequeue()
				if !ok {
					break
				}
				if err := c.Send(data); err != nil {
					// Connection is down; the reader drives reconnect
					// and OnOpen replays what matters.
					break
				}
			}
		}
	}
}

// Send writes one text message immediately. Returns an error when
// disconnected. Most callers use Enqueue; Send exists for the writer and
// for synchronous paths that want the error.
func (c *Client) Send(data []byte) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("transport: not connected")
	}
	c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("transport: write: %w", err)
	}
	return nil
}

// Connected reports whether a connection is currently established.
func (c *Client) Connected() bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn != nil
}

// Close shuts the client down and waits for its goroutines.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}

	close(c.done)

	c.connMu.Lock()
	if c.conn != nil {
		c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.conn.Close()
	}
	c.connMu.Unlock()

	c.wg.Wait()
	observability.SetConnected(false)
	return nil
}

// readLoop reads frames and drives reconnection.
func (c *Client) readLoop() {
	defer c.wg.Done()

	bo := c.newBackoff()

	for !c.closed.Load() {
		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()

		if conn == nil {
			wait := bo.NextBackOff()
			select {
			case <-c.done:
				return
			case <-time.After(wait):
			}

			ctx, cancel := context.WithTimeout(context.Background(), c.config.HandshakeTimeout)
			err := c.connect(ctx)
			cancel()
			if err != nil {
				c.countNetworkError()
				if c.callbacks.OnError != nil {
					c.callbacks.OnError(err)
				}
				c.logger.Printf("[transport] reconnect failed, next attempt in %s: %v", bo.NextBackOff(), err)
				continue
			}

			// Close may have run while the dial was in flight, after its
			// sweep of c.conn. The fresh conn must not outlive the client
			// or fire callbacks into a stopping consumer.
			c.connMu.Lock()
			if c.closed.Load() {
				if c.conn != nil {
					c.conn.Close()
					c.conn = nil
				}
				c.connMu.Unlock()
				return
			}
			c.connMu.Unlock()

			bo.Reset()
			observability.RecordReconnect()
			observability.SetConnected(true)
			if c.mon != nil {
				c.mon.CountReconnect()
			}
			c.logger.Printf("[transport] reconnected to %s", c.config.URL)
			if c.callbacks.OnOpen != nil {
				c.callbacks.OnOpen(true)
			}
			continue
		}

		conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))

		_, message, err := conn.ReadMessage()
		if err != nil {
			if c.closed.Load() {
				return
			}

			c.countNetworkError()
			observability.SetConnected(false)
			c.logger.Printf("[transport] connection lost: %v", err)
			if c.callbacks.OnClose != nil {
				c.callbacks.OnClose(err)
			}

			c.connMu.Lock()
			if c.conn == conn {
				c.conn.Close()
				c.conn = nil
			}
			c.connMu.Unlock()
			c.clearQueue()
			continue
		}

		if c.callbacks.OnFrame != nil {
			c.callbacks.OnFrame(message, time.Now())
		}
	}
}

// pingLoop sends periodic ping frames to keep the connection alive.
func (c *Client) pingLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.connMu.Lock()
			if c.conn != nil {
				c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
				if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					// Connection might be dead, reader will handle reconnect
				}
			}
			c.connMu.Unlock()
		}
	}
}

func (c *Client) newBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.config.ReconnectDelay
	bo.MaxInterval = c.config.MaxReconnectDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.25
	bo.MaxElapsedTime = 0 // retry forever
	bo.Reset()
	return bo
}

func (c *Client) countNetworkError() {
	observability.RecordNetworkError()
	if c.mon != nil {
		c.mon.CountNetworkError()
	}
}
