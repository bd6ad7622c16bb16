package market

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/pattty847/Sentinel-sub000/internal/auth"
	"github.com/pattty847/Sentinel-sub000/internal/book"
	"github.com/pattty847/Sentinel-sub000/internal/cache"
	"github.com/pattty847/Sentinel-sub000/internal/dispatch"
	"github.com/pattty847/Sentinel-sub000/internal/domain"
	"github.com/pattty847/Sentinel-sub000/internal/liquidity"
	"github.com/pattty847/Sentinel-sub000/internal/monitor"
	"github.com/pattty847/Sentinel-sub000/internal/observability"
	"github.com/pattty847/Sentinel-sub000/internal/subscription"
	"github.com/pattty847/Sentinel-sub000/internal/transport"
)

// DefaultEventBuffer is the per-subscriber channel capacity.
const DefaultEventBuffer = 256

// Options configures a Core. Cache and Monitor are created when nil so a
// zero-dependency construction works in tests.
type Options struct {
	// URL is the WebSocket endpoint.
	URL string
	// Channels subscribed for each product. Defaults to level2 and
	// market_trades.
	Channels []string
	// Signer authenticates subscriptions. nil sends unauthenticated
	// frames, which public sandbox endpoints accept.
	Signer *auth.Signer

	Cache   *cache.Cache
	Monitor *monitor.Monitor

	// LiquidityConfig seeds the per-product aggregation engines.
	LiquidityConfig liquidity.Config

	// SnapshotInterval is the dense snapshot cadence. Defaults to the
	// liquidity base timeframe.
	SnapshotInterval time.Duration

	// Transport overrides the connection settings; nil derives defaults
	// from URL.
	Transport *transport.Config

	Logger *log.Logger
}

// Core owns the connection lifecycle and the full decode-cache-aggregate
// path. One Core serves any number of products and bus subscribers.
type Core struct {
	opts    Options
	logger  *log.Logger
	cache   *cache.Cache
	mon     *monitor.Monitor
	client  *transport.Client
	subs    *subscription.Manager
	decoder *dispatch.Decoder

	enginesMu sync.Mutex
	engines   map[string]*liquidity.Engine

	busMu       sync.Mutex
	subscribers map[uuid.UUID]chan ConsumerEvent

	started atomic.Bool
	stopped atomic.Bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewCore creates a core from opts.
func NewCore(opts Options) *Core {
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Cache == nil {
		opts.Cache = cache.New(opts.Logger)
	}
	if opts.Monitor == nil {
		opts.Monitor = monitor.New(opts.Logger)
	}
	if len(opts.Channels) == 0 {
		opts.Channels = append([]string(nil), domain.DefaultChannels...)
	}
	if opts.SnapshotInterval <= 0 {
		base := opts.LiquidityConfig.BaseTimeframeMs
		if base <= 0 {
			base = liquidity.DefaultBaseTimeframeMs
		}
		opts.SnapshotInterval = time.Duration(base) * time.Millisecond
	}

	c := &Core{
		opts:        opts,
		logger:      opts.Logger,
		cache:       opts.Cache,
		mon:         opts.Monitor,
		subs:        subscription.NewManager(),
		engines:     make(map[string]*liquidity.Engine),
		subscribers: make(map[uuid.UUID]chan ConsumerEvent),
		done:        make(chan struct{}),
	}
	c.decoder = dispatch.NewDecoder(opts.Logger, opts.Monitor)
	return c
}

// Cache returns the shared market data cache.
func (c *Core) Cache() *cache.Cache { return c.cache }

// Monitor returns the shared health monitor.
func (c *Core) Monitor() *monitor.Monitor { return c.mon }

// Liquidity returns the product's aggregation engine, creating it on first
// use.
func (c *Core) Liquidity(product string) *liquidity.Engine {
	c.enginesMu.Lock()
	defer c.enginesMu.Unlock()

	e, ok := c.engines[product]
	if !ok {
		e = liquidity.NewEngine(c.opts.LiquidityConfig, c.logger)
		p := product
		e.SetOnSliceReady(func(tf int64, s *liquidity.TimeSlice) {
			c.publish(ConsumerEvent{
				Kind:        TimeSliceReady,
				ProductID:   p,
				Timestamp:   time.UnixMilli(s.EndMs).UTC(),
				TimeframeMs: tf,
				Slice:       s,
			})
		})
		c.engines[product] = e
	}
	return e
}

// Start connects and launches the snapshot loop. A second call fails.
func (c *Core) Start(ctx context.Context) error {
	if c.started.Swap(true) {
		return fmt.Errorf("market: core already started")
	}

	cfg := transport.DefaultConfig(c.opts.URL)
	if c.opts.Transport != nil {
		cfg = *c.opts.Transport
	}

	c.client = transport.NewClient(cfg, transport.Callbacks{
		OnOpen:  c.onOpen,
		OnFrame: c.onFrame,
		OnClose: c.onClose,
		OnError: c.onDialError,
	}, c.logger, c.mon)

	if err := c.client.Start(ctx); err != nil {
		c.started.Store(false)
		return err
	}

	c.wg.Add(1)
	go c.snapshotLoop()

	c.logger.Printf("[market] core started, endpoint %s", c.opts.URL)
	return nil
}

// Stop shuts everything down. Safe to call more than once.
func (c *Core) Stop() {
	if !c.started.Load() || c.stopped.Swap(true) {
		return
	}

	close(c.done)
	c.client.Close()
	c.wg.Wait()

	c.busMu.Lock()
	for id, ch := range c.subscribers {
		close(ch)
		delete(c.subscribers, id)
	}
	c.busMu.Unlock()

	c.logger.Printf("[market] core stopped")
}

// Subscribe adds products on all configured channels and sends the frames.
// Already-subscribed products are skipped.
func (c *Core) Subscribe(products []string) error {
	added := c.subs.Subscribe(c.opts.Channels, products)
	if err := c.sendFrames(subscription.Frames("subscribe", added, c.token())); err != nil {
		return err
	}
	observability.DefaultMetrics.SubscribedProducts.Set(float64(len(c.subs.AllProducts())))
	return nil
}

// Unsubscribe removes products from all configured channels.
func (c *Core) Unsubscribe(products []string) error {
	removed := c.subs.Unsubscribe(c.opts.Channels, products)
	if err := c.sendFrames(subscription.Frames("unsubscribe", removed, c.token())); err != nil {
		return err
	}
	observability.DefaultMetrics.SubscribedProducts.Set(float64(len(c.subs.AllProducts())))
	return nil
}

// Products returns the desired product set across channels.
func (c *Core) Products() []string { return c.subs.AllProducts() }

// Connected reports the transport state.
func (c *Core) Connected() bool {
	return c.client != nil && c.client.Connected()
}

// SubscribeEvents registers a consumer and returns its id and channel. The
// channel is closed by Stop. Slow consumers lose events rather than
// blocking the stream.
func (c *Core) SubscribeEvents(buffer int) (uuid.UUID, <-chan ConsumerEvent) {
	if buffer <= 0 {
		buffer = DefaultEventBuffer
	}
	id := uuid.New()
	ch := make(chan ConsumerEvent, buffer)

	c.busMu.Lock()
	c.subscribers[id] = ch
	c.busMu.Unlock()
	return id, ch
}

// UnsubscribeEvents removes a consumer and closes its channel.
func (c *Core) UnsubscribeEvents(id uuid.UUID) {
	c.busMu.Lock()
	ch, ok := c.subscribers[id]
	if ok {
		delete(c.subscribers, id)
	}
	c.busMu.Unlock()

	if ok {
		close(ch)
	}
}

func (c *Core) publish(ev ConsumerEvent) {
	c.busMu.Lock()
	defer c.busMu.Unlock()

	for _, ch := range c.subscribers {
		select {
		case ch <- ev:
		default:
			c.mon.CountDroppedEvent()
			observability.DefaultMetrics.DroppedEvents.Inc()
		}
	}
}

// token signs a fresh JWT, or returns "" without a signer. Sign failures
// degrade to unauthenticated frames and surface on the error bus.
func (c *Core) token() string {
	if c.opts.Signer == nil {
		return ""
	}
	tok, err := c.opts.Signer.SignToken()
	if err != nil {
		c.logger.Printf("[market] token signing failed: %v", err)
		c.publish(ConsumerEvent{Kind: ErrorOccurred, Timestamp: time.Now(), Err: err.Error()})
		return ""
	}
	return tok
}

func (c *Core) sendFrames(frames []subscription.Frame) error {
	if c.client == nil {
		return fmt.Errorf("market: core not started")
	}
	for _, f := range frames {
		raw, err := f.Marshal()
		if err != nil {
			return fmt.Errorf("market: marshal %s frame: %w", f.Type, err)
		}
		// Enqueued frames lost to a disconnect are replayed via OnOpen;
		// the desired state is already recorded.
		c.client.Enqueue(raw)
	}
	return nil
}

func (c *Core) onOpen(reconnected bool) {
	c.publish(ConsumerEvent{
		Kind:        ConnectionStatusChanged,
		Timestamp:   time.Now(),
		Connected:   true,
		Reconnected: reconnected,
	})
	if reconnected {
		if err := c.sendFrames(c.subs.ReplayFrames(c.token())); err != nil {
			c.logger.Printf("[market] subscription replay failed: %v", err)
		}
	}
}

func (c *Core) onClose(err error) {
	c.publish(ConsumerEvent{
		Kind:      ConnectionStatusChanged,
		Timestamp: time.Now(),
		Connected: false,
		Err:       err.Error(),
	})
}

func (c *Core) onDialError(err error) {
	c.publish(ConsumerEvent{Kind: ErrorOccurred, Timestamp: time.Now(), Err: err.Error()})
}

func (c *Core) onFrame(raw []byte, arrival time.Time) {
	// A decode error can come with events decoded before the bad one; apply
	// those first so a malformed tail never loses the well-formed head.
	events, err := c.decoder.Decode(raw, arrival)
	for _, ev := range events {
		c.applyEvent(ev, arrival)
	}
	if err != nil {
		c.publish(ConsumerEvent{Kind: ErrorOccurred, Timestamp: arrival, Err: err.Error()})
	}
}

func (c *Core) applyEvent(ev dispatch.Event, arrival time.Time) {
	switch ev := ev.(type) {
	case dispatch.TradeEvent:
		tr := ev.Trade
		c.cache.AddTrade(tr)
		latency := arrival.Sub(tr.Timestamp)
		c.mon.CountTrade(latency)
		observability.RecordTrade(latency.Seconds())
		c.publish(ConsumerEvent{
			Kind:      TradeReceived,
			ProductID: tr.ProductID,
			Timestamp: tr.Timestamp,
			Trade:     &tr,
		})

	case dispatch.BookSnapshotEvent:
		c.cache.InitializeBook(ev.ProductID, ev.Bids, ev.Asks, ev.Timestamp)
		latency := arrival.Sub(ev.Timestamp)
		c.mon.CountBookUpdate(latency)
		observability.RecordBookUpdate(latency.Seconds())
		c.publish(ConsumerEvent{Kind: OrderBookUpdated, ProductID: ev.ProductID, Timestamp: ev.Timestamp})

	case dispatch.BookUpdateEvent:
		for _, u := range ev.Updates {
			c.cache.UpdateBook(ev.ProductID, u.Bid, u.Price, u.Size, ev.Timestamp)
		}
		latency := arrival.Sub(ev.Timestamp)
		c.mon.CountBookUpdate(latency)
		observability.RecordBookUpdate(latency.Seconds())
		c.publish(ConsumerEvent{Kind: OrderBookUpdated, ProductID: ev.ProductID, Timestamp: ev.Timestamp})

	case dispatch.SubscriptionAckEvent:
		c.logger.Printf("[market] subscription ack: %v", ev.Channels)

	case dispatch.ProviderErrorEvent:
		c.logger.Printf("[market] provider error: %s", ev.Message)
		c.publish(ConsumerEvent{Kind: ErrorOccurred, Timestamp: ev.Timestamp, Err: ev.Message})
	}
}

type snapshotBuffers struct {
	bids []book.DenseLevel
	asks []book.DenseLevel
}

// snapshotLoop captures dense views of every live book on a fixed cadence
// and feeds them to the liquidity engines.
func (c *Core) snapshotLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.opts.SnapshotInterval)
	defer ticker.Stop()

	buffers := make(map[string]*snapshotBuffers)

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			start := time.Now()
			for _, product := range c.cache.BookProducts() {
				lb := c.cache.LiveBook(product)
				if lb == nil || lb.Empty() {
					continue
				}
				buf, ok := buffers[product]
				if !ok {
					buf = &snapshotBuffers{}
					buffers[product] = buf
				}

				view := lb.CaptureDenseNonZero(buf.bids, buf.asks, 1)
				buf.bids, buf.asks = view.Bids, view.Asks
				view.Timestamp = start

				n := c.Liquidity(product).AddDenseSnapshot(view)
				c.mon.CountPointsPushed(n)
				observability.DefaultMetrics.PointsPushed.Add(float64(n))
			}
			elapsed := time.Since(start)
			c.mon.ObserveFrame(elapsed)
			observability.DefaultMetrics.SnapshotDuration.Observe(elapsed.Seconds())
		}
	}
}
