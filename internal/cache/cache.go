// Package cache provides the thread-safe in-memory store for per-product
// trade history and live order books.
package cache

import (
	"log"
	"math"
	"sync"
	"time"

	"github.com/pattty847/Sentinel-sub000/internal/book"
	"github.com/pattty847/Sentinel-sub000/internal/domain"
	"github.com/pattty847/Sentinel-sub000/internal/ring"
)

// TradeHistory is the per-product ring capacity.
const TradeHistory = 1000

// DefaultTickSize is used when a book grid is derived from a snapshot or
// created on an update-before-snapshot race.
const DefaultTickSize = 0.01

// gridMargin widens the observed price range by 10% on each side.
const gridMargin = 0.10

// Cache holds per-product trade rings and dense live books behind two
// category locks. Readers never block readers; writers take the exclusive
// side of the category they touch.
type Cache struct {
	muTrades sync.RWMutex
	trades   map[string]*ring.Ring[domain.Trade]

	muBooks sync.RWMutex
	books   map[string]*book.LiveBook

	logger *log.Logger
}

// New creates an empty cache. A nil logger falls back to log.Default().
func New(logger *log.Logger) *Cache {
	if logger == nil {
		logger = log.Default()
	}
	return &Cache{
		trades: make(map[string]*ring.Ring[domain.Trade]),
		books:  make(map[string]*book.LiveBook),
		logger: logger,
	}
}

// AddTrade appends a trade to its product's ring, creating the ring on first
// use. The oldest trade is evicted once the ring is full.
func (c *Cache) AddTrade(t domain.Trade) {
	c.muTrades.Lock()
	defer c.muTrades.Unlock()

	r, ok := c.trades[t.ProductID]
	if !ok {
		r = ring.New[domain.Trade](TradeHistory)
		c.trades[t.ProductID] = r
	}
	r.Push(t)
}

// RecentTrades returns a copy of the product's trade history, oldest first.
// Unknown products yield an empty slice.
func (c *Cache) RecentTrades(product string) []domain.Trade {
	c.muTrades.RLock()
	defer c.muTrades.RUnlock()

	if r, ok := c.trades[product]; ok {
		return r.Snapshot()
	}
	return nil
}

// TradesSince returns the trades strictly after the first one whose TradeID
// equals lastID. An empty lastID, or an unknown lastID with a non-empty ring
// (session restart), returns the full history.
func (c *Cache) TradesSince(product, lastID string) []domain.Trade {
	c.muTrades.RLock()
	defer c.muTrades.RUnlock()

	r, ok := c.trades[product]
	if !ok {
		return nil
	}
	all := r.Snapshot()
	if lastID == "" {
		return all
	}

	for i, t := range all {
		if t.TradeID == lastID {
			out := make([]domain.Trade, len(all)-i-1)
			copy(out, all[i+1:])
			return out
		}
	}
	return all
}

// InitializeBook creates (or replaces) the product's dense book with a grid
// derived from the snapshot, then applies every level. The grid spans the
// observed price range widened by 10% per side, rounded to the tick.
func (c *Cache) InitializeBook(product string, bids, asks []domain.BookLevel, ts time.Time) {
	minObs, maxObs := observedRange(bids, asks)
	if minObs <= 0 {
		// Empty snapshot: nothing to derive a grid from.
		return
	}
	minPrice, maxPrice := gridBounds(minObs, maxObs)

	updates := make([]book.LevelUpdate, 0, len(bids)+len(asks))
	for _, l := range bids {
		updates = append(updates, book.LevelUpdate{Bid: true, Price: l.Price, Size: l.Size})
	}
	for _, l := range asks {
		updates = append(updates, book.LevelUpdate{Bid: false, Price: l.Price, Size: l.Size})
	}

	lb := book.NewLiveBook(product, minPrice, maxPrice, DefaultTickSize)
	lb.Apply(updates, ts)

	c.muBooks.Lock()
	c.books[product] = lb
	c.muBooks.Unlock()

	c.logger.Printf("[cache] initialized live book for %s: grid [%.2f, %.2f] @ %.2f, %d bids %d asks",
		product, minPrice, maxPrice, DefaultTickSize, len(bids), len(asks))
}

// UpdateBook applies one delta. If no book exists yet (the update arrived
// before the snapshot), a default grid centered on the update price is
// created so the delta is not lost; the exchange's snapshot will replace it.
func (c *Cache) UpdateBook(product string, bid bool, price, size float64, ts time.Time) {
	c.muBooks.RLock()
	lb, ok := c.books[product]
	c.muBooks.RUnlock()

	if !ok {
		if price <= 0 {
			return
		}
		minPrice, maxPrice := gridBounds(price, price)
		lb = book.NewLiveBook(product, minPrice, maxPrice, DefaultTickSize)

		c.muBooks.Lock()
		if existing, raced := c.books[product]; raced {
			lb = existing
		} else {
			c.books[product] = lb
			c.logger.Printf("[cache] update before snapshot for %s, created default grid [%.2f, %.2f]",
				product, minPrice, maxPrice)
		}
		c.muBooks.Unlock()
	}

	lb.Apply([]book.LevelUpdate{{Bid: bid, Price: price, Size: size}}, ts)
}

// Book returns a cloned sparse view of the product's live book, or an empty
// book if none exists.
func (c *Cache) Book(product string) domain.OrderBook {
	c.muBooks.RLock()
	lb, ok := c.books[product]
	c.muBooks.RUnlock()

	if !ok {
		return domain.OrderBook{ProductID: product}
	}
	return lb.Snapshot()
}

// LiveBook returns the shared dense book handle, or nil if the product has
// no book. The handle is internally synchronized and safe to retain.
func (c *Cache) LiveBook(product string) *book.LiveBook {
	c.muBooks.RLock()
	defer c.muBooks.RUnlock()
	return c.books[product]
}

// BookProducts lists the products that currently have live books.
func (c *Cache) BookProducts() []string {
	c.muBooks.RLock()
	defer c.muBooks.RUnlock()

	out := make([]string, 0, len(c.books))
	for p := range c.books {
		out = append(out, p)
	}
	return out
}

func observedRange(bids, asks []domain.BookLevel) (lo, hi float64) {
	lo = math.Inf(1)
	hi = math.Inf(-1)
	for _, l := range bids {
		if l.Price > 0 {
			lo = math.Min(lo, l.Price)
			hi = math.Max(hi, l.Price)
		}
	}
	for _, l := range asks {
		if l.Price > 0 {
			lo = math.Min(lo, l.Price)
			hi = math.Max(hi, l.Price)
		}
	}
	if math.IsInf(lo, 1) {
		return 0, 0
	}
	return lo, hi
}

func gridBounds(minObs, maxObs float64) (minPrice, maxPrice float64) {
	minPrice = roundToTick(minObs * (1 - gridMargin))
	maxPrice = roundToTick(maxObs * (1 + gridMargin))
	if minPrice < DefaultTickSize {
		minPrice = DefaultTickSize
	}
	if maxPrice <= minPrice {
		maxPrice = minPrice + DefaultTickSize
	}
	return minPrice, maxPrice
}

func roundToTick(price float64) float64 {
	return math.Round(price/DefaultTickSize) * DefaultTickSize
}
