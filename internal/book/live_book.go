// Package book implements a dense, stateful live order book over a fixed
// price grid with O(1) level updates.
package book

import (
	"math"
	"sync"
	"time"

	"github.com/pattty847/Sentinel-sub000/internal/domain"
)

// LevelUpdate is one incremental change in transit from the decoder.
// Size 0 removes the level.
type LevelUpdate struct {
	Bid   bool
	Price float64
	Size  float64
}

// DenseLevel is one non-zero grid entry: index into the dense arrays plus size.
type DenseLevel struct {
	Index uint32
	Size  float64
}

// DenseSnapshotView is a point-in-time enumeration of non-zero levels.
// The Bids and Asks slices reference caller-supplied buffers; the view is
// valid until the buffers are reused.
type DenseSnapshotView struct {
	MinPrice  float64
	TickSize  float64
	Timestamp time.Time
	Bids      []DenseLevel
	Asks      []DenseLevel
}

// LiveBook holds per-product book state on a fixed price grid
// [minPrice, maxPrice] with the given tick size. Prices outside the grid are
// discarded. All methods are safe for concurrent use; readers share the book
// through handles returned by the cache.
type LiveBook struct {
	mu sync.Mutex

	productID string
	minPrice  float64
	maxPrice  float64
	tickSize  float64

	bids []float64
	asks []float64

	nonZeroBids int
	nonZeroAsks int
	bidVolume   float64
	askVolume   float64

	// Scan hints for BestBid/BestAsk. bestBidHint is the highest index that
	// may hold a non-zero bid; bestAskHint the lowest for asks.
	bestBidHint int
	bestAskHint int

	lastUpdate time.Time
	discarded  uint64 // out-of-grid levels dropped
}

// NewLiveBook allocates the dense grid. The grid has
// floor((max-min)/tick)+1 entries and is never resized.
func NewLiveBook(productID string, minPrice, maxPrice, tickSize float64) *LiveBook {
	b := &LiveBook{
		productID: productID,
		minPrice:  minPrice,
		maxPrice:  maxPrice,
		tickSize:  tickSize,
	}
	if tickSize <= 0 || maxPrice < minPrice {
		return b
	}
	size := int((maxPrice-minPrice)/tickSize) + 1
	b.bids = make([]float64, size)
	b.asks = make([]float64, size)
	b.bestBidHint = -1
	b.bestAskHint = size
	return b
}

func (b *LiveBook) ProductID() string { return b.productID }

func (b *LiveBook) MinPrice() float64 { return b.minPrice }

func (b *LiveBook) TickSize() float64 { return b.tickSize }

// priceToIndex maps a price to its grid slot. Rounding keeps on-grid prices
// exact in the presence of float noise.
func (b *LiveBook) priceToIndex(price float64) int {
	return int(math.Round((price - b.minPrice) / b.tickSize))
}

// indexToPrice is the inverse of priceToIndex.
func (b *LiveBook) indexToPrice(i int) float64 {
	return b.minPrice + float64(i)*b.tickSize
}

// Apply writes a batch of level updates, stamping the book with the exchange
// timestamp. Levels outside the configured grid are discarded and counted.
func (b *LiveBook) Apply(updates []LevelUpdate, exchangeTS time.Time) {
	if len(updates) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastUpdate = exchangeTS
	for _, u := range updates {
		b.applyLocked(u.Bid, u.Price, u.Size)
	}
}

func (b *LiveBook) applyLocked(isBid bool, price, size float64) {
	if b.tickSize <= 0 || price < b.minPrice || price > b.maxPrice {
		b.discarded++
		return
	}
	i := b.priceToIndex(price)
	levels := b.bids
	if !isBid {
		levels = b.asks
	}
	if i < 0 || i >= len(levels) {
		b.discarded++
		return
	}

	prev := levels[i]
	next := size
	if next < 0 {
		next = 0
	}
	if prev == next {
		return
	}
	levels[i] = next

	wasNonZero := prev > 0
	isNonZero := next > 0
	if isBid {
		b.bidVolume += next - prev
		if b.bidVolume < 0 {
			b.bidVolume = 0
		}
		if wasNonZero != isNonZero {
			if isNonZero {
				b.nonZeroBids++
			} else if b.nonZeroBids > 0 {
				b.nonZeroBids--
			}
		}
		if isNonZero && i > b.bestBidHint {
			b.bestBidHint = i
		}
	} else {
		b.askVolume += next - prev
		if b.askVolume < 0 {
			b.askVolume = 0
		}
		if wasNonZero != isNonZero {
			if isNonZero {
				b.nonZeroAsks++
			} else if b.nonZeroAsks > 0 {
				b.nonZeroAsks--
			}
		}
		if isNonZero && i < b.bestAskHint {
			b.bestAskHint = i
		}
	}
}

// BestBid returns the highest-priced non-zero bid.
func (b *LiveBook) BestBid() (price, size float64, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := min(b.bestBidHint, len(b.bids)-1); i >= 0; i-- {
		if b.bids[i] > 0 {
			b.bestBidHint = i
			return b.indexToPrice(i), b.bids[i], true
		}
	}
	b.bestBidHint = -1
	return 0, 0, false
}

// BestAsk returns the lowest-priced non-zero ask.
func (b *LiveBook) BestAsk() (price, size float64, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := max(b.bestAskHint, 0); i < len(b.asks); i++ {
		if b.asks[i] > 0 {
			b.bestAskHint = i
			return b.indexToPrice(i), b.asks[i], true
		}
	}
	b.bestAskHint = len(b.asks)
	return 0, 0, false
}

// Spread returns bestAsk - bestBid, or false if either side is empty.
func (b *LiveBook) Spread() (float64, bool) {
	bid, _, okBid := b.BestBid()
	ask, _, okAsk := b.BestAsk()
	if !okBid || !okAsk {
		return 0, false
	}
	return ask - bid, true
}

// CaptureDenseNonZero fills the supplied buffers with every non-zero level
// and returns a view over them. Bids are emitted best-first (high to low),
// asks low to high. A stride > 1 downsamples the grid, aggregating each
// stride window by max and reporting the window's start index. Buffers are
// reused via append(buf[:0], ...) semantics so steady-state captures do not
// allocate.
func (b *LiveBook) CaptureDenseNonZero(bidBuf, askBuf []DenseLevel, stride int) DenseSnapshotView {
	if stride < 1 {
		stride = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	bidBuf = bidBuf[:0]
	askBuf = askBuf[:0]

	if stride == 1 {
		for i := len(b.bids) - 1; i >= 0; i-- {
			if b.bids[i] > 0 {
				bidBuf = append(bidBuf, DenseLevel{Index: uint32(i), Size: b.bids[i]})
			}
		}
		for i := 0; i < len(b.asks); i++ {
			if b.asks[i] > 0 {
				askBuf = append(askBuf, DenseLevel{Index: uint32(i), Size: b.asks[i]})
			}
		}
	} else {
		for start := (len(b.bids) - 1) / stride * stride; start >= 0; start -= stride {
			if lvl, ok := windowMax(b.bids, start, stride); ok {
				lvl.Index = uint32(start)
				bidBuf = append(bidBuf, lvl)
			}
		}
		for start := 0; start < len(b.asks); start += stride {
			if lvl, ok := windowMax(b.asks, start, stride); ok {
				lvl.Index = uint32(start)
				askBuf = append(askBuf, lvl)
			}
		}
	}

	return DenseSnapshotView{
		MinPrice:  b.minPrice,
		TickSize:  b.tickSize,
		Timestamp: b.lastUpdate,
		Bids:      bidBuf,
		Asks:      askBuf,
	}
}

func windowMax(levels []float64, start, stride int) (DenseLevel, bool) {
	var best float64
	end := min(start+stride, len(levels))
	for i := start; i < end; i++ {
		if levels[i] > best {
			best = levels[i]
		}
	}
	if best <= 0 {
		return DenseLevel{}, false
	}
	return DenseLevel{Size: best}, true
}

// Snapshot converts the dense state to the sparse OrderBook form:
// bids best-first, asks low to high.
func (b *LiveBook) Snapshot() domain.OrderBook {
	b.mu.Lock()
	defer b.mu.Unlock()

	ob := domain.OrderBook{
		ProductID: b.productID,
		Timestamp: b.lastUpdate,
		Bids:      make([]domain.BookLevel, 0, b.nonZeroBids),
		Asks:      make([]domain.BookLevel, 0, b.nonZeroAsks),
	}
	for i := len(b.bids) - 1; i >= 0; i-- {
		if b.bids[i] > 0 {
			ob.Bids = append(ob.Bids, domain.BookLevel{Price: b.indexToPrice(i), Size: b.bids[i]})
		}
	}
	for i := 0; i < len(b.asks); i++ {
		if b.asks[i] > 0 {
			ob.Asks = append(ob.Asks, domain.BookLevel{Price: b.indexToPrice(i), Size: b.asks[i]})
		}
	}
	return ob
}

// BidCount returns the number of non-zero bid levels.
func (b *LiveBook) BidCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nonZeroBids
}

// AskCount returns the number of non-zero ask levels.
func (b *LiveBook) AskCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nonZeroAsks
}

// BidVolume returns the summed size across non-zero bid levels.
func (b *LiveBook) BidVolume() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bidVolume
}

// AskVolume returns the summed size across non-zero ask levels.
func (b *LiveBook) AskVolume() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.askVolume
}

// Empty reports whether both sides hold no liquidity.
func (b *LiveBook) Empty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nonZeroBids == 0 && b.nonZeroAsks == 0
}

// LastUpdate returns the exchange timestamp of the most recent apply.
func (b *LiveBook) LastUpdate() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastUpdate
}

// Discarded returns the number of out-of-grid levels dropped so far.
func (b *LiveBook) Discarded() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.discarded
}
