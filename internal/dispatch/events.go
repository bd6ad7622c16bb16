// Package dispatch decodes Coinbase Advanced Trade WebSocket frames into
// typed events.
package dispatch

import (
	"time"

	"github.com/pattty847/Sentinel-sub000/internal/book"
	"github.com/pattty847/Sentinel-sub000/internal/domain"
)

// Event is one decoded occurrence from a frame. A single frame may carry
// several events.
type Event interface {
	isEvent()
}

// TradeEvent carries one executed trade.
type TradeEvent struct {
	Trade domain.Trade
}

// BookSnapshotEvent carries a full book image for one product.
type BookSnapshotEvent struct {
	ProductID string
	Bids      []domain.BookLevel
	Asks      []domain.BookLevel
	Timestamp time.Time
}

// BookUpdateEvent carries incremental level deltas for one product.
type BookUpdateEvent struct {
	ProductID string
	Updates   []book.LevelUpdate
	Timestamp time.Time
}

// SubscriptionAckEvent confirms the provider-side subscription state.
type SubscriptionAckEvent struct {
	Channels  map[string][]string // channel -> product ids
	Timestamp time.Time
}

// ProviderErrorEvent carries an in-band error frame from the exchange.
type ProviderErrorEvent struct {
	Message   string
	Timestamp time.Time
}

func (TradeEvent) isEvent()           {}
func (BookSnapshotEvent) isEvent()    {}
func (BookUpdateEvent) isEvent()      {}
func (SubscriptionAckEvent) isEvent() {}
func (ProviderErrorEvent) isEvent()   {}
