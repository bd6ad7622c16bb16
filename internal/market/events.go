// Package market wires the transport, decoder, cache and liquidity engines
// into one streaming core and fans consumer events out to subscribers.
package market

import (
	"time"

	"github.com/pattty847/Sentinel-sub000/internal/domain"
	"github.com/pattty847/Sentinel-sub000/internal/liquidity"
)

// EventKind discriminates ConsumerEvent payloads.
type EventKind int

const (
	TradeReceived EventKind = iota
	OrderBookUpdated
	ConnectionStatusChanged
	ErrorOccurred
	TimeSliceReady
)

func (k EventKind) String() string {
	switch k {
	case TradeReceived:
		return "trade"
	case OrderBookUpdated:
		return "book"
	case ConnectionStatusChanged:
		return "connection"
	case ErrorOccurred:
		return "error"
	case TimeSliceReady:
		return "slice"
	default:
		return "unknown"
	}
}

// ConsumerEvent is one occurrence delivered to bus subscribers. Only the
// fields relevant to the kind are set.
type ConsumerEvent struct {
	Kind      EventKind
	ProductID string
	Timestamp time.Time

	// TradeReceived
	Trade *domain.Trade

	// ConnectionStatusChanged
	Connected   bool
	Reconnected bool

	// ErrorOccurred
	Err string

	// TimeSliceReady
	TimeframeMs int64
	Slice       *liquidity.TimeSlice
}
