package domain

import "time"

// AggressorSide identifies which side initiated a trade.
type AggressorSide int

const (
	SideUnknown AggressorSide = iota
	SideBuy
	SideSell
)

// String returns the lowercase wire representation of the side.
func (s AggressorSide) String() string {
	switch s {
	case SideBuy:
		return "buy"
	case SideSell:
		return "sell"
	default:
		return "unknown"
	}
}

// Trade represents a single executed market trade.
// Built by the dispatch decoder from a market_trades wire frame.
type Trade struct {
	Timestamp time.Time     // exchange timestamp, UTC, microsecond precision
	ProductID string        // e.g. "BTC-USD"
	TradeID   string        // exchange-unique, used for deduplication and resume
	Side      AggressorSide // aggressor side
	Price     float64
	Size      float64
}
