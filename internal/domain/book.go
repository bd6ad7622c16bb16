package domain

import "time"

// BookLevel is one sparse order-book price level.
type BookLevel struct {
	Price float64
	Size  float64
}

// OrderBook is a sparse point-in-time view of a product's book.
// Bids are ordered best-first (high to low), asks low to high.
type OrderBook struct {
	ProductID string
	Bids      []BookLevel
	Asks      []BookLevel
	Timestamp time.Time
}
