package domain

import "time"

// OrderUpdate is one order-lifecycle event from the exchange stream
// (New, PartiallyFilled, Filled, Cancelled, Rejected). Upserted on OrderID.
type OrderUpdate struct {
	BotID         string
	Symbol        string
	OrderID       string
	ClientOrderID string
	OrderType     string
	Side          FillSide
	Quantity      float64
	Price         float64
	Status        string
	UpdatedAt     time.Time
}
