package domain

import "time"

// Lot represents one unit of opened exposure awaiting closure.
// Lots for a given (bot, symbol) are always consumed oldest-first (FIFO);
// EntryTime is the ordering key, ID the tie-break.
type Lot struct {
	ID              int64     // Unique identifier (from DB)
	BotID           string    // Owning bot
	Symbol          string    // Trading symbol
	Side            FillSide  // Entry side: Buy opens a long, Sell a short
	EntryPrice      float64   // Price at which the exposure was opened
	OriginalQty     float64   // Quantity at entry
	RemainingQty    float64   // Quantity still open (decreases on closes)
	EntryTime       time.Time // Entry timestamp
	EntryCommission float64   // Fee paid on entry
	EntryReason     string    // Tag reason of the entry fill
	EntryOrderID    string    // Exchange order ID of the entry fill
	Status          LotStatus // open, partially_closed or closed
}

// IsOpen reports whether any quantity remains in the lot.
func (l *Lot) IsOpen() bool {
	return l.Status != LotStatusClosed && l.RemainingQty > 0
}
