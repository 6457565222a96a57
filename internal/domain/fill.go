package domain

import "time"

// Fill represents one atomic execution reported by the exchange.
// Fills are append-only; the ledger deduplicates on (OrderID, ExecID).
type Fill struct {
	ID            int64     // Unique identifier (from DB)
	BotID         string    // Owning bot, recovered from the client order tag
	Symbol        string    // Trading symbol (e.g., "BTCUSDT")
	Side          FillSide  // Buy or Sell
	ExecPrice     float64   // Execution price
	ExecQty       float64   // Executed quantity
	OrderID       string    // Exchange order identifier
	ExecID        string    // Exchange execution identifier (unique per fill)
	ClientOrderID string    // Raw client order tag ("bot:reason:timestamp")
	CloseReason   string    // Reason label recovered from the tag
	Commission    float64   // Fee paid for this execution
	ExecTime      time.Time // Execution timestamp (UTC)
}
