package domain

import (
	"fmt"
	"time"
)

// CompletedTrade is the result of matching a closing quantity against a
// single lot slice. One close request may produce several CompletedTrade
// rows when it spans multiple lots.
type CompletedTrade struct {
	TradeID string // Deterministic key, see NewTradeID
	BotID   string
	Symbol  string

	// Entry leg
	EntryOrderID       string
	EntryClientOrderID string
	EntrySide          FillSide
	EntryPrice         float64
	EntryQty           float64
	EntryTime          time.Time
	EntryReason        string
	EntryCommission    float64

	// Exit leg
	ExitOrderID       string
	ExitClientOrderID string
	ExitSide          FillSide
	ExitPrice         float64
	ExitQty           float64
	ExitTime          time.Time
	ExitReason        string
	ExitCommission    float64

	// Performance
	GrossPnL        float64
	NetPnL          float64
	PnLPct          float64
	TotalCommission float64
	HoldingDuration time.Duration

	Source   TradeSource
	SyncedAt time.Time
}

// NewTradeID derives the deterministic trade key. The same logical trade
// produced by different ingestion paths collapses to one record.
func NewTradeID(botID, symbol string, entryTime, exitTime time.Time) string {
	return fmt.Sprintf("%s_%s_%d_%d", botID, symbol, entryTime.UnixMilli(), exitTime.UnixMilli())
}
