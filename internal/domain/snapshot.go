package domain

import "time"

// PositionSnapshot is the per-(bot, symbol) aggregate held in the position
// cache and read by the trading bots. It is derived state: always
// reconstructable from open lots plus the exchange-reported size.
type PositionSnapshot struct {
	BotID         string
	Symbol        string
	Size          float64  // 0 means flat
	Side          FillSide // Buy (long) or Sell (short); empty when flat
	AvgEntryPrice float64  // Weighted-average entry price across open lots
	UnrealizedPnL float64  // Last known unrealized P&L from the exchange
	UpdatedAt     time.Time
}
