// Package histsync backfills and repairs trade history from the exchange's
// REST endpoints so the ledger converges with exchange truth after downtime.
package histsync

import (
	"fmt"
	"math"
	"time"

	"alphaTradeSync/internal/domain"
	"alphaTradeSync/internal/ports"
)

// MapClosedPnL converts one exchange closed-P&L record into a CompletedTrade
// attributed to botID. ClosedPnL is reported net of fees, so the gross figure
// is reconstructed by adding the fees back.
func MapClosedPnL(botID string, rec ports.ClosedPnLRecord, now time.Time) (*domain.CompletedTrade, error) {
	if botID == "" || rec.Symbol == "" {
		return nil, fmt.Errorf("closed pnl record missing bot or symbol: %w", ports.ErrMappingFailed)
	}
	if rec.ClosedSize <= 0 {
		return nil, fmt.Errorf("closed pnl record for %s has non-positive size %v: %w",
			rec.Symbol, rec.ClosedSize, ports.ErrMappingFailed)
	}

	entryTime := rec.CreatedTime
	exitTime := rec.UpdatedTime
	// Some records report identical or inverted timestamps; the exit is
	// clamped forward so the deterministic trade key stays well ordered.
	if !exitTime.After(entryTime) {
		exitTime = entryTime.Add(time.Second)
	}

	openFee := math.Abs(rec.OpenFee)
	closeFee := math.Abs(rec.CloseFee)
	net := rec.ClosedPnL
	gross := net + openFee + closeFee

	var pnlPct float64
	if rec.CumEntryValue != 0 {
		pnlPct = net / rec.CumEntryValue * 100
	}

	entrySide := rec.Side
	entryReason := domain.ReasonLongEntry
	exitReason := domain.ReasonLongExit
	if entrySide == domain.SideSell {
		entryReason = domain.ReasonShortEntry
		exitReason = domain.ReasonShortExit
	}

	return &domain.CompletedTrade{
		TradeID: domain.NewTradeID(botID, rec.Symbol, entryTime, exitTime),
		BotID:   botID,
		Symbol:  rec.Symbol,

		EntryOrderID:    rec.OrderID,
		EntrySide:       entrySide,
		EntryPrice:      rec.AvgEntryPrice,
		EntryQty:        rec.ClosedSize,
		EntryTime:       entryTime,
		EntryReason:     entryReason,
		EntryCommission: openFee,

		ExitOrderID:    rec.OrderID,
		ExitSide:       entrySide.Opposite(),
		ExitPrice:      rec.AvgExitPrice,
		ExitQty:        rec.ClosedSize,
		ExitTime:       exitTime,
		ExitReason:     exitReason,
		ExitCommission: closeFee,

		GrossPnL:        gross,
		NetPnL:          net,
		PnLPct:          pnlPct,
		TotalCommission: openFee + closeFee,
		HoldingDuration: exitTime.Sub(entryTime),

		Source:   domain.SourceBybitAPI,
		SyncedAt: now,
	}, nil
}
