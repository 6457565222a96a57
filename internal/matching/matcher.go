// Package matching implements the FIFO lot-matching algorithm that converts
// entry and exit fills into completed trades with realized P&L.
package matching

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"alphaTradeSync/internal/domain"
)

// ErrCloseExceedsOpenQty is returned when a close request asks for more
// quantity than the open lots hold. The matched portion is still returned;
// the remainder is reported in CloseResult.UnmatchedQty so callers can
// surface it instead of silently truncating.
var ErrCloseExceedsOpenQty = errors.New("close quantity exceeds total open quantity")

// ErrNoOpenLots is returned when a close request finds nothing to match.
var ErrNoOpenLots = errors.New("no open lots to close")

// qtyEpsilon absorbs float64 dust when deciding whether a lot is exhausted.
const qtyEpsilon = 1e-9

// CloseRequest describes one closing action against the open lots of a
// (bot, symbol).
type CloseRequest struct {
	BotID             string
	Symbol            string
	Qty               float64
	ExitPrice         float64
	ExitTime          time.Time
	ExitReason        string
	ExitCommission    float64
	ExitOrderID       string
	ExitClientOrderID string
	Source            domain.TradeSource
}

// CloseResult holds the outcome of a FIFO close: the consumed lots with
// updated remaining quantities and one CompletedTrade per lot slice.
type CloseResult struct {
	Trades       []*domain.CompletedTrade
	UpdatedLots  []*domain.Lot
	MatchedQty   float64
	UnmatchedQty float64
}

// CloseFIFO consumes open lots oldest-first until the closing quantity is
// exhausted. Each consumed slice yields one CompletedTrade; commissions are
// apportioned proportionally (entry by lot consumption, exit by share of the
// matched quantity). Slices that resolve to the same trade key, from lots
// opened in the same millisecond, are merged into one trade. Lots are
// mutated in place.
func CloseFIFO(lots []*domain.Lot, req CloseRequest) (*CloseResult, error) {
	if req.Qty <= 0 {
		return nil, fmt.Errorf("close quantity must be positive, got %f", req.Qty)
	}

	open := make([]*domain.Lot, 0, len(lots))
	var totalOpen float64
	for _, lot := range lots {
		if lot.IsOpen() {
			open = append(open, lot)
			totalOpen += lot.RemainingQty
		}
	}
	if len(open) == 0 {
		return nil, ErrNoOpenLots
	}
	sortLotsFIFO(open)

	// Exit commission is spread over what actually matches so the slice
	// commissions always sum to the request's commission.
	matchedTotal := req.Qty
	if totalOpen < matchedTotal {
		matchedTotal = totalOpen
	}

	res := &CloseResult{}
	remaining := req.Qty
	for _, lot := range open {
		if remaining <= qtyEpsilon {
			break
		}
		qtyClosed := lot.RemainingQty
		if remaining < qtyClosed {
			qtyClosed = remaining
		}

		trade := sliceTrade(lot, req, qtyClosed, matchedTotal)
		res.Trades = append(res.Trades, trade)

		lot.RemainingQty -= qtyClosed
		if lot.RemainingQty <= qtyEpsilon {
			lot.RemainingQty = 0
			lot.Status = domain.LotStatusClosed
		} else {
			lot.Status = domain.LotStatusPartiallyClosed
		}
		res.UpdatedLots = append(res.UpdatedLots, lot)

		remaining -= qtyClosed
		res.MatchedQty += qtyClosed
	}
	res.Trades = mergeSameKeyTrades(res.Trades)

	if remaining > qtyEpsilon {
		res.UnmatchedQty = remaining
		return res, fmt.Errorf("%w: requested %f, open %f", ErrCloseExceedsOpenQty, req.Qty, totalOpen)
	}
	return res, nil
}

// WeightedAvgEntryPrice computes the remaining-quantity-weighted average
// entry price across lots. Returns 0 when nothing is open.
func WeightedAvgEntryPrice(lots []*domain.Lot) float64 {
	var totalQty, weighted float64
	for _, lot := range lots {
		if !lot.IsOpen() {
			continue
		}
		totalQty += lot.RemainingQty
		weighted += lot.EntryPrice * lot.RemainingQty
	}
	if totalQty == 0 {
		return 0
	}
	return weighted / totalQty
}

// TotalOpenQty sums the remaining quantity across open lots.
func TotalOpenQty(lots []*domain.Lot) float64 {
	var total float64
	for _, lot := range lots {
		if lot.IsOpen() {
			total += lot.RemainingQty
		}
	}
	return total
}

func sliceTrade(lot *domain.Lot, req CloseRequest, qtyClosed, matchedTotal float64) *domain.CompletedTrade {
	gross := (req.ExitPrice - lot.EntryPrice) * qtyClosed
	if lot.Side == domain.SideSell {
		gross = -gross
	}

	entryCommission := 0.0
	if lot.OriginalQty > 0 {
		entryCommission = lot.EntryCommission * (qtyClosed / lot.OriginalQty)
	}
	exitCommission := 0.0
	if matchedTotal > 0 {
		exitCommission = req.ExitCommission * (qtyClosed / matchedTotal)
	}
	net := gross - entryCommission - exitCommission

	costBasis := lot.EntryPrice * qtyClosed
	pnlPct := 0.0
	if costBasis != 0 {
		pnlPct = net / costBasis * 100
	}

	return &domain.CompletedTrade{
		TradeID:            domain.NewTradeID(req.BotID, req.Symbol, lot.EntryTime, req.ExitTime),
		BotID:              req.BotID,
		Symbol:             req.Symbol,
		EntryOrderID:       lot.EntryOrderID,
		EntrySide:          lot.Side,
		EntryPrice:         lot.EntryPrice,
		EntryQty:           qtyClosed,
		EntryTime:          lot.EntryTime,
		EntryReason:        lot.EntryReason,
		EntryCommission:    entryCommission,
		ExitOrderID:        req.ExitOrderID,
		ExitClientOrderID:  req.ExitClientOrderID,
		ExitSide:           lot.Side.Opposite(),
		ExitPrice:          req.ExitPrice,
		ExitQty:            qtyClosed,
		ExitTime:           req.ExitTime,
		ExitReason:         req.ExitReason,
		ExitCommission:     exitCommission,
		GrossPnL:           gross,
		NetPnL:             net,
		PnLPct:             pnlPct,
		TotalCommission:    entryCommission + exitCommission,
		HoldingDuration:    req.ExitTime.Sub(lot.EntryTime),
		Source:             req.Source,
	}
}

// mergeSameKeyTrades folds slices sharing a trade key into one trade. Two
// lots opened by separate executions of one order carry the same entry
// millisecond, so their slices describe one logical trade under one key.
func mergeSameKeyTrades(trades []*domain.CompletedTrade) []*domain.CompletedTrade {
	if len(trades) < 2 {
		return trades
	}
	byID := make(map[string]*domain.CompletedTrade, len(trades))
	merged := trades[:0]
	for _, trade := range trades {
		prev, ok := byID[trade.TradeID]
		if !ok {
			byID[trade.TradeID] = trade
			merged = append(merged, trade)
			continue
		}
		mergeSlice(prev, trade)
	}
	return merged
}

func mergeSlice(dst, src *domain.CompletedTrade) {
	qty := dst.EntryQty + src.EntryQty
	if qty > 0 {
		dst.EntryPrice = (dst.EntryPrice*dst.EntryQty + src.EntryPrice*src.EntryQty) / qty
	}
	dst.EntryQty = qty
	dst.ExitQty += src.ExitQty
	dst.EntryCommission += src.EntryCommission
	dst.ExitCommission += src.ExitCommission
	dst.TotalCommission = dst.EntryCommission + dst.ExitCommission
	dst.GrossPnL += src.GrossPnL
	dst.NetPnL += src.NetPnL
	dst.PnLPct = 0
	if costBasis := dst.EntryPrice * dst.EntryQty; costBasis != 0 {
		dst.PnLPct = dst.NetPnL / costBasis * 100
	}
}

// sortLotsFIFO orders lots oldest entry first; IDs break ties so replays
// are deterministic.
func sortLotsFIFO(lots []*domain.Lot) {
	sort.SliceStable(lots, func(i, j int) bool {
		if lots[i].EntryTime.Equal(lots[j].EntryTime) {
			return lots[i].ID < lots[j].ID
		}
		return lots[i].EntryTime.Before(lots[j].EntryTime)
	})
}
