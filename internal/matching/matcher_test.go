package matching

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alphaTradeSync/internal/domain"
)

func makeLot(id int64, qty, price float64, entry time.Time) *domain.Lot {
	return &domain.Lot{
		ID:           id,
		BotID:        "momentum_001",
		Symbol:       "BTCUSDT",
		Side:         domain.SideBuy,
		EntryPrice:   price,
		OriginalQty:  qty,
		RemainingQty: qty,
		EntryTime:    entry,
		Status:       domain.LotStatusOpen,
	}
}

func closeReq(qty, price float64, exitTime time.Time) CloseRequest {
	return CloseRequest{
		BotID:      "momentum_001",
		Symbol:     "BTCUSDT",
		Qty:        qty,
		ExitPrice:  price,
		ExitTime:   exitTime,
		ExitReason: "take_profit",
		Source:     domain.SourceWebsocket,
	}
}

func TestCloseFIFO_SpansMultipleLots(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	lotA := makeLot(1, 10, 100, t0)
	lotB := makeLot(2, 5, 110, t0.Add(time.Hour))

	res, err := CloseFIFO([]*domain.Lot{lotA, lotB}, closeReq(12, 120, t0.Add(2*time.Hour)))
	require.NoError(t, err)
	require.Len(t, res.Trades, 2)

	// Slice 1: all of lot A, 10 @ 100 -> 120.
	assert.InDelta(t, 100.0, res.Trades[0].EntryPrice, 1e-9)
	assert.InDelta(t, 10.0, res.Trades[0].EntryQty, 1e-9)
	assert.InDelta(t, 200.0, res.Trades[0].GrossPnL, 1e-9)

	// Slice 2: 2 of lot B, 2 @ 110 -> 120.
	assert.InDelta(t, 110.0, res.Trades[1].EntryPrice, 1e-9)
	assert.InDelta(t, 2.0, res.Trades[1].EntryQty, 1e-9)
	assert.InDelta(t, 20.0, res.Trades[1].GrossPnL, 1e-9)

	assert.Equal(t, domain.LotStatusClosed, lotA.Status)
	assert.InDelta(t, 0.0, lotA.RemainingQty, 1e-9)
	assert.Equal(t, domain.LotStatusPartiallyClosed, lotB.Status)
	assert.InDelta(t, 3.0, lotB.RemainingQty, 1e-9)
}

func TestCloseFIFO_OldestFirst(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	// Deliberately passed out of order; the matcher must sort by entry time.
	lot3 := makeLot(3, 4, 130, t0.Add(2*time.Hour))
	lot1 := makeLot(1, 4, 110, t0)
	lot2 := makeLot(2, 4, 120, t0.Add(time.Hour))

	res, err := CloseFIFO([]*domain.Lot{lot3, lot1, lot2}, closeReq(2, 150, t0.Add(3*time.Hour)))
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)

	assert.InDelta(t, 110.0, res.Trades[0].EntryPrice, 1e-9)
	assert.Equal(t, domain.LotStatusPartiallyClosed, lot1.Status)
	assert.Equal(t, domain.LotStatusOpen, lot2.Status)
	assert.Equal(t, domain.LotStatusOpen, lot3.Status)
}

// The sum of net P&L across partial-close slices must equal the net P&L of
// one equivalent full close at the same exit price.
func TestCloseFIFO_Additivity(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	build := func() []*domain.Lot {
		a := makeLot(1, 10, 100, t0)
		a.EntryCommission = 0.5
		b := makeLot(2, 5, 110, t0.Add(time.Minute))
		b.EntryCommission = 0.25
		return []*domain.Lot{a, b}
	}
	exitTime := t0.Add(time.Hour)

	// Full close in one request.
	full, err := CloseFIFO(build(), CloseRequest{
		BotID: "momentum_001", Symbol: "BTCUSDT",
		Qty: 15, ExitPrice: 120, ExitTime: exitTime,
		ExitCommission: 0.9, Source: domain.SourceWebsocket,
	})
	require.NoError(t, err)

	// Same close split into two partials with the commission split by share.
	lots := build()
	part1, err := CloseFIFO(lots, CloseRequest{
		BotID: "momentum_001", Symbol: "BTCUSDT",
		Qty: 9, ExitPrice: 120, ExitTime: exitTime,
		ExitCommission: 0.9 * 9 / 15, Source: domain.SourceWebsocket,
	})
	require.NoError(t, err)
	part2, err := CloseFIFO(lots, CloseRequest{
		BotID: "momentum_001", Symbol: "BTCUSDT",
		Qty: 6, ExitPrice: 120, ExitTime: exitTime,
		ExitCommission: 0.9 * 6 / 15, Source: domain.SourceWebsocket,
	})
	require.NoError(t, err)

	sum := func(trades []*domain.CompletedTrade) float64 {
		var s float64
		for _, tr := range trades {
			s += tr.NetPnL
		}
		return s
	}
	assert.InDelta(t, sum(full.Trades), sum(part1.Trades)+sum(part2.Trades), 1e-9)
}

func TestCloseFIFO_CommissionApportionment(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	lot := makeLot(1, 10, 100, t0)
	lot.EntryCommission = 1.0

	req := closeReq(4, 110, t0.Add(time.Hour))
	req.ExitCommission = 0.8
	res, err := CloseFIFO([]*domain.Lot{lot}, req)
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)

	tr := res.Trades[0]
	// Entry: 1.0 * (4/10); exit: 0.8 * (4/4).
	assert.InDelta(t, 0.4, tr.EntryCommission, 1e-9)
	assert.InDelta(t, 0.8, tr.ExitCommission, 1e-9)
	assert.InDelta(t, 40.0-0.4-0.8, tr.NetPnL, 1e-9)
	assert.InDelta(t, tr.NetPnL/(100.0*4)*100, tr.PnLPct, 1e-9)
}

func TestCloseFIFO_ShortPosition(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	lot := makeLot(1, 5, 200, t0)
	lot.Side = domain.SideSell // short: profit when price falls

	res, err := CloseFIFO([]*domain.Lot{lot}, closeReq(5, 180, t0.Add(time.Hour)))
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)
	assert.InDelta(t, 100.0, res.Trades[0].GrossPnL, 1e-9)
	assert.Equal(t, domain.SideBuy, res.Trades[0].ExitSide)
}

func TestCloseFIFO_Overflow(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	lot := makeLot(1, 5, 100, t0)

	res, err := CloseFIFO([]*domain.Lot{lot}, closeReq(8, 110, t0.Add(time.Hour)))
	require.ErrorIs(t, err, ErrCloseExceedsOpenQty)
	require.NotNil(t, res)

	// The matched portion is still applied; nothing goes negative.
	require.Len(t, res.Trades, 1)
	assert.InDelta(t, 5.0, res.MatchedQty, 1e-9)
	assert.InDelta(t, 3.0, res.UnmatchedQty, 1e-9)
	assert.InDelta(t, 0.0, lot.RemainingQty, 1e-9)
	assert.Equal(t, domain.LotStatusClosed, lot.Status)
}

func TestCloseFIFO_NoOpenLots(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	closed := makeLot(1, 5, 100, t0)
	closed.RemainingQty = 0
	closed.Status = domain.LotStatusClosed

	_, err := CloseFIFO([]*domain.Lot{closed}, closeReq(1, 110, t0.Add(time.Hour)))
	assert.ErrorIs(t, err, ErrNoOpenLots)
}

func TestCloseFIFO_ZeroCostBasisPct(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	lot := makeLot(1, 5, 0, t0)

	res, err := CloseFIFO([]*domain.Lot{lot}, closeReq(5, 10, t0.Add(time.Hour)))
	require.NoError(t, err)
	assert.InDelta(t, 0.0, res.Trades[0].PnLPct, 1e-9)
}

func TestWeightedAvgEntryPrice(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	a := makeLot(1, 10, 100, t0)
	b := makeLot(2, 5, 110, t0.Add(time.Minute))

	want := (100.0*10 + 110.0*5) / 15.0
	assert.InDelta(t, want, WeightedAvgEntryPrice([]*domain.Lot{a, b}), 1e-9)

	assert.InDelta(t, 0.0, WeightedAvgEntryPrice(nil), 1e-9)
	assert.InDelta(t, 15.0, TotalOpenQty([]*domain.Lot{a, b}), 1e-9)
}

// One order filled by two executions opens two lots with the same entry
// millisecond. A close spanning both must yield one trade carrying the
// combined quantity and P&L, not two rows fighting over one key.
func TestCloseFIFO_SameEntryMillisecondLotsMerge(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	lotA := makeLot(1, 0.3, 60000, t0)
	lotA.EntryCommission = 0.9
	lotB := makeLot(2, 0.2, 62000, t0)
	lotB.EntryCommission = 0.6

	req := closeReq(0.5, 63000, t0.Add(time.Hour))
	req.ExitCommission = 1.5
	res, err := CloseFIFO([]*domain.Lot{lotA, lotB}, req)
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)

	tr := res.Trades[0]
	assert.Equal(t, domain.NewTradeID("momentum_001", "BTCUSDT", t0, req.ExitTime), tr.TradeID)
	assert.InDelta(t, 0.5, tr.EntryQty, 1e-9)
	assert.InDelta(t, 0.5, tr.ExitQty, 1e-9)
	assert.InDelta(t, (60000.0*0.3+62000.0*0.2)/0.5, tr.EntryPrice, 1e-9)
	wantGross := (63000.0-60000.0)*0.3 + (63000.0-62000.0)*0.2
	assert.InDelta(t, wantGross, tr.GrossPnL, 1e-9)
	assert.InDelta(t, wantGross-0.9-0.6-1.5, tr.NetPnL, 1e-9)
	assert.InDelta(t, 0.9+0.6+1.5, tr.TotalCommission, 1e-9)

	assert.Equal(t, domain.LotStatusClosed, lotA.Status)
	assert.Equal(t, domain.LotStatusClosed, lotB.Status)
}

func TestCloseFIFO_DeterministicTradeID(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	exit := t0.Add(time.Hour)

	first, err := CloseFIFO([]*domain.Lot{makeLot(1, 5, 100, t0)}, closeReq(5, 110, exit))
	require.NoError(t, err)
	second, err := CloseFIFO([]*domain.Lot{makeLot(1, 5, 100, t0)}, closeReq(5, 110, exit))
	require.NoError(t, err)

	assert.Equal(t, first.Trades[0].TradeID, second.Trades[0].TradeID)
	assert.Equal(t, domain.NewTradeID("momentum_001", "BTCUSDT", t0, exit), first.Trades[0].TradeID)
}
