package matching

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alphaTradeSync/internal/domain"
	"alphaTradeSync/internal/ports"
)

func execRec(symbol string, side domain.FillSide, price, qty float64, tag string, at time.Time) ports.ExecutionRecord {
	return ports.ExecutionRecord{
		Symbol:      symbol,
		Side:        side,
		OrderID:     "ord-" + at.Format("150405"),
		ExecID:      "exec-" + at.Format("150405"),
		OrderLinkID: tag,
		ExecPrice:   price,
		ExecQty:     qty,
		ExecFee:     0.1,
		ExecTime:    at,
	}
}

func TestMatchFills_PairsBuyWithLaterSell(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	execs := []ports.ExecutionRecord{
		execRec("ETHUSDT", domain.SideBuy, 2000, 1, "momentum_001:entry:1", t0),
		execRec("ETHUSDT", domain.SideSell, 2100, 1, "momentum_001:take_profit:2", t0.Add(time.Hour)),
		execRec("ETHUSDT", domain.SideBuy, 2050, 1, "momentum_001:entry:3", t0.Add(2*time.Hour)),
		execRec("ETHUSDT", domain.SideSell, 2150, 1, "momentum_001:take_profit:4", t0.Add(3*time.Hour)),
	}

	trades := MatchFills(execs, domain.SourceBybitAPI)
	require.Len(t, trades, 2)

	assert.InDelta(t, 2000.0, trades[0].EntryPrice, 1e-9)
	assert.InDelta(t, 2100.0, trades[0].ExitPrice, 1e-9)
	assert.InDelta(t, 100.0, trades[0].GrossPnL, 1e-9)
	assert.Equal(t, "momentum_001", trades[0].BotID)
	assert.Equal(t, "entry", trades[0].EntryReason)
	assert.Equal(t, "take_profit", trades[0].ExitReason)
	assert.Equal(t, time.Hour, trades[0].HoldingDuration)

	assert.InDelta(t, 2050.0, trades[1].EntryPrice, 1e-9)
	assert.InDelta(t, 2150.0, trades[1].ExitPrice, 1e-9)
}

func TestMatchFills_SkipsSellBeforeBuy(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	execs := []ports.ExecutionRecord{
		// Orphan sell from a position opened before the window.
		execRec("ETHUSDT", domain.SideSell, 1990, 1, "momentum_001:stop_loss:0", t0),
		execRec("ETHUSDT", domain.SideBuy, 2000, 1, "momentum_001:entry:1", t0.Add(time.Minute)),
		execRec("ETHUSDT", domain.SideSell, 2100, 1, "momentum_001:take_profit:2", t0.Add(time.Hour)),
	}

	trades := MatchFills(execs, domain.SourceBybitAPI)
	require.Len(t, trades, 1)
	assert.InDelta(t, 2000.0, trades[0].EntryPrice, 1e-9)
	assert.InDelta(t, 2100.0, trades[0].ExitPrice, 1e-9)
}

func TestMatchFills_MismatchedQtyUsesSmaller(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	execs := []ports.ExecutionRecord{
		execRec("ETHUSDT", domain.SideBuy, 2000, 2, "momentum_001:entry:1", t0),
		execRec("ETHUSDT", domain.SideSell, 2100, 1.5, "momentum_001:take_profit:2", t0.Add(time.Hour)),
	}

	trades := MatchFills(execs, domain.SourceBybitAPI)
	require.Len(t, trades, 1)
	// Gross uses the smaller leg; entry/exit quantities keep the raw values.
	assert.InDelta(t, (2100.0-2000.0)*1.5, trades[0].GrossPnL, 1e-9)
	assert.InDelta(t, 2.0, trades[0].EntryQty, 1e-9)
	assert.InDelta(t, 1.5, trades[0].ExitQty, 1e-9)
}

func TestMatchFills_UnparseableTagFallsBackToUnknown(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	execs := []ports.ExecutionRecord{
		execRec("ETHUSDT", domain.SideBuy, 2000, 1, "garbage", t0),
		execRec("ETHUSDT", domain.SideSell, 2100, 1, "momentum_001:take_profit:2", t0.Add(time.Hour)),
	}

	trades := MatchFills(execs, domain.SourceBybitAPI)
	require.Len(t, trades, 1)
	// Bot recovered from the exit leg when the entry tag is unusable.
	assert.Equal(t, "momentum_001", trades[0].BotID)
	assert.Equal(t, "", trades[0].EntryReason)
}

func TestMatchAllSymbols(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	execs := []ports.ExecutionRecord{
		execRec("ETHUSDT", domain.SideBuy, 2000, 1, "momentum_001:entry:1", t0),
		execRec("BTCUSDT", domain.SideBuy, 60000, 0.1, "shortseller_001:entry:1", t0),
		execRec("ETHUSDT", domain.SideSell, 2100, 1, "momentum_001:take_profit:2", t0.Add(time.Hour)),
		execRec("BTCUSDT", domain.SideSell, 61000, 0.1, "shortseller_001:take_profit:2", t0.Add(time.Hour)),
	}

	trades := MatchAllSymbols(execs, domain.SourceBybitAPI)
	require.Len(t, trades, 2)
	symbols := []string{trades[0].Symbol, trades[1].Symbol}
	assert.Contains(t, symbols, "ETHUSDT")
	assert.Contains(t, symbols, "BTCUSDT")
}

func TestValidateTrade(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	good := &domain.CompletedTrade{
		TradeID: "x", BotID: "b", Symbol: "ETHUSDT",
		EntryPrice: 2000, ExitPrice: 2100,
		EntryQty: 1, ExitQty: 1,
		EntryTime: t0, ExitTime: t0.Add(time.Hour),
	}
	assert.NoError(t, ValidateTrade(good))

	bad := *good
	bad.ExitTime = t0
	assert.ErrorIs(t, ValidateTrade(&bad), ports.ErrMappingFailed)

	bad = *good
	bad.EntryPrice = 0
	assert.Error(t, ValidateTrade(&bad))

	bad = *good
	bad.BotID = ""
	assert.Error(t, ValidateTrade(&bad))
}
