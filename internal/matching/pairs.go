package matching

import (
	"fmt"
	"sort"

	"alphaTradeSync/internal/domain"
	"alphaTradeSync/internal/ports"
)

// MatchAllSymbols groups raw executions by symbol and pairs buys with sells
// FIFO per symbol. Used when explicit lot tracking is unavailable, e.g. when
// rebuilding completed trades from historical execution pages.
func MatchAllSymbols(execs []ports.ExecutionRecord, source domain.TradeSource) []*domain.CompletedTrade {
	bySymbol := make(map[string][]ports.ExecutionRecord)
	for _, e := range execs {
		if e.Symbol == "" {
			continue
		}
		bySymbol[e.Symbol] = append(bySymbol[e.Symbol], e)
	}

	symbols := make([]string, 0, len(bySymbol))
	for s := range bySymbol {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	var all []*domain.CompletedTrade
	for _, s := range symbols {
		all = append(all, MatchFills(bySymbol[s], source)...)
	}
	return all
}

// MatchFills pairs buy and sell executions of one symbol FIFO: executions
// are sorted by time and each buy is matched to the earliest later sell not
// yet consumed. Quantity is the smaller leg when the two differ.
func MatchFills(execs []ports.ExecutionRecord, source domain.TradeSource) []*domain.CompletedTrade {
	var buys, sells []ports.ExecutionRecord
	for _, e := range execs {
		switch e.Side {
		case domain.SideBuy:
			buys = append(buys, e)
		case domain.SideSell:
			sells = append(sells, e)
		}
	}
	sortByExecTime(buys)
	sortByExecTime(sells)

	var trades []*domain.CompletedTrade
	sellIdx := 0
	for _, buy := range buys {
		for sellIdx < len(sells) {
			sell := sells[sellIdx]
			if sell.ExecTime.After(buy.ExecTime) {
				trades = append(trades, pairTrade(buy, sell, source))
				sellIdx++
				break
			}
			// This sell predates the buy; it belongs to an earlier cycle.
			sellIdx++
		}
	}
	return trades
}

// ValidateTrade checks a paired trade for required fields, time ordering and
// sane prices. Invalid trades are logged and dropped by callers, never
// silently counted as synced.
func ValidateTrade(trade *domain.CompletedTrade) error {
	if trade.TradeID == "" || trade.BotID == "" || trade.Symbol == "" {
		return fmt.Errorf("%w: missing identity fields", ports.ErrMappingFailed)
	}
	if !trade.ExitTime.After(trade.EntryTime) {
		return fmt.Errorf("%w: exit time must be after entry time", ports.ErrMappingFailed)
	}
	if trade.EntryPrice <= 0 || trade.ExitPrice <= 0 {
		return fmt.Errorf("%w: non-positive price", ports.ErrMappingFailed)
	}
	if trade.EntryQty <= 0 || trade.ExitQty <= 0 {
		return fmt.Errorf("%w: non-positive quantity", ports.ErrMappingFailed)
	}
	return nil
}

func pairTrade(buy, sell ports.ExecutionRecord, source domain.TradeSource) *domain.CompletedTrade {
	entryTag, entryErr := domain.ParseOrderTag(buy.OrderLinkID)
	exitTag, exitErr := domain.ParseOrderTag(sell.OrderLinkID)

	botID := domain.UnknownBotID
	if entryErr == nil {
		botID = entryTag.BotID
	} else if exitErr == nil {
		botID = exitTag.BotID
	}
	entryReason := ""
	if entryErr == nil {
		entryReason = entryTag.Reason
	}
	exitReason := ""
	if exitErr == nil {
		exitReason = exitTag.Reason
	}

	qty := buy.ExecQty
	if sell.ExecQty < qty {
		qty = sell.ExecQty
	}
	entryCommission := abs(buy.ExecFee)
	exitCommission := abs(sell.ExecFee)
	gross := (sell.ExecPrice - buy.ExecPrice) * qty
	net := gross - entryCommission - exitCommission

	costBasis := buy.ExecPrice * qty
	pnlPct := 0.0
	if costBasis > 0 {
		pnlPct = net / costBasis * 100
	}

	return &domain.CompletedTrade{
		TradeID:            domain.NewTradeID(botID, buy.Symbol, buy.ExecTime, sell.ExecTime),
		BotID:              botID,
		Symbol:             buy.Symbol,
		EntryOrderID:       buy.OrderID,
		EntryClientOrderID: buy.OrderLinkID,
		EntrySide:          buy.Side,
		EntryPrice:         buy.ExecPrice,
		EntryQty:           buy.ExecQty,
		EntryTime:          buy.ExecTime,
		EntryReason:        entryReason,
		EntryCommission:    entryCommission,
		ExitOrderID:        sell.OrderID,
		ExitClientOrderID:  sell.OrderLinkID,
		ExitSide:           sell.Side,
		ExitPrice:          sell.ExecPrice,
		ExitQty:            sell.ExecQty,
		ExitTime:           sell.ExecTime,
		ExitReason:         exitReason,
		ExitCommission:     exitCommission,
		GrossPnL:           gross,
		NetPnL:             net,
		PnLPct:             pnlPct,
		TotalCommission:    entryCommission + exitCommission,
		HoldingDuration:    sell.ExecTime.Sub(buy.ExecTime),
		Source:             source,
	}
}

func sortByExecTime(execs []ports.ExecutionRecord) {
	sort.SliceStable(execs, func(i, j int) bool {
		return execs[i].ExecTime.Before(execs[j].ExecTime)
	})
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
