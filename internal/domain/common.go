package domain

// FillSide represents the direction of an execution as reported by the exchange.
type FillSide string

const (
	SideBuy  FillSide = "Buy"
	SideSell FillSide = "Sell"
)

// Opposite returns the other side.
func (s FillSide) Opposite() FillSide {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// LotStatus represents the lifecycle status of a position lot.
type LotStatus string

const (
	LotStatusOpen            LotStatus = "open"
	LotStatusPartiallyClosed LotStatus = "partially_closed"
	LotStatusClosed          LotStatus = "closed"
)

// TradeSource identifies which ingestion path produced a completed trade.
// Live stream data carries the highest fidelity and is never overwritten by
// a lower-fidelity source.
type TradeSource string

const (
	SourceWebsocket TradeSource = "websocket"
	SourceBybitAPI  TradeSource = "bybit_api"
	SourceMigration TradeSource = "migration"
)

// UnknownBotID is assigned to fills whose client order tag could not be
// parsed. Such fills are quarantined from lot accounting but never dropped.
const UnknownBotID = "unknown"

// Reasons carried in the client order tag. Entry-like reasons open or extend
// a lot; anything else is treated as a closing action.
const (
	ReasonEntry      = "entry"
	ReasonScaleIn    = "scale_in"
	ReasonLongEntry  = "long_entry"
	ReasonShortEntry = "short_entry"

	ReasonLongExit        = "long_exit"
	ReasonShortExit       = "short_exit"
	ReasonBackfilledClose = "backfilled_close"
	ReasonUnrecoverable   = "unrecoverable_close"
	ReasonUnknown         = "unknown"
)

// IsEntryReason reports whether a tag reason indicates an opening action.
func IsEntryReason(reason string) bool {
	switch reason {
	case ReasonEntry, ReasonScaleIn, ReasonLongEntry, ReasonShortEntry:
		return true
	}
	return false
}
