package ports

import (
	"context"
	"time"

	"alphaTradeSync/internal/domain"
)

// ExecutionRecord is one historical execution returned by the exchange's
// REST execution-history endpoint. Tag fidelity is preserved: OrderLinkID
// carries the verbatim client order tag.
type ExecutionRecord struct {
	Symbol      string
	Side        domain.FillSide
	OrderID     string
	ExecID      string
	OrderLinkID string // Client order tag, verbatim
	ExecPrice   float64
	ExecQty     float64
	ExecFee     float64
	ExecTime    time.Time
}

// ClosedPnLRecord is one completed-position record from the exchange's
// closed-P&L history. It is complete but loses the client order tag.
type ClosedPnLRecord struct {
	Symbol        string
	OrderID       string
	Side          domain.FillSide // Entry side of the position
	ClosedSize    float64
	AvgEntryPrice float64
	AvgExitPrice  float64
	ClosedPnL     float64 // Net of fees, as reported by the exchange
	OpenFee       float64
	CloseFee      float64
	CumEntryValue float64
	CreatedTime   time.Time // Position opened
	UpdatedTime   time.Time // Position closed
}

// LivePosition is the exchange's authoritative view of a currently open
// position.
type LivePosition struct {
	Symbol        string
	Side          domain.FillSide
	Size          float64
	AvgPrice      float64
	UnrealizedPnL float64
}

// ExchangeClient defines REST access to the exchange. Implementations own
// request signing, cursor pagination and rate limiting; callers receive
// fully drained result sets for a time window.
type ExchangeClient interface {
	// ListExecutions fetches all executions in [start, end), following the
	// page cursor until exhausted.
	ListExecutions(ctx context.Context, start, end time.Time) ([]ExecutionRecord, error)

	// ListClosedPnL fetches all closed-P&L records in [start, end),
	// optionally filtered by symbol (empty for all).
	ListClosedPnL(ctx context.Context, start, end time.Time, symbol string) ([]ClosedPnLRecord, error)

	// ListPositions returns all currently open positions.
	ListPositions(ctx context.Context) ([]LivePosition, error)

	// Ping checks connectivity and credentials.
	Ping(ctx context.Context) error
}

// ExecutionEvent is one fill delivered by the private stream.
type ExecutionEvent struct {
	Symbol      string
	Side        domain.FillSide
	OrderID     string
	ExecID      string
	OrderLinkID string
	ExecPrice   float64
	ExecQty     float64
	ExecFee     float64
	ExecTime    time.Time
}

// OrderEvent is one order-lifecycle update delivered by the private stream.
type OrderEvent struct {
	Symbol      string
	Side        domain.FillSide
	OrderID     string
	OrderLinkID string
	OrderType   string
	OrderStatus string
	Qty         float64
	Price       float64
	UpdatedAt   time.Time
}

// PositionEvent is the exchange-reported position aggregate. It is
// authoritative truth for current size/side/average price and exists to
// bound cache drift even when fill tags are ambiguous.
type PositionEvent struct {
	Symbol        string
	Side          domain.FillSide
	Size          float64
	AvgPrice      float64
	UnrealizedPnL float64
}

// StreamHandler consumes events from the private stream. Events for a given
// (bot, symbol) arrive strictly in order; handlers must never block forever.
type StreamHandler interface {
	HandleExecution(ctx context.Context, ev ExecutionEvent) error
	HandleOrder(ctx context.Context, ev OrderEvent) error
	HandlePosition(ctx context.Context, ev PositionEvent) error
}

// ExchangeStream is the persistent private streaming connection. Start
// blocks until ctx is cancelled, transparently reconnecting and
// re-subscribing on disconnect.
type ExchangeStream interface {
	Start(ctx context.Context, handler StreamHandler) error
}
