package ports

import (
	"context"

	"alphaTradeSync/internal/domain"
)

// PositionCache is the low-latency store read by the trading bots for the
// current position per (bot, symbol). It carries no transactional guarantee
// with the ledger and is treated as disposable.
type PositionCache interface {
	// SetPosition writes the snapshot for (bot, symbol).
	SetPosition(ctx context.Context, snap *domain.PositionSnapshot) error

	// GetPosition returns the snapshot, or nil when the bot is flat or the
	// key is absent.
	GetPosition(ctx context.Context, botID, symbol string) (*domain.PositionSnapshot, error)

	// DeletePosition removes the snapshot (bot went flat).
	DeletePosition(ctx context.Context, botID, symbol string) error
}
