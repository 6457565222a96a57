package ports

import (
	"context"
	"time"

	"alphaTradeSync/internal/domain"
)

// LedgerStore is the durable, queryable book of record for fills, lots and
// completed trades. It exclusively owns that history; the position cache is
// derived state.
type LedgerStore interface {
	// AppendFill records an execution. Returns false when the same
	// (order_id, exec_id) pair was already recorded (duplicate delivery).
	AppendFill(ctx context.Context, fill *domain.Fill) (inserted bool, err error)

	// UpsertLot creates a lot (ID zero) or updates remaining quantity and
	// status of an existing one.
	UpsertLot(ctx context.Context, lot *domain.Lot) error

	// ListOpenLots returns open and partially closed lots for a bot,
	// optionally filtered by symbol, in FIFO order (entry time, then ID).
	ListOpenLots(ctx context.Context, botID, symbol string) ([]*domain.Lot, error)

	// CloseLots commits one close operation atomically: all lot updates and
	// all resulting completed trades, or nothing.
	CloseLots(ctx context.Context, lots []*domain.Lot, trades []*domain.CompletedTrade) error

	// UpsertCompletedTrade inserts a trade keyed by its deterministic
	// TradeID. On conflict only sync metadata is refreshed; financial
	// fields of a row already sourced from the live stream are never
	// overwritten. Returns true when a new row was inserted.
	UpsertCompletedTrade(ctx context.Context, trade *domain.CompletedTrade) (inserted bool, err error)

	// UpsertOrder records an order-lifecycle update keyed by order ID.
	UpsertOrder(ctx context.Context, order *domain.OrderUpdate) error

	// CreateSyncStatus opens a sync attempt record for a (bot, type,
	// window) chunk, resetting any previous attempt for the same chunk.
	CreateSyncStatus(ctx context.Context, botID string, syncType domain.SyncType, start, end time.Time) (int64, error)

	// UpdateSyncStatus finalizes a sync attempt.
	UpdateSyncStatus(ctx context.Context, id int64, state domain.SyncStatusState, tradesSynced int, errorMessage string) error

	// LastSyncTime returns the window end of the most recent completed sync
	// of the given type, or the zero time when none exists.
	LastSyncTime(ctx context.Context, botID string, syncType domain.SyncType) (time.Time, error)

	// SyncStatistics aggregates sync attempts per (bot, type). Empty botID
	// means all bots.
	SyncStatistics(ctx context.Context, botID string) ([]*domain.SyncStats, error)
}
