// Package sqlite implements the ledger store on an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"alphaTradeSync/internal/domain"
	"alphaTradeSync/internal/ports"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Repository implements ports.LedgerStore using SQLite.
type Repository struct {
	db     *sql.DB
	logger ports.Logger
}

// Config holds configuration for the SQLite repository.
type Config struct {
	DBPath string
	Logger ports.Logger
}

// NewRepository opens (creating if needed) the ledger database and verifies
// the schema.
func NewRepository(cfg Config) (*Repository, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite repository")
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/trade_ledger.db"
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// WAL mode for concurrent stream writes and sync reads.
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		err = fmt.Errorf("failed to open database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		err = fmt.Errorf("failed to ping database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	repo := &Repository{db: db, logger: cfg.Logger}
	if err := repo.initializeSchema(context.Background()); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize database schema: %w", err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}
	cfg.Logger.Info(context.Background(), "Ledger database ready", map[string]interface{}{"path": dbPath})
	return repo, nil
}

func (r *Repository) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS fills (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		bot_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		exec_price REAL NOT NULL,
		exec_qty REAL NOT NULL,
		order_id TEXT NOT NULL,
		exec_id TEXT NOT NULL,
		client_order_id TEXT NOT NULL DEFAULT '',
		close_reason TEXT NOT NULL DEFAULT '',
		commission REAL NOT NULL DEFAULT 0,
		exec_time TIMESTAMP NOT NULL,
		UNIQUE (order_id, exec_id)
	);

	CREATE TABLE IF NOT EXISTS lots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		bot_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		entry_price REAL NOT NULL,
		original_qty REAL NOT NULL,
		remaining_qty REAL NOT NULL,
		entry_time TIMESTAMP NOT NULL,
		entry_commission REAL NOT NULL DEFAULT 0,
		entry_reason TEXT NOT NULL DEFAULT '',
		entry_order_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS completed_trades (
		trade_id TEXT PRIMARY KEY,
		bot_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		entry_order_id TEXT NOT NULL DEFAULT '',
		entry_client_order_id TEXT NOT NULL DEFAULT '',
		entry_side TEXT NOT NULL,
		entry_price REAL NOT NULL,
		entry_qty REAL NOT NULL,
		entry_time TIMESTAMP NOT NULL,
		entry_reason TEXT NOT NULL DEFAULT '',
		entry_commission REAL NOT NULL DEFAULT 0,
		exit_order_id TEXT NOT NULL DEFAULT '',
		exit_client_order_id TEXT NOT NULL DEFAULT '',
		exit_side TEXT NOT NULL,
		exit_price REAL NOT NULL,
		exit_qty REAL NOT NULL,
		exit_time TIMESTAMP NOT NULL,
		exit_reason TEXT NOT NULL DEFAULT '',
		exit_commission REAL NOT NULL DEFAULT 0,
		gross_pnl REAL NOT NULL,
		net_pnl REAL NOT NULL,
		pnl_pct REAL NOT NULL,
		total_commission REAL NOT NULL,
		holding_duration_ms INTEGER NOT NULL,
		source TEXT NOT NULL,
		synced_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS orders (
		order_id TEXT PRIMARY KEY,
		bot_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		client_order_id TEXT NOT NULL DEFAULT '',
		order_type TEXT NOT NULL DEFAULT '',
		side TEXT NOT NULL,
		qty REAL NOT NULL,
		price REAL NOT NULL,
		status TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sync_status (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		bot_id TEXT NOT NULL,
		sync_type TEXT NOT NULL,
		start_time TIMESTAMP NOT NULL,
		end_time TIMESTAMP NOT NULL,
		state TEXT NOT NULL,
		trades_synced INTEGER NOT NULL DEFAULT 0,
		error_message TEXT NOT NULL DEFAULT '',
		started_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP DEFAULT NULL,
		UNIQUE (bot_id, sync_type, start_time, end_time)
	);

	CREATE INDEX IF NOT EXISTS idx_fills_bot_symbol_time ON fills (bot_id, symbol, exec_time);
	CREATE INDEX IF NOT EXISTS idx_lots_bot_symbol_status ON lots (bot_id, symbol, status);
	CREATE INDEX IF NOT EXISTS idx_trades_bot_symbol_exit ON completed_trades (bot_id, symbol, exit_time);
	CREATE INDEX IF NOT EXISTS idx_sync_status_bot_type ON sync_status (bot_id, sync_type, state);
	`
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to execute schema initialization: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	if r.db != nil {
		r.logger.Info(context.Background(), "Closing ledger database connection")
		return r.db.Close()
	}
	return nil
}

// AppendFill records an execution. The UNIQUE(order_id, exec_id) constraint
// makes redelivery a no-op; the caller learns about it through the bool.
func (r *Repository) AppendFill(ctx context.Context, fill *domain.Fill) (bool, error) {
	const query = `
	INSERT OR IGNORE INTO fills
		(bot_id, symbol, side, exec_price, exec_qty, order_id, exec_id, client_order_id, close_reason, commission, exec_time)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	result, err := r.db.ExecContext(ctx, query,
		fill.BotID, fill.Symbol, string(fill.Side), fill.ExecPrice, fill.ExecQty,
		fill.OrderID, fill.ExecID, fill.ClientOrderID, fill.CloseReason, fill.Commission, fill.ExecTime)
	if err != nil {
		return false, fmt.Errorf("failed to insert fill %s/%s: %w: %v", fill.OrderID, fill.ExecID, ports.ErrQueryFailed, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected for fill %s: %w: %v", fill.ExecID, ports.ErrQueryFailed, err)
	}
	if rows == 0 {
		return false, nil
	}
	if id, err := result.LastInsertId(); err == nil {
		fill.ID = id
	}
	return true, nil
}

// UpsertLot creates a lot (ID zero) or updates remaining quantity and status.
func (r *Repository) UpsertLot(ctx context.Context, lot *domain.Lot) error {
	if lot.ID == 0 {
		const query = `
		INSERT INTO lots
			(bot_id, symbol, side, entry_price, original_qty, remaining_qty, entry_time, entry_commission, entry_reason, entry_order_id, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

		result, err := r.db.ExecContext(ctx, query,
			lot.BotID, lot.Symbol, string(lot.Side), lot.EntryPrice, lot.OriginalQty, lot.RemainingQty,
			lot.EntryTime, lot.EntryCommission, lot.EntryReason, lot.EntryOrderID, string(lot.Status))
		if err != nil {
			return fmt.Errorf("failed to insert lot for %s/%s: %w: %v", lot.BotID, lot.Symbol, ports.ErrQueryFailed, err)
		}
		id, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to get lot ID for %s/%s: %w: %v", lot.BotID, lot.Symbol, ports.ErrQueryFailed, err)
		}
		lot.ID = id
		return nil
	}

	const query = `UPDATE lots SET remaining_qty = ?, status = ? WHERE id = ?`
	result, err := r.db.ExecContext(ctx, query, lot.RemainingQty, string(lot.Status), lot.ID)
	if err != nil {
		return fmt.Errorf("failed to update lot %d: %w: %v", lot.ID, ports.ErrUpdateFailed, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected for lot %d: %w: %v", lot.ID, ports.ErrUpdateFailed, err)
	}
	if rows == 0 {
		return fmt.Errorf("lot %d does not exist: %w", lot.ID, ports.ErrNotFound)
	}
	return nil
}

// ListOpenLots returns open and partially closed lots in FIFO order.
func (r *Repository) ListOpenLots(ctx context.Context, botID, symbol string) ([]*domain.Lot, error) {
	query := `
	SELECT id, bot_id, symbol, side, entry_price, original_qty, remaining_qty, entry_time, entry_commission, entry_reason, entry_order_id, status
	FROM lots
	WHERE bot_id = ? AND status IN ('open', 'partially_closed')`
	args := []interface{}{botID}
	if symbol != "" {
		query += ` AND symbol = ?`
		args = append(args, symbol)
	}
	query += ` ORDER BY entry_time ASC, id ASC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query open lots for %s: %w: %v", botID, ports.ErrQueryFailed, err)
	}
	defer rows.Close()

	var lots []*domain.Lot
	for rows.Next() {
		lot, err := scanLot(rows)
		if err != nil {
			return nil, err
		}
		lots = append(lots, lot)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating open lots for %s: %w: %v", botID, ports.ErrQueryFailed, err)
	}
	return lots, nil
}

func scanLot(rows *sql.Rows) (*domain.Lot, error) {
	var lot domain.Lot
	var side, status string
	if err := rows.Scan(&lot.ID, &lot.BotID, &lot.Symbol, &side, &lot.EntryPrice, &lot.OriginalQty,
		&lot.RemainingQty, &lot.EntryTime, &lot.EntryCommission, &lot.EntryReason, &lot.EntryOrderID, &status); err != nil {
		return nil, fmt.Errorf("failed to scan lot row: %w: %v", ports.ErrQueryFailed, err)
	}
	lot.Side = domain.FillSide(side)
	lot.Status = domain.LotStatus(status)
	lot.EntryTime = lot.EntryTime.UTC()
	return &lot, nil
}

// CloseLots commits one close operation in a single transaction.
func (r *Repository) CloseLots(ctx context.Context, lots []*domain.Lot, trades []*domain.CompletedTrade) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin close transaction: %w: %v", ports.ErrStoreConn, err)
	}
	defer tx.Rollback()

	const lotQuery = `UPDATE lots SET remaining_qty = ?, status = ? WHERE id = ?`
	for _, lot := range lots {
		if _, err := tx.ExecContext(ctx, lotQuery, lot.RemainingQty, string(lot.Status), lot.ID); err != nil {
			return fmt.Errorf("failed to update lot %d in close: %w: %v", lot.ID, ports.ErrUpdateFailed, err)
		}
	}
	for _, trade := range trades {
		if err := upsertTradeTx(ctx, tx, trade); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit close transaction: %w: %v", ports.ErrUpdateFailed, err)
	}
	return nil
}

// UpsertCompletedTrade inserts a trade under its deterministic key. A row
// already sourced from the live stream keeps its financial fields; lower
// fidelity rewrites only refresh synced_at.
func (r *Repository) UpsertCompletedTrade(ctx context.Context, trade *domain.CompletedTrade) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin upsert transaction: %w: %v", ports.ErrStoreConn, err)
	}
	defer tx.Rollback()

	var existingSource string
	err = tx.QueryRowContext(ctx, `SELECT source FROM completed_trades WHERE trade_id = ?`, trade.TradeID).Scan(&existingSource)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if err := upsertTradeTx(ctx, tx, trade); err != nil {
			return false, err
		}
		if err := tx.Commit(); err != nil {
			return false, fmt.Errorf("failed to commit trade insert: %w: %v", ports.ErrUpdateFailed, err)
		}
		return true, nil
	case err != nil:
		return false, fmt.Errorf("failed to look up trade %s: %w: %v", trade.TradeID, ports.ErrQueryFailed, err)
	}

	if existingSource != string(domain.SourceWebsocket) && trade.Source == domain.SourceWebsocket {
		if err := upsertTradeTx(ctx, tx, trade); err != nil {
			return false, err
		}
	} else {
		if _, err := tx.ExecContext(ctx,
			`UPDATE completed_trades SET synced_at = ? WHERE trade_id = ?`,
			syncStamp(trade), trade.TradeID); err != nil {
			return false, fmt.Errorf("failed to refresh trade %s: %w: %v", trade.TradeID, ports.ErrUpdateFailed, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit trade upsert: %w: %v", ports.ErrUpdateFailed, err)
	}
	return false, nil
}

func upsertTradeTx(ctx context.Context, tx *sql.Tx, trade *domain.CompletedTrade) error {
	const query = `
	INSERT INTO completed_trades
		(trade_id, bot_id, symbol,
		 entry_order_id, entry_client_order_id, entry_side, entry_price, entry_qty, entry_time, entry_reason, entry_commission,
		 exit_order_id, exit_client_order_id, exit_side, exit_price, exit_qty, exit_time, exit_reason, exit_commission,
		 gross_pnl, net_pnl, pnl_pct, total_commission, holding_duration_ms, source, synced_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (trade_id) DO UPDATE SET
		entry_order_id = excluded.entry_order_id,
		entry_client_order_id = excluded.entry_client_order_id,
		entry_side = excluded.entry_side,
		entry_price = excluded.entry_price,
		entry_qty = excluded.entry_qty,
		entry_time = excluded.entry_time,
		entry_reason = excluded.entry_reason,
		entry_commission = excluded.entry_commission,
		exit_order_id = excluded.exit_order_id,
		exit_client_order_id = excluded.exit_client_order_id,
		exit_side = excluded.exit_side,
		exit_price = excluded.exit_price,
		exit_qty = excluded.exit_qty,
		exit_time = excluded.exit_time,
		exit_reason = excluded.exit_reason,
		exit_commission = excluded.exit_commission,
		gross_pnl = excluded.gross_pnl,
		net_pnl = excluded.net_pnl,
		pnl_pct = excluded.pnl_pct,
		total_commission = excluded.total_commission,
		holding_duration_ms = excluded.holding_duration_ms,
		source = excluded.source,
		synced_at = excluded.synced_at`

	_, err := tx.ExecContext(ctx, query,
		trade.TradeID, trade.BotID, trade.Symbol,
		trade.EntryOrderID, trade.EntryClientOrderID, string(trade.EntrySide), trade.EntryPrice, trade.EntryQty,
		trade.EntryTime, trade.EntryReason, trade.EntryCommission,
		trade.ExitOrderID, trade.ExitClientOrderID, string(trade.ExitSide), trade.ExitPrice, trade.ExitQty,
		trade.ExitTime, trade.ExitReason, trade.ExitCommission,
		trade.GrossPnL, trade.NetPnL, trade.PnLPct, trade.TotalCommission,
		trade.HoldingDuration.Milliseconds(), string(trade.Source), syncStamp(trade))
	if err != nil {
		return fmt.Errorf("failed to write trade %s: %w: %v", trade.TradeID, ports.ErrUpdateFailed, err)
	}
	return nil
}

// syncStamp returns the trade's sync timestamp. Stream-matched trades carry
// none, so the write time is used.
func syncStamp(trade *domain.CompletedTrade) time.Time {
	if trade.SyncedAt.IsZero() {
		return time.Now().UTC()
	}
	return trade.SyncedAt
}

// UpsertOrder records an order-lifecycle update keyed by order ID.
func (r *Repository) UpsertOrder(ctx context.Context, order *domain.OrderUpdate) error {
	const query = `
	INSERT INTO orders (order_id, bot_id, symbol, client_order_id, order_type, side, qty, price, status, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (order_id) DO UPDATE SET
		status = excluded.status,
		qty = excluded.qty,
		price = excluded.price,
		updated_at = excluded.updated_at`

	_, err := r.db.ExecContext(ctx, query,
		order.OrderID, order.BotID, order.Symbol, order.ClientOrderID, order.OrderType,
		string(order.Side), order.Quantity, order.Price, order.Status, order.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert order %s: %w: %v", order.OrderID, ports.ErrUpdateFailed, err)
	}
	return nil
}

// CreateSyncStatus opens a sync attempt for a (bot, type, window) chunk.
// Re-running a chunk resets its previous attempt.
func (r *Repository) CreateSyncStatus(ctx context.Context, botID string, syncType domain.SyncType, start, end time.Time) (int64, error) {
	const query = `
	INSERT INTO sync_status (bot_id, sync_type, start_time, end_time, state, trades_synced, error_message, started_at)
	VALUES (?, ?, ?, ?, ?, 0, '', ?)
	ON CONFLICT (bot_id, sync_type, start_time, end_time) DO UPDATE SET
		state = excluded.state,
		trades_synced = 0,
		error_message = '',
		started_at = excluded.started_at,
		completed_at = NULL`

	if _, err := r.db.ExecContext(ctx, query,
		botID, string(syncType), start, end, string(domain.SyncStateRunning), time.Now().UTC()); err != nil {
		return 0, fmt.Errorf("failed to create sync status for %s: %w: %v", botID, ports.ErrQueryFailed, err)
	}

	var id int64
	err := r.db.QueryRowContext(ctx,
		`SELECT id FROM sync_status WHERE bot_id = ? AND sync_type = ? AND start_time = ? AND end_time = ?`,
		botID, string(syncType), start, end).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to read sync status ID for %s: %w: %v", botID, ports.ErrQueryFailed, err)
	}
	return id, nil
}

// UpdateSyncStatus finalizes a sync attempt.
func (r *Repository) UpdateSyncStatus(ctx context.Context, id int64, state domain.SyncStatusState, tradesSynced int, errorMessage string) error {
	const query = `
	UPDATE sync_status SET state = ?, trades_synced = ?, error_message = ?, completed_at = ? WHERE id = ?`

	result, err := r.db.ExecContext(ctx, query, string(state), tradesSynced, errorMessage, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update sync status %d: %w: %v", id, ports.ErrUpdateFailed, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected for sync status %d: %w: %v", id, ports.ErrUpdateFailed, err)
	}
	if rows == 0 {
		return fmt.Errorf("sync status %d does not exist: %w", id, ports.ErrNotFound)
	}
	return nil
}

// LastSyncTime returns the window end of the latest completed sync, or the
// zero time when none exists.
func (r *Repository) LastSyncTime(ctx context.Context, botID string, syncType domain.SyncType) (time.Time, error) {
	const query = `
	SELECT MAX(end_time) FROM sync_status WHERE bot_id = ? AND sync_type = ? AND state = 'completed'`

	var end sql.NullTime
	err := r.db.QueryRowContext(ctx, query, botID, string(syncType)).Scan(&end)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to query last sync time for %s: %w: %v", botID, ports.ErrQueryFailed, err)
	}
	if !end.Valid {
		return time.Time{}, nil
	}
	return end.Time.UTC(), nil
}

// SyncStatistics aggregates sync attempts per (bot, type).
func (r *Repository) SyncStatistics(ctx context.Context, botID string) ([]*domain.SyncStats, error) {
	query := `
	SELECT bot_id, sync_type,
		COUNT(*),
		SUM(CASE WHEN state = 'completed' THEN 1 ELSE 0 END),
		SUM(CASE WHEN state = 'failed' THEN 1 ELSE 0 END),
		SUM(trades_synced),
		MAX(end_time)
	FROM sync_status`
	var args []interface{}
	if botID != "" {
		query += ` WHERE bot_id = ?`
		args = append(args, botID)
	}
	query += ` GROUP BY bot_id, sync_type ORDER BY bot_id, sync_type`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync statistics: %w: %v", ports.ErrQueryFailed, err)
	}
	defer rows.Close()

	var stats []*domain.SyncStats
	for rows.Next() {
		var s domain.SyncStats
		var syncType string
		var last sql.NullTime
		if err := rows.Scan(&s.BotID, &syncType, &s.TotalSyncs, &s.SuccessfulSyncs, &s.FailedSyncs, &s.TradesSynced, &last); err != nil {
			return nil, fmt.Errorf("failed to scan sync statistics row: %w: %v", ports.ErrQueryFailed, err)
		}
		s.SyncType = domain.SyncType(syncType)
		if last.Valid {
			s.LastSyncTime = last.Time.UTC()
		}
		stats = append(stats, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync statistics: %w: %v", ports.ErrQueryFailed, err)
	}
	return stats, nil
}
