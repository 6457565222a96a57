// Package reconcile resolves the ledger's view of open positions against
// exchange truth at startup, after downtime, or on demand.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jpillora/backoff"

	"alphaTradeSync/internal/domain"
	"alphaTradeSync/internal/matching"
	"alphaTradeSync/internal/ports"
	"alphaTradeSync/internal/utils"
)

// State is the verdict for one (bot, symbol) position after comparison with
// the exchange.
type State string

const (
	// StateExchangeOpen: the exchange confirms the position is still open;
	// the cache is rewritten with the exchange size and side and the
	// ledger's weighted-average entry price.
	StateExchangeOpen State = "exchange_open"
	// StateClosedRecovered: the position closed while the service was down
	// and the closure was reconstructed from closed-P&L history.
	StateClosedRecovered State = "exchange_closed_recovered"
	// StateClosedUnrecoverable: the position is gone from the exchange and
	// no closure record was found; lots are force-closed at entry price so
	// the ledger does not carry phantom exposure.
	StateClosedUnrecoverable State = "exchange_closed_unrecoverable"
	// StateUnreachable: the exchange could not be queried; the cache is
	// restored from the ledger alone and the position stays open.
	StateUnreachable State = "exchange_unreachable"
)

// Result describes the outcome for one reconciled (bot, symbol).
type Result struct {
	BotID       string
	Symbol      string
	State       State
	LedgerQty   float64
	ExchangeQty float64
	TradesMade  int
}

// Config holds construction parameters for the Coordinator.
type Config struct {
	Exchange ports.ExchangeClient
	Ledger   ports.LedgerStore
	Cache    ports.PositionCache
	Logger   ports.Logger
	Locks    *utils.KeyMutex

	Bots         []string
	SymbolOwners map[string]string

	// RecoveryLookback bounds the closed-P&L search when a position vanished
	// while the service was down.
	RecoveryLookback time.Duration

	MaxRetries    int
	RetryMinDelay time.Duration
}

// Coordinator compares every tracked open position against the exchange and
// repairs ledger and cache accordingly. The exchange is authoritative for
// size, side and average price; the ledger remains the book of record for
// trade history.
type Coordinator struct {
	exchange ports.ExchangeClient
	ledger   ports.LedgerStore
	cache    ports.PositionCache
	logger   ports.Logger
	locks    *utils.KeyMutex

	bots         []string
	symbolOwners map[string]string
	lookback     time.Duration

	maxRetries    int
	retryMinDelay time.Duration
}

// New creates a Coordinator.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Exchange == nil || cfg.Ledger == nil || cfg.Cache == nil || cfg.Logger == nil {
		return nil, fmt.Errorf("exchange, ledger, cache and logger are required: %w", ports.ErrConfigurationError)
	}
	if cfg.Locks == nil {
		cfg.Locks = utils.NewKeyMutex()
	}
	if cfg.RecoveryLookback <= 0 {
		cfg.RecoveryLookback = 7 * 24 * time.Hour
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryMinDelay <= 0 {
		cfg.RetryMinDelay = 500 * time.Millisecond
	}
	return &Coordinator{
		exchange:      cfg.Exchange,
		ledger:        cfg.Ledger,
		cache:         cfg.Cache,
		logger:        cfg.Logger,
		locks:         cfg.Locks,
		bots:          cfg.Bots,
		symbolOwners:  cfg.SymbolOwners,
		lookback:      cfg.RecoveryLookback,
		maxRetries:    cfg.MaxRetries,
		retryMinDelay: cfg.RetryMinDelay,
	}, nil
}

// Reconcile runs one full pass over every bot's open lots. It never aborts
// midway on a per-position failure: each (bot, symbol) gets an independent
// verdict.
func (c *Coordinator) Reconcile(ctx context.Context) ([]*Result, error) {
	var live []ports.LivePosition
	err := c.withRetry(ctx, "ListPositions", func() error {
		var listErr error
		live, listErr = c.exchange.ListPositions(ctx)
		return listErr
	})
	if err != nil {
		c.logger.Error(ctx, err, "Exchange unreachable, reconciling from ledger only", nil)
		return c.reconcileDegraded(ctx)
	}

	liveBySymbol := make(map[string]ports.LivePosition, len(live))
	for _, p := range live {
		liveBySymbol[p.Symbol] = p
	}

	var results []*Result
	for _, botID := range c.bots {
		lots, err := c.ledger.ListOpenLots(ctx, botID, "")
		if err != nil {
			c.logger.Error(ctx, err, "Failed to list open lots", map[string]interface{}{"botID": botID})
			continue
		}
		for symbol, symbolLots := range groupBySymbol(lots) {
			res := c.reconcilePosition(ctx, botID, symbol, symbolLots, liveBySymbol)
			results = append(results, res)
			delete(liveBySymbol, symbol)
		}
	}

	// Positions open on the exchange with no lots behind them. The cache is
	// still updated for the owning bot so it sees its true exposure; the
	// missing history is left for the hourly sync to repair.
	for symbol, p := range liveBySymbol {
		botID, ok := c.symbolOwners[symbol]
		if !ok || p.Size == 0 {
			continue
		}
		c.logger.Warn(ctx, "Exchange position with no ledger lots", map[string]interface{}{
			"botID": botID, "symbol": symbol, "size": p.Size,
		})
		c.writeCacheFromExchange(ctx, botID, p)
		results = append(results, &Result{
			BotID: botID, Symbol: symbol, State: StateExchangeOpen, ExchangeQty: p.Size,
		})
	}
	return results, nil
}

func (c *Coordinator) reconcilePosition(ctx context.Context, botID, symbol string, lots []*domain.Lot, liveBySymbol map[string]ports.LivePosition) *Result {
	key := botID + ":" + symbol
	c.locks.Lock(key)
	defer c.locks.Unlock(key)

	ledgerQty := matching.TotalOpenQty(lots)
	res := &Result{BotID: botID, Symbol: symbol, LedgerQty: ledgerQty}

	if p, ok := liveBySymbol[symbol]; ok && p.Size > 0 {
		res.State = StateExchangeOpen
		res.ExchangeQty = p.Size
		if diff := p.Size - ledgerQty; diff > 1e-9 || diff < -1e-9 {
			c.logger.Warn(ctx, "Position size drift between ledger and exchange", map[string]interface{}{
				"botID": botID, "symbol": symbol, "ledger": ledgerQty, "exchange": p.Size,
			})
		}
		c.writeCacheOpenPosition(ctx, botID, p, lots)
		c.logger.Info(ctx, "Position confirmed open on exchange", map[string]interface{}{
			"botID": botID, "symbol": symbol, "size": p.Size,
		})
		return res
	}

	// Gone from the exchange: it closed while we were not listening. Try to
	// reconstruct the closure from closed-P&L history.
	trades, err := c.recoverClosure(ctx, botID, symbol, lots)
	if err == nil {
		res.State = StateClosedRecovered
		res.TradesMade = trades
		c.logger.Info(ctx, "Recovered missed closure from exchange history", map[string]interface{}{
			"botID": botID, "symbol": symbol, "trades": trades,
		})
		return res
	}
	if !errors.Is(err, ports.ErrNotFound) {
		c.logger.Error(ctx, err, "Closure recovery failed, leaving position open", map[string]interface{}{
			"botID": botID, "symbol": symbol,
		})
		res.State = StateUnreachable
		c.restoreCacheFromLots(ctx, botID, symbol, lots)
		return res
	}

	// No trace of the closure anywhere. Zero out at entry so no phantom
	// exposure lingers; P&L for this position is recorded as zero.
	trades, err = c.forceClose(ctx, botID, symbol, lots)
	if err != nil {
		c.logger.Error(ctx, err, "Force close failed", map[string]interface{}{
			"botID": botID, "symbol": symbol,
		})
		res.State = StateUnreachable
		return res
	}
	res.State = StateClosedUnrecoverable
	res.TradesMade = trades
	c.logger.Warn(ctx, "Force-closed position with no closure record", map[string]interface{}{
		"botID": botID, "symbol": symbol, "qty": ledgerQty,
	})
	return res
}

// recoverClosure closes the open lots using the most recent closed-P&L
// record for the symbol. Returns ports.ErrNotFound when no record covers
// the position's lifetime.
func (c *Coordinator) recoverClosure(ctx context.Context, botID, symbol string, lots []*domain.Lot) (int, error) {
	earliest := time.Now().UTC()
	for _, lot := range lots {
		if lot.EntryTime.Before(earliest) {
			earliest = lot.EntryTime
		}
	}
	start := earliest
	if floor := time.Now().UTC().Add(-c.lookback); start.Before(floor) {
		start = floor
	}

	var records []ports.ClosedPnLRecord
	err := c.withRetry(ctx, "ListClosedPnL", func() error {
		var listErr error
		records, listErr = c.exchange.ListClosedPnL(ctx, start, time.Now().UTC(), symbol)
		return listErr
	})
	if err != nil {
		return 0, fmt.Errorf("searching closed pnl for %s: %w", symbol, err)
	}
	if len(records) == 0 {
		return 0, fmt.Errorf("no closure record for %s since %s: %w", symbol, start.Format(time.RFC3339), ports.ErrNotFound)
	}

	latest := records[0]
	for _, rec := range records[1:] {
		if rec.UpdatedTime.After(latest.UpdatedTime) {
			latest = rec
		}
	}
	return c.closeAll(ctx, botID, symbol, lots, matching.CloseRequest{
		BotID:          botID,
		Symbol:         symbol,
		Qty:            matching.TotalOpenQty(lots),
		ExitPrice:      latest.AvgExitPrice,
		ExitTime:       latest.UpdatedTime,
		ExitReason:     domain.ReasonBackfilledClose,
		ExitCommission: absFloat(latest.CloseFee),
		ExitOrderID:    latest.OrderID,
		Source:         domain.SourceBybitAPI,
	})
}

// forceClose writes one zero-P&L placeholder per lot, exiting each at its own
// entry price with no commissions, and marks the lots closed. Lots sharing an
// entry millisecond map to one trade key and fold into a single placeholder.
func (c *Coordinator) forceClose(ctx context.Context, botID, symbol string, lots []*domain.Lot) (int, error) {
	now := time.Now().UTC()
	byKey := make(map[string]*domain.CompletedTrade)
	var trades []*domain.CompletedTrade
	var updated []*domain.Lot
	for _, lot := range lots {
		if !lot.IsOpen() {
			continue
		}
		qty := lot.RemainingQty
		tradeID := domain.NewTradeID(botID, symbol, lot.EntryTime, now)
		if prev, ok := byKey[tradeID]; ok {
			total := prev.EntryQty + qty
			prev.EntryPrice = (prev.EntryPrice*prev.EntryQty + lot.EntryPrice*qty) / total
			prev.ExitPrice = prev.EntryPrice
			prev.EntryQty = total
			prev.ExitQty = total
		} else {
			tr := &domain.CompletedTrade{
				TradeID:         tradeID,
				BotID:           botID,
				Symbol:          symbol,
				EntryOrderID:    lot.EntryOrderID,
				EntrySide:       lot.Side,
				EntryPrice:      lot.EntryPrice,
				EntryQty:        qty,
				EntryTime:       lot.EntryTime,
				EntryReason:     lot.EntryReason,
				ExitSide:        lot.Side.Opposite(),
				ExitPrice:       lot.EntryPrice,
				ExitQty:         qty,
				ExitTime:        now,
				ExitReason:      domain.ReasonUnrecoverable,
				HoldingDuration: now.Sub(lot.EntryTime),
				Source:          domain.SourceBybitAPI,
			}
			byKey[tradeID] = tr
			trades = append(trades, tr)
		}
		lot.RemainingQty = 0
		lot.Status = domain.LotStatusClosed
		updated = append(updated, lot)
	}
	return c.commitClose(ctx, botID, symbol, updated, trades)
}

func (c *Coordinator) closeAll(ctx context.Context, botID, symbol string, lots []*domain.Lot, req matching.CloseRequest) (int, error) {
	result, err := matching.CloseFIFO(lots, req)
	if err != nil {
		return 0, fmt.Errorf("matching recovery close: %w", err)
	}
	return c.commitClose(ctx, botID, symbol, result.UpdatedLots, result.Trades)
}

func (c *Coordinator) commitClose(ctx context.Context, botID, symbol string, lots []*domain.Lot, trades []*domain.CompletedTrade) (int, error) {
	err := c.withRetry(ctx, "CloseLots", func() error {
		return c.ledger.CloseLots(ctx, lots, trades)
	})
	if err != nil {
		return 0, fmt.Errorf("committing recovery close: %w", err)
	}
	if err := c.cache.DeletePosition(ctx, botID, symbol); err != nil {
		c.logger.Warn(ctx, "Failed to clear reconciled position from cache", map[string]interface{}{
			"botID": botID, "symbol": symbol, "error": err.Error(),
		})
	}
	return len(trades), nil
}

// reconcileDegraded restores cache snapshots from the ledger alone. No lots
// are closed: without exchange truth, destroying state would be guesswork.
func (c *Coordinator) reconcileDegraded(ctx context.Context) ([]*Result, error) {
	var results []*Result
	for _, botID := range c.bots {
		lots, err := c.ledger.ListOpenLots(ctx, botID, "")
		if err != nil {
			c.logger.Error(ctx, err, "Failed to list open lots", map[string]interface{}{"botID": botID})
			continue
		}
		for symbol, symbolLots := range groupBySymbol(lots) {
			c.restoreCacheFromLots(ctx, botID, symbol, symbolLots)
			results = append(results, &Result{
				BotID:     botID,
				Symbol:    symbol,
				State:     StateUnreachable,
				LedgerQty: matching.TotalOpenQty(symbolLots),
			})
		}
	}
	return results, nil
}

// writeCacheOpenPosition rebuilds the snapshot for a position the exchange
// confirms open. Size, side and unrealized P&L come from the exchange; the
// entry price is the ledger's weighted average over open lots.
func (c *Coordinator) writeCacheOpenPosition(ctx context.Context, botID string, p ports.LivePosition, lots []*domain.Lot) {
	snap := &domain.PositionSnapshot{
		BotID:         botID,
		Symbol:        p.Symbol,
		Size:          p.Size,
		Side:          p.Side,
		AvgEntryPrice: matching.WeightedAvgEntryPrice(lots),
		UnrealizedPnL: p.UnrealizedPnL,
		UpdatedAt:     time.Now().UTC(),
	}
	if err := c.cache.SetPosition(ctx, snap); err != nil {
		c.logger.Warn(ctx, "Failed to write position cache", map[string]interface{}{
			"botID": botID, "symbol": p.Symbol, "error": err.Error(),
		})
	}
}

// writeCacheFromExchange writes the exchange aggregate verbatim. Used only
// when no ledger lots exist for the position.
func (c *Coordinator) writeCacheFromExchange(ctx context.Context, botID string, p ports.LivePosition) {
	snap := &domain.PositionSnapshot{
		BotID:         botID,
		Symbol:        p.Symbol,
		Size:          p.Size,
		Side:          p.Side,
		AvgEntryPrice: p.AvgPrice,
		UnrealizedPnL: p.UnrealizedPnL,
		UpdatedAt:     time.Now().UTC(),
	}
	if err := c.cache.SetPosition(ctx, snap); err != nil {
		c.logger.Warn(ctx, "Failed to write position cache from exchange", map[string]interface{}{
			"botID": botID, "symbol": p.Symbol, "error": err.Error(),
		})
	}
}

func (c *Coordinator) restoreCacheFromLots(ctx context.Context, botID, symbol string, lots []*domain.Lot) {
	total := matching.TotalOpenQty(lots)
	if total == 0 {
		return
	}
	side := domain.SideBuy
	for _, lot := range lots {
		if lot.IsOpen() {
			side = lot.Side
			break
		}
	}
	snap := &domain.PositionSnapshot{
		BotID:         botID,
		Symbol:        symbol,
		Size:          total,
		Side:          side,
		AvgEntryPrice: matching.WeightedAvgEntryPrice(lots),
		UpdatedAt:     time.Now().UTC(),
	}
	if err := c.cache.SetPosition(ctx, snap); err != nil {
		c.logger.Warn(ctx, "Failed to restore position cache from ledger", map[string]interface{}{
			"botID": botID, "symbol": symbol, "error": err.Error(),
		})
	}
}

func (c *Coordinator) withRetry(ctx context.Context, op string, fn func() error) error {
	b := &backoff.Backoff{
		Min:    c.retryMinDelay,
		Max:    10 * time.Second,
		Factor: 2,
		Jitter: true,
	}
	var err error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !ports.IsRetryable(err) {
			return err
		}
		delay := b.Duration()
		c.logger.Warn(ctx, op+" failed, retrying", map[string]interface{}{
			"attempt": attempt + 1, "delay": delay.String(), "error": err.Error(),
		})
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("%s canceled: %w", op, ports.ErrContextCanceled)
		}
	}
	return fmt.Errorf("%s exhausted %d retries: %w", op, c.maxRetries, err)
}

func groupBySymbol(lots []*domain.Lot) map[string][]*domain.Lot {
	out := make(map[string][]*domain.Lot)
	for _, lot := range lots {
		out[lot.Symbol] = append(out[lot.Symbol], lot)
	}
	return out
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
