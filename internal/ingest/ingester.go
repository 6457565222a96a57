// Package ingest consumes the private execution/order/position stream and
// keeps the ledger and position cache current.
package ingest

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

// Config holds construction parameters for the Ingester.
type Config struct {
	Ledger ports.LedgerStore
	Cache  ports.PositionCache
	Logger ports.Logger
	Locks  *utils.KeyMutex

	// SymbolOwners maps symbol -> owning bot ID. Position events are routed
	// to the owner only; events for unmapped symbols are logged and skipped.
	SymbolOwners map[string]string

	// MaxRetries bounds retry attempts for transient store errors on a
	// single event. After exhaustion the event is logged and the stream
	// continues; one bad event never stops ingestion.
	MaxRetries int
	// RetryMinDelay is the initial backoff delay between attempts.
	RetryMinDelay time.Duration
}

// Ingester implements ports.StreamHandler. Events for a given (bot, symbol)
// are processed strictly in arrival order; side effects are sequential:
// the ledger insert completes before the cache update, so the cache always
// reflects at least the last durably recorded fill.
type Ingester struct {
	ledger        ports.LedgerStore
	cache         ports.PositionCache
	logger        ports.Logger
	locks         *utils.KeyMutex
	symbolOwners  map[string]string
	maxRetries    int
	retryMinDelay time.Duration
}

// New creates an Ingester.
func New(cfg Config) (*Ingester, error) {
	if cfg.Ledger == nil || cfg.Cache == nil || cfg.Logger == nil {
		return nil, fmt.Errorf("ledger, cache and logger are required: %w", ports.ErrConfigurationError)
	}
	if cfg.Locks == nil {
		cfg.Locks = utils.NewKeyMutex()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryMinDelay <= 0 {
		cfg.RetryMinDelay = 200 * time.Millisecond
	}
	return &Ingester{
		ledger:        cfg.Ledger,
		cache:         cfg.Cache,
		logger:        cfg.Logger,
		locks:         cfg.Locks,
		symbolOwners:  cfg.SymbolOwners,
		maxRetries:    cfg.MaxRetries,
		retryMinDelay: cfg.RetryMinDelay,
	}, nil
}

// HandleExecution records the fill and drives lot accounting. Entry-like
// tag reasons create a lot; anything else closes FIFO. Unparseable tags are
// quarantined: the fill is recorded under bot "unknown" but no lot logic
// runs on it.
func (i *Ingester) HandleExecution(ctx context.Context, ev ports.ExecutionEvent) error {
	tag, tagErr := domain.ParseOrderTag(ev.OrderLinkID)
	botID := tag.BotID
	reason := tag.Reason
	if tagErr != nil {
		botID = domain.UnknownBotID
		reason = domain.ReasonUnknown
		i.logger.Warn(ctx, "Quarantined execution with unparseable order tag", map[string]interface{}{
			"clientOrderID": ev.OrderLinkID, "symbol": ev.Symbol, "orderID": ev.OrderID,
		})
	}

	fill := &domain.Fill{
		BotID:         botID,
		Symbol:        ev.Symbol,
		Side:          ev.Side,
		ExecPrice:     ev.ExecPrice,
		ExecQty:       ev.ExecQty,
		OrderID:       ev.OrderID,
		ExecID:        ev.ExecID,
		ClientOrderID: ev.OrderLinkID,
		CloseReason:   reason,
		Commission:    ev.ExecFee,
		ExecTime:      ev.ExecTime,
	}

	var inserted bool
	err := i.withRetry(ctx, "AppendFill", func() error {
		var appendErr error
		inserted, appendErr = i.ledger.AppendFill(ctx, fill)
		return appendErr
	})
	if err != nil {
		i.logger.Error(ctx, err, "Dropping execution after retry exhaustion", map[string]interface{}{
			"botID": botID, "symbol": ev.Symbol, "orderID": ev.OrderID, "execID": ev.ExecID,
		})
		return err
	}
	if !inserted {
		// Duplicate delivery of the same (order, exec) pair.
		i.logger.Debug(ctx, "Duplicate fill ignored", map[string]interface{}{
			"orderID": ev.OrderID, "execID": ev.ExecID,
		})
		return nil
	}
	i.logger.Info(ctx, "Fill logged", map[string]interface{}{
		"botID": botID, "symbol": ev.Symbol, "side": ev.Side,
		"qty": ev.ExecQty, "price": ev.ExecPrice, "reason": reason, "fee": ev.ExecFee,
	})

	if tagErr != nil {
		return nil // quarantined: no lot accounting without a trustworthy tag
	}
	if domain.IsEntryReason(reason) {
		return i.openLot(ctx, botID, reason, ev)
	}
	return i.closeLots(ctx, botID, reason, ev)
}

// HandleOrder upserts the order-lifecycle row.
func (i *Ingester) HandleOrder(ctx context.Context, ev ports.OrderEvent) error {
	botID := domain.UnknownBotID
	if tag, err := domain.ParseOrderTag(ev.OrderLinkID); err == nil {
		botID = tag.BotID
	}
	order := &domain.OrderUpdate{
		BotID:         botID,
		Symbol:        ev.Symbol,
		OrderID:       ev.OrderID,
		ClientOrderID: ev.OrderLinkID,
		OrderType:     ev.OrderType,
		Side:          ev.Side,
		Quantity:      ev.Qty,
		Price:         ev.Price,
		Status:        ev.OrderStatus,
		UpdatedAt:     ev.UpdatedAt,
	}
	err := i.withRetry(ctx, "UpsertOrder", func() error {
		return i.ledger.UpsertOrder(ctx, order)
	})
	if err != nil {
		i.logger.Error(ctx, err, "Dropping order update after retry exhaustion", map[string]interface{}{
			"orderID": ev.OrderID, "status": ev.OrderStatus,
		})
		return err
	}
	i.logger.Info(ctx, "Order update recorded", map[string]interface{}{
		"botID": botID, "symbol": ev.Symbol, "orderID": ev.OrderID, "status": ev.OrderStatus,
	})
	return nil
}

// HandlePosition writes the exchange-reported aggregate straight into the
// position cache for the owning bot. This is the drift bound: even when fill
// tags are ambiguous, the cache converges to exchange truth.
func (i *Ingester) HandlePosition(ctx context.Context, ev ports.PositionEvent) error {
	botID, ok := i.symbolOwners[ev.Symbol]
	if !ok {
		i.logger.Warn(ctx, "Position event for unowned symbol skipped", map[string]interface{}{
			"symbol": ev.Symbol, "size": ev.Size,
		})
		return nil
	}

	snap := &domain.PositionSnapshot{
		BotID:         botID,
		Symbol:        ev.Symbol,
		Size:          ev.Size,
		Side:          ev.Side,
		AvgEntryPrice: ev.AvgPrice,
		UnrealizedPnL: ev.UnrealizedPnL,
		UpdatedAt:     time.Now().UTC(),
	}
	err := i.withRetry(ctx, "SetPosition", func() error {
		return i.cache.SetPosition(ctx, snap)
	})
	if err != nil {
		// Cache failure must not stop ingestion; the snapshot is
		// reconstructable at the next position event or reconciliation.
		i.logger.Error(ctx, err, "Failed to update position cache", map[string]interface{}{
			"botID": botID, "symbol": ev.Symbol,
		})
		return err
	}
	i.logger.Info(ctx, "Position cache updated", map[string]interface{}{
		"botID": botID, "symbol": ev.Symbol, "size": ev.Size, "side": ev.Side,
	})
	return nil
}

func (i *Ingester) openLot(ctx context.Context, botID, reason string, ev ports.ExecutionEvent) error {
	key := botID + ":" + ev.Symbol
	i.locks.Lock(key)
	defer i.locks.Unlock(key)

	lot := &domain.Lot{
		BotID:           botID,
		Symbol:          ev.Symbol,
		Side:            ev.Side,
		EntryPrice:      ev.ExecPrice,
		OriginalQty:     ev.ExecQty,
		RemainingQty:    ev.ExecQty,
		EntryTime:       ev.ExecTime,
		EntryCommission: ev.ExecFee,
		EntryReason:     reason,
		EntryOrderID:    ev.OrderID,
		Status:          domain.LotStatusOpen,
	}
	err := i.withRetry(ctx, "UpsertLot", func() error {
		return i.ledger.UpsertLot(ctx, lot)
	})
	if err != nil {
		i.logger.Error(ctx, err, "Failed to create lot", map[string]interface{}{
			"botID": botID, "symbol": ev.Symbol,
		})
		return err
	}
	i.logger.Debug(ctx, "Lot opened", map[string]interface{}{
		"botID": botID, "symbol": ev.Symbol, "qty": ev.ExecQty, "price": ev.ExecPrice,
	})
	return i.refreshCacheFromLots(ctx, botID, ev.Symbol)
}

func (i *Ingester) closeLots(ctx context.Context, botID, reason string, ev ports.ExecutionEvent) error {
	key := botID + ":" + ev.Symbol
	i.locks.Lock(key)
	defer i.locks.Unlock(key)

	lots, err := i.ledger.ListOpenLots(ctx, botID, ev.Symbol)
	if err != nil {
		return fmt.Errorf("listing open lots for close: %w", err)
	}
	if len(lots) == 0 {
		i.logger.Warn(ctx, "Closing fill with no open lots", map[string]interface{}{
			"botID": botID, "symbol": ev.Symbol, "qty": ev.ExecQty,
		})
		return nil
	}

	res, err := matching.CloseFIFO(lots, matching.CloseRequest{
		BotID:             botID,
		Symbol:            ev.Symbol,
		Qty:               ev.ExecQty,
		ExitPrice:         ev.ExecPrice,
		ExitTime:          ev.ExecTime,
		ExitReason:        reason,
		ExitCommission:    ev.ExecFee,
		ExitOrderID:       ev.OrderID,
		ExitClientOrderID: ev.OrderLinkID,
		Source:            domain.SourceWebsocket,
	})
	if err != nil && !errors.Is(err, matching.ErrCloseExceedsOpenQty) {
		return fmt.Errorf("matching close fill: %w", err)
	}
	if errors.Is(err, matching.ErrCloseExceedsOpenQty) {
		i.logger.Warn(ctx, "Close quantity exceeds open lots; excess unmatched", map[string]interface{}{
			"botID": botID, "symbol": ev.Symbol, "requested": ev.ExecQty, "unmatched": res.UnmatchedQty,
		})
	}

	commitErr := i.withRetry(ctx, "CloseLots", func() error {
		return i.ledger.CloseLots(ctx, res.UpdatedLots, res.Trades)
	})
	if commitErr != nil {
		i.logger.Error(ctx, commitErr, "Failed to commit close", map[string]interface{}{
			"botID": botID, "symbol": ev.Symbol, "trades": len(res.Trades),
		})
		return commitErr
	}
	i.logger.Info(ctx, "Close matched", map[string]interface{}{
		"botID": botID, "symbol": ev.Symbol, "slices": len(res.Trades), "qty": res.MatchedQty,
	})
	return i.refreshCacheFromLots(ctx, botID, ev.Symbol)
}

// refreshCacheFromLots rewrites the snapshot from the ledger's open lots.
// The next position event overwrites it with exchange truth.
func (i *Ingester) refreshCacheFromLots(ctx context.Context, botID, symbol string) error {
	lots, err := i.ledger.ListOpenLots(ctx, botID, symbol)
	if err != nil {
		return fmt.Errorf("listing open lots for cache refresh: %w", err)
	}
	total := matching.TotalOpenQty(lots)
	if total == 0 {
		if err := i.cache.DeletePosition(ctx, botID, symbol); err != nil {
			i.logger.Warn(ctx, "Failed to clear flat position from cache", map[string]interface{}{
				"botID": botID, "symbol": symbol, "error": err.Error(),
			})
		}
		return nil
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
	if err := i.cache.SetPosition(ctx, snap); err != nil {
		i.logger.Warn(ctx, "Failed to refresh position cache from lots", map[string]interface{}{
			"botID": botID, "symbol": symbol, "error": err.Error(),
		})
	}
	return nil
}

// withRetry runs fn, retrying transient errors with exponential backoff up
// to the configured attempt bound.
func (i *Ingester) withRetry(ctx context.Context, op string, fn func() error) error {
	b := &backoff.Backoff{
		Min:    i.retryMinDelay,
		Max:    5 * time.Second,
		Factor: 2,
		Jitter: true,
	}
	var err error
	for attempt := 0; attempt <= i.maxRetries; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !ports.IsRetryable(err) {
			return err
		}
		delay := b.Duration()
		i.logger.Warn(ctx, op+" failed, retrying", map[string]interface{}{
			"attempt": attempt + 1, "delay": delay.String(), "error": err.Error(),
		})
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("%s canceled: %w", op, ports.ErrContextCanceled)
		}
	}
	return fmt.Errorf("%s exhausted %d retries: %w", op, i.maxRetries, err)
}
