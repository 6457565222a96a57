package histsync

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"

	"alphaTradeSync/internal/domain"
	"alphaTradeSync/internal/matching"
	"alphaTradeSync/internal/ports"
	"alphaTradeSync/internal/utils"
)

// Config holds construction parameters for the Worker.
type Config struct {
	Exchange ports.ExchangeClient
	Ledger   ports.LedgerStore
	Logger   ports.Logger
	Locks    *utils.KeyMutex

	// Bots are the registered bot IDs eligible for syncing.
	Bots []string
	// SymbolOwners maps symbol -> owning bot. Closed-P&L records carry no
	// order tag, so backfill attributes them through this map.
	SymbolOwners map[string]string

	// BackfillMonths is how far back the initial backfill reaches.
	BackfillMonths int
	// ChunkDays is the window size of one backfill chunk.
	ChunkDays int
	// OverlapHours is re-scanned on every hourly pass to cover events that
	// landed around the previous window edge. Upserts make this safe.
	OverlapHours int
	// Interval between hourly sync passes.
	Interval time.Duration

	MaxRetries    int
	RetryMinDelay time.Duration
}

// Worker drives the two historical fetch strategies: a chunked backfill over
// closed-P&L history and a periodic execution replay through the matcher.
type Worker struct {
	exchange ports.ExchangeClient
	ledger   ports.LedgerStore
	logger   ports.Logger
	locks    *utils.KeyMutex

	bots         []string
	symbolOwners map[string]string

	backfillMonths int
	chunkDays      int
	overlap        time.Duration
	interval       time.Duration

	maxRetries    int
	retryMinDelay time.Duration
}

// New creates a Worker.
func New(cfg Config) (*Worker, error) {
	if cfg.Exchange == nil || cfg.Ledger == nil || cfg.Logger == nil {
		return nil, fmt.Errorf("exchange, ledger and logger are required: %w", ports.ErrConfigurationError)
	}
	if cfg.Locks == nil {
		cfg.Locks = utils.NewKeyMutex()
	}
	if cfg.BackfillMonths <= 0 {
		cfg.BackfillMonths = 3
	}
	if cfg.ChunkDays <= 0 {
		cfg.ChunkDays = 1
	}
	if cfg.OverlapHours <= 0 {
		cfg.OverlapHours = 2
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryMinDelay <= 0 {
		cfg.RetryMinDelay = 500 * time.Millisecond
	}
	return &Worker{
		exchange:       cfg.Exchange,
		ledger:         cfg.Ledger,
		logger:         cfg.Logger,
		locks:          cfg.Locks,
		bots:           cfg.Bots,
		symbolOwners:   cfg.SymbolOwners,
		backfillMonths: cfg.BackfillMonths,
		chunkDays:      cfg.ChunkDays,
		overlap:        time.Duration(cfg.OverlapHours) * time.Hour,
		interval:       cfg.Interval,
		maxRetries:     cfg.MaxRetries,
		retryMinDelay:  cfg.RetryMinDelay,
	}, nil
}

// Backfill scans the full lookback window in day-sized chunks per bot,
// recording one sync status row per chunk. A failed chunk is logged and
// recorded as failed; the remaining chunks still run.
func (w *Worker) Backfill(ctx context.Context) error {
	runID := uuid.NewString()
	start := time.Now().UTC().AddDate(0, -w.backfillMonths, 0)
	end := time.Now().UTC()
	w.logger.Info(ctx, "Starting backfill", map[string]interface{}{
		"runID": runID, "start": start, "end": end, "bots": len(w.bots),
	})

	var failed int
	for _, botID := range w.bots {
		for chunkStart := start; chunkStart.Before(end); chunkStart = chunkStart.AddDate(0, 0, w.chunkDays) {
			chunkEnd := chunkStart.AddDate(0, 0, w.chunkDays)
			if chunkEnd.After(end) {
				chunkEnd = end
			}
			if err := w.syncChunk(ctx, botID, domain.SyncTypeBackfill, chunkStart, chunkEnd); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				failed++
				w.logger.Error(ctx, err, "Backfill chunk failed", map[string]interface{}{
					"runID": runID, "botID": botID, "start": chunkStart, "end": chunkEnd,
				})
			}
		}
	}
	w.logger.Info(ctx, "Backfill finished", map[string]interface{}{
		"runID": runID, "failedChunks": failed,
	})
	if failed > 0 {
		return fmt.Errorf("backfill completed with %d failed chunks", failed)
	}
	return nil
}

// Run executes the hourly sync loop until ctx is cancelled. Each pass covers
// the window since the last completed hourly sync, widened by the overlap.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info(ctx, "Hourly sync loop started", map[string]interface{}{
		"interval": w.interval.String(), "overlap": w.overlap.String(),
	})
	for {
		w.runHourlyPass(ctx)
		select {
		case <-ticker.C:
		case <-ctx.Done():
			w.logger.Info(ctx, "Hourly sync loop stopped", nil)
			return ctx.Err()
		}
	}
}

func (w *Worker) runHourlyPass(ctx context.Context) {
	runID := uuid.NewString()
	now := time.Now().UTC()
	for _, botID := range w.bots {
		last, err := w.ledger.LastSyncTime(ctx, botID, domain.SyncTypeHourly)
		if err != nil {
			w.logger.Error(ctx, err, "Failed to read last sync time", map[string]interface{}{
				"runID": runID, "botID": botID,
			})
			continue
		}
		start := now.Add(-w.interval - w.overlap)
		if !last.IsZero() && last.Add(-w.overlap).Before(start) {
			start = last.Add(-w.overlap)
		}
		if err := w.syncChunk(ctx, botID, domain.SyncTypeHourly, start, now); err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error(ctx, err, "Hourly sync failed", map[string]interface{}{
				"runID": runID, "botID": botID, "start": start, "end": now,
			})
		}
	}
}

// syncChunk runs one (bot, type, window) sync under a status record.
func (w *Worker) syncChunk(ctx context.Context, botID string, syncType domain.SyncType, start, end time.Time) error {
	statusID, err := w.ledger.CreateSyncStatus(ctx, botID, syncType, start, end)
	if err != nil {
		return fmt.Errorf("creating sync status: %w", err)
	}

	var synced int
	switch syncType {
	case domain.SyncTypeBackfill:
		synced, err = w.SyncClosedPnLRange(ctx, botID, start, end)
	default:
		synced, err = w.SyncExecutionsRange(ctx, botID, start, end)
	}
	if err != nil {
		if updErr := w.ledger.UpdateSyncStatus(ctx, statusID, domain.SyncStateFailed, synced, err.Error()); updErr != nil {
			w.logger.Error(ctx, updErr, "Failed to record sync failure", map[string]interface{}{
				"statusID": statusID,
			})
		}
		return err
	}
	if err := w.ledger.UpdateSyncStatus(ctx, statusID, domain.SyncStateCompleted, synced, ""); err != nil {
		return fmt.Errorf("finalizing sync status: %w", err)
	}
	w.logger.Info(ctx, "Sync chunk completed", map[string]interface{}{
		"botID": botID, "type": string(syncType), "start": start, "end": end, "trades": synced,
	})
	return nil
}

// SyncClosedPnLRange fetches closed-P&L history for the bot's owned symbols
// and upserts the mapped trades. Returns the number of newly inserted rows.
func (w *Worker) SyncClosedPnLRange(ctx context.Context, botID string, start, end time.Time) (int, error) {
	var inserted int
	for symbol, owner := range w.symbolOwners {
		if owner != botID {
			continue
		}
		var records []ports.ClosedPnLRecord
		err := w.withRetry(ctx, "ListClosedPnL", func() error {
			var listErr error
			records, listErr = w.exchange.ListClosedPnL(ctx, start, end, symbol)
			return listErr
		})
		if err != nil {
			return inserted, fmt.Errorf("listing closed pnl for %s: %w", symbol, err)
		}

		now := time.Now().UTC()
		for _, rec := range records {
			trade, err := MapClosedPnL(botID, rec, now)
			if err != nil {
				w.logger.Warn(ctx, "Skipping unmappable closed pnl record", map[string]interface{}{
					"botID": botID, "symbol": rec.Symbol, "error": err.Error(),
				})
				continue
			}
			ok, err := w.upsertTrade(ctx, botID, trade)
			if err != nil {
				return inserted, err
			}
			if ok {
				inserted++
			}
		}
	}
	return inserted, nil
}

// SyncExecutionsRange replays the bot's tagged executions through the pair
// matcher and upserts the resulting trades. Returns newly inserted rows.
func (w *Worker) SyncExecutionsRange(ctx context.Context, botID string, start, end time.Time) (int, error) {
	var execs []ports.ExecutionRecord
	err := w.withRetry(ctx, "ListExecutions", func() error {
		var listErr error
		execs, listErr = w.exchange.ListExecutions(ctx, start, end)
		return listErr
	})
	if err != nil {
		return 0, fmt.Errorf("listing executions: %w", err)
	}

	prefix := botID + ":"
	owned := execs[:0:0]
	for _, e := range execs {
		if strings.HasPrefix(e.OrderLinkID, prefix) {
			owned = append(owned, e)
		}
	}
	if len(owned) == 0 {
		return 0, nil
	}

	var inserted int
	for _, trade := range matching.MatchAllSymbols(owned, domain.SourceBybitAPI) {
		if err := matching.ValidateTrade(trade); err != nil {
			w.logger.Warn(ctx, "Skipping invalid matched trade", map[string]interface{}{
				"botID": botID, "symbol": trade.Symbol, "error": err.Error(),
			})
			continue
		}
		ok, err := w.upsertTrade(ctx, botID, trade)
		if err != nil {
			return inserted, err
		}
		if ok {
			inserted++
		}
	}
	return inserted, nil
}

// upsertTrade writes one trade under the (bot, symbol) lock so batch sync
// never interleaves with live close matching for the same position.
func (w *Worker) upsertTrade(ctx context.Context, botID string, trade *domain.CompletedTrade) (bool, error) {
	key := botID + ":" + trade.Symbol
	w.locks.Lock(key)
	defer w.locks.Unlock(key)

	var inserted bool
	err := w.withRetry(ctx, "UpsertCompletedTrade", func() error {
		var upErr error
		inserted, upErr = w.ledger.UpsertCompletedTrade(ctx, trade)
		return upErr
	})
	if err != nil {
		return false, fmt.Errorf("upserting trade %s: %w", trade.TradeID, err)
	}
	return inserted, nil
}

func (w *Worker) withRetry(ctx context.Context, op string, fn func() error) error {
	b := &backoff.Backoff{
		Min:    w.retryMinDelay,
		Max:    10 * time.Second,
		Factor: 2,
		Jitter: true,
	}
	var err error
	for attempt := 0; attempt <= w.maxRetries; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !ports.IsRetryable(err) {
			return err
		}
		delay := b.Duration()
		w.logger.Warn(ctx, op+" failed, retrying", map[string]interface{}{
			"attempt": attempt + 1, "delay": delay.String(), "error": err.Error(),
		})
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("%s canceled: %w", op, ports.ErrContextCanceled)
		}
	}
	return fmt.Errorf("%s exhausted %d retries: %w", op, w.maxRetries, err)
}
