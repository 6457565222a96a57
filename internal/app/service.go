// Package app wires the reconciliation engine together and owns its
// lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"alphaTradeSync/internal/histsync"
	"alphaTradeSync/internal/ports"
	"alphaTradeSync/internal/reconcile"
)

// SyncService orchestrates startup reconciliation, live stream ingestion and
// the periodic historical sync.
type SyncService struct {
	logger      ports.Logger
	coordinator *reconcile.Coordinator
	stream      ports.ExchangeStream
	handler     ports.StreamHandler
	worker      *histsync.Worker

	// RunBackfill triggers the full lookback backfill before the live
	// pipeline starts; used on first deployment or after long downtime.
	runBackfill bool
}

// Config holds the assembled components for the service.
type Config struct {
	Logger      ports.Logger
	Coordinator *reconcile.Coordinator
	Stream      ports.ExchangeStream
	Handler     ports.StreamHandler
	Worker      *histsync.Worker
	RunBackfill bool
}

// NewSyncService creates the application service.
func NewSyncService(cfg Config) (*SyncService, error) {
	if cfg.Logger == nil || cfg.Coordinator == nil || cfg.Stream == nil || cfg.Handler == nil || cfg.Worker == nil {
		return nil, fmt.Errorf("missing required dependencies for SyncService")
	}
	return &SyncService{
		logger:      cfg.Logger,
		coordinator: cfg.Coordinator,
		stream:      cfg.Stream,
		handler:     cfg.Handler,
		worker:      cfg.Worker,
		runBackfill: cfg.RunBackfill,
	}, nil
}

// Start runs the engine until the context is cancelled or a SIGINT/SIGTERM
// arrives. Order matters: the ledger is reconciled against the exchange
// before any live event is consumed, so stream closes always find their lots.
func (s *SyncService) Start(ctx context.Context) error {
	s.logger.Info(ctx, "Starting reconciliation engine...")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			s.logger.Info(ctx, "Received shutdown signal", map[string]interface{}{"signal": sig.String()})
			cancel()
		case <-ctx.Done():
		}
	}()

	// 1. Optional full backfill.
	if s.runBackfill {
		if err := s.worker.Backfill(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Partial backfill is not fatal: failed chunks are recorded and
			// can be replayed on the next run.
			s.logger.Error(ctx, err, "Backfill finished with errors")
		}
	}

	// 2. Reconcile open positions against the exchange.
	results, err := s.coordinator.Reconcile(ctx)
	if err != nil {
		return fmt.Errorf("startup reconciliation failed: %w", err)
	}
	for _, res := range results {
		s.logger.Info(ctx, "Position reconciled", map[string]interface{}{
			"botID": res.BotID, "symbol": res.Symbol, "state": string(res.State),
			"ledgerQty": res.LedgerQty, "exchangeQty": res.ExchangeQty,
		})
	}

	// 3. Live stream ingestion and the hourly sync loop run side by side;
	// either one failing terminally brings the engine down.
	errCh := make(chan error, 2)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.stream.Start(ctx, s.handler); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("stream ingestion stopped: %w", err)
			cancel()
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("hourly sync stopped: %w", err)
			cancel()
		}
	}()

	wg.Wait()
	close(errCh)
	var firstErr error
	for err := range errCh {
		if firstErr == nil {
			firstErr = err
		} else {
			s.logger.Error(ctx, err, "Additional shutdown error")
		}
	}
	if firstErr != nil {
		return firstErr
	}
	s.logger.Info(context.Background(), "Reconciliation engine stopped")
	return nil
}
