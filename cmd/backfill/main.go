// Command backfill runs the full historical backfill once and prints the
// resulting sync statistics. Intended for first deployment or repair after
// long downtime; the live engine in the root command handles ongoing sync.
package main

import (
	"context"
	"fmt"
	"log"

	"alphaTradeSync/config"
	"alphaTradeSync/internal/adapters/bybit"
	"alphaTradeSync/internal/adapters/logger"
	"alphaTradeSync/internal/adapters/sqlite"
	"alphaTradeSync/internal/histsync"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err)
	}

	// 2. Initialize Logger
	appLogger := logger.NewStdLogger(cfg.LogLevel)
	appLogger.Info(context.Background(), "Logger initialized", map[string]interface{}{"level": cfg.LogLevel.String()})

	// 3. Initialize Ledger
	repo, err := sqlite.NewRepository(sqlite.Config{
		DBPath: cfg.DBPath,
		Logger: appLogger,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize ledger repository")
		log.Fatalf("FATAL: Failed to initialize ledger repository: %v", err)
	}
	defer repo.Close()

	// 4. Initialize Exchange Client
	client, err := bybit.New(bybit.Config{
		APIKey:            cfg.APIKey,
		APISecret:         cfg.APISecret,
		Demo:              cfg.IsDemo,
		Testnet:           cfg.IsTestnet,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Logger:            appLogger,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize Bybit client")
		log.Fatalf("FATAL: Failed to initialize Bybit client: %v", err)
	}

	// 5. Run the backfill
	worker, err := histsync.New(histsync.Config{
		Exchange:       client,
		Ledger:         repo,
		Logger:         appLogger,
		Bots:           cfg.RegisteredBots,
		SymbolOwners:   cfg.SymbolOwners,
		BackfillMonths: cfg.BackfillMonths,
		ChunkDays:      cfg.BackfillChunkDay,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize sync worker")
		log.Fatalf("FATAL: Failed to initialize sync worker: %v", err)
	}

	ctx := context.Background()
	if err := worker.Backfill(ctx); err != nil {
		appLogger.Error(ctx, err, "Backfill finished with errors")
	}

	// 6. Print per-bot statistics
	stats, err := repo.SyncStatistics(ctx, "")
	if err != nil {
		appLogger.Error(ctx, err, "Failed to read sync statistics")
		log.Fatalf("Failed to read sync statistics: %v", err)
	}
	for _, s := range stats {
		fmt.Printf("%-20s %-10s syncs=%d ok=%d failed=%d trades=%d last=%s\n",
			s.BotID, s.SyncType, s.TotalSyncs, s.SuccessfulSyncs, s.FailedSyncs,
			s.TradesSynced, s.LastSyncTime.Format("2006-01-02 15:04:05"))
	}
}
