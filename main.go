package main

import (
	"context"
	"log" // Use standard log only for initial fatal errors before logger is set up

	"alphaTradeSync/config"
	"alphaTradeSync/internal/adapters/bybit"
	"alphaTradeSync/internal/adapters/logger"
	"alphaTradeSync/internal/adapters/rediscache"
	"alphaTradeSync/internal/adapters/sqlite"
	"alphaTradeSync/internal/app"
	"alphaTradeSync/internal/histsync"
	"alphaTradeSync/internal/ingest"
	"alphaTradeSync/internal/reconcile"
	"alphaTradeSync/internal/utils"
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

	// 3. Initialize Ledger (Database Adapter)
	repo, err := sqlite.NewRepository(sqlite.Config{
		DBPath: cfg.DBPath,
		Logger: appLogger,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize ledger repository")
		log.Fatalf("FATAL: Failed to initialize ledger repository: %v", err)
	}
	defer func() {
		if err := repo.Close(); err != nil {
			appLogger.Error(context.Background(), err, "Error closing ledger repository")
		}
	}()

	// 4. Initialize Position Cache (Redis Adapter)
	cache, err := rediscache.New(rediscache.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		Logger:   appLogger,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize position cache")
		log.Fatalf("FATAL: Failed to initialize position cache: %v", err)
	}
	defer func() {
		if err := cache.Close(); err != nil {
			appLogger.Error(context.Background(), err, "Error closing position cache")
		}
	}()

	// 5. Initialize Exchange Client and Private Stream (Bybit Adapters)
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
	stream, err := bybit.NewStream(bybit.StreamConfig{
		APIKey:               cfg.APIKey,
		APISecret:            cfg.APISecret,
		Demo:                 cfg.IsDemo,
		Testnet:              cfg.IsTestnet,
		Logger:               appLogger,
		ReconnectDelay:       cfg.ReconnectDelay,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize Bybit stream")
		log.Fatalf("FATAL: Failed to initialize Bybit stream: %v", err)
	}

	// 6. Assemble the engine. One lock set is shared by every component that
	// mutates lots, so live ingestion, sync and reconciliation serialize per
	// (bot, symbol).
	locks := utils.NewKeyMutex()

	handler, err := ingest.New(ingest.Config{
		Ledger:       repo,
		Cache:        cache,
		Logger:       appLogger,
		Locks:        locks,
		SymbolOwners: cfg.SymbolOwners,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize ingester")
		log.Fatalf("FATAL: Failed to initialize ingester: %v", err)
	}

	worker, err := histsync.New(histsync.Config{
		Exchange:       client,
		Ledger:         repo,
		Logger:         appLogger,
		Locks:          locks,
		Bots:           cfg.RegisteredBots,
		SymbolOwners:   cfg.SymbolOwners,
		BackfillMonths: cfg.BackfillMonths,
		ChunkDays:      cfg.BackfillChunkDay,
		OverlapHours:   cfg.SyncOverlapHours,
		Interval:       cfg.SyncInterval,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize sync worker")
		log.Fatalf("FATAL: Failed to initialize sync worker: %v", err)
	}

	coordinator, err := reconcile.New(reconcile.Config{
		Exchange:     client,
		Ledger:       repo,
		Cache:        cache,
		Logger:       appLogger,
		Locks:        locks,
		Bots:         cfg.RegisteredBots,
		SymbolOwners: cfg.SymbolOwners,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize reconciliation coordinator")
		log.Fatalf("FATAL: Failed to initialize reconciliation coordinator: %v", err)
	}

	svc, err := app.NewSyncService(app.Config{
		Logger:      appLogger,
		Coordinator: coordinator,
		Stream:      stream,
		Handler:     handler,
		Worker:      worker,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize sync service")
		log.Fatalf("FATAL: Failed to initialize sync service: %v", err)
	}

	// 7. Start the Service
	if err := svc.Start(context.Background()); err != nil {
		appLogger.Error(context.Background(), err, "Sync service exited with error")
		log.Fatalf("FATAL: Sync service exited with error: %v", err)
	}

	appLogger.Info(context.Background(), "Application finished gracefully.")
}
