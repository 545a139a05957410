package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/erc20-tracker/trackernode/internal/config"
	"github.com/erc20-tracker/trackernode/internal/creds"
	"github.com/erc20-tracker/trackernode/internal/db"
	"github.com/erc20-tracker/trackernode/internal/eth"
	"github.com/erc20-tracker/trackernode/internal/live"
	"github.com/erc20-tracker/trackernode/internal/queue"
	"github.com/erc20-tracker/trackernode/internal/store"
	"github.com/erc20-tracker/trackernode/internal/syncer"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var Version = "dev" // Overridden by release build script

func init() {
	logger := zap.Must(zap.NewProduction())
	if config.Get().LogZapMode == "development" {
		logger = zap.Must(zap.NewDevelopment())
	}
	zap.ReplaceGlobals(logger)
}

func main() {
	zap.L().Info("Starting erc20-tracker/trackernode...",
		zap.String("Version", Version))

	cfg := config.Get()

	// Main context: canceled when we want to stop normal operation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sqlitePath := cfg.SqlitePath
	if sqlitePath == "" {
		sqlitePath = "./db/sqlite/sqlite"
	}
	sqlite, err := db.OpenSqlite(sqlitePath)
	if err != nil {
		zap.L().Fatal("Failed to open SQLite", zap.Error(err))
	}

	badgerPath := cfg.BadgerPath
	if badgerPath == "" {
		badgerPath = "./db/badger"
	}
	bdb, err := db.OpenBadger(badgerPath)
	if err != nil {
		zap.L().Fatal("Failed to open Badger", zap.Error(err))
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		zap.L().Fatal("Failed to connect to Redis", zap.Error(err))
	}

	resolver, err := creds.NewAESGCMResolver(cfg.EncryptionKey)
	if err != nil {
		zap.L().Fatal("Failed to initialize credential resolver", zap.Error(err))
	}

	chainDb := store.NewChainDb()
	tokenDb := store.NewTokenDb()
	cursorDb := store.NewCursorDb(bdb)
	transferDb := store.NewTransferDb()
	balanceDb := store.NewBalanceDb()

	syncQueue := queue.New(rdb, "sync_transfers")
	cleanupQueue := queue.New(rdb, "cleanup_reorged")
	calcQueue := queue.New(rdb, "calc_balances")

	logSource := eth.NewEtherscanLogSource(
		time.Duration(cfg.LogSourceTimeoutSeconds)*time.Second,
		cfg.LogSourceRequestsPerSecond)

	syncProcessor := syncer.NewSyncProcessor(
		sqlite, chainDb, tokenDb, cursorDb, transferDb, logSource, resolver, calcQueue)
	cleanupProcessor := syncer.NewCleanupProcessor(sqlite, cursorDb, transferDb, calcQueue)
	calcProcessor := syncer.NewCalcProcessor(sqlite, transferDb, balanceDb)

	consumers := []*queue.Consumer{
		queue.NewConsumer(syncQueue, syncProcessor.Process, cfg.SyncWorkerConcurrency, cfg.JobMaxAttempts),
		queue.NewConsumer(cleanupQueue, cleanupProcessor.Process, cfg.CleanupWorkerConcurrency, cfg.JobMaxAttempts),
		queue.NewConsumer(calcQueue, calcProcessor.Process, cfg.CalcWorkerConcurrency, cfg.JobMaxAttempts),
	}

	scheduler := syncer.NewScheduler(sqlite, chainDb, tokenDb, syncQueue, cleanupQueue,
		time.Duration(cfg.SyncIntervalSeconds)*time.Second)

	ingestor := live.NewIngestor(sqlite, transferDb, calcQueue)
	synchronizer := live.NewSynchronizer(sqlite, chainDb, tokenDb, ingestor,
		time.Duration(cfg.SubSyncIntervalSeconds)*time.Second,
		time.Duration(cfg.ReconnectDelaySeconds)*time.Second)

	var wg sync.WaitGroup
	for _, consumer := range consumers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			consumer.Run(ctx)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		scheduler.Run(ctx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		synchronizer.Run(ctx)
	}()

	// Catch up to two signals: first for graceful, second to force
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	doneCh := make(chan struct{})

	go func() {
		<-sigCh
		zap.L().Info("Received shutdown signal, initiating graceful shutdown...")

		// 1. Cancel main context, telling scheduler, workers and live
		//    subscriptions to stop
		cancel()
		wg.Wait()

		// 2. Close queue transport and databases
		if err := rdb.Close(); err != nil {
			zap.L().Warn("Error closing Redis client", zap.Error(err))
		}
		if err := bdb.Close(); err != nil {
			zap.L().Warn("Error closing Badger", zap.Error(err))
		}
		if err := sqlite.Close(); err != nil {
			zap.L().Warn("Error closing DB", zap.Error(err))
		}

		// 3. Signal that cleanup is done
		close(doneCh)

		// If a second signal arrives, force an immediate exit
		<-sigCh
		zap.L().Error("Received second signal, forcing shutdown")
		os.Exit(1)
	}()

	// Wait for either normal context cancellation or graceful shutdown completion
	select {
	case <-ctx.Done():
	case <-doneCh:
	}

	zap.L().Info("Shutdown complete")
	_ = zap.L().Sync()
}
