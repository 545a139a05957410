package syncer

import (
	"context"
	"database/sql"
	"time"

	"github.com/erc20-tracker/trackernode/internal/queue"
	"github.com/erc20-tracker/trackernode/internal/store"
	"go.uber.org/zap"
)

const DefaultSyncInterval = 15 * time.Second

// Scheduler periodically enqueues one sync job and one cleanup job per
// enabled (chain, token) pair. Dedup keys make overlapping ticks harmless:
// a pair whose previous job is still queued or running is skipped.
type Scheduler struct {
	sqlite       *sql.DB
	chainDb      store.ChainDb
	tokenDb      store.TokenDb
	syncQueue    *queue.Queue
	cleanupQueue *queue.Queue
	interval     time.Duration
}

func NewScheduler(sqlite *sql.DB, chainDb store.ChainDb, tokenDb store.TokenDb, syncQueue, cleanupQueue *queue.Queue, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultSyncInterval
	}
	return &Scheduler{
		sqlite:       sqlite,
		chainDb:      chainDb,
		tokenDb:      tokenDb,
		syncQueue:    syncQueue,
		cleanupQueue: cleanupQueue,
		interval:     interval,
	}
}

// Run blocks until ctx is done. The first tick fires immediately.
func (s *Scheduler) Run(ctx context.Context) {
	s.tick(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	chains, err := s.chainDb.ListEnabled(s.sqlite)
	if err != nil {
		zap.L().Error("Failed to list chains for scheduling", zap.Error(err))
		return
	}

	for _, chain := range chains {
		tokens, err := s.tokenDb.ListEnabled(s.sqlite, chain.ChainID)
		if err != nil {
			zap.L().Error("Failed to list tokens for scheduling",
				zap.Uint64("chainId", chain.ChainID), zap.Error(err))
			continue
		}

		for _, token := range tokens {
			payload := TokenJob{ChainID: chain.ChainID, Token: token.Address}
			if _, err := s.syncQueue.Enqueue(ctx, payload, SyncDedupKey(chain.ChainID, token.Address)); err != nil {
				zap.L().Error("Failed to enqueue sync job",
					zap.Uint64("chainId", chain.ChainID),
					zap.String("token", token.Address),
					zap.Error(err))
			}
			if _, err := s.cleanupQueue.Enqueue(ctx, payload, CleanupDedupKey(chain.ChainID, token.Address)); err != nil {
				zap.L().Error("Failed to enqueue cleanup job",
					zap.Uint64("chainId", chain.ChainID),
					zap.String("token", token.Address),
					zap.Error(err))
			}
		}
	}
}
