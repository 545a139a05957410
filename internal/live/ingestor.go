package live

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/erc20-tracker/trackernode/internal/db"
	"github.com/erc20-tracker/trackernode/internal/eth"
	"github.com/erc20-tracker/trackernode/internal/queue"
	"github.com/erc20-tracker/trackernode/internal/store"
	"github.com/erc20-tracker/trackernode/internal/syncer"
	"github.com/erc20-tracker/trackernode/pkg/tracker/models"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
)

// Ingestor persists transfers arriving over live subscriptions as pending
// rows. A transfer already recorded, in either status, is left untouched;
// the catch-up path is the only writer allowed to confirm.
type Ingestor struct {
	sqlite     *sql.DB
	transferDb store.TransferDb
	calcQueue  *queue.Queue
}

func NewIngestor(sqlite *sql.DB, transferDb store.TransferDb, calcQueue *queue.Queue) *Ingestor {
	return &Ingestor{sqlite: sqlite, transferDb: transferDb, calcQueue: calcQueue}
}

// HandleLog never returns an error: a bad or duplicate event must not tear
// down the subscription that delivered it.
func (i *Ingestor) HandleLog(ctx context.Context, chainID uint64, lg types.Log) {
	transfer, err := eth.ParseStreamLog(chainID, lg)
	if err != nil {
		zap.L().Warn("Skipping unparseable live log",
			zap.Uint64("chainId", chainID), zap.Error(err))
		return
	}

	inserted, err := db.TxRunner(ctx, i.sqlite, func(tx *sql.Tx) (bool, error) {
		return i.transferDb.InsertPending(tx, transfer)
	})
	if err != nil {
		zap.L().Error("Failed to persist live transfer",
			zap.Uint64("chainId", chainID),
			zap.String("txHash", transfer.TxHash),
			zap.Uint64("logIndex", transfer.LogIndex),
			zap.Error(err))
		return
	}
	if !inserted {
		// Redelivery or already confirmed by a catch-up batch.
		zap.L().Debug("Live transfer already known",
			zap.Uint64("chainId", chainID),
			zap.String("txHash", transfer.TxHash),
			zap.Uint64("logIndex", transfer.LogIndex))
		return
	}

	scope := fmt.Sprintf("live:%s:%d", transfer.TxHash, transfer.LogIndex)
	for _, address := range []string{transfer.From, transfer.To} {
		if address == models.ZeroAddress {
			continue
		}
		payload := syncer.CalcJob{ChainID: chainID, Token: transfer.Token, Address: address}
		if _, err := i.calcQueue.Enqueue(ctx, payload, syncer.CalcDedupKey(scope, chainID, transfer.Token, address)); err != nil {
			zap.L().Error("Failed to enqueue balance job for live transfer",
				zap.Uint64("chainId", chainID),
				zap.String("token", transfer.Token),
				zap.String("address", address),
				zap.Error(err))
		}
	}

	zap.L().Info("Ingested live transfer",
		zap.Uint64("chainId", chainID),
		zap.String("token", transfer.Token),
		zap.String("txHash", transfer.TxHash),
		zap.Uint64("logIndex", transfer.LogIndex),
		zap.String("value", transfer.Value))
}
