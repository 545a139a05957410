package syncer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/erc20-tracker/trackernode/internal/db"
	"github.com/erc20-tracker/trackernode/internal/queue"
	"github.com/erc20-tracker/trackernode/internal/store"
	"github.com/erc20-tracker/trackernode/pkg/tracker/models"
	"go.uber.org/zap"
)

// CleanupProcessor reconciles the live path against the catch-up path.
// Every pending transfer below the last scanned block had its chance to be
// confirmed by a catch-up batch; whatever is still pending there was dropped
// in a reorg and gets deleted. Addresses of deleted rows get a recalc so
// their pending balances shed the phantom transfers.
type CleanupProcessor struct {
	sqlite     *sql.DB
	cursorDb   store.CursorDb
	transferDb store.TransferDb
	calcQueue  *queue.Queue
}

func NewCleanupProcessor(sqlite *sql.DB, cursorDb store.CursorDb, transferDb store.TransferDb, calcQueue *queue.Queue) *CleanupProcessor {
	return &CleanupProcessor{
		sqlite:     sqlite,
		cursorDb:   cursorDb,
		transferDb: transferDb,
		calcQueue:  calcQueue,
	}
}

func (p *CleanupProcessor) Process(ctx context.Context, job queue.Job) error {
	var payload TokenJob
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("bad cleanup payload: %v: %w", err, queue.ErrStale)
	}

	cursor, err := p.cursorDb.Get(payload.ChainID, payload.Token)
	if err != nil {
		return err
	}
	if cursor.LastConfirmedBlock >= cursor.LastScannedBlock {
		return nil
	}

	touched, err := db.TxRunner(ctx, p.sqlite, func(tx *sql.Tx) (map[string]struct{}, error) {
		stale, err := p.transferDb.ListPendingBelow(tx, payload.ChainID, payload.Token, cursor.LastScannedBlock)
		if err != nil {
			return nil, err
		}
		if _, err := p.transferDb.DeletePendingBelow(tx, payload.ChainID, payload.Token, cursor.LastScannedBlock); err != nil {
			return nil, err
		}
		touched := make(map[string]struct{})
		for _, transfer := range stale {
			if transfer.From != models.ZeroAddress {
				touched[transfer.From] = struct{}{}
			}
			if transfer.To != models.ZeroAddress {
				touched[transfer.To] = struct{}{}
			}
		}
		return touched, nil
	})
	if err != nil {
		return err
	}

	if err := p.cursorDb.SetConfirmed(payload.ChainID, payload.Token, cursor.LastScannedBlock); err != nil {
		return err
	}

	if len(touched) > 0 {
		zap.L().Info("Removed reorged pending transfers",
			zap.Uint64("chainId", payload.ChainID),
			zap.String("token", payload.Token),
			zap.Uint64("belowBlock", cursor.LastScannedBlock),
			zap.Int("addresses", len(touched)))

		for address := range touched {
			calcPayload := CalcJob{ChainID: payload.ChainID, Token: payload.Token, Address: address}
			if _, err := p.calcQueue.Enqueue(ctx, calcPayload, CalcDedupKey(job.ID, payload.ChainID, payload.Token, address)); err != nil {
				zap.L().Error("Failed to enqueue balance job",
					zap.Uint64("chainId", payload.ChainID),
					zap.String("token", payload.Token),
					zap.String("address", address),
					zap.Error(err))
			}
		}
	}
	return nil
}
