package syncer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/erc20-tracker/trackernode/internal/db"
	"github.com/erc20-tracker/trackernode/internal/queue"
	"github.com/erc20-tracker/trackernode/internal/store"
	"github.com/erc20-tracker/trackernode/pkg/tracker/models"
	"go.uber.org/zap"
)

// CalcProcessor recomputes one address balance from scratch by folding the
// full transfer ledger of the pair. Recomputation instead of incremental
// deltas keeps the job idempotent under redelivery and self-healing after
// reorg cleanups.
type CalcProcessor struct {
	sqlite     *sql.DB
	transferDb store.TransferDb
	balanceDb  store.BalanceDb
}

func NewCalcProcessor(sqlite *sql.DB, transferDb store.TransferDb, balanceDb store.BalanceDb) *CalcProcessor {
	return &CalcProcessor{
		sqlite:     sqlite,
		transferDb: transferDb,
		balanceDb:  balanceDb,
	}
}

func (p *CalcProcessor) Process(ctx context.Context, job queue.Job) error {
	var payload CalcJob
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("bad balance payload: %v: %w", err, queue.ErrStale)
	}

	address := models.NormalizeAddress(payload.Address)
	token := models.NormalizeAddress(payload.Token)

	transfers, err := p.transferDb.GetByAddress(p.sqlite, payload.ChainID, token, address)
	if err != nil {
		return err
	}

	confirmed := new(big.Int)
	pending := new(big.Int)
	maxBlock := uint64(0)
	for _, transfer := range transfers {
		value, ok := new(big.Int).SetString(transfer.Value, 10)
		if !ok {
			zap.L().Warn("Skipping transfer with unparseable value",
				zap.Uint64("chainId", transfer.ChainID),
				zap.String("txHash", transfer.TxHash),
				zap.Uint64("logIndex", transfer.LogIndex),
				zap.String("value", transfer.Value))
			continue
		}

		total := confirmed
		if transfer.Status == models.TransferPending {
			total = pending
		}
		// A self transfer adds and subtracts the same value.
		if transfer.To == address {
			total.Add(total, value)
		}
		if transfer.From == address {
			total.Sub(total, value)
		}
		if transfer.BlockNumber > maxBlock {
			maxBlock = transfer.BlockNumber
		}
	}

	balance := models.Balance{
		ChainID:     payload.ChainID,
		Token:       token,
		Address:     address,
		Confirmed:   confirmed.String(),
		Pending:     pending.String(),
		BlockNumber: maxBlock,
	}
	_, err = db.TxRunner(ctx, p.sqlite, func(tx *sql.Tx) (struct{}, error) {
		return struct{}{}, p.balanceDb.Upsert(tx, balance)
	})
	if err != nil {
		return err
	}

	zap.L().Debug("Recalculated balance",
		zap.Uint64("chainId", payload.ChainID),
		zap.String("token", token),
		zap.String("address", address),
		zap.String("confirmed", balance.Confirmed),
		zap.String("pending", balance.Pending),
		zap.Int("transfers", len(transfers)))
	return nil
}
