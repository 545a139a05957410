package syncer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/erc20-tracker/trackernode/internal/creds"
	"github.com/erc20-tracker/trackernode/internal/db"
	"github.com/erc20-tracker/trackernode/internal/eth"
	"github.com/erc20-tracker/trackernode/internal/queue"
	"github.com/erc20-tracker/trackernode/internal/store"
	"github.com/erc20-tracker/trackernode/pkg/tracker/models"
	"go.uber.org/zap"
)

// SyncProcessor runs the catch-up path for one (chain, token) pair per job:
// fetch confirmed transfer logs past the safety margin, persist them
// idempotently, advance the scan cursor and request balance recalcs for
// every address that moved.
type SyncProcessor struct {
	sqlite     *sql.DB
	chainDb    store.ChainDb
	tokenDb    store.TokenDb
	cursorDb   store.CursorDb
	transferDb store.TransferDb
	logSource  eth.LogSource
	resolver   creds.Resolver
	calcQueue  *queue.Queue
}

func NewSyncProcessor(
	sqlite *sql.DB,
	chainDb store.ChainDb,
	tokenDb store.TokenDb,
	cursorDb store.CursorDb,
	transferDb store.TransferDb,
	logSource eth.LogSource,
	resolver creds.Resolver,
	calcQueue *queue.Queue,
) *SyncProcessor {
	return &SyncProcessor{
		sqlite:     sqlite,
		chainDb:    chainDb,
		tokenDb:    tokenDb,
		cursorDb:   cursorDb,
		transferDb: transferDb,
		logSource:  logSource,
		resolver:   resolver,
		calcQueue:  calcQueue,
	}
}

func (p *SyncProcessor) Process(ctx context.Context, job queue.Job) error {
	var payload TokenJob
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("bad sync payload: %v: %w", err, queue.ErrStale)
	}

	chain, token, err := p.resolvePair(payload)
	if err != nil {
		return err
	}

	apiKey, err := p.apiKey(chain)
	if err != nil {
		return err
	}

	latest, err := p.logSource.LatestBlockNumber(ctx, *chain, apiKey)
	if err != nil {
		return err
	}
	if latest < chain.Confirmations {
		return nil
	}
	toBlock := latest - chain.Confirmations

	cursor, err := p.cursorDb.Get(chain.ChainID, token.Address)
	if err != nil {
		return err
	}
	fromBlock := uint64(0)
	if cursor.LastScannedBlock > 0 {
		fromBlock = cursor.LastScannedBlock + 1
	}
	if toBlock < fromBlock {
		zap.L().Debug("No new confirmed blocks",
			zap.Uint64("chainId", chain.ChainID),
			zap.String("token", token.Address),
			zap.Uint64("lastScannedBlock", cursor.LastScannedBlock))
		return nil
	}

	raws, err := p.logSource.TransferLogs(ctx, *chain, apiKey, token.Address, fromBlock, toBlock)
	if err != nil {
		return err
	}

	transfers := make([]models.Transfer, 0, len(raws))
	for _, raw := range raws {
		transfer, err := eth.ParseTransferLog(chain.ChainID, token.Address, raw)
		if err != nil {
			zap.L().Warn("Skipping unparseable transfer log",
				zap.Uint64("chainId", chain.ChainID),
				zap.String("token", token.Address),
				zap.Error(err))
			continue
		}
		transfers = append(transfers, transfer)
	}
	if len(transfers) == 0 {
		return nil
	}

	_, err = db.TxRunner(ctx, p.sqlite, func(tx *sql.Tx) (struct{}, error) {
		for _, transfer := range transfers {
			if err := p.transferDb.UpsertConfirmed(tx, transfer); err != nil {
				return struct{}{}, err
			}
		}
		return struct{}{}, nil
	})
	if err != nil {
		return err
	}

	maxBlock := uint64(0)
	touched := make(map[string]struct{})
	for _, transfer := range transfers {
		if transfer.BlockNumber > maxBlock {
			maxBlock = transfer.BlockNumber
		}
		if transfer.From != models.ZeroAddress {
			touched[transfer.From] = struct{}{}
		}
		if transfer.To != models.ZeroAddress {
			touched[transfer.To] = struct{}{}
		}
	}

	if err := p.cursorDb.AdvanceScanned(chain.ChainID, token.Address, maxBlock); err != nil {
		return err
	}

	p.requestRecalcs(ctx, job.ID, chain.ChainID, token.Address, touched)

	zap.L().Info("Synced transfers",
		zap.Uint64("chainId", chain.ChainID),
		zap.String("token", token.Address),
		zap.Uint64("fromBlock", fromBlock),
		zap.Uint64("toBlock", toBlock),
		zap.Int("transfers", len(transfers)),
		zap.Int("addresses", len(touched)))
	return nil
}

func (p *SyncProcessor) resolvePair(payload TokenJob) (*models.Chain, *models.Token, error) {
	chain, err := p.chainDb.GetEnabled(p.sqlite, payload.ChainID)
	if err != nil {
		return nil, nil, err
	}
	if chain == nil {
		return nil, nil, fmt.Errorf("chain %d is unknown or disabled: %w", payload.ChainID, queue.ErrStale)
	}
	token, err := p.tokenDb.GetEnabled(p.sqlite, payload.ChainID, payload.Token)
	if err != nil {
		return nil, nil, err
	}
	if token == nil {
		return nil, nil, fmt.Errorf("token %s on chain %d is unknown or disabled: %w", payload.Token, payload.ChainID, queue.ErrStale)
	}
	return chain, token, nil
}

func (p *SyncProcessor) apiKey(chain *models.Chain) (string, error) {
	if !creds.IsEncrypted(chain.APIKey) {
		return chain.APIKey, nil
	}
	key, err := p.resolver.Decrypt(chain.APIKey)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt api key for chain %d: %w", chain.ChainID, err)
	}
	return key, nil
}

// requestRecalcs enqueues one balance job per touched address. Enqueue
// failures are logged and skipped: the ledger is already durable and the
// next batch touching the address repairs its balance.
func (p *SyncProcessor) requestRecalcs(ctx context.Context, scope string, chainID uint64, token string, touched map[string]struct{}) {
	addresses := make([]string, 0, len(touched))
	for address := range touched {
		addresses = append(addresses, address)
	}
	sort.Strings(addresses)

	for _, address := range addresses {
		payload := CalcJob{ChainID: chainID, Token: token, Address: address}
		if _, err := p.calcQueue.Enqueue(ctx, payload, CalcDedupKey(scope, chainID, token, address)); err != nil {
			zap.L().Error("Failed to enqueue balance job",
				zap.Uint64("chainId", chainID),
				zap.String("token", token),
				zap.String("address", address),
				zap.Error(err))
		}
	}
}
