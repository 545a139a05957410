package syncer

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/erc20-tracker/trackernode/pkg/tracker/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCleanupProcessor(env *testEnv) *CleanupProcessor {
	return NewCleanupProcessor(env.sqlite, env.cursorDb, env.transferDb, env.calcQueue)
}

func cleanupTransfer(txHash string, block uint64, status models.TransferStatus) models.Transfer {
	return models.Transfer{
		ChainID: 1, TxHash: txHash, LogIndex: 0,
		Token: testToken, From: addrAlice, To: addrBob,
		Value: "10", BlockNumber: block, Timestamp: 1700000000 + block,
		Status: status,
	}
}

func TestCleanupProcessor_DeletesReorgedPending(t *testing.T) {
	env := setupTestEnv(t)
	env.insertTransfers(t,
		cleanupTransfer("0xold_pending", 900, models.TransferPending),
		cleanupTransfer("0xold_confirmed", 900, models.TransferConfirmed),
		cleanupTransfer("0xfresh_pending", 1005, models.TransferPending),
	)
	require.NoError(t, env.cursorDb.AdvanceScanned(1, testToken, 1000))

	processor := newCleanupProcessor(env)
	require.NoError(t, processor.Process(context.Background(), makeJob(t, TokenJob{ChainID: 1, Token: testToken})))

	// The pending transfer inside the scanned range was never confirmed, so
	// it was dropped in a reorg. Confirmed rows and pending rows above the
	// scan head survive.
	gone, err := env.transferDb.GetByIdentity(env.sqlite, 1, "0xold_pending", 0)
	require.NoError(t, err)
	assert.Nil(t, gone)
	kept, err := env.transferDb.GetByIdentity(env.sqlite, 1, "0xold_confirmed", 0)
	require.NoError(t, err)
	assert.NotNil(t, kept)
	fresh, err := env.transferDb.GetByIdentity(env.sqlite, 1, "0xfresh_pending", 0)
	require.NoError(t, err)
	assert.NotNil(t, fresh)

	cursor, err := env.cursorDb.Get(1, testToken)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), cursor.LastConfirmedBlock)

	// Both parties of the deleted transfer get their balances repaired.
	calcJobs := drainJobs(t, env.calcQueue, env.rdb)
	addresses := make([]string, 0, len(calcJobs))
	for _, calcJob := range calcJobs {
		var payload CalcJob
		require.NoError(t, json.Unmarshal(calcJob.Payload, &payload))
		addresses = append(addresses, payload.Address)
	}
	assert.ElementsMatch(t, []string{addrAlice, addrBob}, addresses)
}

func TestCleanupProcessor_NoopWhenCaughtUp(t *testing.T) {
	env := setupTestEnv(t)
	env.insertTransfers(t, cleanupTransfer("0xold_pending", 900, models.TransferPending))
	require.NoError(t, env.cursorDb.AdvanceScanned(1, testToken, 1000))
	require.NoError(t, env.cursorDb.SetConfirmed(1, testToken, 1000))

	processor := newCleanupProcessor(env)
	require.NoError(t, processor.Process(context.Background(), makeJob(t, TokenJob{ChainID: 1, Token: testToken})))

	// Nothing to reconcile, nothing deleted.
	kept, err := env.transferDb.GetByIdentity(env.sqlite, 1, "0xold_pending", 0)
	require.NoError(t, err)
	assert.NotNil(t, kept)
	assert.Equal(t, int64(0), queueLen(t, env.calcQueue))
}

func TestCleanupProcessor_FreshPairIsNoop(t *testing.T) {
	env := setupTestEnv(t)
	processor := newCleanupProcessor(env)
	require.NoError(t, processor.Process(context.Background(), makeJob(t, TokenJob{ChainID: 1, Token: testToken})))
	assert.Equal(t, int64(0), queueLen(t, env.calcQueue))
}
