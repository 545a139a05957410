package syncer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/big"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/erc20-tracker/trackernode/internal/db"
	"github.com/erc20-tracker/trackernode/internal/db/testdb"
	"github.com/erc20-tracker/trackernode/internal/eth"
	"github.com/erc20-tracker/trackernode/internal/queue"
	"github.com/erc20-tracker/trackernode/internal/store"
	"github.com/erc20-tracker/trackernode/pkg/tracker/models"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	sqlite       *sql.DB
	rdb          *redis.Client
	chainDb      store.ChainDb
	tokenDb      store.TokenDb
	cursorDb     store.CursorDb
	transferDb   store.TransferDb
	balanceDb    store.BalanceDb
	syncQueue    *queue.Queue
	cleanupQueue *queue.Queue
	calcQueue    *queue.Queue
}

func setupTestEnv(t *testing.T) *testEnv {
	sqlite, sqliteCleanup := testdb.SetupTestDB(t)
	t.Cleanup(sqliteCleanup)
	bdb, badgerCleanup := testdb.SetupTestBadger(t)
	t.Cleanup(badgerCleanup)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	return &testEnv{
		sqlite:       sqlite,
		rdb:          rdb,
		chainDb:      store.NewChainDb(),
		tokenDb:      store.NewTokenDb(),
		cursorDb:     store.NewCursorDb(bdb),
		transferDb:   store.NewTransferDb(),
		balanceDb:    store.NewBalanceDb(),
		syncQueue:    queue.New(rdb, "sync_transfers"),
		cleanupQueue: queue.New(rdb, "cleanup_reorged"),
		calcQueue:    queue.New(rdb, "calc_balances"),
	}
}

func (e *testEnv) seedPair(t *testing.T, chain models.Chain, token models.Token) {
	_, err := db.TxRunner(context.Background(), e.sqlite, func(tx *sql.Tx) (struct{}, error) {
		if err := e.chainDb.Upsert(tx, chain); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, e.tokenDb.Upsert(tx, token)
	})
	require.NoError(t, err)
}

func (e *testEnv) insertTransfers(t *testing.T, transfers ...models.Transfer) {
	_, err := db.TxRunner(context.Background(), e.sqlite, func(tx *sql.Tx) (struct{}, error) {
		for _, transfer := range transfers {
			if transfer.Status == models.TransferConfirmed {
				if err := e.transferDb.UpsertConfirmed(tx, transfer); err != nil {
					return struct{}{}, err
				}
			} else {
				if _, err := e.transferDb.InsertPending(tx, transfer); err != nil {
					return struct{}{}, err
				}
			}
		}
		return struct{}{}, nil
	})
	require.NoError(t, err)
}

// drainJobs pops and decodes every queued job without running a consumer.
func drainJobs(t *testing.T, q *queue.Queue, rdb *redis.Client) []queue.Job {
	raw, err := rdb.LRange(context.Background(), "q:"+q.Name()+":jobs", 0, -1).Result()
	require.NoError(t, err)
	require.NoError(t, rdb.Del(context.Background(), "q:"+q.Name()+":jobs").Err())

	jobs := make([]queue.Job, 0, len(raw))
	for _, entry := range raw {
		var job queue.Job
		require.NoError(t, json.Unmarshal([]byte(entry), &job))
		jobs = append(jobs, job)
	}
	return jobs
}

func queueLen(t *testing.T, q *queue.Queue) int64 {
	n, err := q.Len(context.Background())
	require.NoError(t, err)
	return n
}

const (
	testToken = "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"
	addrAlice = "0xab5801a7d398351b8be11c439e05c5b3259aec9b"
	addrBob   = "0x47ac0fb4f2d84898e4d9e7b4dab3c24507a6d503"
	addrCarol = "0x1f9090aae28b8a3dceadf281b0f12828e676c326"
)

func testChain(chainID uint64) models.Chain {
	return models.Chain{
		ChainID:       chainID,
		Name:          "Testchain",
		Symbol:        "ETH",
		RPCURL:        "http://localhost:0",
		WsURL:         "ws://localhost:0",
		APIKey:        "plain-key",
		Confirmations: 12,
		LogsRange:     1000,
		Enabled:       true,
	}
}

func testTokenModel(chainID uint64) models.Token {
	return models.Token{ChainID: chainID, Address: testToken, Symbol: "USDC", Decimals: 6, Enabled: true}
}

type rangeCall struct {
	fromBlock uint64
	toBlock   uint64
}

// fakeLogSource serves canned logs and records the windows it was asked for.
type fakeLogSource struct {
	latest uint64
	logs   []eth.RawLog
	err    error
	calls  []rangeCall
}

func (f *fakeLogSource) LatestBlockNumber(ctx context.Context, chain models.Chain, apiKey string) (uint64, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.latest, nil
}

func (f *fakeLogSource) TransferLogs(ctx context.Context, chain models.Chain, apiKey string, token string, fromBlock, toBlock uint64) ([]eth.RawLog, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.calls = append(f.calls, rangeCall{fromBlock: fromBlock, toBlock: toBlock})

	var window []eth.RawLog
	for _, raw := range f.logs {
		block, err := eth.ParseHexUint(raw.BlockNumber)
		if err != nil {
			return nil, err
		}
		if block >= fromBlock && block <= toBlock {
			window = append(window, raw)
		}
	}
	return window, nil
}

func rawTransferLog(txHash string, logIndex, block uint64, from, to string, value *big.Int) eth.RawLog {
	return eth.RawLog{
		Address: testToken,
		Topics: []string{
			eth.TransferTopic.Hex(),
			"0x000000000000000000000000" + from[2:],
			"0x000000000000000000000000" + to[2:],
		},
		Data:            fmt.Sprintf("0x%064x", value),
		BlockNumber:     fmt.Sprintf("0x%x", block),
		TimeStamp:       fmt.Sprintf("0x%x", 1700000000+block),
		LogIndex:        fmt.Sprintf("0x%x", logIndex),
		TransactionHash: txHash,
	}
}

func makeJob(t *testing.T, payload interface{}) queue.Job {
	encoded, err := json.Marshal(payload)
	require.NoError(t, err)
	return queue.Job{ID: "test-job", Payload: encoded}
}
