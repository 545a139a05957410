package live

import (
	"context"
	"database/sql"
	"encoding/json"
	"math/big"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/erc20-tracker/trackernode/internal/db"
	"github.com/erc20-tracker/trackernode/internal/db/testdb"
	"github.com/erc20-tracker/trackernode/internal/eth"
	"github.com/erc20-tracker/trackernode/internal/queue"
	"github.com/erc20-tracker/trackernode/internal/store"
	"github.com/erc20-tracker/trackernode/pkg/tracker/models"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

const (
	testToken = "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"
	addrAlice = "0xab5801a7d398351b8be11c439e05c5b3259aec9b"
	addrBob   = "0x47ac0fb4f2d84898e4d9e7b4dab3c24507a6d503"
)

type testEnv struct {
	sqlite     *sql.DB
	rdb        *redis.Client
	chainDb    store.ChainDb
	tokenDb    store.TokenDb
	transferDb store.TransferDb
	calcQueue  *queue.Queue
	ingestor   *Ingestor
}

func setupTestEnv(t *testing.T) *testEnv {
	sqlite, cleanup := testdb.SetupTestDB(t)
	t.Cleanup(cleanup)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	transferDb := store.NewTransferDb()
	calcQueue := queue.New(rdb, "calc_balances")
	return &testEnv{
		sqlite:     sqlite,
		rdb:        rdb,
		chainDb:    store.NewChainDb(),
		tokenDb:    store.NewTokenDb(),
		transferDb: transferDb,
		calcQueue:  calcQueue,
		ingestor:   NewIngestor(sqlite, transferDb, calcQueue),
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

func transferLog(txHash string, logIndex uint, block uint64, from, to string, value int64) types.Log {
	return types.Log{
		Address: common.HexToAddress(testToken),
		Topics: []common.Hash{
			eth.TransferTopic,
			common.HexToHash("0x000000000000000000000000" + from[2:]),
			common.HexToHash("0x000000000000000000000000" + to[2:]),
		},
		Data:        common.LeftPadBytes(big.NewInt(value).Bytes(), 32),
		BlockNumber: block,
		TxHash:      common.HexToHash(txHash),
		Index:       logIndex,
	}
}

type fakeSubscription struct {
	errs    chan error
	closed  sync.Once
	stopped bool
	mu      sync.Mutex
}

func newFakeSubscription() *fakeSubscription {
	return &fakeSubscription{errs: make(chan error, 1)}
}

func (f *fakeSubscription) Unsubscribe() {
	f.closed.Do(func() {
		f.mu.Lock()
		f.stopped = true
		f.mu.Unlock()
		close(f.errs)
	})
}

func (f *fakeSubscription) Err() <-chan error {
	return f.errs
}

func (f *fakeSubscription) unsubscribed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

// fakeStreamClient hands out controllable subscriptions keyed by token.
type fakeStreamClient struct {
	mu     sync.Mutex
	sinks  map[string]chan<- types.Log
	subs   map[string]*fakeSubscription
	closed bool
}

func newFakeStreamClient() *fakeStreamClient {
	return &fakeStreamClient{
		sinks: make(map[string]chan<- types.Log),
		subs:  make(map[string]*fakeSubscription),
	}
}

func (f *fakeStreamClient) SubscribeTransfers(ctx context.Context, token string, sink chan<- types.Log) (ethereum.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub := newFakeSubscription()
	f.sinks[token] = sink
	f.subs[token] = sub
	return sub, nil
}

func (f *fakeStreamClient) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeStreamClient) emit(t *testing.T, token string, lg types.Log) {
	f.mu.Lock()
	sink, ok := f.sinks[token]
	f.mu.Unlock()
	require.True(t, ok, "no active subscription for %s", token)
	sink <- lg
}

func (f *fakeStreamClient) fail(t *testing.T, token string, err error) {
	f.mu.Lock()
	sub, ok := f.subs[token]
	f.mu.Unlock()
	require.True(t, ok, "no active subscription for %s", token)
	sub.errs <- err
}

func (f *fakeStreamClient) subscribed(token string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.sinks[token]
	return ok
}

// withFakeStreamDialer routes DialStreamClient to fresh fakes for the test
// and counts dials per chain.
func withFakeStreamDialer(t *testing.T) func() *fakeStreamClient {
	var mu sync.Mutex
	clients := make([]*fakeStreamClient, 0, 1)

	original := eth.DialStreamClient
	eth.DialStreamClient = func(chain models.Chain) (eth.StreamClient, error) {
		mu.Lock()
		defer mu.Unlock()
		client := newFakeStreamClient()
		clients = append(clients, client)
		return client, nil
	}
	t.Cleanup(func() { eth.DialStreamClient = original })

	return func() *fakeStreamClient {
		mu.Lock()
		defer mu.Unlock()
		if len(clients) == 0 {
			return nil
		}
		return clients[len(clients)-1]
	}
}

func queuedCalcAddresses(t *testing.T, env *testEnv) []string {
	raw, err := env.rdb.LRange(context.Background(), "q:calc_balances:jobs", 0, -1).Result()
	require.NoError(t, err)

	addresses := make([]string, 0, len(raw))
	for _, entry := range raw {
		var job struct {
			Payload struct {
				Address string `json:"address"`
			} `json:"payload"`
		}
		require.NoError(t, json.Unmarshal([]byte(entry), &job))
		addresses = append(addresses, job.Payload.Address)
	}
	return addresses
}
