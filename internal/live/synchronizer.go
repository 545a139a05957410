package live

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"
	"time"

	"github.com/erc20-tracker/trackernode/internal/eth"
	"github.com/erc20-tracker/trackernode/internal/store"
	"github.com/erc20-tracker/trackernode/pkg/tracker/models"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
)

const (
	DefaultRefreshInterval = 5 * time.Second
	DefaultReconnectDelay  = 2 * time.Second
)

type pairKey struct {
	chainID uint64
	token   string
}

type subscription struct {
	unsubscribe func()
}

// Synchronizer keeps one live transfer subscription per enabled
// (chain, token) pair, sharing one websocket client per chain. Pairs that
// appear or disappear in configuration are picked up on the next refresh;
// broken streams are resubscribed after a short delay.
type Synchronizer struct {
	sqlite         *sql.DB
	chainDb        store.ChainDb
	tokenDb        store.TokenDb
	ingestor       *Ingestor
	interval       time.Duration
	reconnectDelay time.Duration

	refreshing atomic.Bool
	mu         sync.Mutex
	clients    map[uint64]eth.StreamClient
	active     map[pairKey]*subscription
}

func NewSynchronizer(sqlite *sql.DB, chainDb store.ChainDb, tokenDb store.TokenDb, ingestor *Ingestor, interval, reconnectDelay time.Duration) *Synchronizer {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	if reconnectDelay <= 0 {
		reconnectDelay = DefaultReconnectDelay
	}
	return &Synchronizer{
		sqlite:         sqlite,
		chainDb:        chainDb,
		tokenDb:        tokenDb,
		ingestor:       ingestor,
		interval:       interval,
		reconnectDelay: reconnectDelay,
		clients:        make(map[uint64]eth.StreamClient),
		active:         make(map[pairKey]*subscription),
	}
}

// Run blocks until ctx is done, then tears down every subscription and
// client.
func (s *Synchronizer) Run(ctx context.Context) {
	s.refresh(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return
		case <-ticker.C:
			s.refresh(ctx)
		}
	}
}

// refresh diffs the desired subscription set against the active one. A slow
// refresh still in flight makes the next one a no-op instead of piling up.
func (s *Synchronizer) refresh(ctx context.Context) {
	if !s.refreshing.CompareAndSwap(false, true) {
		return
	}
	defer s.refreshing.Store(false)

	chains, err := s.chainDb.ListEnabled(s.sqlite)
	if err != nil {
		zap.L().Error("Failed to list chains for live subscriptions", zap.Error(err))
		return
	}

	target := make(map[pairKey]models.Chain)
	for _, chain := range chains {
		if chain.WsURL == "" {
			continue
		}
		tokens, err := s.tokenDb.ListEnabled(s.sqlite, chain.ChainID)
		if err != nil {
			zap.L().Error("Failed to list tokens for live subscriptions",
				zap.Uint64("chainId", chain.ChainID), zap.Error(err))
			continue
		}
		for _, token := range tokens {
			target[pairKey{chainID: chain.ChainID, token: token.Address}] = chain
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for key, sub := range s.active {
		if _, wanted := target[key]; !wanted {
			zap.L().Info("Dropping live subscription",
				zap.Uint64("chainId", key.chainID), zap.String("token", key.token))
			sub.unsubscribe()
			delete(s.active, key)
		}
	}

	for key, chain := range target {
		if _, ok := s.active[key]; ok {
			continue
		}
		if err := s.subscribeLocked(ctx, chain, key); err != nil {
			zap.L().Error("Failed to open live subscription",
				zap.Uint64("chainId", key.chainID),
				zap.String("token", key.token),
				zap.Error(err))
		}
	}
}

func (s *Synchronizer) clientLocked(chain models.Chain) (eth.StreamClient, error) {
	if client, ok := s.clients[chain.ChainID]; ok {
		return client, nil
	}
	client, err := eth.DialStreamClient(chain)
	if err != nil {
		return nil, err
	}
	s.clients[chain.ChainID] = client
	return client, nil
}

func (s *Synchronizer) subscribeLocked(ctx context.Context, chain models.Chain, key pairKey) error {
	client, err := s.clientLocked(chain)
	if err != nil {
		return err
	}

	sink := make(chan types.Log, 64)
	sub, err := client.SubscribeTransfers(ctx, key.token, sink)
	if err != nil {
		// The shared connection may be the broken part; redial next time.
		s.dropClientLocked(chain.ChainID)
		return err
	}

	s.active[key] = &subscription{unsubscribe: sub.Unsubscribe}
	go s.pump(ctx, key, sub.Err(), sink)

	zap.L().Info("Opened live subscription",
		zap.Uint64("chainId", key.chainID), zap.String("token", key.token))
	return nil
}

func (s *Synchronizer) dropClientLocked(chainID uint64) {
	if client, ok := s.clients[chainID]; ok {
		client.Close()
		delete(s.clients, chainID)
	}
}

// pump forwards stream events to the ingestor until the subscription dies.
func (s *Synchronizer) pump(ctx context.Context, key pairKey, errs <-chan error, sink <-chan types.Log) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-errs:
			if err == nil {
				// Closed by Unsubscribe.
				return
			}
			zap.L().Warn("Live subscription failed",
				zap.Uint64("chainId", key.chainID),
				zap.String("token", key.token),
				zap.Error(err))

			s.mu.Lock()
			delete(s.active, key)
			s.dropClientLocked(key.chainID)
			s.mu.Unlock()

			time.AfterFunc(s.reconnectDelay, func() {
				if ctx.Err() == nil {
					s.refresh(ctx)
				}
			})
			return
		case lg := <-sink:
			s.ingestor.HandleLog(ctx, key.chainID, lg)
		}
	}
}

func (s *Synchronizer) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, sub := range s.active {
		sub.unsubscribe()
		delete(s.active, key)
	}
	for chainID, client := range s.clients {
		client.Close()
		delete(s.clients, chainID)
	}
	zap.L().Info("Live synchronizer stopped")
}
