package eth

import (
	"context"
	"errors"
	"fmt"

	"github.com/erc20-tracker/trackernode/pkg/tracker/models"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

var DialStreamClient = dialStreamClient

// StreamClient is the live push path of a chain: one websocket connection
// that can carry any number of per-token transfer subscriptions.
type StreamClient interface {
	SubscribeTransfers(ctx context.Context, token string, sink chan<- types.Log) (ethereum.Subscription, error)
	Close()
}

type wsStreamClient struct {
	client *ethclient.Client
}

func dialStreamClient(chain models.Chain) (StreamClient, error) {
	if chain.WsURL == "" {
		return nil, errors.New("failed to configure stream client - chain has no websocket url")
	}
	client, err := ethclient.Dial(chain.WsURL)
	if err != nil {
		return nil, fmt.Errorf("failed to configure stream client - %w", err)
	}
	return &wsStreamClient{client: client}, nil
}

func (c *wsStreamClient) SubscribeTransfers(ctx context.Context, token string, sink chan<- types.Log) (ethereum.Subscription, error) {
	query := ethereum.FilterQuery{
		Addresses: []common.Address{common.HexToAddress(token)},
		Topics:    [][]common.Hash{{TransferTopic}},
	}
	return c.client.SubscribeFilterLogs(ctx, query, sink)
}

func (c *wsStreamClient) Close() {
	c.client.Close()
}
