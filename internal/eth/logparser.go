package eth

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/erc20-tracker/trackernode/pkg/tracker/models"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// TransferTopic is keccak256("Transfer(address,address,uint256)").
var TransferTopic = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

// ParseHexUint decodes a 0x-prefixed hex quantity. The API encodes zero as a
// bare "0x" in some fields, which hexutil rejects, so we parse by hand.
func ParseHexUint(s string) (uint64, error) {
	trimmed := strings.TrimPrefix(s, "0x")
	if trimmed == "" {
		return 0, nil
	}
	var v big.Int
	if _, ok := v.SetString(trimmed, 16); !ok {
		return 0, fmt.Errorf("invalid hex quantity %q", s)
	}
	if !v.IsUint64() {
		return 0, fmt.Errorf("hex quantity %q overflows uint64", s)
	}
	return v.Uint64(), nil
}

// topicAddress extracts the 20-byte address packed into a 32-byte topic.
func topicAddress(topic string) string {
	trimmed := strings.TrimPrefix(topic, "0x")
	if len(trimmed) < 40 {
		return models.NormalizeAddress("0x" + trimmed)
	}
	return models.NormalizeAddress("0x" + trimmed[len(trimmed)-40:])
}

// ParseTransferLog converts one catch-up API log into a confirmed transfer.
func ParseTransferLog(chainID uint64, token string, raw RawLog) (models.Transfer, error) {
	if len(raw.Topics) < 3 {
		return models.Transfer{}, fmt.Errorf("log %s:%s has %d topics, want 3", raw.TransactionHash, raw.LogIndex, len(raw.Topics))
	}

	blockNumber, err := ParseHexUint(raw.BlockNumber)
	if err != nil {
		return models.Transfer{}, fmt.Errorf("bad block number in log %s: %w", raw.TransactionHash, err)
	}
	logIndex, err := ParseHexUint(raw.LogIndex)
	if err != nil {
		return models.Transfer{}, fmt.Errorf("bad log index in log %s: %w", raw.TransactionHash, err)
	}
	timestamp, err := ParseHexUint(raw.TimeStamp)
	if err != nil {
		return models.Transfer{}, fmt.Errorf("bad timestamp in log %s: %w", raw.TransactionHash, err)
	}

	value := new(big.Int)
	data := strings.TrimPrefix(raw.Data, "0x")
	if data != "" {
		if _, ok := value.SetString(data, 16); !ok {
			return models.Transfer{}, fmt.Errorf("bad value data in log %s", raw.TransactionHash)
		}
	}

	return models.Transfer{
		ChainID:     chainID,
		TxHash:      strings.ToLower(raw.TransactionHash),
		LogIndex:    logIndex,
		Token:       models.NormalizeAddress(token),
		From:        topicAddress(raw.Topics[1]),
		To:          topicAddress(raw.Topics[2]),
		Value:       value.String(),
		BlockNumber: blockNumber,
		Timestamp:   timestamp,
		Status:      models.TransferConfirmed,
	}, nil
}

// ParseStreamLog converts one subscription log into a pending transfer.
func ParseStreamLog(chainID uint64, lg types.Log) (models.Transfer, error) {
	if len(lg.Topics) < 3 {
		return models.Transfer{}, fmt.Errorf("log %s:%d has %d topics, want 3", lg.TxHash.Hex(), lg.Index, len(lg.Topics))
	}
	if lg.Topics[0] != TransferTopic {
		return models.Transfer{}, fmt.Errorf("log %s:%d is not a transfer event", lg.TxHash.Hex(), lg.Index)
	}

	return models.Transfer{
		ChainID:     chainID,
		TxHash:      strings.ToLower(lg.TxHash.Hex()),
		LogIndex:    uint64(lg.Index),
		Token:       models.NormalizeAddress(lg.Address.Hex()),
		From:        models.NormalizeAddress(common.BytesToAddress(lg.Topics[1].Bytes()).Hex()),
		To:          models.NormalizeAddress(common.BytesToAddress(lg.Topics[2].Bytes()).Hex()),
		Value:       new(big.Int).SetBytes(lg.Data).String(),
		BlockNumber: lg.BlockNumber,
		Timestamp:   0,
		Status:      models.TransferPending,
	}, nil
}
