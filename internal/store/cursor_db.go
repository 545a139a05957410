package store

import (
	"encoding/binary"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/erc20-tracker/trackernode/pkg/tracker/models"
)

// CursorDb tracks per (chain, token) scanning progress. Both fields only ever
// increase, and LastConfirmedBlock never exceeds LastScannedBlock, so
// concurrent or repeated sync runs converge to the same cursor.
type CursorDb interface {
	// Get returns the cursor for the pair, zero-initialized when absent.
	Get(chainID uint64, token string) (models.SyncCursor, error)
	// AdvanceScanned raises LastScannedBlock to blockNumber via max-merge;
	// a lower value is a no-op.
	AdvanceScanned(chainID uint64, token string, blockNumber uint64) error
	// SetConfirmed raises LastConfirmedBlock, clamped to LastScannedBlock.
	SetConfirmed(chainID uint64, token string, blockNumber uint64) error
}

func NewCursorDb(db *badger.DB) CursorDb {
	return &CursorDbImpl{db: db}
}

type CursorDbImpl struct {
	db *badger.DB
}

const cursorKeyPrefix = "syncer:"

func cursorKey(chainID uint64, token string) []byte {
	return []byte(fmt.Sprintf("%s%d:%s", cursorKeyPrefix, chainID, models.NormalizeAddress(token)))
}

func encodeCursor(scanned, confirmed uint64) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[:8], scanned)
	binary.BigEndian.PutUint64(buf[8:], confirmed)
	return buf
}

func decodeCursor(val []byte) (scanned, confirmed uint64, err error) {
	if len(val) != 16 {
		return 0, 0, fmt.Errorf("malformed cursor value of %d bytes", len(val))
	}
	return binary.BigEndian.Uint64(val[:8]), binary.BigEndian.Uint64(val[8:]), nil
}

func (c *CursorDbImpl) Get(chainID uint64, token string) (models.SyncCursor, error) {
	cursor := models.SyncCursor{ChainID: chainID, Token: models.NormalizeAddress(token)}
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(cursorKey(chainID, token))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			scanned, confirmed, err := decodeCursor(val)
			if err != nil {
				return err
			}
			cursor.LastScannedBlock = scanned
			cursor.LastConfirmedBlock = confirmed
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return cursor, nil
	}
	if err != nil {
		return cursor, err
	}
	return cursor, nil
}

func (c *CursorDbImpl) AdvanceScanned(chainID uint64, token string, blockNumber uint64) error {
	return c.merge(chainID, token, func(scanned, confirmed uint64) (uint64, uint64) {
		if blockNumber > scanned {
			scanned = blockNumber
		}
		return scanned, confirmed
	})
}

func (c *CursorDbImpl) SetConfirmed(chainID uint64, token string, blockNumber uint64) error {
	return c.merge(chainID, token, func(scanned, confirmed uint64) (uint64, uint64) {
		target := blockNumber
		if target > scanned {
			target = scanned
		}
		if target > confirmed {
			confirmed = target
		}
		return scanned, confirmed
	})
}

// merge applies a monotonic read-modify-write inside one badger transaction,
// retrying on write conflicts from concurrent workers.
func (c *CursorDbImpl) merge(chainID uint64, token string, fn func(scanned, confirmed uint64) (uint64, uint64)) error {
	key := cursorKey(chainID, token)
	for {
		err := c.db.Update(func(txn *badger.Txn) error {
			var scanned, confirmed uint64
			item, err := txn.Get(key)
			if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			if err == nil {
				err = item.Value(func(val []byte) error {
					scanned, confirmed, err = decodeCursor(val)
					return err
				})
				if err != nil {
					return err
				}
			}
			scanned, confirmed = fn(scanned, confirmed)
			return txn.Set(key, encodeCursor(scanned, confirmed))
		})
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		return err
	}
}
