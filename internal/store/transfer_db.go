package store

import (
	"database/sql"

	"github.com/erc20-tracker/trackernode/internal/db"
	"github.com/erc20-tracker/trackernode/pkg/tracker/models"
)

// TransferDb is the append-mostly transfer ledger. Rows are keyed by
// (chain_id, tx_hash, log_index); concurrent writers merge on that key
// instead of duplicating.
type TransferDb interface {
	// UpsertConfirmed inserts a confirmed transfer, or promotes an existing
	// row (typically pending, from the live path) to confirmed. On conflict
	// only the status column is touched.
	UpsertConfirmed(tx *sql.Tx, transfer models.Transfer) error
	// InsertPending inserts a pending transfer and reports whether a row was
	// actually written. An existing row with the same identity is left
	// untouched: confirmation is authoritative and must not be downgraded.
	InsertPending(tx *sql.Tx, transfer models.Transfer) (bool, error)
	GetByIdentity(rq db.QueryRunner, chainID uint64, txHash string, logIndex uint64) (*models.Transfer, error)
	// GetByAddress returns every transfer of the token where the address is
	// sender or receiver, regardless of status.
	GetByAddress(rq db.QueryRunner, chainID uint64, token string, address string) ([]models.Transfer, error)
	// ListPendingBelow returns the pending transfers of the pair with
	// block_number strictly below the given block.
	ListPendingBelow(rq db.QueryRunner, chainID uint64, token string, blockNumber uint64) ([]models.Transfer, error)
	// DeletePendingBelow removes pending transfers of the pair with
	// block_number strictly below the given block. Confirmed rows are never
	// deleted.
	DeletePendingBelow(tx *sql.Tx, chainID uint64, token string, blockNumber uint64) (int64, error)
}

func NewTransferDb() TransferDb {
	return &TransferDbImpl{}
}

type TransferDbImpl struct{}

const transferColumns = `chain_id, tx_hash, log_index, token, from_address, to_address, value, block_number, timestamp, status`

func (t *TransferDbImpl) UpsertConfirmed(tx *sql.Tx, transfer models.Transfer) error {
	_, err := tx.Exec(`
		INSERT INTO transfers (`+transferColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (chain_id, tx_hash, log_index)
		DO UPDATE SET status = ?`,
		transfer.ChainID, transfer.TxHash, transfer.LogIndex,
		models.NormalizeAddress(transfer.Token),
		models.NormalizeAddress(transfer.From), models.NormalizeAddress(transfer.To),
		transfer.Value, transfer.BlockNumber, transfer.Timestamp,
		models.TransferConfirmed, models.TransferConfirmed)
	return err
}

func (t *TransferDbImpl) InsertPending(tx *sql.Tx, transfer models.Transfer) (bool, error) {
	res, err := tx.Exec(`
		INSERT INTO transfers (`+transferColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (chain_id, tx_hash, log_index) DO NOTHING`,
		transfer.ChainID, transfer.TxHash, transfer.LogIndex,
		models.NormalizeAddress(transfer.Token),
		models.NormalizeAddress(transfer.From), models.NormalizeAddress(transfer.To),
		transfer.Value, transfer.BlockNumber, transfer.Timestamp,
		models.TransferPending)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (t *TransferDbImpl) GetByIdentity(rq db.QueryRunner, chainID uint64, txHash string, logIndex uint64) (*models.Transfer, error) {
	row := rq.QueryRow(`
		SELECT `+transferColumns+`
		FROM transfers
		WHERE chain_id = ? AND tx_hash = ? AND log_index = ?`,
		chainID, txHash, logIndex)

	var transfer models.Transfer
	err := scanTransfer(row, &transfer)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &transfer, nil
}

func (t *TransferDbImpl) GetByAddress(rq db.QueryRunner, chainID uint64, token string, address string) ([]models.Transfer, error) {
	rows, err := rq.Query(`
		SELECT `+transferColumns+`
		FROM transfers
		WHERE chain_id = ? AND token = ? AND (from_address = ? OR to_address = ?)`,
		chainID, models.NormalizeAddress(token),
		models.NormalizeAddress(address), models.NormalizeAddress(address))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transfers []models.Transfer
	for rows.Next() {
		var transfer models.Transfer
		if err := scanTransfer(rows, &transfer); err != nil {
			return nil, err
		}
		transfers = append(transfers, transfer)
	}
	return transfers, rows.Err()
}

func (t *TransferDbImpl) ListPendingBelow(rq db.QueryRunner, chainID uint64, token string, blockNumber uint64) ([]models.Transfer, error) {
	rows, err := rq.Query(`
		SELECT `+transferColumns+`
		FROM transfers
		WHERE chain_id = ? AND token = ? AND status = ? AND block_number < ?`,
		chainID, models.NormalizeAddress(token), models.TransferPending, blockNumber)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transfers []models.Transfer
	for rows.Next() {
		var transfer models.Transfer
		if err := scanTransfer(rows, &transfer); err != nil {
			return nil, err
		}
		transfers = append(transfers, transfer)
	}
	return transfers, rows.Err()
}

func (t *TransferDbImpl) DeletePendingBelow(tx *sql.Tx, chainID uint64, token string, blockNumber uint64) (int64, error) {
	res, err := tx.Exec(`
		DELETE FROM transfers
		WHERE chain_id = ? AND token = ? AND status = ? AND block_number < ?`,
		chainID, models.NormalizeAddress(token), models.TransferPending, blockNumber)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTransfer(scanner rowScanner, transfer *models.Transfer) error {
	return scanner.Scan(
		&transfer.ChainID, &transfer.TxHash, &transfer.LogIndex,
		&transfer.Token, &transfer.From, &transfer.To,
		&transfer.Value, &transfer.BlockNumber, &transfer.Timestamp,
		&transfer.Status,
	)
}
