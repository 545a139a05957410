package store

import (
	"database/sql"

	"github.com/erc20-tracker/trackernode/internal/db"
	"github.com/erc20-tracker/trackernode/pkg/tracker/models"
)

// ChainDb reads the chain configuration snapshot. The tracker core treats it
// as read-only and eventually consistent; writes happen through the admin
// surface (or seeding).
type ChainDb interface {
	ListEnabled(rq db.QueryRunner) ([]models.Chain, error)
	GetEnabled(rq db.QueryRunner, chainID uint64) (*models.Chain, error)
	Upsert(tx *sql.Tx, chain models.Chain) error
}

func NewChainDb() ChainDb {
	return &ChainDbImpl{}
}

type ChainDbImpl struct{}

const chainColumns = `chain_id, name, symbol, rpc_url, ws_url, api_key, confirmations, logs_range, enabled`

func (c *ChainDbImpl) ListEnabled(rq db.QueryRunner) ([]models.Chain, error) {
	rows, err := rq.Query(`
		SELECT ` + chainColumns + `
		FROM chains WHERE enabled = 1 ORDER BY chain_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chains []models.Chain
	for rows.Next() {
		var chain models.Chain
		if err := scanChain(rows, &chain); err != nil {
			return nil, err
		}
		chains = append(chains, chain)
	}
	return chains, rows.Err()
}

func (c *ChainDbImpl) GetEnabled(rq db.QueryRunner, chainID uint64) (*models.Chain, error) {
	row := rq.QueryRow(`
		SELECT `+chainColumns+`
		FROM chains WHERE chain_id = ? AND enabled = 1`, chainID)

	var chain models.Chain
	err := scanChain(row, &chain)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &chain, nil
}

func (c *ChainDbImpl) Upsert(tx *sql.Tx, chain models.Chain) error {
	_, err := tx.Exec(`
		INSERT INTO chains (`+chainColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (chain_id) DO UPDATE SET
			name = ?, symbol = ?, rpc_url = ?, ws_url = ?, api_key = ?,
			confirmations = ?, logs_range = ?, enabled = ?`,
		chain.ChainID, chain.Name, chain.Symbol, chain.RPCURL, chain.WsURL,
		chain.APIKey, chain.Confirmations, chain.LogsRange, chain.Enabled,
		chain.Name, chain.Symbol, chain.RPCURL, chain.WsURL, chain.APIKey,
		chain.Confirmations, chain.LogsRange, chain.Enabled)
	return err
}

func scanChain(scanner rowScanner, chain *models.Chain) error {
	return scanner.Scan(
		&chain.ChainID, &chain.Name, &chain.Symbol, &chain.RPCURL, &chain.WsURL,
		&chain.APIKey, &chain.Confirmations, &chain.LogsRange, &chain.Enabled,
	)
}
