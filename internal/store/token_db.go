package store

import (
	"database/sql"

	"github.com/erc20-tracker/trackernode/internal/db"
	"github.com/erc20-tracker/trackernode/pkg/tracker/models"
)

// TokenDb reads the token configuration snapshot, scoped per chain.
type TokenDb interface {
	ListEnabled(rq db.QueryRunner, chainID uint64) ([]models.Token, error)
	GetEnabled(rq db.QueryRunner, chainID uint64, address string) (*models.Token, error)
	Upsert(tx *sql.Tx, token models.Token) error
}

func NewTokenDb() TokenDb {
	return &TokenDbImpl{}
}

type TokenDbImpl struct{}

func (t *TokenDbImpl) ListEnabled(rq db.QueryRunner, chainID uint64) ([]models.Token, error) {
	rows, err := rq.Query(`
		SELECT chain_id, address, symbol, decimals, enabled
		FROM tokens WHERE chain_id = ? AND enabled = 1 ORDER BY symbol`, chainID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []models.Token
	for rows.Next() {
		var token models.Token
		if err := rows.Scan(&token.ChainID, &token.Address, &token.Symbol,
			&token.Decimals, &token.Enabled); err != nil {
			return nil, err
		}
		tokens = append(tokens, token)
	}
	return tokens, rows.Err()
}

func (t *TokenDbImpl) GetEnabled(rq db.QueryRunner, chainID uint64, address string) (*models.Token, error) {
	row := rq.QueryRow(`
		SELECT chain_id, address, symbol, decimals, enabled
		FROM tokens WHERE chain_id = ? AND address = ? AND enabled = 1`,
		chainID, models.NormalizeAddress(address))

	var token models.Token
	err := row.Scan(&token.ChainID, &token.Address, &token.Symbol,
		&token.Decimals, &token.Enabled)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &token, nil
}

func (t *TokenDbImpl) Upsert(tx *sql.Tx, token models.Token) error {
	_, err := tx.Exec(`
		INSERT INTO tokens (chain_id, address, symbol, decimals, enabled)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (chain_id, address) DO UPDATE SET
			symbol = ?, decimals = ?, enabled = ?`,
		token.ChainID, models.NormalizeAddress(token.Address), token.Symbol,
		token.Decimals, token.Enabled,
		token.Symbol, token.Decimals, token.Enabled)
	return err
}
