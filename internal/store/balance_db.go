package store

import (
	"database/sql"
	"math/big"
	"sort"

	"github.com/erc20-tracker/trackernode/internal/db"
	"github.com/erc20-tracker/trackernode/pkg/tracker/models"
)

// BalanceDb holds the per (chain, token, address) aggregates. Records are
// replaced wholesale by the balance recalculation worker and never deleted.
type BalanceDb interface {
	Upsert(tx *sql.Tx, balance models.Balance) error
	Get(rq db.QueryRunner, chainID uint64, token string, address string) (*models.Balance, error)
	ListByToken(rq db.QueryRunner, chainID uint64, token string) ([]models.Balance, error)
	// TopHolders ranks addresses by confirmed+pending descending, excluding
	// zero totals. Downstream read surfaces consume this contract.
	TopHolders(rq db.QueryRunner, chainID uint64, token string, limit int) ([]models.Balance, error)
}

func NewBalanceDb() BalanceDb {
	return &BalanceDbImpl{}
}

type BalanceDbImpl struct{}

func (b *BalanceDbImpl) Upsert(tx *sql.Tx, balance models.Balance) error {
	_, err := tx.Exec(`
		INSERT INTO balances (chain_id, token, address, confirmed, pending, block_number)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (chain_id, token, address)
		DO UPDATE SET confirmed = ?, pending = ?, block_number = ?`,
		balance.ChainID, models.NormalizeAddress(balance.Token), models.NormalizeAddress(balance.Address),
		balance.Confirmed, balance.Pending, balance.BlockNumber,
		balance.Confirmed, balance.Pending, balance.BlockNumber)
	return err
}

func (b *BalanceDbImpl) Get(rq db.QueryRunner, chainID uint64, token string, address string) (*models.Balance, error) {
	row := rq.QueryRow(`
		SELECT chain_id, token, address, confirmed, pending, block_number
		FROM balances
		WHERE chain_id = ? AND token = ? AND address = ?`,
		chainID, models.NormalizeAddress(token), models.NormalizeAddress(address))

	var balance models.Balance
	err := row.Scan(&balance.ChainID, &balance.Token, &balance.Address,
		&balance.Confirmed, &balance.Pending, &balance.BlockNumber)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &balance, nil
}

func (b *BalanceDbImpl) ListByToken(rq db.QueryRunner, chainID uint64, token string) ([]models.Balance, error) {
	rows, err := rq.Query(`
		SELECT chain_id, token, address, confirmed, pending, block_number
		FROM balances
		WHERE chain_id = ? AND token = ?`,
		chainID, models.NormalizeAddress(token))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var balances []models.Balance
	for rows.Next() {
		var balance models.Balance
		if err := rows.Scan(&balance.ChainID, &balance.Token, &balance.Address,
			&balance.Confirmed, &balance.Pending, &balance.BlockNumber); err != nil {
			return nil, err
		}
		balances = append(balances, balance)
	}
	return balances, rows.Err()
}

// TopHolders sorts in Go because the balance columns are decimal strings:
// lexical SQL ordering would mangle signs and magnitudes.
func (b *BalanceDbImpl) TopHolders(rq db.QueryRunner, chainID uint64, token string, limit int) ([]models.Balance, error) {
	balances, err := b.ListByToken(rq, chainID, token)
	if err != nil {
		return nil, err
	}

	totals := make(map[string]*big.Int, len(balances))
	filtered := balances[:0]
	for _, balance := range balances {
		total := sumDecimalStrings(balance.Confirmed, balance.Pending)
		if total.Sign() == 0 {
			continue
		}
		totals[balance.Address] = total
		filtered = append(filtered, balance)
	}

	sort.Slice(filtered, func(i, j int) bool {
		return totals[filtered[i].Address].Cmp(totals[filtered[j].Address]) > 0
	})

	if limit > 0 && len(filtered) > limit {
		filtered = filtered[:limit]
	}
	return filtered, nil
}

func sumDecimalStrings(a, b string) *big.Int {
	total := new(big.Int)
	if x, ok := new(big.Int).SetString(a, 10); ok {
		total.Add(total, x)
	}
	if y, ok := new(big.Int).SetString(b, 10); ok {
		total.Add(total, y)
	}
	return total
}
