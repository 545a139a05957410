package models

import "strings"

type TransferStatus string

func (s TransferStatus) String() string {
	return string(s)
}

const (
	TransferPending   TransferStatus = "pending"
	TransferConfirmed TransferStatus = "confirmed"
)

const ZeroAddress = "0x0000000000000000000000000000000000000000"

// Transfer is one ERC20 transfer event. Its identity is
// (ChainID, TxHash, LogIndex); everything else is payload.
type Transfer struct {
	ChainID     uint64
	TxHash      string
	LogIndex    uint64
	Token       string
	From        string
	To          string
	Value       string // arbitrary-precision integer, decimal string
	BlockNumber uint64
	Timestamp   uint64
	Status      TransferStatus
}

// SyncCursor tracks scanning progress for one (chain, token) pair.
// LastConfirmedBlock never exceeds LastScannedBlock.
type SyncCursor struct {
	ChainID            uint64
	Token              string
	LastScannedBlock   uint64
	LastConfirmedBlock uint64
}

// Balance is the per-address aggregate derived from the transfer ledger.
// Confirmed and Pending are net inflow minus outflow, so they can be negative.
type Balance struct {
	ChainID     uint64
	Token       string
	Address     string
	Confirmed   string
	Pending     string
	BlockNumber uint64
}

type Chain struct {
	ChainID       uint64
	Name          string
	Symbol        string
	RPCURL        string
	WsURL         string
	APIKey        string // encrypted, see internal/creds
	Confirmations uint64
	LogsRange     int
	Enabled       bool
}

type Token struct {
	ChainID  uint64
	Address  string
	Symbol   string
	Decimals int
	Enabled  bool
}

func NormalizeAddress(addr string) string {
	return strings.ToLower(addr)
}
