package syncer

import "fmt"

// TokenJob identifies one (chain, token) pair to sync or clean up.
type TokenJob struct {
	ChainID uint64 `json:"chainId"`
	Token   string `json:"token"`
}

// CalcJob requests a wholesale balance recomputation for one address.
type CalcJob struct {
	ChainID uint64 `json:"chainId"`
	Token   string `json:"token"`
	Address string `json:"address"`
}

// Dedup keys collapse repeat requests for the same unit of work while an
// equivalent job is still queued or running.

func SyncDedupKey(chainID uint64, token string) string {
	return fmt.Sprintf("sync:%d:%s", chainID, token)
}

func CleanupDedupKey(chainID uint64, token string) string {
	return fmt.Sprintf("cleanup:%d:%s", chainID, token)
}

// CalcDedupKey scopes recalc dedup to its trigger, so recalcs requested by
// different sync batches never collapse into each other.
func CalcDedupKey(scope string, chainID uint64, token, address string) string {
	return fmt.Sprintf("calc:%s:%d:%s:%s", scope, chainID, token, address)
}
