package web3

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Ledger is the read interface the orchestrator needs from a chain. It is
// used both by relays that substitute runtime values and by callers that
// report balances before and after a supertransaction.
type Ledger interface {
	ReadBalance(ctx context.Context, chainID uint64, token, holder common.Address) (*big.Int, error)
	NativeBalance(ctx context.Context, chainID uint64, holder common.Address) (*big.Int, error)
}

// ChainSnapshot represents summarized network metadata for reporting.
type ChainSnapshot struct {
	ChainID     uint64
	BlockNumber uint64
	Notes       string
}

// ChainClient is implemented by every concrete chain backend so the
// registry can route reads by chain id.
type ChainClient interface {
	ChainID() uint64
	Snapshot(ctx context.Context) (ChainSnapshot, error)
	TokenBalance(ctx context.Context, token, holder common.Address) (*big.Int, error)
	NativeBalance(ctx context.Context, holder common.Address) (*big.Int, error)
	Close()
}
