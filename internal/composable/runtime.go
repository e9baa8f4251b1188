package composable

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	xerrors "OpenMEE-Chain/internal/errors"
	"OpenMEE-Chain/internal/web3"
)

// RefKind names how a runtime value is read.
type RefKind string

const (
	// RefERC20BalanceOf reads token.balanceOf(holder).
	RefERC20BalanceOf RefKind = "erc20_balance_of"
)

// RuntimeRef is a placeholder for a value only known when its instruction
// executes. It is a plain value: embedding it in an argument position copies
// it, so no two positions ever share one placeholder.
type RuntimeRef struct {
	Kind    RefKind        `json:"kind"`
	ChainID uint64         `json:"chainId"`
	Token   common.Address `json:"token"`
	Holder  common.Address `json:"holder"`
}

// RuntimeERC20BalanceOf references the balance of token held by holder on
// chainID at the moment the consuming instruction executes.
func RuntimeERC20BalanceOf(chainID uint64, token, holder common.Address) (RuntimeRef, error) {
	ref := RuntimeRef{Kind: RefERC20BalanceOf, ChainID: chainID, Token: token, Holder: holder}
	if err := ref.validate(); err != nil {
		return RuntimeRef{}, err
	}
	return ref, nil
}

// MustRuntimeERC20BalanceOf panics on invalid input. Meant for static plans.
func MustRuntimeERC20BalanceOf(chainID uint64, token, holder common.Address) RuntimeRef {
	ref, err := RuntimeERC20BalanceOf(chainID, token, holder)
	if err != nil {
		panic(err)
	}
	return ref
}

func (r RuntimeRef) validate() error {
	if r.ChainID == 0 {
		return xerrors.New(xerrors.CodeUnresolvedReference, "运行时引用缺少链 ID")
	}
	switch r.Kind {
	case RefERC20BalanceOf:
		if r.Token == (common.Address{}) || r.Holder == (common.Address{}) {
			return xerrors.New(xerrors.CodeUnresolvedReference, "运行时引用缺少代币或持有者地址",
				xerrors.WithMetadata("chain_id", fmt.Sprint(r.ChainID)))
		}
		return nil
	default:
		return xerrors.Newf(xerrors.CodeUnresolvedReference, "不支持的运行时引用类型 %q", r.Kind)
	}
}

// FetcherCall returns the static call the relay performs to read the value.
func (r RuntimeRef) FetcherCall() (common.Address, []byte, error) {
	if err := r.validate(); err != nil {
		return common.Address{}, nil, err
	}
	data, err := web3.PackBalanceOf(r.Holder)
	if err != nil {
		return common.Address{}, nil, xerrors.Wrap(xerrors.CodeEncoding, err, "编码 balanceOf 失败")
	}
	return r.Token, data, nil
}

// Resolve performs the live read. Only relays and simulators call it, right
// before the consuming instruction runs.
func (r RuntimeRef) Resolve(ctx context.Context, ledger web3.Ledger) (*big.Int, error) {
	if err := r.validate(); err != nil {
		return nil, err
	}
	if ledger == nil {
		return nil, xerrors.New(xerrors.CodeUnresolvedReference, "没有可用的账本读取接口")
	}
	return ledger.ReadBalance(ctx, r.ChainID, r.Token, r.Holder)
}

// String renders the reference for logs.
func (r RuntimeRef) String() string {
	return fmt.Sprintf("%s(chain=%d, token=%s, holder=%s)", r.Kind, r.ChainID, r.Token.Hex(), r.Holder.Hex())
}
