package supertx

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"OpenMEE-Chain/internal/composable"
	xerrors "OpenMEE-Chain/internal/errors"
)

// Owner is the account a batch executes for. account.Multichain implements it.
type Owner interface {
	EOA() common.Address
	AddressOn(chainID uint64) (common.Address, error)
}

// Assemble validates the structure of a batch and returns the request to be
// priced. Instructions keep the exact order they were given in; dependencies
// between them (approve before spend, funding before transfer) are the
// caller's concern and are not checked here.
func Assemble(owner Owner, instructions []composable.Instruction, trigger Trigger, fee FeeToken) (QuoteRequest, error) {
	if owner == nil {
		return QuoteRequest{}, xerrors.New(xerrors.CodeConfiguration, "缺少账户")
	}
	if len(instructions) == 0 {
		return QuoteRequest{}, xerrors.New(xerrors.CodeConfiguration, "批次至少需要一条指令")
	}

	accounts := make(map[uint64]common.Address)
	addAccount := func(chainID uint64) error {
		if _, ok := accounts[chainID]; ok {
			return nil
		}
		addr, err := owner.AddressOn(chainID)
		if err != nil {
			return err
		}
		accounts[chainID] = addr
		return nil
	}

	ordered := make([]composable.Instruction, len(instructions))
	for i, ins := range instructions {
		idx := xerrors.WithMetadata("index", strconv.Itoa(i))
		if ins.ChainID == 0 {
			return QuoteRequest{}, xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("第 %d 条指令缺少链 ID", i), idx)
		}
		if ins.To == (common.Address{}) {
			return QuoteRequest{}, xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("第 %d 条指令缺少目标地址", i), idx)
		}
		if len(ins.Selector) != 4 || (len(ins.CallData) == 0 && len(ins.InputParams) == 0) {
			return QuoteRequest{}, xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("第 %d 条指令未经构建", i), idx)
		}
		if err := addAccount(ins.ChainID); err != nil {
			return QuoteRequest{}, err
		}
		ordered[i] = ins.Clone()
	}

	if trigger.ChainID == 0 {
		return QuoteRequest{}, xerrors.New(xerrors.CodeConfiguration, "trigger 缺少链 ID")
	}
	if _, ok := accounts[trigger.ChainID]; !ok {
		return QuoteRequest{}, xerrors.New(xerrors.CodeConfiguration, "trigger 所在链没有任何指令",
			xerrors.WithMetadata("chain_id", strconv.FormatUint(trigger.ChainID, 10)))
	}
	if trigger.Token == (common.Address{}) {
		return QuoteRequest{}, xerrors.New(xerrors.CodeConfiguration, "trigger 缺少代币地址")
	}
	if trigger.Amount == nil || trigger.Amount.Sign() <= 0 {
		return QuoteRequest{}, xerrors.New(xerrors.CodeConfiguration, "trigger 数量必须大于 0")
	}

	if fee.Address == (common.Address{}) || fee.ChainID == 0 {
		return QuoteRequest{}, xerrors.New(xerrors.CodeConfiguration, "未指定手续费代币")
	}
	if err := addAccount(fee.ChainID); err != nil {
		return QuoteRequest{}, err
	}

	return QuoteRequest{
		Owner:        owner.EOA(),
		Accounts:     accounts,
		Instructions: ordered,
		Trigger:      trigger.clone(),
		FeeToken:     fee,
	}, nil
}

// Digest is the keccak256 of the request's JSON encoding. Offline quoters use
// it as the quote hash; it also keys job deduplication.
func Digest(req QuoteRequest) (common.Hash, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return common.Hash{}, xerrors.Wrap(xerrors.CodeEncoding, err, "编码报价请求失败")
	}
	return crypto.Keccak256Hash(raw), nil
}
