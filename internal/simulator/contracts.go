package simulator

import (
	"bytes"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"OpenMEE-Chain/internal/web3"
)

type contractKey struct {
	chain   uint64
	address common.Address
}

// pool mimics an Aave v3 pool: supply pulls the asset from the caller
// through its allowance and mints the matching aToken to onBehalfOf.
type pool struct {
	address common.Address
	aTokens map[common.Address]common.Address
}

// call executes calldata sent by sender to target on st.
func (r *Relay) call(st *Ledger, chainID uint64, sender, target common.Address, data []byte) error {
	if len(data) < 4 {
		return fmt.Errorf("calldata too short")
	}
	key := contractKey{chainID, target}
	if _, ok := r.tokens[key]; ok {
		return callToken(st, chainID, sender, target, data)
	}
	if p, ok := r.pools[key]; ok {
		return callPool(st, chainID, sender, p, data)
	}
	return fmt.Errorf("no contract at %s on chain %d", target.Hex(), chainID)
}

func callToken(st *Ledger, chainID uint64, sender, token common.Address, data []byte) error {
	method, args, err := decode(web3.ERC20, data)
	if err != nil {
		return err
	}
	switch method.Name {
	case "transfer":
		return st.transfer(chainID, token, sender, args[0].(common.Address), args[1].(*big.Int))
	case "approve":
		st.approve(chainID, token, sender, args[0].(common.Address), args[1].(*big.Int))
		return nil
	default:
		return fmt.Errorf("token method %s is read-only", method.Name)
	}
}

func callPool(st *Ledger, chainID uint64, sender common.Address, p *pool, data []byte) error {
	method, args, err := decode(web3.AavePool, data)
	if err != nil {
		return err
	}
	switch method.Name {
	case "supply":
		asset := args[0].(common.Address)
		amount := args[1].(*big.Int)
		onBehalfOf := args[2].(common.Address)
		aToken, ok := p.aTokens[asset]
		if !ok {
			return fmt.Errorf("asset %s is not listed", asset.Hex())
		}
		if amount.Sign() == 0 {
			return fmt.Errorf("invalid amount")
		}
		if err := st.spendAllowance(chainID, asset, sender, p.address, amount); err != nil {
			return err
		}
		if err := st.transfer(chainID, asset, sender, p.address, amount); err != nil {
			return err
		}
		st.Credit(chainID, aToken, onBehalfOf, amount)
		return nil
	case "withdraw":
		asset := args[0].(common.Address)
		amount := args[1].(*big.Int)
		to := args[2].(common.Address)
		aToken, ok := p.aTokens[asset]
		if !ok {
			return fmt.Errorf("asset %s is not listed", asset.Hex())
		}
		if err := st.transfer(chainID, aToken, sender, p.address, amount); err != nil {
			return err
		}
		return st.transfer(chainID, asset, p.address, to, amount)
	default:
		return fmt.Errorf("unsupported pool method %s", method.Name)
	}
}

func decode(contract abi.ABI, data []byte) (*abi.Method, []any, error) {
	method, err := contract.MethodById(data[:4])
	if err != nil {
		return nil, nil, fmt.Errorf("unknown selector %x", data[:4])
	}
	if !bytes.Equal(method.ID, data[:4]) {
		return nil, nil, fmt.Errorf("selector mismatch")
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, nil, fmt.Errorf("decode %s: %w", method.Name, err)
	}
	return method, args, nil
}
