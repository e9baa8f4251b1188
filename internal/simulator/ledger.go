// Package simulator is an in-memory MEE node. It quotes batches, verifies
// the owner's signature, executes instructions atomically against a token
// ledger and reports receipts with growing confirmation depth. It backs the
// end-to-end tests and the demo's dry-run mode.
package simulator

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

type balanceKey struct {
	chain  uint64
	token  common.Address
	holder common.Address
}

type allowanceKey struct {
	chain   uint64
	token   common.Address
	owner   common.Address
	spender common.Address
}

type nativeKey struct {
	chain  uint64
	holder common.Address
}

// Ledger holds ERC20 balances, allowances and native balances for any
// number of chains. It implements web3.Ledger.
type Ledger struct {
	mu         sync.RWMutex
	balances   map[balanceKey]*big.Int
	allowances map[allowanceKey]*big.Int
	native     map[nativeKey]*big.Int
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		balances:   make(map[balanceKey]*big.Int),
		allowances: make(map[allowanceKey]*big.Int),
		native:     make(map[nativeKey]*big.Int),
	}
}

// SetBalance overwrites holder's token balance.
func (l *Ledger) SetBalance(chainID uint64, token, holder common.Address, amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[balanceKey{chainID, token, holder}] = new(big.Int).Set(amount)
}

// Credit adds amount to holder's token balance.
func (l *Ledger) Credit(chainID uint64, token, holder common.Address, amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := balanceKey{chainID, token, holder}
	l.balances[k] = new(big.Int).Add(l.balanceLocked(k), amount)
}

// SetNative overwrites holder's native balance.
func (l *Ledger) SetNative(chainID uint64, holder common.Address, amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.native[nativeKey{chainID, holder}] = new(big.Int).Set(amount)
}

// ReadBalance implements web3.Ledger.
func (l *Ledger) ReadBalance(_ context.Context, chainID uint64, token, holder common.Address) (*big.Int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return new(big.Int).Set(l.balanceLocked(balanceKey{chainID, token, holder})), nil
}

// NativeBalance implements web3.Ledger.
func (l *Ledger) NativeBalance(_ context.Context, chainID uint64, holder common.Address) (*big.Int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if v, ok := l.native[nativeKey{chainID, holder}]; ok {
		return new(big.Int).Set(v), nil
	}
	return new(big.Int), nil
}

// Allowance returns how much spender may pull from owner.
func (l *Ledger) Allowance(chainID uint64, token, owner, spender common.Address) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if v, ok := l.allowances[allowanceKey{chainID, token, owner, spender}]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

func (l *Ledger) balanceLocked(k balanceKey) *big.Int {
	if v, ok := l.balances[k]; ok {
		return v
	}
	return new(big.Int)
}

func (l *Ledger) transfer(chainID uint64, token, from, to common.Address, amount *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	src := balanceKey{chainID, token, from}
	have := l.balanceLocked(src)
	if have.Cmp(amount) < 0 {
		return fmt.Errorf("ERC20: transfer amount exceeds balance (token %s, holder %s, have %s, need %s)",
			token.Hex(), from.Hex(), have, amount)
	}
	l.balances[src] = new(big.Int).Sub(have, amount)
	dst := balanceKey{chainID, token, to}
	l.balances[dst] = new(big.Int).Add(l.balanceLocked(dst), amount)
	return nil
}

func (l *Ledger) approve(chainID uint64, token, owner, spender common.Address, amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.allowances[allowanceKey{chainID, token, owner, spender}] = new(big.Int).Set(amount)
}

func (l *Ledger) spendAllowance(chainID uint64, token, owner, spender common.Address, amount *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := allowanceKey{chainID, token, owner, spender}
	have, ok := l.allowances[k]
	if !ok {
		have = new(big.Int)
	}
	if have.Cmp(amount) < 0 {
		return fmt.Errorf("ERC20: insufficient allowance (token %s, owner %s, spender %s, have %s, need %s)",
			token.Hex(), owner.Hex(), spender.Hex(), have, amount)
	}
	l.allowances[k] = new(big.Int).Sub(have, amount)
	return nil
}

// clone copies the ledger so a batch can run against it and be discarded on
// revert.
func (l *Ledger) clone() *Ledger {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := NewLedger()
	for k, v := range l.balances {
		out.balances[k] = new(big.Int).Set(v)
	}
	for k, v := range l.allowances {
		out.allowances[k] = new(big.Int).Set(v)
	}
	for k, v := range l.native {
		out.native[k] = new(big.Int).Set(v)
	}
	return out
}

// commit replaces l's state with next's.
func (l *Ledger) commit(next *Ledger) {
	next.mu.RLock()
	defer next.mu.RUnlock()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances = next.balances
	l.allowances = next.allowances
	l.native = next.native
}
