// Package report captures token and native balances of the accounts taking
// part in a supertransaction so callers can compare them before and after.
package report

import (
	"context"
	"fmt"
	"io"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"OpenMEE-Chain/internal/web3"
)

// Holder is a labelled address, e.g. "EOA" or "Smart Account".
type Holder struct {
	Label   string
	Address common.Address
}

// Asset is a labelled token. A zero Token means the chain's native coin.
type Asset struct {
	Symbol string
	Token  common.Address
}

// Native reports whether a is the chain's native coin.
func (a Asset) Native() bool { return a.Token == (common.Address{}) }

// Entry is one holder/asset balance.
type Entry struct {
	Holder Holder
	Asset  Asset
	Amount *big.Int
}

// Snapshot is the set of balances read at one point in time.
type Snapshot struct {
	ChainID uint64
	TakenAt time.Time
	Entries []Entry
}

// maxConcurrentReads caps the balance reads Take keeps in flight.
const maxConcurrentReads = 8

// Take reads every (holder, asset) pair. Reads run concurrently; entries keep
// holder-major order.
func Take(ctx context.Context, ledger web3.Ledger, chainID uint64, holders []Holder, assets []Asset) (Snapshot, error) {
	snap := Snapshot{ChainID: chainID, TakenAt: time.Now().UTC()}
	entries := make([]Entry, len(holders)*len(assets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentReads)
	for i, h := range holders {
		for j, a := range assets {
			slot := i*len(assets) + j
			g.Go(func() error {
				var (
					amount *big.Int
					err    error
				)
				if a.Native() {
					amount, err = ledger.NativeBalance(gctx, chainID, h.Address)
				} else {
					amount, err = ledger.ReadBalance(gctx, chainID, a.Token, h.Address)
				}
				if err != nil {
					return fmt.Errorf("read %s balance of %s: %w", a.Symbol, h.Label, err)
				}
				entries[slot] = Entry{Holder: h, Asset: a, Amount: amount}
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return Snapshot{}, err
	}
	snap.Entries = entries
	return snap, nil
}

// Balance returns the recorded amount for holder label and asset symbol, or
// nil when the pair was not read.
func (s Snapshot) Balance(holder, symbol string) *big.Int {
	for _, e := range s.Entries {
		if e.Holder.Label == holder && e.Asset.Symbol == symbol {
			return new(big.Int).Set(e.Amount)
		}
	}
	return nil
}

// Delta is the change of one balance between two snapshots.
type Delta struct {
	Holder Holder
	Asset  Asset
	Before *big.Int
	After  *big.Int
	Change *big.Int
}

// Diff pairs entries of before and after by holder and asset.
func Diff(before, after Snapshot) []Delta {
	out := make([]Delta, 0, len(after.Entries))
	for _, a := range after.Entries {
		prev := before.Balance(a.Holder.Label, a.Asset.Symbol)
		if prev == nil {
			prev = new(big.Int)
		}
		out = append(out, Delta{
			Holder: a.Holder,
			Asset:  a.Asset,
			Before: prev,
			After:  new(big.Int).Set(a.Amount),
			Change: new(big.Int).Sub(a.Amount, prev),
		})
	}
	return out
}

// Render prints a snapshot framed by title.
func Render(w io.Writer, title string, s Snapshot) {
	rule := strings.Repeat("-", 51)
	fmt.Fprintf(w, "%s\n", centered(title, len(rule)))
	for _, e := range s.Entries {
		fmt.Fprintf(w, "%s %s Balance: %s\n", e.Holder.Label, e.Asset.Symbol, e.Amount)
	}
	fmt.Fprintln(w, rule)
}

// RenderDiff prints non-zero changes.
func RenderDiff(w io.Writer, deltas []Delta) {
	for _, d := range deltas {
		if d.Change.Sign() == 0 {
			continue
		}
		sign := ""
		if d.Change.Sign() > 0 {
			sign = "+"
		}
		fmt.Fprintf(w, "%s %s: %s -> %s (%s%s)\n", d.Holder.Label, d.Asset.Symbol, d.Before, d.After, sign, d.Change)
	}
}

func centered(title string, width int) string {
	if len(title) >= width {
		return title
	}
	pad := width - len(title)
	left := pad / 2
	return strings.Repeat("-", left) + title + strings.Repeat("-", pad-left)
}
