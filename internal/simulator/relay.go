package simulator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"OpenMEE-Chain/internal/account"
	xerrors "OpenMEE-Chain/internal/errors"
	"OpenMEE-Chain/internal/execution"
	"OpenMEE-Chain/internal/supertx"
	"OpenMEE-Chain/pkg/logger"
)

var (
	_ supertx.Quoter  = (*Relay)(nil)
	_ execution.Relay = (*Relay)(nil)
)

// NodeAddress receives execution fees.
var NodeAddress = common.HexToAddress("0x000000000000000000000000000000000000fee0")

// ErrTransient is returned by Status while injected read failures remain.
var ErrTransient = errors.New("simulated relay read failure")

// InstructionHook runs against the working state right before instruction
// index executes.
type InstructionHook func(index int, state *Ledger)

type record struct {
	request       supertx.QuoteRequest
	status        execution.Status
	confirmations uint64
	block         uint64
	reason        string
}

// Relay is an in-memory MEE node. It implements supertx.Quoter and
// execution.Relay.
type Relay struct {
	ledger *Ledger
	tokens map[contractKey]struct{}
	pools  map[contractKey]*pool

	fee      *big.Int
	quoteTTL time.Duration
	now      func() time.Time
	hook     InstructionHook
	log      *slog.Logger

	mu        sync.Mutex
	quotes    map[common.Hash]supertx.QuoteRequest
	records   map[supertx.Handle]*record
	block     uint64
	quoteErr  error
	readFails int
	dropNext  bool
}

// Option configures the simulated relay.
type Option func(*Relay)

// WithFee sets the flat fee, in fee-token base units, charged to the owner.
func WithFee(fee *big.Int) Option {
	return func(r *Relay) {
		if fee != nil {
			r.fee = new(big.Int).Set(fee)
		}
	}
}

// WithQuoteTTL sets how long quotes stay valid.
func WithQuoteTTL(ttl time.Duration) Option {
	return func(r *Relay) { r.quoteTTL = ttl }
}

// WithInstructionHook installs a hook that may mutate state between
// instructions, e.g. to model a deposit landing mid-batch.
func WithInstructionHook(h InstructionHook) Option {
	return func(r *Relay) { r.hook = h }
}

// New creates a relay over ledger.
func New(ledger *Ledger, opts ...Option) *Relay {
	r := &Relay{
		ledger:   ledger,
		tokens:   make(map[contractKey]struct{}),
		pools:    make(map[contractKey]*pool),
		fee:      new(big.Int),
		quoteTTL: 2 * time.Minute,
		now:      time.Now,
		log:      logger.Named("simulator"),
		quotes:   make(map[common.Hash]supertx.QuoteRequest),
		records:  make(map[supertx.Handle]*record),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Ledger returns the committed state.
func (r *Relay) Ledger() *Ledger { return r.ledger }

// AddToken registers an ERC20 token.
func (r *Relay) AddToken(chainID uint64, token common.Address) {
	r.tokens[contractKey{chainID, token}] = struct{}{}
}

// AddPool registers a lending pool and the aToken minted for each listed
// asset. Assets and aTokens are registered as tokens too.
func (r *Relay) AddPool(chainID uint64, address common.Address, aTokens map[common.Address]common.Address) {
	p := &pool{address: address, aTokens: make(map[common.Address]common.Address, len(aTokens))}
	for asset, aToken := range aTokens {
		p.aTokens[asset] = aToken
		r.AddToken(chainID, asset)
		r.AddToken(chainID, aToken)
	}
	r.pools[contractKey{chainID, address}] = p
}

// FailQuotes makes every Quote call fail with err until called with nil.
func (r *Relay) FailQuotes(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.quoteErr = err
}

// FailReads makes the next n Status calls fail with ErrTransient.
func (r *Relay) FailReads(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.readFails = n
}

// DropNext makes the next submitted supertransaction end up DROPPED.
func (r *Relay) DropNext() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropNext = true
}

// Quote implements supertx.Quoter.
func (r *Relay) Quote(_ context.Context, req supertx.QuoteRequest) (supertx.Quote, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.quoteErr != nil {
		return supertx.Quote{}, r.quoteErr
	}
	hash, err := supertx.Digest(req)
	if err != nil {
		return supertx.Quote{}, err
	}
	r.quotes[hash] = req.Clone()
	now := r.now().UTC()
	q := supertx.Quote{
		Hash: hash,
		Node: NodeAddress.Hex(),
		PaymentInfo: supertx.PaymentInfo{
			Sender:         req.Owner,
			Token:          req.FeeToken.Address,
			ChainID:        req.FeeToken.ChainID,
			TokenAmount:    r.fee.String(),
			TokenWeiAmount: new(big.Int).Set(r.fee),
		},
		IssuedAt: now,
		Request:  req.Clone(),
	}
	if r.quoteTTL > 0 {
		q.ExpiresAt = now.Add(r.quoteTTL)
	}
	return q, nil
}

// Submit implements execution.Relay. The quote must have been issued by this
// relay and signed by the batch owner.
func (r *Relay) Submit(_ context.Context, signed supertx.SignedQuote) (supertx.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.quotes[signed.Quote.Hash]
	if !ok {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "unknown quote", xerrors.WithMetadata("hash", signed.Quote.Hash.Hex()))
	}
	signer, err := account.RecoverSigner(signed.Quote.Hash.Bytes(), signed.Signature)
	if err != nil {
		return "", err
	}
	if signer != req.Owner {
		return "", xerrors.Newf(xerrors.CodeInvalidArgument, "quote signed by %s, owner is %s", signer.Hex(), req.Owner.Hex())
	}
	handle := supertx.Handle(crypto.Keccak256Hash(signed.Quote.Hash.Bytes(), signed.Signature).Hex())
	if _, dup := r.records[handle]; dup {
		return "", xerrors.New(xerrors.CodeConflict, "quote already submitted", xerrors.WithMetadata("handle", handle.String()))
	}
	rec := &record{request: req, status: execution.StatusSubmitted}
	if r.dropNext {
		rec.status = execution.StatusDropped
		rec.reason = "dropped by node"
		r.dropNext = false
	}
	r.records[handle] = rec
	delete(r.quotes, signed.Quote.Hash)
	return handle, nil
}

// Status implements execution.Relay. The first read after submission mines
// the batch; every later read adds one confirmation.
func (r *Relay) Status(ctx context.Context, handle supertx.Handle) (execution.Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.readFails > 0 {
		r.readFails--
		return execution.Snapshot{}, ErrTransient
	}
	rec, ok := r.records[handle]
	if !ok {
		return execution.Snapshot{}, xerrors.New(xerrors.CodeNotFound, "unknown supertransaction", xerrors.WithMetadata("handle", handle.String()))
	}
	switch rec.status {
	case execution.StatusSubmitted:
		r.block++
		rec.block = r.block
		rec.confirmations = 1
		if err := r.mine(ctx, rec.request); err != nil {
			rec.status = execution.StatusMinedFailure
			rec.reason = err.Error()
		} else {
			rec.status = execution.StatusMinedSuccess
		}
		r.log.Debug("supertransaction mined", slog.String("handle", handle.String()),
			slog.String("status", string(rec.status)), slog.String("reason", rec.reason))
	case execution.StatusMinedSuccess, execution.StatusMinedFailure:
		rec.confirmations++
	}
	return execution.Snapshot{
		Status:        rec.status,
		Confirmations: rec.confirmations,
		BlockNumber:   rec.block,
		Reason:        rec.reason,
	}, nil
}

// mine runs the batch against a copy of the ledger and commits only when
// every step succeeds.
func (r *Relay) mine(ctx context.Context, req supertx.QuoteRequest) error {
	work := r.ledger.clone()

	if r.fee.Sign() > 0 {
		if err := work.transfer(req.FeeToken.ChainID, req.FeeToken.Address, req.Owner, NodeAddress, r.fee); err != nil {
			return fmt.Errorf("fee payment failed: %w", err)
		}
	}
	smart, ok := req.Accounts[req.Trigger.ChainID]
	if !ok {
		return fmt.Errorf("no account on trigger chain %d", req.Trigger.ChainID)
	}
	if err := work.transfer(req.Trigger.ChainID, req.Trigger.Token, req.Owner, smart, req.Trigger.Amount); err != nil {
		return fmt.Errorf("trigger failed: %w", err)
	}

	for i, ins := range req.Instructions {
		if r.hook != nil {
			r.hook(i, work)
		}
		data, _, err := ins.Materialize(ctx, work)
		if err != nil {
			return fmt.Errorf("instruction %d (%s): resolve arguments: %w", i, ins.Function, err)
		}
		sender, ok := req.Accounts[ins.ChainID]
		if !ok {
			return fmt.Errorf("instruction %d: no account on chain %d", i, ins.ChainID)
		}
		if err := r.call(work, ins.ChainID, sender, ins.To, data); err != nil {
			return fmt.Errorf("instruction %d (%s) reverted: %w", i, ins.Function, err)
		}
	}
	r.ledger.commit(work)
	return nil
}
