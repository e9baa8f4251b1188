package supertx

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"OpenMEE-Chain/internal/composable"
)

// Trigger is the asset that funds the batch. The relay pulls Amount of Token
// from the account owner on ChainID before the first instruction runs.
type Trigger struct {
	ChainID uint64         `json:"chainId"`
	Token   common.Address `json:"tokenAddress"`
	Amount  *big.Int       `json:"amount"`
}

func (t Trigger) clone() Trigger {
	out := t
	if t.Amount != nil {
		out.Amount = new(big.Int).Set(t.Amount)
	}
	return out
}

// FeeToken names the asset execution fees are paid in.
type FeeToken struct {
	Address common.Address `json:"address"`
	ChainID uint64         `json:"chainId"`
}

// QuoteRequest is an assembled batch ready to be priced. Instructions are in
// execution order.
type QuoteRequest struct {
	Owner        common.Address            `json:"owner"`
	Accounts     map[uint64]common.Address `json:"accounts"`
	Instructions []composable.Instruction  `json:"instructions"`
	Trigger      Trigger                   `json:"trigger"`
	FeeToken     FeeToken                  `json:"feeToken"`
}

// Clone returns a deep copy.
func (r QuoteRequest) Clone() QuoteRequest {
	out := r
	if r.Accounts != nil {
		out.Accounts = make(map[uint64]common.Address, len(r.Accounts))
		for k, v := range r.Accounts {
			out.Accounts[k] = v
		}
	}
	if r.Instructions != nil {
		out.Instructions = make([]composable.Instruction, len(r.Instructions))
		for i, ins := range r.Instructions {
			out.Instructions[i] = ins.Clone()
		}
	}
	out.Trigger = r.Trigger.clone()
	return out
}

// PaymentInfo is the fee breakdown the quoting service committed to.
type PaymentInfo struct {
	Sender           common.Address `json:"sender"`
	Token            common.Address `json:"token"`
	ChainID          uint64         `json:"chainId"`
	TokenAmount      string         `json:"tokenAmount"`
	TokenWeiAmount   *big.Int       `json:"tokenWeiAmount"`
	TokenValue       string         `json:"tokenValue,omitempty"`
	GasFee           string         `json:"gasFee,omitempty"`
	OrchestrationFee string         `json:"orchestrationFee,omitempty"`
}

// Quote is a priced, frozen snapshot of a QuoteRequest. Hash is what the
// owner signs to authorise execution.
type Quote struct {
	Hash        common.Hash  `json:"hash"`
	Node        string       `json:"node,omitempty"`
	PaymentInfo PaymentInfo  `json:"paymentInfo"`
	IssuedAt    time.Time    `json:"issuedAt"`
	ExpiresAt   time.Time    `json:"expiresAt"`
	Request     QuoteRequest `json:"request"`
}

// IsZero reports whether q was never produced by a quoting service.
func (q Quote) IsZero() bool {
	return q.Hash == (common.Hash{})
}

// Expired reports whether the validity window closed before now. A zero
// ExpiresAt means the service did not publish one.
func (q Quote) Expired(now time.Time) bool {
	return !q.ExpiresAt.IsZero() && now.After(q.ExpiresAt)
}

// Clone returns a deep copy.
func (q Quote) Clone() Quote {
	out := q
	if q.PaymentInfo.TokenWeiAmount != nil {
		out.PaymentInfo.TokenWeiAmount = new(big.Int).Set(q.PaymentInfo.TokenWeiAmount)
	}
	out.Request = q.Request.Clone()
	return out
}

// SignedQuote is a quote together with the owner's authorisation.
type SignedQuote struct {
	Quote     Quote  `json:"quote"`
	Signature []byte `json:"signature"`
}

// Handle identifies a submitted supertransaction.
type Handle string

// IsZero reports whether h is empty.
func (h Handle) IsZero() bool { return h == "" }

func (h Handle) String() string { return string(h) }
