package composable

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// IntentKind enumerates the intents the relay understands.
type IntentKind string

const (
	IntentTransfer IntentKind = "transfer"
	IntentCall     IntentKind = "call"
)

// Intent is the closed set of buildable intents: TransferIntent and CallIntent.
type Intent interface {
	Kind() IntentKind
	sealed()
}

// TransferIntent moves Amount of Token to Recipient. Amount is a literal
// integer or a RuntimeRef.
type TransferIntent struct {
	ChainID   uint64
	Token     common.Address
	Recipient common.Address
	Amount    any
}

func (TransferIntent) Kind() IntentKind { return IntentTransfer }
func (TransferIntent) sealed()          {}

// CallIntent calls an arbitrary function. The function is named either by a
// human readable Signature or by ABI plus FunctionName. Each entry of Args is
// a literal, a RuntimeRef or an Arg.
type CallIntent struct {
	ChainID      uint64
	To           common.Address
	Signature    string
	ABI          *abi.ABI
	FunctionName string
	Args         []any
	Value        *big.Int
}

func (CallIntent) Kind() IntentKind { return IntentCall }
func (CallIntent) sealed()          {}
