package composable

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	xerrors "OpenMEE-Chain/internal/errors"
	"OpenMEE-Chain/internal/web3"
)

// FetcherType says how the relay obtains the 32-byte word of one argument.
type FetcherType string

const (
	// FetcherRawBytes means Data is the literal word.
	FetcherRawBytes FetcherType = "raw_bytes"
	// FetcherStaticCall means the word is the return value of a static call
	// to Target with Data, made right before the instruction executes.
	FetcherStaticCall FetcherType = "static_call"
)

// InputParam is the wire form of one composable argument slot.
type InputParam struct {
	Fetcher FetcherType     `json:"fetcherType"`
	Target  *common.Address `json:"target,omitempty"`
	Data    hexutil.Bytes   `json:"paramData"`
}

// Instruction is one executable call bound to a chain. It carries everything
// the relay needs: either the packed CallData (literal-only calls) or the
// selector plus InputParams (calls with runtime arguments).
//
// Instructions are values; Clone before handing one to code that may keep it.
type Instruction struct {
	ChainID     uint64         `json:"chainId"`
	To          common.Address `json:"to"`
	Value       *big.Int       `json:"value,omitempty"`
	Function    string         `json:"functionSig"`
	Selector    hexutil.Bytes  `json:"selector"`
	Args        []Arg          `json:"args"`
	CallData    hexutil.Bytes  `json:"callData,omitempty"`
	InputParams []InputParam   `json:"inputParams,omitempty"`
}

// IsComposable reports whether any argument is resolved at execution time.
func (in Instruction) IsComposable() bool {
	return len(in.InputParams) > 0
}

// RuntimeRefs lists the runtime references in argument order.
func (in Instruction) RuntimeRefs() []RuntimeRef {
	var refs []RuntimeRef
	for _, a := range in.Args {
		if a.IsRuntime() && a.Ref != nil {
			refs = append(refs, *a.Ref)
		}
	}
	return refs
}

// Clone returns a deep copy.
func (in Instruction) Clone() Instruction {
	out := in
	if in.Value != nil {
		out.Value = new(big.Int).Set(in.Value)
	}
	out.Selector = common.CopyBytes(in.Selector)
	out.CallData = common.CopyBytes(in.CallData)
	if in.Args != nil {
		out.Args = make([]Arg, len(in.Args))
		for i, a := range in.Args {
			out.Args[i] = a.clone()
		}
	}
	if in.InputParams != nil {
		out.InputParams = make([]InputParam, len(in.InputParams))
		for i, p := range in.InputParams {
			cp := InputParam{Fetcher: p.Fetcher, Data: common.CopyBytes(p.Data)}
			if p.Target != nil {
				t := *p.Target
				cp.Target = &t
			}
			out.InputParams[i] = cp
		}
	}
	return out
}

// Materialize substitutes every runtime argument with a live ledger read and
// returns the final calldata together with the argument values. Relays and
// simulators call it immediately before the instruction executes; the
// builder never does.
func (in Instruction) Materialize(ctx context.Context, ledger web3.Ledger) ([]byte, []any, error) {
	values := make([]any, len(in.Args))
	if !in.IsComposable() {
		for i, a := range in.Args {
			values[i] = a.Literal
		}
		return common.CopyBytes(in.CallData), values, nil
	}
	if len(in.InputParams) != len(in.Args) {
		return nil, nil, xerrors.New(xerrors.CodeEncoding, "InputParams 与参数数量不一致")
	}
	data := common.CopyBytes(in.Selector)
	for i, a := range in.Args {
		if !a.IsRuntime() {
			values[i] = a.Literal
			data = append(data, in.InputParams[i].Data...)
			continue
		}
		v, err := a.Ref.Resolve(ctx, ledger)
		if err != nil {
			return nil, nil, err
		}
		bits, err := wordBits(a.Type)
		if err != nil {
			return nil, nil, err
		}
		if v.Sign() < 0 || v.BitLen() > bits {
			return nil, nil, xerrors.Newf(xerrors.CodeEncoding, "运行时数值 %s 超出参数 %d 的 %s 范围", v, i, a.Type)
		}
		values[i] = v
		data = append(data, common.LeftPadBytes(v.Bytes(), 32)...)
	}
	return data, values, nil
}

// wordBits returns how many bits a non-negative value may use in a slot of
// the given integer ABI type. An empty type means a full word.
func wordBits(typeName string) (int, error) {
	if typeName == "" {
		return 256, nil
	}
	typ, err := abi.NewType(typeName, "", nil)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeEncoding, err, fmt.Sprintf("无法解析参数类型 %q", typeName))
	}
	switch typ.T {
	case abi.UintTy:
		return typ.Size, nil
	case abi.IntTy:
		return typ.Size - 1, nil
	default:
		return 0, xerrors.Newf(xerrors.CodeEncoding, "类型 %s 不能承载运行时数值", typeName)
	}
}
