package composable

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	xerrors "OpenMEE-Chain/internal/errors"
	"OpenMEE-Chain/internal/web3"
)

// Build turns an intent into an Instruction. It is pure: no network access,
// no shared state. Errors are CONFIGURATION_ERROR (missing chain id or
// target), ENCODING_ERROR (bad signature or arguments) or
// UNRESOLVED_REFERENCE (runtime reference without a read path on this chain).
func Build(intent Intent) (Instruction, error) {
	switch it := intent.(type) {
	case TransferIntent:
		return buildTransfer(it)
	case *TransferIntent:
		if it == nil {
			return Instruction{}, xerrors.New(xerrors.CodeConfiguration, "intent 不能为空")
		}
		return buildTransfer(*it)
	case CallIntent:
		return buildCall(it)
	case *CallIntent:
		if it == nil {
			return Instruction{}, xerrors.New(xerrors.CodeConfiguration, "intent 不能为空")
		}
		return buildCall(*it)
	case nil:
		return Instruction{}, xerrors.New(xerrors.CodeConfiguration, "intent 不能为空")
	default:
		return Instruction{}, xerrors.Newf(xerrors.CodeConfiguration, "不支持的 intent 类型 %T", intent)
	}
}

// BuildAll builds intents in order and stops at the first failure.
func BuildAll(intents ...Intent) ([]Instruction, error) {
	out := make([]Instruction, 0, len(intents))
	for i, intent := range intents {
		ins, err := Build(intent)
		if err != nil {
			return nil, fmt.Errorf("构建第 %d 条指令失败: %w", i, err)
		}
		out = append(out, ins)
	}
	return out, nil
}

func buildTransfer(it TransferIntent) (Instruction, error) {
	if it.ChainID == 0 {
		return Instruction{}, xerrors.New(xerrors.CodeConfiguration, "transfer 缺少链 ID")
	}
	if it.Token == (common.Address{}) || it.Recipient == (common.Address{}) {
		return Instruction{}, xerrors.New(xerrors.CodeConfiguration, "transfer 缺少代币或接收者地址")
	}
	method := web3.ERC20.Methods["transfer"]
	return encode(it.ChainID, it.Token, nil, method, []any{it.Recipient, it.Amount})
}

func buildCall(it CallIntent) (Instruction, error) {
	if it.ChainID == 0 {
		return Instruction{}, xerrors.New(xerrors.CodeConfiguration, "call 缺少链 ID")
	}
	if it.To == (common.Address{}) {
		return Instruction{}, xerrors.New(xerrors.CodeConfiguration, "call 缺少目标合约地址")
	}
	if it.Value != nil && it.Value.Sign() < 0 {
		return Instruction{}, xerrors.New(xerrors.CodeEncoding, "value 不能为负数")
	}

	var (
		method abi.Method
		err    error
	)
	switch {
	case it.Signature != "" && it.ABI != nil:
		return Instruction{}, xerrors.New(xerrors.CodeEncoding, "signature 与 ABI 只能提供一个")
	case it.Signature != "":
		method, err = parseFunctionCached(it.Signature)
	case it.ABI != nil:
		method, err = LookupMethod(it.ABI, it.FunctionName)
	default:
		err = xerrors.New(xerrors.CodeEncoding, "call 缺少函数签名")
	}
	if err != nil {
		return Instruction{}, err
	}
	return encode(it.ChainID, it.To, it.Value, method, it.Args)
}

func encode(chainID uint64, to common.Address, value *big.Int, method abi.Method, raw []any) (Instruction, error) {
	if len(raw) != len(method.Inputs) {
		return Instruction{}, xerrors.New(xerrors.CodeEncoding,
			fmt.Sprintf("%s 需要 %d 个参数，实际 %d", method.Sig, len(method.Inputs), len(raw)),
			xerrors.WithMetadata("function", method.Sig))
	}

	args := make([]Arg, len(raw))
	composable := false
	for i, r := range raw {
		a := toArg(r)
		typ := method.Inputs[i].Type
		a.Type = typ.String()
		switch a.Kind {
		case ArgRuntime:
			if a.Ref == nil {
				return Instruction{}, xerrors.New(xerrors.CodeUnresolvedReference, "运行时引用为空")
			}
			if err := a.Ref.validate(); err != nil {
				return Instruction{}, err
			}
			if a.Ref.ChainID != chainID {
				return Instruction{}, xerrors.New(xerrors.CodeUnresolvedReference,
					fmt.Sprintf("参数 %d 引用链 %d，但指令位于链 %d", i, a.Ref.ChainID, chainID),
					xerrors.WithMetadata("function", method.Sig))
			}
			if typ.T != abi.UintTy && typ.T != abi.IntTy {
				return Instruction{}, xerrors.New(xerrors.CodeEncoding,
					fmt.Sprintf("参数 %d 类型 %s 不能使用运行时数值", i, typ.String()),
					xerrors.WithMetadata("function", method.Sig))
			}
			composable = true
		default:
			v, err := coerce(typ, a.Literal)
			if err != nil {
				return Instruction{}, xerrors.Wrap(xerrors.CodeEncoding, err,
					fmt.Sprintf("参数 %d (%s) 编码失败", i, typ.String()),
					xerrors.WithMetadata("function", method.Sig))
			}
			a.Literal = v
		}
		args[i] = a
	}

	ins := Instruction{
		ChainID:  chainID,
		To:       to,
		Function: method.Sig,
		Selector: common.CopyBytes(method.ID),
		Args:     args,
	}
	if value != nil {
		ins.Value = new(big.Int).Set(value)
	}

	if !composable {
		values := make([]any, len(args))
		for i, a := range args {
			values[i] = a.Literal
		}
		packed, err := method.Inputs.Pack(values...)
		if err != nil {
			return Instruction{}, xerrors.Wrap(xerrors.CodeEncoding, err, "参数编码失败",
				xerrors.WithMetadata("function", method.Sig))
		}
		ins.CallData = append(common.CopyBytes(method.ID), packed...)
		return ins, nil
	}

	params := make([]InputParam, len(args))
	for i, a := range args {
		typ := method.Inputs[i].Type
		if !isWord(typ) {
			return Instruction{}, xerrors.New(xerrors.CodeEncoding,
				fmt.Sprintf("含运行时参数的调用只支持单字参数，参数 %d 为 %s", i, typ.String()),
				xerrors.WithMetadata("function", method.Sig))
		}
		if a.IsRuntime() {
			target, data, err := a.Ref.FetcherCall()
			if err != nil {
				return Instruction{}, err
			}
			params[i] = InputParam{Fetcher: FetcherStaticCall, Target: &target, Data: data}
			continue
		}
		word, err := packWord(typ, a.Literal)
		if err != nil {
			return Instruction{}, xerrors.Wrap(xerrors.CodeEncoding, err, fmt.Sprintf("参数 %d 编码失败", i),
				xerrors.WithMetadata("function", method.Sig))
		}
		params[i] = InputParam{Fetcher: FetcherRawBytes, Data: word}
	}
	ins.InputParams = params
	return ins, nil
}
