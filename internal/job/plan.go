package job

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"OpenMEE-Chain/internal/composable"
	xerrors "OpenMEE-Chain/internal/errors"
	"OpenMEE-Chain/internal/supertx"
	"OpenMEE-Chain/internal/web3"
)

// 地址占位符，编译计划时替换为作业所属账户的地址。
const (
	HolderAccount = "$account"
	HolderEOA     = "$eoa"
)

// 按名称引用的内置 ABI。
var knownABIs = map[string]*abi.ABI{
	"erc20":     &web3.ERC20,
	"aave_pool": &web3.AavePool,
}

// Plan 是作业携带的可序列化执行计划：有序意图、触发器与手续费代币。
type Plan struct {
	Intents       []IntentSpec `json:"intents"`
	Trigger       TriggerSpec  `json:"trigger"`
	FeeToken      FeeSpec      `json:"fee_token"`
	Confirmations uint64       `json:"confirmations,omitempty"`
}

// IntentSpec 描述一条意图。Type 为 transfer 时使用 Token/Recipient/Amount，
// 为 call 时使用 To/Signature 或 ABI+Function/Args/Value。
type IntentSpec struct {
	Type      string    `json:"type"`
	ChainID   uint64    `json:"chain_id"`
	Token     string    `json:"token,omitempty"`
	Recipient string    `json:"recipient,omitempty"`
	Amount    *ArgSpec  `json:"amount,omitempty"`
	To        string    `json:"to,omitempty"`
	Signature string    `json:"signature,omitempty"`
	ABI       string    `json:"abi,omitempty"`
	Function  string    `json:"function,omitempty"`
	Args      []ArgSpec `json:"args,omitempty"`
	Value     string    `json:"value,omitempty"`
}

// TriggerSpec 对应 supertx.Trigger，金额为十进制字符串。
type TriggerSpec struct {
	ChainID uint64 `json:"chain_id"`
	Token   string `json:"token"`
	Amount  string `json:"amount"`
}

// FeeSpec 对应 supertx.FeeToken。
type FeeSpec struct {
	ChainID uint64 `json:"chain_id"`
	Address string `json:"address"`
}

// RuntimeSpec 描述一个运行时余额引用，链 ID 取所在意图的链。
type RuntimeSpec struct {
	Kind   string `json:"runtime"`
	Token  string `json:"token"`
	Holder string `json:"holder"`
}

// ArgSpec 是字面量或运行时引用。JSON 中对象形式 {"runtime": ...} 表示运行时引用，
// 其余任意 JSON 值都作为字面量。
type ArgSpec struct {
	Literal any
	Runtime *RuntimeSpec
}

// LiteralArg 构造字面量参数。
func LiteralArg(v any) ArgSpec { return ArgSpec{Literal: v} }

// BalanceOf 构造 erc20 余额运行时引用。
func BalanceOf(token, holder string) ArgSpec {
	return ArgSpec{Runtime: &RuntimeSpec{Kind: string(composable.RefERC20BalanceOf), Token: token, Holder: holder}}
}

// MarshalJSON 实现 json.Marshaler。
func (a ArgSpec) MarshalJSON() ([]byte, error) {
	if a.Runtime != nil {
		return json.Marshal(a.Runtime)
	}
	return json.Marshal(a.Literal)
}

// UnmarshalJSON 实现 json.Unmarshaler，数字保留为 json.Number 以免精度丢失。
func (a *ArgSpec) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return err
	}
	if obj, ok := v.(map[string]any); ok {
		if _, runtime := obj["runtime"]; runtime {
			var spec RuntimeSpec
			if err := json.Unmarshal(data, &spec); err != nil {
				return err
			}
			*a = ArgSpec{Runtime: &spec}
			return nil
		}
	}
	*a = ArgSpec{Literal: v}
	return nil
}

func (a ArgSpec) clone() ArgSpec {
	out := a
	if a.Runtime != nil {
		r := *a.Runtime
		out.Runtime = &r
	}
	return out
}

func (p Plan) clone() Plan {
	out := p
	if p.Intents != nil {
		out.Intents = make([]IntentSpec, len(p.Intents))
		for i, it := range p.Intents {
			c := it
			if it.Amount != nil {
				amount := it.Amount.clone()
				c.Amount = &amount
			}
			if it.Args != nil {
				c.Args = make([]ArgSpec, len(it.Args))
				for j, arg := range it.Args {
					c.Args[j] = arg.clone()
				}
			}
			out.Intents[i] = c
		}
	}
	return out
}

// Validate 做提交前的结构检查，不解析地址占位符。
func (p Plan) Validate() error {
	if len(p.Intents) == 0 {
		return xerrors.New(CodeJobValidation, "执行计划至少需要一条意图")
	}
	for i, it := range p.Intents {
		if it.ChainID == 0 {
			return validationErr(i, "意图缺少链 ID")
		}
		switch composable.IntentKind(it.Type) {
		case composable.IntentTransfer:
			if it.Token == "" || it.Recipient == "" || it.Amount == nil {
				return validationErr(i, "transfer 需要 token、recipient 与 amount")
			}
		case composable.IntentCall:
			if it.To == "" {
				return validationErr(i, "call 需要目标地址")
			}
			if it.Signature == "" && it.Function == "" {
				return validationErr(i, "call 需要 signature 或 abi+function")
			}
			if it.ABI != "" {
				if _, ok := knownABIs[it.ABI]; !ok {
					return validationErr(i, fmt.Sprintf("未知的 ABI %q", it.ABI))
				}
			}
		default:
			return validationErr(i, fmt.Sprintf("未知的意图类型 %q", it.Type))
		}
	}
	if p.Trigger.ChainID == 0 || p.Trigger.Token == "" {
		return xerrors.New(CodeJobValidation, "触发器需要链 ID 与代币地址")
	}
	if amount, ok := new(big.Int).SetString(strings.TrimSpace(p.Trigger.Amount), 10); !ok || amount.Sign() <= 0 {
		return xerrors.New(CodeJobValidation, "触发金额必须为正整数")
	}
	if p.FeeToken.ChainID == 0 || p.FeeToken.Address == "" {
		return xerrors.New(CodeJobValidation, "手续费代币需要链 ID 与地址")
	}
	return nil
}

func validationErr(index int, msg string) error {
	return xerrors.New(CodeJobValidation, msg, xerrors.WithMetadata("index", fmt.Sprint(index)))
}

// Compile 将计划解析为可构建的意图、触发器与手续费代币。
// 地址占位符按 owner 在意图所在链上的地址替换。
func (p Plan) Compile(owner supertx.Owner) ([]composable.Intent, supertx.Trigger, supertx.FeeToken, error) {
	if err := p.Validate(); err != nil {
		return nil, supertx.Trigger{}, supertx.FeeToken{}, err
	}
	r := resolver{owner: owner}

	intents := make([]composable.Intent, 0, len(p.Intents))
	for i, it := range p.Intents {
		intent, err := r.intent(it)
		if err != nil {
			return nil, supertx.Trigger{}, supertx.FeeToken{}, fmt.Errorf("解析第 %d 条意图失败: %w", i, err)
		}
		intents = append(intents, intent)
	}

	token, err := r.address(p.Trigger.ChainID, p.Trigger.Token)
	if err != nil {
		return nil, supertx.Trigger{}, supertx.FeeToken{}, err
	}
	amount, _ := new(big.Int).SetString(strings.TrimSpace(p.Trigger.Amount), 10)
	feeToken, err := r.address(p.FeeToken.ChainID, p.FeeToken.Address)
	if err != nil {
		return nil, supertx.Trigger{}, supertx.FeeToken{}, err
	}
	trigger := supertx.Trigger{ChainID: p.Trigger.ChainID, Token: token, Amount: amount}
	fee := supertx.FeeToken{ChainID: p.FeeToken.ChainID, Address: feeToken}
	return intents, trigger, fee, nil
}

type resolver struct {
	owner supertx.Owner
}

func (r resolver) address(chainID uint64, raw string) (common.Address, error) {
	switch strings.TrimSpace(raw) {
	case HolderEOA:
		return r.owner.EOA(), nil
	case HolderAccount:
		return r.owner.AddressOn(chainID)
	}
	if !common.IsHexAddress(raw) {
		return common.Address{}, xerrors.New(CodeJobValidation, fmt.Sprintf("无效地址 %q", raw))
	}
	return common.HexToAddress(raw), nil
}

func (r resolver) arg(chainID uint64, spec ArgSpec) (any, error) {
	if spec.Runtime != nil {
		if spec.Runtime.Kind != string(composable.RefERC20BalanceOf) {
			return nil, xerrors.New(CodeJobValidation, fmt.Sprintf("不支持的运行时引用 %q", spec.Runtime.Kind))
		}
		token, err := r.address(chainID, spec.Runtime.Token)
		if err != nil {
			return nil, err
		}
		holder, err := r.address(chainID, spec.Runtime.Holder)
		if err != nil {
			return nil, err
		}
		return composable.RuntimeERC20BalanceOf(chainID, token, holder)
	}
	if s, ok := spec.Literal.(string); ok && (s == HolderAccount || s == HolderEOA) {
		return r.address(chainID, s)
	}
	return spec.Literal, nil
}

func (r resolver) intent(it IntentSpec) (composable.Intent, error) {
	switch composable.IntentKind(it.Type) {
	case composable.IntentTransfer:
		token, err := r.address(it.ChainID, it.Token)
		if err != nil {
			return nil, err
		}
		recipient, err := r.address(it.ChainID, it.Recipient)
		if err != nil {
			return nil, err
		}
		amount, err := r.arg(it.ChainID, *it.Amount)
		if err != nil {
			return nil, err
		}
		return composable.TransferIntent{ChainID: it.ChainID, Token: token, Recipient: recipient, Amount: amount}, nil
	default:
		to, err := r.address(it.ChainID, it.To)
		if err != nil {
			return nil, err
		}
		call := composable.CallIntent{ChainID: it.ChainID, To: to, Signature: it.Signature}
		if it.Signature == "" {
			name := it.ABI
			if name == "" {
				name = "erc20"
			}
			call.ABI = knownABIs[name]
			call.FunctionName = it.Function
		}
		if it.Value != "" {
			value, ok := new(big.Int).SetString(strings.TrimSpace(it.Value), 10)
			if !ok {
				return nil, xerrors.New(CodeJobValidation, fmt.Sprintf("无效的 value %q", it.Value))
			}
			call.Value = value
		}
		call.Args = make([]any, len(it.Args))
		for i, spec := range it.Args {
			v, err := r.arg(it.ChainID, spec)
			if err != nil {
				return nil, err
			}
			call.Args[i] = v
		}
		return call, nil
	}
}
