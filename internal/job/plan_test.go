package job

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"OpenMEE-Chain/internal/composable"
	xerrors "OpenMEE-Chain/internal/errors"
)

const testChain = 1

var (
	usdc  = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	ausdc = common.HexToAddress("0x98C23E9d8f34FEFb1B7BD6a91B7FF122F4e16F5c")
	pool  = common.HexToAddress("0x87870Bca3F3fD6335C3F4ce8392D69350B4fA4E2")
)

const supplySig = "function supply(address asset, uint256 amount, address onBehalfOf, uint16 referralCode)"

type stubOwner struct {
	eoa   common.Address
	smart common.Address
}

func (s stubOwner) EOA() common.Address { return s.eoa }

func (s stubOwner) AddressOn(chainID uint64) (common.Address, error) {
	if chainID != testChain {
		return common.Address{}, xerrors.New(xerrors.CodeConfiguration, "unknown chain")
	}
	return s.smart, nil
}

func supplyPlan(amount string) Plan {
	lit := LiteralArg(amount)
	back := BalanceOf(ausdc.Hex(), HolderAccount)
	return Plan{
		Intents: []IntentSpec{
			{Type: "transfer", ChainID: testChain, Token: usdc.Hex(), Recipient: HolderAccount, Amount: &lit},
			{Type: "call", ChainID: testChain, To: usdc.Hex(), ABI: "erc20", Function: "approve",
				Args: []ArgSpec{LiteralArg(pool.Hex()), BalanceOf(usdc.Hex(), HolderAccount)}},
			{Type: "call", ChainID: testChain, To: pool.Hex(), Signature: supplySig,
				Args: []ArgSpec{LiteralArg(usdc.Hex()), BalanceOf(usdc.Hex(), HolderAccount), LiteralArg(HolderAccount), LiteralArg(0)}},
			{Type: "transfer", ChainID: testChain, Token: ausdc.Hex(), Recipient: HolderEOA, Amount: &back},
		},
		Trigger:  TriggerSpec{ChainID: testChain, Token: usdc.Hex(), Amount: amount},
		FeeToken: FeeSpec{ChainID: testChain, Address: usdc.Hex()},
	}
}

func TestArgSpecJSON(t *testing.T) {
	var args []ArgSpec
	raw := `[12345678901234567890123, "0xabc", {"runtime":"erc20_balance_of","token":"0x01","holder":"$account"}, {"k":"v"}]`
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if n, ok := args[0].Literal.(json.Number); !ok || n.String() != "12345678901234567890123" {
		t.Fatalf("large integers must keep precision, got %#v", args[0].Literal)
	}
	if args[1].Literal != "0xabc" || args[1].Runtime != nil {
		t.Fatalf("unexpected string literal %#v", args[1])
	}
	if args[2].Runtime == nil || args[2].Runtime.Holder != HolderAccount {
		t.Fatalf("expected runtime reference, got %#v", args[2])
	}
	if _, ok := args[3].Literal.(map[string]any); !ok {
		t.Fatalf("objects without runtime key stay literal, got %#v", args[3])
	}

	out, err := json.Marshal(args[2])
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(out) != `{"runtime":"erc20_balance_of","token":"0x01","holder":"$account"}` {
		t.Fatalf("unexpected encoding %s", out)
	}
}

func TestPlanValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(p *Plan)
	}{
		{"no intents", func(p *Plan) { p.Intents = nil }},
		{"missing chain", func(p *Plan) { p.Intents[0].ChainID = 0 }},
		{"unknown type", func(p *Plan) { p.Intents[0].Type = "swap" }},
		{"transfer without amount", func(p *Plan) { p.Intents[0].Amount = nil }},
		{"call without target", func(p *Plan) { p.Intents[1].To = "" }},
		{"call without function", func(p *Plan) { p.Intents[2].Signature = "" }},
		{"unknown abi", func(p *Plan) { p.Intents[1].ABI = "uniswap" }},
		{"zero trigger amount", func(p *Plan) { p.Trigger.Amount = "0" }},
		{"non numeric trigger", func(p *Plan) { p.Trigger.Amount = "ten" }},
		{"missing fee token", func(p *Plan) { p.FeeToken.Address = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := supplyPlan("10000000")
			tc.mutate(&p)
			if err := p.Validate(); !xerrors.HasCode(err, CodeJobValidation) {
				t.Fatalf("expected JOB_VALIDATION_FAILED, got %v", err)
			}
		})
	}
	if err := supplyPlan("10000000").Validate(); err != nil {
		t.Fatalf("valid plan rejected: %v", err)
	}
}

func TestPlanCompileResolvesPlaceholders(t *testing.T) {
	owner := stubOwner{
		eoa:   common.HexToAddress("0x00000000000000000000000000000000000000e0"),
		smart: common.HexToAddress("0x00000000000000000000000000000000000000a5"),
	}
	intents, trigger, fee, err := supplyPlan("10000000").Compile(owner)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	ins, err := composable.BuildAll(intents...)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(ins) != 4 {
		t.Fatalf("expected 4 instructions, got %d", len(ins))
	}

	first := intents[0].(composable.TransferIntent)
	if first.Recipient != owner.smart {
		t.Fatalf("$account resolved to %s", first.Recipient.Hex())
	}
	last := intents[3].(composable.TransferIntent)
	if last.Recipient != owner.eoa {
		t.Fatalf("$eoa resolved to %s", last.Recipient.Hex())
	}
	ref, ok := last.Amount.(composable.RuntimeRef)
	if !ok || ref.Holder != owner.smart || ref.Token != ausdc || ref.ChainID != testChain {
		t.Fatalf("unexpected runtime amount %#v", last.Amount)
	}
	if ins[0].IsComposable() || !ins[1].IsComposable() || !ins[2].IsComposable() || !ins[3].IsComposable() {
		t.Fatal("only the first step carries a literal amount")
	}
	if got := ins[2].Args[2].Literal; got != owner.smart {
		t.Fatalf("onBehalfOf = %v", got)
	}
	if trigger.Amount.Cmp(big.NewInt(10_000_000)) != 0 || trigger.Token != usdc {
		t.Fatalf("unexpected trigger %+v", trigger)
	}
	if fee.Address != usdc || fee.ChainID != testChain {
		t.Fatalf("unexpected fee %+v", fee)
	}
}

func TestPlanCompileErrors(t *testing.T) {
	owner := stubOwner{eoa: common.HexToAddress("0xe0"), smart: common.HexToAddress("0xa5")}

	bad := supplyPlan("1")
	bad.Intents[0].Token = "not-an-address"
	if _, _, _, err := bad.Compile(owner); !xerrors.HasCode(err, CodeJobValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}

	foreign := supplyPlan("1")
	foreign.Intents[0].ChainID = 10
	if _, _, _, err := foreign.Compile(owner); !xerrors.HasCode(err, xerrors.CodeConfiguration) {
		t.Fatalf("expected configuration error for unknown chain, got %v", err)
	}

	runtime := supplyPlan("1")
	runtime.Intents[1].Args[1].Runtime.Kind = "native_balance"
	if _, _, _, err := runtime.Compile(owner); !xerrors.HasCode(err, CodeJobValidation) {
		t.Fatalf("expected validation error for unknown runtime kind, got %v", err)
	}
}

func TestPlanCloneIsDeep(t *testing.T) {
	p := supplyPlan("5")
	c := p.clone()
	c.Intents[1].Args[1].Runtime.Holder = "0x01"
	c.Intents[0].Amount.Literal = "6"
	if p.Intents[1].Args[1].Runtime.Holder != HolderAccount || p.Intents[0].Amount.Literal != "5" {
		t.Fatal("clone shares nested values with the original")
	}
}
