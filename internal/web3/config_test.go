package web3

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestParseChainDefinitions(t *testing.T) {
	defs, err := ParseChainDefinitions([]byte(`
chains:
  anvil:
    chain_id: 1
    rpc_url: http://localhost:8545
    account_version: "2.1.0"
    description: Anvil mainnet fork
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	anvil, ok := defs.Chains["anvil"]
	if !ok || anvil.ChainID != 1 || anvil.RPCURL != "http://localhost:8545" || anvil.AccountVersion != "2.1.0" {
		t.Fatalf("unexpected definition %+v", anvil)
	}

	if _, err := ParseChainDefinitions([]byte("chains:\n  broken:\n    rpc_url: x\n")); err == nil {
		t.Fatal("expected missing chain_id to fail")
	}
}

func TestBalanceOfRoundTrip(t *testing.T) {
	holder := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	data, err := PackBalanceOf(holder)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	if len(data) != 4+32 {
		t.Fatalf("unexpected calldata length %d", len(data))
	}
	out := common.LeftPadBytes(big.NewInt(42).Bytes(), 32)
	v, err := UnpackUint256("balanceOf", out)
	if err != nil || v.Int64() != 42 {
		t.Fatalf("unpack = %v, %v", v, err)
	}
}
