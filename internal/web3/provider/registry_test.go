package provider

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	xerrors "OpenMEE-Chain/internal/errors"
	"OpenMEE-Chain/internal/web3"
)

type stubClient struct {
	id      uint64
	balance int64
	closed  bool
}

func (s *stubClient) ChainID() uint64 { return s.id }
func (s *stubClient) Snapshot(context.Context) (web3.ChainSnapshot, error) {
	return web3.ChainSnapshot{ChainID: s.id}, nil
}
func (s *stubClient) TokenBalance(context.Context, common.Address, common.Address) (*big.Int, error) {
	return big.NewInt(s.balance), nil
}
func (s *stubClient) NativeBalance(context.Context, common.Address) (*big.Int, error) {
	return big.NewInt(s.balance * 2), nil
}
func (s *stubClient) Close() { s.closed = true }

func TestRegistryRoutesByChainID(t *testing.T) {
	mainnet := &stubClient{id: 1, balance: 10}
	base := &stubClient{id: 8453, balance: 20}
	reg, err := NewStaticRegistry(map[string]web3.ChainClient{"mainnet": mainnet, "base": base})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	ctx := context.Background()
	got, err := reg.ReadBalance(ctx, 8453, common.Address{}, common.Address{})
	if err != nil || got.Int64() != 20 {
		t.Fatalf("ReadBalance(8453) = %v, %v", got, err)
	}
	native, err := reg.NativeBalance(ctx, 1, common.Address{})
	if err != nil || native.Int64() != 20 {
		t.Fatalf("NativeBalance(1) = %v, %v", native, err)
	}
	if _, err := reg.ReadBalance(ctx, 137, common.Address{}, common.Address{}); !xerrors.HasCode(err, xerrors.CodeConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if ids := reg.ChainIDs(); len(ids) != 2 || ids[0] != 1 {
		t.Fatalf("unexpected chain ids %v", ids)
	}

	reg.Close()
	if !mainnet.closed || !base.closed {
		t.Fatal("expected clients to be closed")
	}
}

func TestRegistryRejectsDuplicateChainID(t *testing.T) {
	_, err := NewStaticRegistry(map[string]web3.ChainClient{
		"a": &stubClient{id: 1},
		"b": &stubClient{id: 1},
	})
	if err == nil {
		t.Fatal("expected duplicate chain id error")
	}
}
