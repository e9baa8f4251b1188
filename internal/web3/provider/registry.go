package provider

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	xerrors "OpenMEE-Chain/internal/errors"
	"OpenMEE-Chain/internal/web3"
	"OpenMEE-Chain/internal/web3/ethereum"
)

// Registry routes ledger reads to the chain client registered for a chain id.
type Registry struct {
	names   map[uint64]string
	clients map[uint64]web3.ChainClient
}

// NewRegistry instantiates a client for every chain definition.
func NewRegistry(ctx context.Context, defs web3.ChainDefinitions) (*Registry, error) {
	r := &Registry{names: map[uint64]string{}, clients: map[uint64]web3.ChainClient{}}
	for name, chain := range defs.Chains {
		chainType := strings.ToLower(strings.TrimSpace(chain.Type))
		if chainType == "" {
			chainType = "evm"
		}
		if chainType != "evm" {
			r.Close()
			return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, chain.Type)
		}
		client, err := ethereum.NewClient(ctx, ethereum.Config{
			Name:    name,
			ChainID: chain.ChainID,
			RPCURL:  chain.RPCURL,
			Notes:   chain.Description,
		})
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
		}
		if err := r.Register(name, client); err != nil {
			client.Close()
			r.Close()
			return nil, err
		}
	}
	if len(r.clients) == 0 {
		return nil, errors.New("未配置任何链的 RPC 端点")
	}
	return r, nil
}

// NewStaticRegistry builds a registry from already constructed clients.
func NewStaticRegistry(clients map[string]web3.ChainClient) (*Registry, error) {
	r := &Registry{names: map[uint64]string{}, clients: map[uint64]web3.ChainClient{}}
	for name, c := range clients {
		if err := r.Register(name, c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a client under its chain id.
func (r *Registry) Register(name string, client web3.ChainClient) error {
	id := client.ChainID()
	if existing, ok := r.names[id]; ok {
		return fmt.Errorf("链 %s 与 %s 使用了相同的 chain_id %d", name, existing, id)
	}
	r.names[id] = name
	r.clients[id] = client
	return nil
}

// Client returns the chain client serving chainID.
func (r *Registry) Client(chainID uint64) (web3.ChainClient, error) {
	if r == nil {
		return nil, xerrors.New(xerrors.CodeConfiguration, "未初始化的链客户端注册表")
	}
	c, ok := r.clients[chainID]
	if !ok {
		return nil, xerrors.Newf(xerrors.CodeConfiguration, "链 %d 未在注册表中", chainID)
	}
	return c, nil
}

// ReadBalance implements web3.Ledger.
func (r *Registry) ReadBalance(ctx context.Context, chainID uint64, token, holder common.Address) (*big.Int, error) {
	c, err := r.Client(chainID)
	if err != nil {
		return nil, err
	}
	return c.TokenBalance(ctx, token, holder)
}

// NativeBalance implements web3.Ledger.
func (r *Registry) NativeBalance(ctx context.Context, chainID uint64, holder common.Address) (*big.Int, error) {
	c, err := r.Client(chainID)
	if err != nil {
		return nil, err
	}
	return c.NativeBalance(ctx, holder)
}

// ChainIDs returns the registered chain ids in ascending order.
func (r *Registry) ChainIDs() []uint64 {
	if r == nil {
		return nil
	}
	ids := make([]uint64, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Close releases all clients managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for id, client := range r.clients {
		if client != nil {
			client.Close()
		}
		delete(r.clients, id)
		delete(r.names, id)
	}
}

var _ web3.Ledger = (*Registry)(nil)
