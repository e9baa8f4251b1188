package ethereum

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/ethclient/simulated"

	"OpenMEE-Chain/internal/web3"
	"OpenMEE-Chain/pkg/logger"
)

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name        string
	ChainID     uint64
	RPCURL      string
	Notes       string
	DialRetries uint
	DialDelay   time.Duration
}

// backend mirrors the subset of ethclient.Client the ledger reads need.
type backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, call gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// Client implements web3.ChainClient for EVM compatible chains.
type Client struct {
	name    string
	notes   string
	chainID uint64

	mu  sync.Mutex
	eth backend
}

// NewClient dials the configured RPC endpoint, retrying transient dial
// failures, and verifies the node serves the expected chain.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置 RPC 地址")
	}
	attempts := cfg.DialRetries
	if attempts == 0 {
		attempts = 3
	}
	delay := cfg.DialDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}

	eth, err := retry.DoWithData(func() (*ethclient.Client, error) {
		return ethclient.DialContext(ctx, rpcURL)
	},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(delay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.Named("web3").Warn("连接节点失败，准备重试",
				slog.String("chain", cfg.Name), slog.Uint64("attempt", uint64(n+1)), slog.Any("error", err))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("连接链 %s 节点失败: %w", cfg.Name, err)
	}

	client, err := newClient(ctx, cfg, eth)
	if err != nil {
		eth.Close()
		return nil, err
	}
	return client, nil
}

func newClient(ctx context.Context, cfg Config, eth backend) (*Client, error) {
	remote, err := eth.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	if cfg.ChainID != 0 && remote.Uint64() != cfg.ChainID {
		return nil, fmt.Errorf("链 %s 配置的 chain_id %d 与节点返回的 %s 不一致", cfg.Name, cfg.ChainID, remote)
	}
	return &Client{
		name:    cfg.Name,
		notes:   cfg.Notes,
		chainID: remote.Uint64(),
		eth:     eth,
	}, nil
}

// simulatedBackend adapts an in-process simulated chain to backend.
type simulatedBackend struct {
	simulated.Client
	sim *simulated.Backend
}

func (b simulatedBackend) Close() { _ = b.sim.Close() }

// NewSimulatedClient wraps a go-ethereum simulated backend, mainly for tests
// and local dry runs. Closing the client closes the backend.
func NewSimulatedClient(ctx context.Context, cfg Config, sim *simulated.Backend) (*Client, error) {
	if sim == nil {
		return nil, errors.New("未提供模拟链")
	}
	return newClient(ctx, cfg, simulatedBackend{Client: sim.Client(), sim: sim})
}

// ChainID returns the chain id reported by the node at dial time.
func (c *Client) ChainID() uint64 {
	return c.chainID
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
}

func (c *Client) backend() (backend, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eth == nil {
		return nil, errors.New("链客户端已关闭")
	}
	return c.eth, nil
}

// Snapshot gathers lightweight metadata from the chain.
func (c *Client) Snapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	eth, err := c.backend()
	if err != nil {
		return web3.ChainSnapshot{}, err
	}
	blockNumber, err := eth.BlockNumber(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, fmt.Errorf("获取最新区块高度失败: %w", err)
	}
	return web3.ChainSnapshot{ChainID: c.chainID, BlockNumber: blockNumber, Notes: c.notes}, nil
}

// TokenBalance reads the ERC20 balance of holder at the latest block.
func (c *Client) TokenBalance(ctx context.Context, token, holder common.Address) (*big.Int, error) {
	eth, err := c.backend()
	if err != nil {
		return nil, err
	}
	data, err := web3.PackBalanceOf(holder)
	if err != nil {
		return nil, fmt.Errorf("编码 balanceOf 失败: %w", err)
	}
	out, err := eth.CallContract(ctx, gethcore.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("调用 %s.balanceOf 失败: %w", token.Hex(), err)
	}
	balance, err := web3.UnpackUint256("balanceOf", out)
	if err != nil {
		return nil, fmt.Errorf("解析 %s.balanceOf 返回值失败: %w", token.Hex(), err)
	}
	return balance, nil
}

// NativeBalance reads the native coin balance of holder.
func (c *Client) NativeBalance(ctx context.Context, holder common.Address) (*big.Int, error) {
	eth, err := c.backend()
	if err != nil {
		return nil, err
	}
	balance, err := eth.BalanceAt(ctx, holder, nil)
	if err != nil {
		return nil, fmt.Errorf("查询余额失败: %w", err)
	}
	return balance, nil
}

var _ web3.ChainClient = (*Client)(nil)
