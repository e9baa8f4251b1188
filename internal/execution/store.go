package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "OpenMEE-Chain/internal/errors"
	"OpenMEE-Chain/internal/supertx"
)

// ReceiptStore 记录中继上报的终态回执，保证 AwaitReceipt 幂等。
type ReceiptStore interface {
	Get(ctx context.Context, handle supertx.Handle) (Receipt, bool, error)
	Put(ctx context.Context, receipt Receipt) error
}

// MemoryReceiptStore 在内存中保存终态回执。
type MemoryReceiptStore struct {
	mu       sync.RWMutex
	receipts map[supertx.Handle]Receipt
}

// NewMemoryReceiptStore 创建内存回执存储。
func NewMemoryReceiptStore() *MemoryReceiptStore {
	return &MemoryReceiptStore{receipts: make(map[supertx.Handle]Receipt)}
}

// Get 返回已记录的回执。
func (s *MemoryReceiptStore) Get(_ context.Context, handle supertx.Handle) (Receipt, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.receipts[handle]
	return r, ok, nil
}

// Put 记录回执。已存在的终态回执不会被覆盖，
// 唯一的例外是确认数更多的 MINED_SUCCESS 替换较浅的 MINED_SUCCESS。
func (s *MemoryReceiptStore) Put(_ context.Context, receipt Receipt) error {
	if !receipt.Status.Terminal() {
		return xerrors.Newf(xerrors.CodeInvalidArgument, "回执状态 %s 不是终态", receipt.Status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.receipts[receipt.Handle]; ok && !deeper(existing, receipt) {
		return nil
	}
	s.receipts[receipt.Handle] = receipt
	return nil
}

// deeper 判断 next 是否为比 existing 更深的成功回执。
func deeper(existing, next Receipt) bool {
	return existing.Succeeded() && next.Succeeded() && next.Confirmations > existing.Confirmations
}

// redisKV 是 RedisReceiptStore 用到的命令子集，*redis.Client 满足该接口。
type redisKV interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// RedisReceiptStoreConfig 描述 Redis 回执存储的连接参数。
type RedisReceiptStoreConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// RedisReceiptStore 使用 Redis 保存终态回执，便于多个 worker 共享。
type RedisReceiptStore struct {
	client redisKV
	closer func() error
	prefix string
	ttl    time.Duration
}

// NewRedisReceiptStore 连接 Redis 并创建回执存储。
func NewRedisReceiptStore(cfg RedisReceiptStoreConfig) (*RedisReceiptStore, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	s := newRedisReceiptStore(client, cfg.Prefix, cfg.TTL)
	s.closer = client.Close
	return s, nil
}

func newRedisReceiptStore(client redisKV, prefix string, ttl time.Duration) *RedisReceiptStore {
	if prefix == "" {
		prefix = "openmee:receipt:"
	}
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &RedisReceiptStore{client: client, prefix: prefix, ttl: ttl}
}

// Get 读取回执。
func (s *RedisReceiptStore) Get(ctx context.Context, handle supertx.Handle) (Receipt, bool, error) {
	raw, err := s.client.Get(ctx, s.prefix+handle.String()).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Receipt{}, false, nil
		}
		return Receipt{}, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取回执失败")
	}
	var r Receipt
	if err := json.Unmarshal(raw, &r); err != nil {
		return Receipt{}, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析回执失败")
	}
	return r, true, nil
}

// Put 写入回执，仅在不存在时写入；更深的成功回执覆盖较浅的成功回执。
func (s *RedisReceiptStore) Put(ctx context.Context, receipt Receipt) error {
	if !receipt.Status.Terminal() {
		return xerrors.Newf(xerrors.CodeInvalidArgument, "回执状态 %s 不是终态", receipt.Status)
	}
	raw, err := json.Marshal(receipt)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码回执失败")
	}
	key := s.prefix + receipt.Handle.String()
	created, err := s.client.SetNX(ctx, key, raw, s.ttl).Result()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入回执失败")
	}
	if created || !receipt.Succeeded() {
		return nil
	}
	existing, ok, err := s.Get(ctx, receipt.Handle)
	if err != nil || !ok || !deeper(existing, receipt) {
		return err
	}
	if err := s.client.Set(ctx, key, raw, s.ttl).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入回执失败")
	}
	return nil
}

// Close 关闭 Redis 连接。
func (s *RedisReceiptStore) Close() error {
	if s == nil || s.closer == nil {
		return nil
	}
	return s.closer()
}
