package job

import (
	"context"

	xerrors "OpenMEE-Chain/internal/errors"
)

// Store 抽象了作业状态的持久化接口。
type Store interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	Claim(ctx context.Context, id string) (*Job, error)
	// MarkSubmitted 在中继接受超级交易后立即记录报价 hash 与执行句柄。
	MarkSubmitted(ctx context.Context, id, quoteHash, handle string) error
	MarkSucceeded(ctx context.Context, id string, result Result) error
	// MarkFailed 记录失败；terminal 为 true 时后续 Claim 返回 ErrJobExhausted。
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error
	List(ctx context.Context, opts ListOptions) ([]*Job, error)
	Stats(ctx context.Context, opts ListOptions) (JobStats, error)
	Close() error
}
