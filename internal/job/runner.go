package job

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"

	"OpenMEE-Chain/internal/composable"
	xerrors "OpenMEE-Chain/internal/errors"
	"OpenMEE-Chain/internal/execution"
	"OpenMEE-Chain/internal/supertx"
	"OpenMEE-Chain/pkg/logger"
)

// SubmitFunc 在中继接受超级交易后被调用，用于持久化执行句柄。
type SubmitFunc func(ctx context.Context, quoteHash, handle string) error

// Executor 执行一个已领取的作业。
type Executor interface {
	Execute(ctx context.Context, job *Job, onSubmit SubmitFunc) (Result, error)
}

// Runner 依次完成构建、组装、报价、签名提交与等待回执。
// 作业已带有 Handle 时跳过提交，只继续等待回执，避免重复执行。
type Runner struct {
	owner           supertx.Owner
	planner         *supertx.Planner
	controller      *execution.Controller
	opts            execution.Options
	persistAttempts uint
	persistDelay    time.Duration
	logger          *slog.Logger
}

// RunnerOption 自定义 Runner。
type RunnerOption func(*Runner)

// WithHandlePersistRetry 设置记录执行句柄的重试次数与初始退避。
func WithHandlePersistRetry(attempts uint, delay time.Duration) RunnerOption {
	return func(r *Runner) {
		if attempts > 0 {
			r.persistAttempts = attempts
		}
		if delay > 0 {
			r.persistDelay = delay
		}
	}
}

// NewRunner 构造 Runner。opts 为等待回执的默认参数。
func NewRunner(owner supertx.Owner, planner *supertx.Planner, controller *execution.Controller, opts execution.Options, options ...RunnerOption) *Runner {
	r := &Runner{
		owner:           owner,
		planner:         planner,
		controller:      controller,
		opts:            opts,
		persistAttempts: 5,
		persistDelay:    100 * time.Millisecond,
		logger:          logger.Named("job"),
	}
	for _, opt := range options {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Execute 实现 Executor。
func (r *Runner) Execute(ctx context.Context, job *Job, onSubmit SubmitFunc) (Result, error) {
	if r == nil || r.owner == nil || r.planner == nil || r.controller == nil {
		return Result{}, xerrors.New(xerrors.CodeConfiguration, "作业执行器未初始化")
	}
	if job == nil {
		return Result{}, xerrors.New(xerrors.CodeInvalidArgument, "job 不能为空")
	}
	if job.Owner != "" && !strings.EqualFold(job.Owner, r.owner.EOA().Hex()) {
		return Result{}, xerrors.New(CodeJobValidation, "作业不属于当前账户",
			xerrors.WithMetadata("owner", job.Owner))
	}

	opts := r.opts
	if job.Plan.Confirmations > 0 {
		opts.Confirmations = job.Plan.Confirmations
	}

	var quote supertx.Quote
	recorded := true
	handle := supertx.Handle(job.Handle)
	if handle.IsZero() {
		var err error
		quote, err = r.quote(ctx, job)
		if err != nil {
			return Result{}, err
		}
		handle, err = r.controller.Execute(ctx, quote)
		if err != nil {
			return Result{}, err
		}
		if err := r.persistHandle(ctx, job, quote.Hash.Hex(), handle, onSubmit); err != nil {
			// 句柄未落库时作业不能再重试，否则会以新报价重复提交。
			recorded = false
			r.logger.Error("记录执行句柄失败，继续等待内存中的句柄",
				slog.String("job_id", job.ID),
				slog.String("handle", handle.String()),
				slog.Any("error", err))
		}
	} else {
		r.logger.Info("继续等待已提交的超级交易",
			slog.String("job_id", job.ID),
			slog.String("handle", handle.String()))
	}

	receipt, err := r.controller.AwaitReceipt(ctx, handle, opts)
	if err != nil {
		if !recorded {
			return Result{}, xerrors.Wrap(CodeHandleNotRecorded, err, "执行句柄未记录，作业不再重试",
				xerrors.WithMetadata("handle", handle.String()),
				xerrors.WithMetadata("quote_hash", quote.Hash.Hex()))
		}
		return Result{}, err
	}
	result := Result{
		Handle:        handle.String(),
		Status:        string(receipt.Status),
		Confirmations: receipt.Confirmations,
		BlockNumber:   receipt.BlockNumber,
		Reason:        receipt.Reason,
	}
	if !quote.IsZero() {
		result.FeeToken = quote.PaymentInfo.Token.Hex()
		result.FeeAmount = quote.PaymentInfo.TokenAmount
	}
	if !receipt.Succeeded() {
		return result, xerrors.New(CodeSupertxFailed,
			fmt.Sprintf("超级交易以 %s 结束", receipt.Status),
			xerrors.WithMetadata("handle", handle.String()),
			xerrors.WithMetadata("last_status", string(receipt.Status)),
			xerrors.WithMetadata("reason", receipt.Reason))
	}
	return result, nil
}

// persistHandle 带退避地记录执行句柄。
func (r *Runner) persistHandle(ctx context.Context, job *Job, quoteHash string, handle supertx.Handle, onSubmit SubmitFunc) error {
	if onSubmit == nil {
		return nil
	}
	return retry.Do(
		func() error {
			return onSubmit(context.WithoutCancel(ctx), quoteHash, handle.String())
		},
		retry.Context(ctx),
		retry.Attempts(r.persistAttempts),
		retry.Delay(r.persistDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			r.logger.Warn("记录执行句柄失败，准备重试",
				slog.String("job_id", job.ID),
				slog.String("handle", handle.String()),
				slog.Uint64("attempt", uint64(n)+1),
				slog.Any("error", err))
		}),
	)
}

func (r *Runner) quote(ctx context.Context, job *Job) (supertx.Quote, error) {
	intents, trigger, fee, err := job.Plan.Compile(r.owner)
	if err != nil {
		return supertx.Quote{}, err
	}
	instructions, err := composable.BuildAll(intents...)
	if err != nil {
		return supertx.Quote{}, err
	}
	return r.planner.Plan(ctx, r.owner, instructions, trigger, fee)
}

var _ Executor = (*Runner)(nil)
