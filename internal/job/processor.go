package job

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"

	xerrors "OpenMEE-Chain/internal/errors"
	"OpenMEE-Chain/internal/observability/alerting"
	"OpenMEE-Chain/internal/observability/metrics"
	"OpenMEE-Chain/pkg/logger"
)

// Processor 负责从队列消费作业并交给 Executor 执行。
type Processor struct {
	executor    Executor
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(executor Executor, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:    executor,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
		logger:      logger.Named("job"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Start 启动作业处理循环，阻塞直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeConfiguration, "未配置作业消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

// Resume 重新投递待处理以及可重试的失败作业，通常在进程启动时调用一次。
// 因关闭而中断的作业会以可重试失败的状态留在存储中，由这里重新入队。
func (p *Processor) Resume(ctx context.Context) (int, error) {
	if p.store == nil || p.producer == nil {
		return 0, xerrors.New(xerrors.CodeConfiguration, "处理器未初始化")
	}
	published := 0
	opts := BuildListOptions(WithStatuses(StatusPending, StatusFailed), WithSortOrder(SortByUpdatedAsc), WithLimit(100))
	for {
		jobs, err := p.store.List(ctx, opts)
		if err != nil {
			return published, err
		}
		for _, job := range jobs {
			if job.Attempts >= job.MaxRetries {
				continue
			}
			if err := p.producer.Publish(ctx, job.ID); err != nil {
				return published, xerrors.Wrap(CodeJobPublish, err, fmt.Sprintf("作业 %s 重投失败", job.ID))
			}
			published++
		}
		if len(jobs) < opts.Limit {
			break
		}
		opts.Offset += len(jobs)
	}
	if published > 0 {
		p.logger.Info("已重新投递未完成作业", slog.Int("count", published))
	}
	return published, nil
}

func (p *Processor) handle(ctx context.Context, jobID string) error {
	if p.store == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeConfiguration, "处理器未初始化")
	}
	job, err := p.store.Claim(ctx, jobID)
	if err != nil {
		if stdErrors.Is(err, ErrJobNotFound) || stdErrors.Is(err, ErrJobCompleted) || stdErrors.Is(err, ErrJobExhausted) {
			p.logger.Debug("跳过作业", slog.String("job_id", jobID), slog.String("reason", err.Error()))
			return nil
		}
		p.logger.Error("领取作业失败", slog.Any("error", err), slog.String("job_id", jobID))
		p.emitAlert(ctx, &Job{ID: jobID}, CodeJobProcessing, err, "claim")
		return err
	}
	metrics.ObserveJob(string(StatusRunning))

	onSubmit := func(ctx context.Context, quoteHash, handle string) error {
		if err := p.store.MarkSubmitted(ctx, job.ID, quoteHash, handle); err != nil {
			return err
		}
		job.QuoteHash, job.Handle = quoteHash, handle
		metrics.ObserveJob(string(StatusSubmitted))
		return nil
	}
	result, execErr := p.executor.Execute(ctx, job, onSubmit)
	if execErr != nil {
		return p.handleExecutionFailure(ctx, job, execErr)
	}

	if err := p.store.MarkSucceeded(ctx, job.ID, result); err != nil {
		p.logger.Error("标记作业成功状态失败", slog.Any("error", err), slog.String("job_id", job.ID))
		if storeErr := p.store.MarkFailed(ctx, job.ID, CodeJobProcessing, err.Error(), false); storeErr != nil {
			p.logger.Error("回写失败状态出错", slog.Any("error", storeErr), slog.String("job_id", job.ID))
			return storeErr
		}
		if pubErr := p.producer.Publish(ctx, job.ID); pubErr != nil {
			return xerrors.Wrap(CodeJobPublish, pubErr, fmt.Sprintf("作业 %s 在标记成功失败后重投失败", job.ID))
		}
		return nil
	}
	metrics.ObserveJob(string(StatusSucceeded))
	logger.Audit().Info("作业执行成功",
		slog.String("job_id", job.ID),
		slog.String("handle", result.Handle),
		slog.String("status", result.Status),
		slog.Uint64("confirmations", result.Confirmations),
	)
	return nil
}

func (p *Processor) handleExecutionFailure(ctx context.Context, job *Job, execErr error) error {
	// 进程关闭导致的中断不计为失败原因，留给 Resume 继续。
	// 句柄未落库的作业除外，重新执行会再次提交。
	if ctx.Err() != nil && !xerrors.HasCode(execErr, CodeHandleNotRecorded) {
		storeCtx := context.WithoutCancel(ctx)
		code := CodeJobProcessing
		if stdErrors.Is(ctx.Err(), context.DeadlineExceeded) {
			code = xerrors.CodeTimeout
		}
		if err := p.store.MarkFailed(storeCtx, job.ID, code, execErr.Error(), false); err != nil {
			p.logger.Error("记录中断状态失败", slog.Any("error", err), slog.String("job_id", job.ID))
			return err
		}
		p.logger.Warn("作业因关闭而中断", slog.String("job_id", job.ID), slog.String("handle", job.Handle))
		return nil
	}

	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = CodeJobProcessing
	}
	// 报价失败在规划层不重试，作业层按剩余次数重新报价。
	retryable := xerrors.RetryableError(execErr) || xerrors.HasCode(execErr, xerrors.CodeQuoteUnavailable)
	terminal := job.Attempts >= job.MaxRetries || !retryable

	if storeErr := p.store.MarkFailed(context.WithoutCancel(ctx), job.ID, code, execErr.Error(), terminal); storeErr != nil {
		p.logger.Error("标记作业失败状态出错", slog.Any("error", storeErr), slog.String("job_id", job.ID))
		return storeErr
	}
	metrics.ObserveJob(string(StatusFailed))
	logger.Audit().Warn("作业执行失败",
		slog.String("job_id", job.ID),
		slog.String("handle", job.Handle),
		slog.Bool("terminal", terminal),
		slog.String("error", execErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", job.Attempts),
		slog.Int("max_retries", job.MaxRetries),
	)

	stage := "retry"
	if terminal {
		stage = "terminal"
	}
	if !retryable {
		stage = "non_retryable"
	}
	if terminal || xerrors.ShouldAlert(execErr) {
		p.emitAlert(ctx, job, code, execErr, stage)
	}

	if retryable && !terminal {
		if pubErr := p.producer.Publish(ctx, job.ID); pubErr != nil {
			return xerrors.Wrap(CodeJobPublish, pubErr, fmt.Sprintf("作业 %s 重投失败", job.ID))
		}
		p.logger.Debug("作业已重新排队", slog.String("job_id", job.ID), slog.Int("attempts", job.Attempts))
	}
	return nil
}

func (p *Processor) emitAlert(ctx context.Context, job *Job, code xerrors.Code, cause error, stage string) {
	if p == nil || p.alerter == nil || job == nil {
		return
	}
	event := alerting.EventFromError(cause, job.ID)
	event.Code = code
	if event.Handle == "" {
		event.Handle = job.Handle
	}
	event.Attempts = job.Attempts
	event.MaxRetries = job.MaxRetries
	if event.Metadata == nil {
		event.Metadata = make(map[string]string, 1)
	}
	event.Metadata["stage"] = stage
	if err := p.alerter.Notify(ctx, event); err != nil {
		p.logger.Error("告警通知失败",
			slog.Any("error", err),
			slog.String("job_id", job.ID),
			slog.String("stage", stage),
		)
	}
}
