package execution

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/avast/retry-go/v4"

	"OpenMEE-Chain/internal/account"
	xerrors "OpenMEE-Chain/internal/errors"
	"OpenMEE-Chain/internal/observability/metrics"
	"OpenMEE-Chain/internal/supertx"
	"OpenMEE-Chain/pkg/logger"
)

// Options bound the confirmation wait. Zero fields fall back to the
// controller defaults.
type Options struct {
	Confirmations uint64        `yaml:"confirmations"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	PollAttempts  uint          `yaml:"poll_attempts"`
	WaitTimeout   time.Duration `yaml:"wait_timeout"`
}

// DefaultOptions 返回默认的等待参数。
func DefaultOptions() Options {
	return Options{
		Confirmations: 2,
		PollInterval:  2 * time.Second,
		PollAttempts:  5,
		WaitTimeout:   10 * time.Minute,
	}
}

func (o Options) withDefaults(d Options) Options {
	if o.Confirmations == 0 {
		o.Confirmations = d.Confirmations
	}
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	if o.PollAttempts == 0 {
		o.PollAttempts = d.PollAttempts
	}
	if o.WaitTimeout <= 0 {
		o.WaitTimeout = d.WaitTimeout
	}
	return o
}

// Controller signs and submits quotes and waits for their receipts.
type Controller struct {
	signer     account.Signer
	relay      Relay
	store      ReceiptStore
	defaults   Options
	retryDelay time.Duration
	now        func() time.Time
	log        *slog.Logger
}

// Option 自定义 Controller。
type Option func(*Controller)

// WithReceiptStore 指定终态回执存储，默认使用内存存储。
func WithReceiptStore(store ReceiptStore) Option {
	return func(c *Controller) {
		if store != nil {
			c.store = store
		}
	}
}

// WithDefaults 覆盖默认等待参数。
func WithDefaults(opts Options) Option {
	return func(c *Controller) {
		c.defaults = opts.withDefaults(DefaultOptions())
	}
}

// WithRetryDelay 设置状态查询重试的初始退避。
func WithRetryDelay(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.retryDelay = d
		}
	}
}

// WithClock 替换时间来源，用于判断报价是否过期。
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// NewController 创建执行控制器。
func NewController(signer account.Signer, relay Relay, opts ...Option) (*Controller, error) {
	if signer == nil {
		return nil, xerrors.New(xerrors.CodeConfiguration, "缺少签名器")
	}
	if relay == nil {
		return nil, xerrors.New(xerrors.CodeConfiguration, "缺少执行中继")
	}
	c := &Controller{
		signer:     signer,
		relay:      relay,
		store:      NewMemoryReceiptStore(),
		defaults:   DefaultOptions(),
		retryDelay: 200 * time.Millisecond,
		now:        time.Now,
		log:        logger.Named("execution"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Execute signs the quote hash and submits the quote. An unquoted (zero)
// quote is a configuration error; an expired one must be re-quoted.
func (c *Controller) Execute(ctx context.Context, quote supertx.Quote) (supertx.Handle, error) {
	if quote.IsZero() {
		return "", xerrors.New(xerrors.CodeConfiguration, "批次尚未报价，不能执行")
	}
	if quote.Expired(c.now()) {
		return "", xerrors.New(xerrors.CodeQuoteUnavailable, "报价已过期，需要重新报价",
			xerrors.WithMetadata("hash", quote.Hash.Hex()))
	}

	sig, err := c.signer.SignMessage(ctx, quote.Hash.Bytes())
	if err != nil {
		metrics.ObserveExecution(string(xerrors.CodeConfiguration))
		return "", xerrors.Wrap(xerrors.CodeConfiguration, err, "签名报价失败")
	}

	handle, err := c.relay.Submit(ctx, supertx.SignedQuote{Quote: quote.Clone(), Signature: sig})
	if err == nil && handle.IsZero() {
		err = xerrors.New(xerrors.CodeRelayUnavailable, "中继未返回 handle")
	}
	if err != nil {
		if _, ok := xerrors.From(err); !ok {
			err = xerrors.Wrap(xerrors.CodeRelayUnavailable, err, "提交执行失败")
		}
		metrics.ObserveExecution(string(xerrors.CodeOf(err)))
		c.log.Warn("提交执行失败", slog.String("hash", quote.Hash.Hex()), slog.Any("error", err))
		return "", err
	}

	metrics.ObserveExecution("ok")
	logger.Audit().Info("supertx submitted",
		slog.String("hash", quote.Hash.Hex()),
		slog.String("handle", handle.String()),
		slog.String("owner", c.signer.Address().Hex()),
	)
	return handle, nil
}

// Run executes the quote and waits for its receipt.
func (c *Controller) Run(ctx context.Context, quote supertx.Quote, opts Options) (supertx.Handle, Receipt, error) {
	handle, err := c.Execute(ctx, quote)
	if err != nil {
		return "", Receipt{}, err
	}
	receipt, err := c.AwaitReceipt(ctx, handle, opts)
	return handle, receipt, err
}

// AwaitReceipt polls the relay every PollInterval until the handle reaches a
// terminal status, the WaitTimeout budget is spent or ctx is cancelled.
//
// A relay-reported terminal receipt is returned with a nil error whatever
// its status, and later calls return the same receipt. A cached
// MINED_SUCCESS is reused only when it is at least as deep as the requested
// confirmations; otherwise polling resumes and the deeper receipt replaces it. Running out of
// WaitTimeout yields an EXPIRED receipt and RECEIPT_EXPIRED. Exhausting the
// read retries yields POLLING_ERROR carrying the handle and the last status
// seen. Cancelling ctx only stops waiting; the relay keeps executing.
func (c *Controller) AwaitReceipt(ctx context.Context, handle supertx.Handle, opts Options) (Receipt, error) {
	if handle.IsZero() {
		return Receipt{}, xerrors.New(xerrors.CodeConfiguration, "handle 不能为空")
	}
	opts = opts.withDefaults(c.defaults)
	initial := StatusSubmitted
	if cached, ok, err := c.store.Get(ctx, handle); err != nil {
		c.log.Warn("读取回执缓存失败", slog.String("handle", handle.String()), slog.Any("error", err))
	} else if ok {
		if !cached.Succeeded() || cached.Confirmations >= opts.Confirmations {
			return cached, nil
		}
		// 已上链但深度不足本次要求，继续等待更多确认。
		initial = StatusPending
	}

	started := time.Now()
	waitCtx, cancel := context.WithTimeout(ctx, opts.WaitTimeout)
	defer cancel()
	ticker := time.NewTicker(opts.PollInterval)
	defer ticker.Stop()

	receipt := Receipt{Handle: handle, Status: initial, Required: opts.Confirmations}
	for {
		snap, err := c.poll(waitCtx, handle, receipt.Status, opts.PollAttempts)
		if err != nil {
			if ctx.Err() != nil {
				return receipt, ctx.Err()
			}
			if waitCtx.Err() != nil {
				return c.expire(receipt, opts, started)
			}
			return receipt, err
		}

		receipt.Status = advance(receipt.Status, snap, opts.Confirmations)
		receipt.Confirmations = snap.Confirmations
		receipt.BlockNumber = snap.BlockNumber
		receipt.Reason = snap.Reason
		receipt.ObservedAt = time.Now().UTC()
		c.log.Debug("回执状态", slog.String("handle", handle.String()),
			slog.String("relay_status", string(snap.Status)),
			slog.String("status", string(receipt.Status)),
			slog.Uint64("confirmations", snap.Confirmations))

		if receipt.Status.Terminal() {
			c.finish(ctx, receipt, started)
			return receipt, nil
		}

		select {
		case <-ctx.Done():
			return receipt, ctx.Err()
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return receipt, ctx.Err()
			}
			return c.expire(receipt, opts, started)
		case <-ticker.C:
		}
	}
}

// poll reads the relay status, retrying transient failures with exponential
// backoff up to attempts reads.
func (c *Controller) poll(ctx context.Context, handle supertx.Handle, last Status, attempts uint) (Snapshot, error) {
	snap, err := retry.DoWithData(
		func() (Snapshot, error) {
			s, err := c.relay.Status(ctx, handle)
			if err != nil {
				return Snapshot{}, err
			}
			if !s.Status.Known() {
				return Snapshot{}, xerrors.Newf(xerrors.CodeRelayUnavailable, "中继返回未知状态 %q", s.Status)
			}
			return s, nil
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(c.retryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(transient),
		retry.OnRetry(func(n uint, err error) {
			metrics.ObservePollRetry()
			c.log.Debug("查询执行状态失败，准备重试", slog.String("handle", handle.String()),
				slog.Uint64("attempt", uint64(n)+1), slog.Any("error", err))
		}),
	)
	if err == nil {
		return snap, nil
	}
	if ctx.Err() != nil {
		return Snapshot{}, ctx.Err()
	}
	return Snapshot{}, xerrors.Wrap(xerrors.CodePolling, err, "查询执行状态失败",
		xerrors.WithMetadata("handle", handle.String()),
		xerrors.WithMetadata("last_status", string(last)),
		xerrors.WithMetadata("attempts", strconv.FormatUint(uint64(attempts), 10)))
}

// transient reports whether a status read failure is worth retrying. Plain
// errors (network blips) are; coded errors follow their registry attribute.
func transient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if e, ok := xerrors.From(err); ok {
		return e.Retryable()
	}
	return true
}

// expire builds the local timeout receipt. It is not cached: the relay may
// still settle the handle and a later AwaitReceipt should see that.
func (c *Controller) expire(receipt Receipt, opts Options, started time.Time) (Receipt, error) {
	last := receipt.Status
	receipt.Status = StatusExpired
	receipt.Reason = "wait timeout " + opts.WaitTimeout.String()
	receipt.ObservedAt = time.Now().UTC()
	metrics.ObserveReceipt(string(StatusExpired), time.Since(started))
	logger.Audit().Warn("supertx wait expired",
		slog.String("handle", receipt.Handle.String()),
		slog.String("last_status", string(last)),
		slog.Duration("wait_timeout", opts.WaitTimeout),
	)
	return receipt, xerrors.New(xerrors.CodeReceiptExpired, "等待确认超时",
		xerrors.WithMetadata("handle", receipt.Handle.String()),
		xerrors.WithMetadata("last_status", string(last)))
}

func (c *Controller) finish(ctx context.Context, receipt Receipt, started time.Time) {
	if err := c.store.Put(context.WithoutCancel(ctx), receipt); err != nil {
		c.log.Warn("记录终态回执失败", slog.String("handle", receipt.Handle.String()), slog.Any("error", err))
	}
	metrics.ObserveReceipt(string(receipt.Status), time.Since(started))
	level := slog.LevelInfo
	if !receipt.Succeeded() {
		level = slog.LevelWarn
	}
	logger.Audit().Log(ctx, level, "supertx settled",
		slog.String("handle", receipt.Handle.String()),
		slog.String("status", string(receipt.Status)),
		slog.Uint64("confirmations", receipt.Confirmations),
		slog.String("reason", receipt.Reason),
	)
}
