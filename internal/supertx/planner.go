package supertx

import (
	"context"
	"log/slog"
	"time"

	"OpenMEE-Chain/internal/composable"
	xerrors "OpenMEE-Chain/internal/errors"
	"OpenMEE-Chain/internal/observability/metrics"
	"OpenMEE-Chain/pkg/logger"
)

// Quoter prices an assembled batch.
type Quoter interface {
	Quote(ctx context.Context, req QuoteRequest) (Quote, error)
}

// QuoterFunc adapts a function to Quoter.
type QuoterFunc func(ctx context.Context, req QuoteRequest) (Quote, error)

// Quote implements Quoter.
func (f QuoterFunc) Quote(ctx context.Context, req QuoteRequest) (Quote, error) {
	return f(ctx, req)
}

// Planner turns instructions into priced quotes.
type Planner struct {
	quoter Quoter
	now    func() time.Time
	log    *slog.Logger
}

// PlannerOption 自定义 Planner 行为。
type PlannerOption func(*Planner)

// WithClock 替换时间来源，便于测试报价过期。
func WithClock(now func() time.Time) PlannerOption {
	return func(p *Planner) {
		if now != nil {
			p.now = now
		}
	}
}

// NewPlanner 创建 Planner。
func NewPlanner(q Quoter, opts ...PlannerOption) *Planner {
	p := &Planner{quoter: q, now: time.Now, log: logger.Named("supertx")}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Plan assembles the batch and prices it.
func (p *Planner) Plan(ctx context.Context, owner Owner, instructions []composable.Instruction, trigger Trigger, fee FeeToken) (Quote, error) {
	req, err := Assemble(owner, instructions, trigger, fee)
	if err != nil {
		return Quote{}, err
	}
	return p.GetQuote(ctx, req)
}

// GetQuote asks the quoting service for a price. Every failure comes back as
// QUOTE_UNAVAILABLE and is not retried here: the caller decides whether to
// re-assemble with different parameters.
func (p *Planner) GetQuote(ctx context.Context, req QuoteRequest) (Quote, error) {
	if p == nil || p.quoter == nil {
		return Quote{}, xerrors.New(xerrors.CodeConfiguration, "未配置报价服务")
	}
	start := p.now()
	q, err := p.quoter.Quote(ctx, req.Clone())
	elapsed := time.Since(start)
	if err == nil {
		err = p.check(q)
	}
	if err != nil {
		if !xerrors.HasCode(err, xerrors.CodeQuoteUnavailable) {
			err = xerrors.Wrap(xerrors.CodeQuoteUnavailable, err, "获取报价失败")
		}
		metrics.ObserveQuote(string(xerrors.CodeQuoteUnavailable), elapsed)
		p.log.Warn("获取报价失败", slog.Int("instructions", len(req.Instructions)), slog.Any("error", err))
		return Quote{}, err
	}

	q = q.Clone()
	q.Request = req.Clone()
	if q.IssuedAt.IsZero() {
		q.IssuedAt = start.UTC()
	}
	metrics.ObserveQuote("ok", elapsed)
	logger.Audit().Info("supertx quoted",
		slog.String("hash", q.Hash.Hex()),
		slog.String("owner", req.Owner.Hex()),
		slog.Int("instructions", len(req.Instructions)),
		slog.String("fee_token", q.PaymentInfo.Token.Hex()),
		slog.String("fee_amount", q.PaymentInfo.TokenAmount),
		slog.Time("expires_at", q.ExpiresAt),
	)
	return q, nil
}

func (p *Planner) check(q Quote) error {
	if q.IsZero() {
		return xerrors.New(xerrors.CodeQuoteUnavailable, "报价服务未返回 hash")
	}
	if q.Expired(p.now()) {
		return xerrors.New(xerrors.CodeQuoteUnavailable, "报价已过期",
			xerrors.WithMetadata("hash", q.Hash.Hex()))
	}
	return nil
}
