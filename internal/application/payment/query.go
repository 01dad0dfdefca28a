package payment

import (
	"context"
	"errors"
	"time"

	dompay "github.com/Zhima-Mochi/directpay/internal/domain/payment"
	"github.com/Zhima-Mochi/directpay/internal/observability"
	"github.com/Zhima-Mochi/directpay/internal/observability/logctx"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	useCaseGetPayment         = "payment.get"
	useCaseGetAccountPayments = "payment.list_account"
)

type GetPaymentQuery struct {
	AccountID      string
	PaymentID      string
	WithPluginInfo bool
}

type AccountPaymentsQuery struct {
	AccountID      string
	WithPluginInfo bool
}

// GetPayment reads a payment from the ledger. Reads never touch the guard and may observe
// a payment mid-transition. AccountID, when set, must own the payment.
func (o *Orchestrator) GetPayment(ctx context.Context, q GetPaymentQuery) (_ *dompay.Payment, err error) {
	ctx, finish := o.trackQuery(ctx, useCaseGetPayment, attribute.String("payment.id", q.PaymentID))
	defer func() { finish(err) }()

	if q.PaymentID == "" {
		return nil, dompay.NewValidationError("", "payment id is required")
	}
	p, err := o.ledger.GetPayment(ctx, q.PaymentID)
	if errors.Is(err, dompay.ErrNotFound) || (err == nil && q.AccountID != "" && p.AccountID != q.AccountID) {
		return nil, dompay.NewNotFoundError("", q.PaymentID)
	}
	if err != nil {
		return nil, dompay.WrapRepositoryError(err)
	}
	if q.WithPluginInfo {
		o.attachPluginInfo(ctx, p)
	}
	return p, nil
}

// GetAccountPayments lists an account's payments in creation order.
func (o *Orchestrator) GetAccountPayments(ctx context.Context, q AccountPaymentsQuery) (_ []*dompay.Payment, err error) {
	ctx, finish := o.trackQuery(ctx, useCaseGetAccountPayments, attribute.String("account.id", q.AccountID))
	defer func() { finish(err) }()

	if q.AccountID == "" {
		return nil, dompay.NewValidationError("", "account id is required")
	}
	payments, err := o.ledger.ListPayments(ctx, q.AccountID)
	if err != nil {
		return nil, dompay.WrapRepositoryError(err)
	}
	if q.WithPluginInfo {
		for _, p := range payments {
			o.attachPluginInfo(ctx, p)
		}
	}
	return payments, nil
}

// attachPluginInfo queries the processor for the payment's latest attempt. Failures are
// reported on the PluginInfo and never fail the read; the ledger is not modified.
func (o *Orchestrator) attachPluginInfo(ctx context.Context, p *dompay.Payment) {
	info := &dompay.PluginInfo{
		PluginName:         p.PluginName,
		ProcessorReference: p.ProcessorReference,
		QueriedAt:          o.now().UTC(),
	}
	p.PluginInfo = info

	last := p.LastTransaction()
	if last == nil {
		return
	}
	plugin, err := o.gateways.Lookup(p.PluginName)
	if err != nil {
		info.Error = err.Error()
		return
	}
	res, err := o.caller.query(ctx, plugin, statusQuery(p, last))
	if err != nil {
		info.Error = err.Error()
		return
	}
	info.Status = res.Status
	info.RawResponse = res.RawResponse
	if res.ProcessorReference != "" {
		info.ProcessorReference = res.ProcessorReference
	}
}

func (o *Orchestrator) trackQuery(ctx context.Context, useCase string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	logger := logctx.FromOr(ctx, o.log).With(observability.F("use_case", useCase))
	ctx = logctx.With(ctx, logger)
	ctx, span := o.tel.Tracer().Start(ctx, spanPrefix+useCase, append(attrs, attribute.String("use_case", useCase))...)
	start := time.Now()

	return ctx, func(err error) {
		outcome, statusText := "success", "OK"
		if err != nil {
			outcome, statusText = "error", string(dompay.KindOf(err))
			span.RecordError(err)
			span.SetStatus(codes.Error, statusText)
		} else {
			span.SetStatus(codes.Ok, statusText)
		}
		span.End()

		latency := time.Since(start).Seconds()
		o.reqCounter.Add(1, observability.L("use_case", useCase), observability.L("outcome", outcome))
		o.durHist.Observe(latency, observability.L("use_case", useCase))

		fields := []observability.Field{
			observability.F("outcome", outcome),
			observability.F("status", statusText),
			observability.F("latency_seconds", latency),
		}
		if err != nil {
			fields = append(fields, observability.F("error", err.Error()))
		}
		logger.Debug("use_case_done", fields...)
	}
}
