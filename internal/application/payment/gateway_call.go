package payment

import (
	"context"
	"strings"
	"time"

	"github.com/Zhima-Mochi/directpay/internal/domain/gateway"
	dompay "github.com/Zhima-Mochi/directpay/internal/domain/payment"
	"github.com/Zhima-Mochi/directpay/internal/observability"
	"github.com/Zhima-Mochi/directpay/internal/observability/logctx"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const endpointStatus = "status"

// gatewayCaller wraps processor calls with tracing, external request metrics and logging.
type gatewayCaller struct {
	tracer  observability.Tracer
	log     observability.Logger
	counter observability.Counter   // external_requests_total{peer,endpoint,outcome}
	hist    observability.Histogram // external_request_duration_seconds{peer,endpoint}
	timeout time.Duration
}

func newGatewayCaller(tel observability.Observability, logger observability.Logger, timeout time.Duration) *gatewayCaller {
	if tel == nil {
		tel = observability.Nop()
	}
	return &gatewayCaller{
		tracer:  tel.Tracer(),
		log:     logger,
		counter: tel.Metrics().Counter(observability.MExternalRequests),
		hist:    tel.Metrics().Histogram(observability.MExternalRequestDuration),
		timeout: timeout,
	}
}

// execute performs one gateway attempt. The caller must never retry with a different idempotency key.
func (c *gatewayCaller) execute(ctx context.Context, plugin gateway.Plugin, req gateway.Request) (gateway.Result, error) {
	endpoint := req.Operation.Lower()
	ctx, span := c.tracer.Start(ctx, "Gateway."+string(req.Operation),
		attribute.String("peer.service", plugin.Name()),
		attribute.String("payment.id", req.PaymentID),
		attribute.String("transaction.id", req.TransactionID),
	)
	start := time.Now()
	res, err := gateway.Execute(ctx, plugin, req, c.timeout)
	c.observe(ctx, span, plugin.Name(), endpoint, start, res, err)
	return res, err
}

// query looks up the processor's record of an earlier attempt.
func (c *gatewayCaller) query(ctx context.Context, plugin gateway.Plugin, q gateway.StatusQuery) (gateway.Result, error) {
	querier, ok := plugin.(gateway.StatusQuerier)
	if !ok {
		return gateway.Result{Status: dompay.StatusUnknown}, gateway.ErrUnsupported
	}
	ctx, span := c.tracer.Start(ctx, "Gateway.QueryStatus",
		attribute.String("peer.service", plugin.Name()),
		attribute.String("payment.id", q.PaymentID),
		attribute.String("transaction.id", q.TransactionID),
	)
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	start := time.Now()
	res, err := querier.QueryStatus(ctx, q)
	if err == nil {
		res = gateway.Normalize(res, nil)
	}
	c.observe(ctx, span, plugin.Name(), endpointStatus, start, res, err)
	return res, err
}

func (c *gatewayCaller) observe(ctx context.Context, span trace.Span, peer, endpoint string, start time.Time, res gateway.Result, err error) {
	latency := time.Since(start).Seconds()
	outcome := strings.ToLower(string(res.Status))
	switch {
	case err != nil:
		outcome = "error"
	case res.NotAttempted():
		outcome = dompay.ErrorCodeNotAttempted
	}

	span.SetAttributes(
		attribute.String("gateway.status", string(res.Status)),
		attribute.String("gateway.error_code", res.ErrorCode),
		attribute.String("gateway.processor_reference", res.ProcessorReference),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	} else if res.Status != dompay.StatusSuccess {
		span.SetStatus(codes.Error, res.ErrorCode)
	} else {
		span.SetStatus(codes.Ok, outcome)
	}
	span.End()

	c.counter.Add(1,
		observability.L("peer", peer),
		observability.L("endpoint", endpoint),
		observability.L("outcome", outcome),
	)
	c.hist.Observe(latency,
		observability.L("peer", peer),
		observability.L("endpoint", endpoint),
	)

	fields := []observability.Field{
		observability.F("peer", peer),
		observability.F("endpoint", endpoint),
		observability.F("outcome", outcome),
		observability.F("latency_seconds", latency),
	}
	if res.ErrorCode != "" {
		fields = append(fields, observability.F("gateway_error_code", res.ErrorCode))
	}
	if err != nil {
		fields = append(fields, observability.F("error", err.Error()))
	}
	logctx.FromOr(ctx, c.log).Info("gateway_call_done", fields...)
}

func statusQuery(p *dompay.Payment, t *dompay.Transaction) gateway.StatusQuery {
	ref := t.ProcessorReference
	if ref == "" {
		ref = p.ProcessorReference
	}
	return gateway.StatusQuery{
		Operation:          t.Type,
		PaymentID:          p.ID,
		TransactionID:      t.ID,
		IdempotencyKey:     t.IdempotencyKey,
		ProcessorReference: ref,
		Amount:             t.Amount,
	}
}
