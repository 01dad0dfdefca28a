package workerpresentation

import (
	"context"

	domoutbox "github.com/Zhima-Mochi/directpay/internal/domain/outbox"
	dompay "github.com/Zhima-Mochi/directpay/internal/domain/payment"
	"github.com/Zhima-Mochi/directpay/internal/observability"
	"github.com/Zhima-Mochi/directpay/internal/observability/logctx"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// WithEventContext injects a request-scoped logger for background/worker executions.
// Dynamic fields only: trace_id/span_id (if valid), event_id (generated if empty),
// plus caller-provided low-cardinality attributes (e.g. "worker", "event", "tenant_id").
func WithEventContext(
	ctx context.Context,
	base observability.Logger,
	tel observability.Observability,
	traceID trace.TraceID,
	spanID trace.SpanID,
	attrs map[string]string,
) context.Context {
	if base == nil {
		base = tel.Logger()
	}
	if attrs == nil {
		attrs = make(map[string]string)
	}

	fields := make([]observability.Field, 0, 6)

	evtID := attrs["event_id"]
	if evtID == "" {
		evtID = uuid.NewString()
	}
	fields = append(fields, observability.F("event_id", evtID))

	if traceID.IsValid() {
		fields = append(fields, observability.F("trace_id", traceID.String()))
	}
	if spanID.IsValid() {
		fields = append(fields, observability.F("span_id", spanID.String()))
	}

	for k, v := range attrs {
		if k == "event_id" || v == "" {
			continue
		}
		fields = append(fields, observability.F(k, v))
	}

	return logctx.With(ctx, base.With(fields...))
}

// Subscriber decorates every handler registered through it with a consumer span and an
// event-scoped logger, so background consumers log like HTTP requests do.
type Subscriber struct {
	inner  domoutbox.Subscriber
	worker string
	log    observability.Logger
	tel    observability.Observability
}

var _ domoutbox.Subscriber = (*Subscriber)(nil)

func NewSubscriber(inner domoutbox.Subscriber, worker string, logger observability.Logger, tel observability.Observability) *Subscriber {
	if tel == nil {
		tel = observability.Nop()
	}
	if logger == nil {
		logger = tel.Logger()
	}
	return &Subscriber{inner: inner, worker: worker, log: logger, tel: tel}
}

func (s *Subscriber) Subscribe(eventName string, h domoutbox.Handler) {
	s.inner.Subscribe(eventName, s.wrap(eventName, h))
}

func (s *Subscriber) wrap(eventName string, h domoutbox.Handler) domoutbox.Handler {
	return func(ctx context.Context, e domoutbox.Event) error {
		attrs := map[string]string{"worker": s.worker, "event": eventName}
		spanAttrs := []attribute.KeyValue{
			attribute.String("messaging.operation", "process"),
			attribute.String("messaging.destination", eventName),
			attribute.String("worker", s.worker),
		}
		if te, ok := transactionEvent(e); ok {
			attrs["event_id"] = te.TransactionID
			attrs["payment_id"] = te.PaymentID
			attrs["account_id"] = te.AccountID
			spanAttrs = append(spanAttrs, attribute.String("payment.id", te.PaymentID))
		}

		ctx, span := s.tel.Tracer().Start(ctx, "Consume "+eventName, spanAttrs...)
		defer span.End()
		sc := span.SpanContext()
		ctx = WithEventContext(ctx, s.log, s.tel, sc.TraceID(), sc.SpanID(), attrs)

		err := h(ctx, e)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "handler_failed")
			logctx.FromOr(ctx, s.log).Warn("event_handler_failed", observability.F("error", err.Error()))
			return err
		}
		span.SetStatus(codes.Ok, "OK")
		return nil
	}
}

func transactionEvent(e domoutbox.Event) (dompay.TransactionEvent, bool) {
	switch evt := e.(type) {
	case dompay.TransactionCompletedEvent:
		return evt.TransactionEvent, true
	case dompay.TransactionUnknownEvent:
		return evt.TransactionEvent, true
	case dompay.TransactionResolvedEvent:
		return evt.TransactionEvent, true
	case dompay.TransactionUnresolvedEvent:
		return evt.TransactionEvent, true
	}
	return dompay.TransactionEvent{}, false
}
