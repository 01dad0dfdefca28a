package workerpresentation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	domoutbox "github.com/Zhima-Mochi/directpay/internal/domain/outbox"
	dompay "github.com/Zhima-Mochi/directpay/internal/domain/payment"
	"github.com/Zhima-Mochi/directpay/internal/observability"
	"github.com/Zhima-Mochi/directpay/internal/observability/logctx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

type captureLogger struct {
	mu     *sync.Mutex
	fields []observability.Field
	lines  *[]string
}

func newCaptureLogger() *captureLogger {
	return &captureLogger{mu: &sync.Mutex{}, lines: &[]string{}}
}

func (l *captureLogger) With(fields ...observability.Field) observability.Logger {
	next := *l
	next.fields = append(append([]observability.Field(nil), l.fields...), fields...)
	return &next
}

func (l *captureLogger) log(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	*l.lines = append(*l.lines, msg)
}

func (l *captureLogger) Debug(msg string, _ ...observability.Field) { l.log(msg) }
func (l *captureLogger) Info(msg string, _ ...observability.Field)  { l.log(msg) }
func (l *captureLogger) Warn(msg string, _ ...observability.Field)  { l.log(msg) }
func (l *captureLogger) Error(msg string, _ ...observability.Field) { l.log(msg) }

func (l *captureLogger) field(key string) (any, bool) {
	for _, f := range l.fields {
		if f.Key == key {
			return f.Value, true
		}
	}
	return nil, false
}

type handlerSink struct {
	handlers map[string]domoutbox.Handler
}

func (s *handlerSink) Subscribe(eventName string, h domoutbox.Handler) {
	s.handlers[eventName] = h
}

func TestWithEventContext_GeneratesEventID(t *testing.T) {
	base := newCaptureLogger()
	ctx := WithEventContext(context.Background(), base, observability.Nop(), trace.TraceID{}, trace.SpanID{},
		map[string]string{"worker": "relay", "empty": ""})

	logger, ok := logctx.FromOr(ctx, nil).(*captureLogger)
	require.True(t, ok)
	id, ok := logger.field("event_id")
	assert.True(t, ok)
	assert.NotEmpty(t, id)
	worker, _ := logger.field("worker")
	assert.Equal(t, "relay", worker)
	_, ok = logger.field("empty")
	assert.False(t, ok)
	_, ok = logger.field("trace_id")
	assert.False(t, ok)
}

func TestSubscriber_DecoratesHandlers(t *testing.T) {
	sink := &handlerSink{handlers: map[string]domoutbox.Handler{}}
	base := newCaptureLogger()
	sub := NewSubscriber(sink, "reconcile-worker", base, nil)

	p, err := dompay.New("pay-1", "acct-1", "order-1", "simulator", "USD", timeZero())
	require.NoError(t, err)
	txn := &dompay.Transaction{ID: "txn-1", Type: dompay.OpAuthorize, Status: dompay.StatusUnknown}
	evt := dompay.NewTransactionUnknownEvent(p, txn)

	var seen *captureLogger
	sub.Subscribe(evt.EventName(), func(ctx context.Context, _ domoutbox.Event) error {
		seen, _ = logctx.FromOr(ctx, nil).(*captureLogger)
		return errors.New("boom")
	})

	h, ok := sink.handlers[evt.EventName()]
	require.True(t, ok)
	err = h(context.Background(), evt)
	require.EqualError(t, err, "boom")

	require.NotNil(t, seen)
	eventID, _ := seen.field("event_id")
	assert.Equal(t, "txn-1", eventID)
	paymentID, _ := seen.field("payment_id")
	assert.Equal(t, "pay-1", paymentID)
	assert.Contains(t, *base.lines, "event_handler_failed")
}

func timeZero() time.Time { return time.Unix(0, 0) }
