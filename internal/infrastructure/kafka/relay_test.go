package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	domoutbox "github.com/Zhima-Mochi/directpay/internal/domain/outbox"
	"github.com/Zhima-Mochi/directpay/internal/domain/payment"
	"github.com/Zhima-Mochi/directpay/internal/observability"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

type recordingSubscriber struct{ names []string }

func (s *recordingSubscriber) Subscribe(name string, _ domoutbox.Handler) {
	s.names = append(s.names, name)
}

func samplePayment() (*payment.Payment, *payment.Transaction) {
	p, _ := payment.New("pay-1", "acct-1", "order-1", "simulator", "USD", time.Now())
	amount := decimal.RequireFromString("42.50")
	t := &payment.Transaction{
		ID: "txn-1", PaymentID: p.ID, Type: payment.OpAuthorize, Amount: &amount,
		Currency: "USD", Status: payment.StatusUnknown,
	}
	p.Transactions = append(p.Transactions, t)
	p.Refresh()
	return p, t
}

func TestRelay_WritesKeyedMessage(t *testing.T) {
	w := &fakeWriter{}
	relay := NewRelay(w, observability.NopLogger(), nil)
	p, txn := samplePayment()

	require.NoError(t, relay.Handle(context.Background(), payment.NewTransactionUnknownEvent(p, txn)))

	require.Len(t, w.msgs, 1)
	msg := w.msgs[0]
	assert.Equal(t, "pay-1", string(msg.Key))
	require.Len(t, msg.Headers, 1)
	assert.Equal(t, "payment.transaction_unknown", string(msg.Headers[0].Value))

	var body map[string]any
	require.NoError(t, json.Unmarshal(msg.Value, &body))
	assert.Equal(t, "42.5", body["amount"])
	assert.Equal(t, "UNKNOWN", body["status"])
	assert.Equal(t, string(payment.StateAuthPending), body["state"])
}

func TestRelay_ResolvedCarriesTargetAttempt(t *testing.T) {
	w := &fakeWriter{}
	relay := NewRelay(w, observability.NopLogger(), nil)
	p, txn := samplePayment()
	verdict := txn.Clone()
	verdict.ID = "txn-2"
	verdict.ResolvesTransactionID = txn.ID
	verdict.Status = payment.StatusSuccess

	require.NoError(t, relay.Handle(context.Background(), payment.NewTransactionResolvedEvent(p, verdict)))

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &body))
	assert.Equal(t, "txn-1", body["resolved_transaction_id"])
}

func TestRelay_WriteFailureIsReturned(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	relay := NewRelay(w, observability.NopLogger(), nil)
	p, txn := samplePayment()

	err := relay.Handle(context.Background(), payment.NewTransactionCompletedEvent(p, txn))
	assert.EqualError(t, err, "broker down")
}

func TestRelay_RegisterSubscribesEveryEvent(t *testing.T) {
	sub := &recordingSubscriber{}
	NewRelay(&fakeWriter{}, observability.NopLogger(), nil).Register(sub)
	assert.ElementsMatch(t, RelayedEvents, sub.names)
}
