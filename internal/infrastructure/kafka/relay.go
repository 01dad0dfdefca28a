// Package kafka relays payment events from the in-process bus to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	domoutbox "github.com/Zhima-Mochi/directpay/internal/domain/outbox"
	"github.com/Zhima-Mochi/directpay/internal/domain/payment"
	"github.com/Zhima-Mochi/directpay/internal/observability"
	"github.com/Zhima-Mochi/directpay/internal/observability/logctx"
	"github.com/segmentio/kafka-go"
)

// RelayedEvents lists the bus events forwarded to the broker.
var RelayedEvents = []string{
	payment.TransactionCompletedEvent{}.EventName(),
	payment.TransactionUnknownEvent{}.EventName(),
	payment.TransactionResolvedEvent{}.EventName(),
	payment.TransactionUnresolvedEvent{}.EventName(),
}

// MessageWriter is the subset of *kafka.Writer the relay needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewWriter builds a producer keyed by payment id so a payment's events stay ordered.
func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 50 * time.Millisecond,
	}
}

type Relay struct {
	writer  MessageWriter
	log     observability.Logger
	relayed observability.Counter // events_relayed_total{event,outcome}
}

func NewRelay(writer MessageWriter, logger observability.Logger, tel observability.Observability) *Relay {
	if tel == nil {
		tel = observability.Nop()
	}
	return &Relay{
		writer:  writer,
		log:     logger.With(observability.F("component", "kafka_relay")),
		relayed: tel.Metrics().Counter(observability.MEventsRelayed),
	}
}

// Register subscribes the relay to every payment event.
func (r *Relay) Register(sub domoutbox.Subscriber) {
	for _, name := range RelayedEvents {
		sub.Subscribe(name, r.Handle)
	}
}

type message struct {
	Event                 string    `json:"event"`
	PaymentID             string    `json:"payment_id"`
	AccountID             string    `json:"account_id"`
	TransactionID         string    `json:"transaction_id"`
	ResolvedTransactionID string    `json:"resolved_transaction_id,omitempty"`
	Type                  string    `json:"type"`
	Status                string    `json:"status"`
	Amount                string    `json:"amount,omitempty"`
	Currency              string    `json:"currency"`
	State                 string    `json:"state"`
	Reason                string    `json:"reason,omitempty"`
	OccurredAt            time.Time `json:"occurred_at"`
}

func toMessage(e domoutbox.Event) (message, bool) {
	var (
		base     payment.TransactionEvent
		resolved string
	)
	switch ev := e.(type) {
	case payment.TransactionCompletedEvent:
		base = ev.TransactionEvent
	case payment.TransactionUnknownEvent:
		base = ev.TransactionEvent
	case payment.TransactionResolvedEvent:
		base, resolved = ev.TransactionEvent, ev.ResolvedTransactionID
	case payment.TransactionUnresolvedEvent:
		base = ev.TransactionEvent
	default:
		return message{}, false
	}
	return message{
		Event:                 e.EventName(),
		PaymentID:             base.PaymentID,
		AccountID:             base.AccountID,
		TransactionID:         base.TransactionID,
		ResolvedTransactionID: resolved,
		Type:                  string(base.Type),
		Status:                string(base.Status),
		Amount:                base.Amount,
		Currency:              base.Currency,
		State:                 string(base.State),
		Reason:                base.Reason,
		OccurredAt:            base.OccurredAt,
	}, true
}

// Handle is the bus handler. Failed writes are logged and counted; the ledger stays authoritative.
func (r *Relay) Handle(ctx context.Context, e domoutbox.Event) error {
	name := e.EventName()
	logger := logctx.FromOr(ctx, r.log)

	msg, ok := toMessage(e)
	if !ok {
		r.relayed.Add(1, observability.L("event", name), observability.L("outcome", "skipped"))
		return nil
	}
	body, err := json.Marshal(msg)
	if err != nil {
		r.relayed.Add(1, observability.L("event", name), observability.L("outcome", "error"))
		return fmt.Errorf("encode %s: %w", name, err)
	}

	err = r.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(msg.PaymentID),
		Value:   body,
		Headers: []kafka.Header{{Key: "event", Value: []byte(name)}},
		Time:    msg.OccurredAt,
	})
	if err != nil {
		r.relayed.Add(1, observability.L("event", name), observability.L("outcome", "error"))
		logger.Warn("event_relay_failed",
			observability.F("event", name),
			observability.F("payment_id", msg.PaymentID),
			observability.F("error", err.Error()),
		)
		return err
	}
	r.relayed.Add(1, observability.L("event", name), observability.L("outcome", "success"))
	logger.Debug("event_relayed", observability.F("event", name), observability.F("payment_id", msg.PaymentID))
	return nil
}

func (r *Relay) Close() error {
	return r.writer.Close()
}
