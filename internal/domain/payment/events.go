package payment

import "time"

// TransactionEvent is the payload shared by all payment events.
type TransactionEvent struct {
	PaymentID     string
	AccountID     string
	TransactionID string
	Type          OperationType
	Status        TransactionStatus
	Amount        string
	Currency      string
	State         State
	Reason        string
	OccurredAt    time.Time
}

func newTransactionEvent(p *Payment, t *Transaction) TransactionEvent {
	e := TransactionEvent{
		PaymentID:     p.ID,
		AccountID:     p.AccountID,
		TransactionID: t.ID,
		Type:          t.Type,
		Status:        t.Status,
		Currency:      t.Currency,
		State:         p.State,
		OccurredAt:    time.Now().UTC(),
	}
	if t.Amount != nil {
		e.Amount = t.Amount.String()
	}
	return e
}

// TransactionCompletedEvent is emitted when a gateway attempt ends in SUCCESS or FAILED.
type TransactionCompletedEvent struct{ TransactionEvent }

func (TransactionCompletedEvent) EventName() string { return "payment.transaction_completed" }

func NewTransactionCompletedEvent(p *Payment, t *Transaction) TransactionCompletedEvent {
	return TransactionCompletedEvent{newTransactionEvent(p, t)}
}

// TransactionUnknownEvent is emitted when a gateway outcome could not be determined.
type TransactionUnknownEvent struct{ TransactionEvent }

func (TransactionUnknownEvent) EventName() string { return "payment.transaction_unknown" }

func NewTransactionUnknownEvent(p *Payment, t *Transaction) TransactionUnknownEvent {
	return TransactionUnknownEvent{newTransactionEvent(p, t)}
}

// TransactionResolvedEvent is emitted when reconciliation settles an UNKNOWN attempt.
type TransactionResolvedEvent struct {
	TransactionEvent
	ResolvedTransactionID string
}

func (TransactionResolvedEvent) EventName() string { return "payment.transaction_resolved" }

func NewTransactionResolvedEvent(p *Payment, verdict *Transaction) TransactionResolvedEvent {
	return TransactionResolvedEvent{
		TransactionEvent:      newTransactionEvent(p, verdict),
		ResolvedTransactionID: verdict.ResolvesTransactionID,
	}
}

// TransactionUnresolvedEvent surfaces an attempt reconciliation could not settle.
type TransactionUnresolvedEvent struct{ TransactionEvent }

func (TransactionUnresolvedEvent) EventName() string { return "payment.transaction_unresolved" }

func NewTransactionUnresolvedEvent(p *Payment, t *Transaction, reason string) TransactionUnresolvedEvent {
	e := TransactionUnresolvedEvent{newTransactionEvent(p, t)}
	e.Reason = reason
	return e
}
