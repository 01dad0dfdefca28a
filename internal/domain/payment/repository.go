package payment

import (
	"context"
	"time"
)

// Ledger is the durable record of payments and their transaction logs.
// Every write is atomic per Payment.
type Ledger interface {
	// CreatePayment stores a new INIT payment. ErrConflict when (accountID, externalKey) already exists.
	CreatePayment(ctx context.Context, p *Payment) error
	// AppendTransaction appends txn to the payment's log and returns the refreshed payment.
	// ErrConflict when the last transaction is unresolved and txn is not its reconciliation verdict.
	AppendTransaction(ctx context.Context, paymentID string, txn *Transaction) (*Payment, error)
	// UpdateTransaction records the outcome of a PENDING transaction. ErrConflict when it is no longer PENDING.
	UpdateTransaction(ctx context.Context, paymentID string, txn *Transaction) (*Payment, error)
	// UpdatePaymentState persists the derived state and accumulators.
	UpdatePaymentState(ctx context.Context, p *Payment) error
	GetPayment(ctx context.Context, id string) (*Payment, error)
	GetPaymentByExternalKey(ctx context.Context, accountID, externalKey string) (*Payment, error)
	ListPayments(ctx context.Context, accountID string) ([]*Payment, error)
	// ListUnresolved returns payments whose last transaction is PENDING or UNKNOWN and older than cutoff.
	ListUnresolved(ctx context.Context, cutoff time.Time, limit int) ([]*Payment, error)
}
