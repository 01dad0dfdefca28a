package idempotency

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/Zhima-Mochi/directpay/internal/domain/payment"
)

var (
	ErrNotFound = errors.New("idempotency: reservation not found")
	ErrConflict = errors.New("idempotency: reservation state conflict")
)

// State of a reservation record.
type State string

const (
	StateInFlight  State = "IN_FLIGHT"
	StateCompleted State = "COMPLETED"
)

// Kind separates operation keys from per-payment serialization slots.
type Kind string

const (
	KindOperation Kind = "operation"
	KindSlot      Kind = "slot"
)

// Key scopes a reservation to (account, operation, subject).
type Key struct {
	AccountID string
	Scope     string
	Subject   string
}

func (k Key) String() string {
	return strings.Join([]string{k.AccountID, k.Scope, k.Subject}, "|")
}

// CreationKey scopes an AUTHORIZE or PURCHASE by the caller's external key.
func CreationKey(accountID string, op payment.OperationType, externalKey string) Key {
	return Key{AccountID: accountID, Scope: string(op), Subject: "ext:" + externalKey}
}

// OperationKey scopes a follow-up operation by payment and caller request key.
func OperationKey(accountID string, op payment.OperationType, paymentID, requestKey string) Key {
	return Key{AccountID: accountID, Scope: string(op), Subject: "pay:" + paymentID + ":" + requestKey}
}

// SlotKey is the per-payment mutual exclusion slot.
func SlotKey(accountID, paymentID string) Key {
	return Key{AccountID: accountID, Scope: "PAYMENT", Subject: "pay:" + paymentID}
}

// Outcome is what a completed reservation replays.
type Outcome struct {
	Status        payment.TransactionStatus
	PaymentID     string
	TransactionID string
}

type Record struct {
	Key           string
	Kind          Kind
	State         State
	Owner         string
	PaymentID     string
	TransactionID string
	Outcome       *Outcome
	CreatedAt     time.Time
	UpdatedAt     time.Time
	ExpiresAt     time.Time
}

// Bound reports whether a transaction was recorded under the reservation.
func (r Record) Bound() bool { return r.TransactionID != "" }

func (r Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// Store persists reservation records. Reserve must be atomic across processes sharing the store.
type Store interface {
	// Reserve inserts rec when no live record exists under rec.Key.
	// It returns (nil, true) on insert, or the existing record and false.
	Reserve(ctx context.Context, rec Record) (*Record, bool, error)
	Bind(ctx context.Context, key, paymentID, transactionID string) error
	Complete(ctx context.Context, key string, outcome Outcome, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Get(ctx context.Context, key string) (*Record, error)
	// ListInFlight returns IN_FLIGHT records created before cutoff.
	ListInFlight(ctx context.Context, cutoff time.Time) ([]Record, error)
}
