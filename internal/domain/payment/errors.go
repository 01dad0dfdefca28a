package payment

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidState         = errors.New("payment: invalid state")
	ErrConcurrentOperation  = errors.New("payment: concurrent operation in flight")
	ErrIndeterminateOutcome = errors.New("payment: gateway outcome indeterminate")
	ErrGatewayDeclined      = errors.New("payment: declined by gateway")
	ErrTransientGateway     = errors.New("payment: transient gateway failure")
	ErrValidation           = errors.New("payment: invalid request")
	ErrNotFound             = errors.New("payment: not found")
	ErrConflict             = errors.New("payment: conflict")
	ErrAmountExceeded       = errors.New("payment: amount exceeds remaining balance")
	ErrRepository           = errors.New("payment: repository failure")

	ErrMissingPaymentID   = errors.New("payment: id is required")
	ErrMissingAccount     = errors.New("payment: account id is required")
	ErrMissingExternalKey = errors.New("payment: external key is required")
)

// ErrorKind classifies a failed operation for callers.
type ErrorKind string

const (
	KindNone                ErrorKind = ""
	KindInvalidState        ErrorKind = "INVALID_STATE"
	KindConcurrentOperation ErrorKind = "CONCURRENT_OPERATION"
	KindIndeterminate       ErrorKind = "INDETERMINATE_OUTCOME"
	KindGatewayDeclined     ErrorKind = "GATEWAY_DECLINED"
	KindTransientGateway    ErrorKind = "TRANSIENT_GATEWAY"
	KindValidation          ErrorKind = "VALIDATION"
	KindNotFound            ErrorKind = "NOT_FOUND"
	KindInternal            ErrorKind = "INTERNAL"
)

func (k ErrorKind) sentinel() error {
	switch k {
	case KindInvalidState:
		return ErrInvalidState
	case KindConcurrentOperation:
		return ErrConcurrentOperation
	case KindIndeterminate:
		return ErrIndeterminateOutcome
	case KindGatewayDeclined:
		return ErrGatewayDeclined
	case KindTransientGateway:
		return ErrTransientGateway
	case KindValidation:
		return ErrValidation
	case KindNotFound:
		return ErrNotFound
	}
	return nil
}

// OperationError is the typed failure returned by every payment operation.
type OperationError struct {
	Kind          ErrorKind
	Op            OperationType
	PaymentID     string
	TransactionID string
	Code          string
	Reason        string
	Err           error
}

func (e *OperationError) Error() string {
	msg := fmt.Sprintf("payment %s", e.Kind)
	if e.Op != "" {
		msg += " on " + string(e.Op)
	}
	if e.PaymentID != "" {
		msg += " [" + e.PaymentID + "]"
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *OperationError) Unwrap() error { return e.Err }

// Is matches the sentinel of the error's kind.
func (e *OperationError) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

func NewInvalidStateError(op OperationType, paymentID, reason string, cause error) *OperationError {
	return &OperationError{Kind: KindInvalidState, Op: op, PaymentID: paymentID, Reason: reason, Err: cause}
}

func NewConcurrentOperationError(op OperationType, paymentID, inFlightTxnID string) *OperationError {
	reason := "another operation is in flight"
	if inFlightTxnID != "" {
		reason = "transaction " + inFlightTxnID + " is unresolved"
	}
	return &OperationError{Kind: KindConcurrentOperation, Op: op, PaymentID: paymentID, TransactionID: inFlightTxnID, Reason: reason}
}

func NewIndeterminateOutcomeError(op OperationType, paymentID, txnID string, cause error) *OperationError {
	return &OperationError{Kind: KindIndeterminate, Op: op, PaymentID: paymentID, TransactionID: txnID,
		Reason: "awaiting reconciliation", Err: cause}
}

func NewGatewayDeclinedError(op OperationType, paymentID, txnID, code, message string) *OperationError {
	return &OperationError{Kind: KindGatewayDeclined, Op: op, PaymentID: paymentID, TransactionID: txnID, Code: code, Reason: message}
}

func NewTransientGatewayError(op OperationType, paymentID, txnID string, cause error) *OperationError {
	return &OperationError{Kind: KindTransientGateway, Op: op, PaymentID: paymentID, TransactionID: txnID,
		Reason: "gateway not reached, retry with the same key", Err: cause}
}

func NewValidationError(op OperationType, reason string) *OperationError {
	return &OperationError{Kind: KindValidation, Op: op, Reason: reason}
}

func NewNotFoundError(op OperationType, paymentID string) *OperationError {
	return &OperationError{Kind: KindNotFound, Op: op, PaymentID: paymentID, Err: ErrNotFound}
}

// KindOf classifies any error returned by the payment core.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	var opErr *OperationError
	if errors.As(err, &opErr) {
		return opErr.Kind
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrValidation):
		return KindValidation
	}
	return KindInternal
}

// WrapRepositoryError tags a storage failure while keeping the driver error inspectable.
func WrapRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) || errors.Is(err, ErrRepository) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrRepository, err)
}
