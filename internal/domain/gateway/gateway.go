package gateway

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/Zhima-Mochi/directpay/internal/domain/payment"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotAttempted tells the caller the request never reached the processor.
	ErrNotAttempted = errors.New("gateway: request not attempted")
	// ErrUnsupported is returned when a plugin lacks the capability for an operation.
	ErrUnsupported = errors.New("gateway: operation not supported by plugin")
)

// Request is one processor call for one Transaction.
type Request struct {
	Operation          payment.OperationType
	AccountID          string
	PaymentID          string
	TransactionID      string
	Amount             *decimal.Decimal
	Currency           string
	IdempotencyKey     string
	ProcessorReference string
	Properties         map[string]string
}

// Result is a processor response normalized to SUCCESS, FAILED or UNKNOWN.
type Result struct {
	Status             payment.TransactionStatus
	ProcessorReference string
	ErrorCode          string
	ErrorMessage       string
	RawResponse        json.RawMessage
}

// NotAttempted reports whether the result stands for a call that never left the process.
func (r Result) NotAttempted() bool {
	return r.Status == payment.StatusFailed && r.ErrorCode == payment.ErrorCodeNotAttempted
}

// StatusQuery identifies an earlier attempt for a status lookup.
type StatusQuery struct {
	Operation          payment.OperationType
	PaymentID          string
	TransactionID      string
	IdempotencyKey     string
	ProcessorReference string
	Amount             *decimal.Decimal
}

// Plugin is a processor integration. Capabilities are expressed by the
// optional interfaces below; a plugin implements only what its processor offers.
type Plugin interface {
	Name() string
}

type Authorizer interface {
	Authorize(ctx context.Context, req Request) (Result, error)
}

type Capturer interface {
	Capture(ctx context.Context, req Request) (Result, error)
}

type Purchaser interface {
	Purchase(ctx context.Context, req Request) (Result, error)
}

type Voider interface {
	Void(ctx context.Context, req Request) (Result, error)
}

type Crediter interface {
	Credit(ctx context.Context, req Request) (Result, error)
}

// StatusQuerier looks up the processor's record of an earlier attempt.
type StatusQuerier interface {
	QueryStatus(ctx context.Context, q StatusQuery) (Result, error)
}

// MultiCapturer is implemented by plugins whose processor accepts several partial captures
// against one authorization. Without it a payment is captured at most once.
type MultiCapturer interface {
	MultipleCaptures() bool
}

func SupportsMultipleCaptures(p Plugin) bool {
	mc, ok := p.(MultiCapturer)
	return ok && mc.MultipleCaptures()
}

type call func(ctx context.Context, req Request) (Result, error)

func capability(p Plugin, op payment.OperationType) (call, bool) {
	switch op {
	case payment.OpAuthorize:
		if c, ok := p.(Authorizer); ok {
			return c.Authorize, true
		}
	case payment.OpCapture:
		if c, ok := p.(Capturer); ok {
			return c.Capture, true
		}
	case payment.OpPurchase:
		if c, ok := p.(Purchaser); ok {
			return c.Purchase, true
		}
	case payment.OpVoid:
		if c, ok := p.(Voider); ok {
			return c.Void, true
		}
	case payment.OpCredit:
		if c, ok := p.(Crediter); ok {
			return c.Credit, true
		}
	}
	return nil, false
}

// Supports reports whether p can execute op.
func Supports(p Plugin, op payment.OperationType) bool {
	_, ok := capability(p, op)
	return ok
}
