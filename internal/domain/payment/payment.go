package payment

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// OperationType names one of the five payment verbs.
type OperationType string

const (
	OpAuthorize OperationType = "AUTHORIZE"
	OpCapture   OperationType = "CAPTURE"
	OpPurchase  OperationType = "PURCHASE"
	OpVoid      OperationType = "VOID"
	OpCredit    OperationType = "CREDIT"
)

func (o OperationType) Valid() bool {
	switch o {
	case OpAuthorize, OpCapture, OpPurchase, OpVoid, OpCredit:
		return true
	}
	return false
}

// IsCreation reports whether the operation may create a Payment.
func (o OperationType) IsCreation() bool { return o == OpAuthorize || o == OpPurchase }

// Lower returns the operation name used in metric labels and routes.
func (o OperationType) Lower() string { return strings.ToLower(string(o)) }

// TransactionStatus is the outcome of one gateway attempt.
type TransactionStatus string

const (
	StatusPending TransactionStatus = "PENDING"
	StatusSuccess TransactionStatus = "SUCCESS"
	StatusFailed  TransactionStatus = "FAILED"
	StatusUnknown TransactionStatus = "UNKNOWN"
)

// Final reports whether the status can no longer change.
func (s TransactionStatus) Final() bool { return s == StatusSuccess || s == StatusFailed }

// MaxAmountScale is the number of fractional digits the ledger stores for an amount.
const MaxAmountScale = 6

// ErrorCodeNotAttempted marks a FAILED transaction whose gateway call never left the process.
const ErrorCodeNotAttempted = "not_attempted"

type Transaction struct {
	ID                    string
	PaymentID             string
	Seq                   int
	Type                  OperationType
	Amount                *decimal.Decimal
	Currency              string
	Status                TransactionStatus
	IdempotencyKey        string
	ProcessorReference    string
	GatewayErrorCode      string
	GatewayErrorMessage   string
	RawResponse           json.RawMessage
	ResolvesTransactionID string
	Properties            map[string]string
	CreatedBy             string
	CreatedAt             time.Time
	CompletedAt           *time.Time
}

// Unresolved reports whether the transaction still blocks further operations.
func (t *Transaction) Unresolved() bool {
	return t != nil && (t.Status == StatusPending || t.Status == StatusUnknown)
}

// NotAttempted reports whether the gateway was never reached for this attempt.
func (t *Transaction) NotAttempted() bool {
	return t != nil && t.Status == StatusFailed && t.GatewayErrorCode == ErrorCodeNotAttempted
}

// IsResolution reports whether the transaction records a reconciliation verdict.
func (t *Transaction) IsResolution() bool { return t != nil && t.ResolvesTransactionID != "" }

// Complete moves a pending transaction to its gateway outcome.
func (t *Transaction) Complete(status TransactionStatus, at time.Time) {
	t.Status = status
	if status.Final() {
		ts := at.UTC()
		t.CompletedAt = &ts
	}
}

func (t *Transaction) Clone() *Transaction {
	if t == nil {
		return nil
	}
	c := *t
	if t.Amount != nil {
		a := *t.Amount
		c.Amount = &a
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		c.CompletedAt = &ts
	}
	if t.RawResponse != nil {
		c.RawResponse = append(json.RawMessage(nil), t.RawResponse...)
	}
	if t.Properties != nil {
		c.Properties = make(map[string]string, len(t.Properties))
		for k, v := range t.Properties {
			c.Properties[k] = v
		}
	}
	return &c
}

// PluginInfo is a live processor view attached to read results. It is never persisted.
type PluginInfo struct {
	PluginName         string
	ProcessorReference string
	Status             TransactionStatus
	RawResponse        json.RawMessage
	Error              string
	QueriedAt          time.Time
}

type Payment struct {
	ID                 string
	AccountID          string
	ExternalKey        string
	PluginName         string
	Currency           string
	State              State
	AmountAuthorized   decimal.Decimal
	AmountCaptured     decimal.Decimal
	AmountRefunded     decimal.Decimal
	ProcessorReference string
	Transactions       []*Transaction
	CreatedAt          time.Time
	UpdatedAt          time.Time

	PluginInfo *PluginInfo
}

func New(id, accountID, externalKey, pluginName, currency string, now time.Time) (*Payment, error) {
	if id == "" {
		return nil, ErrMissingPaymentID
	}
	if accountID == "" {
		return nil, ErrMissingAccount
	}
	if externalKey == "" {
		return nil, ErrMissingExternalKey
	}
	now = now.UTC()
	return &Payment{
		ID:          id,
		AccountID:   accountID,
		ExternalKey: externalKey,
		PluginName:  pluginName,
		Currency:    strings.ToUpper(currency),
		State:       StateInit,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

func (p *Payment) LastTransaction() *Transaction {
	if p == nil || len(p.Transactions) == 0 {
		return nil
	}
	return p.Transactions[len(p.Transactions)-1]
}

// CheckAppend enforces one unresolved attempt per payment and a single verdict per attempt.
// Ledger implementations call it inside their per-payment write lock.
func (p *Payment) CheckAppend(txn *Transaction) error {
	last := p.LastTransaction()
	if txn.IsResolution() {
		if last == nil || last.ID != txn.ResolvesTransactionID || !last.Unresolved() {
			return ErrConflict
		}
		return nil
	}
	if last.Unresolved() {
		return ErrConflict
	}
	return nil
}

func (p *Payment) Transaction(id string) *Transaction {
	if p == nil {
		return nil
	}
	for _, t := range p.Transactions {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// Effective returns the transaction carrying the final word on attempt id: its
// reconciliation verdict when one exists, otherwise the attempt itself.
func (p *Payment) Effective(id string) *Transaction {
	var found *Transaction
	for _, t := range p.Transactions {
		if t.ResolvesTransactionID == id {
			return t
		}
		if t.ID == id {
			found = t
		}
	}
	return found
}

// CreationTransaction returns the most recent AUTHORIZE or PURCHASE attempt that reached the gateway.
func (p *Payment) CreationTransaction() *Transaction {
	if p == nil {
		return nil
	}
	for i := len(p.Transactions) - 1; i >= 0; i-- {
		t := p.Transactions[i]
		if !t.Type.IsCreation() || t.IsResolution() || t.NotAttempted() {
			continue
		}
		return t
	}
	return nil
}

// RemainingAuthorized is the amount still capturable.
func (p *Payment) RemainingAuthorized() decimal.Decimal {
	return p.AmountAuthorized.Sub(p.AmountCaptured)
}

// RemainingRefundable is the captured amount not yet credited back.
func (p *Payment) RemainingRefundable() decimal.Decimal {
	return p.AmountCaptured.Sub(p.AmountRefunded)
}

// Refresh re-derives state and accumulators from the transaction log.
func (p *Payment) Refresh() {
	v := Replay(p.Transactions)
	p.State = v.State
	p.AmountAuthorized = v.Authorized
	p.AmountCaptured = v.Captured
	p.AmountRefunded = v.Refunded
	if v.ProcessorReference != "" {
		p.ProcessorReference = v.ProcessorReference
	}
}

func (p *Payment) Clone() *Payment {
	if p == nil {
		return nil
	}
	c := *p
	c.Transactions = make([]*Transaction, 0, len(p.Transactions))
	for _, t := range p.Transactions {
		c.Transactions = append(c.Transactions, t.Clone())
	}
	if p.PluginInfo != nil {
		info := *p.PluginInfo
		c.PluginInfo = &info
	}
	return &c
}
