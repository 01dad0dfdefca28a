package payment

import (
	"fmt"

	"github.com/shopspring/decimal"
)

type State string

const (
	StateInit            State = "INIT"
	StateAuthPending     State = "AUTH_PENDING"
	StateAuthSuccess     State = "AUTH_SUCCESS"
	StateAuthFailed      State = "AUTH_FAILED"
	StateCapturePending  State = "CAPTURE_PENDING"
	StateCaptured        State = "CAPTURED"
	StateCaptureFailed   State = "CAPTURE_FAILED"
	StatePurchasePending State = "PURCHASE_PENDING"
	StatePurchaseFailed  State = "PURCHASE_FAILED"
	StateVoidPending     State = "VOID_PENDING"
	StateVoided          State = "VOIDED"
	StateVoidFailed      State = "VOID_FAILED"
	StateCreditPending   State = "CREDIT_PENDING"
	StateCredited        State = "CREDITED"
	StateCreditFailed    State = "CREDIT_FAILED"
)

var (
	pendingStates = map[OperationType]State{
		OpAuthorize: StateAuthPending,
		OpCapture:   StateCapturePending,
		OpPurchase:  StatePurchasePending,
		OpVoid:      StateVoidPending,
		OpCredit:    StateCreditPending,
	}
	successStates = map[OperationType]State{
		OpAuthorize: StateAuthSuccess,
		OpCapture:   StateCaptured,
		OpPurchase:  StateCaptured,
		OpVoid:      StateVoided,
		OpCredit:    StateCredited,
	}
	failedStates = map[OperationType]State{
		OpAuthorize: StateAuthFailed,
		OpCapture:   StateCaptureFailed,
		OpPurchase:  StatePurchaseFailed,
		OpVoid:      StateVoidFailed,
		OpCredit:    StateCreditFailed,
	}

	// legalFrom lists the states each operation may start from. Amount rules are checked separately.
	legalFrom = map[OperationType][]State{
		OpAuthorize: {StateInit},
		OpPurchase:  {StateInit},
		OpCapture:   {StateAuthSuccess, StateCaptureFailed, StateCaptured},
		OpVoid:      {StateAuthSuccess, StateCaptureFailed, StateVoidFailed, StateCaptured},
		OpCredit:    {StateCaptured, StateCredited, StateCreditFailed, StateCaptureFailed},
	}
)

// Pending reports whether the state waits on a gateway outcome.
func (s State) Pending() bool {
	for _, p := range pendingStates {
		if p == s {
			return true
		}
	}
	return false
}

// View is the folded projection of a transaction log.
type View struct {
	State              State
	Authorized         decimal.Decimal
	Captured           decimal.Decimal
	Refunded           decimal.Decimal
	ProcessorReference string
}

// Replay folds the transaction log into the payment's state and accumulators.
// Attempts superseded by a reconciliation verdict are skipped; the verdict is applied in their place.
func Replay(txns []*Transaction) View {
	v := View{State: StateInit}
	resolved := make(map[string]struct{})
	for _, t := range txns {
		if t.IsResolution() {
			resolved[t.ResolvesTransactionID] = struct{}{}
		}
	}
	for _, t := range txns {
		if _, ok := resolved[t.ID]; ok && !t.IsResolution() {
			continue
		}
		v.apply(t)
	}
	return v
}

func (v *View) apply(t *Transaction) {
	amount := decimal.Zero
	if t.Amount != nil {
		amount = *t.Amount
	}
	switch t.Status {
	case StatusPending, StatusUnknown:
		v.State = pendingStates[t.Type]
	case StatusFailed:
		if t.NotAttempted() {
			return
		}
		v.State = failedStates[t.Type]
	case StatusSuccess:
		switch t.Type {
		case OpAuthorize:
			v.Authorized = v.Authorized.Add(amount)
		case OpPurchase:
			v.Authorized = v.Authorized.Add(amount)
			v.Captured = v.Captured.Add(amount)
		case OpCapture:
			v.Captured = v.Captured.Add(amount)
		case OpCredit:
			v.Refunded = v.Refunded.Add(amount)
		}
		if t.Type.IsCreation() && t.ProcessorReference != "" {
			v.ProcessorReference = t.ProcessorReference
		}
		v.State = successStates[t.Type]
	}
}

// Validate checks that op may run against p and returns the amount to send to the gateway.
// A nil requested amount means "not supplied"; it is only accepted for VOID and CREDIT.
// Validate performs no I/O.
func Validate(p *Payment, op OperationType, requested *decimal.Decimal) (*decimal.Decimal, error) {
	if !op.Valid() {
		return nil, NewValidationError(op, fmt.Sprintf("unknown operation %q", op))
	}
	if last := p.LastTransaction(); last.Unresolved() {
		return nil, NewConcurrentOperationError(op, p.ID, last.ID)
	}
	if requested != nil && !requested.IsPositive() {
		return nil, NewValidationError(op, "amount must be greater than zero")
	}
	if !stateAllows(p.State, op) {
		return nil, NewInvalidStateError(op, p.ID, fmt.Sprintf("%s not allowed from %s", op, p.State), nil)
	}

	switch op {
	case OpAuthorize, OpPurchase:
		if requested == nil {
			return nil, NewValidationError(op, "amount is required")
		}
		return requested, nil

	case OpCapture:
		if requested == nil {
			return nil, NewValidationError(op, "amount is required")
		}
		if p.AmountAuthorized.IsZero() {
			return nil, NewInvalidStateError(op, p.ID, "nothing authorized", nil)
		}
		if p.State == StateCaptured && !p.AmountRefunded.IsZero() {
			return nil, NewInvalidStateError(op, p.ID, "cannot capture after credit", nil)
		}
		remaining := p.RemainingAuthorized()
		if requested.GreaterThan(remaining) {
			return nil, NewInvalidStateError(op, p.ID,
				fmt.Sprintf("capture %s exceeds remaining authorized %s", requested, remaining), ErrAmountExceeded)
		}
		return requested, nil

	case OpVoid:
		if !p.AmountCaptured.IsZero() {
			return nil, NewInvalidStateError(op, p.ID, "payment has captured funds, credit instead", nil)
		}
		return nil, nil

	case OpCredit:
		remaining := p.RemainingRefundable()
		if !remaining.IsPositive() {
			return nil, NewInvalidStateError(op, p.ID, "nothing left to credit", nil)
		}
		if requested == nil {
			return &remaining, nil
		}
		if requested.GreaterThan(remaining) {
			return nil, NewInvalidStateError(op, p.ID,
				fmt.Sprintf("credit %s exceeds remaining captured %s", requested, remaining), ErrAmountExceeded)
		}
		return requested, nil
	}
	return nil, NewValidationError(op, "unsupported operation")
}

func stateAllows(s State, op OperationType) bool {
	for _, allowed := range legalFrom[op] {
		if allowed == s {
			return true
		}
	}
	return false
}
