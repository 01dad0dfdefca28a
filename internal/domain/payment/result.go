package payment

// Outcome is the caller-facing shape of an operation result.
type Outcome string

const (
	OutcomeSuccess       Outcome = "SUCCESS"
	OutcomeRejected      Outcome = "REJECTED"
	OutcomeIndeterminate Outcome = "INDETERMINATE"
)

// Result carries Success(Payment), Rejected(kind) or Indeterminate(Transaction).
type Result struct {
	Outcome     Outcome
	Payment     *Payment
	Transaction *Transaction
	Kind        ErrorKind
	Err         error
	Replayed    bool
}

func Succeeded(p *Payment, t *Transaction) *Result {
	return &Result{Outcome: OutcomeSuccess, Payment: p, Transaction: t}
}

func Rejected(p *Payment, t *Transaction, err error) *Result {
	return &Result{Outcome: OutcomeRejected, Payment: p, Transaction: t, Kind: KindOf(err), Err: err}
}

func Indeterminate(p *Payment, t *Transaction, err error) *Result {
	return &Result{Outcome: OutcomeIndeterminate, Payment: p, Transaction: t, Kind: KindIndeterminate, Err: err}
}

// FromTransaction maps a recorded attempt to the result a replay should return.
func FromTransaction(op OperationType, p *Payment, t *Transaction) *Result {
	switch t.Status {
	case StatusSuccess:
		return Succeeded(p, t)
	case StatusFailed:
		if t.NotAttempted() {
			return Rejected(p, t, NewTransientGatewayError(op, p.ID, t.ID, nil))
		}
		return Rejected(p, t, NewGatewayDeclinedError(op, p.ID, t.ID, t.GatewayErrorCode, t.GatewayErrorMessage))
	default:
		return Indeterminate(p, t, NewIndeterminateOutcomeError(op, p.ID, t.ID, nil))
	}
}
