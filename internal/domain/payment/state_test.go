package payment

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func amt(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func txn(id string, op OperationType, status TransactionStatus, amount *decimal.Decimal) *Transaction {
	return &Transaction{ID: id, Type: op, Status: status, Amount: amount, CreatedAt: time.Now()}
}

func newTestPayment(t *testing.T, txns ...*Transaction) *Payment {
	t.Helper()
	p, err := New("pay-1", "acct-1", "ext-1", "simulator", "usd", time.Now())
	require.NoError(t, err)
	p.Transactions = txns
	p.Refresh()
	return p
}

func TestReplay(t *testing.T) {
	tests := []struct {
		name       string
		txns       []*Transaction
		wantState  State
		authorized string
		captured   string
		refunded   string
	}{
		{name: "empty log", wantState: StateInit, authorized: "0", captured: "0", refunded: "0"},
		{
			name:      "pending authorize",
			txns:      []*Transaction{txn("t1", OpAuthorize, StatusPending, amt("100"))},
			wantState: StateAuthPending, authorized: "0", captured: "0", refunded: "0",
		},
		{
			name:      "unknown purchase stays pending",
			txns:      []*Transaction{txn("t1", OpPurchase, StatusUnknown, amt("10"))},
			wantState: StatePurchasePending, authorized: "0", captured: "0", refunded: "0",
		},
		{
			name: "authorize capture credit",
			txns: []*Transaction{
				txn("t1", OpAuthorize, StatusSuccess, amt("100")),
				txn("t2", OpCapture, StatusSuccess, amt("60")),
				txn("t3", OpCredit, StatusSuccess, amt("20")),
			},
			wantState: StateCredited, authorized: "100", captured: "60", refunded: "20",
		},
		{
			name:      "purchase counts as authorized and captured",
			txns:      []*Transaction{txn("t1", OpPurchase, StatusSuccess, amt("42.50"))},
			wantState: StateCaptured, authorized: "42.5", captured: "42.5", refunded: "0",
		},
		{
			name: "declined capture",
			txns: []*Transaction{
				txn("t1", OpAuthorize, StatusSuccess, amt("100")),
				txn("t2", OpCapture, StatusFailed, amt("60")),
			},
			wantState: StateCaptureFailed, authorized: "100", captured: "0", refunded: "0",
		},
		{
			name: "not attempted leaves state untouched",
			txns: []*Transaction{
				txn("t1", OpAuthorize, StatusSuccess, amt("100")),
				{ID: "t2", Type: OpCapture, Status: StatusFailed, Amount: amt("60"), GatewayErrorCode: ErrorCodeNotAttempted},
			},
			wantState: StateAuthSuccess, authorized: "100", captured: "0", refunded: "0",
		},
		{
			name: "verdict replaces unknown attempt",
			txns: []*Transaction{
				txn("t1", OpAuthorize, StatusUnknown, amt("100")),
				{ID: "t2", Type: OpAuthorize, Status: StatusSuccess, Amount: amt("100"), ResolvesTransactionID: "t1", ProcessorReference: "ref-1"},
			},
			wantState: StateAuthSuccess, authorized: "100", captured: "0", refunded: "0",
		},
		{
			name: "void after authorize",
			txns: []*Transaction{
				txn("t1", OpAuthorize, StatusSuccess, amt("100")),
				txn("t2", OpVoid, StatusSuccess, nil),
			},
			wantState: StateVoided, authorized: "100", captured: "0", refunded: "0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Replay(tt.txns)
			assert.Equal(t, tt.wantState, v.State)
			assert.True(t, decimal.RequireFromString(tt.authorized).Equal(v.Authorized), "authorized %s", v.Authorized)
			assert.True(t, decimal.RequireFromString(tt.captured).Equal(v.Captured), "captured %s", v.Captured)
			assert.True(t, decimal.RequireFromString(tt.refunded).Equal(v.Refunded), "refunded %s", v.Refunded)
		})
	}
}

func TestReplay_ProcessorReferenceFromVerdict(t *testing.T) {
	p := newTestPayment(t,
		txn("t1", OpAuthorize, StatusUnknown, amt("100")),
		&Transaction{ID: "t2", Type: OpAuthorize, Status: StatusSuccess, Amount: amt("100"), ResolvesTransactionID: "t1", ProcessorReference: "ref-9"},
	)
	assert.Equal(t, "ref-9", p.ProcessorReference)
	assert.Equal(t, "t2", p.Effective("t1").ID)
}

func TestValidate_CaptureOnInitIsInvalidState(t *testing.T) {
	p := newTestPayment(t)

	_, err := Validate(p, OpCapture, amt("10"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, KindInvalidState, KindOf(err))
}

func TestValidate_UnresolvedLastTransactionIsConcurrent(t *testing.T) {
	for _, status := range []TransactionStatus{StatusPending, StatusUnknown} {
		p := newTestPayment(t,
			txn("t1", OpAuthorize, StatusSuccess, amt("100")),
			txn("t2", OpCapture, status, amt("10")),
		)
		_, err := Validate(p, OpCapture, amt("10"))
		assert.ErrorIs(t, err, ErrConcurrentOperation, string(status))
	}
}

func TestValidate_Capture(t *testing.T) {
	p := newTestPayment(t,
		txn("t1", OpAuthorize, StatusSuccess, amt("100")),
		txn("t2", OpCapture, StatusSuccess, amt("60")),
	)

	got, err := Validate(p, OpCapture, amt("40"))
	require.NoError(t, err)
	assert.Equal(t, "40", got.String())

	_, err = Validate(p, OpCapture, amt("40.01"))
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.ErrorIs(t, err, ErrAmountExceeded)

	_, err = Validate(p, OpCapture, nil)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = Validate(p, OpCapture, amt("-1"))
	assert.ErrorIs(t, err, ErrValidation)
}

func TestValidate_CaptureAfterDeclineIsAllowed(t *testing.T) {
	p := newTestPayment(t,
		txn("t1", OpAuthorize, StatusSuccess, amt("100")),
		txn("t2", OpCapture, StatusFailed, amt("100")),
	)
	_, err := Validate(p, OpCapture, amt("100"))
	assert.NoError(t, err)
}

func TestValidate_Void(t *testing.T) {
	authorized := newTestPayment(t, txn("t1", OpAuthorize, StatusSuccess, amt("100")))
	got, err := Validate(authorized, OpVoid, nil)
	require.NoError(t, err)
	assert.Nil(t, got)

	captured := newTestPayment(t,
		txn("t1", OpAuthorize, StatusSuccess, amt("100")),
		txn("t2", OpCapture, StatusSuccess, amt("1")),
	)
	_, err = Validate(captured, OpVoid, nil)
	assert.ErrorIs(t, err, ErrInvalidState)

	declined := newTestPayment(t, txn("t1", OpAuthorize, StatusFailed, amt("100")))
	_, err = Validate(declined, OpVoid, nil)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestValidate_Credit(t *testing.T) {
	p := newTestPayment(t,
		txn("t1", OpAuthorize, StatusSuccess, amt("100")),
		txn("t2", OpCapture, StatusSuccess, amt("60")),
		txn("t3", OpCredit, StatusSuccess, amt("20")),
	)

	_, err := Validate(p, OpCredit, amt("50"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.True(t, errors.Is(err, ErrAmountExceeded))

	full, err := Validate(p, OpCredit, nil)
	require.NoError(t, err)
	assert.Equal(t, "40", full.String())

	authorizedOnly := newTestPayment(t, txn("t1", OpAuthorize, StatusSuccess, amt("100")))
	_, err = Validate(authorizedOnly, OpCredit, amt("1"))
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestValidate_CreationOnlyFromInit(t *testing.T) {
	p := newTestPayment(t, txn("t1", OpPurchase, StatusSuccess, amt("5")))
	_, err := Validate(p, OpAuthorize, amt("5"))
	assert.ErrorIs(t, err, ErrInvalidState)

	fresh := newTestPayment(t)
	_, err = Validate(fresh, OpPurchase, nil)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestOperationError_Message(t *testing.T) {
	err := NewGatewayDeclinedError(OpAuthorize, "pay-1", "t1", "card_declined", "insufficient funds")
	assert.Equal(t, "payment GATEWAY_DECLINED on AUTHORIZE [pay-1]: insufficient funds", err.Error())
	assert.ErrorIs(t, err, ErrGatewayDeclined)
	assert.NotErrorIs(t, err, ErrInvalidState)
}
