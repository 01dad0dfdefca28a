//go:build integration

package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	domain "github.com/Zhima-Mochi/directpay/internal/domain/payment"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newIntegrationStore(t *testing.T) *LedgerStore {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx := context.Background()
	db, err := Open(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	_, err = Migrate(ctx, db)
	require.NoError(t, err)
	return NewLedgerStore(db)
}

func TestLedgerStore_Integration(t *testing.T) {
	store := newIntegrationStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	account := "acct-" + uuid.NewString()

	p, err := domain.New(uuid.NewString(), account, "order-1", "simulator", "usd", now)
	require.NoError(t, err)
	require.NoError(t, store.CreatePayment(ctx, p))

	dup, err := domain.New(uuid.NewString(), account, "order-1", "simulator", "usd", now)
	require.NoError(t, err)
	assert.ErrorIs(t, store.CreatePayment(ctx, dup), domain.ErrConflict)

	amount := decimal.RequireFromString("100.25")
	auth := &domain.Transaction{
		ID: uuid.NewString(), Type: domain.OpAuthorize, Amount: &amount, Currency: "USD",
		Status: domain.StatusPending, IdempotencyKey: account + ":AUTHORIZE:order-1", CreatedAt: now,
	}
	got, err := store.AppendTransaction(ctx, p.ID, auth)
	require.NoError(t, err)
	assert.Equal(t, domain.StateAuthPending, got.State)

	second := &domain.Transaction{
		ID: uuid.NewString(), Type: domain.OpVoid, Currency: "USD", Status: domain.StatusPending,
		IdempotencyKey: "other", CreatedAt: now,
	}
	_, err = store.AppendTransaction(ctx, p.ID, second)
	assert.ErrorIs(t, err, domain.ErrConflict)

	unresolved, err := store.ListUnresolved(ctx, now.Add(time.Minute), 0)
	require.NoError(t, err)
	ids := make([]string, 0, len(unresolved))
	for _, u := range unresolved {
		ids = append(ids, u.ID)
	}
	assert.Contains(t, ids, p.ID)

	done := auth.Clone()
	done.Complete(domain.StatusSuccess, now)
	done.ProcessorReference = "sim_pi_1"
	done.RawResponse = []byte(`{"status":"approved"}`)
	got, err = store.UpdateTransaction(ctx, p.ID, done)
	require.NoError(t, err)
	assert.Equal(t, domain.StateAuthSuccess, got.State)
	assert.True(t, got.AmountAuthorized.Equal(amount))

	_, err = store.UpdateTransaction(ctx, p.ID, done)
	assert.ErrorIs(t, err, domain.ErrConflict)

	require.NoError(t, store.UpdatePaymentState(ctx, got))
	loaded, err := store.GetPaymentByExternalKey(ctx, account, "order-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateAuthSuccess, loaded.State)
	assert.Equal(t, "sim_pi_1", loaded.ProcessorReference)
	require.Len(t, loaded.Transactions, 1)
	assert.JSONEq(t, `{"status":"approved"}`, string(loaded.Transactions[0].RawResponse))

	list, err := store.ListPayments(ctx, account)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = store.GetPayment(ctx, uuid.NewString())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
