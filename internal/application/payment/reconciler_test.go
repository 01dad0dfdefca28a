package payment_test

import (
	"context"
	"testing"
	"time"

	apppay "github.com/Zhima-Mochi/directpay/internal/application/payment"
	dompay "github.com/Zhima-Mochi/directpay/internal/domain/payment"
	"github.com/Zhima-Mochi/directpay/internal/infrastructure/gateway/simulator"
	"github.com/Zhima-Mochi/directpay/internal/infrastructure/outbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (f *fixture) lostAuthorize(t *testing.T, externalKey string) *dompay.Result {
	t.Helper()
	res, err := f.orch.Authorize(context.Background(), apppay.CreateCommand{
		AccountID: "acct-1", ExternalKey: externalKey, Amount: amount("10"),
		Properties: map[string]string{simulator.PropertyOutcome: "timeout"},
	})
	require.Error(t, err)
	require.Equal(t, dompay.OutcomeIndeterminate, res.Outcome)
	require.Equal(t, dompay.StatusUnknown, res.Transaction.Status)
	return res
}

func TestReconciler_ResolvesUnknownOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lost := f.lostAuthorize(t, "order-1")
	assert.Equal(t, dompay.StateAuthPending, lost.Payment.State)

	report, err := f.reconciler.Execute(ctx, apppay.ReconcileCommand{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Examined)
	assert.Equal(t, 1, report.Resolved)

	p, err := f.ledger.GetPayment(ctx, lost.Payment.ID)
	require.NoError(t, err)
	assert.Equal(t, dompay.StateAuthSuccess, p.State)
	require.Len(t, p.Transactions, 2)
	verdict := p.LastTransaction()
	assert.Equal(t, lost.Transaction.ID, verdict.ResolvesTransactionID)
	assert.Equal(t, dompay.StatusSuccess, verdict.Status)
	assert.Equal(t, dompay.StatusUnknown, p.Transactions[0].Status)

	report, err = f.reconciler.Execute(ctx, apppay.ReconcileCommand{})
	require.NoError(t, err)
	assert.Equal(t, 0, report.Examined)

	// the original caller's retry now sees the settled outcome
	res, err := f.orch.Authorize(ctx, apppay.CreateCommand{AccountID: "acct-1", ExternalKey: "order-1", Amount: amount("10")})
	require.NoError(t, err)
	assert.True(t, res.Replayed)
	assert.Equal(t, verdict.ID, res.Transaction.ID)
	assert.Equal(t, int32(1), f.processor.authorizes.Load())

	assert.Contains(t, f.events.names(), dompay.TransactionResolvedEvent{}.EventName())
}

func TestReconciler_LeavesUnconfirmedOutcomeUnknown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lost := f.lostAuthorize(t, "order-1")
	f.processor.SetStatusLookup(false)

	report, err := f.reconciler.Execute(ctx, apppay.ReconcileCommand{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Unresolved)
	assert.Equal(t, 0, report.Resolved)

	p, err := f.ledger.GetPayment(ctx, lost.Payment.ID)
	require.NoError(t, err)
	assert.Len(t, p.Transactions, 1)
	assert.Equal(t, dompay.StateAuthPending, p.State)
	assert.Contains(t, f.events.names(), dompay.TransactionUnresolvedEvent{}.EventName())

	// follow-ups stay blocked until the outcome is known
	res, err := f.orch.Void(ctx, apppay.VoidCommand{AccountID: "acct-1", PaymentID: p.ID})
	require.Error(t, err)
	assert.Equal(t, dompay.KindConcurrentOperation, res.Kind)

	f.processor.SetStatusLookup(true)
	report, err = f.reconciler.Execute(ctx, apppay.ReconcileCommand{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Resolved)
}

func TestReconciler_RespectsLimitAndHeldSlots(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.lostAuthorize(t, "order-1")
	f.lostAuthorize(t, "order-2")

	release, ok, err := f.guard.AcquirePayment(ctx, "acct-1", first.Payment.ID)
	require.NoError(t, err)
	require.True(t, ok)

	report, err := f.reconciler.Execute(ctx, apppay.ReconcileCommand{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Examined)
	assert.Equal(t, 1, report.Skipped)

	release()
	report, err = f.reconciler.Execute(ctx, apppay.ReconcileCommand{})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Examined)
	assert.Equal(t, 2, report.Resolved)
}

func TestReconcileWorker_RunsAfterUnknownEvent(t *testing.T) {
	f := newFixture(t)
	bus := outbox.NewBus(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus.Start(ctx)
	defer bus.Stop(context.Background())

	worker := apppay.NewReconcileWorker(f.reconciler, bus, time.Hour, nil)
	worker.Start(ctx)

	lost := f.lostAuthorize(t, "order-1")
	require.NoError(t, bus.Publish(ctx, dompay.NewTransactionUnknownEvent(lost.Payment, lost.Transaction)))

	assert.Eventually(t, func() bool {
		p, err := f.ledger.GetPayment(ctx, lost.Payment.ID)
		return err == nil && p.State == dompay.StateAuthSuccess
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	worker.Wait()
}

func TestReconcileWorker_SweepsSlotsOfCrashedProcess(t *testing.T) {
	grace := 50 * time.Millisecond
	f := newFixture(t, withGracePeriod(grace), withCreationWait(50*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := f.crashedAuthorize(t, "order-1", true)

	// a restart inside the grace period finds nothing old enough to recover
	recovered, err := f.orch.RecoverInFlight(ctx, grace)
	require.NoError(t, err)
	assert.Equal(t, 0, recovered.Examined)

	time.Sleep(2 * grace)
	report, err := f.reconciler.Execute(ctx, apppay.ReconcileCommand{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)

	worker := apppay.NewReconcileWorker(f.reconciler, nil, 20*time.Millisecond, nil, apppay.WithInFlightSweep(f.orch))
	worker.Start(ctx)

	assert.Eventually(t, func() bool {
		got, err := f.ledger.GetPayment(ctx, p.ID)
		return err == nil && got.State == dompay.StateAuthSuccess
	}, 5*time.Second, 20*time.Millisecond)
	cancel()
	worker.Wait()

	res, err := f.orch.Authorize(context.Background(), apppay.CreateCommand{
		AccountID: "acct-1", ExternalKey: "order-1", Amount: amount("10"),
	})
	require.NoError(t, err)
	assert.True(t, res.Replayed)
	assert.Equal(t, int32(0), f.processor.authorizes.Load())

	res, err = f.orch.Capture(context.Background(), apppay.CaptureCommand{AccountID: "acct-1", PaymentID: p.ID, Amount: amount("10")})
	require.NoError(t, err)
	assert.Equal(t, dompay.StateCaptured, res.Payment.State)
}
