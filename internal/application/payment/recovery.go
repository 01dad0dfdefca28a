package payment

import (
	"context"
	"errors"
	"time"

	domidem "github.com/Zhima-Mochi/directpay/internal/domain/idempotency"
	dompay "github.com/Zhima-Mochi/directpay/internal/domain/payment"
	"github.com/Zhima-Mochi/directpay/internal/observability"
	"github.com/Zhima-Mochi/directpay/internal/observability/logctx"
)

type RecoveryReport struct {
	Examined      int
	MarkedUnknown int
	Settled       int
	Dropped       int
}

// RecoverInFlight sweeps reservations left behind by a crashed process. A reservation bound to a
// recorded transaction means the gateway may have been called: its PENDING transaction becomes
// UNKNOWN and goes to reconciliation. Unbound reservations and payment slots are dropped, since no
// gateway call can have happened under them. olderThan must exceed the gateway timeout.
func (o *Orchestrator) RecoverInFlight(ctx context.Context, olderThan time.Duration) (*RecoveryReport, error) {
	logger := logctx.FromOr(ctx, o.log).With(observability.F("use_case", "payment.recover"))
	recs, err := o.guard.Stale(ctx, o.now().Add(-olderThan))
	if err != nil {
		return nil, err
	}

	report := &RecoveryReport{}
	for _, rec := range recs {
		report.Examined++
		if rec.Kind == domidem.KindSlot || !rec.Bound() {
			if err := o.guard.Drop(ctx, rec.Key); err != nil {
				logger.Warn("stale_reservation_drop_failed", observability.F("key", rec.Key), observability.F("error", err.Error()))
				continue
			}
			report.Dropped++
			continue
		}

		settled, marked, err := o.recoverBound(ctx, rec)
		if err != nil {
			logger.Error("stale_reservation_recovery_failed",
				observability.F("key", rec.Key),
				observability.F("payment_id", rec.PaymentID),
				observability.F("transaction_id", rec.TransactionID),
				observability.F("error", err.Error()),
			)
			continue
		}
		if marked {
			report.MarkedUnknown++
		}
		if settled {
			report.Settled++
		}
	}

	done := logger.Info
	if report.Examined == 0 {
		done = logger.Debug
	}
	done("in_flight_recovery_done",
		observability.F("examined", report.Examined),
		observability.F("marked_unknown", report.MarkedUnknown),
		observability.F("settled", report.Settled),
		observability.F("dropped", report.Dropped),
	)
	return report, nil
}

func (o *Orchestrator) recoverBound(ctx context.Context, rec domidem.Record) (settled, marked bool, err error) {
	p, err := o.ledger.GetPayment(ctx, rec.PaymentID)
	if err != nil {
		return false, false, err
	}
	t := p.Transaction(rec.TransactionID)
	if t == nil {
		return false, false, o.guard.Drop(ctx, rec.Key)
	}

	if t.Status == dompay.StatusPending {
		unknown := t.Clone()
		unknown.Status = dompay.StatusUnknown
		updated, err := o.ledger.UpdateTransaction(ctx, p.ID, unknown)
		switch {
		case err == nil:
			p, marked = updated, true
			o.saveState(ctx, p)
			o.publish(ctx, dompay.NewTransactionUnknownEvent(p, p.Transaction(t.ID)))
		case errors.Is(err, dompay.ErrConflict):
			if p, err = o.ledger.GetPayment(ctx, rec.PaymentID); err != nil {
				return false, false, err
			}
		default:
			return false, false, err
		}
	}

	effective := p.Effective(rec.TransactionID)
	if effective.NotAttempted() {
		return false, marked, o.guard.Drop(ctx, rec.Key)
	}
	err = o.guard.Settle(ctx, rec.Key, domidem.Outcome{
		Status:        effective.Status,
		PaymentID:     p.ID,
		TransactionID: rec.TransactionID,
	})
	return err == nil, marked, err
}
