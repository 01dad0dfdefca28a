package payment

import (
	"context"
	"sync"
	"time"

	"github.com/Zhima-Mochi/directpay/internal/application"
	domoutbox "github.com/Zhima-Mochi/directpay/internal/domain/outbox"
	dompay "github.com/Zhima-Mochi/directpay/internal/domain/payment"
	"github.com/Zhima-Mochi/directpay/internal/observability"
	"github.com/Zhima-Mochi/directpay/internal/observability/logctx"
)

const reconcileWorker = "reconcile-worker"

// ReconcileWorker runs reconciliation on a fixed interval and shortly after a grace period
// whenever an UNKNOWN transaction is reported.
type ReconcileWorker struct {
	reconciler application.UseCase[ReconcileCommand, *ReconcileReport]
	subscriber domoutbox.Subscriber
	interval   time.Duration
	delay      time.Duration
	sweeper    InFlightSweeper
	log        observability.Logger

	trigger chan struct{}
	wg      sync.WaitGroup
}

// InFlightSweeper recovers reservations whose holder is gone.
type InFlightSweeper interface {
	RecoverInFlight(ctx context.Context, olderThan time.Duration) (*RecoveryReport, error)
}

type WorkerOption func(*ReconcileWorker)

// WithInFlightSweep sweeps reservations older than the grace period before every pass, so a
// slot held by a crashed process cannot block reconciliation of its payment.
func WithInFlightSweep(s InFlightSweeper) WorkerOption {
	return func(w *ReconcileWorker) { w.sweeper = s }
}

func NewReconcileWorker(
	reconciler *Reconciler,
	subscriber domoutbox.Subscriber,
	interval time.Duration,
	logger observability.Logger,
	opts ...WorkerOption,
) *ReconcileWorker {
	if logger == nil {
		logger = observability.NopLogger()
	}
	w := &ReconcileWorker{
		reconciler: reconciler,
		subscriber: subscriber,
		interval:   interval,
		delay:      reconciler.cfg.GracePeriod,
		log:        logger.With(observability.F("service", reconcileWorker)),
		trigger:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start subscribes to unknown-outcome events and begins the periodic loop. It returns
// immediately; the loop stops when ctx is done.
func (w *ReconcileWorker) Start(ctx context.Context) {
	if w.subscriber != nil {
		w.subscriber.Subscribe(dompay.TransactionUnknownEvent{}.EventName(), w.handleTransactionUnknown)
	}
	w.wg.Add(1)
	go w.loop(ctx)
}

// Wait blocks until the loop has exited.
func (w *ReconcileWorker) Wait() { w.wg.Wait() }

func (w *ReconcileWorker) handleTransactionUnknown(ctx context.Context, e domoutbox.Event) error {
	evt, ok := e.(dompay.TransactionUnknownEvent)
	if !ok {
		return nil
	}
	logctx.FromOr(ctx, w.log).Info("reconcile_scheduled",
		observability.F("payment_id", evt.PaymentID),
		observability.F("transaction_id", evt.TransactionID),
		observability.F("delay_seconds", w.delay.Seconds()),
	)
	// slightly past the grace period so the transaction qualifies
	time.AfterFunc(w.delay+time.Second, w.poke)
	return nil
}

func (w *ReconcileWorker) poke() {
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

func (w *ReconcileWorker) loop(ctx context.Context) {
	defer w.wg.Done()
	logger := logctx.FromOr(ctx, w.log)
	logger.Info("reconcile_worker_started", observability.F("interval_seconds", w.interval.Seconds()))

	var tick <-chan time.Time
	if w.interval > 0 {
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info("reconcile_worker_stopped")
			return
		case <-tick:
		case <-w.trigger:
		}
		w.pass(ctx)
	}
}

func (w *ReconcileWorker) pass(ctx context.Context) {
	logger := logctx.FromOr(ctx, w.log)
	if w.sweeper != nil {
		if _, err := w.sweeper.RecoverInFlight(ctx, w.delay); err != nil {
			logger.Warn("in_flight_sweep_failed", observability.F("error", err.Error()))
		}
	}
	if _, err := w.reconciler.Execute(ctx, ReconcileCommand{}); err != nil {
		logger.Warn("reconcile_pass_failed", observability.F("error", err.Error()))
	}
}
