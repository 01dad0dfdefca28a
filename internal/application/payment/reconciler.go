package payment

import (
	"context"
	"errors"
	"time"

	"github.com/Zhima-Mochi/directpay/internal/application"
	appidem "github.com/Zhima-Mochi/directpay/internal/application/idempotency"
	"github.com/Zhima-Mochi/directpay/internal/domain/gateway"
	domoutbox "github.com/Zhima-Mochi/directpay/internal/domain/outbox"
	dompay "github.com/Zhima-Mochi/directpay/internal/domain/payment"
	"github.com/Zhima-Mochi/directpay/internal/observability"
	"github.com/Zhima-Mochi/directpay/internal/observability/logctx"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	useCaseReconcile    = "payment.reconcile"
	defaultGracePeriod  = 2 * time.Minute
	defaultReconcileMax = 100

	reasonNoStatusLookup = "status lookup not supported by plugin"
	reasonStillUnknown   = "processor could not confirm outcome"
)

type ReconcileCommand struct {
	// Limit caps how many payments are examined; zero uses the configured batch size.
	Limit int
}

type ReconcileReport struct {
	Examined   int
	Resolved   int
	Unresolved int
	Skipped    int
}

type ReconcilerConfig struct {
	GracePeriod    time.Duration
	BatchSize      int
	GatewayTimeout time.Duration
}

// Reconciler settles UNKNOWN transactions using processor status lookups. It never guesses:
// an attempt the processor cannot confirm stays UNKNOWN and is surfaced to operators.
type Reconciler struct {
	ledger   dompay.Ledger
	guard    *appidem.Guard
	gateways GatewayResolver
	ids      IDGenerator
	events   domoutbox.Publisher
	cfg      ReconcilerConfig
	now      func() time.Time

	tel        observability.Observability
	log        observability.Logger
	outcomes   observability.Counter // reconciliation_total{outcome}
	reqCounter observability.Counter
	durHist    observability.Histogram
	caller     *gatewayCaller
}

var _ application.UseCase[ReconcileCommand, *ReconcileReport] = (*Reconciler)(nil)

func NewReconciler(
	ledger dompay.Ledger,
	guard *appidem.Guard,
	gateways GatewayResolver,
	ids IDGenerator,
	events domoutbox.Publisher,
	cfg ReconcilerConfig,
	tel observability.Observability,
) *Reconciler {
	if tel == nil {
		tel = observability.Nop()
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = defaultGracePeriod
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultReconcileMax
	}
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = defaultGatewayTimeout
	}
	baseLog := tel.Logger().With(observability.F("service", paymentService), observability.F("component", "reconciler"))
	return &Reconciler{
		ledger:     ledger,
		guard:      guard,
		gateways:   gateways,
		ids:        ids,
		events:     events,
		cfg:        cfg,
		now:        time.Now,
		tel:        tel,
		log:        baseLog,
		outcomes:   tel.Metrics().Counter(observability.MReconciliations),
		reqCounter: tel.Metrics().Counter(observability.MUsecaseRequests),
		durHist:    tel.Metrics().Histogram(observability.MUsecaseDuration),
		caller:     newGatewayCaller(tel, baseLog, cfg.GatewayTimeout),
	}
}

// Execute runs one reconciliation pass over unresolved transactions older than the grace period.
func (r *Reconciler) Execute(ctx context.Context, cmd ReconcileCommand) (_ *ReconcileReport, err error) {
	logger := logctx.FromOr(ctx, r.log).With(observability.F("use_case", useCaseReconcile))
	ctx = logctx.With(ctx, logger)
	ctx, span := r.tel.Tracer().Start(ctx, spanPrefix+"Reconcile", attribute.String("use_case", useCaseReconcile))
	start := time.Now()
	report := &ReconcileReport{}

	defer func() {
		outcome, statusText := "success", "OK"
		span.SetAttributes(
			attribute.Int("reconcile.examined", report.Examined),
			attribute.Int("reconcile.resolved", report.Resolved),
			attribute.Int("reconcile.unresolved", report.Unresolved),
		)
		if err != nil {
			outcome, statusText = "error", "LEDGER_SCAN_FAILED"
			span.RecordError(err)
			span.SetStatus(codes.Error, statusText)
		} else {
			span.SetStatus(codes.Ok, statusText)
		}
		span.End()

		latency := time.Since(start).Seconds()
		r.reqCounter.Add(1, observability.L("use_case", useCaseReconcile), observability.L("outcome", outcome))
		r.durHist.Observe(latency, observability.L("use_case", useCaseReconcile))

		fields := []observability.Field{
			observability.F("outcome", outcome),
			observability.F("status", statusText),
			observability.F("latency_seconds", latency),
			observability.F("examined", report.Examined),
			observability.F("resolved", report.Resolved),
			observability.F("unresolved", report.Unresolved),
			observability.F("skipped", report.Skipped),
		}
		if err != nil {
			fields = append(fields, observability.F("error", err.Error()))
		}
		logger.Info("use_case_done", fields...)
	}()

	limit := cmd.Limit
	if limit <= 0 {
		limit = r.cfg.BatchSize
	}
	candidates, err := r.ledger.ListUnresolved(ctx, r.now().Add(-r.cfg.GracePeriod), limit)
	if err != nil {
		return report, dompay.WrapRepositoryError(err)
	}

	for _, p := range candidates {
		if ctx.Err() != nil {
			break
		}
		report.Examined++
		switch r.reconcile(ctx, p) {
		case "resolved":
			report.Resolved++
		case "unresolved":
			report.Unresolved++
		default:
			report.Skipped++
		}
	}
	return report, nil
}

// reconcile settles the last transaction of one payment and returns the outcome label.
func (r *Reconciler) reconcile(ctx context.Context, candidate *dompay.Payment) (outcome string) {
	logger := logctx.FromOr(ctx, r.log).With(observability.F("payment_id", candidate.ID))
	defer func() { r.outcomes.Add(1, observability.L("outcome", outcome)) }()

	release, ok, err := r.guard.AcquirePayment(ctx, candidate.AccountID, candidate.ID)
	if err != nil || !ok {
		return "skipped"
	}
	defer release()

	p, err := r.ledger.GetPayment(ctx, candidate.ID)
	if err != nil {
		logger.Error("reconcile_load_failed", observability.F("error", err.Error()))
		return "skipped"
	}
	last := p.LastTransaction()
	if !last.Unresolved() {
		return "skipped"
	}
	logger = logger.With(observability.F("transaction_id", last.ID), observability.F("operation", string(last.Type)))

	// a PENDING record past the grace period outlived its gateway call
	if last.Status == dompay.StatusPending {
		unknown := last.Clone()
		unknown.Status = dompay.StatusUnknown
		updated, err := r.ledger.UpdateTransaction(ctx, p.ID, unknown)
		if err != nil {
			logger.Warn("stale_pending_not_marked", observability.F("error", err.Error()))
			return "skipped"
		}
		p, last = updated, updated.Transaction(last.ID)
		r.saveState(ctx, p)
	}

	plugin, err := r.gateways.Lookup(p.PluginName)
	if err != nil {
		return r.unresolved(ctx, p, last, err.Error())
	}
	res, err := r.caller.query(ctx, plugin, statusQuery(p, last))
	if errors.Is(err, gateway.ErrUnsupported) {
		return r.unresolved(ctx, p, last, reasonNoStatusLookup)
	}
	if err != nil {
		return r.unresolved(ctx, p, last, err.Error())
	}
	if !res.Status.Final() {
		return r.unresolved(ctx, p, last, reasonStillUnknown)
	}

	now := r.now().UTC()
	verdict := &dompay.Transaction{
		ID:                    r.ids.NewID(),
		Type:                  last.Type,
		Amount:                last.Amount,
		Currency:              last.Currency,
		Status:                res.Status,
		IdempotencyKey:        last.IdempotencyKey,
		ProcessorReference:    res.ProcessorReference,
		GatewayErrorCode:      res.ErrorCode,
		GatewayErrorMessage:   res.ErrorMessage,
		RawResponse:           res.RawResponse,
		ResolvesTransactionID: last.ID,
		CreatedBy:             "reconciler",
		CreatedAt:             now,
		CompletedAt:           &now,
	}
	if verdict.ProcessorReference == "" {
		verdict.ProcessorReference = last.ProcessorReference
	}
	updated, err := r.ledger.AppendTransaction(ctx, p.ID, verdict)
	if err != nil {
		// ErrConflict: another pass already recorded a verdict
		logger.Warn("reconcile_verdict_not_recorded", observability.F("error", err.Error()))
		return "skipped"
	}
	r.saveState(ctx, updated)
	r.publish(ctx, dompay.NewTransactionResolvedEvent(updated, updated.Transaction(verdict.ID)))
	logger.Info("transaction_resolved",
		observability.F("status", string(verdict.Status)),
		observability.F("payment_state", string(updated.State)),
	)
	return "resolved"
}

func (r *Reconciler) unresolved(ctx context.Context, p *dompay.Payment, t *dompay.Transaction, reason string) string {
	logctx.FromOr(ctx, r.log).Warn("reconciliation_unresolved",
		observability.F("payment_id", p.ID),
		observability.F("transaction_id", t.ID),
		observability.F("reason", reason),
	)
	r.publish(ctx, dompay.NewTransactionUnresolvedEvent(p, t, reason))
	return "unresolved"
}

func (r *Reconciler) saveState(ctx context.Context, p *dompay.Payment) {
	if err := r.ledger.UpdatePaymentState(ctx, p); err != nil {
		logctx.FromOr(ctx, r.log).Warn("payment_state_not_saved",
			observability.F("payment_id", p.ID),
			observability.F("error", err.Error()),
		)
	}
}

func (r *Reconciler) publish(ctx context.Context, e domoutbox.Event) {
	if r.events == nil {
		return
	}
	if err := r.events.Publish(ctx, e); err != nil {
		logctx.FromOr(ctx, r.log).Warn("event_publish_failed",
			observability.F("event", e.EventName()),
			observability.F("error", err.Error()),
		)
	}
}
