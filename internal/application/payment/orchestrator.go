package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	appidem "github.com/Zhima-Mochi/directpay/internal/application/idempotency"
	"github.com/Zhima-Mochi/directpay/internal/callctx"
	"github.com/Zhima-Mochi/directpay/internal/domain/gateway"
	domidem "github.com/Zhima-Mochi/directpay/internal/domain/idempotency"
	domoutbox "github.com/Zhima-Mochi/directpay/internal/domain/outbox"
	dompay "github.com/Zhima-Mochi/directpay/internal/domain/payment"
	"github.com/Zhima-Mochi/directpay/internal/observability"
	"github.com/Zhima-Mochi/directpay/internal/observability/logctx"
	"github.com/shopspring/decimal"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	paymentService        = "payment-orchestrator"
	useCasePrefix         = "payment."
	spanPrefix            = "UC."
	defaultGatewayTimeout = 30 * time.Second
	defaultCreationWait   = 5 * time.Second
	waitInitialBackoff    = 10 * time.Millisecond
	waitMaxBackoff        = 250 * time.Millisecond
)

// CreateCommand starts a payment with AUTHORIZE or PURCHASE.
type CreateCommand struct {
	AccountID   string
	ExternalKey string
	Amount      decimal.Decimal
	Currency    string
	Properties  map[string]string
}

type CaptureCommand struct {
	AccountID  string
	PaymentID  string
	Amount     decimal.Decimal
	RequestKey string
	Properties map[string]string
}

type VoidCommand struct {
	AccountID  string
	PaymentID  string
	RequestKey string
	Properties map[string]string
}

// CreditCommand refunds captured funds. A nil Amount credits the whole remaining balance.
type CreditCommand struct {
	AccountID  string
	PaymentID  string
	Amount     *decimal.Decimal
	RequestKey string
	Properties map[string]string
}

type Config struct {
	GatewayTimeout  time.Duration
	CreationWait    time.Duration
	DefaultCurrency string
}

// Orchestrator drives the five payment verbs through guard, state machine, gateway and ledger.
type Orchestrator struct {
	ledger   dompay.Ledger
	guard    *appidem.Guard
	gateways GatewayResolver
	ids      IDGenerator
	events   domoutbox.Publisher
	cfg      Config
	now      func() time.Time

	tel        observability.Observability
	log        observability.Logger
	reqCounter observability.Counter
	durHist    observability.Histogram
	caller     *gatewayCaller

	inflight sync.WaitGroup
}

func NewOrchestrator(
	ledger dompay.Ledger,
	guard *appidem.Guard,
	gateways GatewayResolver,
	ids IDGenerator,
	events domoutbox.Publisher,
	cfg Config,
	tel observability.Observability,
) *Orchestrator {
	if tel == nil {
		tel = observability.Nop()
	}
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = defaultGatewayTimeout
	}
	if cfg.CreationWait <= 0 {
		cfg.CreationWait = defaultCreationWait
	}
	if cfg.DefaultCurrency == "" {
		cfg.DefaultCurrency = "USD"
	}
	baseLog := tel.Logger().With(observability.F("service", paymentService))
	return &Orchestrator{
		ledger:     ledger,
		guard:      guard,
		gateways:   gateways,
		ids:        ids,
		events:     events,
		cfg:        cfg,
		now:        time.Now,
		tel:        tel,
		log:        baseLog,
		reqCounter: tel.Metrics().Counter(observability.MUsecaseRequests),
		durHist:    tel.Metrics().Histogram(observability.MUsecaseDuration),
		caller:     newGatewayCaller(tel, baseLog, cfg.GatewayTimeout),
	}
}

func (o *Orchestrator) Authorize(ctx context.Context, cmd CreateCommand) (*dompay.Result, error) {
	return o.execute(ctx, creation(dompay.OpAuthorize, cmd))
}

func (o *Orchestrator) Purchase(ctx context.Context, cmd CreateCommand) (*dompay.Result, error) {
	return o.execute(ctx, creation(dompay.OpPurchase, cmd))
}

func (o *Orchestrator) Capture(ctx context.Context, cmd CaptureCommand) (*dompay.Result, error) {
	amount := cmd.Amount
	return o.execute(ctx, operation{
		op: dompay.OpCapture, accountID: cmd.AccountID, paymentID: cmd.PaymentID,
		amount: &amount, requestKey: cmd.RequestKey, properties: cmd.Properties,
	})
}

func (o *Orchestrator) Void(ctx context.Context, cmd VoidCommand) (*dompay.Result, error) {
	return o.execute(ctx, operation{
		op: dompay.OpVoid, accountID: cmd.AccountID, paymentID: cmd.PaymentID,
		requestKey: cmd.RequestKey, properties: cmd.Properties,
	})
}

func (o *Orchestrator) Credit(ctx context.Context, cmd CreditCommand) (*dompay.Result, error) {
	return o.execute(ctx, operation{
		op: dompay.OpCredit, accountID: cmd.AccountID, paymentID: cmd.PaymentID,
		amount: cmd.Amount, requestKey: cmd.RequestKey, properties: cmd.Properties,
	})
}

// Close waits for gateway calls that outlived their callers.
func (o *Orchestrator) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type operation struct {
	op          dompay.OperationType
	accountID   string
	externalKey string
	paymentID   string
	amount      *decimal.Decimal
	currency    string
	requestKey  string
	properties  map[string]string
}

func creation(op dompay.OperationType, cmd CreateCommand) operation {
	amount := cmd.Amount
	return operation{
		op: op, accountID: cmd.AccountID, externalKey: cmd.ExternalKey,
		amount: &amount, currency: cmd.Currency, properties: cmd.Properties,
	}
}

func (c operation) validate() error {
	if c.accountID == "" {
		return dompay.NewValidationError(c.op, "account id is required")
	}
	if c.op.IsCreation() && c.externalKey == "" {
		return dompay.NewValidationError(c.op, "external key is required")
	}
	if !c.op.IsCreation() && c.paymentID == "" {
		return dompay.NewValidationError(c.op, "payment id is required")
	}
	if c.amount != nil && !c.amount.IsPositive() {
		return dompay.NewValidationError(c.op, "amount must be greater than zero")
	}
	if c.amount != nil && !c.amount.Equal(c.amount.Truncate(dompay.MaxAmountScale)) {
		return dompay.NewValidationError(c.op, fmt.Sprintf("amount has more than %d decimal places", dompay.MaxAmountScale))
	}
	return nil
}

func (o *Orchestrator) execute(ctx context.Context, cmd operation) (res *dompay.Result, err error) {
	useCase := useCasePrefix + cmd.op.Lower()
	fields := append(callctx.From(ctx).Fields(),
		observability.F("use_case", useCase),
		observability.F("account_id", cmd.accountID),
	)
	logger := logctx.FromOr(ctx, o.log).With(fields...)
	ctx = logctx.With(ctx, logger)

	ctx, span := o.tel.Tracer().Start(ctx, spanPrefix+string(cmd.op),
		attribute.String("use_case", useCase),
		attribute.String("account.id", cmd.accountID),
		attribute.String("payment.id", cmd.paymentID),
		attribute.String("payment.external_key", cmd.externalKey),
	)
	start := time.Now()

	defer func() {
		outcome, statusText := "success", "OK"
		if res != nil && res.Outcome != dompay.OutcomeSuccess {
			outcome, statusText = strings.ToLower(string(res.Outcome)), string(res.Kind)
		}
		if res != nil && res.Payment != nil {
			span.SetAttributes(
				attribute.String("payment.id", res.Payment.ID),
				attribute.String("payment.state", string(res.Payment.State)),
			)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, statusText)
		} else {
			span.SetStatus(codes.Ok, statusText)
		}
		span.End()

		latency := time.Since(start).Seconds()
		o.reqCounter.Add(1,
			observability.L("use_case", useCase),
			observability.L("outcome", outcome),
		)
		o.durHist.Observe(latency,
			observability.L("use_case", useCase),
		)

		done := []observability.Field{
			observability.F("outcome", outcome),
			observability.F("status", statusText),
			observability.F("latency_seconds", latency),
		}
		if res != nil && res.Payment != nil {
			done = append(done,
				observability.F("payment_id", res.Payment.ID),
				observability.F("payment_state", string(res.Payment.State)),
			)
		}
		if res != nil && res.Transaction != nil {
			done = append(done,
				observability.F("transaction_id", res.Transaction.ID),
				observability.F("transaction_status", string(res.Transaction.Status)),
			)
		}
		if res != nil && res.Replayed {
			done = append(done, observability.F("replayed", true))
		}
		if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
			done = append(done,
				observability.F("trace_id", sc.TraceID().String()),
				observability.F("span_id", sc.SpanID().String()),
			)
		}
		if err != nil {
			done = append(done, observability.F("error", err.Error()))
		}
		logger.Info("use_case_done", done...)
	}()

	if verr := cmd.validate(); verr != nil {
		res = dompay.Rejected(nil, nil, verr)
		return res, verr
	}
	if cmd.op.IsCreation() {
		res = o.create(ctx, cmd)
	} else {
		res = o.followUp(ctx, cmd)
	}
	return res, res.Err
}

func (o *Orchestrator) create(ctx context.Context, cmd operation) *dompay.Result {
	key := domidem.CreationKey(cmd.accountID, cmd.op, cmd.externalKey)
	reservation, err := o.reserveCreation(ctx, key)
	if err != nil {
		return o.internal(nil, err)
	}
	switch reservation.Decision {
	case appidem.AlreadyCompleted:
		return o.replay(ctx, cmd, reservation.Record)
	case appidem.InFlight:
		return o.inFlight(ctx, cmd, reservation.Record)
	}

	p, err := o.loadOrCreate(ctx, cmd)
	if err != nil {
		o.guard.Abandon(ctx, key)
		if dompay.KindOf(err) == dompay.KindValidation {
			return dompay.Rejected(nil, nil, err)
		}
		return o.internal(nil, err)
	}

	// an earlier attempt under this external key reached the gateway; answer from the ledger
	if prior := p.CreationTransaction(); prior != nil {
		o.guard.Abandon(ctx, key)
		if prior.Type != cmd.op {
			return dompay.Rejected(p, nil, dompay.NewInvalidStateError(cmd.op, p.ID,
				fmt.Sprintf("external key already used by %s", prior.Type), nil))
		}
		res := dompay.FromTransaction(cmd.op, p, p.Effective(prior.ID))
		res.Replayed = true
		return res
	}
	return o.attempt(ctx, cmd, p, &key)
}

// reserveCreation waits, with backoff, for a concurrent creation under the same key to finish.
func (o *Orchestrator) reserveCreation(ctx context.Context, key domidem.Key) (appidem.Reservation, error) {
	deadline := time.Now().Add(o.cfg.CreationWait)
	backoff := waitInitialBackoff
	for {
		res, err := o.guard.Reserve(ctx, key)
		if err != nil || res.Decision != appidem.InFlight {
			return res, err
		}
		if time.Now().Add(backoff).After(deadline) {
			return res, nil
		}
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return res, nil
		case <-timer.C:
		}
		backoff *= 2
		if backoff > waitMaxBackoff {
			backoff = waitMaxBackoff
		}
	}
}

// inFlight answers a caller that lost the race for a key still being processed.
func (o *Orchestrator) inFlight(ctx context.Context, cmd operation, rec *domidem.Record) *dompay.Result {
	if rec != nil && rec.Bound() {
		if p, err := o.ledger.GetPayment(ctx, rec.PaymentID); err == nil {
			if t := p.Effective(rec.TransactionID); t != nil {
				if res := o.settledElsewhere(ctx, cmd, rec, p, t); res != nil {
					return res
				}
				return dompay.Indeterminate(p, t, dompay.NewIndeterminateOutcomeError(cmd.op, p.ID, t.ID, dompay.ErrConcurrentOperation))
			}
		}
	}
	paymentID := cmd.paymentID
	if rec != nil && rec.PaymentID != "" {
		paymentID = rec.PaymentID
	}
	return dompay.Rejected(nil, nil, dompay.NewConcurrentOperationError(cmd.op, paymentID, ""))
}

// settledElsewhere replays an IN_FLIGHT reservation whose transaction already has a final
// outcome in the ledger, and completes the reservation. This happens when the outcome write
// failed after the gateway call and reconciliation recorded the verdict since.
func (o *Orchestrator) settledElsewhere(ctx context.Context, cmd operation, rec *domidem.Record, p *dompay.Payment, t *dompay.Transaction) *dompay.Result {
	if !t.Status.Final() {
		return nil
	}
	var err error
	if t.NotAttempted() {
		// nothing reached the gateway; free the key for a retry
		err = o.guard.Drop(ctx, rec.Key)
	} else {
		err = o.guard.Settle(ctx, rec.Key, domidem.Outcome{Status: t.Status, PaymentID: p.ID, TransactionID: rec.TransactionID})
	}
	if err != nil {
		logctx.FromOr(ctx, o.log).Warn("reservation_settle_failed",
			observability.F("key", rec.Key),
			observability.F("error", err.Error()),
		)
	}
	res := dompay.FromTransaction(cmd.op, p, t)
	res.Replayed = true
	return res
}

func (o *Orchestrator) loadOrCreate(ctx context.Context, cmd operation) (*dompay.Payment, error) {
	p, err := o.ledger.GetPaymentByExternalKey(ctx, cmd.accountID, cmd.externalKey)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, dompay.ErrNotFound) {
		return nil, dompay.WrapRepositoryError(err)
	}

	plugin, err := o.gateways.ForAccount(cmd.accountID)
	if err != nil {
		return nil, &dompay.OperationError{Kind: dompay.KindValidation, Op: cmd.op, Reason: "no payment plugin for account", Err: err}
	}
	currency := cmd.currency
	if currency == "" {
		currency = o.cfg.DefaultCurrency
	}
	p, err = dompay.New(o.ids.NewID(), cmd.accountID, cmd.externalKey, plugin.Name(), currency, o.now())
	if err != nil {
		return nil, err
	}
	if err := o.ledger.CreatePayment(ctx, p); err != nil {
		if errors.Is(err, dompay.ErrConflict) {
			return o.ledger.GetPaymentByExternalKey(ctx, cmd.accountID, cmd.externalKey)
		}
		return nil, dompay.WrapRepositoryError(err)
	}
	logctx.FromOr(ctx, o.log).Info("payment_created",
		observability.F("payment_id", p.ID),
		observability.F("plugin", p.PluginName),
	)
	return p, nil
}

func (o *Orchestrator) followUp(ctx context.Context, cmd operation) *dompay.Result {
	p, err := o.ledger.GetPayment(ctx, cmd.paymentID)
	if errors.Is(err, dompay.ErrNotFound) || (err == nil && p.AccountID != cmd.accountID) {
		return dompay.Rejected(nil, nil, dompay.NewNotFoundError(cmd.op, cmd.paymentID))
	}
	if err != nil {
		return o.internal(nil, dompay.WrapRepositoryError(err))
	}
	if cmd.requestKey == "" {
		return o.attempt(ctx, cmd, p, nil)
	}

	key := domidem.OperationKey(cmd.accountID, cmd.op, p.ID, cmd.requestKey)
	reservation, err := o.guard.Reserve(ctx, key)
	if err != nil {
		return o.internal(p, err)
	}
	switch reservation.Decision {
	case appidem.AlreadyCompleted:
		return o.replay(ctx, cmd, reservation.Record)
	case appidem.InFlight:
		if rec := reservation.Record; rec.Bound() {
			if t := p.Effective(rec.TransactionID); t != nil {
				if res := o.settledElsewhere(ctx, cmd, rec, p, t); res != nil {
					return res
				}
			}
		}
		return dompay.Rejected(p, nil, dompay.NewConcurrentOperationError(cmd.op, p.ID, reservation.Record.TransactionID))
	}
	return o.attempt(ctx, cmd, p, &key)
}

// replay rebuilds the result of a completed reservation from the ledger, honoring any
// reconciliation verdict recorded since.
func (o *Orchestrator) replay(ctx context.Context, cmd operation, rec *domidem.Record) *dompay.Result {
	p, err := o.ledger.GetPayment(ctx, rec.PaymentID)
	if err != nil {
		return o.internal(nil, fmt.Errorf("replay %s: %w", rec.Key, err))
	}
	t := p.Effective(rec.TransactionID)
	if t == nil {
		return o.internal(p, fmt.Errorf("replay %s: transaction %s missing from ledger", rec.Key, rec.TransactionID))
	}
	res := dompay.FromTransaction(cmd.op, p, t)
	res.Replayed = true
	return res
}

func (o *Orchestrator) attempt(ctx context.Context, cmd operation, p *dompay.Payment, key *domidem.Key) *dompay.Result {
	logger := logctx.FromOr(ctx, o.log)
	abandon := func() {
		if key != nil {
			o.guard.Abandon(ctx, *key)
		}
	}

	release, ok, err := o.guard.AcquirePayment(ctx, p.AccountID, p.ID)
	if err != nil {
		abandon()
		return o.internal(p, err)
	}
	if !ok {
		abandon()
		var pending string
		if last := p.LastTransaction(); last.Unresolved() {
			pending = last.ID
		}
		return dompay.Rejected(p, nil, dompay.NewConcurrentOperationError(cmd.op, p.ID, pending))
	}
	fail := func(res *dompay.Result) *dompay.Result {
		release()
		abandon()
		return res
	}

	// reload under the slot so validation sees the latest committed log
	p, err = o.ledger.GetPayment(ctx, p.ID)
	if err != nil {
		return fail(o.internal(nil, dompay.WrapRepositoryError(err)))
	}
	amount, err := dompay.Validate(p, cmd.op, cmd.amount)
	if err != nil {
		return fail(dompay.Rejected(p, nil, err))
	}
	plugin, err := o.gateways.Lookup(p.PluginName)
	if err != nil {
		return fail(o.internal(p, fmt.Errorf("resolve plugin %q: %w", p.PluginName, err)))
	}
	if !gateway.Supports(plugin, cmd.op) {
		return fail(dompay.Rejected(p, nil, dompay.NewInvalidStateError(cmd.op, p.ID,
			fmt.Sprintf("plugin %s does not support %s", plugin.Name(), cmd.op), gateway.ErrUnsupported)))
	}
	if cmd.op == dompay.OpCapture && p.AmountCaptured.IsPositive() && !gateway.SupportsMultipleCaptures(plugin) {
		return fail(dompay.Rejected(p, nil, dompay.NewInvalidStateError(cmd.op, p.ID,
			fmt.Sprintf("plugin %s accepts a single capture per authorization", plugin.Name()), gateway.ErrUnsupported)))
	}

	txn := &dompay.Transaction{
		ID:             o.ids.NewID(),
		Type:           cmd.op,
		Amount:         amount,
		Currency:       p.Currency,
		Status:         dompay.StatusPending,
		IdempotencyKey: transactionKey(p, cmd),
		Properties:     cmd.properties,
		CreatedBy:      callctx.From(ctx).UserName,
		CreatedAt:      o.now().UTC(),
	}
	appended, err := o.ledger.AppendTransaction(ctx, p.ID, txn)
	if err != nil {
		if errors.Is(err, dompay.ErrConflict) {
			return fail(dompay.Rejected(p, nil, dompay.NewConcurrentOperationError(cmd.op, p.ID, "")))
		}
		return fail(o.internal(p, dompay.WrapRepositoryError(err)))
	}
	p = appended
	o.saveState(ctx, p)
	if key != nil {
		if err := o.guard.Bind(ctx, *key, p.ID, txn.ID); err != nil {
			logger.Warn("reservation_bind_failed",
				observability.F("payment_id", p.ID),
				observability.F("transaction_id", txn.ID),
				observability.F("error", err.Error()),
			)
		}
	}

	// the gateway call must not be cancelled by the caller: the charge may already be committed downstream
	done := make(chan *dompay.Result, 1)
	o.inflight.Add(1)
	go func(p *dompay.Payment, txn *dompay.Transaction) {
		defer o.inflight.Done()
		defer release()
		done <- o.complete(context.WithoutCancel(ctx), cmd, p, txn, plugin, key)
	}(p, p.Transaction(txn.ID))

	select {
	case res := <-done:
		return res
	case <-ctx.Done():
		logger.Warn("caller_detached_from_gateway_call",
			observability.F("payment_id", p.ID),
			observability.F("transaction_id", txn.ID),
			observability.F("error", ctx.Err().Error()),
		)
		return dompay.Indeterminate(p, p.Transaction(txn.ID),
			dompay.NewIndeterminateOutcomeError(cmd.op, p.ID, txn.ID, ctx.Err()))
	}
}

// complete performs the gateway call for txn and records its outcome.
func (o *Orchestrator) complete(
	ctx context.Context,
	cmd operation,
	p *dompay.Payment,
	txn *dompay.Transaction,
	plugin gateway.Plugin,
	key *domidem.Key,
) *dompay.Result {
	logger := logctx.FromOr(ctx, o.log)
	gres, err := o.caller.execute(ctx, plugin, gateway.Request{
		Operation:          txn.Type,
		AccountID:          p.AccountID,
		PaymentID:          p.ID,
		TransactionID:      txn.ID,
		Amount:             txn.Amount,
		Currency:           txn.Currency,
		IdempotencyKey:     txn.IdempotencyKey,
		ProcessorReference: p.ProcessorReference,
		Properties:         txn.Properties,
	})
	if err != nil {
		gres = gateway.Result{Status: dompay.StatusFailed, ErrorCode: dompay.ErrorCodeNotAttempted, ErrorMessage: err.Error()}
	}

	final := txn.Clone()
	final.ProcessorReference = gres.ProcessorReference
	final.GatewayErrorCode = gres.ErrorCode
	final.GatewayErrorMessage = gres.ErrorMessage
	final.RawResponse = gres.RawResponse
	final.Complete(gres.Status, o.now())

	updated, err := o.ledger.UpdateTransaction(ctx, p.ID, final)
	if err != nil {
		// the reservation stays bound and the PENDING record ages into reconciliation
		logger.Error("transaction_outcome_not_recorded",
			observability.F("payment_id", p.ID),
			observability.F("transaction_id", txn.ID),
			observability.F("gateway_status", string(gres.Status)),
			observability.F("error", err.Error()),
		)
		return dompay.Indeterminate(p, txn, dompay.NewIndeterminateOutcomeError(cmd.op, p.ID, txn.ID, err))
	}
	o.saveState(ctx, updated)
	recorded := updated.Transaction(final.ID)

	switch {
	case gres.NotAttempted():
		if key != nil {
			o.guard.Abandon(ctx, *key)
		}
		var cause error
		if gres.ErrorMessage != "" {
			cause = errors.New(gres.ErrorMessage)
		}
		return dompay.Rejected(updated, recorded, dompay.NewTransientGatewayError(cmd.op, p.ID, final.ID, cause))

	case final.Status == dompay.StatusUnknown:
		o.settle(ctx, key, updated.ID, recorded)
		o.publish(ctx, dompay.NewTransactionUnknownEvent(updated, recorded))
		logger.Warn("transaction_outcome_unknown",
			observability.F("payment_id", p.ID),
			observability.F("transaction_id", final.ID),
			observability.F("gateway_error_code", final.GatewayErrorCode),
		)
		return dompay.Indeterminate(updated, recorded, dompay.NewIndeterminateOutcomeError(cmd.op, p.ID, final.ID, nil))
	}

	o.settle(ctx, key, updated.ID, recorded)
	o.publish(ctx, dompay.NewTransactionCompletedEvent(updated, recorded))
	if final.Status == dompay.StatusSuccess {
		return dompay.Succeeded(updated, recorded)
	}
	return dompay.Rejected(updated, recorded,
		dompay.NewGatewayDeclinedError(cmd.op, p.ID, final.ID, final.GatewayErrorCode, final.GatewayErrorMessage))
}

func (o *Orchestrator) settle(ctx context.Context, key *domidem.Key, paymentID string, t *dompay.Transaction) {
	if key == nil {
		return
	}
	err := o.guard.Release(ctx, *key, domidem.Outcome{Status: t.Status, PaymentID: paymentID, TransactionID: t.ID})
	if err != nil {
		logctx.FromOr(ctx, o.log).Error("reservation_release_failed",
			observability.F("key", key.String()),
			observability.F("error", err.Error()),
		)
	}
}

func (o *Orchestrator) saveState(ctx context.Context, p *dompay.Payment) {
	if err := o.ledger.UpdatePaymentState(ctx, p); err != nil {
		logctx.FromOr(ctx, o.log).Warn("payment_state_not_saved",
			observability.F("payment_id", p.ID),
			observability.F("error", err.Error()),
		)
	}
}

func (o *Orchestrator) publish(ctx context.Context, e domoutbox.Event) {
	if o.events == nil {
		return
	}
	if err := o.events.Publish(ctx, e); err != nil {
		logctx.FromOr(ctx, o.log).Warn("event_publish_failed",
			observability.F("event", e.EventName()),
			observability.F("error", err.Error()),
		)
	}
}

func (o *Orchestrator) internal(p *dompay.Payment, err error) *dompay.Result {
	return dompay.Rejected(p, nil, err)
}

// transactionKey derives the processor idempotency key. Retrying the same logical
// attempt yields the same key so the processor can deduplicate.
func transactionKey(p *dompay.Payment, cmd operation) string {
	base := p.ExternalKey + ":" + cmd.op.Lower()
	switch {
	case cmd.op.IsCreation():
		return base
	case cmd.requestKey != "":
		return base + ":" + cmd.requestKey
	}
	return fmt.Sprintf("%s:%d", base, len(p.Transactions)+1)
}
